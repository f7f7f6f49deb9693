package replica

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/session"
)

func TestCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.db")
	c, err := Open(path)
	require.NoError(t, err)

	a := session.Address{Room: "room", Document: 1}
	_, err = c.Get(a)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Put(a, "v2", 2))
	require.NoError(t, c.Put(a, "v1", 1))
	e, err := c.Get(a)
	require.NoError(t, err)
	assert.Equal(t, "v2", e.Content)
	assert.Equal(t, int64(2), e.Version)
	assert.False(t, e.Saved.IsZero())

	// A fresh snapshot may legitimately carry the same version.
	require.NoError(t, c.Put(a, "v2 again", 2))
	require.NoError(t, c.Close())

	c, err = Open(path)
	require.NoError(t, err)
	defer c.Close()
	e, err = c.Get(a)
	require.NoError(t, err)
	assert.Equal(t, "v2 again", e.Content)

	require.NoError(t, c.Put(session.Address{Room: "other", Document: 2}, "x", 1))
	all, err := c.List("")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "other/2", all[0].Address)
	assert.Equal(t, "room/1", all[1].Address)

	inRoom, err := c.List("room")
	require.NoError(t, err)
	require.Len(t, inRoom, 1)
	assert.Equal(t, "room/1", inRoom[0].Address)
	assert.False(t, inRoom[0].Saved.IsZero())
}
