package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/ot"
	"collabtext/internal/store"
)

func TestMemoryStorageKeepsFlushedEdits(t *testing.T) {
	ctx := context.Background()
	st, err := openStorage(ctx, "", logr.Discard())
	require.NoError(t, err)
	defer st.close()
	require.NotNil(t, st.sink)

	doc, err := st.catalog.CreateDocument(ctx, "room", "Notes")
	require.NoError(t, err)
	key := store.DocKey{Room: "room", Document: doc.ID}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	be := store.NewRedis(rdb, st.loader)

	_, err = be.Commit(ctx, key, "u", store.Exactly(ot.NewInsert(9, "kept")))
	require.NoError(t, err)
	_, err = store.NewFlusher(be, st.sink, time.Minute, logr.Discard()).Flush(ctx)
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)
	snap, err := be.Snapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "# Notes\n\nkept", snap.Content)
	assert.EqualValues(t, 1, snap.Version)
}

func TestListenPort(t *testing.T) {
	port, err := listenPort(":8081")
	require.NoError(t, err)
	assert.Equal(t, 8081, port)

	_, err = listenPort("8081")
	assert.Error(t, err)
}
