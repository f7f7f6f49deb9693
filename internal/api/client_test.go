package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/sequencer"
	"collabtext/internal/store"
)

func TestDocuments(t *testing.T) {
	catalog := store.NewMemoryCatalog()
	seq := sequencer.New(store.NewMemory(catalog), logr.Discard(), sequencer.WithCatalog(catalog))
	srv := httptest.NewServer(seq.Handler())
	defer srv.Close()
	defer seq.Close()

	ctx := context.Background()
	c := New(srv.URL)

	docs, err := c.ListDocuments(ctx, "room")
	require.NoError(t, err)
	assert.Empty(t, docs)

	doc, err := c.CreateDocument(ctx, "room", "Plan")
	require.NoError(t, err)
	assert.Equal(t, "Plan", doc.Title)

	docs, err = c.ListDocuments(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []store.Document{doc}, docs)
}

func TestAskWithoutAssistant(t *testing.T) {
	seq := sequencer.New(store.NewMemory(nil), logr.Discard())
	srv := httptest.NewServer(seq.Handler())
	defer srv.Close()
	defer seq.Close()

	err := New(srv.URL).Ask(context.Background(), sequencer.AssistRequest{Prompt: "p", RoomCode: "r", DocumentID: 1})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
}

func TestNewAddsScheme(t *testing.T) {
	assert.Equal(t, "http://localhost:8081", New("localhost:8081").base)
	assert.Equal(t, "https://example.com", New("https://example.com/").base)
}
