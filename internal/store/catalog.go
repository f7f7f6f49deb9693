package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryCatalog keeps the catalog and document content in process. The
// server falls back to it when no database is configured.
type MemoryCatalog struct {
	mu     sync.Mutex
	nextID int
	rooms  map[string][]Document
	texts  map[DocKey]string
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		nextID: 1,
		rooms:  make(map[string][]Document),
		texts:  make(map[DocKey]string),
	}
}

func (c *MemoryCatalog) ListDocuments(_ context.Context, room string) ([]Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs := make([]Document, len(c.rooms[room]))
	copy(docs, c.rooms[room])
	return docs, nil
}

func (c *MemoryCatalog) CreateDocument(_ context.Context, room, title string) (Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := Document{ID: c.nextID, Title: title}
	c.nextID++
	c.rooms[room] = append(c.rooms[room], doc)
	c.texts[DocKey{Room: room, Document: doc.ID}] = InitialContent(title)
	return doc, nil
}

func (c *MemoryCatalog) LoadContent(_ context.Context, key DocKey) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	content, ok := c.texts[key]
	if !ok {
		return "", fmt.Errorf("document %s: %w", key, ErrNotFound)
	}
	return content, nil
}

func (c *MemoryCatalog) SaveContent(_ context.Context, key DocKey, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.texts[key]; !ok {
		return fmt.Errorf("document %s: %w", key, ErrNotFound)
	}
	c.texts[key] = content
	return nil
}
