// Package store holds the authoritative side of a document: the backends
// that linearize edits and fan them out, the durable Postgres store and the
// document catalog.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"collabtext/internal/ot"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrContended is returned when an optimistic commit kept losing races
	// against other writers.
	ErrContended = errors.New("document contended")
)

// DocKey addresses one document within a room.
type DocKey struct {
	Room     string
	Document int
}

func (k DocKey) String() string {
	return fmt.Sprintf("%s:%d", k.Room, k.Document)
}

// Channel is the pub/sub channel carrying the document's broadcasts.
func (k DocKey) Channel() string {
	return fmt.Sprintf("doc:%s:%d:events", k.Room, k.Document)
}

func (k DocKey) contentKey() string {
	return fmt.Sprintf("doc:%s:%d:content", k.Room, k.Document)
}

func (k DocKey) versionKey() string {
	return fmt.Sprintf("doc:%s:%d:version", k.Room, k.Document)
}

func (k DocKey) participantsKey() string {
	return fmt.Sprintf("doc:%s:%d:participants", k.Room, k.Document)
}

// ParseDocKey is the inverse of DocKey.String.
func ParseDocKey(s string) (DocKey, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return DocKey{}, fmt.Errorf("bad document key %q", s)
	}
	id, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return DocKey{}, fmt.Errorf("bad document key %q: %w", s, err)
	}
	return DocKey{Room: s[:i], Document: id}, nil
}

// RoomChannel carries room-wide broadcasts such as document list changes.
func RoomChannel(room string) string {
	return fmt.Sprintf("room:%s:events", room)
}

// Snapshot is the authoritative text of a document and the version of the
// last operation it reflects.
type Snapshot struct {
	Content string
	Version int64
}

// Commit describes an accepted edit.
type Commit struct {
	Operation ot.Operation
	Version   int64
	Content   string
}

// EditFunc chooses the operation to apply given the current authoritative
// text. Returning an error aborts the commit.
type EditFunc func(current string) (ot.Operation, error)

// Exactly returns an EditFunc that applies op as-is, rejecting it when it
// does not fit the current text.
func Exactly(op ot.Operation) EditFunc {
	return func(current string) (ot.Operation, error) {
		return op, ot.CheckBounds(current, op)
	}
}

// Subscription delivers raw broadcast payloads until closed.
type Subscription interface {
	C() <-chan []byte
	Close() error
}

// Backend is the serialization point for documents. Commit applies an edit
// to the authoritative text, assigns it the next version and publishes the
// resulting operation frame on the document channel, all atomically with
// respect to other commits on the same document.
type Backend interface {
	Snapshot(ctx context.Context, key DocKey) (Snapshot, error)
	Commit(ctx context.Context, key DocKey, origin string, edit EditFunc) (Commit, error)
	Publish(ctx context.Context, channel string, msg []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Join(ctx context.Context, key DocKey, participant string) (int, error)
	Leave(ctx context.Context, key DocKey, participant string) (int, error)
}

// Loader supplies content for documents the backend has not seen yet.
type Loader interface {
	LoadContent(ctx context.Context, key DocKey) (string, error)
}

// ContentSink persists document content.
type ContentSink interface {
	SaveContent(ctx context.Context, key DocKey, content string) error
}

// DirtySource lists documents changed since they were last persisted.
type DirtySource interface {
	Dirty(ctx context.Context) ([]DocKey, error)
	Snapshot(ctx context.Context, key DocKey) (Snapshot, error)
	MarkClean(ctx context.Context, key DocKey, version int64) error
}

// Document is a catalog entry.
type Document struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

// Catalog is the room/document metadata collaborator.
type Catalog interface {
	ListDocuments(ctx context.Context, room string) ([]Document, error)
	CreateDocument(ctx context.Context, room, title string) (Document, error)
}

// InitialContent is what a newly created document starts with.
func InitialContent(title string) string {
	return fmt.Sprintf("# %s\n\n", title)
}

func load(ctx context.Context, loader Loader, key DocKey) (string, error) {
	if loader == nil {
		return "", nil
	}
	content, err := loader.LoadContent(ctx, key)
	if errors.Is(err, ErrNotFound) {
		// Unknown documents start empty; the flusher creates nothing, so the
		// content only becomes durable once the catalog knows the document.
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading %s: %w", key, err)
	}
	return content, nil
}
