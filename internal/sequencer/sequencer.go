// Package sequencer is the server side of document synchronization. It
// accepts participant connections, hands every edit to a store.Backend to be
// ordered, and relays the ordered operations back to every viewer of the
// document, the sender included.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabtext/internal/assistant"
	"collabtext/internal/ot"
	"collabtext/internal/store"
	"collabtext/internal/wire"
)

var (
	// ErrNoAssistant is returned by Assist when no composer is configured.
	ErrNoAssistant = errors.New("assistant not configured")
	// ErrNoCatalog is returned by the document operations when no catalog is
	// configured.
	ErrNoCatalog = errors.New("document catalog not configured")
)

// DefaultAssistTimeout bounds one assistant invocation.
const DefaultAssistTimeout = time.Minute

type Sequencer struct {
	backend  store.Backend
	catalog  store.Catalog
	composer assistant.Composer
	log      logr.Logger
	upgrader websocket.Upgrader

	assistTimeout time.Duration

	mu   sync.Mutex
	hubs map[store.DocKey]*hub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Sequencer)

// WithCatalog enables the document list endpoints.
func WithCatalog(c store.Catalog) Option {
	return func(s *Sequencer) { s.catalog = c }
}

// WithComposer enables assistant invocation.
func WithComposer(c assistant.Composer) Option {
	return func(s *Sequencer) { s.composer = c }
}

// WithCheckOrigin replaces the websocket origin check, which by default
// accepts every origin.
func WithCheckOrigin(f func(r *http.Request) bool) Option {
	return func(s *Sequencer) { s.upgrader.CheckOrigin = f }
}

func WithAssistTimeout(d time.Duration) Option {
	return func(s *Sequencer) { s.assistTimeout = d }
}

func New(backend store.Backend, log logr.Logger, opts ...Option) *Sequencer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sequencer{
		backend: backend,
		log:     log.WithName("sequencer"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		assistTimeout: DefaultAssistTimeout,
		hubs:          make(map[store.DocKey]*hub),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// acquire returns the running hub for key, starting one if needed. Every
// acquire must be paired with a release.
func (s *Sequencer) acquire(key store.DocKey) (*hub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if h, ok := s.hubs[key]; ok && !h.broken.Load() {
		h.refs++
		return h, nil
	}
	// A broken hub stays alive until its last connection releases it, but
	// new connections get a fresh subscription.
	sub, err := s.backend.Subscribe(s.ctx, key.Channel(), store.RoomChannel(key.Room))
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", key, err)
	}
	h := newHub(key, s.backend, sub, s.log)
	h.refs = 1
	s.hubs[key] = h
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.run(s.ctx)
	}()
	return h, nil
}

func (s *Sequencer) release(h *hub) {
	s.mu.Lock()
	h.refs--
	if h.refs > 0 {
		s.mu.Unlock()
		return
	}
	if s.hubs[h.key] == h {
		delete(s.hubs, h.key)
	}
	s.mu.Unlock()
	h.stop()
}

// ServeConn runs one participant connection until it closes.
func (s *Sequencer) ServeConn(conn *websocket.Conn, key store.DocKey) {
	h, err := s.acquire(key)
	if err != nil {
		s.log.Error(err, "could not attach connection", "doc", key.String())
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, wire.MustEncode(wire.Error("document unavailable")))
		conn.Close()
		return
	}
	defer s.release(h)

	c := newClient(uuid.New().String(), key, conn, s.log)
	go c.writePump()
	if !h.join(c) {
		close(c.send)
		return
	}
	c.readPump(s.ctx, s, h)
}

// Assist asks the composer for text to insert at cursor and commits it as an
// operation from the assistant participant. The cursor is clamped into the
// document as it stands when the text arrives.
func (s *Sequencer) Assist(ctx context.Context, key store.DocKey, prompt string, cursor int) error {
	if s.composer == nil {
		return ErrNoAssistant
	}
	snap, err := s.backend.Snapshot(ctx, key)
	if err != nil {
		return fmt.Errorf("loading %s: %w", key, err)
	}
	text, err := s.composer.Compose(ctx, assistant.NewRequest(snap.Content, prompt, cursor))
	if err != nil {
		return err
	}
	commit, err := s.backend.Commit(ctx, key, assistant.ParticipantID, func(current string) (ot.Operation, error) {
		pos := min(max(cursor, 0), utf8.RuneCountInString(current))
		return ot.NewInsert(pos, text), nil
	})
	if err != nil {
		return fmt.Errorf("committing assistant text: %w", err)
	}
	s.log.Info("assistant text inserted", "doc", key.String(), "position", commit.Operation.Position, "version", commit.Version)
	return nil
}

// assistAsync runs Assist in the background, bounded by the sequencer's
// lifetime and the assist timeout.
func (s *Sequencer) assistAsync(key store.DocKey, prompt string, cursor int) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.assistTimeout)
		defer cancel()
		err := s.Assist(ctx, key, prompt, cursor)
		switch {
		case errors.Is(err, assistant.ErrEmpty):
			s.log.Info("assistant returned nothing", "doc", key.String())
			assistantRequests.WithLabelValues("empty").Inc()
		case err != nil:
			s.log.Error(err, "assistant invocation failed", "doc", key.String())
			assistantRequests.WithLabelValues("error").Inc()
		default:
			assistantRequests.WithLabelValues("inserted").Inc()
		}
	}()
}

func (s *Sequencer) ListDocuments(ctx context.Context, room string) ([]store.Document, error) {
	if s.catalog == nil {
		return nil, ErrNoCatalog
	}
	return s.catalog.ListDocuments(ctx, room)
}

// CreateDocument adds a document to room and tells everyone in the room the
// list changed.
func (s *Sequencer) CreateDocument(ctx context.Context, room, title string) (store.Document, error) {
	if s.catalog == nil {
		return store.Document{}, ErrNoCatalog
	}
	doc, err := s.catalog.CreateDocument(ctx, room, title)
	if err != nil {
		return store.Document{}, err
	}
	if err := s.backend.Publish(ctx, store.RoomChannel(room), wire.MustEncode(wire.DocumentListUpdate())); err != nil {
		s.log.Error(err, "could not announce new document", "room", room, "id", doc.ID)
	}
	return doc, nil
}

// Close disconnects every participant and waits for background work to
// finish.
func (s *Sequencer) Close() {
	s.cancel()
	s.wg.Wait()
}
