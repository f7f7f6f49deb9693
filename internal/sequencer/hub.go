package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/go-logr/logr"

	"collabtext/internal/store"
	"collabtext/internal/wire"
)

// hub fans one document's broadcasts out to the connections on this
// instance that are viewing it. Every change to the client set and every
// delivery happens on the run goroutine, so a client's send channel never
// sees a broadcast before its init frame.
type hub struct {
	key     store.DocKey
	backend store.Backend
	sub     store.Subscription
	log     logr.Logger

	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	resync     chan *client
	quit       chan struct{}
	done       chan struct{}

	broken atomic.Bool
	refs   int // guarded by Sequencer.mu
}

func newHub(key store.DocKey, backend store.Backend, sub store.Subscription, log logr.Logger) *hub {
	return &hub{
		key:        key,
		backend:    backend,
		sub:        sub,
		log:        log.WithValues("doc", key.String()),
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		resync:     make(chan *client),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	defer close(h.done)
	defer h.sub.Close()
	msgs := h.sub.C()
	for {
		select {
		case c := <-h.register:
			if h.broken.Load() {
				h.reject(c, errors.New("document feed lost, reconnect"))
				continue
			}
			h.add(ctx, c)
		case c := <-h.unregister:
			if h.clients[c] {
				h.remove(ctx, c)
			}
		case c := <-h.resync:
			if h.clients[c] {
				h.sendSnapshot(ctx, c)
			}
		case msg, ok := <-msgs:
			if !ok {
				// Without the feed these clients would silently fall behind.
				h.log.Info("subscription closed, dropping clients")
				h.broken.Store(true)
				msgs = nil
				for c := range h.clients {
					h.remove(ctx, c)
				}
				continue
			}
			h.broadcast(ctx, msg)
		case <-h.quit:
			return
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
				participants.Dec()
			}
			return
		}
	}
}

// requestResync asks the hub to send c a fresh snapshot. It gives up if the
// hub has already stopped.
func (h *hub) requestResync(c *client) {
	select {
	case h.resync <- c:
	case <-h.done:
	}
}

func (h *hub) stop() {
	close(h.quit)
	<-h.done
}

// join hands c to the hub. It reports false if the hub has already stopped.
func (h *hub) join(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// add sends c its snapshot and only then starts delivering broadcasts to it.
// Operations already in flight when the snapshot was taken carry versions
// the client will recognise as covered by it.
func (h *hub) add(ctx context.Context, c *client) {
	count, err := h.backend.Join(ctx, h.key, c.id)
	if err != nil {
		h.reject(c, fmt.Errorf("joining document: %w", err))
		return
	}
	snap, err := h.backend.Snapshot(ctx, h.key)
	if err != nil {
		h.backend.Leave(ctx, h.key, c.id)
		h.reject(c, fmt.Errorf("loading document: %w", err))
		return
	}
	c.send <- wire.MustEncode(wire.Init(snap.Content, count, c.id, snap.Version))
	h.clients[c] = true
	participants.Inc()
	h.log.Info("client registered", "client", c.id, "clients", len(h.clients))
	h.publishCount(ctx, count)
}

func (h *hub) reject(c *client, err error) {
	h.log.Error(err, "refusing client", "client", c.id)
	c.send <- wire.MustEncode(wire.Error(err.Error()))
	close(c.send)
}

func (h *hub) remove(ctx context.Context, c *client) {
	delete(h.clients, c)
	close(c.send)
	participants.Dec()
	count, err := h.backend.Leave(ctx, h.key, c.id)
	if err != nil {
		h.log.Error(err, "could not record departure", "client", c.id)
		return
	}
	h.log.Info("client unregistered", "client", c.id, "clients", len(h.clients))
	h.publishCount(ctx, count)
}

func (h *hub) sendSnapshot(ctx context.Context, c *client) {
	snap, err := h.backend.Snapshot(ctx, h.key)
	if err != nil {
		// The client is waiting on this snapshot; make it reconnect and try
		// again rather than leave it out of step.
		h.log.Error(err, "could not load snapshot for resync, dropping", "client", c.id)
		select {
		case c.send <- wire.MustEncode(wire.Error("could not load document, reconnect")):
		default:
		}
		h.remove(ctx, c)
		return
	}
	count, err := h.backend.Join(ctx, h.key, c.id)
	if err != nil {
		h.log.Error(err, "could not count participants for resync", "client", c.id)
		count = len(h.clients)
	}
	h.deliver(ctx, c, wire.MustEncode(wire.Init(snap.Content, count, c.id, snap.Version)))
	resyncsServed.Inc()
}

func (h *hub) publishCount(ctx context.Context, count int) {
	if err := h.backend.Publish(ctx, h.key.Channel(), wire.MustEncode(wire.ClientCount(count))); err != nil {
		h.log.Error(err, "could not broadcast client count")
	}
}

func (h *hub) broadcast(ctx context.Context, msg []byte) {
	for c := range h.clients {
		h.deliver(ctx, c, msg)
	}
}

// deliver queues msg for c. A client that cannot keep up is dropped; it will
// reconnect and start again from a fresh snapshot rather than silently
// missing an operation.
func (h *hub) deliver(ctx context.Context, c *client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		h.log.Info("client send buffer full, dropping", "client", c.id)
		participantsDropped.Inc()
		h.remove(ctx, c)
	}
}
