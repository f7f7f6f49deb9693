package session

import (
	"context"
	"errors"
	"sync"

	"github.com/go-logr/logr"
)

// Switcher keeps exactly one session alive for whichever document the
// participant is looking at. Switching tears the old session down before the
// new one connects.
type Switcher struct {
	cfg     Config
	dialer  Dialer
	surface Surface
	hooks   Hooks
	log     logr.Logger

	mu      sync.Mutex
	current *Session
	cancel  context.CancelFunc
	result  chan error
}

// NewSwitcher returns a switcher whose sessions share cfg, except for the
// address, and write to surface.
func NewSwitcher(cfg Config, dialer Dialer, surface Surface, hooks Hooks, log logr.Logger) *Switcher {
	return &Switcher{cfg: cfg, dialer: dialer, surface: surface, hooks: hooks, log: log}
}

// Open closes the current session, if any, and starts one for addr.
func (w *Switcher) Open(ctx context.Context, addr Address) *Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()

	cfg := w.cfg
	cfg.Address = addr
	if cfg.Reconnect != nil {
		// Sessions never overlap, so they can share the policy.
		cfg.Reconnect.Reset()
	}
	s := New(cfg, w.dialer, w.surface, w.hooks, w.log)
	ctx, cancel := context.WithCancel(ctx)
	result := make(chan error, 1)
	go func() { result <- s.Run(ctx) }()

	w.current, w.cancel, w.result = s, cancel, result
	return s
}

// Current returns the live session, or nil.
func (w *Switcher) Current() *Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// LocalChange forwards to the live session.
func (w *Switcher) LocalChange() {
	if s := w.Current(); s != nil {
		s.LocalChange()
	}
}

// Close stops the live session and returns what its Run returned.
func (w *Switcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopLocked()
}

func (w *Switcher) stopLocked() error {
	if w.current == nil {
		return nil
	}
	w.current.Close()
	err := <-w.result
	w.cancel()
	w.current, w.cancel, w.result = nil, nil, nil
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
