package store

import (
	"context"
	"sort"
	"sync"

	"collabtext/internal/ot"
	"collabtext/internal/wire"
)

const subscriptionBuffer = 256

// Memory is an in-process Backend. It is the sequencer for a single server
// instance and the reference implementation in tests.
type Memory struct {
	loader Loader

	mu   sync.Mutex // protects the fields below
	docs map[DocKey]*memDoc
	subs map[string]map[*memSub]struct{}
}

type memDoc struct {
	content      string
	version      int64
	dirty        bool
	participants map[string]struct{}
}

// NewMemory returns an empty backend. loader may be nil.
func NewMemory(loader Loader) *Memory {
	return &Memory{
		loader: loader,
		docs:   make(map[DocKey]*memDoc),
		subs:   make(map[string]map[*memSub]struct{}),
	}
}

// doc returns the state for key, loading it on first use. m.mu must be held.
func (m *Memory) doc(ctx context.Context, key DocKey) (*memDoc, error) {
	if d, ok := m.docs[key]; ok {
		return d, nil
	}
	content, err := load(ctx, m.loader, key)
	if err != nil {
		return nil, err
	}
	d := &memDoc{content: content, participants: make(map[string]struct{})}
	m.docs[key] = d
	return d, nil
}

func (m *Memory) Snapshot(ctx context.Context, key DocKey) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.doc(ctx, key)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Content: d.content, Version: d.version}, nil
}

func (m *Memory) Commit(ctx context.Context, key DocKey, origin string, edit EditFunc) (Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.doc(ctx, key)
	if err != nil {
		return Commit{}, err
	}
	op, err := edit(d.content)
	if err != nil {
		return Commit{}, err
	}
	next, err := ot.Apply(d.content, op)
	if err != nil {
		return Commit{}, err
	}
	payload, err := wire.Encode(wire.Operation(op, key.Document, origin, d.version+1))
	if err != nil {
		return Commit{}, err
	}
	d.content = next
	d.version++
	d.dirty = true
	m.publishLocked(key.Channel(), payload)
	return Commit{Operation: op, Version: d.version, Content: next}, nil
}

func (m *Memory) Publish(_ context.Context, channel string, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishLocked(channel, msg)
	return nil
}

// publishLocked hands msg to every subscriber of channel. A subscriber that
// is not keeping up misses the message; versioned operation frames let the
// far end notice.
func (m *Memory) publishLocked(channel string, msg []byte) {
	for s := range m.subs[channel] {
		select {
		case s.ch <- msg:
		default:
		}
	}
}

func (m *Memory) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &memSub{m: m, ch: make(chan []byte, subscriptionBuffer), channels: channels}
	for _, c := range channels {
		if m.subs[c] == nil {
			m.subs[c] = make(map[*memSub]struct{})
		}
		m.subs[c][s] = struct{}{}
	}
	return s, nil
}

func (m *Memory) Join(ctx context.Context, key DocKey, participant string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.doc(ctx, key)
	if err != nil {
		return 0, err
	}
	d.participants[participant] = struct{}{}
	return len(d.participants), nil
}

func (m *Memory) Leave(ctx context.Context, key DocKey, participant string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.doc(ctx, key)
	if err != nil {
		return 0, err
	}
	delete(d.participants, participant)
	return len(d.participants), nil
}

func (m *Memory) Dirty(context.Context) ([]DocKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []DocKey
	for k, d := range m.docs {
		if d.dirty {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (m *Memory) MarkClean(_ context.Context, key DocKey, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.docs[key]; ok && d.version == version {
		d.dirty = false
	}
	return nil
}

type memSub struct {
	m        *Memory
	ch       chan []byte
	channels []string
	once     sync.Once
}

func (s *memSub) C() <-chan []byte { return s.ch }

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.m.mu.Lock()
		defer s.m.mu.Unlock()
		for _, c := range s.channels {
			delete(s.m.subs[c], s)
			if len(s.m.subs[c]) == 0 {
				delete(s.m.subs, c)
			}
		}
		close(s.ch)
	})
	return nil
}
