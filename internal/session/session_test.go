package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/ot"
	"collabtext/internal/wire"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var errConnClosed = errors.New("connection closed")

type fakeConn struct {
	addr   Address
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(addr Address) *fakeConn {
	return &fakeConn{
		addr:   addr,
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	case c.out <- data:
		return nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// deliver plays the sequencer's side of the connection.
func (c *fakeConn) deliver(t *testing.T, m wire.Message) {
	t.Helper()
	c.in <- wire.MustEncode(m)
}

// sent returns the next frame the session wrote.
func (c *fakeConn) sent(t *testing.T) wire.Message {
	t.Helper()
	select {
	case data := <-c.out:
		msg, err := wire.Decode(data)
		require.NoError(t, err)
		return msg
	case <-time.After(waitFor):
		t.Fatal("nothing sent")
		return wire.Message{}
	}
}

// quiet asserts the session writes nothing for d.
func (c *fakeConn) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case data := <-c.out:
		t.Fatalf("unexpected frame %s", data)
	case <-time.After(d):
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  bool
	conns chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, addr Address) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("refused")
	}
	c := newFakeConn(addr)
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("no dial")
		return nil
	}
}

// recorder collects hook calls.
type recorder struct {
	mu         sync.Mutex
	statuses   []bool
	counts     []int
	assistant  int
	listChange int
	reconciled []string
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnStatus: func(connected bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, connected)
		},
		OnCount: func(n int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.counts = append(r.counts, n)
		},
		OnAssistantDone: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.assistant++
		},
		OnDocumentListChanged: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.listChange++
		},
		OnReconcile: func(content string, _ int64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.reconciled = append(r.reconciled, content)
		},
	}
}

func (r *recorder) lastReconciled() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reconciled) == 0 {
		return ""
	}
	return r.reconciled[len(r.reconciled)-1]
}

func (r *recorder) lastStatus() (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return false, false
	}
	return r.statuses[len(r.statuses)-1], true
}

type harness struct {
	session *Session
	buf     *Buffer
	dialer  *fakeDialer
	rec     *recorder
	result  chan error
}

var testAddr = Address{Room: "room", Document: 7}

func testConfig() Config {
	return Config{
		Address:       testAddr,
		DebounceDelay: 20 * time.Millisecond,
		EchoDelay:     10 * time.Millisecond,
		Reconnect:     backoff.NewConstantBackOff(30 * time.Millisecond),
	}
}

func start(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		buf:    NewBuffer(""),
		dialer: newFakeDialer(),
		rec:    &recorder{},
		result: make(chan error, 1),
	}
	h.session = New(cfg, h.dialer, h.buf, h.rec.hooks(), logr.Discard())
	go func() { h.result <- h.session.Run(context.Background()) }()
	t.Cleanup(func() {
		h.session.Close()
		<-h.session.Done()
	})
	return h
}

// connect accepts the next dial and delivers a snapshot.
func (h *harness) connect(t *testing.T, content string, version int64) *fakeConn {
	t.Helper()
	c := h.dialer.next(t)
	c.deliver(t, wire.Init(content, 1, "me", version))
	require.Eventually(t, func() bool { return h.rec.lastReconciled() == content && h.buf.Text() == content }, waitFor, tick)
	return c
}

func (h *harness) edit(cursor int, s string) {
	h.buf.SetCursor(cursor)
	h.buf.Type(s)
	h.session.LocalChange()
}

func TestSnapshotIsAuthoritativeAndIdempotent(t *testing.T) {
	h := start(t, testConfig())
	h.buf.SetText("stale local text")

	c := h.dialer.next(t)
	assert.Equal(t, testAddr, c.addr)
	c.deliver(t, wire.Init("hello", 3, "me", 4))
	require.Eventually(t, func() bool { return h.buf.Text() == "hello" }, waitFor, tick)

	c.deliver(t, wire.Init("hello", 3, "me", 4))
	require.Eventually(t, func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return len(h.rec.reconciled) == 2
	}, waitFor, tick)

	assert.Equal(t, "hello", h.buf.Text())
	assert.Equal(t, Open, h.session.State())
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	assert.Equal(t, []string{"hello", "hello"}, h.rec.reconciled)
	assert.Equal(t, []int{3, 3}, h.rec.counts)
	assert.Equal(t, []bool{true, true}, h.rec.statuses)
}

func TestLocalEditIsDebouncedAndSent(t *testing.T) {
	h := start(t, testConfig())
	c := h.connect(t, "hello world", 0)

	h.buf.SetCursor(6)
	for _, r := range "brave " {
		h.buf.Type(string(r))
		h.session.LocalChange()
	}

	msg := c.sent(t)
	assert.Equal(t, wire.TypeOperation, msg.Type)
	assert.Equal(t, testAddr.Document, msg.DocumentID)
	assert.Equal(t, ot.NewInsert(6, "brave "), *msg.Operation)
	c.quiet(t, 80*time.Millisecond)
}

func TestReplaceSendsDeleteThenInsert(t *testing.T) {
	h := start(t, testConfig())
	c := h.connect(t, "abcdef", 0)

	h.buf.SetText("abXYef")
	h.session.LocalChange()

	assert.Equal(t, ot.NewDelete(2, 2), *c.sent(t).Operation)
	assert.Equal(t, ot.NewInsert(2, "XY"), *c.sent(t).Operation)
}

func TestEchoIsNotReapplied(t *testing.T) {
	h := start(t, testConfig())
	c := h.connect(t, "hello world", 0)

	h.edit(6, "brave ")
	msg := c.sent(t)
	c.deliver(t, wire.Operation(*msg.Operation, testAddr.Document, "me", 1))

	c.quiet(t, 80*time.Millisecond)
	assert.Equal(t, "hello brave world", h.buf.Text())
	assert.Equal(t, "hello brave world", h.rec.lastReconciled())
}

func TestImmediateEchoIsSuppressedByGate(t *testing.T) {
	cfg := testConfig()
	cfg.EchoDelay = 200 * time.Millisecond
	h := start(t, cfg)
	c := h.connect(t, "hello world", 0)

	h.edit(6, "brave ")
	msg := c.sent(t)
	// An echo with no attribution is only recognisable by the gate.
	c.in <- wire.MustEncode(wire.Message{Type: wire.TypeOperation, Operation: msg.Operation, DocumentID: testAddr.Document})

	// The gate refuses it and asks for a snapshot instead of applying it.
	assert.Equal(t, wire.TypeResync, c.sent(t).Type)
	c.quiet(t, 50*time.Millisecond)
	assert.Equal(t, "hello brave world", h.buf.Text())
}

func TestRemoteOperationTransformsCursor(t *testing.T) {
	h := start(t, testConfig())
	c := h.connect(t, "hello world", 0)
	h.buf.SetCursor(10)
	h.buf.SetScroll(3)

	c.deliver(t, wire.Operation(ot.NewInsert(0, "Hi! "), testAddr.Document, "other", 1))
	require.Eventually(t, func() bool { return h.buf.Text() == "Hi! hello world" }, waitFor, tick)
	assert.Equal(t, 14, h.buf.Cursor())
	assert.Equal(t, 3, h.buf.Scroll())
	assert.Equal(t, "Hi! hello world", h.rec.lastReconciled())

	// Let the gate clear before the next one.
	time.Sleep(30 * time.Millisecond)
	c.deliver(t, wire.Operation(ot.NewDelete(0, 10), testAddr.Document, "other", 2))
	require.Eventually(t, func() bool { return h.buf.Text() == "world" }, waitFor, tick)
	assert.Equal(t, 4, h.buf.Cursor())

	// Applying a remote edit must not produce an outbound one.
	c.quiet(t, 80*time.Millisecond)
}

func TestAssistantOperation(t *testing.T) {
	h := start(t, testConfig())
	c := h.connect(t, "", 0)

	c.deliver(t, wire.Operation(ot.NewInsert(0, "Generated."), testAddr.Document, "ai", 1))
	require.Eventually(t, func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return h.rec.assistant == 1
	}, waitFor, tick)
	assert.Equal(t, "Generated.", h.buf.Text())
}

func TestPendingLocalEditSurvivesRemoteOperation(t *testing.T) {
	cfg := testConfig()
	cfg.DebounceDelay = 150 * time.Millisecond
	h := start(t, cfg)
	c := h.connect(t, "abc", 0)

	h.edit(3, "d")
	c.deliver(t, wire.Operation(ot.NewInsert(0, "X"), testAddr.Document, "other", 1))
	require.Eventually(t, func() bool { return h.buf.Text() == "Xabcd" }, waitFor, tick)

	assert.Equal(t, ot.NewInsert(4, "d"), *c.sent(t).Operation)
}

func TestResyncKeepsUnsentEdit(t *testing.T) {
	cfg := testConfig()
	cfg.EchoDelay = 200 * time.Millisecond
	h := start(t, cfg)
	c := h.connect(t, "abc", 0)

	h.edit(3, "d")
	assert.Equal(t, ot.NewInsert(3, "d"), *c.sent(t).Operation)

	// Someone else's edit lands while ours is settling.
	c.deliver(t, wire.Operation(ot.NewInsert(0, "X"), testAddr.Document, "other", 1))
	assert.Equal(t, wire.TypeResync, c.sent(t).Type)

	h.edit(4, "e")
	c.deliver(t, wire.Init("Xabcd", 2, "me", 2))
	require.Eventually(t, func() bool { return h.buf.Text() == "Xabcde" }, waitFor, tick)
	assert.Equal(t, 6, h.buf.Cursor())

	msg := c.sent(t)
	require.Equal(t, wire.TypeOperation, msg.Type)
	assert.Equal(t, ot.NewInsert(5, "e"), *msg.Operation)
}

// editingSurface types into the buffer the first time the session tries to
// swap in a remote change, as an editor running alongside would.
type editingSurface struct {
	*Buffer
	once sync.Once
}

func (s *editingSurface) Swap(old, text string) bool {
	s.once.Do(func() {
		s.Buffer.SetCursor(len([]rune(s.Buffer.Text())))
		s.Buffer.Type("!")
	})
	return s.Buffer.Swap(old, text)
}

func TestRemoteOperationDoesNotOverwriteConcurrentEdit(t *testing.T) {
	surface := &editingSurface{Buffer: NewBuffer("")}
	dialer := newFakeDialer()
	s := New(testConfig(), dialer, surface, Hooks{}, logr.Discard())
	go s.Run(context.Background())
	t.Cleanup(func() {
		s.Close()
		<-s.Done()
	})

	c := dialer.next(t)
	c.deliver(t, wire.Init("abc", 1, "me", 0))
	require.Eventually(t, func() bool { return surface.Text() == "abc" }, waitFor, tick)

	c.deliver(t, wire.Operation(ot.NewInsert(0, "X"), testAddr.Document, "other", 1))
	require.Eventually(t, func() bool { return surface.Text() == "Xabc!" }, waitFor, tick)

	msg := c.sent(t)
	require.Equal(t, wire.TypeOperation, msg.Type)
	assert.Equal(t, ot.NewInsert(4, "!"), *msg.Operation)
}

func TestOutOfRangeOperationRequestsResync(t *testing.T) {
	h := start(t, testConfig())
	c := h.connect(t, "short", 0)

	c.deliver(t, wire.Operation(ot.NewDelete(50, 5), testAddr.Document, "other", 1))
	msg := c.sent(t)
	assert.Equal(t, wire.TypeResync, msg.Type)
	assert.Equal(t, testAddr.Document, msg.DocumentID)
	assert.Equal(t, "short", h.buf.Text())

	// Only one request while the first is outstanding.
	c.deliver(t, wire.Operation(ot.NewDelete(60, 5), testAddr.Document, "other", 2))
	c.quiet(t, 50*time.Millisecond)

	c.deliver(t, wire.Init("authoritative", 1, "me", 2))
	require.Eventually(t, func() bool { return h.buf.Text() == "authoritative" }, waitFor, tick)

	c.deliver(t, wire.Operation(ot.NewDelete(70, 5), testAddr.Document, "other", 3))
	assert.Equal(t, wire.TypeResync, c.sent(t).Type)
}

func TestVersionGapRequestsResync(t *testing.T) {
	h := start(t, testConfig())
	c := h.connect(t, "abc", 5)

	// Already covered by the snapshot.
	c.deliver(t, wire.Operation(ot.NewInsert(0, "old"), testAddr.Document, "other", 5))
	c.quiet(t, 50*time.Millisecond)
	assert.Equal(t, "abc", h.buf.Text())

	c.deliver(t, wire.Operation(ot.NewInsert(0, "new"), testAddr.Document, "other", 7))
	assert.Equal(t, wire.TypeResync, c.sent(t).Type)
	assert.Equal(t, "abc", h.buf.Text())
}

func TestMessagesAfterSnapshot(t *testing.T) {
	h := start(t, testConfig())
	c := h.connect(t, "abc", 0)

	c.in <- []byte("{not json")
	c.deliver(t, wire.ClientCount(4))
	c.deliver(t, wire.DocumentListUpdate())

	require.Eventually(t, func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return h.rec.listChange == 1 && len(h.rec.counts) == 2 && h.rec.counts[1] == 4
	}, waitFor, tick)
	assert.Equal(t, Open, h.session.State())
	assert.Equal(t, "abc", h.buf.Text())
}

func TestDebounceWaitsForGate(t *testing.T) {
	cfg := testConfig()
	cfg.EchoDelay = 150 * time.Millisecond
	h := start(t, cfg)
	c := h.connect(t, "abc", 0)

	c.deliver(t, wire.Operation(ot.NewInsert(0, ">"), testAddr.Document, "other", 1))
	require.Eventually(t, func() bool { return h.buf.Text() == ">abc" }, waitFor, tick)

	h.edit(4, "!")
	c.quiet(t, 60*time.Millisecond)
	assert.Equal(t, ot.NewInsert(4, "!"), *c.sent(t).Operation)
}

func TestReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.Reconnect = backoff.NewConstantBackOff(150 * time.Millisecond)
	h := start(t, cfg)
	c := h.connect(t, "before", 0)

	c.Close()
	require.Eventually(t, func() bool {
		connected, ok := h.rec.lastStatus()
		return ok && !connected
	}, waitFor, tick)

	// Edits made while offline are not queued.
	h.edit(6, " offline")
	c.quiet(t, 50*time.Millisecond)

	c2 := h.dialer.next(t)
	assert.Equal(t, testAddr, c2.addr)
	require.Eventually(t, func() bool { return h.session.State() == Open }, waitFor, tick)
	c2.deliver(t, wire.Init("after", 2, "me2", 9))
	require.Eventually(t, func() bool { return h.buf.Text() == "after" }, waitFor, tick)

	connected, _ := h.rec.lastStatus()
	assert.True(t, connected)
	assert.Equal(t, "after", h.rec.lastReconciled())
	c2.quiet(t, 60*time.Millisecond)
}

func TestReconnectAfterDialFailure(t *testing.T) {
	h := start(t, testConfig())
	c := h.connect(t, "x", 0)

	h.dialer.setFail(true)
	c.Close()
	time.Sleep(100 * time.Millisecond)
	assert.NotEqual(t, Open, h.session.State())

	h.dialer.setFail(false)
	h.connect(t, "y", 1)
}

func TestCloseCancelsReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.Reconnect = backoff.NewConstantBackOff(50 * time.Millisecond)
	h := start(t, cfg)
	c := h.connect(t, "x", 0)

	c.Close()
	require.Eventually(t, func() bool { return h.session.State() == Closed }, waitFor, tick)
	h.session.Close()

	select {
	case err := <-h.result:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	select {
	case <-h.dialer.conns:
		t.Fatal("reconnected after close")
	case <-time.After(150 * time.Millisecond):
	}
	assert.Equal(t, Closed, h.session.State())
}

func TestCloseClosesConnection(t *testing.T) {
	h := start(t, testConfig())
	c := h.connect(t, "x", 0)

	h.session.Close()
	<-h.session.Done()
	assert.True(t, c.isClosed())
	assert.NoError(t, <-h.result)
}

func TestReconnectPolicyStop(t *testing.T) {
	cfg := testConfig()
	cfg.Reconnect = backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1)
	h := start(t, cfg)
	c := h.connect(t, "x", 0)
	h.dialer.setFail(true)
	c.Close()

	select {
	case err := <-h.result:
		assert.ErrorIs(t, err, ErrReconnectStopped)
	case <-time.After(waitFor):
		t.Fatal("Run did not give up")
	}
}

func TestRunAfterClose(t *testing.T) {
	s := New(testConfig(), newFakeDialer(), NewBuffer(""), Hooks{}, logr.Discard())
	s.Close()
	assert.ErrorIs(t, s.Run(context.Background()), ErrClosed)
}

func TestSwitcher(t *testing.T) {
	dialer := newFakeDialer()
	buf := NewBuffer("")
	w := NewSwitcher(testConfig(), dialer, buf, Hooks{}, logr.Discard())

	w.Open(context.Background(), Address{Room: "room", Document: 1})
	first := dialer.next(t)
	first.deliver(t, wire.Init("one", 1, "me", 0))
	require.Eventually(t, func() bool { return buf.Text() == "one" }, waitFor, tick)

	w.Open(context.Background(), Address{Room: "room", Document: 2})
	assert.True(t, first.isClosed())
	second := dialer.next(t)
	assert.Equal(t, 2, second.addr.Document)
	second.deliver(t, wire.Init("two", 1, "me", 0))
	require.Eventually(t, func() bool { return buf.Text() == "two" }, waitFor, tick)

	buf.SetCursor(3)
	buf.Type("!")
	w.LocalChange()
	assert.Equal(t, 2, second.sent(t).DocumentID)

	require.NoError(t, w.Close())
	assert.Nil(t, w.Current())
	assert.True(t, second.isClosed())
}

func TestBufferSwap(t *testing.T) {
	b := NewBuffer("abc")
	b.SetCursor(3)
	assert.False(t, b.Swap("xyz", "new"))
	assert.Equal(t, "abc", b.Text())
	assert.True(t, b.Swap("abc", "a"))
	assert.Equal(t, "a", b.Text())
	assert.Equal(t, 1, b.Cursor())
}

func TestBuffer(t *testing.T) {
	b := NewBuffer("héllo")
	b.SetCursor(99)
	assert.Equal(t, 5, b.Cursor())
	b.SetCursor(1)
	b.Type("ö")
	assert.Equal(t, "höéllo", b.Text())
	assert.Equal(t, 2, b.Cursor())
	b.SetText("h")
	assert.Equal(t, 1, b.Cursor())
	b.SetScroll(-3)
	assert.Zero(t, b.Scroll())
}
