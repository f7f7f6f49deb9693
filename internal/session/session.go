// Package session keeps one participant's view of one document in step with
// the sequencer. A Session owns a connection, diffs local edits into
// operations, applies operations from other participants and reconnects when
// the connection drops.
//
// Everything a Session does to its Surface happens on the goroutine running
// Run. Connection reads, dials and timers post events to that goroutine
// instead of touching state themselves.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-logr/logr"

	"collabtext/internal/ot"
	"collabtext/internal/wire"
)

const (
	DefaultDebounceDelay  = 100 * time.Millisecond
	DefaultEchoDelay      = 50 * time.Millisecond
	DefaultReconnectDelay = 2 * time.Second
	DefaultAssistantID    = "ai"

	// swapAttempts bounds retries when the surface changes while a remote
	// edit is being merged into it.
	swapAttempts = 3
)

var (
	// ErrClosed is returned by Run when the session was closed before or
	// while it ran.
	ErrClosed = errors.New("session closed")
	// ErrReconnectStopped is returned by Run when the reconnect policy gave
	// up.
	ErrReconnectStopped = errors.New("reconnect policy stopped")
)

// State is the connection state of a session.
type State int32

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Address names the document a session synchronizes.
type Address struct {
	Room     string
	Document int
}

func (a Address) String() string {
	return fmt.Sprintf("%s/%d", a.Room, a.Document)
}

// Conn is one message-oriented connection to the sequencer. ReadMessage is
// only called from one goroutine and WriteMessage from another.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, addr Address) (Conn, error)
}

// Hooks lets the owner observe the session. Hooks run on the session's event
// loop and must not block.
type Hooks struct {
	// OnStatus reports true once a snapshot has been applied and false when
	// the connection is lost.
	OnStatus func(connected bool)
	// OnCount reports the number of participants viewing the document.
	OnCount func(count int)
	// OnAssistantDone fires when an operation from the assistant is applied.
	OnAssistantDone func()
	// OnDocumentListChanged asks the owner to refetch the room's documents.
	OnDocumentListChanged func()
	// OnReconcile reports every state known to match the sequencer's.
	OnReconcile func(content string, version int64)
}

type Config struct {
	Address Address

	// DebounceDelay is how long local edits must pause before they are sent.
	DebounceDelay time.Duration
	// EchoDelay is how long the gate stays shut after a send or a remote
	// apply, giving the surface time to settle.
	EchoDelay time.Duration
	// Reconnect decides how long to wait before each reconnect attempt. It
	// is reset whenever a snapshot arrives.
	Reconnect backoff.BackOff
	// AssistantID is the participant id of the automated assistant.
	AssistantID string
}

func (c Config) withDefaults() Config {
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = DefaultDebounceDelay
	}
	if c.EchoDelay <= 0 {
		c.EchoDelay = DefaultEchoDelay
	}
	if c.Reconnect == nil {
		c.Reconnect = backoff.NewConstantBackOff(DefaultReconnectDelay)
	}
	if c.AssistantID == "" {
		c.AssistantID = DefaultAssistantID
	}
	return c
}

// gate suppresses diffing while the session's own changes settle.
type gate int

const (
	gateClear gate = iota
	// gateSending: local operations were just sent and their echoes may
	// still be in flight.
	gateSending
	// gateApplying: a remote operation was just written to the surface.
	gateApplying
)

func (g gate) String() string {
	switch g {
	case gateClear:
		return "clear"
	case gateSending:
		return "sending"
	case gateApplying:
		return "applying"
	}
	return "unknown"
}

type timerKind int

const (
	debounceTimer timerKind = iota
	echoTimer
	reconnectTimer
)

type (
	connectedEvent struct {
		gen  uint64
		conn Conn
	}
	dialFailedEvent struct {
		gen uint64
		err error
	}
	messageEvent struct {
		gen  uint64
		data []byte
	}
	disconnectedEvent struct {
		gen uint64
		err error
	}
	timerEvent struct {
		kind timerKind
		seq  uint64
	}
)

type Session struct {
	cfg     Config
	dialer  Dialer
	surface Surface
	hooks   Hooks
	log     logr.Logger

	state   atomic.Int32
	changes chan struct{}
	events  chan any
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
	running atomic.Bool

	// Owned by the Run goroutine.
	conn          Conn
	gen           uint64
	lastKnown     string
	synced        bool
	version       int64
	userID        string
	gate          gate
	resyncPending bool
	timers        [3]*time.Timer
	seqs          [3]uint64
}

func New(cfg Config, dialer Dialer, surface Surface, hooks Hooks, log logr.Logger) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:     cfg,
		dialer:  dialer,
		surface: surface,
		hooks:   hooks,
		log:     log.WithName("session").WithValues("doc", cfg.Address.String()),
		changes: make(chan struct{}, 1),
		events:  make(chan any, 16),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.state.Store(int32(Connecting))
	return s
}

// State reports the current connection state. It is safe to call from any
// goroutine.
func (s *Session) State() State {
	return State(s.state.Load())
}

// LocalChange tells the session the surface was edited. It never blocks;
// notifications that arrive while one is pending are coalesced.
func (s *Session) LocalChange() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Close tears the session down. Pending timers are cancelled and the
// connection is closed without triggering a reconnect. Run returns nil.
func (s *Session) Close() {
	s.once.Do(func() { close(s.closing) })
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run drives the session until ctx is cancelled, Close is called or the
// reconnect policy gives up. It may only be called once.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}
	defer close(s.done)
	defer s.teardown()

	select {
	case <-s.closing:
		return ErrClosed
	default:
	}

	s.connect(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closing:
			return nil
		case <-s.changes:
			s.arm(debounceTimer, s.cfg.DebounceDelay)
		case ev := <-s.events:
			if err := s.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (s *Session) setState(st State) {
	if State(s.state.Swap(int32(st))) != st {
		s.log.V(1).Info("state changed", "state", st.String())
	}
}

// post hands ev to the event loop. It reports false once the loop is gone.
func (s *Session) post(ev any) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// arm (re)starts the timer of kind k. Events from earlier runs of the same
// timer are recognised by their sequence number and dropped.
func (s *Session) arm(k timerKind, d time.Duration) {
	if t := s.timers[k]; t != nil {
		t.Stop()
	}
	s.seqs[k]++
	ev := timerEvent{kind: k, seq: s.seqs[k]}
	s.timers[k] = time.AfterFunc(d, func() { s.post(ev) })
}

func (s *Session) disarm(k timerKind) {
	if t := s.timers[k]; t != nil {
		t.Stop()
		s.timers[k] = nil
	}
	s.seqs[k]++
}

func (s *Session) connect(ctx context.Context) {
	s.gen++
	gen := s.gen
	s.setState(Connecting)
	s.log.V(1).Info("connecting")
	go func() {
		conn, err := s.dialer.Dial(ctx, s.cfg.Address)
		if err != nil {
			s.post(dialFailedEvent{gen: gen, err: err})
			return
		}
		if !s.post(connectedEvent{gen: gen, conn: conn}) {
			conn.Close()
		}
	}()
}

func (s *Session) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.post(disconnectedEvent{gen: gen, err: err})
			return
		}
		if !s.post(messageEvent{gen: gen, data: data}) {
			return
		}
	}
}

func (s *Session) handle(ctx context.Context, ev any) error {
	switch ev := ev.(type) {
	case connectedEvent:
		if ev.gen != s.gen {
			ev.conn.Close()
			return nil
		}
		s.conn = ev.conn
		s.setState(Open)
		s.log.Info("connected")
		go s.readLoop(ev.gen, ev.conn)
	case dialFailedEvent:
		if ev.gen != s.gen {
			return nil
		}
		s.log.Info("could not connect", "error", ev.err.Error())
		return s.lost()
	case disconnectedEvent:
		if ev.gen != s.gen {
			return nil
		}
		s.log.Info("connection lost", "error", ev.err.Error())
		return s.lost()
	case messageEvent:
		if ev.gen != s.gen {
			return nil
		}
		s.receive(ev.data)
	case timerEvent:
		if ev.seq != s.seqs[ev.kind] {
			return nil
		}
		s.timers[ev.kind] = nil
		switch ev.kind {
		case debounceTimer:
			s.flush()
		case echoTimer:
			s.gate = gateClear
		case reconnectTimer:
			s.connect(ctx)
		}
	}
	return nil
}

// lost moves to Closed and schedules the next connection attempt.
func (s *Session) lost() error {
	s.dropConn()
	s.setState(Closed)
	if s.hooks.OnStatus != nil {
		s.hooks.OnStatus(false)
	}
	d := s.cfg.Reconnect.NextBackOff()
	if d == backoff.Stop {
		return ErrReconnectStopped
	}
	s.log.V(1).Info("reconnect scheduled", "delay", d.String())
	s.arm(reconnectTimer, d)
	return nil
}

// dropConn forgets the current connection. Anything it still delivers is
// stale.
func (s *Session) dropConn() {
	s.gen++
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.synced = false
	s.resyncPending = false
	s.gate = gateClear
	s.disarm(echoTimer)
}

func (s *Session) teardown() {
	for k := range s.timers {
		s.disarm(timerKind(k))
	}
	s.dropConn()
	s.setState(Closed)
	s.log.V(1).Info("session closed")
}

func (s *Session) receive(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		s.log.Info("discarding malformed message", "error", err.Error())
		return
	}
	switch msg.Type {
	case wire.TypeInit:
		s.applySnapshot(msg)
	case wire.TypeOperation:
		s.applyRemote(msg)
	case wire.TypeClientCount:
		if s.hooks.OnCount != nil {
			s.hooks.OnCount(msg.Count)
		}
	case wire.TypeDocumentListUpdate:
		if s.hooks.OnDocumentListChanged != nil {
			s.hooks.OnDocumentListChanged()
		}
	case wire.TypeError:
		s.log.Info("sequencer reported an error", "message", msg.Message)
	default:
		s.log.V(1).Info("ignoring message", "type", msg.Type)
	}
}

// applySnapshot replaces both the surface and the diff basis with the
// sequencer's text. Applying the same snapshot twice changes nothing.
//
// A snapshot answering a resync keeps what was typed since the last send: the
// unsent edit is moved onto the new text and goes out with the next debounce.
func (s *Session) applySnapshot(msg wire.Message) {
	base := s.lastKnown
	s.lastKnown = msg.Content
	if !s.synced || !s.resyncPending || !s.rebase(base, msg.Content) {
		if s.surface.Text() != msg.Content {
			s.surface.SetText(msg.Content)
		}
	}
	s.version = msg.Version
	s.userID = msg.UserID
	s.synced = true
	s.resyncPending = false
	s.cfg.Reconnect.Reset()
	s.log.V(1).Info("snapshot applied", "version", msg.Version, "count", msg.Count)

	if s.hooks.OnCount != nil {
		s.hooks.OnCount(msg.Count)
	}
	if s.hooks.OnStatus != nil {
		s.hooks.OnStatus(true)
	}
	s.reconciled()
}

// rebase moves the surface's edits relative to base onto content. It reports
// false when there was nothing to keep.
func (s *Session) rebase(base, content string) bool {
	for attempt := 0; attempt < swapAttempts; attempt++ {
		local := s.surface.Text()
		if local == base {
			return false
		}
		merged, cursor := ot.Rebase(base, local, content, s.surface.Cursor())
		if s.surface.Swap(local, merged) {
			s.surface.SetCursor(cursor)
			s.log.V(1).Info("kept unsent edit across snapshot")
			s.arm(debounceTimer, s.cfg.DebounceDelay)
			return true
		}
	}
	return false
}

func (s *Session) reconciled() {
	if s.hooks.OnReconcile != nil {
		s.hooks.OnReconcile(s.lastKnown, s.version)
	}
}

func (s *Session) applyRemote(msg wire.Message) {
	if !s.synced {
		return
	}
	op := *msg.Operation
	if msg.Version != 0 {
		switch {
		case msg.Version <= s.version:
			// Already part of the snapshot we hold.
			return
		case msg.Version > s.version+1:
			s.log.Info("missed operations", "have", s.version, "got", msg.Version)
			s.requestResync()
			return
		}
		s.version = msg.Version
	}

	if s.userID != "" && msg.UserID == s.userID {
		// Our own edit, already applied when it was sent.
		s.reconciled()
		return
	}
	if s.gate != gateClear {
		s.log.V(1).Info("operation arrived while gate is set", "gate", s.gate.String(), "op", op.String())
		s.requestResync()
		return
	}

	var cursor, scroll int
	var known string
	var pending bool
	for attempt := 1; ; attempt++ {
		cursor = s.surface.Cursor()
		scroll = s.surface.Scroll()
		current := s.surface.Text()
		text, err := ot.Apply(current, op)
		if err != nil {
			s.log.Info("operation does not fit local text", "op", op.String(), "error", err.Error())
			s.requestResync()
			return
		}
		known = text
		pending = current != s.lastKnown
		if pending {
			// Local edits are still waiting for the debounce. Keep them out of
			// the basis so they are sent.
			if known, err = ot.Apply(s.lastKnown, op); err != nil {
				s.log.Info("operation does not fit synced text", "op", op.String(), "error", err.Error())
				s.requestResync()
				return
			}
		}
		if s.surface.Swap(current, text) {
			break
		}
		if attempt == swapAttempts {
			s.log.Info("surface keeps changing under remote operation", "op", op.String())
			s.requestResync()
			return
		}
	}
	s.gate = gateApplying
	s.surface.SetCursor(ot.TransformCursor(cursor, op))
	s.surface.SetScroll(scroll)
	s.lastKnown = known
	s.arm(echoTimer, s.cfg.EchoDelay)
	if pending {
		s.arm(debounceTimer, s.cfg.DebounceDelay)
	}

	if msg.UserID == s.cfg.AssistantID && s.hooks.OnAssistantDone != nil {
		s.hooks.OnAssistantDone()
	}
	s.reconciled()
}

// flush diffs the surface against the last text known to be in step with the
// sequencer and sends the difference.
func (s *Session) flush() {
	if s.gate != gateClear {
		s.arm(debounceTimer, s.cfg.DebounceDelay)
		return
	}
	text := s.surface.Text()
	ops := ot.ComputeOperations(s.lastKnown, text)
	if len(ops) == 0 {
		return
	}
	if s.conn == nil || s.State() != Open {
		// The surface still holds the edit; the next cycle after a
		// reconnect will see it again.
		s.log.V(1).Info("offline, dropping local edit", "ops", len(ops))
		return
	}

	s.gate = gateSending
	for _, op := range ops {
		data, err := wire.Encode(wire.Operation(op, s.cfg.Address.Document, "", 0))
		if err != nil {
			s.log.Error(err, "could not encode operation", "op", op.String())
			s.gate = gateClear
			return
		}
		if err := s.conn.WriteMessage(data); err != nil {
			// The read side will notice the broken connection.
			s.log.Info("could not send operation", "op", op.String(), "error", err.Error())
			s.gate = gateClear
			return
		}
		s.log.V(1).Info("sent", "op", op.String())
	}
	s.lastKnown = text
	s.arm(echoTimer, s.cfg.EchoDelay)
}

// requestResync asks the sequencer for a fresh snapshot unless one is
// already on its way.
func (s *Session) requestResync() {
	if s.resyncPending || s.conn == nil {
		return
	}
	if err := s.conn.WriteMessage(wire.MustEncode(wire.Resync(s.cfg.Address.Document))); err != nil {
		s.log.Info("could not request resync", "error", err.Error())
		return
	}
	s.resyncPending = true
}
