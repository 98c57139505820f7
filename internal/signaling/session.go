package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/janus-adapter/internal/core"
)

var (
	ErrDisposed   = errors.New("session disposed")
	ErrNoSink     = errors.New("session has no transport sink")
	ErrTxnTimeout = errors.New("transaction timed out")
)

// Options tune one Session. Zero values fall back to the defaults below;
// a negative Timeout disables request timeouts and a negative Keepalive
// disables the keepalive.
type Options struct {
	Timeout   time.Duration
	Keepalive time.Duration
	// IsError decides whether an inbound frame rejects its transaction.
	// Default: the "janus" discriminator equals "error".
	IsError func(*Message) bool
}

const (
	DefaultTimeout   = 30 * time.Second
	DefaultKeepalive = 25 * time.Second
)

type pendingTxn struct {
	kind string // request kind, to special-case asynchronous acks
	done chan txnResult
}

type txnResult struct {
	msg *Message
	err error
}

// Session is one signalling context with the gateway. It turns the
// fire-and-forget transport sink into a blocking request/response
// primitive and fans unsolicited events out to registered callbacks.
type Session struct {
	timeout   time.Duration
	keepalive time.Duration
	isError   func(*Message) bool
	logger    zerolog.Logger

	mu       sync.Mutex
	sink     func(core.Frame) error
	id       uint64
	nextTxn  uint64
	pending  map[string]*pendingTxn
	events   map[string][]func(*Message)
	kaTimer  *time.Timer
	disposed bool
}

func NewSession(opts Options) *Session {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	} else if opts.Timeout < 0 {
		opts.Timeout = 0
	}
	if opts.Keepalive == 0 {
		opts.Keepalive = DefaultKeepalive
	}
	if opts.IsError == nil {
		opts.IsError = func(m *Message) bool { return m.Janus == EventError }
	}
	return &Session{
		timeout:   opts.Timeout,
		keepalive: opts.Keepalive,
		isError:   opts.IsError,
		logger:    log.With().Str("module", "signaling.session").Logger(),
		pending:   make(map[string]*pendingTxn),
		events:    make(map[string][]func(*Message)),
	}
}

// Open stores the function used to emit serialized outbound frames.
// Must be called before Create.
func (s *Session) Open(sink func(core.Frame) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// ID returns the server-assigned session id, 0 before Create succeeds.
func (s *Session) ID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Create asks the gateway for a session id. Must complete before any
// request that requires one.
func (s *Session) Create(ctx context.Context) error {
	resp, err := s.Send(ctx, KindCreate, nil)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if resp.Data == nil || resp.Data.ID == 0 {
		return fmt.Errorf("create session: no id in response")
	}
	s.mu.Lock()
	s.id = resp.Data.ID
	s.mu.Unlock()
	s.logger.Info().Uint64("session_id", resp.Data.ID).Msg("session created")
	return nil
}

// Send issues one request and blocks until the correlated response
// arrives, the configured timeout fires, or ctx is cancelled. A timeout
// rejects only this request; the session stays usable.
func (s *Session) Send(ctx context.Context, kind string, payload map[string]any) (*Message, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, ErrDisposed
	}
	if s.sink == nil {
		s.mu.Unlock()
		return nil, ErrNoSink
	}
	sink := s.sink

	txn := strconv.FormatUint(s.nextTxn, 10)
	s.nextTxn++

	body := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		body[k] = v
	}
	body["janus"] = kind
	body["transaction"] = txn
	if s.id != 0 {
		body["session_id"] = s.id
	}

	p := &pendingTxn{kind: kind, done: make(chan txnResult, 1)}
	s.pending[txn] = p
	s.armKeepaliveLocked()
	s.mu.Unlock()

	frame, err := json.Marshal(body)
	if err != nil {
		s.dropPending(txn)
		return nil, fmt.Errorf("marshal %s request: %w", kind, err)
	}
	if err := sink(core.Frame(frame)); err != nil {
		s.dropPending(txn)
		return nil, fmt.Errorf("send %s request: %w", kind, err)
	}

	var timeoutC <-chan time.Time
	if s.timeout > 0 {
		t := time.NewTimer(s.timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	select {
	case res := <-p.done:
		return res.msg, res.err
	case <-timeoutC:
		s.dropPending(txn)
		return nil, fmt.Errorf("%s txn %s: %w", kind, txn, ErrTxnTimeout)
	case <-ctx.Done():
		s.dropPending(txn)
		return nil, ctx.Err()
	}
}

// Receive is the transport's inbound callback. Event callbacks run first,
// regardless of transaction correlation; then the frame is matched against
// the pending map. Unmatched transactions are dropped silently: duplicate
// replies, stray signals and frames arriving after Dispose are not errors.
func (s *Session) Receive(frame core.Frame) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		s.logger.Warn().Err(err).Msg("undecodable frame")
		return
	}

	s.mu.Lock()
	callbacks := append([]func(*Message){}, s.events[msg.Janus]...)
	s.mu.Unlock()
	for _, cb := range callbacks {
		cb(&msg)
	}

	if msg.Transaction == "" {
		return
	}

	s.mu.Lock()
	p, ok := s.pending[msg.Transaction]
	if !ok {
		s.mu.Unlock()
		return
	}
	// An ack to a "message" request only confirms liveness; the real
	// response is still on its way.
	if p.kind == KindMessage && msg.Janus == EventAck {
		s.mu.Unlock()
		return
	}
	delete(s.pending, msg.Transaction)
	s.mu.Unlock()

	if s.isError(&msg) {
		p.done <- txnResult{err: msg.Err()}
	} else {
		p.done <- txnResult{msg: &msg}
	}
}

// On registers a callback invoked for every inbound frame whose "janus"
// discriminator matches, in registration order.
func (s *Session) On(event string, cb func(*Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event] = append(s.events[event], cb)
}

// Dispose cancels the keepalive, clears event callbacks and rejects every
// pending transaction. Receive becomes a no-op afterwards.
func (s *Session) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	if s.kaTimer != nil {
		s.kaTimer.Stop()
	}
	s.events = make(map[string][]func(*Message))
	for txn, p := range s.pending {
		p.done <- txnResult{err: ErrDisposed}
		delete(s.pending, txn)
	}
}

func (s *Session) dropPending(txn string) {
	s.mu.Lock()
	delete(s.pending, txn)
	s.mu.Unlock()
}

// armKeepaliveLocked (re)arms the keepalive timer. Called with mu held on
// every send, so the timer only fires after a quiet period.
func (s *Session) armKeepaliveLocked() {
	if s.keepalive <= 0 {
		return
	}
	if s.kaTimer == nil {
		s.kaTimer = time.AfterFunc(s.keepalive, s.sendKeepalive)
		return
	}
	s.kaTimer.Reset(s.keepalive)
}

// sendKeepalive fires after a quiet period. Failures are logged, never
// propagated: a dead session surfaces through the transport close event.
func (s *Session) sendKeepalive() {
	s.mu.Lock()
	ready := !s.disposed && s.id != 0
	s.mu.Unlock()
	if !ready {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if _, err := s.Send(ctx, KindKeepalive, nil); err != nil {
		s.logger.Warn().Err(err).Msg("keepalive failed")
	}
}
