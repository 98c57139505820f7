// Package adapter connects a host application to a Janus SFU room: it
// owns the signalling session, the publisher and subscriber peer
// connections, occupant reconciliation and the reconnection machine.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/janus-adapter/internal/adapters/ws"
	"github.com/dkeye/janus-adapter/internal/core"
	"github.com/dkeye/janus-adapter/internal/domain"
	"github.com/dkeye/janus-adapter/internal/freeze"
	"github.com/dkeye/janus-adapter/internal/rtc"
	"github.com/dkeye/janus-adapter/internal/signaling"
)

// Aliases so library users can name the identifier types without
// reaching into internal packages.
type (
	ClientID = domain.ClientID
	RoomID   = domain.RoomID
	Occupant = domain.Occupant
)

var (
	ErrNotConnected     = errors.New("adapter not connected")
	ErrAlreadyConnected = errors.New("adapter already connected")

	errZombieSession = errors.New("previous session for this client still present in room")
)

type dialFunc func(ctx context.Context, url string, onMessage func(core.Frame), onClose func(error)) (core.SignalConnection, error)

type mediaFactory func(label string) (core.MediaConnection, error)

// Adapter is the facade. Construct with New, then Connect. All methods
// are safe for concurrent use.
type Adapter struct {
	opts   Options
	cb     Callbacks
	logger zerolog.Logger

	// dial and newMedia are swappable so tests can run the full adapter
	// against an in-process gateway and fake peer connections.
	dial     dialFunc
	newMedia mediaFactory

	buf *freeze.Buffer

	mu      sync.Mutex
	gen     int // bumped on every teardown; stale async callbacks compare against it
	closing bool

	conn    core.SignalConnection
	session *signaling.Session
	pub     *publisher

	subs    map[domain.ClientID]*subscriber
	pending map[domain.ClientID]struct{}
	// available is kept alongside availOrder: the map answers membership,
	// the slice preserves first-seen order for listing and reconciling.
	available  map[domain.ClientID]struct{}
	availOrder []domain.ClientID
	requested  map[domain.ClientID]struct{}
	// hasRequested stays false until the host supplies a requested set;
	// before that the reconciler only reports, never subscribes.
	hasRequested bool
	blocked      map[domain.ClientID]struct{}
	firstSubDone bool

	reconnectAttempts int
	reconnectDelay    time.Duration
	reconnectTimer    *time.Timer

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(opts Options, cb Callbacks) (*Adapter, error) {
	if opts.URL == "" {
		return nil, errors.New("adapter: URL is required")
	}
	if opts.Room == "" {
		return nil, errors.New("adapter: Room is required")
	}
	id, err := domain.NewClientID(string(opts.ClientID))
	if err != nil {
		return nil, fmt.Errorf("adapter: %w", err)
	}
	opts.ClientID = id

	a := &Adapter{
		opts:      opts.withDefaults(),
		cb:        cb,
		logger:    log.With().Str("module", "adapter").Str("client_id", string(id)).Logger(),
		subs:      make(map[domain.ClientID]*subscriber),
		pending:   make(map[domain.ClientID]struct{}),
		available: make(map[domain.ClientID]struct{}),
		requested: make(map[domain.ClientID]struct{}),
		blocked:   make(map[domain.ClientID]struct{}),
	}
	a.buf = freeze.NewBuffer(a.ownerAllowed)
	a.dial = func(ctx context.Context, url string, onMessage func(core.Frame), onClose func(error)) (core.SignalConnection, error) {
		return ws.Dial(ctx, url, onMessage, onClose)
	}
	a.newMedia = func(label string) (core.MediaConnection, error) {
		cfg := a.opts.WebRTC
		if len(cfg.ICEServers) == 0 {
			cfg = rtc.DefaultConfiguration(nil)
		}
		return rtc.NewConnection(cfg, label)
	}
	return a, nil
}

// ClientID returns the effective client id, including a generated one.
func (a *Adapter) ClientID() domain.ClientID { return a.opts.ClientID }

// Connect dials the gateway, creates the session and brings the
// publisher up. It returns once the room is joined; occupant
// subscriptions happen asynchronously through the reconciler.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.conn != nil {
		a.mu.Unlock()
		return ErrAlreadyConnected
	}
	a.closing = false
	a.reconnectAttempts = 0
	a.reconnectDelay = a.jitter(a.opts.ReconnectJitterMax)
	a.mu.Unlock()

	if err := a.establish(ctx); err != nil {
		return err
	}
	a.emit(a.cb.OnConnect)
	return nil
}

// Disconnect tears everything down and stops any pending reconnect.
// Idempotent.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	had := a.conn != nil
	a.closing = true
	t := a.reconnectTimer
	a.reconnectTimer = nil
	a.blocked = make(map[domain.ClientID]struct{})
	a.mu.Unlock()

	if t != nil {
		t.Stop()
	}
	a.teardown()
	if had {
		a.emit(a.cb.OnDisconnect)
	}
}

// establish runs the connect sequence against a fresh session. On error
// it leaves the adapter fully torn down.
func (a *Adapter) establish(ctx context.Context) error {
	session := signaling.NewSession(signaling.Options{
		Timeout:   a.opts.RequestTimeout,
		Keepalive: a.opts.Keepalive,
	})
	runCtx, runCancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.gen++
	gen := a.gen
	a.session = session
	a.runCtx, a.runCancel = runCtx, runCancel
	a.mu.Unlock()

	// The transport's pumps live on runCtx, not on the connect ctx: the
	// latter is cancelled as soon as the sequence finishes.
	conn, err := a.dial(runCtx, a.opts.URL, session.Receive, func(closeErr error) {
		a.onTransportClose(gen, closeErr)
	})
	if err != nil {
		a.teardown()
		return fmt.Errorf("dial %s: %w", a.opts.URL, err)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	session.Open(func(f core.Frame) error { return conn.TrySend(f) })

	if err := session.Create(ctx); err != nil {
		a.teardown()
		return err
	}

	pub := newPublisher(a, session)
	if err := pub.connect(ctx, runCtx, gen); err != nil {
		pub.close()
		a.teardown()
		return err
	}

	a.mu.Lock()
	a.pub = pub
	a.available = make(map[domain.ClientID]struct{}, len(pub.initialOccupants))
	a.availOrder = a.availOrder[:0]
	for _, id := range pub.initialOccupants {
		if _, dup := a.available[id]; dup {
			continue
		}
		a.available[id] = struct{}{}
		a.availOrder = append(a.availOrder, id)
	}
	a.mu.Unlock()

	a.logger.Info().
		Uint64("session_id", session.ID()).
		Int("occupants", len(pub.initialOccupants)).
		Msg("connected")
	if pub.zombie {
		// The leftover session expires server-side shortly; a fresh
		// connect after the grace period picks up a clean room state.
		a.delayedRestart(gen, errZombieSession)
	}
	go a.reconcile()
	return nil
}

// teardown closes everything owned by the current connection and resets
// occupancy state. The freeze backlog is dropped: buffered updates refer
// to a room view that no longer exists after a reconnect.
func (a *Adapter) teardown() {
	a.mu.Lock()
	a.gen++
	conn, session, pub := a.conn, a.session, a.pub
	subs := a.subs
	cancel := a.runCancel
	a.conn, a.session, a.pub = nil, nil, nil
	a.runCtx, a.runCancel = nil, nil
	a.subs = make(map[domain.ClientID]*subscriber)
	a.pending = make(map[domain.ClientID]struct{})
	a.available = make(map[domain.ClientID]struct{})
	a.availOrder = nil
	a.firstSubDone = false
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, s := range subs {
		s.close()
	}
	if pub != nil {
		pub.close()
	}
	if session != nil {
		session.Dispose()
	}
	if conn != nil {
		conn.Close()
	}
	a.buf.Clear()
}

// onTransportClose is the websocket close callback. A nil error means a
// deliberate local close; anything else starts the reconnection machine.
func (a *Adapter) onTransportClose(gen int, err error) {
	a.mu.Lock()
	stale := gen != a.gen || a.closing
	a.mu.Unlock()
	if stale || err == nil {
		return
	}

	a.logger.Warn().Err(err).Msg("signalling transport lost")
	a.teardown()
	a.emit(a.cb.OnDisconnect)
	a.scheduleReconnect(err)
}

func (a *Adapter) onICEFailed(gen int) {
	a.delayedRestart(gen, errors.New("ice connection failed"))
}

// delayedRestart tears the connection down and reconnects after a grace
// period. ICE failures occasionally recover on their own and zombie
// sessions expire server-side; the delay gives both a chance before the
// teardown.
func (a *Adapter) delayedRestart(gen int, cause error) {
	a.logger.Warn().Err(cause).Dur("delay", a.opts.ICEFailedDelay).Msg("scheduling full reconnect")
	time.AfterFunc(a.opts.ICEFailedDelay, func() {
		a.mu.Lock()
		stale := gen != a.gen || a.closing
		a.mu.Unlock()
		if stale {
			return
		}
		a.teardown()
		a.emit(a.cb.OnDisconnect)
		a.scheduleReconnect(cause)
	})
}

func (a *Adapter) scheduleReconnect(cause error) {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return
	}
	a.reconnectAttempts++
	if a.reconnectAttempts > a.opts.ReconnectMaxAttempts {
		attempts := a.reconnectAttempts - 1
		a.mu.Unlock()
		err := fmt.Errorf("reconnection failed after %d attempts: %w", attempts, cause)
		a.logger.Error().Err(err).Msg("giving up")
		a.emitErr(a.cb.OnReconnectionError, err)
		return
	}
	delay := a.reconnectDelay
	a.reconnectDelay += a.opts.ReconnectIncrement
	a.reconnectTimer = time.AfterFunc(delay, a.tryReconnect)
	attempt := a.reconnectAttempts
	a.mu.Unlock()

	a.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
	if cb := a.cb.OnReconnecting; cb != nil {
		cb(delay)
	}
}

func (a *Adapter) tryReconnect() {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.RequestTimeout)
	err := a.establish(ctx)
	cancel()
	if err != nil {
		a.logger.Warn().Err(err).Msg("reconnect attempt failed")
		a.scheduleReconnect(err)
		return
	}

	a.mu.Lock()
	a.reconnectAttempts = 0
	a.reconnectDelay = a.jitter(a.opts.ReconnectJitterMax)
	a.mu.Unlock()
	a.emit(a.cb.OnReconnected)
}

// Freeze pauses delivery of entity updates to the host; inbound entity
// messages are coalesced until Unfreeze.
func (a *Adapter) Freeze() { a.buf.Freeze() }

// Frozen reports whether the freeze gate is closed.
func (a *Adapter) Frozen() bool { return a.buf.Frozen() }

// Unfreeze flushes the coalesced backlog to the host in first-seen
// order and resumes direct delivery.
func (a *Adapter) Unfreeze() {
	for _, msg := range a.buf.Unfreeze() {
		a.deliver(msg.ClientID, msg.DataType, msg.Data)
	}
}

// routeData is the single inbound path for application payloads, from
// the data channels and from the signalling fallback alike. Entity
// messages respect the freeze gate; everything else is delivered
// immediately.
func (a *Adapter) routeData(msg *domain.DataMessage) {
	switch msg.DataType {
	case domain.DataTypeUpdate, domain.DataTypeUpdateMulti, domain.DataTypeRemove:
		if a.buf.Store(msg.ClientID, msg) {
			return
		}
	}
	a.deliver(msg.ClientID, msg.DataType, msg.Data)
}

func (a *Adapter) deliver(from domain.ClientID, dataType string, data json.RawMessage) {
	if cb := a.cb.OnOccupantMessage; cb != nil {
		cb(from, dataType, data)
	}
}

// ownerAllowed is the freeze buffer's filter: entity updates from
// blocked owners or owners no longer in the room never reach the host.
func (a *Adapter) ownerAllowed(owner domain.ClientID) bool {
	if owner == "" {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, bad := a.blocked[owner]; bad {
		return false
	}
	if owner == a.opts.ClientID {
		return true
	}
	_, ok := a.available[owner]
	return ok
}

func (a *Adapter) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

func (a *Adapter) emit(cb func()) {
	if cb != nil {
		cb()
	}
}

func (a *Adapter) emitErr(cb func(error), err error) {
	if cb != nil {
		cb(err)
	}
}

func (a *Adapter) emitID(cb func(domain.ClientID), id domain.ClientID) {
	if cb != nil {
		cb(id)
	}
}
