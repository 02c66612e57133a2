package broker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// drainRetryInterval is how long replay waits when the delivery worker
// still holds the drain guard from the previous connection.
const drainRetryInterval = 5 * time.Millisecond

// Options configures a Manager.
type Options struct {
	Backoff Backoff

	// StartupOffsetMin/Max bound the random delay before the first dial,
	// spreading a fleet's reconnects after a broker restart.
	StartupOffsetMin time.Duration
	StartupOffsetMax time.Duration

	// ReplayPause separates queue/exchange declarations from bindings.
	ReplayPause time.Duration
	// ResumePause separates subscriptions from normal delivery.
	ResumePause time.Duration

	// OfflineGrace bounds the final last-will publish during Close.
	OfflineGrace time.Duration

	CorrelationCapacity int
}

// DefaultOptions returns the fleet defaults.
func DefaultOptions() Options {
	return Options{
		Backoff:             DefaultBackoff(),
		StartupOffsetMin:    500 * time.Millisecond,
		StartupOffsetMax:    8 * time.Second,
		ReplayPause:         70 * time.Millisecond,
		ResumePause:         30 * time.Millisecond,
		OfflineGrace:        2 * time.Second,
		CorrelationCapacity: DefaultCorrelationCapacity,
	}
}

// Manager owns one logical broker connection: it reconnects with jittered
// backoff, replays registered resources in order after every connect, and
// drains the delivery queue while connected.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
type Manager struct {
	dialer  Dialer
	opts    Options
	logger  Logger
	metrics Metrics

	registry *Registry
	queue    *Queue
	tracker  *Tracker[Message]

	mu           sync.Mutex
	state        State
	session      Session
	closed       bool
	started      bool
	lastWill     WillFunc
	onConnect    []func()
	onDisconnect []func(error)
	connectedCh  chan struct{}
	down         chan struct{}

	wake   chan struct{}
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rand func() float64
}

// New creates a Manager. Call Start to begin connecting.
func New(dialer Dialer, opts Options) *Manager {
	m := &Manager{
		dialer:      dialer,
		opts:        opts,
		logger:      noopLogger{},
		metrics:     noopMetrics{},
		registry:    NewRegistry(),
		queue:       NewQueue(),
		tracker:     NewTracker[Message](opts.CorrelationCapacity),
		connectedCh: make(chan struct{}),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	return m
}

// SetLogger sets the logger for the manager and its tracker.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
	m.tracker.SetLogger(logger)
}

// SetMetrics wires instrumentation. Call before Start.
func (m *Manager) SetMetrics(metrics Metrics) {
	m.metrics = metrics
	m.queue.onDepth = func(l Lane, depth int) { metrics.SetLaneDepth(l.String(), depth) }
	m.tracker.onEvict = metrics.IncCorrelationEvictions
}

// SetLastWill sets the builder of the message published during Close
// while still connected. It is called at Close so the message is current.
func (m *Manager) SetLastWill(build WillFunc) {
	m.mu.Lock()
	m.lastWill = build
	m.mu.Unlock()
}

// OnConnect registers fn to run after each successful connect and replay.
func (m *Manager) OnConnect(fn func()) {
	m.mu.Lock()
	m.onConnect = append(m.onConnect, fn)
	m.mu.Unlock()
}

// OnDisconnect registers fn to run after an unexpected connection loss.
func (m *Manager) OnDisconnect(fn func(error)) {
	m.mu.Lock()
	m.onDisconnect = append(m.onDisconnect, fn)
	m.mu.Unlock()
}

// Registry returns the resource registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Queue returns the delivery queue.
func (m *Manager) Queue() *Queue { return m.queue }

// Tracker returns the correlation tracker.
func (m *Manager) Tracker() *Tracker[Message] { return m.tracker }

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected returns a channel closed once the current connection is up and
// replayed. A new channel is issued after every loss.
func (m *Manager) Connected() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectedCh
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.metrics.SetConnectionState(s.String())
}

// ===== Registration API =====

// RegisterExchange declares an exchange now or on the next connect.
func (m *Manager) RegisterExchange(p ExchangeParams, persist bool) error {
	return m.register(Registration{Kind: KindExchange, Exchange: p, Persist: persist})
}

// RegisterQueue declares a queue now or on the next connect.
func (m *Manager) RegisterQueue(p QueueParams, persist bool) error {
	return m.register(Registration{Kind: KindQueue, Queue: p, Persist: persist})
}

// RegisterBinding binds a queue to an exchange now or on the next connect.
func (m *Manager) RegisterBinding(p BindingParams, persist bool) error {
	return m.register(Registration{Kind: KindBinding, Binding: p, Persist: persist})
}

// Subscribe starts consuming a queue now or on the next connect.
func (m *Manager) Subscribe(p SubscriptionParams, persist bool) error {
	return m.register(Registration{Kind: KindSubscription, Subscription: p, Persist: persist})
}

func (m *Manager) register(reg Registration) error {
	if m.isClosed() {
		return ErrClosed
	}
	it, err := m.registry.add(reg)
	if err != nil {
		return err
	}
	m.queue.Push(it)
	m.kick()
	return nil
}

// ===== Publishing =====

// WillFunc builds the final "offline" announcement. It is called each time
// the message is needed so ids and timestamps are fresh.
type WillFunc func() (Message, error)

// Publish queues msg on a message lane (High, Normal or Low).
func (m *Manager) Publish(msg Message, lane Lane) error {
	if lane < LaneHigh || lane > LaneLow {
		return fmt.Errorf("%w: lane %s is not a message lane", ErrInvalidResource, lane)
	}
	if m.isClosed() {
		return ErrClosed
	}
	m.queue.Push(Item{Lane: lane, Msg: &msg})
	m.kick()
	return nil
}

// Request publishes msg and tracks its reply. A missing CorrelationID is
// generated. The returned slot yields the reply, ErrCorrelationEvicted or
// ErrClosed.
func (m *Manager) Request(msg Message, lane Lane, reqCtx any) (*Pending[Message], error) {
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	p, err := m.tracker.Track(msg.CorrelationID, reqCtx)
	if err != nil {
		return nil, err
	}
	if err := m.Publish(msg, lane); err != nil {
		m.tracker.Cancel(msg.CorrelationID)
		return nil, err
	}
	return p, nil
}

func (m *Manager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ===== Lifecycle =====

// Start launches the connect loop and the delivery worker. The first dial
// waits a random startup offset. Connection errors are retried under
// backoff until Close or ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(2)
	go m.run(ctx)
	go m.drainLoop(ctx)
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	offset := uniform(m.opts.StartupOffsetMin, m.opts.StartupOffsetMax, m.rand)
	m.logger.Info("delaying first broker connection", "offset", offset)
	if !m.sleep(ctx, offset) {
		return
	}

	attempt := 0
	for {
		var delay time.Duration
		err := m.Connect(ctx)
		switch {
		case err == nil:
			m.mu.Lock()
			down := m.down
			m.mu.Unlock()
			if down == nil {
				// Another caller is mid-connect, or the link already dropped.
				if !m.sleep(ctx, m.opts.Backoff.Initial) {
					return
				}
				continue
			}
			upAt := time.Now()
			select {
			case <-down:
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			}
			// A link that held for a full backoff cap counts as healthy.
			if time.Since(upAt) >= m.opts.Backoff.Max {
				attempt = 0
			}
			delay = m.opts.Backoff.Delay(attempt)
			m.logger.Info("broker reconnecting after loss",
				"attempt", attempt+1,
				"delay", delay,
			)
		case errors.Is(err, ErrClosed):
			return
		default:
			delay = m.opts.Backoff.Delay(attempt)
			m.logger.Warn("broker connection failed, retrying",
				"error", err,
				"attempt", attempt+1,
				"delay", delay,
			)
		}

		attempt++
		if !m.sleep(ctx, delay) {
			return
		}
		m.metrics.IncReconnects()
	}
}

// sleep waits d and reports false if the manager stopped first.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-m.stop:
		return false
	}
}

// Connect dials once and replays registrations. It is a no-op while a
// connection is being made or is already up.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	sess, err := m.dialer.Dial(ctx)
	if err != nil {
		m.mu.Lock()
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sess.Close() //nolint:errcheck // Closing anyway
		return ErrClosed
	}
	m.session = sess
	m.mu.Unlock()

	if err := m.replay(ctx); err != nil {
		m.mu.Lock()
		m.session = nil
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		sess.Close() //nolint:errcheck // Session is unusable
		m.resetAfterLoss()
		return fmt.Errorf("%w: replay: %w", ErrConnectFailed, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.setStateLocked(StateConnected)
	m.down = make(chan struct{})
	close(m.connectedCh)
	hooks := slices.Clone(m.onConnect)
	down := m.down
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watch(sess, down)

	m.queue.Resume()
	m.kick()

	m.logger.Info("broker connected", "queued", m.queue.Total())
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// replay sends outstanding registrations in phases: queues and exchanges,
// a pause, bindings, subscriptions, and a final pause.
func (m *Manager) replay(ctx context.Context) error {
	for _, it := range m.registry.pending() {
		m.queue.Push(it)
	}

	phases := []struct {
		lanes []Lane
		pause time.Duration
	}{
		{lanes: []Lane{LaneRegistrations}, pause: m.opts.ReplayPause},
		{lanes: []Lane{LaneBindings, LaneSubscriptions}, pause: m.opts.ResumePause},
	}
	for _, ph := range phases {
		if err := m.drainLanes(ctx, ph.lanes...); err != nil {
			return err
		}
		if !m.sleep(ctx, ph.pause) {
			return ErrClosed
		}
	}
	return nil
}

func (m *Manager) drainLanes(ctx context.Context, lanes ...Lane) error {
	for {
		_, err := m.queue.DrainLanes(ctx, m.send, lanes...)
		if !errors.Is(err, ErrDrainInProgress) {
			return err
		}
		if !m.sleep(ctx, drainRetryInterval) {
			return ErrClosed
		}
	}
}

func (m *Manager) watch(sess Session, down chan struct{}) {
	defer m.wg.Done()

	var cause error
	select {
	case cause = <-sess.NotifyClose():
	case <-m.stop:
		return
	}
	m.handleLoss(sess, down, cause)
}

// handleLoss moves to Disconnected and prepares the registry for replay.
func (m *Manager) handleLoss(sess Session, down chan struct{}, cause error) {
	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.setStateLocked(StateDisconnected)
	if m.down == down {
		close(m.down)
		m.down = nil
	}
	m.connectedCh = make(chan struct{})
	closing := m.closed
	hooks := slices.Clone(m.onDisconnect)
	m.mu.Unlock()

	m.resetAfterLoss()
	if closing {
		return
	}

	m.logger.Warn("broker connection lost", "error", cause)
	for _, fn := range hooks {
		fn(cause)
	}
}

// resetAfterLoss halts delivery and clears the registration lanes; the
// registry re-enqueues what still needs sending on the next replay.
func (m *Manager) resetAfterLoss() {
	m.queue.Halt()
	m.queue.purge(LaneRegistrations, LaneBindings, LaneSubscriptions)
	m.registry.resetForReconnect()
}

// failSession halts delivery and tears down a session that rejected a
// send so the connect loop can replace it.
func (m *Manager) failSession() {
	m.queue.Halt()

	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess != nil {
		sess.Close() //nolint:errcheck // Replaced on reconnect
	}
}

func (m *Manager) drainLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-m.wake:
		}

		sent, err := m.queue.Drain(ctx, m.send)
		if err == nil || errors.Is(err, ErrDrainInProgress) || ctx.Err() != nil {
			continue
		}
		m.logger.Warn("delivery paused after send failure",
			"error", err,
			"sent", sent,
			"pending", m.queue.Total(),
		)
		if !errors.Is(err, ErrNotConnected) {
			m.failSession()
		}
	}
}

// send delivers one queue item over the current session.
func (m *Manager) send(ctx context.Context, it Item) error {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}

	if it.Msg != nil {
		msg := *it.Msg
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		if msg.CorrelationID != "" {
			m.tracker.MarkSent(msg.CorrelationID)
		}
		err := sess.Publish(ctx, msg)
		if errors.Is(err, ErrUndeliverable) {
			m.logger.Warn("undeliverable message dropped",
				"routing_key", msg.RoutingKey,
				"message_id", msg.MessageID,
				"error", err,
			)
			m.metrics.IncDropped("undeliverable")
			if msg.CorrelationID != "" {
				m.tracker.Fail(msg.CorrelationID, err)
			}
			return nil
		}
		return err
	}

	reg, ok := m.registry.Get(it.Kind, it.Key)
	if !ok || reg.Registered {
		return nil // stale item from before a reconnect
	}

	var err error
	switch reg.Kind {
	case KindExchange:
		err = sess.DeclareExchange(ctx, reg.Exchange)
	case KindQueue:
		err = sess.DeclareQueue(ctx, reg.Queue)
	case KindBinding:
		err = sess.BindQueue(ctx, reg.Binding)
	case KindSubscription:
		err = sess.Consume(ctx, reg.Subscription, m.deliverTo(reg.Subscription.Handler))
	}
	if errors.Is(err, ErrUndeliverable) {
		m.registry.drop(reg.Kind, reg.Key)
		m.logger.Error("broker resource rejected, dropping registration",
			"kind", reg.Kind.String(),
			"key", reg.Key,
			"error", err,
		)
		m.metrics.IncDropped("undeliverable")
		return nil
	}
	if err != nil {
		return fmt.Errorf("registering %s %q: %w", reg.Kind, reg.Key, err)
	}

	removed := m.registry.markRegistered(reg.Kind, reg.Key)
	m.logger.Debug("broker resource registered",
		"kind", reg.Kind.String(),
		"key", reg.Key,
		"one_shot", removed,
	)
	return nil
}

// deliverTo wraps a subscription handler: replies are routed to the
// correlation tracker, everything else to h. Panics are contained.
func (m *Manager) deliverTo(h Handler) Handler {
	return func(ctx context.Context, d Delivery) {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("panic in message handler",
					"queue", d.Queue,
					"routing_key", d.RoutingKey,
					"panic", r,
				)
			}
		}()

		if id := d.ReplyCorrelationID; id != "" {
			m.tracker.Resolve(id, d.Message)
			return
		}
		h(ctx, d)
	}
}

// Close stops reconnecting, publishes the last will within the grace
// period if connected, and tears down the session. Pending requests fail
// with ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sess := m.session
	buildWill := m.lastWill
	connected := m.state == StateConnected
	if connected {
		m.setStateLocked(StateClosing)
	}
	m.mu.Unlock()

	m.queue.Halt()

	if connected && sess != nil && buildWill != nil {
		m.publishWill(ctx, sess, buildWill)
	}

	close(m.stop)
	m.mu.Lock()
	cancelRun := m.cancel
	m.mu.Unlock()
	if cancelRun != nil {
		cancelRun()
	}

	var closeErr error
	if sess != nil {
		closeErr = sess.Close()
	}
	m.wg.Wait()

	m.mu.Lock()
	m.session = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	m.tracker.Close(ErrClosed)
	m.logger.Info("broker manager closed")

	if closeErr != nil {
		return fmt.Errorf("closing session: %w", closeErr)
	}
	return nil
}

func (m *Manager) publishWill(ctx context.Context, sess Session, build WillFunc) {
	will, err := build()
	if err != nil {
		m.logger.Warn("final announcement not built", "error", err)
		return
	}
	gctx, cancel := context.WithTimeout(ctx, m.opts.OfflineGrace)
	defer cancel()
	if err := sess.Publish(gctx, will); err != nil {
		m.logger.Warn("final announcement not sent", "error", err)
	}
}
