package pulsewatch

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// ErrConnectionFailed indicates the PulseAudio server handle could not be
// established. It is only ever returned at construction time; runtime failures
// are handled internally by reconnecting.
var ErrConnectionFailed = errors.New("pulseaudio connection failed")

// errNotReady is returned for requests submitted while the connection is down
var errNotReady = errors.New("pulseaudio connection not ready")

// ConnState describes the connection's position in its lifecycle.
// The transient states are observational only.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateSettingName
	StateSubscribing
	StateReady
	StateFailed
	StateTerminated
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSettingName:
		return "setting-name"
	case StateSubscribing:
		return "subscribing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ReconnectPolicy bounds the recovery attempts made after a transient
// connection failure (typically a PulseAudio server restart)
type ReconnectPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultReconnectPolicy retries for roughly a minute before giving up
var DefaultReconnectPolicy = ReconnectPolicy{
	MaxAttempts:  10,
	InitialDelay: 250 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

func (p ReconnectPolicy) normalized() ReconnectPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultReconnectPolicy.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultReconnectPolicy.InitialDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = DefaultReconnectPolicy.MaxDelay
	}

	return p
}

// backoff returns the base delay before the given attempt (1-based):
// exponential growth from InitialDelay, capped at MaxDelay
func (p ReconnectPolicy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}

	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	return delay
}

// delay adds up to 25% jitter on top of the base backoff so a fleet of
// clients doesn't stampede a restarting server
func (p ReconnectPolicy) delay(attempt int) time.Duration {
	base := p.backoff(attempt)

	return base + time.Duration(rand.Int63n(int64(base)/4+1))
}

// pulseClient is the slice of the protocol client the connection needs. It
// exists so recovery can be exercised against a fake transport.
type pulseClient interface {
	Request(request proto.RequestArgs, reply proto.Reply) error
	SetCallback(callback func(msg interface{}))
}

// protoClient adapts *proto.Client, whose callback is a plain struct field
type protoClient struct {
	client *proto.Client
}

func (p *protoClient) Request(request proto.RequestArgs, reply proto.Reply) error {
	return p.client.Request(request, reply)
}

func (p *protoClient) SetCallback(callback func(msg interface{})) {
	p.client.Callback = callback
}

// dialFunc establishes the raw protocol transport
type dialFunc func(server string) (pulseClient, net.Conn, error)

func protoDial(server string) (pulseClient, net.Conn, error) {
	client, conn, err := proto.Connect(server)
	if err != nil {
		return nil, nil, err
	}

	return &protoClient{client: client}, conn, nil
}

// connEvent carries a subscription event tagged with the generation of the
// connection that produced it, so events from a torn-down connection can be
// recognized and dropped instead of dereferencing stale state
type connEvent struct {
	gen   uint64
	event proto.SubscribeEvent
}

// connection owns the PulseAudio server handle and its recovery. It funnels
// subscription events into a single channel consumed by the engine's dispatch
// goroutine, and serializes request submission against (re)connects.
type connection struct {
	logger *zap.SugaredLogger

	server    string
	policy    ReconnectPolicy
	keepalive time.Duration
	dial      dialFunc

	// invoked after every successful (re)connect so the owner can
	// resubscribe its state (initial server snapshot + device lists)
	onReady func()

	state atomic.Int32
	gen   atomic.Uint64

	mu     sync.Mutex // serializes connect/teardown against request submission
	client pulseClient
	conn   net.Conn

	events       chan connEvent
	quit         chan struct{}
	closeOnce    sync.Once
	reconnecting atomic.Bool
}

func newConnection(logger *zap.SugaredLogger, server string, policy ReconnectPolicy, keepalive time.Duration) *connection {
	if keepalive <= 0 {
		keepalive = 5 * time.Second
	}

	return &connection{
		logger:    logger.Named("connection"),
		server:    server,
		policy:    policy.normalized(),
		keepalive: keepalive,
		dial:      protoDial,
		events:    make(chan connEvent, 64),
		quit:      make(chan struct{}),
	}
}

func (c *connection) currentState() ConnState {
	return ConnState(c.state.Load())
}

func (c *connection) setState(s ConnState) {
	c.state.Store(int32(s))
}

// open establishes the initial connection. Failure here is fatal to the
// caller; no retry happens at this layer.
func (c *connection) open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.establishLocked(); err != nil {
		return err
	}

	go c.keepaliveLoop()

	return nil
}

// establishLocked allocates a fresh server handle, names the client and
// subscribes to change events. Must be called with c.mu held.
func (c *connection) establishLocked() error {
	c.setState(StateConnecting)

	client, conn, err := c.dial(c.server)
	if err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	c.setState(StateSettingName)

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("pulsewatch"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		c.setState(StateFailed)
		return fmt.Errorf("%w: set client name: %v", ErrConnectionFailed, err)
	}

	c.setState(StateSubscribing)

	mask := proto.SubscriptionMaskServer |
		proto.SubscriptionMaskSink |
		proto.SubscriptionMaskSinkInput |
		proto.SubscriptionMaskSource |
		proto.SubscriptionMaskSourceInput

	if err := client.Request(&proto.Subscribe{Mask: mask}, nil); err != nil {
		_ = conn.Close()
		c.setState(StateFailed)
		return fmt.Errorf("%w: subscribe to change events: %v", ErrConnectionFailed, err)
	}

	gen := c.gen.Add(1)

	client.SetCallback(func(msg interface{}) {
		event, ok := msg.(*proto.SubscribeEvent)
		if !ok {
			return
		}

		select {
		case c.events <- connEvent{gen: gen, event: *event}:
		default:
			// never stall the protocol read loop on a slow consumer; a
			// dropped change surfaces again with the next event or keepalive
			c.logger.Debugw("Event queue full, dropping subscription event", "event", event.Event)
		}
	})

	c.client = client
	c.conn = conn
	c.setState(StateReady)

	c.logger.Debugw("PulseAudio connection established", "generation", gen)

	return nil
}

// roundTrip submits a request and waits for its reply (reply may be nil for
// acknowledged-only requests). Transport-level errors flip the connection into
// its recovery path; protocol-level errors are simply returned.
func (c *connection) roundTrip(request proto.RequestArgs, reply proto.Reply) error {
	c.mu.Lock()
	client := c.client
	ready := c.currentState() == StateReady
	c.mu.Unlock()

	if !ready || client == nil {
		return errNotReady
	}

	err := client.Request(request, reply)
	if err != nil && isTransportError(err) {
		c.fail(err)
	}

	return err
}

// fail moves a Ready connection to Failed, tears down the dead handle and
// kicks off the bounded reconnect loop. Repeated failures while already
// recovering are ignored.
func (c *connection) fail(err error) {
	if !c.state.CompareAndSwap(int32(StateReady), int32(StateFailed)) {
		return
	}

	c.logger.Warnw("PulseAudio connection failed, starting recovery", "error", err)

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.client = nil
	}
	c.mu.Unlock()

	go c.reconnectLoop()
}

func (c *connection) reconnectLoop() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		select {
		case <-c.quit:
			return
		case <-time.After(c.policy.delay(attempt)):
		}

		c.mu.Lock()
		if c.currentState() == StateTerminated {
			c.mu.Unlock()
			return
		}
		err := c.establishLocked()
		c.mu.Unlock()

		if err == nil {
			c.logger.Infow("Reconnected to PulseAudio", "attempt", attempt)

			if c.onReady != nil {
				c.onReady()
			}

			return
		}

		c.logger.Warnw("Reconnect attempt failed",
			"attempt", attempt,
			"maxAttempts", c.policy.MaxAttempts,
			"error", err)
	}

	c.logger.Errorw("Exhausted reconnect attempts, connection stays down",
		"attempts", c.policy.MaxAttempts)
}

// keepaliveLoop pings the server periodically so a silent server death is
// noticed even when no device events are flowing
func (c *connection) keepaliveLoop() {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			if c.currentState() != StateReady {
				continue
			}

			// roundTrip flags transport errors itself
			if err := c.roundTrip(&proto.GetServerInfo{}, &proto.GetServerInfoReply{}); err != nil && !errors.Is(err, errNotReady) {
				c.logger.Debugw("Keepalive ping failed", "error", err)
			}
		}
	}
}

// close terminates the connection permanently
func (c *connection) close() {
	c.setState(StateTerminated)

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.client = nil
	}
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.quit)
	})

	c.logger.Debug("PulseAudio connection closed")
}

func isTransportError(err error) bool {
	if err == nil {
		return false
	}

	var opErr *net.OpError

	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.As(err, &opErr)
}
