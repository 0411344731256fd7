// Package realtime keeps one WebSocket subscription to the daemon's feed alive
// and turns it into an ordered stream of decoded events and connection transitions.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Connection settings
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultJitter         = 0.2
	defaultPingInterval   = 15 * time.Second
	defaultReadTimeout    = 45 * time.Second
	handshakeTimeout      = 10 * time.Second
	writeTimeout          = 10 * time.Second
	defaultQueueSize      = 1024
)

// ErrUnauthorized is reported when the daemon refuses the handshake with a 401.
var ErrUnauthorized = errors.New("feed handshake unauthorized")

// State is the connection state of the channel.
type State int

// Connection states
const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Transition is a change of connection state. Resumed is set on every entry into
// Connected after the first one.
type Transition struct {
	From    State
	To      State
	Resumed bool
	Err     error
	At      time.Time
}

// Item is one entry of the channel's output queue: either an Event or a Transition.
// Events and transitions share the queue so a consumer sees them in the order they happened.
type Item struct {
	Event      Event
	Transition *Transition
}

// Config configures a Channel. Zero durations take the package defaults.
type Config struct {
	URL string
	// Header is called before every dial so refreshed credentials are picked up.
	Header func() http.Header

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	QueueSize      int

	// OnUnauthorized is called once when the handshake is refused with a 401.
	// The channel does not reconnect afterwards.
	OnUnauthorized func(err error)

	Logger zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = defaultJitter
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
}

// Channel is a WebSocket client for the daemon feed with automatic reconnection.
type Channel struct {
	cfg   Config
	log   zerolog.Logger
	items chan Item
	done  chan struct{}
	wg    sync.WaitGroup

	mu            sync.Mutex
	state         State
	connectedOnce bool
	cancelDial    context.CancelFunc

	// Stats
	messagesReceived uint64
	eventsDecoded    uint64
	decodeErrors     uint64
	reconnects       uint64

	running atomic.Bool
}

// NewChannel creates a channel in the Connecting state. Nothing is dialed before Start.
func NewChannel(cfg Config) *Channel {
	cfg.applyDefaults()
	return &Channel{
		cfg:   cfg,
		log:   cfg.Logger,
		items: make(chan Item, cfg.QueueSize),
		done:  make(chan struct{}),
		state: StateConnecting,
	}
}

// Items returns the output queue. It is never closed; select on it together with
// your own shutdown signal.
func (c *Channel) Items() <-chan Item { return c.items }

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins the connection loop in a goroutine.
func (c *Channel) Start() {
	if c.running.Swap(true) {
		c.log.Warn().Msg("channel already running")
		return
	}

	c.wg.Add(1)
	go c.runLoop()
	c.log.Info().Str("url", c.cfg.URL).Msg("channel started")
}

// Stop closes the socket, cancels any pending reconnect and waits for the loop
// to exit. No item is queued after Stop returns.
func (c *Channel) Stop() {
	if !c.running.Swap(false) {
		return
	}
	close(c.done)
	c.mu.Lock()
	if c.cancelDial != nil {
		c.cancelDial()
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.log.Info().Msg("channel stopped")
}

// Stats returns current statistics.
func (c *Channel) Stats() map[string]interface{} {
	return map[string]interface{}{
		"state":             c.State().String(),
		"messages_received": atomic.LoadUint64(&c.messagesReceived),
		"events_decoded":    atomic.LoadUint64(&c.eventsDecoded),
		"decode_errors":     atomic.LoadUint64(&c.decodeErrors),
		"reconnects":        atomic.LoadUint64(&c.reconnects),
		"queue_len":         len(c.items),
	}
}

func (c *Channel) runLoop() {
	defer c.wg.Done()

	reconnectDelay := c.cfg.InitialBackoff

	for c.running.Load() {
		c.setState(StateConnecting, nil)

		connected, err := c.connectAndStream()
		if errors.Is(err, ErrUnauthorized) {
			c.setState(StateError, err)
			c.log.Warn().Err(err).Msg("feed refused credentials, not reconnecting")
			if c.cfg.OnUnauthorized != nil {
				c.cfg.OnUnauthorized(err)
			}
			return
		}
		if connected {
			reconnectDelay = c.cfg.InitialBackoff
		}
		if !c.running.Load() {
			return
		}

		wait := c.jitter(reconnectDelay)
		atomic.AddUint64(&c.reconnects, 1)
		if err != nil {
			c.log.Warn().Err(err).Dur("retry_in", wait).Msg("feed connection lost")
		} else {
			c.log.Info().Dur("retry_in", wait).Msg("feed closed by daemon")
		}

		timer := time.NewTimer(wait)
		select {
		case <-c.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		reconnectDelay *= 2
		if reconnectDelay > c.cfg.MaxBackoff {
			reconnectDelay = c.cfg.MaxBackoff
		}
	}
}

// jitter spreads d by up to ±Jitter.
func (c *Channel) jitter(d time.Duration) time.Duration {
	if c.cfg.Jitter == 0 {
		return d
	}
	f := 1 + c.cfg.Jitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}

// connectAndStream reports whether the socket reached Connected, and the error
// that ended the session.
func (c *Channel) connectAndStream() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	c.mu.Lock()
	c.cancelDial = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancelDial = nil
		c.mu.Unlock()
		cancel()
	}()

	var header http.Header
	if c.cfg.Header != nil {
		header = c.cfg.Header()
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	c.log.Debug().Str("url", c.cfg.URL).Msg("connecting to feed")
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		if errors.Is(err, websocket.ErrBadHandshake) {
			// The daemon answered but not with an upgrade.
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			err = fmt.Errorf("handshake rejected with status %d: %w", status, err)
			c.setState(StateError, err)
			return false, err
		}
		err = fmt.Errorf("dial failed: %w", err)
		c.setState(StateDisconnected, err)
		return false, err
	}
	defer conn.Close()

	if !c.running.Load() {
		return false, nil
	}
	c.setState(StateConnected, nil)

	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			case <-pingDone:
				return
			case <-c.done:
				// Close connection to unblock ReadMessage
				conn.Close()
				return
			}
		}
	}()
	defer close(pingDone)

	for c.running.Load() {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if !c.running.Load() {
				return true, nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.setState(StateDisconnected, nil)
				return true, nil
			}
			if websocket.IsCloseError(err, websocket.CloseProtocolError, websocket.CloseUnsupportedData,
				websocket.CloseInvalidFramePayloadData, websocket.ClosePolicyViolation) {
				err = fmt.Errorf("protocol failure: %w", err)
				c.setState(StateError, err)
				return true, err
			}
			err = fmt.Errorf("read failed: %w", err)
			c.setState(StateDisconnected, err)
			return true, err
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		if messageType != websocket.TextMessage {
			continue
		}

		n := atomic.AddUint64(&c.messagesReceived, 1)

		ev, err := Decode(message)
		if err != nil {
			atomic.AddUint64(&c.decodeErrors, 1)
			msg := message
			if len(msg) > 200 {
				msg = msg[:200]
			}
			c.log.Warn().Err(err).Uint64("message", n).Bytes("raw", msg).Msg("dropping undecodable message")
			continue
		}
		atomic.AddUint64(&c.eventsDecoded, 1)
		c.emit(Item{Event: ev})
	}
	return true, nil
}

func (c *Channel) setState(to State, err error) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	resumed := false
	if to == StateConnected {
		resumed = c.connectedOnce
		c.connectedOnce = true
	}
	c.mu.Unlock()

	ev := c.log.Info()
	if to == StateError {
		ev = c.log.Warn()
	}
	ev.Str("from", from.String()).Str("to", to.String()).Bool("resumed", resumed).Err(err).Msg("feed state changed")

	c.emit(Item{Transition: &Transition{From: from, To: to, Resumed: resumed, Err: err, At: time.Now()}})
}

// emit blocks until the item is queued or the channel is stopped. Items are
// never dropped; a slow consumer holds the read loop back instead.
func (c *Channel) emit(item Item) {
	select {
	case c.items <- item:
	case <-c.done:
	}
}
