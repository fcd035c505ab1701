package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/examforge/quizsync/internal/quiz/events"
)

// State is the connection status surfaced to consumers.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateErrored      State = "errored"
)

// Config holds configuration for the quiz channel.
type Config struct {
	URL        string // ws:// or wss:// endpoint
	Credential string // opaque bearer credential; empty means never connect

	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int

	// Transport retry policy. The manager surfaces status only; retry
	// cadence is fixed per connection, not adaptive.
	ReconnectWait time.Duration
	MaxReconnects int // -1 for infinite
}

// DefaultConfig returns default channel configuration.
func DefaultConfig(url, credential string) Config {
	return Config{
		URL:            url,
		Credential:     credential,
		DialTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
	}
}

// StatusFunc observes connection state transitions. err is non-nil only for
// StateErrored and for disconnects caused by a transport error.
type StatusFunc func(state State, err error)

// HandlerFunc receives the raw payload of one inbound event.
type HandlerFunc func(data json.RawMessage)

// Manager owns one persistent websocket connection to the quiz server. It
// authenticates at connect time, re-dials on drop, and dispatches inbound
// envelopes to registered handlers in arrival order (single reader
// goroutine, no fan-out).
type Manager struct {
	id    string
	cfg   Config
	clock clockwork.Clock

	mu        sync.RWMutex
	state     State
	statusFns []StatusFunc
	handlers  map[events.EventType]HandlerFunc
	send      chan []byte // nil unless connected

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	started   bool
	closed    bool
}

// NewManager creates a channel manager. Nothing connects until Connect.
func NewManager(cfg Config, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		id:       uuid.New().String(),
		cfg:      cfg,
		clock:    clock,
		state:    StateDisconnected,
		handlers: make(map[events.EventType]HandlerFunc),
		done:     make(chan struct{}),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OnStatusChange registers a callback fired on every state transition.
// Register before Connect to observe the Connecting transition.
func (m *Manager) OnStatusChange(fn StatusFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusFns = append(m.statusFns, fn)
}

// On registers the handler for one event name, replacing any previous one.
func (m *Manager) On(event events.EventType, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = fn
}

// Off removes the handler for one event name.
func (m *Manager) Off(event events.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, event)
}

// Connect starts the connection loop. A missing credential is an idle no-op:
// no dial is attempted, no error returned, state stays Disconnected. Connect
// returns immediately; progress is reported through OnStatusChange.
func (m *Manager) Connect(ctx context.Context) error {
	if m.cfg.Credential == "" {
		m.mu.Lock()
		if m.started || m.closed {
			m.mu.Unlock()
			return nil
		}
		m.started = true
		m.mu.Unlock()
		log.Debug().Str("channel_id", m.id).Msg("no credential, skipping connection")
		close(m.done)
		return nil
	}

	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return fmt.Errorf("channel %s already started or closed", m.id)
	}
	m.started = true
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go m.run(runCtx)
	return nil
}

// Close tears the connection down and stops all retries. Idempotent and
// synchronous: when it returns, the pumps have exited.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		started := m.started
		m.closed = true
		m.mu.Unlock()

		if m.cancel != nil {
			m.cancel()
		}
		if started {
			<-m.done
		} else {
			select {
			case <-m.done:
			default:
				close(m.done)
			}
		}
		m.setState(StateDisconnected, nil)
	})
	return nil
}

// Emit sends one event to the server, fire-and-forget. Messages are dropped
// with a warning when the channel is down or the send buffer is full.
func (m *Manager) Emit(event events.EventType, payload interface{}) error {
	env, err := events.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	m.mu.RLock()
	send := m.send
	m.mu.RUnlock()

	if send == nil {
		log.Warn().
			Str("channel_id", m.id).
			Str("event", string(event)).
			Msg("channel not connected, dropping outbound event")
		return nil
	}

	select {
	case send <- data:
	default:
		log.Warn().
			Str("channel_id", m.id).
			Str("event", string(event)).
			Msg("send buffer full, dropping outbound event")
	}
	return nil
}

// run is the connection loop: dial, pump until drop, wait, re-dial. It owns
// all state transitions. Credential rejection stops the loop for good.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	attempts := 0
	for {
		m.setState(StateConnecting, nil)

		conn, rejected, err := m.dial(ctx)
		if err != nil {
			if rejected {
				log.Error().Err(err).Str("channel_id", m.id).Msg("credential rejected")
				m.setState(StateErrored, err)
				return
			}
			log.Warn().Err(err).Str("channel_id", m.id).Msg("dial failed")
			m.setState(StateErrored, err)
		} else {
			// The send channel must exist before Connected is announced so
			// a status-callback Emit is never dropped.
			send := make(chan []byte, m.cfg.SendBuffer)
			m.mu.Lock()
			m.send = send
			m.mu.Unlock()

			m.setState(StateConnected, nil)
			attempts = 0

			err = m.pump(ctx, conn, send)
			if ctx.Err() != nil {
				return
			}
			m.setState(StateDisconnected, err)
		}

		if ctx.Err() != nil {
			return
		}
		attempts++
		if m.cfg.MaxReconnects >= 0 && attempts > m.cfg.MaxReconnects {
			log.Error().
				Str("channel_id", m.id).
				Int("attempts", attempts).
				Msg("reconnect attempts exhausted")
			m.setState(StateErrored, fmt.Errorf("reconnect attempts exhausted after %d tries", attempts))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.cfg.ReconnectWait):
		}
	}
}

// dial performs one websocket handshake. rejected is true when the server
// refused the credential, which must not be retried.
func (m *Manager) dial(ctx context.Context) (conn *websocket.Conn, rejected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.DialTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.cfg.Credential)

	conn, resp, err := dialer.DialContext(ctx, m.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, true, fmt.Errorf("dial %s: credential rejected with status %d", m.cfg.URL, resp.StatusCode)
		}
		return nil, false, fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}
	return conn, false, nil
}

// pump runs the read and write sides of one live connection and returns the
// error that ended it. The send channel is cleared when the connection dies.
func (m *Manager) pump(ctx context.Context, conn *websocket.Conn, send chan []byte) error {
	defer func() {
		m.mu.Lock()
		m.send = nil
		m.mu.Unlock()
		conn.Close()
	}()

	writeDone := make(chan struct{})
	go m.writePump(ctx, conn, send, writeDone)
	err := m.readPump(conn)
	conn.Close() // unblocks the write pump
	<-writeDone
	return err
}

func (m *Manager) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte, done chan<- struct{}) {
	defer close(done)

	ticker := m.clock.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("channel_id", m.id).Msg("failed to write message")
				return
			}
		case <-ticker.Chan():
			conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("channel_id", m.id).Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads until the connection drops and dispatches inbound
// envelopes. Dispatch happens on this goroutine so handlers observe events
// in arrival order.
func (m *Manager) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(m.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("channel_id", m.id).Msg("unexpected websocket close")
				return err
			}
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))

		var env events.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warn().Err(err).Str("channel_id", m.id).Msg("dropping malformed envelope")
			continue
		}
		m.dispatch(&env)
	}
}

func (m *Manager) dispatch(env *events.Envelope) {
	m.mu.RLock()
	handler := m.handlers[env.Event]
	m.mu.RUnlock()

	if handler == nil {
		log.Debug().
			Str("channel_id", m.id).
			Str("event", string(env.Event)).
			Msg("no handler for inbound event")
		return
	}
	handler(env.Data)
}

func (m *Manager) setState(state State, err error) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	fns := make([]StatusFunc, len(m.statusFns))
	copy(fns, m.statusFns)
	m.mu.Unlock()

	log.Debug().
		Str("channel_id", m.id).
		Str("state", string(state)).
		Err(err).
		Msg("channel state changed")
	for _, fn := range fns {
		fn(state, err)
	}
}
