// Package upstream owns the single outbound connection to the external
// speech service: configuration handshake, audio forwarding, reconnection
// with backoff, and connection-state broadcasting.
package upstream

import (
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/captioncast/captioncast/internal/metrics"
	"github.com/captioncast/captioncast/internal/models"
	"github.com/captioncast/captioncast/internal/utils"
)

const (
	dialTimeout       = 30 * time.Second
	settleDelay       = 250 * time.Millisecond
	backoffBase       = 2000 * time.Millisecond
	backoffMultiplier = 1.5
	backoffCap        = 30000 * time.Millisecond
	heartbeatInterval = 30 * time.Second
	audioIdleAfter    = 60 * time.Second
)

// ConnState is the internal connection lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return "unknown"
}

// SessionConfig is the per-session upstream configuration.
type SessionConfig struct {
	APIKey         string
	Model          string
	SourceLanguage string // "auto" requests upstream auto-detection
	TargetLanguage string // "none" disables translation
}

// TokenHandler consumes token batches from the upstream read loop.
type TokenHandler func(tokens []models.Token)

// StatusHandler receives externally visible status broadcasts.
type StatusHandler func(st models.ServiceStatus)

// Dialer abstracts the websocket dial for tests.
type Dialer func(url string, timeout time.Duration) (*websocket.Conn, error)

func gorillaDialer(url string, timeout time.Duration) (*websocket.Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := d.Dial(url, nil)
	return conn, err
}

// Manager is the single-owner state machine around the upstream socket. All
// connection state lives here; other components observe it only through
// status broadcasts.
type Manager struct {
	url      string
	onTokens TokenHandler
	onStatus StatusHandler
	dial     Dialer

	mu               sync.Mutex
	state            ConnState
	conn             *websocket.Conn
	writeMu          sync.Mutex // serializes socket writes, teacher wsConn style
	cfg              SessionConfig
	manualStop       bool
	configured       bool
	attempt          int
	reconnectPending bool
	reconnectTimer   *time.Timer
	sessionStart     time.Time
	lastAudio        time.Time
	heartbeatStop    chan struct{}
	generation       int // guards close handling of replaced sockets

	log     *logrus.Entry
	metrics *metrics.Metrics
}

func NewManager(url string, onTokens TokenHandler, onStatus StatusHandler, l *logrus.Logger) *Manager {
	return &Manager{
		url:      url,
		onTokens: onTokens,
		onStatus: onStatus,
		dial:     gorillaDialer,
		state:    StateDisconnected,
		log:      l.WithField("component", "upstream"),
		metrics:  metrics.DefaultMetrics,
	}
}

// Start opens a new upstream connection with the given config, tearing down
// any existing one first. It returns once the configuration message has been
// accepted by the transport; the service buffers audio while it finalizes
// configuration internally, so audio forwarding must not wait for an ack.
func (m *Manager) Start(cfg SessionConfig) error {
	const op = "Manager.Start"

	if strings.TrimSpace(cfg.APIKey) == "" {
		m.broadcast(models.PhaseOffline, "missing API key")
		return utils.E(utils.CodeInvalidArgument, op, "upstream API key is required", nil)
	}

	m.mu.Lock()
	if m.conn != nil {
		m.teardownLocked(websocket.CloseNormalClosure)
		m.mu.Unlock()
		// Let the old socket drain before dialing again so the two don't race.
		time.Sleep(settleDelay)
		m.mu.Lock()
	}
	m.cancelReconnectLocked()
	m.manualStop = false
	m.cfg = cfg
	m.attempt = 0
	m.mu.Unlock()

	return m.connect(op)
}

// connect dials, sends the configuration message, and starts the read and
// heartbeat loops. Used by Start and by the reconnect path.
func (m *Manager) connect(op string) error {
	m.setState(StateConnecting)
	m.broadcast(models.PhaseConnecting, "connecting to speech service")
	m.metrics.UpstreamConnects.Inc()

	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	conn, err := m.dial(m.url, dialTimeout)

	// Stop may have been issued while the dial was in flight; it must win, or
	// the connection comes back up after Stop already returned.
	m.mu.Lock()
	if m.manualStop {
		m.state = StateDisconnected
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		m.log.Debug("discarding connection established after stop")
		return nil
	}
	m.mu.Unlock()

	if err != nil {
		if isTimeout(err) {
			// A dial timeout usually means a bad credential or a network
			// block: force manual intervention instead of retrying silently.
			m.mu.Lock()
			m.manualStop = true
			m.state = StateError
			m.mu.Unlock()
			m.metrics.UpstreamErrors.WithLabelValues("timeout").Inc()
			m.broadcast(models.PhaseOffline, "connection attempt timed out")
			return utils.E(utils.CodeTimeout, op, "upstream connection attempt timed out", err)
		}
		m.metrics.UpstreamErrors.WithLabelValues("dial").Inc()
		m.broadcast(models.PhaseOffline, "connection failed")
		m.scheduleReconnect()
		return utils.E(utils.CodeUnavailable, op, "failed to connect to speech service", err)
	}

	msg := BuildConfigMessage(cfg)
	m.writeMu.Lock()
	err = conn.WriteJSON(msg)
	m.writeMu.Unlock()
	if err != nil {
		_ = conn.Close()
		m.metrics.UpstreamErrors.WithLabelValues("config").Inc()
		m.broadcast(models.PhaseOffline, "failed to send configuration")
		m.scheduleReconnect()
		return utils.E(utils.CodeUnavailable, op, "failed to send upstream configuration", err)
	}

	m.mu.Lock()
	if m.manualStop {
		m.state = StateDisconnected
		m.mu.Unlock()
		_ = conn.Close()
		m.log.Debug("discarding connection established after stop")
		return nil
	}
	m.generation++
	gen := m.generation
	m.conn = conn
	m.state = StateConnected
	m.configured = true
	m.attempt = 0
	m.sessionStart = time.Now().UTC()
	m.lastAudio = time.Time{}
	stop := make(chan struct{})
	m.heartbeatStop = stop
	m.mu.Unlock()

	m.metrics.UpstreamConnected.Set(1)
	// Connected is broadcast before any explicit upstream ack: the service
	// buffers audio while it finalizes configuration, and perceived latency
	// wins over certainty here.
	m.broadcast(models.PhaseReady, "speech service connected")
	m.log.WithField("model", cfg.Model).Info("upstream connected")

	go m.readLoop(conn, gen)
	go m.heartbeat(stop)
	return nil
}

// Stop tears the connection down and suppresses any reconnect. The ordering
// is mandatory: the flags are set before the socket is closed, otherwise the
// close handler races and schedules a reconnect.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.manualStop = true
	m.state = StateDisconnected
	m.mu.Unlock()

	m.broadcast(models.PhaseOffline, "stopped")

	m.mu.Lock()
	m.cancelReconnectLocked()
	m.teardownLocked(websocket.CloseNormalClosure)
	m.mu.Unlock()

	m.metrics.UpstreamConnected.Set(0)
	m.log.Info("upstream stopped")
}

// SendAudio forwards one binary audio frame if the socket is open. Transport
// failures never propagate to the caller; they schedule a reconnect unless
// the session was manually stopped.
func (m *Manager) SendAudio(frame []byte) {
	m.mu.Lock()
	conn := m.conn
	if conn == nil || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.lastAudio = time.Now()
	m.mu.Unlock()

	m.writeMu.Lock()
	err := conn.WriteMessage(websocket.BinaryMessage, frame)
	m.writeMu.Unlock()
	if err != nil {
		m.log.WithError(err).Warn("audio send failed")
		m.metrics.UpstreamErrors.WithLabelValues("send").Inc()
		m.mu.Lock()
		stopped := m.manualStop
		m.mu.Unlock()
		if !stopped {
			m.scheduleReconnect()
		}
		return
	}
	m.metrics.AudioFramesSent.Inc()
	m.metrics.AudioBytesSent.Add(float64(len(frame)))
}

// Status reports the externally visible session state.
func (m *Manager) Status() models.ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateConnecting:
		return models.NewStatus(models.PhaseConnecting, "")
	case StateConnected:
		return models.NewStatus(models.PhaseReady, "")
	case StateError:
		return models.NewStatus(models.PhaseOffline, "error")
	default:
		return models.NewStatus(models.PhaseOffline, "")
	}
}

// readLoop consumes upstream frames until the socket dies, then routes the
// close through handleClose. gen guards against a stale loop acting on a
// connection that Start already replaced.
func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, err)
			return
		}

		msg, derr := models.DecodeServerMessage(data)
		if derr != nil {
			m.log.WithError(derr).Debug("ignoring undecodable upstream frame")
			continue
		}
		switch msg.Kind {
		case models.ServerMessageTokens:
			if m.onTokens != nil && len(msg.Tokens) > 0 {
				m.onTokens(msg.Tokens)
			}
		case models.ServerMessageError:
			m.log.WithFields(logrus.Fields{"code": msg.ErrCode, "message": msg.ErrText}).Error("upstream error")
			m.metrics.UpstreamErrors.WithLabelValues("upstream").Inc()
			m.broadcast(models.PhaseOffline, "speech service error: "+msg.ErrText)
		}
	}
}

// handleClose implements the close-handler contract: always clear the
// configured flag and halt the heartbeat; manual stop wins over any retry;
// normal closure codes do not reconnect.
func (m *Manager) handleClose(gen int, err error) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.configured = false
	m.conn = nil
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
	stopped := m.manualStop
	m.mu.Unlock()

	m.metrics.UpstreamConnected.Set(0)

	if stopped {
		m.setState(StateDisconnected)
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.setState(StateDisconnected)
		m.broadcast(models.PhaseOffline, "speech service closed the connection")
		return
	}

	m.log.WithError(err).Warn("upstream connection lost")
	m.metrics.UpstreamErrors.WithLabelValues("transport").Inc()
	m.broadcast(models.PhaseConnecting, "connection lost, reconnecting")
	m.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer. Only one reconnect may be
// pending at a time.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.manualStop || m.reconnectPending {
		m.mu.Unlock()
		return
	}
	m.reconnectPending = true
	m.attempt++
	delay := ReconnectDelay(m.attempt)
	attempt := m.attempt
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectPending = false
		m.reconnectTimer = nil
		stopped := m.manualStop
		m.mu.Unlock()
		if stopped {
			return
		}
		m.metrics.UpstreamReconnects.Inc()
		if err := m.connect("Manager.reconnect"); err != nil {
			m.log.WithError(err).Warn("reconnect attempt failed")
		}
	})
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Info("reconnect scheduled")
}

// ReconnectDelay is the backoff for the nth attempt (1-based): 2s base,
// x1.5 per attempt, capped at 30s, unbounded attempt count.
func ReconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(backoffBase)
	for i := 1; i < attempt; i++ {
		d *= backoffMultiplier
		if d >= float64(backoffCap) {
			return backoffCap
		}
	}
	if d > float64(backoffCap) {
		return backoffCap
	}
	return time.Duration(d)
}

// heartbeat logs connection health every 30s when no audio has been sent for
// 60s. The upstream protocol has no ping frame; this is a passive signal.
func (m *Manager) heartbeat(stop chan struct{}) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.heartbeatTick()
		}
	}
}

func (m *Manager) heartbeatTick() {
	m.mu.Lock()
	last := m.lastAudio
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected {
		return
	}
	if last.IsZero() {
		m.log.Info("no audio sent yet this session")
		return
	}
	if time.Since(last) > audioIdleAfter {
		m.log.WithField("idle", time.Since(last)).Info("no audio sent recently, connection idle")
	}
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.reconnectPending = false
}

// teardownLocked closes the live socket and clears the handle. Bumping the
// generation detaches the old read loop so its close handling becomes a no-op.
func (m *Manager) teardownLocked(code int) {
	if m.conn == nil {
		return
	}
	m.generation++
	m.configured = false
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
	deadline := time.Now().Add(time.Second)
	m.writeMu.Lock()
	_ = m.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
	m.writeMu.Unlock()
	_ = m.conn.Close()
	m.conn = nil
}

func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) broadcast(phase models.Phase, message string) {
	if m.onStatus != nil {
		m.onStatus(models.NewStatus(phase, message))
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok && te.Timeout() {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "timeout")
}
