package upstream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/captioncast/captioncast/internal/models"
	"github.com/captioncast/captioncast/internal/utils"
)

func TestReconnectDelaySequence(t *testing.T) {
	want := []time.Duration{
		2000 * time.Millisecond,
		3000 * time.Millisecond,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
		10125 * time.Millisecond,
	}
	for i, w := range want {
		assert.Equal(t, w, ReconnectDelay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 30000*time.Millisecond, ReconnectDelay(12), "capped at 30s")
	assert.Equal(t, 30000*time.Millisecond, ReconnectDelay(50), "stays capped")
}

func TestBuildConfigMessageAutoDetectOmitsHints(t *testing.T) {
	msg := BuildConfigMessage(SessionConfig{
		APIKey:         "key",
		Model:          "stt-rt-preview",
		SourceLanguage: "auto",
		TargetLanguage: "none",
	})
	assert.Nil(t, msg.LanguageHints)
	assert.Nil(t, msg.Translation)
	assert.True(t, msg.EnableEndpointDetect)
	assert.Equal(t, "s16le", msg.AudioFormat.Encoding)
	assert.Equal(t, 16000, msg.AudioFormat.SampleRate)
	assert.Equal(t, 1, msg.AudioFormat.Channels)
}

func TestBuildConfigMessageTranslationGating(t *testing.T) {
	msg := BuildConfigMessage(SessionConfig{APIKey: "k", SourceLanguage: "es", TargetLanguage: "en"})
	assert.Equal(t, []string{"es"}, msg.LanguageHints)
	require.NotNil(t, msg.Translation)
	assert.Equal(t, "one_way", msg.Translation.Type)
	assert.Equal(t, "en", msg.Translation.TargetLanguage)

	same := BuildConfigMessage(SessionConfig{APIKey: "k", SourceLanguage: "en", TargetLanguage: "en"})
	assert.Nil(t, same.Translation, "no translation block when source equals target")

	none := BuildConfigMessage(SessionConfig{APIKey: "k", SourceLanguage: "en", TargetLanguage: "none"})
	assert.Nil(t, none.Translation)
}

// fakeUpstream is a websocket server standing in for the speech service.
type fakeUpstream struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     []*websocket.Conn
	configs   []models.ConfigMessage
	active    int
	maxActive int
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.active++
		if f.active > f.maxActive {
			f.maxActive = f.active
		}
		f.mu.Unlock()

		defer func() {
			f.mu.Lock()
			f.active--
			f.mu.Unlock()
			conn.Close()
		}()

		// First frame is the configuration message.
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cfg models.ConfigMessage
		if json.Unmarshal(data, &cfg) == nil {
			f.mu.Lock()
			f.configs = append(f.configs, cfg)
			f.mu.Unlock()
		}

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeUpstream) lastConn() *websocket.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func (f *fakeUpstream) snapshot() (active, maxActive, connects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.maxActive, len(f.conns)
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func TestStartRequiresAPIKey(t *testing.T) {
	m := NewManager("ws://unused", nil, nil, testLogger())
	err := m.Start(SessionConfig{APIKey: "  "})
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.CodeInvalidArgument))
}

func TestStartSendsConfigAndConnects(t *testing.T) {
	f := newFakeUpstream(t)
	m := NewManager(f.url(), nil, nil, testLogger())
	defer m.Stop()

	require.NoError(t, m.Start(SessionConfig{
		APIKey:         "secret",
		Model:          "stt-rt-preview",
		SourceLanguage: "en",
		TargetLanguage: "es",
	}))

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.configs) == 1
	}, time.Second, 10*time.Millisecond)

	f.mu.Lock()
	cfg := f.configs[0]
	f.mu.Unlock()
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, []string{"en"}, cfg.LanguageHints)
	require.NotNil(t, cfg.Translation)
	assert.Equal(t, "es", cfg.Translation.TargetLanguage)

	assert.Equal(t, models.PhaseReady, m.Status().Phase)
}

func TestRestartKeepsSingleSocket(t *testing.T) {
	f := newFakeUpstream(t)
	m := NewManager(f.url(), nil, nil, testLogger())
	defer m.Stop()

	cfg := SessionConfig{APIKey: "k", Model: "m", SourceLanguage: "auto", TargetLanguage: "none"}
	require.NoError(t, m.Start(cfg))
	require.NoError(t, m.Start(cfg))
	require.NoError(t, m.Start(cfg))

	require.Eventually(t, func() bool {
		active, maxActive, connects := f.snapshot()
		return active == 1 && maxActive == 1 && connects == 3
	}, 2*time.Second, 20*time.Millisecond, "at most one upstream socket may be open at any instant")
}

func TestTokensRoutedToHandler(t *testing.T) {
	f := newFakeUpstream(t)

	got := make(chan []models.Token, 1)
	m := NewManager(f.url(), func(tokens []models.Token) { got <- tokens }, nil, testLogger())
	defer m.Stop()

	require.NoError(t, m.Start(SessionConfig{APIKey: "k"}))
	require.Eventually(t, func() bool { return f.lastConn() != nil }, time.Second, 10*time.Millisecond)

	payload := `{"tokens":[{"text":"Hi","role":"source","is_final":false}]}`
	require.NoError(t, f.lastConn().WriteMessage(websocket.TextMessage, []byte(payload)))

	select {
	case tokens := <-got:
		require.Len(t, tokens, 1)
		assert.Equal(t, "Hi", tokens[0].Text)
		assert.Equal(t, models.RoleSource, tokens[0].Role)
		assert.False(t, tokens[0].IsFinal)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tokens")
	}
}

func TestStopSuppressesReconnect(t *testing.T) {
	f := newFakeUpstream(t)
	m := NewManager(f.url(), nil, nil, testLogger())

	require.NoError(t, m.Start(SessionConfig{APIKey: "k"}))
	m.Stop()

	// An abnormal close arriving right after stop must not schedule a retry.
	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()
	m.handleClose(gen, &websocket.CloseError{Code: websocket.CloseAbnormalClosure})

	m.mu.Lock()
	pending := m.reconnectPending
	m.mu.Unlock()
	assert.False(t, pending, "no reconnect may be pending after Stop")

	time.Sleep(100 * time.Millisecond)
	_, _, connects := f.snapshot()
	assert.Equal(t, 1, connects, "no new connection attempt after Stop")
}

func TestStopDuringDialIsNotOverridden(t *testing.T) {
	f := newFakeUpstream(t)

	var stMu sync.Mutex
	var phases []models.Phase
	record := func(st models.ServiceStatus) {
		stMu.Lock()
		phases = append(phases, st.Phase)
		stMu.Unlock()
	}

	dialing := make(chan struct{})
	release := make(chan struct{})
	m := NewManager(f.url(), nil, record, testLogger())
	m.dial = func(url string, timeout time.Duration) (*websocket.Conn, error) {
		close(dialing)
		<-release
		return gorillaDialer(url, timeout)
	}

	done := make(chan error, 1)
	go func() { done <- m.Start(SessionConfig{APIKey: "k"}) }()

	// Stop lands while the dial is still in flight; the manager must discard
	// the socket the dial eventually returns.
	<-dialing
	m.Stop()
	close(release)
	require.NoError(t, <-done)

	m.mu.Lock()
	state := m.state
	conn := m.conn
	m.mu.Unlock()
	assert.Equal(t, StateDisconnected, state)
	assert.Nil(t, conn, "connection established mid-stop must not be installed")

	require.Eventually(t, func() bool {
		active, _, _ := f.snapshot()
		return active == 0
	}, 2*time.Second, 20*time.Millisecond, "discarded socket must be closed")

	stMu.Lock()
	defer stMu.Unlock()
	for i, p := range phases {
		if p == models.PhaseOffline {
			for _, later := range phases[i+1:] {
				assert.NotEqual(t, models.PhaseReady, later, "ready broadcast after stop")
			}
			break
		}
	}
}

func TestAbnormalCloseSchedulesReconnect(t *testing.T) {
	f := newFakeUpstream(t)
	m := NewManager(f.url(), nil, nil, testLogger())
	defer m.Stop()

	require.NoError(t, m.Start(SessionConfig{APIKey: "k"}))
	require.Eventually(t, func() bool { return f.lastConn() != nil }, time.Second, 10*time.Millisecond)

	// Kill the TCP connection without a close frame.
	require.NoError(t, f.lastConn().UnderlyingConn().Close())

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.reconnectPending
	}, time.Second, 10*time.Millisecond, "transport failure must arm the backoff timer")

	// Stop cancels the pending timer.
	m.Stop()
	m.mu.Lock()
	pending := m.reconnectPending
	m.mu.Unlock()
	assert.False(t, pending)
}

func TestHeartbeatBeforeFirstAudioFrame(t *testing.T) {
	l, hook := logtest.NewNullLogger()
	m := NewManager("ws://unused", nil, nil, l)

	m.mu.Lock()
	m.state = StateConnected
	m.mu.Unlock()

	m.heartbeatTick()

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "no audio sent yet this session", entry.Message)
	_, hasIdle := entry.Data["idle"]
	assert.False(t, hasIdle, "zero last-audio must not be reported as an idle duration")
}

func TestHeartbeatQuietWhenAudioRecent(t *testing.T) {
	l, hook := logtest.NewNullLogger()
	m := NewManager("ws://unused", nil, nil, l)

	m.mu.Lock()
	m.state = StateConnected
	m.lastAudio = time.Now()
	m.mu.Unlock()

	m.heartbeatTick()
	assert.Nil(t, hook.LastEntry())
}

func TestSendAudioWithoutConnectionIsSafe(t *testing.T) {
	m := NewManager("ws://unused", nil, nil, testLogger())
	m.SendAudio([]byte{0x01, 0x02}) // must not panic
	assert.Equal(t, models.PhaseOffline, m.Status().Phase)
}

func TestSendAudioForwardsBinaryFrames(t *testing.T) {
	f := newFakeUpstream(t)
	m := NewManager(f.url(), nil, nil, testLogger())
	defer m.Stop()

	require.NoError(t, m.Start(SessionConfig{APIKey: "k"}))
	m.SendAudio([]byte{0xAA, 0xBB})

	m.mu.Lock()
	last := m.lastAudio
	m.mu.Unlock()
	assert.False(t, last.IsZero(), "last-audio timestamp must be updated")
}

func TestDecodeServerMessageVariants(t *testing.T) {
	msg, err := models.DecodeServerMessage([]byte(`{"tokens":[{"text":"a","role":"translation","is_final":true}]}`))
	require.NoError(t, err)
	assert.Equal(t, models.ServerMessageTokens, msg.Kind)
	require.Len(t, msg.Tokens, 1)
	assert.Equal(t, models.RoleTranslation, msg.Tokens[0].Role)

	msg, err = models.DecodeServerMessage([]byte(`{"error_code":401,"error_message":"bad key"}`))
	require.NoError(t, err)
	assert.Equal(t, models.ServerMessageError, msg.Kind)
	assert.Equal(t, 401, msg.ErrCode)

	msg, err = models.DecodeServerMessage([]byte(`{"something":"else"}`))
	require.NoError(t, err)
	assert.Equal(t, models.ServerMessageUnknown, msg.Kind)

	_, err = models.DecodeServerMessage([]byte(`not json`))
	require.Error(t, err)
}
