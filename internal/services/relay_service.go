package services

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/captioncast/captioncast/internal/caption"
	"github.com/captioncast/captioncast/internal/hub"
	"github.com/captioncast/captioncast/internal/models"
	"github.com/captioncast/captioncast/internal/publisher"
	"github.com/captioncast/captioncast/internal/transcript"
	"github.com/captioncast/captioncast/internal/upstream"
	"github.com/captioncast/captioncast/internal/utils"
)

// RelayService coordinates a caption session: it drives the upstream
// connection, routes assembled captions into the hub and the transcript
// store, and exposes the operator control surface.
type RelayService interface {
	Start(sourceLang, targetLang string) error
	Stop()
	Pause()
	Resume()
	Status() models.ServiceStatus
	SendAudio(frame []byte)
}

type relayService struct {
	apiKey string
	model  string

	manager *upstream.Manager
	hub     *hub.Hub
	store   *transcript.Store
	pub     *publisher.Publisher

	mu     sync.Mutex
	agg    *caption.Aggregator
	paused bool

	log *logrus.Entry
}

// NewRelayService wires the relay. The upstream manager is created here so
// its token and status callbacks land back on this service; nothing else
// touches the connection state directly.
func NewRelayService(upstreamURL, apiKey, model string, h *hub.Hub, store *transcript.Store, pub *publisher.Publisher, l *logrus.Logger) RelayService {
	s := &relayService{
		apiKey: apiKey,
		model:  model,
		hub:    h,
		store:  store,
		pub:    pub,
		agg:    caption.New(false),
		log:    l.WithField("component", "relay"),
	}
	s.manager = upstream.NewManager(upstreamURL, s.handleTokens, s.handleStatus, l)
	return s
}

// Start begins a new caption session. The transcript is cleared first so a
// new audience never sees captions from the prior session, then the upstream
// connection is (re)established with the requested language pair.
func (s *relayService) Start(sourceLang, targetLang string) error {
	const op = "RelayService.Start"

	sourceLang = strings.TrimSpace(sourceLang)
	targetLang = strings.TrimSpace(targetLang)
	if sourceLang == "" {
		sourceLang = "auto"
	}
	if targetLang == "" {
		targetLang = "none"
	}

	if err := s.store.Clear(); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to clear transcript", err)
	}

	s.mu.Lock()
	s.agg = caption.New(caption.TranslationWanted(sourceLang, targetLang))
	s.paused = false
	s.mu.Unlock()
	s.pub.ResetSequence()

	return s.manager.Start(upstream.SessionConfig{
		APIKey:         s.apiKey,
		Model:          s.model,
		SourceLanguage: sourceLang,
		TargetLanguage: targetLang,
	})
}

// Stop ends the session and tells the audience it is over.
func (s *relayService) Stop() {
	s.manager.Stop()
	s.hub.BroadcastStatus(models.NewStatus(models.PhaseEnded, "session ended"))
}

// Pause keeps the connection up but stops forwarding audio.
func (s *relayService) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.hub.BroadcastStatus(models.NewStatus(models.PhasePaused, "captions paused"))
}

func (s *relayService) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.hub.BroadcastStatus(models.NewStatus(models.PhaseReady, "captions resumed"))
}

func (s *relayService) Status() models.ServiceStatus {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		return models.NewStatus(models.PhasePaused, "")
	}
	return s.manager.Status()
}

func (s *relayService) SendAudio(frame []byte) {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		return
	}
	s.manager.SendAudio(frame)
}

// handleTokens runs on the upstream read loop: assemble captions, push them
// to the overlay and publisher sinks, persist finals. Audience sinks receive
// finals through the store's change feed, keeping them consistent with edits.
func (s *relayService) handleTokens(tokens []models.Token) {
	s.mu.Lock()
	agg := s.agg
	s.mu.Unlock()

	for _, ev := range agg.Process(tokens) {
		s.hub.PublishCaption(ev)
		if !ev.IsFinal {
			continue
		}
		if _, err := s.store.Append(ev.Text); err != nil {
			s.log.WithError(err).Error("failed to persist final caption")
		}
	}
}

// handleStatus forwards upstream state changes to the audience. A replaced
// connection also discards any half-built caption.
func (s *relayService) handleStatus(st models.ServiceStatus) {
	if st.Phase == models.PhaseConnecting || st.Phase == models.PhaseOffline {
		s.mu.Lock()
		s.agg.Reset()
		s.mu.Unlock()
	}
	s.hub.BroadcastStatus(st)
}
