package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/captioncast/captioncast/config"
	"github.com/captioncast/captioncast/internal/api/handlers"
	"github.com/captioncast/captioncast/internal/api/middleware"
	"github.com/captioncast/captioncast/internal/api/routes"
	"github.com/captioncast/captioncast/internal/events"
	"github.com/captioncast/captioncast/internal/hub"
	"github.com/captioncast/captioncast/internal/logger"
	"github.com/captioncast/captioncast/internal/publisher"
	"github.com/captioncast/captioncast/internal/services"
	"github.com/captioncast/captioncast/internal/transcript"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	l := logger.New(cfg.LogLevel)

	store, err := transcript.Open(cfg.TranscriptFile, l)
	if err != nil {
		log.Fatalf("transcript store init error: %v", err)
	}

	h := hub.New(store, l)
	pub := publisher.New(cfg.PublishURL, cfg.PublishLanguage, l)
	relay := services.NewRelayService(cfg.UpstreamURL, cfg.UpstreamAPIKey, cfg.UpstreamModel, h, store, pub, l)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// External publisher consumes final captions off the hub so a failed
	// publish never touches the caption pipeline.
	if pub.Enabled() {
		finalSub := h.SubscribeFinals()
		defer finalSub.Cancel()
		go pub.Run(finalSub.C)
	}

	// Optional Kafka export of final captions and transcript mutations.
	exporter := events.New(&events.Config{
		Brokers:         cfg.KafkaBrokers,
		CaptionTopic:    cfg.KafkaCaptionTopic,
		TranscriptTopic: cfg.KafkaTranscriptTopic,
	}, l)
	defer exporter.Close()
	kafkaFinals := h.SubscribeFinals()
	defer kafkaFinals.Cancel()
	go exporter.RunCaptions(ctx, kafkaFinals.C)
	kafkaChanges := store.Watch()
	defer kafkaChanges.Cancel()
	go exporter.RunTranscript(ctx, kafkaChanges.C)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.RequestLogger(l), gin.Recovery())

	routes.RegisterRoutes(r, routes.Deps{
		Session:    handlers.NewSessionHandler(relay, cfg.SourceLanguage, cfg.TargetLanguage),
		Transcript: handlers.NewTranscriptHandler(store),
		WS:         handlers.NewWSHandler(relay, h, l),
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		l.WithField("port", cfg.Port).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	l.Info("shutting down")
	relay.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
