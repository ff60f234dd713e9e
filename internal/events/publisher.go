// Package events exports final captions and transcript mutations to Kafka
// for downstream consumers outside this process. With no brokers configured
// it runs in log-only mode.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/captioncast/captioncast/internal/metrics"
	"github.com/captioncast/captioncast/internal/models"
)

// Config holds Kafka export configuration.
type Config struct {
	Brokers         []string
	CaptionTopic    string
	TranscriptTopic string
}

// Publisher writes caption and transcript-change events to separate topics.
type Publisher struct {
	writerCaptions   *kafka.Writer
	writerTranscript *kafka.Writer
	captionTopic     string
	transcriptTopic  string
	enabled          bool

	log     *logrus.Entry
	metrics *metrics.Metrics
}

// New creates the Kafka export publisher. A nil config or empty broker list
// yields a disabled, log-only publisher.
func New(cfg *Config, l *logrus.Logger) *Publisher {
	p := &Publisher{
		log:     l.WithField("component", "events"),
		metrics: metrics.DefaultMetrics,
	}

	if cfg == nil || len(cfg.Brokers) == 0 {
		p.log.Info("kafka export disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	transport := &kafka.Transport{Dial: dialer.DialFunc}

	p.captionTopic = cfg.CaptionTopic
	p.transcriptTopic = cfg.TranscriptTopic
	p.writerCaptions = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.CaptionTopic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
	p.writerTranscript = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.TranscriptTopic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
	p.enabled = true

	p.log.WithFields(logrus.Fields{
		"brokers":         cfg.Brokers,
		"captionTopic":    cfg.CaptionTopic,
		"transcriptTopic": cfg.TranscriptTopic,
	}).Info("kafka export initialized")
	return p
}

// RunCaptions consumes final captions until the channel closes.
func (p *Publisher) RunCaptions(ctx context.Context, captions <-chan models.CaptionEvent) {
	for ev := range captions {
		p.publish(ctx, p.writerCaptions, p.captionTopic, strconv.FormatInt(ev.ID, 10), ev)
	}
}

// RunTranscript consumes transcript change events until the channel closes.
func (p *Publisher) RunTranscript(ctx context.Context, changes <-chan models.ChangeEvent) {
	for ev := range changes {
		p.publish(ctx, p.writerTranscript, p.transcriptTopic, string(ev.Kind), ev)
	}
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, key string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.WithError(err).WithField("topic", topic).Error("failed to marshal event")
		return
	}

	if !p.enabled || writer == nil {
		p.log.WithFields(logrus.Fields{"key": key, "payload": string(payload)}).Debug("kafka disabled, event logged only")
		return
	}

	msg := kafka.Message{Key: []byte(key), Value: payload}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{"topic": topic, "key": key}).Error("failed to write to kafka")
		p.metrics.KafkaPublishErrors.WithLabelValues(topic).Inc()
		return
	}
	p.metrics.KafkaPublishTotal.WithLabelValues(topic).Inc()
}

// Close closes both writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerCaptions != nil {
		if e := p.writerCaptions.Close(); e != nil {
			p.log.WithError(e).Error("error closing caption writer")
			err = e
		}
	}
	if p.writerTranscript != nil {
		if e := p.writerTranscript.Close(); e != nil {
			p.log.WithError(e).Error("error closing transcript writer")
			err = e
		}
	}
	return err
}
