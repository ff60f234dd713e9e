// Package publisher reformats final captions to the downstream platform's
// strict text constraints and pushes them over HTTP with sequencing and one
// bounded retry. It is a fire-and-forget consumer: a failed publish never
// blocks or delays the caption pipeline.
package publisher

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/captioncast/captioncast/internal/metrics"
	"github.com/captioncast/captioncast/internal/models"
)

const postTimeout = 10 * time.Second

// timestampLayout is ISO-8601 with millisecond precision, UTC.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Publisher pushes final captions to the configured endpoint. With no target
// URL it is a disabled no-op.
type Publisher struct {
	targetURL string
	lang      string
	client    *http.Client
	seq       atomic.Int64

	log     *logrus.Entry
	metrics *metrics.Metrics
}

func New(targetURL, lang string, l *logrus.Logger) *Publisher {
	p := &Publisher{
		targetURL: strings.TrimSpace(targetURL),
		lang:      lang,
		client:    &http.Client{Timeout: postTimeout},
		log:       l.WithField("component", "publisher"),
		metrics:   metrics.DefaultMetrics,
	}
	if p.targetURL == "" {
		p.log.Info("no publish target configured, publisher disabled")
	}
	return p
}

func (p *Publisher) Enabled() bool { return p.targetURL != "" }

// ResetSequence restarts per-session numbering. Called when a new session
// starts.
func (p *Publisher) ResetSequence() { p.seq.Store(0) }

// Run consumes final captions until the channel closes.
func (p *Publisher) Run(captions <-chan models.CaptionEvent) {
	for ev := range captions {
		p.Publish(ev)
	}
}

// Publish formats and posts one final caption. Failures are logged and the
// caption dropped; live captions have no value once stale, so there is no
// retry queue. The one documented automatic retry is the conservative
// single-line form after a multi-line-rejection class response.
func (p *Publisher) Publish(ev models.CaptionEvent) {
	if !p.Enabled() {
		return
	}

	text := Format(ev.Text)
	if text == "" {
		return
	}

	body := ev.ProducedAt.UTC().Format(timestampLayout) + "\n" + text + "\n"
	status, respBody, err := p.post([]byte(body))
	if err != nil {
		p.metrics.PublishErrors.Inc()
		p.log.WithError(err).Warn("caption publish failed")
		return
	}
	if status == http.StatusOK {
		return
	}

	if isMultiLineRejection(respBody) {
		p.metrics.PublishRetries.Inc()
		p.log.WithField("status", status).Info("retrying publish with conservative single-line form")
		retry := Truncate(strings.Join(strings.Fields(ev.Text), " "), maxWireChars)
		rstatus, _, rerr := p.post([]byte(retry))
		if rerr != nil || rstatus != http.StatusOK {
			p.metrics.PublishErrors.Inc()
			p.log.WithField("status", rstatus).Warn("conservative publish retry failed, dropping caption")
		}
		return
	}

	p.metrics.PublishErrors.Inc()
	p.log.WithFields(logrus.Fields{"status": status, "body": string(respBody)}).Warn("caption publish rejected, dropping")
}

// post sends raw bytes tagged with the next sequence number and the target
// language as query parameters.
func (p *Publisher) post(body []byte) (int, []byte, error) {
	u, err := url.Parse(p.targetURL)
	if err != nil {
		return 0, nil, err
	}
	q := u.Query()
	q.Set("seq", strconv.FormatInt(p.seq.Add(1), 10))
	q.Set("lang", p.lang)
	u.RawQuery = q.Encode()

	start := time.Now()
	p.metrics.PublishTotal.Inc()

	req, err := http.NewRequest(http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	p.metrics.PublishLatency.Observe(time.Since(start).Seconds())

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, respBody, nil
}

// isMultiLineRejection classifies the one error the platform documents as
// retryable: it cannot parse payloads it considers multi-line.
func isMultiLineRejection(respBody []byte) bool {
	s := strings.ToLower(string(respBody))
	return strings.Contains(s, "multi-line") || strings.Contains(s, "multiline") || strings.Contains(s, "parse")
}
