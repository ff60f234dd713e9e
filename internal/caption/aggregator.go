// Package caption assembles the upstream token stream into coherent partial
// and final caption strings, preferring translated text over the original.
package caption

import (
	"strings"
	"sync"
	"time"

	"github.com/captioncast/captioncast/internal/metrics"
	"github.com/captioncast/captioncast/internal/models"
)

// Aggregator turns token batches into caption events. At most one caption is
// open at a time; a batch whose tokens are all final closes it.
type Aggregator struct {
	mu sync.Mutex

	translationEnabled bool
	nextID             int64

	// openText accumulates final-token text for the caption currently being
	// assembled. openID is 0 while no caption is open.
	openID   int64
	openText string

	metrics *metrics.Metrics
}

// New returns an aggregator. Translation is enabled when the session requests
// a target language different from the source and not "none"; with it enabled,
// original-language text is never surfaced as a caption.
func New(translationEnabled bool) *Aggregator {
	return &Aggregator{translationEnabled: translationEnabled, metrics: metrics.DefaultMetrics}
}

// TranslationWanted reports whether a source/target language pair calls for
// translated captions.
func TranslationWanted(source, target string) bool {
	target = strings.TrimSpace(target)
	if target == "" || target == "none" {
		return false
	}
	return !strings.EqualFold(strings.TrimSpace(source), target)
}

// Process consumes one upstream token batch and returns zero or more caption
// events: at most one partial and at most one final.
func (a *Aggregator) Process(batch []models.Token) []models.CaptionEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	tokens := a.selectTokens(batch)
	if len(tokens) == 0 {
		// Translation lags the original stream: withhold rather than show
		// the wrong language to the audience.
		return nil
	}

	if a.openID == 0 {
		a.nextID++
		a.openID = a.nextID
	}

	var pendingFinal, pendingPartial strings.Builder
	allFinal := true
	for _, t := range tokens {
		if t.IsFinal {
			pendingFinal.WriteString(t.Text)
		} else {
			allFinal = false
			pendingPartial.WriteString(t.Text)
		}
	}
	a.openText += pendingFinal.String()

	now := time.Now().UTC()
	var out []models.CaptionEvent

	if allFinal {
		text := strings.TrimSpace(a.openText)
		id := a.openID
		a.openID = 0
		a.openText = ""
		if text != "" {
			a.metrics.CaptionsFinal.Inc()
			out = append(out, models.CaptionEvent{ID: id, Text: text, IsFinal: true, ProducedAt: now})
		}
		return out
	}

	text := strings.TrimSpace(a.openText + pendingPartial.String())
	if text != "" {
		a.metrics.CaptionsPartial.Inc()
		out = append(out, models.CaptionEvent{ID: a.openID, Text: text, IsFinal: false, ProducedAt: now})
	}
	return out
}

// Reset discards any open caption. Called when a session starts or the
// upstream connection is replaced, so a stale partial never leaks across.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.openID = 0
	a.openText = ""
}

// selectTokens picks the tokens that may become caption text. With
// translation disabled every token counts; with it enabled only the
// translated stream does.
func (a *Aggregator) selectTokens(batch []models.Token) []models.Token {
	if !a.translationEnabled {
		return batch
	}
	var out []models.Token
	for _, t := range batch {
		if t.Role == models.RoleTranslation {
			out = append(out, t)
		}
	}
	return out
}
