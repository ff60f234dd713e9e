// Package transcript implements the durable, editable history of final
// captions: a flat tab-separated file mirrored by an in-memory index, with a
// change feed for live propagation of edits to connected viewers.
package transcript

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/captioncast/captioncast/internal/metrics"
	"github.com/captioncast/captioncast/internal/models"
	"github.com/captioncast/captioncast/internal/utils"
)

// watchBuffer bounds how many change events a slow watcher may lag behind
// before it is dropped. A dropped viewer reattaches with a fresh snapshot.
const watchBuffer = 256

// Store owns the transcript log. All mutations are serialized; the durable
// write always completes before memory is updated and before any change event
// is emitted, so the feed never references state not recoverable from disk.
type Store struct {
	mu       sync.Mutex
	path     string
	entries  []models.TranscriptEntry
	byID     map[int64]int
	lastID   int64
	watchers map[int64]chan models.ChangeEvent
	nextSub  int64

	log     *logrus.Entry
	metrics *metrics.Metrics
}

// Subscription is a live handle on the change feed. Cancel is idempotent.
type Subscription struct {
	C      <-chan models.ChangeEvent
	cancel func()
}

func (s Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Open loads (or creates) the transcript log at path.
func Open(path string, l *logrus.Logger) (*Store, error) {
	const op = "Store.Open"

	if path == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "transcript file path is required", nil)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, utils.E(utils.CodeInternal, op, "failed to create transcript directory", err)
		}
	}

	s := &Store{
		path:     path,
		byID:     make(map[int64]int),
		watchers: make(map[int64]chan models.ChangeEvent),
		log:      l.WithField("component", "transcript"),
		metrics:  metrics.DefaultMetrics,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.metrics.StoreEntries.Set(float64(len(s.entries)))
	return s, nil
}

func (s *Store) load() error {
	const op = "Store.load"

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return utils.E(utils.CodeInternal, op, "failed to open transcript log", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		entry, ok := parseLine(line)
		if !ok {
			s.log.WithField("line", line).Warn("skipping malformed transcript line")
			continue
		}
		s.byID[entry.ID] = len(s.entries)
		s.entries = append(s.entries, entry)
		if entry.ID > s.lastID {
			s.lastID = entry.ID
		}
	}
	if err := sc.Err(); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to read transcript log", err)
	}
	return nil
}

// Append persists one final caption and emits a created event.
func (s *Store) Append(text string) (models.TranscriptEntry, error) {
	const op = "Store.Append"

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := models.TranscriptEntry{ID: s.nextID(), Text: text}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return models.TranscriptEntry{}, utils.E(utils.CodeInternal, op, "failed to open transcript log", err)
	}
	_, werr := f.WriteString(formatLine(entry))
	cerr := f.Close()
	if werr != nil {
		return models.TranscriptEntry{}, utils.E(utils.CodeInternal, op, "failed to append transcript entry", werr)
	}
	if cerr != nil {
		return models.TranscriptEntry{}, utils.E(utils.CodeInternal, op, "failed to close transcript log", cerr)
	}

	s.byID[entry.ID] = len(s.entries)
	s.entries = append(s.entries, entry)
	s.lastID = entry.ID
	s.metrics.StoreMutations.WithLabelValues(string(models.ChangeCreated)).Inc()
	s.metrics.StoreEntries.Set(float64(len(s.entries)))
	s.emit(models.ChangeEvent{Kind: models.ChangeCreated, Entry: entry})
	return entry, nil
}

// Edit replaces the text of an existing entry and emits an edited event.
// The whole log is rewritten; edits are rare relative to appends and the log
// is bounded by a single session's length.
func (s *Store) Edit(id int64, text string) (models.TranscriptEntry, error) {
	const op = "Store.Edit"

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[id]
	if !ok {
		return models.TranscriptEntry{}, utils.E(utils.CodeNotFound, op, "transcript entry not found", nil)
	}

	updated := s.entries[i]
	updated.Text = text
	updated.Edited = true

	next := make([]models.TranscriptEntry, len(s.entries))
	copy(next, s.entries)
	next[i] = updated
	if err := s.rewrite(next); err != nil {
		return models.TranscriptEntry{}, utils.E(utils.CodeInternal, op, "failed to rewrite transcript log", err)
	}

	s.entries = next
	s.metrics.StoreMutations.WithLabelValues(string(models.ChangeEdited)).Inc()
	s.emit(models.ChangeEvent{Kind: models.ChangeEdited, Entry: updated})
	return updated, nil
}

// Delete removes an entry and emits a deleted event.
func (s *Store) Delete(id int64) error {
	const op = "Store.Delete"

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[id]
	if !ok {
		return utils.E(utils.CodeNotFound, op, "transcript entry not found", nil)
	}

	removed := s.entries[i]
	next := make([]models.TranscriptEntry, 0, len(s.entries)-1)
	next = append(next, s.entries[:i]...)
	next = append(next, s.entries[i+1:]...)
	if err := s.rewrite(next); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to rewrite transcript log", err)
	}

	s.entries = next
	delete(s.byID, id)
	for j := i; j < len(s.entries); j++ {
		s.byID[s.entries[j].ID] = j
	}
	s.metrics.StoreMutations.WithLabelValues(string(models.ChangeDeleted)).Inc()
	s.metrics.StoreEntries.Set(float64(len(s.entries)))
	s.emit(models.ChangeEvent{Kind: models.ChangeDeleted, Entry: removed})
	return nil
}

// Clear truncates the log and empties memory. Used when a session starts or
// ends so a new audience never sees stale captions.
func (s *Store) Clear() error {
	const op = "Store.Clear"

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.path, nil, 0o644); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to truncate transcript log", err)
	}

	s.entries = nil
	s.byID = make(map[int64]int)
	s.metrics.StoreMutations.WithLabelValues(string(models.ChangeCleared)).Inc()
	s.metrics.StoreEntries.Set(0)
	s.emit(models.ChangeEvent{Kind: models.ChangeCleared})
	return nil
}

// List returns all entries, or the last limit entries when limit > 0.
func (s *Store) List(limit int) []models.TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(limit)
}

// Watch subscribes to the change feed.
func (s *Store) Watch() Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchLocked()
}

// SnapshotAndWatch returns the current transcript and a feed subscription
// registered in the same critical section, so no mutation falls between the
// snapshot and the subscription or shows up in both.
func (s *Store) SnapshotAndWatch() ([]models.TranscriptEntry, Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(0), s.watchLocked()
}

func (s *Store) snapshotLocked(limit int) []models.TranscriptEntry {
	src := s.entries
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	out := make([]models.TranscriptEntry, len(src))
	copy(out, src)
	return out
}

func (s *Store) watchLocked() Subscription {
	id := s.nextSub
	s.nextSub++
	ch := make(chan models.ChangeEvent, watchBuffer)
	s.watchers[id] = ch

	return Subscription{
		C: ch,
		cancel: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.watchers[id]; ok {
				delete(s.watchers, id)
				close(c)
			}
		},
	}
}

// emit delivers a change event to every watcher. Called with mu held so feed
// order matches mutation order. A watcher whose buffer is full is dropped;
// it can reattach and replay from a fresh snapshot.
func (s *Store) emit(ev models.ChangeEvent) {
	for id, ch := range s.watchers {
		select {
		case ch <- ev:
		default:
			delete(s.watchers, id)
			close(ch)
			s.log.WithField("watcher", id).Warn("dropping slow transcript watcher")
			s.metrics.SinkDropped.WithLabelValues("transcript", "slow").Inc()
		}
	}
}

// rewrite replaces the log file contents with the given entries. The rename
// makes the swap atomic with respect to readers of the file itself.
func (s *Store) rewrite(entries []models.TranscriptEntry) error {
	tmp := s.path + ".tmp"
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(formatLine(e))
	}
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) nextID() int64 {
	id := time.Now().UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	return id
}

func formatLine(e models.TranscriptEntry) string {
	flag := ""
	if e.Edited {
		flag = "\t*"
	}
	return fmt.Sprintf("%d\t%s%s\n", e.ID, escape(e.Text), flag)
}

func parseLine(line string) (models.TranscriptEntry, bool) {
	parts := strings.SplitN(line, "\t", 3)
	if len(parts) < 2 {
		return models.TranscriptEntry{}, false
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return models.TranscriptEntry{}, false
	}
	return models.TranscriptEntry{
		ID:     id,
		Text:   unescape(parts[1]),
		Edited: len(parts) == 3 && parts[2] == "*",
	}, true
}

var escaper = strings.NewReplacer("\\", `\\`, "\t", `\t`, "\n", `\n`)

func escape(text string) string {
	return escaper.Replace(text)
}

func unescape(text string) string {
	var b strings.Builder
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '\\' || i == len(text)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch text[i] {
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte('\\')
			b.WriteByte(text[i])
		}
	}
	return b.String()
}
