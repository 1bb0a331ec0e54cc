// Package journal keeps a bounded in-memory record of dispatched commands
// for operators inspecting a running gateway.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/messaging"
	"github.com/google/uuid"
)

// Entry is one executed command.
type Entry struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	MessageID  string        `json:"messageId"`
	Command    string        `json:"command"`
	Connection string        `json:"connection,omitempty"`
	User       string        `json:"user,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Stats summarizes the journal.
type Stats struct {
	TotalEntries     int64            `json:"totalEntries"`
	EntriesByCommand map[string]int64 `json:"entriesByCommand"`
	ErrorsByCommand  map[string]int64 `json:"errorsByCommand"`
	ErrorCount       int64            `json:"errorCount"`
	AverageDuration  time.Duration    `json:"averageDuration"`
	LastEntry        time.Time        `json:"lastEntry"`
}

// Journal stores entries up to a maximum, dropping the oldest share of them
// when full.
type Journal struct {
	mu            sync.RWMutex
	entries       []*Entry
	byMessageID   map[string][]*Entry
	byCommand     map[string][]*Entry
	maxEntries    int
	rotatePercent float64
	now           func() time.Time
}

// Option configures the Journal.
type Option func(*Journal)

// WithMaxEntries sets the maximum number of entries
func WithMaxEntries(max int) Option {
	return func(j *Journal) {
		j.maxEntries = max
	}
}

// WithRotatePercent sets the share of entries removed when max is reached
func WithRotatePercent(percent float64) Option {
	return func(j *Journal) {
		j.rotatePercent = percent
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) {
		j.now = now
	}
}

// New creates a journal.
func New(opts ...Option) *Journal {
	j := &Journal{
		byMessageID:   make(map[string][]*Entry),
		byCommand:     make(map[string][]*Entry),
		maxEntries:    10000,
		rotatePercent: 0.2,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Record stores entry, filling in its id and timestamp when missing.
func (j *Journal) Record(entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("entry cannot be nil")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = j.now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.maxEntries > 0 && len(j.entries) >= j.maxEntries {
		j.rotate()
	}
	j.entries = append(j.entries, entry)
	if entry.MessageID != "" {
		j.byMessageID[entry.MessageID] = append(j.byMessageID[entry.MessageID], entry)
	}
	j.byCommand[entry.Command] = append(j.byCommand[entry.Command], entry)
	return nil
}

// ByMessageID returns the entries for one envelope id.
func (j *Journal) ByMessageID(messageID string) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return copyEntries(j.byMessageID[messageID], 0)
}

// ByCommand returns up to limit of the most recent entries for command.
func (j *Journal) ByCommand(command string, limit int) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return copyEntries(j.byCommand[command], limit)
}

// Recent returns up to limit of the most recent entries.
func (j *Journal) Recent(limit int) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return copyEntries(j.entries, limit)
}

// Stats returns journal statistics
func (j *Journal) Stats() Stats {
	j.mu.RLock()
	defer j.mu.RUnlock()

	stats := Stats{
		TotalEntries:     int64(len(j.entries)),
		EntriesByCommand: make(map[string]int64),
		ErrorsByCommand:  make(map[string]int64),
	}
	var total time.Duration
	for _, entry := range j.entries {
		stats.EntriesByCommand[entry.Command]++
		if entry.Error != "" {
			stats.ErrorCount++
			stats.ErrorsByCommand[entry.Command]++
		}
		total += entry.Duration
		if entry.Timestamp.After(stats.LastEntry) {
			stats.LastEntry = entry.Timestamp
		}
	}
	if len(j.entries) > 0 {
		stats.AverageDuration = total / time.Duration(len(j.entries))
	}
	return stats
}

// Clear removes entries older than olderThan and returns how many were
// removed.
func (j *Journal) Clear(olderThan time.Duration) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := j.now().Add(-olderThan)
	kept := make([]*Entry, 0, len(j.entries))
	for _, entry := range j.entries {
		if entry.Timestamp.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	removed := len(j.entries) - len(kept)
	j.entries = kept
	j.rebuildIndexes()
	return removed
}

func (j *Journal) rotate() {
	removeCount := int(float64(j.maxEntries) * j.rotatePercent)
	if removeCount < 1 {
		removeCount = 1
	}
	if removeCount > len(j.entries) {
		removeCount = len(j.entries)
	}
	j.entries = append([]*Entry(nil), j.entries[removeCount:]...)
	j.rebuildIndexes()
}

func (j *Journal) rebuildIndexes() {
	j.byMessageID = make(map[string][]*Entry)
	j.byCommand = make(map[string][]*Entry)
	for _, entry := range j.entries {
		if entry.MessageID != "" {
			j.byMessageID[entry.MessageID] = append(j.byMessageID[entry.MessageID], entry)
		}
		j.byCommand[entry.Command] = append(j.byCommand[entry.Command], entry)
	}
}

// copyEntries returns the last limit entries, newest first. A limit of 0
// returns all of them.
func copyEntries(entries []*Entry, limit int) []Entry {
	n := len(entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *entries[i])
	}
	return out
}

// Middleware records every command that passes through the dispatcher.
func Middleware(j *Journal) messaging.Middleware {
	return func(next messaging.HandlerFunc) messaging.HandlerFunc {
		return func(ctx context.Context, call *messaging.Call) contracts.Envelope {
			start := time.Now()
			reply := next(ctx, call)
			entry := &Entry{
				MessageID: call.Request.ID,
				Command:   call.Request.Command,
				Duration:  time.Since(start),
			}
			if call.Conn != nil {
				entry.Connection = call.Conn.ID()
			}
			if call.Identity != nil {
				entry.User = call.Identity.Username
			}
			if messaging.ReplyFailed(reply) {
				entry.Error = failure(reply)
			}
			_ = j.Record(entry)
			return reply
		}
	}
}

// failure extracts the error text of a failed reply.
func failure(reply contracts.Envelope) string {
	obj := reply.Object()
	for _, key := range []string{"error", "message"} {
		switch v := obj[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case nil:
		default:
			b, _ := json.Marshal(v)
			return string(b)
		}
	}
	return "failed"
}

// Handler serves the journal as JSON. Query parameters: id selects the
// entries of one envelope, command filters by command, limit caps the result
// and stats=true returns statistics instead of entries.
func Handler(j *Journal) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		limit := 100
		if s := q.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		var body any
		switch {
		case q.Get("stats") == "true":
			body = j.Stats()
		case q.Get("id") != "":
			body = j.ByMessageID(q.Get("id"))
		case q.Get("command") != "":
			body = j.ByCommand(q.Get("command"), limit)
		default:
			body = j.Recent(limit)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}
