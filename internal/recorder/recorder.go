// Package recorder is the Conversation Recorder: an append-only per-session
// journal of turns. Every record is one JSON file, written
// atomically (write-temp-then-rename) and serialized per record by a keyed
// mutex — no two concurrent writes to the same file can overlap, while
// different records write independently. An LRU front (internal/lru) keeps
// recently-active records in memory; disk stays the source of truth, so an
// evicted record is transparently rehydrated on the next access.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/sessionagent/lru"
)

// Role discriminates a turn's speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry in a record: either a user turn (raw text, user
// identity) or an assistant turn (raw text, lazily populated summary).
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	UserID    string    `json:"userId,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Record is the full per-session journal persisted to one JSON file.
type Record struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	ThreadTS  string    `json:"threadTs"`
	Owner     string    `json:"owner"`
	Title     string    `json:"title,omitempty"`
	Workflow  string    `json:"workflow,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Turns     []Turn    `json:"turns"`
}

// Summary is the listing projection of a record, sorted by UpdatedAt.
type Summary struct {
	ID        string
	Channel   string
	ThreadTS  string
	Owner     string
	Title     string
	Workflow  string
	UpdatedAt time.Time
	TurnCount int
}

// DefaultCacheSize is the LRU front's default capacity.
const DefaultCacheSize = 100

// Recorder owns the on-disk conversation journal and its in-memory cache.
type Recorder struct {
	dir    string
	logger zerolog.Logger

	mu    sync.Mutex // guards locks map only
	locks map[string]*sync.Mutex

	cache *lru.Cache[string, *Record]
}

// New creates a Recorder persisting under dir, with an LRU front of
// cacheSize records (DefaultCacheSize if <= 0).
func New(dir string, cacheSize int, logger zerolog.Logger) *Recorder {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	r := &Recorder{
		dir:    dir,
		logger: logger.With().Str("component", "recorder").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}
	r.cache = lru.New[string, *Record](cacheSize, lru.WithOnEvict(func(id string, _ *Record) {
		r.mu.Lock()
		delete(r.locks, id)
		r.mu.Unlock()
	}))
	return r
}

// CreateConversation starts a new record and persists it, returning its id.
func (r *Recorder) CreateConversation(channel, threadTS, owner, title, workflow string) (string, error) {
	now := time.Now()
	rec := &Record{
		ID:        uuid.NewString(),
		Channel:   channel,
		ThreadTS:  threadTS,
		Owner:     owner,
		Title:     title,
		Workflow:  workflow,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.cache.Put(rec.ID, rec)
	if err := r.persist(rec); err != nil {
		r.logger.Warn().Err(err).Str("id", rec.ID).Msg("failed to persist new conversation record")
	}
	return rec.ID, nil
}

// RecordUserTurn appends a user turn. Persistence failure is logged, not
// returned to the caller — recorder failure never blocks core turn
// processing.
func (r *Recorder) RecordUserTurn(id, userID, text string) {
	r.appendTurn(id, Turn{Role: RoleUser, Text: text, UserID: userID, CreatedAt: time.Now()})
}

// RecordAssistantTurn appends an assistant turn with raw content only,
// returning the turn's index so a later lazy summary can target it.
func (r *Recorder) RecordAssistantTurn(id, text string) int {
	return r.appendTurn(id, Turn{Role: RoleAssistant, Text: text, CreatedAt: time.Now()})
}

// UpdateAssistantSummary fills in the lazily computed title + short summary
// for a previously recorded assistant turn, once the cheap summarization
// call completes.
func (r *Recorder) UpdateAssistantSummary(id string, turnIndex int, title, summary string) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := r.getLocked(id)
	if err != nil {
		return err
	}
	if turnIndex < 0 || turnIndex >= len(rec.Turns) {
		return fmt.Errorf("recorder: turn index %d out of range for record %s", turnIndex, id)
	}
	rec.Turns[turnIndex].Summary = summary
	if title != "" {
		rec.Title = title
	}
	rec.UpdatedAt = time.Now()
	if err := r.writeAtomic(rec); err != nil {
		r.logger.Warn().Err(err).Str("id", id).Msg("failed to persist assistant summary")
		return err
	}
	return nil
}

// appendTurn is the shared serialized append path for both turn kinds.
func (r *Recorder) appendTurn(id string, t Turn) int {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := r.getLocked(id)
	if err != nil {
		r.logger.Warn().Err(err).Str("id", id).Msg("failed to load record for append")
		return -1
	}
	rec.Turns = append(rec.Turns, t)
	rec.UpdatedAt = time.Now()
	idx := len(rec.Turns) - 1
	if err := r.writeAtomic(rec); err != nil {
		r.logger.Warn().Err(err).Str("id", id).Msg("failed to persist conversation turn")
	}
	return idx
}

// Get returns a record by id, rehydrating from disk if it fell out of the
// LRU front. Disk is the source of truth.
func (r *Recorder) Get(id string) (*Record, error) {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return r.getLocked(id)
}

// getLocked must be called with the record's per-id lock held.
func (r *Recorder) getLocked(id string) (*Record, error) {
	if rec, ok := r.cache.Get(id); ok {
		return rec, nil
	}
	rec, err := r.readFromDisk(id)
	if err != nil {
		return nil, err
	}
	r.cache.Put(id, rec)
	return rec, nil
}

func (r *Recorder) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

func (r *Recorder) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}

func (r *Recorder) persist(rec *Record) error {
	lock := r.lockFor(rec.ID)
	lock.Lock()
	defer lock.Unlock()
	return r.writeAtomic(rec)
}

// writeAtomic writes rec to a temp file in the same directory, then renames
// it over the final path — a rename is atomic on the same filesystem, so a
// reader never observes a partially written record.
func (r *Recorder) writeAtomic(rec *Record) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("recorder: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("recorder: marshal: %w", err)
	}
	tmp := r.path(rec.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("recorder: write temp: %w", err)
	}
	if err := os.Rename(tmp, r.path(rec.ID)); err != nil {
		return fmt.Errorf("recorder: rename: %w", err)
	}
	return nil
}

func (r *Recorder) readFromDisk(id string) (*Record, error) {
	data, err := os.ReadFile(r.path(id))
	if err != nil {
		return nil, fmt.Errorf("recorder: read: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("recorder: corrupt record %s: %w", id, err)
	}
	return &rec, nil
}

// List returns every record's summary, sorted by UpdatedAt descending.
// Corrupt files are skipped with a logged warning rather than failing the
// whole listing.
func (r *Recorder) List() ([]Summary, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("recorder: list dir: %w", err)
	}

	var out []Summary
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".json")]
		rec, err := r.Get(id)
		if err != nil {
			r.logger.Warn().Err(err).Str("id", id).Msg("skipping corrupt conversation record")
			continue
		}
		out = append(out, Summary{
			ID:        rec.ID,
			Channel:   rec.Channel,
			ThreadTS:  rec.ThreadTS,
			Owner:     rec.Owner,
			Title:     rec.Title,
			Workflow:  rec.Workflow,
			UpdatedAt: rec.UpdatedAt,
			TurnCount: len(rec.Turns),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
