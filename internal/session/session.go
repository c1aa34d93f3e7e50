// Package session owns the Session Store: the map of sessions keyed by
// (channel, threadTs), and every well-defined mutation the rest of the
// system is allowed to perform on a session. Nothing outside this package
// writes a Session field directly.
package session

import (
	"fmt"
	"sync"
	"time"
)

// State is one of the three session lifecycle states.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateMain         State = "MAIN"
	StateSleeping     State = "SLEEPING"
)

// RenewState is the two-phase renew protocol's state.
type RenewState string

const (
	RenewNone        RenewState = ""
	RenewPendingSave RenewState = "pending_save"
	RenewPendingLoad RenewState = "pending_load"
)

// LinkType names the three resource slots a session may hold.
type LinkType string

const (
	LinkIssue LinkType = "issue"
	LinkPR    LinkType = "pr"
	LinkDoc   LinkType = "doc"
)

// Link is one attached resource.
type Link struct {
	URL             string
	Type            LinkType
	Provider        string
	Label           string
	Title           string
	Status          string
	StatusCheckedAt time.Time
}

// Usage is the session's token/cost snapshot, refreshed after each turn.
type Usage struct {
	CurrentInput       int
	CurrentOutput      int
	CurrentCacheRead   int
	CurrentCacheCreate int
	ContextWindow      int
	TotalInput         int
	TotalOutput        int
	TotalCostUSD       float64
	LastUpdated        time.Time
}

// TurnUsage is what the Stream Processor hands to ApplyUsage after a
// completed turn: the raw per-turn numbers, not the session's running totals.
type TurnUsage struct {
	CurrentInput       int
	CurrentOutput      int
	CurrentCacheRead   int
	CurrentCacheCreate int
	ContextWindow      int
	CostUSD            float64
}

// RemainingPercent computes (contextWindow - (currentInput+currentOutput)) /
// contextWindow * 100, clamped to [0,100].
func (u Usage) RemainingPercent() float64 {
	if u.ContextWindow <= 0 {
		return 100
	}
	used := u.CurrentInput + u.CurrentOutput
	pct := float64(u.ContextWindow-used) / float64(u.ContextWindow) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

// ActionPanelState is the transient per-session render state for the
// Session UI / Action Panel: its message coordinates and the render
// key of the last block payload posted, so re-renders can no-op.
type ActionPanelState struct {
	MessageTS string
	RenderKey string
}

// Session is the per-thread conversation state. Only the
// Store may mutate it; callers must go through Store methods.
type Session struct {
	Key string // "<channelId>:<threadTs>" or "<channelId>"

	Channel  string
	ThreadTS string

	Owner     string
	Initiator string // current-turn initiator, may differ from Owner

	Workflow string
	State    State

	Model          string
	WorkingDir     string
	LastActivity   time.Time
	SleepStartedAt time.Time

	Usage Usage

	RenewState       RenewState
	RenewUserMessage string
	RenewSaveResult  *RenewSaveResult

	Links map[LinkType]Link

	LLMSessionID   string // opaque session id from the LLM SDK side; empty until the first turn completes
	ConversationID string // Conversation Recorder record id

	ResourceSequence int // optimistic sequence for UPDATE_SESSION

	Panel ActionPanelState
}

// RenewSaveResult is the payload captured from a SAVE_CONTEXT_RESULT call
// or its text-fallback during the pending_save phase.
type RenewSaveResult struct {
	SaveID  string
	Dir     string
	Files   []string
	Summary string
}

// Store owns the in-memory map of sessions. All operations are guarded by a
// single mutex, keeping every mutation single-writer.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore creates an empty Session Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Key computes the canonical session key for a channel/threadTs pair.
func Key(channel, threadTS string) string {
	if threadTS == "" {
		return channel
	}
	return channel + ":" + threadTS
}

// Get returns the session for key, or nil if none exists.
func (s *Store) Get(key string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[key]
}

// GetOrCreate returns the existing session for (channel, threadTS), or
// creates a new one owned by owner.
func (s *Store) GetOrCreate(channel, threadTS, owner string) (*Session, bool) {
	key := Key(channel, threadTS)
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[key]; ok {
		return sess, false
	}

	sess := &Session{
		Key:          key,
		Channel:      channel,
		ThreadTS:     threadTS,
		Owner:        owner,
		Initiator:    owner,
		State:        StateInitializing,
		LastActivity: time.Now(),
		Links:        make(map[LinkType]Link),
	}
	s.sessions[key] = sess
	return sess, true
}

// Rehydrate seeds the store with a persisted thread binding at startup,
// without assigning an owner (unknown until the next message arrives) or
// advancing past INITIALIZING — it only marks the thread as previously
// active so the bot doesn't silently drop replies into a dead thread.
// llmSessionID carries the persisted LLM-side session id (empty if the
// thread never completed a turn), so a resumed thread keeps its scheduler
// eligibility and resume handle.
func (s *Store) Rehydrate(channel, threadTS, llmSessionID string, lastActivity time.Time) {
	key := Key(channel, threadTS)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[key]; ok {
		return
	}
	s.sessions[key] = &Session{
		Key:          key,
		Channel:      channel,
		ThreadTS:     threadTS,
		State:        StateInitializing,
		LastActivity: lastActivity,
		LLMSessionID: llmSessionID,
		Links:        make(map[LinkType]Link),
	}
}

// GetAll returns a snapshot slice of every session, for `sessions`/
// `all_sessions` commands and the scheduler sweep.
func (s *Store) GetAll() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// ResetContext clears the LLM-side session id, workflow, usage, and renew
// state, and transitions state back to INITIALIZING, preserving owner,
// working directory, and attached links. Returns whether a session existed.
func (s *Store) ResetContext(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return false
	}
	sess.LLMSessionID = ""
	sess.Workflow = ""
	sess.Usage = Usage{}
	sess.RenewState = RenewNone
	sess.RenewUserMessage = ""
	sess.RenewSaveResult = nil
	sess.State = StateInitializing
	return true
}

// Terminate removes a session entirely. The caller is responsible for
// cancelling any active request and dropping tracked reactions beforehand,
// since the Store does not itself know about the
// Request Coordinator or reaction state.
func (s *Store) Terminate(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[key]; !ok {
		return false
	}
	delete(s.sessions, key)
	return true
}

// SetLink upserts a link into its type's slot, so a session holds at most
// one link per type. The link is stored as given; provider and label are
// not derived or normalized here.
func (s *Store) SetLink(key string, link Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return fmt.Errorf("session not found: %s", key)
	}
	sess.Links[link.Type] = link
	return nil
}

// UpdateLinkStatus records a refreshed status on an attached link without
// replacing the link itself. No-op if the slot is empty.
func (s *Store) UpdateLinkStatus(key string, linkType LinkType, status string, checkedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return
	}
	link, ok := sess.Links[linkType]
	if !ok {
		return
	}
	link.Status = status
	link.StatusCheckedAt = checkedAt
	sess.Links[linkType] = link
}

// ErrRenewNotIdle is returned by BeginRenew when the session is already in
// a renew phase.
var ErrRenewNotIdle = fmt.Errorf("session: renew already in progress")

// ErrRenewWrongPhase is returned when a renew transition is attempted out
// of order (e.g. capturing a save result before BeginRenew, or completing
// before a save result was captured).
var ErrRenewWrongPhase = fmt.Errorf("session: renew state machine out of order")

// ErrNotFound is returned by renew operations when the session key has no
// entry in the store.
var ErrNotFound = fmt.Errorf("session: not found")

// BeginRenew starts the renew protocol: null -> pending_save. Clears
// any stale RenewSaveResult left over from an aborted previous attempt and
// stashes the optional post-renew continuation message.
func (s *Store) BeginRenew(key, renewUserMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return ErrNotFound
	}
	if sess.RenewState != RenewNone {
		return ErrRenewNotIdle
	}
	sess.RenewState = RenewPendingSave
	sess.RenewUserMessage = renewUserMessage
	sess.RenewSaveResult = nil
	return nil
}

// CaptureSaveResult advances pending_save -> pending_load once a
// SAVE_CONTEXT_RESULT payload (or its text fallback) has been captured.
func (s *Store) CaptureSaveResult(key string, result RenewSaveResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return ErrNotFound
	}
	if sess.RenewState != RenewPendingSave {
		return ErrRenewWrongPhase
	}
	sess.RenewSaveResult = &result
	sess.RenewState = RenewPendingLoad
	return nil
}

// AbortRenew resets the renew state machine to null without touching any
// other session field, used on a visible renew failure ("no
// partial reset").
func (s *Store) AbortRenew(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return ErrNotFound
	}
	sess.RenewState = RenewNone
	sess.RenewUserMessage = ""
	sess.RenewSaveResult = nil
	return nil
}

// Touch updates LastActivity to now.
func (s *Store) Touch(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.LastActivity = time.Now()
	}
}

// MarkSleeping transitions a session MAIN -> SLEEPING and records
// sleepStartedAt, per the scheduler's 24h-idle transition.
// Returns false if the session does not exist or is already sleeping.
func (s *Store) MarkSleeping(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok || sess.State == StateSleeping {
		return false
	}
	sess.State = StateSleeping
	sess.SleepStartedAt = time.Now()
	return true
}

// Wake transitions a sleeping session back to MAIN and refreshes
// LastActivity, used when a user message or "keep" click arrives for a
// session the scheduler had put to sleep.
func (s *Store) Wake(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return false
	}
	if sess.State == StateSleeping {
		sess.State = StateMain
	}
	sess.SleepStartedAt = time.Time{}
	sess.LastActivity = time.Now()
	return true
}

// SleepingBefore returns the keys of every session that has been SLEEPING
// since before cutoff, for the scheduler's delete-after-sleep sweep.
func (s *Store) SleepingBefore(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key, sess := range s.sessions {
		if sess.State == StateSleeping && !sess.SleepStartedAt.IsZero() && sess.SleepStartedAt.Before(cutoff) {
			keys = append(keys, key)
		}
	}
	return keys
}

// SetWorkflow records the dispatch classification for a session.
func (s *Store) SetWorkflow(key, workflow string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.Workflow = workflow
	}
}

// SetModel records the model the session's turns run with.
func (s *Store) SetModel(key, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.Model = model
	}
}

// SetWorkingDir records the session's fixed working directory.
func (s *Store) SetWorkingDir(key, dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok && sess.WorkingDir == "" {
		sess.WorkingDir = dir
	}
}

// SetInitiator records the current turn's initiating user. The owner is
// immutable; only the per-turn initiator moves.
func (s *Store) SetInitiator(key, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.Initiator = userID
		if sess.Owner == "" {
			sess.Owner = userID
		}
	}
}

// SetConversationID binds the session to its conversation-journal record.
func (s *Store) SetConversationID(key, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.ConversationID = id
	}
}

// MarkMain records a completed turn's LLM-side session id and advances
// INITIALIZING -> MAIN. A sleeping session is not touched here; Wake owns
// that transition.
func (s *Store) MarkMain(key, llmSessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return
	}
	if llmSessionID != "" {
		sess.LLMSessionID = llmSessionID
	}
	if sess.State == StateInitializing {
		sess.State = StateMain
	}
}

// PanelState returns the session's action-panel render state.
func (s *Store) PanelState(key string) (ActionPanelState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return ActionPanelState{}, false
	}
	return sess.Panel, true
}

// SetPanelState records the action panel's message coordinates and render
// key after a successful post or update.
func (s *Store) SetPanelState(key string, p ActionPanelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.Panel = p
	}
}

// ApplyUsage records a completed turn's usage snapshot, accumulating totals.
// totalInput/totalOutput/totalCost are exactly the sum across turns.
func (s *Store) ApplyUsage(key string, u TurnUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return
	}
	sess.Usage.CurrentInput = u.CurrentInput
	sess.Usage.CurrentOutput = u.CurrentOutput
	sess.Usage.CurrentCacheRead = u.CurrentCacheRead
	sess.Usage.CurrentCacheCreate = u.CurrentCacheCreate
	sess.Usage.ContextWindow = u.ContextWindow
	sess.Usage.TotalInput += u.CurrentInput
	sess.Usage.TotalOutput += u.CurrentOutput
	sess.Usage.TotalCostUSD += u.CostUSD
	sess.Usage.LastUpdated = time.Now()
}
