package conversation

import (
	"sync"
	"time"
)

// Status is a conversation's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusTimeout
}

// Run is one agent run attached to a conversation.
type Run struct {
	RunID       string    `json:"run_id"`
	TriggeredBy string    `json:"triggered_by"`
	Status      Status    `json:"status"`
	ParentRunID string    `json:"parent_run_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// State is one tracked conversation, keyed by the Matrix event id of the
// original user message. All fields are owned by the Tracker; callers get
// copies.
type State struct {
	EventID       string    `json:"event_id"`
	RoomID        string    `json:"room_id"`
	AgentID       string    `json:"agent_id"`
	Status        Status    `json:"status"`
	Runs          []Run     `json:"runs,omitempty"`
	ToolsAttached []string  `json:"tools_attached,omitempty"`
	OriginalQuery string    `json:"original_query,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// activeRunID returns the run currently marked active, or "".
func (s *State) activeRunID() string {
	for i := len(s.Runs) - 1; i >= 0; i-- {
		if s.Runs[i].Status == StatusActive {
			return s.Runs[i].RunID
		}
	}
	return ""
}

// Tracker holds all in-memory conversation state with three indexes:
// event id (primary), agent id (latest non-terminal only), and run id.
// A single mutex makes every status transition a compare-and-set.
type Tracker struct {
	maxAge time.Duration

	mu      sync.Mutex
	byEvent map[string]*State
	byAgent map[string]string // agentID -> eventID of the latest routable conversation
	byRun   map[string]string // runID -> eventID
}

// NewTracker creates a tracker whose conversations expire after maxAge.
func NewTracker(maxAge time.Duration) *Tracker {
	return &Tracker{
		maxAge:  maxAge,
		byEvent: make(map[string]*State),
		byAgent: make(map[string]string),
		byRun:   make(map[string]string),
	}
}

// Start creates a pending conversation and indexes it under the agent,
// evicting any earlier non-terminal conversation for the same agent. Starting
// an already-tracked event id is a no-op returning the existing state.
func (t *Tracker) Start(eventID, roomID, agentID, originalQuery string) State {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byEvent[eventID]; ok {
		return *existing
	}

	if prevEventID, ok := t.byAgent[agentID]; ok {
		if prev, live := t.byEvent[prevEventID]; live && !prev.Status.IsTerminal() {
			t.dropLocked(prev)
		}
	}

	st := &State{
		EventID:       eventID,
		RoomID:        roomID,
		AgentID:       agentID,
		Status:        StatusPending,
		OriginalQuery: originalQuery,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	t.byEvent[eventID] = st
	t.byAgent[agentID] = eventID
	return *st
}

// AddRun attaches a new run to the agent's tracked conversation, records the
// attached tools, marks any previously-active run completed, and moves a
// pending conversation to active. Terminal conversations reject the run.
func (t *Tracker) AddRun(agentID, runID, triggeredBy string, toolsAttached []string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	eventID, ok := t.byAgent[agentID]
	if !ok {
		return State{}, false
	}
	st, ok := t.byEvent[eventID]
	if !ok || st.Status.IsTerminal() {
		return State{}, false
	}

	var parent string
	for i := range st.Runs {
		if st.Runs[i].Status == StatusActive {
			st.Runs[i].Status = StatusCompleted
			parent = st.Runs[i].RunID
		}
	}
	st.Runs = append(st.Runs, Run{
		RunID:       runID,
		TriggeredBy: triggeredBy,
		Status:      StatusActive,
		ParentRunID: parent,
		StartedAt:   time.Now(),
	})
	if len(toolsAttached) > 0 {
		st.ToolsAttached = toolsAttached
	}
	if st.Status == StatusPending {
		st.Status = StatusActive
	}
	st.UpdatedAt = time.Now()
	if runID != "" {
		t.byRun[runID] = eventID
	}
	return *st, true
}

// Complete moves the conversation to completed iff it is not already
// terminal. The bool reports whether this call won the transition, which is
// what keeps the webhook branch and the monitor branch from both delivering.
func (t *Tracker) Complete(eventID string) (State, bool) {
	return t.transition(eventID, StatusCompleted)
}

// MarkTimeout moves the conversation to timeout iff it is not terminal.
func (t *Tracker) MarkTimeout(eventID string) (State, bool) {
	return t.transition(eventID, StatusTimeout)
}

func (t *Tracker) transition(eventID string, to Status) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.byEvent[eventID]
	if !ok || st.Status.IsTerminal() {
		return State{}, false
	}
	st.Status = to
	st.UpdatedAt = time.Now()
	for i := range st.Runs {
		if st.Runs[i].Status == StatusActive {
			st.Runs[i].Status = to
		}
	}
	return *st, true
}

// Get returns the conversation for an event id.
func (t *Tracker) Get(eventID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.byEvent[eventID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// GetByAgent returns the agent's latest routable conversation.
func (t *Tracker) GetByAgent(agentID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	eventID, ok := t.byAgent[agentID]
	if !ok {
		return State{}, false
	}
	st, ok := t.byEvent[eventID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// GetByRun returns the conversation owning a run id.
func (t *Tracker) GetByRun(runID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	eventID, ok := t.byRun[runID]
	if !ok {
		return State{}, false
	}
	st, ok := t.byEvent[eventID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// List returns a snapshot of every tracked conversation.
func (t *Tracker) List() []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]State, 0, len(t.byEvent))
	for _, st := range t.byEvent {
		out = append(out, *st)
	}
	return out
}

// Sweep enforces the max-age rule (pending/active conversations older than
// maxAge become timeout) and garbage-collects terminal conversations that
// have additionally outlived the age limit since their last update. It
// returns the event ids that were just timed out, so the caller can cancel
// any monitors still polling for them.
func (t *Tracker) Sweep() []string {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	var timedOut []string
	for eventID, st := range t.byEvent {
		switch {
		case !st.Status.IsTerminal() && now.Sub(st.CreatedAt) > t.maxAge:
			st.Status = StatusTimeout
			st.UpdatedAt = now
			timedOut = append(timedOut, eventID)
		case st.Status.IsTerminal() && now.Sub(st.UpdatedAt) > t.maxAge:
			t.dropLocked(st)
		}
	}
	return timedOut
}

// dropLocked removes a conversation and its index entries. Caller holds mu.
func (t *Tracker) dropLocked(st *State) {
	delete(t.byEvent, st.EventID)
	if t.byAgent[st.AgentID] == st.EventID {
		delete(t.byAgent, st.AgentID)
	}
	for _, run := range st.Runs {
		if t.byRun[run.RunID] == st.EventID {
			delete(t.byRun, run.RunID)
		}
	}
}
