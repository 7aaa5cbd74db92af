package conversation

// monitor.go is the fallback response path: when the tool-selector webhook
// announces a new run, a monitor polls the agent's message history until a
// matching assistant message appears or the wait budget runs out.

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/calyptra/agentfabric/internal/agentservice"
)

// ErrMonitorBusy is returned when the concurrent-monitor soft cap is reached.
// The run is not lost; the next webhook or poll cycle picks it up.
var ErrMonitorBusy = errors.New("conversation: monitor capacity reached")

// agentHistory is the slice of the agent-service client the monitor needs.
type agentHistory interface {
	ListRecentMessages(ctx context.Context, agentID string, limit int) ([]agentservice.Message, error)
}

// Monitors runs and cancels per-conversation polling tasks. At most one
// monitor exists per conversation event id; starting a second one replaces
// the first.
type Monitors struct {
	agents        agentHistory
	pollInterval  time.Duration
	maxWait       time.Duration
	maxConcurrent int

	mu     sync.Mutex
	gen    uint64
	active map[string]*monitorHandle
	wg     sync.WaitGroup
}

type monitorHandle struct {
	gen    uint64
	cancel context.CancelFunc
}

// NewMonitors creates the registry. maxConcurrent <= 0 means unlimited.
func NewMonitors(agents agentHistory, pollInterval, maxWait time.Duration, maxConcurrent int) *Monitors {
	return &Monitors{
		agents:        agents,
		pollInterval:  pollInterval,
		maxWait:       maxWait,
		maxConcurrent: maxConcurrent,
		active:        make(map[string]*monitorHandle),
	}
}

// Start launches a monitor for the conversation's active run. deliver is
// called with the first matching assistant text and reports whether the
// response was actually posted; onTimeout runs when the wait budget expires
// without a delivery.
func (m *Monitors) Start(conv State, runID string,
	deliver func(ctx context.Context, conv State, text string) bool,
	onTimeout func(ctx context.Context, conv State)) error {

	m.mu.Lock()
	if m.maxConcurrent > 0 && len(m.active) >= m.maxConcurrent {
		if _, replacing := m.active[conv.EventID]; !replacing {
			m.mu.Unlock()
			return ErrMonitorBusy
		}
	}
	if prev, ok := m.active[conv.EventID]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.gen++
	handle := &monitorHandle{gen: m.gen, cancel: cancel}
	m.active[conv.EventID] = handle
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.remove(conv.EventID, handle)
		m.run(ctx, conv, runID, deliver, onTimeout)
	}()
	return nil
}

// Cancel stops the monitor for a conversation. Cancelling a conversation
// without a live monitor is a no-op.
func (m *Monitors) Cancel(eventID string) {
	m.mu.Lock()
	handle, ok := m.active[eventID]
	m.mu.Unlock()
	if ok {
		handle.cancel()
	}
}

// StopAll cancels every monitor and waits for the goroutines to exit.
func (m *Monitors) StopAll() {
	m.mu.Lock()
	for _, handle := range m.active {
		handle.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Count returns the number of live monitors.
func (m *Monitors) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// remove clears the registry entry unless a replacement monitor already owns
// the slot, then releases this monitor's context.
func (m *Monitors) remove(eventID string, handle *monitorHandle) {
	m.mu.Lock()
	if current, ok := m.active[eventID]; ok && current.gen == handle.gen {
		delete(m.active, eventID)
	}
	m.mu.Unlock()
	handle.cancel()
}

// run is the poll loop. The first poll happens one interval after start, so
// a cancellation before the first tick performs zero agent-service calls.
func (m *Monitors) run(ctx context.Context, conv State, runID string,
	deliver func(ctx context.Context, conv State, text string) bool,
	onTimeout func(ctx context.Context, conv State)) {

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(m.maxWait)
	defer deadline.Stop()

	slog.Info("response monitor started",
		"event", conv.EventID, "agent", conv.AgentID, "run", runID)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("response monitor cancelled", "event", conv.EventID)
			return

		case <-deadline.C:
			slog.Warn("response monitor timed out",
				"event", conv.EventID, "agent", conv.AgentID, "run", runID)
			onTimeout(ctx, conv)
			return

		case <-ticker.C:
			text, ok := m.poll(ctx, conv, runID)
			if !ok {
				continue
			}
			if deliver(ctx, conv, text) {
				return
			}
			// Delivery lost the completion race or the send failed
			// transiently; keep polling until cancel or deadline.
		}
	}
}

// poll fetches recent messages and returns the first acceptable assistant
// text: run id matches, timestamp strictly after the conversation start, and
// not relayed content. Network errors are logged and polling continues.
func (m *Monitors) poll(ctx context.Context, conv State, runID string) (string, bool) {
	messages, err := m.agents.ListRecentMessages(ctx, conv.AgentID, 20)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("monitor poll failed", "agent", conv.AgentID, "err", err)
		}
		return "", false
	}
	for _, msg := range messages {
		if msg.MessageType != "assistant_message" {
			continue
		}
		if msg.RunID != runID {
			continue
		}
		if !msg.Date.After(conv.CreatedAt) {
			continue
		}
		text := TextOf(msg.Content)
		if text == "" || IsRelay(text) {
			continue
		}
		return text, true
	}
	return "", false
}
