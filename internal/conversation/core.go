// Package conversation is the message brain of the fabric: inbound event
// dedup, routing to the owning agent, cross-run conversation tracking, the
// completion webhook sink, and the polling fallback monitor.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/calyptra/agentfabric/internal/agentservice"
	"github.com/calyptra/agentfabric/internal/clientpool"
	"github.com/calyptra/agentfabric/internal/storage"
)

// Drop/handled statuses surfaced in HTTP responses and log records.
const (
	StatusDelivered              = "delivered"
	StatusAudited                = "audited"
	StatusDuplicate              = "duplicate"
	StatusOwnIdentity            = "own_identity"
	StatusNoRoute                = "no_route"
	StatusNoAssistantContent     = "no_assistant_content"
	StatusInterAgentRelay        = "inter_agent_relay"
	StatusNoCrossRunConversation = "no_crossrun_conversation"
	StatusNoActiveConversation   = "no_active_conversation"
	StatusMonitoring             = "monitoring"
	StatusBusy                   = "busy"
)

// auditTruncateAt caps audited response bodies.
const auditTruncateAt = 500

// agentRoomCacheTTL bounds how stale the agent-room lookup may be.
const agentRoomCacheTTL = 60 * time.Second

// stillProcessingReply is posted when a monitor exhausts its wait budget.
const stillProcessingReply = "⏳ Still processing your request; the agent is taking longer than expected."

// agentCaller is the slice of the agent-service client the core needs.
type agentCaller interface {
	agentHistory
	SendPrompt(ctx context.Context, agentID, text string) ([]agentservice.Message, error)
}

// Options carries the tunable knobs.
type Options struct {
	DedupTTL           time.Duration
	ConversationMaxAge time.Duration
	MonitorPoll        time.Duration
	MonitorMaxWait     time.Duration
	MonitorMaxActive   int
	CleanupInterval    time.Duration
	AuditNonMatrix     bool
}

// Core wires the tracker, dedup cache, monitors, and subscriptions to the
// client pool and the agent service.
type Core struct {
	store  storage.Store
	pool   *clientpool.Pool
	agents agentCaller
	opts   Options

	Tracker  *Tracker
	Dedup    *Dedup
	Monitors *Monitors
	Subs     *Subscriptions

	roomsMu    sync.Mutex
	agentRooms map[string]roomCacheEntry // agentID -> mapping
	roomAgents map[string]string         // roomID -> agentID
	roomsAsOf  time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type roomCacheEntry struct {
	room    *storage.AgentRoom
	expires time.Time
}

// New creates a Core. Call Start to launch the sweeper and Stop to shut the
// whole subsystem down.
func New(store storage.Store, pool *clientpool.Pool, agents agentCaller, opts Options) *Core {
	return &Core{
		store:      store,
		pool:       pool,
		agents:     agents,
		opts:       opts,
		Tracker:    NewTracker(opts.ConversationMaxAge),
		Dedup:      NewDedup(opts.DedupTTL),
		Monitors:   NewMonitors(agents, opts.MonitorPoll, opts.MonitorMaxWait, opts.MonitorMaxActive),
		Subs:       NewSubscriptions(),
		agentRooms: make(map[string]roomCacheEntry),
		roomAgents: make(map[string]string),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the periodic sweep of expired conversations and
// fingerprints.
func (c *Core) Start() {
	c.wg.Add(1)
	go c.sweepLoop()
}

// Stop cancels all monitors and stops the sweeper.
func (c *Core) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.Monitors.StopAll()
	c.wg.Wait()
}

func (c *Core) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			timedOut := c.Tracker.Sweep()
			for _, eventID := range timedOut {
				c.Monitors.Cancel(eventID)
				slog.Warn("conversation timed out", "event", eventID)
			}
			if dropped := c.Dedup.Sweep(); dropped > 0 {
				slog.Debug("dedup cache swept", "dropped", dropped)
			}
		}
	}
}

// --- ingress pipeline ---

// HandleMatrixMessage is the ClientPool message callback: dedup, route by
// room, start tracking, and forward the body to the agent service. The
// returned status is for logging and tests; callers ignore errors because
// every drop is terminal for the event.
func (c *Core) HandleMatrixMessage(ctx context.Context, identityID string, evt *event.Event) string {
	content := evt.Content.AsMessage()
	if content == nil || content.Body == "" {
		return StatusNoRoute
	}

	// A reply posted by one fabric identity is observed by every other pooled
	// client in the room; routing it would feed the agent its own answer.
	if c.isFabricSender(ctx, evt.Sender.String()) {
		slog.Debug("own identity message skipped", "sender", evt.Sender, "event", evt.ID)
		return StatusOwnIdentity
	}

	if !c.Dedup.Admit(Fingerprint(evt.ID.String())) {
		slog.Debug("duplicate event dropped", "event", evt.ID)
		return StatusDuplicate
	}

	c.Subs.Publish(SubscribedEvent{
		IdentityID: identityID,
		RoomID:     evt.RoomID.String(),
		EventType:  evt.Type.Type,
		Sender:     evt.Sender.String(),
		Body:       content.Body,
		ReceivedAt: time.Now(),
	})

	agentID, ok := c.agentForRoom(ctx, evt.RoomID.String())
	if !ok {
		slog.Debug("no agent mapped to room", "room", evt.RoomID, "event", evt.ID)
		return StatusNoRoute
	}

	conv := c.Tracker.Start(evt.ID.String(), evt.RoomID.String(), agentID, content.Body)
	slog.Info("conversation started",
		"event", conv.EventID, "agent", agentID, "room", conv.RoomID,
		"query", truncateForLog(content.Body))

	// The prompt can run for up to an hour; the reply comes back through the
	// webhook or the monitor, never through this call's return value.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.agents.SendPrompt(context.Background(), agentID, content.Body); err != nil {
			slog.Error("prompt forward failed", "agent", agentID, "event", conv.EventID, "err", err)
		}
	}()
	return StatusMonitoring
}

// isFabricSender reports whether the MXID belongs to a fabric-owned
// identity: a live pooled client or any provisioned account in storage.
func (c *Core) isFabricSender(ctx context.Context, mxid string) bool {
	for _, client := range c.pool.Clients() {
		if client.UserID().String() == mxid {
			return true
		}
	}
	if _, err := c.store.GetIdentityByMXID(ctx, mxid); err == nil {
		return true
	}
	return false
}

// --- webhook sink ---

// HandleAgentResponse processes one agent.run.completed payload that already
// passed signature verification. It returns a drop/handled status.
func (c *Core) HandleAgentResponse(ctx context.Context, agentID, runID string, messages []agentservice.Message) (string, error) {
	text := LongestAssistantText(messages)
	if text == "" {
		return StatusNoAssistantContent, nil
	}
	if IsRelay(text) {
		slog.Debug("relayed content dropped", "agent", agentID, "run", runID)
		return StatusInterAgentRelay, nil
	}

	room, err := c.agentRoom(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("conversation: room lookup for %s: %w", agentID, err)
	}

	conv, tracked := c.Tracker.GetByAgent(agentID)
	crossRun := tracked && !conv.Status.IsTerminal() && len(conv.ToolsAttached) > 0

	if crossRun {
		if delivered := c.deliverReply(ctx, conv, text); delivered {
			return StatusDelivered, nil
		}
		return "", errors.New("conversation: cross-run delivery failed")
	}

	if c.opts.AuditNonMatrix {
		source := "CLI/API"
		if tracked {
			source = "Direct"
		}
		if err := c.auditNotice(ctx, agentID, id.RoomID(room.RoomID), source, text); err != nil {
			return "", err
		}
		return StatusAudited, nil
	}
	return StatusNoCrossRunConversation, nil
}

// --- tool-selector fallback ---

// HandleToolSelector records a newly-triggered run with attached tools and
// spawns the polling monitor. It returns the status plus the conversation's
// event id when one is tracked.
func (c *Core) HandleToolSelector(agentID, newRunID string, toolsAttached []string) (string, string) {
	conv, ok := c.Tracker.AddRun(agentID, newRunID, "tool_attachment", toolsAttached)
	if !ok {
		return StatusNoActiveConversation, ""
	}

	err := c.Monitors.Start(conv, newRunID,
		func(ctx context.Context, conv State, text string) bool {
			return c.deliverReply(ctx, conv, text)
		},
		func(ctx context.Context, conv State) {
			c.timeoutReply(ctx, conv)
		})
	if errors.Is(err, ErrMonitorBusy) {
		slog.Warn("monitor capacity reached", "agent", agentID, "run", newRunID)
		return StatusBusy, conv.EventID
	}
	return StatusMonitoring, conv.EventID
}

// --- HTTP conversation endpoints ---

// StartConversation tracks a conversation announced out-of-band (the
// /conversations/start endpoint).
func (c *Core) StartConversation(eventID, roomID, agentID, originalQuery string) State {
	return c.Tracker.Start(eventID, roomID, agentID, originalQuery)
}

// CompleteWithResponse completes the agent's newest active conversation with
// externally supplied text (the /conversations/response endpoint).
func (c *Core) CompleteWithResponse(ctx context.Context, agentID, response string) (string, error) {
	conv, ok := c.Tracker.GetByAgent(agentID)
	if !ok || conv.Status.IsTerminal() {
		return StatusNoActiveConversation, nil
	}
	if c.deliverReply(ctx, conv, response) {
		return StatusDelivered, nil
	}
	return "", errors.New("conversation: response delivery failed")
}

// Conversations returns a snapshot for the diagnostic listing.
func (c *Core) Conversations() []State { return c.Tracker.List() }

// --- delivery ---

// deliverReply posts text as a reply to the conversation's original event,
// completes the conversation, and cancels any live monitor. It returns false
// when the conversation is already terminal or the send failed; a failed
// send leaves the conversation active so the monitor keeps trying.
func (c *Core) deliverReply(ctx context.Context, conv State, text string) bool {
	if current, ok := c.Tracker.Get(conv.EventID); !ok || current.Status.IsTerminal() {
		return false
	}

	client, err := c.senderFor(ctx, conv.AgentID, id.RoomID(conv.RoomID))
	if err != nil {
		slog.Error("no sender for reply", "agent", conv.AgentID, "room", conv.RoomID, "err", err)
		return false
	}

	if _, err := client.SendReply(ctx, id.RoomID(conv.RoomID), id.EventID(conv.EventID), text); err != nil {
		slog.Error("reply send failed", "agent", conv.AgentID, "event", conv.EventID, "err", err)
		return false
	}

	if _, won := c.Tracker.Complete(conv.EventID); !won {
		slog.Warn("conversation completed concurrently", "event", conv.EventID)
	}
	c.Monitors.Cancel(conv.EventID)
	slog.Info("response delivered", "agent", conv.AgentID, "event", conv.EventID)
	return true
}

// timeoutReply posts the stock threaded notice and marks the conversation
// timed out.
func (c *Core) timeoutReply(ctx context.Context, conv State) {
	if _, won := c.Tracker.MarkTimeout(conv.EventID); !won {
		return
	}
	client, err := c.senderFor(ctx, conv.AgentID, id.RoomID(conv.RoomID))
	if err != nil {
		slog.Error("no sender for timeout notice", "agent", conv.AgentID, "err", err)
		return
	}
	if _, err := client.SendReply(ctx, id.RoomID(conv.RoomID), id.EventID(conv.EventID), stillProcessingReply); err != nil {
		slog.Error("timeout notice failed", "agent", conv.AgentID, "event", conv.EventID, "err", err)
	}
}

// auditNotice posts a quiet m.notice for responses that have no tracked
// Matrix conversation, tagged with their origin and truncated.
func (c *Core) auditNotice(ctx context.Context, agentID string, roomID id.RoomID, source, text string) error {
	client, err := c.senderFor(ctx, agentID, roomID)
	if err != nil {
		return err
	}
	if len(text) > auditTruncateAt {
		text = text[:auditTruncateAt] + "…"
	}
	body := fmt.Sprintf("🖥️ **[%s]** %s", source, text)
	formatted := fmt.Sprintf("<p>🖥️ <strong>[%s]</strong> %s</p>",
		html.EscapeString(source), html.EscapeString(text))
	if _, err := client.SendNotice(ctx, roomID, body, formatted); err != nil {
		return fmt.Errorf("conversation: audit notice: %w", err)
	}
	return nil
}

// senderFor picks the client that posts into the agent's room: the agent's
// own letta identity first, then any pooled client already in the room.
func (c *Core) senderFor(ctx context.Context, agentID string, roomID id.RoomID) (*clientpool.Client, error) {
	preferred := string(storage.KindLetta) + "_" + agentID
	if client, ok := c.pool.Get(preferred); ok {
		return client, nil
	}
	for _, client := range c.pool.Clients() {
		if client.IsJoined(ctx, roomID) {
			return client, nil
		}
	}
	return nil, fmt.Errorf("conversation: no pooled client is a member of %s", roomID)
}

// --- agent-room cache ---

// agentRoom resolves the agent's room mapping through a 60 s cache.
func (c *Core) agentRoom(ctx context.Context, agentID string) (*storage.AgentRoom, error) {
	c.roomsMu.Lock()
	if entry, ok := c.agentRooms[agentID]; ok && time.Now().Before(entry.expires) {
		c.roomsMu.Unlock()
		return entry.room, nil
	}
	c.roomsMu.Unlock()

	room, err := c.store.GetAgentRoom(ctx, agentID)
	if err != nil {
		return nil, err
	}

	c.roomsMu.Lock()
	c.agentRooms[agentID] = roomCacheEntry{room: room, expires: time.Now().Add(agentRoomCacheTTL)}
	c.roomAgents[room.RoomID] = agentID
	c.roomsMu.Unlock()
	return room, nil
}

// agentForRoom resolves a room id back to its agent, refreshing the reverse
// index from storage when it is stale.
func (c *Core) agentForRoom(ctx context.Context, roomID string) (string, bool) {
	c.roomsMu.Lock()
	fresh := time.Since(c.roomsAsOf) < agentRoomCacheTTL
	agentID, ok := c.roomAgents[roomID]
	c.roomsMu.Unlock()
	if ok {
		return agentID, true
	}
	if fresh {
		return "", false
	}

	mappings, err := c.store.ListAgentRooms(ctx)
	if err != nil {
		slog.Warn("agent-room listing failed", "err", err)
		return "", false
	}

	c.roomsMu.Lock()
	for _, m := range mappings {
		c.roomAgents[m.RoomID] = m.AgentID
	}
	c.roomsAsOf = time.Now()
	agentID, ok = c.roomAgents[roomID]
	c.roomsMu.Unlock()
	return agentID, ok
}

// truncateForLog trims bodies in log output.
func truncateForLog(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max]) + "…"
}
