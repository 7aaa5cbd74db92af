package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/calyptra/agentfabric/internal/agentservice"
	"github.com/calyptra/agentfabric/internal/clientpool"
	"github.com/calyptra/agentfabric/internal/storage"
)

// fakeAgentService records prompts and serves a scripted history.
type fakeAgentService struct {
	fakeHistory
	mu      sync.Mutex
	prompts []string
}

func (f *fakeAgentService) SendPrompt(_ context.Context, agentID, text string) ([]agentservice.Message, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, agentID+": "+text)
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeAgentService) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func newTestCore(t *testing.T, agents agentCaller) (*Core, storage.Store) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	pool := clientpool.New("http://homeserver.invalid", store, nil, clientpool.Handlers{})
	core := New(store, pool, agents, Options{
		DedupTTL:           time.Hour,
		ConversationMaxAge: 5 * time.Minute,
		MonitorPoll:        time.Hour,
		MonitorMaxWait:     time.Hour,
		CleanupInterval:    time.Hour,
	})
	t.Cleanup(core.Stop)
	return core, store
}

func messageEvent(eventID, roomID, sender, body string) *event.Event {
	return &event.Event{
		ID:     id.EventID(eventID),
		RoomID: id.RoomID(roomID),
		Sender: id.UserID(sender),
		Type:   event.EventMessage,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    body,
		}},
	}
}

func TestIngressRoutesToMappedAgent(t *testing.T) {
	agents := &fakeAgentService{}
	core, store := newTestCore(t, agents)
	ctx := context.Background()

	err := store.PutAgentRoom(ctx, &storage.AgentRoom{
		AgentID: "agent-1",
		RoomID:  "!agentroom:fabric.test",
	})
	if err != nil {
		t.Fatalf("PutAgentRoom: %v", err)
	}

	status := core.HandleMatrixMessage(ctx, "letta_agent-1",
		messageEvent("$evt1", "!agentroom:fabric.test", "@owner:fabric.test", "deploy the thing"))
	if status != StatusMonitoring {
		t.Fatalf("status = %q, want monitoring", status)
	}

	conv, ok := core.Tracker.GetByAgent("agent-1")
	if !ok || conv.Status != StatusPending {
		t.Fatalf("conversation not tracked: %+v, %v", conv, ok)
	}
	if conv.OriginalQuery != "deploy the thing" {
		t.Errorf("original query = %q", conv.OriginalQuery)
	}

	// The prompt forward is asynchronous.
	deadline := time.After(time.Second)
	for agents.promptCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("prompt never forwarded to the agent service")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestIngressDropsDuplicates(t *testing.T) {
	agents := &fakeAgentService{}
	core, store := newTestCore(t, agents)
	ctx := context.Background()

	_ = store.PutAgentRoom(ctx, &storage.AgentRoom{AgentID: "agent-1", RoomID: "!r:x"})
	evt := messageEvent("$dup", "!r:x", "@owner:x", "hello")

	if status := core.HandleMatrixMessage(ctx, "letta_agent-1", evt); status != StatusMonitoring {
		t.Fatalf("first delivery status = %q", status)
	}
	if status := core.HandleMatrixMessage(ctx, "letta_agent-1", evt); status != StatusDuplicate {
		t.Fatalf("second delivery status = %q, want duplicate", status)
	}
}

func TestIngressSkipsFabricIdentitySenders(t *testing.T) {
	agents := &fakeAgentService{}
	core, store := newTestCore(t, agents)
	ctx := context.Background()

	_ = store.PutAgentRoom(ctx, &storage.AgentRoom{AgentID: "agent-1", RoomID: "!r:fabric.test"})
	err := store.PutIdentity(ctx, &storage.Identity{
		ID:   "letta_agent-1",
		MXID: "@agent_1:fabric.test",
		Kind: storage.KindLetta,
	})
	if err != nil {
		t.Fatalf("PutIdentity: %v", err)
	}

	// Another pooled identity in the room observes the agent posting its own
	// reply; it must be dropped, not routed back as a fresh prompt.
	status := core.HandleMatrixMessage(ctx, "custom_fabricbot",
		messageEvent("$reply", "!r:fabric.test", "@agent_1:fabric.test", "the answer is 42"))
	if status != StatusOwnIdentity {
		t.Fatalf("status = %q, want own_identity", status)
	}
	if _, tracked := core.Tracker.GetByAgent("agent-1"); tracked {
		t.Error("own reply started a conversation")
	}
	if agents.promptCount() != 0 {
		t.Error("own reply forwarded back to the agent service")
	}

	// A real user in the same room still routes.
	status = core.HandleMatrixMessage(ctx, "letta_agent-1",
		messageEvent("$ask", "!r:fabric.test", "@owner:fabric.test", "what is the answer?"))
	if status != StatusMonitoring {
		t.Fatalf("user message status = %q, want monitoring", status)
	}
}

func TestIngressDropsUnmappedRooms(t *testing.T) {
	agents := &fakeAgentService{}
	core, _ := newTestCore(t, agents)

	status := core.HandleMatrixMessage(context.Background(), "letta_agent-1",
		messageEvent("$evt", "!stranger:x", "@someone:x", "hi"))
	if status != StatusNoRoute {
		t.Fatalf("status = %q, want no_route", status)
	}
	if agents.promptCount() != 0 {
		t.Error("unroutable message still forwarded")
	}
}

func TestHandleAgentResponseWithoutRoomMapping(t *testing.T) {
	agents := &fakeAgentService{}
	core, _ := newTestCore(t, agents)

	_, err := core.HandleAgentResponse(context.Background(), "ghost-agent", "run-1",
		[]agentservice.Message{{MessageType: "assistant_message", Content: "hello"}})
	if err == nil {
		t.Fatal("expected an error for an agent with no room")
	}
}

func TestHandleToolSelectorRequiresConversation(t *testing.T) {
	agents := &fakeAgentService{}
	core, _ := newTestCore(t, agents)

	status, convID := core.HandleToolSelector("agent-1", "run-1", []string{"tool"})
	if status != StatusNoActiveConversation || convID != "" {
		t.Fatalf("status=%q convID=%q", status, convID)
	}

	core.Tracker.Start("$evt", "!r:x", "agent-1", "query")
	status, convID = core.HandleToolSelector("agent-1", "run-1", []string{"tool"})
	if status != StatusMonitoring || convID != "$evt" {
		t.Fatalf("status=%q convID=%q, want monitoring/$evt", status, convID)
	}
}
