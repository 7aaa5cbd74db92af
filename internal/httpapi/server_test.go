package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyptra/agentfabric/internal/agentservice"
	"github.com/calyptra/agentfabric/internal/clientpool"
	"github.com/calyptra/agentfabric/internal/conversation"
	"github.com/calyptra/agentfabric/internal/storage"
)

const testWebhookSecret = "whsec_test"

// fixedSessions satisfies SessionCounter with a constant.
type fixedSessions int

func (f fixedSessions) Len() int { return int(f) }

// newTestServer builds a Server over a real Core with inert dependencies:
// tempdir file storage, an empty client pool, and an agent-service client
// pointing nowhere (the tested paths never call it).
func newTestServer(t *testing.T, opts Options) (*Server, *conversation.Core) {
	t.Helper()

	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pool := clientpool.New("http://homeserver.invalid", store, nil, clientpool.Handlers{})
	agents := agentservice.New("http://agents.invalid", "")

	core := conversation.New(store, pool, agents, conversation.Options{
		DedupTTL:           time.Hour,
		ConversationMaxAge: 5 * time.Minute,
		MonitorPoll:        time.Hour, // never ticks inside a test
		MonitorMaxWait:     time.Hour,
		CleanupInterval:    time.Hour,
	})
	t.Cleanup(core.Stop)

	return New(core, opts), core
}

// doJSON performs one request against the echo router.
func doJSON(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, Options{Sessions: fixedSessions(3)})

	rec := doJSON(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "agentfabric", body["service"])
	assert.EqualValues(t, 3, body["sessions"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestAgentResponseSignatureEnforcement(t *testing.T) {
	s, _ := newTestServer(t, Options{WebhookSecret: testWebhookSecret})
	payload := `{"event_type":"agent.run.completed","agent_id":"agent-1","data":{"run_id":"run-1","messages":[]}}`

	t.Run("missing signature", func(t *testing.T) {
		rec := doJSON(s, http.MethodPost, "/webhooks/letta/agent-response", payload, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("tampered body", func(t *testing.T) {
		ts := fmt.Sprint(time.Now().Unix())
		sig := signBody(ts, []byte(payload), testWebhookSecret)
		rec := doJSON(s, http.MethodPost, "/webhooks/letta/agent-response",
			strings.Replace(payload, "agent-1", "agent-2", 1),
			map[string]string{signatureHeader: sig})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		ts := fmt.Sprint(time.Now().Unix())
		sig := signBody(ts, []byte(payload), "other-secret")
		rec := doJSON(s, http.MethodPost, "/webhooks/letta/agent-response", payload,
			map[string]string{signatureHeader: sig})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid signature", func(t *testing.T) {
		ts := fmt.Sprint(time.Now().Unix())
		sig := signBody(ts, []byte(payload), testWebhookSecret)
		rec := doJSON(s, http.MethodPost, "/webhooks/letta/agent-response", payload,
			map[string]string{signatureHeader: sig})
		require.Equal(t, http.StatusOK, rec.Code)
		// Empty message list: handled, but nothing postable in it.
		assert.Contains(t, rec.Body.String(), conversation.StatusNoAssistantContent)
	})
}

func TestAgentResponseEndpointDisabledWithoutSecret(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rec := doJSON(s, http.MethodPost, "/webhooks/letta/agent-response", `{}`, nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestAgentResponseSkipVerificationWins(t *testing.T) {
	// Explicit skip beats the missing secret.
	s, _ := newTestServer(t, Options{SkipVerification: true})
	payload := `{"event_type":"agent.run.completed","agent_id":"agent-1","data":{"messages":[]}}`
	rec := doJSON(s, http.MethodPost, "/webhooks/letta/agent-response", payload, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAgentResponseMalformedPayload(t *testing.T) {
	s, _ := newTestServer(t, Options{SkipVerification: true})

	rec := doJSON(s, http.MethodPost, "/webhooks/letta/agent-response", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(s, http.MethodPost, "/webhooks/letta/agent-response", `{"event_type":"agent.run.completed"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing agent_id")
}

func TestAgentResponseIgnoresOtherEventTypes(t *testing.T) {
	s, _ := newTestServer(t, Options{SkipVerification: true})
	payload := `{"event_type":"agent.run.started","agent_id":"agent-1"}`
	rec := doJSON(s, http.MethodPost, "/webhooks/letta/agent-response", payload, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ignored")
}

func TestAgentResponseRelayFiltered(t *testing.T) {
	s, _ := newTestServer(t, Options{SkipVerification: true})
	payload := `{
		"event_type": "agent.run.completed",
		"agent_id": "agent-1",
		"data": {"run_id": "run-1", "messages": [
			{"message_type": "assistant_message", "content": "[FORWARDED FROM #general] hi"}
		]}
	}`
	rec := doJSON(s, http.MethodPost, "/webhooks/letta/agent-response", payload, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), conversation.StatusInterAgentRelay)
}

func TestToolSelectorWithoutConversation(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	payload := `{"event":"run_triggered","agent_id":"agent-1","new_run_id":"run-9","trigger_type":"tool_attachment","tools_attached":["send_matrix_message"]}`
	rec := doJSON(s, http.MethodPost, "/webhook/tool-selector", payload, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, conversation.StatusNoActiveConversation, body["status"])
	assert.Equal(t, false, body["tracking"])
}

func TestConversationStartTrackAndMonitor(t *testing.T) {
	s, core := newTestServer(t, Options{})

	start := `{"matrix_event_id":"$evt1","matrix_room_id":"!room:fabric.test","agent_id":"agent-1","original_query":"deploy it"}`
	rec := doJSON(s, http.MethodPost, "/conversations/start", start, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var started map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Equal(t, "$evt1", started["conversation_id"])
	assert.Equal(t, true, started["tracking"])

	// The tool-selector now finds the tracked conversation and monitors it.
	selector := `{"event":"run_triggered","agent_id":"agent-1","new_run_id":"run-1","trigger_type":"tool_attachment","tools_attached":["send_matrix_message"]}`
	rec = doJSON(s, http.MethodPost, "/webhook/tool-selector", selector, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var sel map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sel))
	assert.Equal(t, conversation.StatusMonitoring, sel["status"])
	assert.Equal(t, "$evt1", sel["conversation_id"])

	// Diagnostic listing shows the active conversation with its run.
	rec = doJSON(s, http.MethodGet, "/conversations", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Conversations []conversation.State `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Conversations, 1)
	assert.Equal(t, conversation.StatusActive, listing.Conversations[0].Status)
	assert.Equal(t, []string{"send_matrix_message"}, listing.Conversations[0].ToolsAttached)

	core.Monitors.StopAll()
}

func TestConversationStartValidation(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rec := doJSON(s, http.MethodPost, "/conversations/start", `{"agent_id":"agent-1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscriptionLifecycle(t *testing.T) {
	s, core := newTestServer(t, Options{})

	rec := doJSON(s, http.MethodPost, "/subscriptions", `{"rooms":["!r:fabric.test"]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sub struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	require.NotEmpty(t, sub.ID)

	core.Subs.Publish(conversation.SubscribedEvent{
		IdentityID: "letta_agent-1", RoomID: "!r:fabric.test",
		EventType: "m.room.message", Sender: "@owner:fabric.test", Body: "hello",
	})
	core.Subs.Publish(conversation.SubscribedEvent{
		IdentityID: "letta_agent-1", RoomID: "!other:fabric.test",
		EventType: "m.room.message", Sender: "@owner:fabric.test", Body: "filtered out",
	})

	rec = doJSON(s, http.MethodGet, "/subscriptions/"+sub.ID+"/events", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var drained struct {
		Events      []conversation.SubscribedEvent `json:"events"`
		TotalEvents int                            `json:"total_events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &drained))
	require.Len(t, drained.Events, 1)
	assert.Equal(t, "hello", drained.Events[0].Body)
	assert.Equal(t, 1, drained.TotalEvents)

	// Draining empties the buffer but keeps the running total.
	rec = doJSON(s, http.MethodGet, "/subscriptions/"+sub.ID+"/events", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &drained))
	assert.Empty(t, drained.Events)
	assert.Equal(t, 1, drained.TotalEvents)

	rec = doJSON(s, http.MethodDelete, "/subscriptions/"+sub.ID, "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(s, http.MethodGet, "/subscriptions/"+sub.ID+"/events", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// fakeProvisioner satisfies RoomProvisioner with a canned mapping.
type fakeProvisioner struct {
	room *storage.AgentRoom
}

func (f *fakeProvisioner) ProvisionAgentRoom(_ context.Context, agentID string) (*storage.AgentRoom, error) {
	if f.room == nil || f.room.AgentID != agentID {
		return nil, fmt.Errorf("%w: %s", agentservice.ErrAgentNotFound, agentID)
	}
	return f.room, nil
}

func TestProvisionAgentRoomEndpoint(t *testing.T) {
	prov := &fakeProvisioner{room: &storage.AgentRoom{
		AgentID:   "agent-1",
		RoomID:    "!room:fabric.test",
		AgentMXID: "@agent_1:fabric.test",
	}}
	s, _ := newTestServer(t, Options{Rooms: prov})

	rec := doJSON(s, http.MethodPost, "/agents/agent-1/room", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "!room:fabric.test", body["room_id"])
	assert.Equal(t, "@agent_1:fabric.test", body["matrix_user_id"])

	rec = doJSON(s, http.MethodPost, "/agents/ghost/room", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProvisionAgentRoomUnconfigured(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rec := doJSON(s, http.MethodPost, "/agents/agent-1/room", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
