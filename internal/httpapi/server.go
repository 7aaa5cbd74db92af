// Package httpapi exposes the fabric's webhook and conversation endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/calyptra/agentfabric/internal/agentservice"
	"github.com/calyptra/agentfabric/internal/conversation"
	"github.com/calyptra/agentfabric/internal/storage"
)

const serviceName = "agentfabric"

// signatureHeader carries the completion webhook's HMAC.
const signatureHeader = "X-Letta-Signature"

// SessionCounter reports how many proxy sessions are live; the session proxy
// implements it.
type SessionCounter interface {
	Len() int
}

// RoomProvisioner provisions an agent's identity and room on demand; the
// room orchestrator implements it.
type RoomProvisioner interface {
	ProvisionAgentRoom(ctx context.Context, agentID string) (*storage.AgentRoom, error)
}

// Options configures the HTTP surface.
type Options struct {
	WebhookSecret    string
	SkipVerification bool
	Sessions         SessionCounter
	Rooms            RoomProvisioner
}

// Server owns the echo instance and its handlers.
type Server struct {
	core *conversation.Core
	opts Options
	echo *echo.Echo
}

// New builds the server and registers every route.
func New(core *conversation.Core, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())

	s := &Server{core: core, opts: opts, echo: e}

	e.GET("/health", s.health)
	e.POST("/webhook/tool-selector", s.toolSelector)
	e.POST("/webhooks/letta/agent-response", s.agentResponse)
	e.POST("/conversations/start", s.startConversation)
	e.POST("/conversations/response", s.conversationResponse)
	e.GET("/conversations", s.listConversations)
	e.POST("/agents/:agent_id/room", s.provisionAgentRoom)
	e.POST("/subscriptions", s.createSubscription)
	e.DELETE("/subscriptions/:id", s.deleteSubscription)
	e.GET("/subscriptions/:id/events", s.drainSubscription)

	return s
}

// Router exposes the echo instance for tests.
func (s *Server) Router() *echo.Echo { return s.echo }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	slog.Info("webhook server listening", "addr", addr)
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// --- handlers ---

func (s *Server) health(c echo.Context) error {
	sessions := 0
	if s.opts.Sessions != nil {
		sessions = s.opts.Sessions.Len()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"sessions":  sessions,
	})
}

type toolSelectorRequest struct {
	Event         string   `json:"event"`
	AgentID       string   `json:"agent_id"`
	NewRunID      string   `json:"new_run_id,omitempty"`
	TriggerType   string   `json:"trigger_type"`
	ToolsAttached []string `json:"tools_attached"`
	Query         string   `json:"query,omitempty"`
	Timestamp     string   `json:"timestamp,omitempty"`
}

func (s *Server) toolSelector(c echo.Context) error {
	var req toolSelectorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if req.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id is required")
	}

	status, conversationID := s.core.HandleToolSelector(req.AgentID, req.NewRunID, req.ToolsAttached)
	slog.Info("tool-selector webhook",
		"agent", req.AgentID, "run", req.NewRunID, "tools", len(req.ToolsAttached), "status", status)

	return c.JSON(http.StatusOK, map[string]any{
		"status":          status,
		"tracking":        conversationID != "",
		"monitoring":      status == conversation.StatusMonitoring,
		"conversation_id": conversationID,
		"tools_attached":  req.ToolsAttached,
	})
}

type agentResponsePayload struct {
	EventType string `json:"event_type"`
	AgentID   string `json:"agent_id"`
	Data      struct {
		RunID    string                 `json:"run_id"`
		Messages []agentservice.Message `json:"messages"`
	} `json:"data"`
}

func (s *Server) agentResponse(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	// Explicit skip wins; otherwise a missing secret means the endpoint is
	// not configured and must not accept unauthenticated payloads.
	if !s.opts.SkipVerification {
		if s.opts.WebhookSecret == "" {
			return echo.NewHTTPError(http.StatusGone, "webhook endpoint disabled")
		}
		if err := verifySignature(c.Request().Header.Get(signatureHeader), body, s.opts.WebhookSecret); err != nil {
			slog.Warn("webhook signature rejected", "remote", c.RealIP())
			return echo.NewHTTPError(http.StatusUnauthorized, "signature mismatch")
		}
	}

	var payload agentResponsePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
	}
	if payload.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id is required")
	}
	if payload.EventType != "agent.run.completed" {
		slog.Debug("unsupported webhook event type", "event_type", payload.EventType)
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	status, err := s.core.HandleAgentResponse(c.Request().Context(), payload.AgentID, payload.Data.RunID, payload.Data.Messages)
	if err != nil {
		slog.Error("webhook delivery failed", "agent", payload.AgentID, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "delivery failed")
	}
	slog.Info("agent-response webhook", "agent", payload.AgentID, "run", payload.Data.RunID, "status", status)
	return c.JSON(http.StatusOK, map[string]string{"status": status})
}

type startConversationRequest struct {
	MatrixEventID string `json:"matrix_event_id"`
	MatrixRoomID  string `json:"matrix_room_id"`
	AgentID       string `json:"agent_id"`
	OriginalQuery string `json:"original_query,omitempty"`
}

func (s *Server) startConversation(c echo.Context) error {
	var req startConversationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if req.MatrixEventID == "" || req.MatrixRoomID == "" || req.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "matrix_event_id, matrix_room_id and agent_id are required")
	}

	st := s.core.StartConversation(req.MatrixEventID, req.MatrixRoomID, req.AgentID, req.OriginalQuery)
	return c.JSON(http.StatusOK, map[string]any{
		"conversation_id": st.EventID,
		"agent_id":        st.AgentID,
		"tracking":        true,
	})
}

type conversationResponseRequest struct {
	AgentID        string `json:"agent_id"`
	Response       string `json:"response"`
	OpencodeSender string `json:"opencode_sender,omitempty"`
}

func (s *Server) conversationResponse(c echo.Context) error {
	var req conversationResponseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if req.AgentID == "" || req.Response == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id and response are required")
	}

	status, err := s.core.CompleteWithResponse(c.Request().Context(), req.AgentID, req.Response)
	if err != nil {
		slog.Error("conversation response delivery failed",
			"agent", req.AgentID, "sender", req.OpencodeSender, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "delivery failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": status})
}

func (s *Server) listConversations(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"conversations": s.core.Conversations(),
	})
}

func (s *Server) provisionAgentRoom(c echo.Context) error {
	if s.opts.Rooms == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "agent provisioning is not configured")
	}
	agentID := c.Param("agent_id")

	room, err := s.opts.Rooms.ProvisionAgentRoom(c.Request().Context(), agentID)
	if errors.Is(err, agentservice.ErrAgentNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown agent")
	}
	if err != nil {
		slog.Error("agent room provisioning failed", "agent", agentID, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "provisioning failed")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"agent_id":       room.AgentID,
		"room_id":        room.RoomID,
		"matrix_user_id": room.AgentMXID,
	})
}

type subscribeRequest struct {
	IdentityID string   `json:"identity_id,omitempty"`
	Rooms      []string `json:"rooms,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

func (s *Server) createSubscription(c echo.Context) error {
	var req subscribeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	sub := s.core.Subs.Subscribe(req.IdentityID, req.Rooms, req.EventTypes)
	return c.JSON(http.StatusOK, sub)
}

func (s *Server) deleteSubscription(c echo.Context) error {
	s.core.Subs.Unsubscribe(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) drainSubscription(c echo.Context) error {
	sub, ok := s.core.Subs.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown subscription")
	}
	events := sub.Drain()
	if events == nil {
		events = []conversation.SubscribedEvent{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"events":       events,
		"total_events": sub.EventCount(),
	})
}
