// Package app assembles and runs the fabric: storage, identity manager,
// client pool, room orchestrator, conversation core, and the HTTP servers.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/calyptra/agentfabric/internal/agentservice"
	"github.com/calyptra/agentfabric/internal/clientpool"
	"github.com/calyptra/agentfabric/internal/config"
	"github.com/calyptra/agentfabric/internal/conversation"
	"github.com/calyptra/agentfabric/internal/httpapi"
	"github.com/calyptra/agentfabric/internal/identity"
	"github.com/calyptra/agentfabric/internal/rooms"
	"github.com/calyptra/agentfabric/internal/sessionproxy"
	"github.com/calyptra/agentfabric/internal/storage"
)

// shutdownTimeout bounds the graceful stop of the HTTP servers.
const shutdownTimeout = 10 * time.Second

// App is the composed fabric.
type App struct {
	cfg *config.Config

	store    storage.Store
	idm      *identity.Manager
	pool     *clientpool.Pool
	rooms    *rooms.Orchestrator
	agents   *agentservice.Client
	core     *conversation.Core
	sessions *sessionproxy.Sessions
	api      *httpapi.Server
	proxy    *sessionproxy.Proxy
}

// New builds every component in dependency order. Nothing is started yet.
func New(cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = store

	a.idm, err = identity.New(identity.Config{
		HomeserverURL:     cfg.HomeserverURL,
		ServerName:        cfg.ServerName,
		AdminUsername:     cfg.AdminUsername,
		AdminPassword:     cfg.AdminPassword,
		RegistrationToken: cfg.RegistrationToken,
		PasswordSecret:    cfg.PasswordSecret,
		AdminRoomAlias:    cfg.AdminRoomAlias,
	}, store)
	if err != nil {
		return nil, err
	}

	a.agents = agentservice.New(cfg.AgentServiceURL, cfg.AgentServiceToken)

	// The pool's message callback feeds the conversation core; the core is
	// created right after, so the handler closes over the field.
	a.pool = clientpool.New(cfg.HomeserverURL, store, a.idm, clientpool.Handlers{
		OnMessage: func(ctx context.Context, identityID string, evt *event.Event) {
			a.core.HandleMatrixMessage(ctx, identityID, evt)
		},
	})

	// The orchestrator only gets a directory when an agent service is
	// actually configured; otherwise reconciliation is off.
	var dir rooms.AgentDirectory
	if cfg.AgentServiceURL != "" {
		dir = a.agents
	}
	a.rooms = rooms.New(rooms.Config{
		ServerName: cfg.ServerName,
		SpaceName:  cfg.SpaceName,
		OwnerMXID:  cfg.OwnerMXID,
		BridgeMXID: cfg.BridgeMXID,
		AdminMXID:  cfg.AdminMXID,
	}, store, a.idm, a.pool, dir)

	a.core = conversation.New(store, a.pool, a.agents, conversation.Options{
		DedupTTL:           cfg.DedupTTL(),
		ConversationMaxAge: cfg.ConversationMaxAge(),
		MonitorPoll:        cfg.MonitorPollInterval(),
		MonitorMaxWait:     cfg.MonitorMaxWait(),
		MonitorMaxActive:   cfg.MonitorMaxConcurrent,
		CleanupInterval:    cfg.CleanupInterval(),
		AuditNonMatrix:     cfg.AuditNonMatrix,
	})

	a.sessions = sessionproxy.NewSessions()
	apiOpts := httpapi.Options{
		WebhookSecret:    cfg.WebhookSecret,
		SkipVerification: cfg.WebhookSkipVerification,
		Sessions:         a.sessions,
	}
	if dir != nil {
		apiOpts.Rooms = a.rooms
	}
	a.api = httpapi.New(a.core, apiOpts)

	if cfg.ProxyListenAddr != "" {
		a.proxy, err = sessionproxy.New(cfg.ProxyUpstreamURL, a.sessions)
		if err != nil {
			return nil, fmt.Errorf("app: session proxy: %w", err)
		}
	}

	return a, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.StorageMode {
	case config.StorageFile:
		return storage.NewFileStore(cfg.StorageDir)
	case config.StorageSQLite:
		return storage.NewSQLiteStore(filepath.Join(cfg.StorageDir, "fabric.db"))
	case config.StorageAPI:
		return storage.NewAPIStore(cfg.StorageAPIURL, cfg.StorageInternalKey)
	default:
		return nil, fmt.Errorf("app: unknown storage_mode %q", cfg.StorageMode)
	}
}

// Run starts everything, optionally provisions the bridge bot identity,
// registers our webhook with the agent service, and blocks until a signal.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.core.Start()

	// Reconnect every stored identity so existing agent rooms come back
	// online without waiting for traffic.
	identities, err := a.store.ListIdentities(ctx)
	if err != nil {
		return fmt.Errorf("app: list identities: %w", err)
	}
	for _, ident := range identities {
		if ident.Deactivated {
			continue
		}
		if _, err := a.pool.Acquire(ctx, ident); err != nil {
			slog.Warn("could not reopen client", "identity", ident.ID, "err", err)
		}
	}
	slog.Info("client pool restored", "identities", len(identities))

	// The bridge bot owns the space and is a standing invitee in every agent
	// room; it is a custom identity derived from bridge_mxid.
	if a.cfg.BridgeMXID != "" {
		if bot, err := a.acquireBot(ctx); err != nil {
			slog.Warn("bridge bot unavailable; space ops fall back to agent clients", "err", err)
		} else {
			a.rooms.SetBotClient(bot)
		}
	}

	if _, err := a.rooms.EnsureSpace(ctx); err != nil {
		slog.Warn("space not available at startup", "err", err)
	}

	if a.cfg.OurWebhookURL != "" && a.cfg.AgentServiceURL != "" {
		if _, err := a.agents.EnsureWebhook(ctx, a.cfg.OurWebhookURL); err != nil {
			slog.Warn("webhook registration with agent service failed", "err", err)
		}
	}

	// Provision a room for every known agent now, then keep reconciling so
	// agents created later get theirs without a restart.
	if a.cfg.AgentServiceURL != "" {
		if err := a.rooms.SyncAgentRooms(ctx); err != nil {
			slog.Warn("agent room reconciliation failed", "err", err)
		}
		if interval := a.cfg.AgentSyncInterval(); interval > 0 {
			go a.syncAgentRoomsLoop(ctx, interval)
		}
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- a.api.Start(fmt.Sprintf(":%d", a.cfg.WebhookPort))
	}()
	if a.proxy != nil {
		go func() {
			errCh <- a.proxy.Start(a.cfg.ProxyListenAddr)
		}()
	}

	slog.Info("agent fabric is running", "webhook_port", a.cfg.WebhookPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: server failed: %w", err)
		}
		return nil
	}
}

// syncAgentRoomsLoop re-runs the agent-room reconciliation until ctx ends.
func (a *App) syncAgentRoomsLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.rooms.SyncAgentRooms(ctx); err != nil {
				slog.Warn("agent room reconciliation failed", "err", err)
			}
		}
	}
}

// acquireBot provisions (or recovers) the bridge bot account and opens its
// pooled client.
func (a *App) acquireBot(ctx context.Context) (*clientpool.Client, error) {
	localpart := storage.LocalpartOf(a.cfg.BridgeMXID)
	ident, err := a.idm.GetOrCreate(ctx, storage.KindCustom, localpart, "Agent Fabric")
	if err != nil {
		return nil, err
	}
	return a.pool.Acquire(ctx, ident)
}

// Stop tears the fabric down in reverse order: HTTP servers, monitors and
// sweeper, sync loops, storage.
func (a *App) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.proxy != nil {
		if err := a.proxy.Shutdown(ctx); err != nil {
			slog.Warn("proxy shutdown", "err", err)
		}
	}
	if err := a.api.Shutdown(ctx); err != nil {
		slog.Warn("api shutdown", "err", err)
	}
	a.core.Stop()
	a.pool.StopAll()
	if err := a.store.Close(); err != nil {
		slog.Warn("storage close", "err", err)
	}
	slog.Info("agent fabric stopped")
}
