// Package clientpool maintains one long-lived authenticated Matrix client per
// identity, each backed by an independent sync loop. There is no global event
// bus: every client dispatches its own events upward through the Handlers
// callbacks, so messages within one room arrive in sync order while nothing
// is guaranteed across rooms or clients.
package clientpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/calyptra/agentfabric/internal/identity"
	"github.com/calyptra/agentfabric/internal/storage"
)

// Handlers receives the four event classes a sync loop delivers upward.
// The identityID identifies which pooled client observed the event.
// Nil members are simply skipped.
type Handlers struct {
	OnMessage    func(ctx context.Context, identityID string, evt *event.Event)
	OnInvite     func(ctx context.Context, identityID string, evt *event.Event)
	OnMembership func(ctx context.Context, identityID string, evt *event.Event)
	OnState      func(ctx context.Context, identityID string, evt *event.Event)
}

// Pool owns all pooled clients.
type Pool struct {
	homeserverURL string
	store         storage.Store
	idm           *identity.Manager
	handlers      Handlers

	mu      sync.Mutex
	clients map[string]*Client
}

// New creates an empty pool.
func New(homeserverURL string, store storage.Store, idm *identity.Manager, handlers Handlers) *Pool {
	return &Pool{
		homeserverURL: homeserverURL,
		store:         store,
		idm:           idm,
		handlers:      handlers,
		clients:       make(map[string]*Client),
	}
}

// Client is one pooled Matrix client with its own sync loop.
type Client struct {
	identityID string
	mxid       id.UserID
	cli        *mautrix.Client
	pool       *Pool

	stopCh    chan struct{}
	stopOnce  sync.Once
	readyCh   chan struct{}
	readyOnce sync.Once
}

// Acquire returns the pooled client for the identity, opening it on first
// use: the profile is reconciled, auto-join is armed, and the sync loop is
// started. Subsequent calls return the same client.
func (p *Pool) Acquire(ctx context.Context, ident *storage.Identity) (*Client, error) {
	p.mu.Lock()
	if c, ok := p.clients[ident.ID]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.open(ctx, ident)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another goroutine may have raced us; prefer the one already stored.
	if existing, ok := p.clients[ident.ID]; ok {
		c.stop()
		return existing, nil
	}
	p.clients[ident.ID] = c
	return c, nil
}

// Get returns the pooled client for an identity id without opening one.
func (p *Pool) Get(identityID string) (*Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[identityID]
	return c, ok
}

// Clients returns a snapshot of all live clients.
func (p *Pool) Clients() []*Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		out = append(out, c)
	}
	return out
}

// Release stops and removes the client for an identity.
func (p *Pool) Release(identityID string) {
	p.mu.Lock()
	c, ok := p.clients[identityID]
	delete(p.clients, identityID)
	p.mu.Unlock()
	if ok {
		c.stop()
	}
}

// Restart rebuilds a client after a token refresh. The new client resumes
// from the persisted sync token.
func (p *Pool) Restart(ctx context.Context, identityID string) (*Client, error) {
	p.Release(identityID)
	ident, err := p.store.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx, ident)
}

// StopAll gracefully stops every client.
func (p *Pool) StopAll() {
	p.mu.Lock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	for _, c := range clients {
		c.stop()
	}
	slog.Info("client pool stopped", "count", len(clients))
}

// open builds the mautrix client, reconciles the profile, wires the syncer,
// and starts the sync loop.
func (p *Pool) open(ctx context.Context, ident *storage.Identity) (*Client, error) {
	cli, err := mautrix.NewClient(p.homeserverURL, id.UserID(ident.MXID), ident.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("clientpool: create client for %s: %w", ident.ID, err)
	}
	cli.Store = newSyncStore(p.store, ident.ID)

	c := &Client{
		identityID: ident.ID,
		mxid:       id.UserID(ident.MXID),
		cli:        cli,
		pool:       p,
		stopCh:     make(chan struct{}),
		readyCh:    make(chan struct{}),
	}

	// Reconcile the profile only when it drifted; a fresh account has no
	// display name yet.
	if ident.DisplayName != "" {
		if profile, err := cli.GetProfile(ctx, c.mxid); err != nil || profile.DisplayName != ident.DisplayName {
			if err := cli.SetDisplayName(ctx, ident.DisplayName); err != nil {
				slog.Warn("set display name failed", "identity", ident.ID, "err", err)
			}
		}
	}
	if ident.AvatarURL != "" {
		if err := cli.SetAvatarURL(ctx, id.ContentURIString(ident.AvatarURL).ParseOrIgnore()); err != nil {
			slog.Warn("set avatar failed", "identity", ident.ID, "err", err)
		}
	}

	syncer := cli.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.StateMember, c.handleMember)
	syncer.OnEvent(c.handleGenericState)
	syncer.OnSync(func(ctx context.Context, resp *mautrix.RespSync, since string) bool {
		c.readyOnce.Do(func() { close(c.readyCh) })
		return true
	})

	go c.syncLoop()
	slog.Info("matrix client started", "identity", ident.ID, "mxid", ident.MXID)
	return c, nil
}

// syncLoop keeps /sync running with uncapped exponential backoff. A token
// rejection triggers a re-login through the IdentityManager; the loop then
// resumes from the persisted sync position.
func (c *Client) syncLoop() {
	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		err := c.cli.Sync()
		select {
		case <-c.stopCh:
			return
		default:
		}
		if err == nil {
			// Clean StopSync.
			return
		}

		if errors.Is(err, mautrix.MUnknownToken) || errors.Is(err, mautrix.MMissingToken) {
			slog.Warn("access token rejected, refreshing", "identity", c.identityID)
			ident, refreshErr := c.pool.idm.RefreshToken(context.Background(), c.identityID)
			if refreshErr == nil {
				c.cli.AccessToken = ident.AccessToken
				backoff = backoffMin
				continue
			}
			slog.Error("token refresh failed", "identity", c.identityID, "err", refreshErr)
		}

		slog.Error("sync stopped, reconnecting", "identity", c.identityID, "err", err, "backoff", backoff)
		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func (c *Client) stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.cli.StopSync()
	})
}

// WaitReady blocks until the client's first successful sync batch.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IdentityID returns the owning identity id.
func (c *Client) IdentityID() string { return c.identityID }

// UserID returns the client's MXID.
func (c *Client) UserID() id.UserID { return c.mxid }

// Mautrix exposes the underlying client for room and state operations.
func (c *Client) Mautrix() *mautrix.Client { return c.cli }

// --- event dispatch ---

func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.mxid {
		return
	}
	if h := c.pool.handlers.OnMessage; h != nil {
		h(ctx, c.identityID, evt)
	}
}

func (c *Client) handleMember(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMember()
	if content == nil {
		return
	}

	// Auto-join: an invite whose state key names this client.
	if content.Membership == event.MembershipInvite && evt.GetStateKey() == c.mxid.String() {
		if _, err := c.cli.JoinRoomByID(ctx, evt.RoomID); err != nil && !errors.Is(err, mautrix.MForbidden) {
			slog.Warn("auto-join failed", "identity", c.identityID, "room", evt.RoomID, "err", err)
		}
		if h := c.pool.handlers.OnInvite; h != nil {
			h(ctx, c.identityID, evt)
		}
		return
	}

	if h := c.pool.handlers.OnMembership; h != nil {
		h(ctx, c.identityID, evt)
	}
}

// handleGenericState forwards state events not covered by the dedicated
// handlers (room name, topic, space child/parent, ...).
func (c *Client) handleGenericState(ctx context.Context, evt *event.Event) {
	if evt.Type == event.EventMessage || evt.Type == event.StateMember {
		return
	}
	if evt.StateKey == nil {
		return
	}
	if h := c.pool.handlers.OnState; h != nil {
		h(ctx, c.identityID, evt)
	}
}

// --- send helpers ---

// SendText sends a plain m.text message.
func (c *Client) SendText(ctx context.Context, roomID id.RoomID, body string) (id.EventID, error) {
	resp, err := c.cli.SendText(ctx, roomID, body)
	if err != nil {
		return "", fmt.Errorf("clientpool: send text: %w", err)
	}
	return resp.EventID, nil
}

// SendReply sends an m.text message threaded to the original event.
func (c *Client) SendReply(ctx context.Context, roomID id.RoomID, inReplyTo id.EventID, body string) (id.EventID, error) {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: inReplyTo},
		},
	}
	resp, err := c.cli.SendMessageEvent(ctx, roomID, event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("clientpool: send reply: %w", err)
	}
	return resp.EventID, nil
}

// SendNotice sends an m.notice, optionally with an HTML rendering.
// Notices are the quiet message type clients typically do not notify on.
func (c *Client) SendNotice(ctx context.Context, roomID id.RoomID, body, formattedBody string) (id.EventID, error) {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    body,
	}
	if formattedBody != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = formattedBody
	}
	resp, err := c.cli.SendMessageEvent(ctx, roomID, event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("clientpool: send notice: %w", err)
	}
	return resp.EventID, nil
}

// IsJoined reports whether this client is currently a member of the room.
func (c *Client) IsJoined(ctx context.Context, roomID id.RoomID) bool {
	resp, err := c.cli.JoinedRooms(ctx)
	if err != nil {
		return false
	}
	for _, r := range resp.JoinedRooms {
		if r == roomID {
			return true
		}
	}
	return false
}
