package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/auth"
	"github.com/gildhall-chat/gildhall-server/internal/bus"
	"github.com/gildhall-chat/gildhall-server/internal/config"
	"github.com/gildhall-chat/gildhall-server/internal/permission"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// SessionChecker validates that a session is still active. Satisfied by
// auth.SessionRepository; any external validator can be substituted.
type SessionChecker interface {
	IsActive(ctx context.Context, id uuid.UUID, userID snowflake.ID) (bool, error)
}

// GuildLister resolves a user's guilds for auto-subscription. Satisfied by
// guild.Repository.
type GuildLister interface {
	ListForUser(ctx context.Context, userID snowflake.ID) ([]snowflake.ID, error)
}

// EventSource is the bus surface the hub consumes: the live event streams
// and the bounded historical replay. Satisfied by *bus.Bus.
type EventSource interface {
	Consume(ctx context.Context, group string, topics []string, handler bus.Handler) error
	Replay(ctx context.Context, req bus.ReplayRequest) ([]*bus.Envelope, error)
}

// Authorizer answers channel permission checks for SUBSCRIBE. Satisfied by
// *permission.Resolver.
type Authorizer interface {
	Has(ctx context.Context, userID, channelID snowflake.ID, perm permission.Permission) (bool, error)
}

// Hub is the connection registry and event distributor. It consumes every
// event topic, resolves subscribers, and fans out DISPATCH frames through
// each connection's writer.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client                    // keyed by session id
	byUser  map[snowflake.ID]map[*Client]struct{} // all connections of a user

	cfg      *config.Config
	subs     *SubscriptionStore
	sessions SessionChecker
	guilds   GuildLister
	source   EventSource
	resolver Authorizer
	log      zerolog.Logger
}

// NewHub creates a gateway hub.
func NewHub(cfg *config.Config, subs *SubscriptionStore, sessions SessionChecker, guilds GuildLister, source EventSource, resolver Authorizer, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		byUser:   make(map[snowflake.ID]map[*Client]struct{}),
		cfg:      cfg,
		subs:     subs,
		sessions: sessions,
		guilds:   guilds,
		source:   source,
		resolver: resolver,
		log:      logger.With().Str("component", "gateway").Logger(),
	}
}

// Run consumes every event topic and dispatches to connected clients until
// the context is cancelled. The consumer group is per instance (keyed by the
// worker id) because every gateway instance must observe every event.
func (h *Hub) Run(ctx context.Context) error {
	group := fmt.Sprintf("gateway-w%d", h.cfg.SnowflakeWorkerID)
	return h.source.Consume(ctx, group, bus.Topics, h.handleEvent)
}

// ServeWebSocket starts serving an upgraded connection: HELLO first, then
// the read and write pumps.
func (h *Hub) ServeWebSocket(conn *websocket.Conn) {
	client := newClient(h, conn, h.log)

	hello, err := NewHelloFrame(h.cfg.GatewayHeartbeatIntervalMS)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build HELLO frame")
		_ = conn.Close()
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		h.log.Debug().Err(err).Msg("Failed to send HELLO frame")
		_ = conn.Close()
		return
	}

	go client.writePump()
	client.readPump()
}

// handleIdentify authenticates a connection. RESUME is the same path with a
// session id echo and a replay anchor; a RESUME session id that contradicts
// the token is refused.
func (h *Hub) handleIdentify(c *Client, token, resumeSessionID, lastEventID string) {
	claims, err := auth.ValidateAccessToken(token, h.cfg.JWTSecret, h.cfg.ServerURL)
	if err != nil {
		h.log.Debug().Err(err).Msg("Identify token validation failed")
		c.closeWithCode(CloseAuthFailed, "invalid token")
		return
	}
	userID, sessionID, err := claims.ParseIdentity()
	if err != nil {
		c.closeWithCode(CloseAuthFailed, "invalid token identity")
		return
	}
	if resumeSessionID != "" && resumeSessionID != sessionID.String() {
		c.closeWithCode(CloseAuthFailed, "session id does not match token")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	active, err := h.sessions.IsActive(ctx, sessionID, userID)
	if err != nil {
		h.log.Error().Err(err).Stringer("session_id", sessionID).Msg("Session check failed")
		c.closeWithCode(CloseAuthFailed, "session check failed")
		return
	}
	if !active {
		c.closeWithCode(CloseAuthFailed, "session not active")
		return
	}

	guildIDs, err := h.guilds.ListForUser(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Stringer("user_id", userID).Msg("Failed to list member guilds")
		c.closeWithCode(CloseAuthFailed, "failed to resolve guilds")
		return
	}

	sid := sessionID.String()

	// Previous channel subscriptions survive a disconnect within the
	// subscription TTL; restoring them here bounds the replay to the scopes
	// the session actually held.
	previousScopes, err := h.subs.Scopes(ctx, sid)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to load previous subscriptions")
	}

	c.mu.Lock()
	c.userID = userID
	c.sessionID = sid
	c.identified = true
	for _, gid := range guildIDs {
		c.scopes[GuildScope(gid)] = struct{}{}
	}
	if lastEventID != "" {
		for _, scope := range previousScopes {
			c.scopes[scope] = struct{}{}
		}
	}
	c.mu.Unlock()

	for _, scope := range c.scopeList() {
		if err := h.subs.Add(ctx, scope, sid); err != nil {
			h.log.Warn().Err(err).Str("scope", scope).Msg("Failed to store subscription")
		}
	}

	// READY is the first dispatch; its sequence is assigned by the writer
	// like any other.
	ready := ReadyData{
		SessionID:   sid,
		UserID:      userID.String(),
		GuildIDs:    make([]string, len(guildIDs)),
		LastEventID: lastEventID,
	}
	for i, gid := range guildIDs {
		ready.GuildIDs[i] = gid.String()
	}
	readyPayload, err := json.Marshal(ready)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal READY payload")
		c.closeWithCode(CloseInvalidPayload, "internal error")
		return
	}
	c.enqueueDispatch("READY", uuid.New(), readyPayload)

	// Replay before registration so missed events precede live ones.
	if lastEventID != "" {
		if !h.replay(ctx, c, lastEventID) {
			return
		}
	}

	if err := h.register(c); err != nil {
		h.log.Warn().Err(err).Msg("Failed to register client")
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server full"),
			time.Now().Add(writeWait))
		_ = c.conn.Close()
		return
	}

	h.log.Info().Stringer("user_id", userID).Str("session_id", sid).
		Int("guilds", len(guildIDs)).Bool("resumed", lastEventID != "").
		Msg("Client identified")
}

// replay fetches missed events from the bus within the bounded window and
// queues them in per-subject order. Returns false only when last_event_id is
// not a valid event id and the connection was closed; a replay that cannot be
// bounded queues RESYNC_REQUIRED and returns true, leaving the connection open.
func (h *Hub) replay(ctx context.Context, c *Client, lastEventID string) bool {
	anchor, err := uuid.Parse(lastEventID)
	if err != nil {
		c.closeWithCode(CloseInvalidPayload, "invalid last_event_id")
		return false
	}

	var prefixes []string
	for _, scope := range c.scopeList() {
		prefixes = append(prefixes, scopeSubjects(scope)...)
	}

	envs, err := h.source.Replay(ctx, bus.ReplayRequest{
		SubjectPrefixes: prefixes,
		AfterID:         anchor,
		Window:          h.cfg.GatewayReplayWindow,
		MaxEvents:       h.cfg.GatewayReplayMaxEvents,
	})
	if err != nil {
		h.log.Debug().Err(err).Str("session_id", c.SessionID()).Msg("Replay window exceeded")
		if frame, fErr := NewResyncRequiredFrame("replay_window_exceeded"); fErr == nil {
			c.enqueueControl(frame)
		}
		return true
	}

	for _, env := range envs {
		wireType, ok := WireEventType(env.Type)
		if !ok {
			continue
		}
		c.enqueueDispatch(wireType, env.ID, env.Data)
	}
	return true
}

// scopeSubjects expands a subscription scope into the bus subject filters it
// covers. Guild scopes span the four guild-keyed topics; channel scopes
// cover the message topic.
func scopeSubjects(scope string) []string {
	if id, ok := strings.CutPrefix(scope, "guild:"); ok {
		return []string{
			bus.TopicGuild + ".*." + id,
			bus.TopicChannel + ".*." + id,
			bus.TopicMember + ".*." + id,
			bus.TopicRole + ".*." + id,
		}
	}
	if id, ok := strings.CutPrefix(scope, "channel:"); ok {
		return []string{bus.TopicMessage + ".*." + id}
	}
	return nil
}

// register adds an identified client to the registry. A second connection
// for the same session displaces the first.
func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= h.cfg.GatewayMaxConnections {
		return ErrMaxConnections
	}

	sid := c.SessionID()
	userID := c.UserID()

	if existing, ok := h.clients[sid]; ok {
		h.log.Debug().Str("session_id", sid).Msg("Displacing existing connection")
		if frame, err := NewInvalidSessionFrame(false); err == nil {
			existing.enqueueControl(frame)
		}
		existing.closeSend()
		h.removeLocked(existing)
	}

	h.clients[sid] = c
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[*Client]struct{})
	}
	h.byUser[userID][c] = struct{}{}

	h.log.Debug().Str("session_id", sid).Int("total", len(h.clients)).Msg("Client registered")
	return nil
}

// unregister removes a client and detaches its shared subscriptions, keeping
// the session's scope index alive for a future resume.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	sid := c.SessionID()
	current, ok := h.clients[sid]
	if !ok || current != c {
		h.mu.Unlock()
		c.closeSend()
		return
	}
	h.removeLocked(c)
	h.mu.Unlock()

	c.closeSend()

	if c.IsIdentified() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.subs.Detach(ctx, sid); err != nil {
			h.log.Warn().Err(err).Str("session_id", sid).Msg("Failed to detach subscriptions")
		}
	}

	h.log.Debug().Str("session_id", sid).Msg("Client unregistered")
}

// removeLocked deletes a client from both registries. Caller holds mu.
func (h *Hub) removeLocked(c *Client) {
	delete(h.clients, c.SessionID())
	userID := c.UserID()
	if conns, ok := h.byUser[userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.byUser, userID)
		}
	}
}

// handleSubscribe processes SUBSCRIBE/UNSUBSCRIBE for a channel scope. A
// subscribe requires VIEW_CHANNEL at subscription time; dispatch never
// re-checks permissions (subscription membership is the delivery
// authorization).
func (h *Hub) handleSubscribe(c *Client, channelID snowflake.ID, add bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	scope := ChannelScope(channelID)
	sid := c.SessionID()

	if !add {
		c.removeScope(scope)
		if err := h.subs.Remove(ctx, scope, sid); err != nil {
			h.log.Warn().Err(err).Str("scope", scope).Msg("Failed to remove subscription")
		}
		return
	}

	allowed, err := h.resolver.Has(ctx, c.UserID(), channelID, permission.ViewChannel)
	if err != nil || !allowed {
		h.log.Debug().Err(err).Stringer("channel_id", channelID).Stringer("user_id", c.UserID()).
			Msg("Subscribe refused")
		return
	}

	c.addScope(scope)
	if err := h.subs.Add(ctx, scope, sid); err != nil {
		h.log.Warn().Err(err).Str("scope", scope).Msg("Failed to store subscription")
	}
}

// eventScopeFields are the payload fields dispatch routing keys on.
type eventScopeFields struct {
	GuildID   snowflake.ID `json:"guild_id"`
	ChannelID snowflake.ID `json:"channel_id"`
	UserID    snowflake.ID `json:"user_id"`
	SessionID *uuid.UUID   `json:"session_id"`
}

// handleEvent routes one bus envelope: session events close connections,
// membership events adjust guild subscriptions, and everything else fans out
// to the event's scope. Dispatch is idempotent on the client (frames carry
// the event id), so redelivered envelopes are forwarded as-is.
func (h *Hub) handleEvent(ctx context.Context, env *bus.Envelope) error {
	var f eventScopeFields
	if err := json.Unmarshal(env.Data, &f); err != nil {
		h.log.Warn().Err(err).Str("type", env.Type).Msg("Undecodable event data")
		return nil
	}

	switch env.Type {
	case bus.EventSessionRevoked:
		if f.SessionID != nil {
			h.closeSession(f.SessionID.String())
		}
		return nil
	case bus.EventSessionsRevokedAll:
		h.closeUserSessions(f.UserID)
		return nil
	case bus.EventMemberJoined:
		h.adjustGuildSubscription(ctx, f.GuildID, f.UserID, true)
	case bus.EventMemberLeft, bus.EventMemberRemoved, bus.EventMemberBanned:
		h.adjustGuildSubscription(ctx, f.GuildID, f.UserID, false)
	}

	wireType, ok := WireEventType(env.Type)
	if !ok {
		return nil
	}

	scope := GuildScope(f.GuildID)
	if bus.TopicFor(env.Type) == bus.TopicMessage {
		scope = ChannelScope(f.ChannelID)
	}

	h.mu.RLock()
	targets := make([]*Client, 0, 4)
	for _, c := range h.clients {
		if c.subscribed(scope) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueueDispatch(wireType, env.ID, env.Data)
	}
	return nil
}

// adjustGuildSubscription adds or removes the guild scope on every local
// connection of the user, mirroring the change into the shared store.
func (h *Hub) adjustGuildSubscription(ctx context.Context, guildID, userID snowflake.ID, add bool) {
	scope := GuildScope(guildID)

	h.mu.RLock()
	conns := make([]*Client, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if add {
			c.addScope(scope)
			if err := h.subs.Add(ctx, scope, c.SessionID()); err != nil {
				h.log.Warn().Err(err).Str("scope", scope).Msg("Failed to store subscription")
			}
		} else {
			c.removeScope(scope)
			if err := h.subs.Remove(ctx, scope, c.SessionID()); err != nil {
				h.log.Warn().Err(err).Str("scope", scope).Msg("Failed to remove subscription")
			}
		}
	}
}

// closeSession closes the connection bound to one session with 4002.
func (h *Hub) closeSession(sessionID string) {
	h.mu.RLock()
	c, ok := h.clients[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.subs.Drop(ctx, sessionID); err != nil {
		h.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to drop subscriptions")
	}

	c.closeWithCode(CloseSessionInvalidated, "session revoked")
	c.closeSend()
}

// closeUserSessions closes every connection of a user with 4002.
func (h *Hub) closeUserSessions(userID snowflake.ID) {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range conns {
		if err := h.subs.Drop(ctx, c.SessionID()); err != nil {
			h.log.Warn().Err(err).Str("session_id", c.SessionID()).Msg("Failed to drop subscriptions")
		}
		c.closeWithCode(CloseSessionInvalidated, "all sessions revoked")
		c.closeSend()
	}
}

// Shutdown asks every client to reconnect elsewhere and closes the sockets.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	reconnect, _ := NewReconnectFrame()
	for sid, c := range h.clients {
		if reconnect != nil {
			c.enqueueControl(reconnect)
		}
		c.closeSend()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait),
		)
		_ = c.conn.Close()
		delete(h.clients, sid)
	}
	h.byUser = make(map[snowflake.ID]map[*Client]struct{})
	h.log.Info().Msg("Gateway hub shut down")
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
