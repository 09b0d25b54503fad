package gateway

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

const (
	// maxMessageSize is the maximum size in bytes of one inbound frame.
	maxMessageSize = 4096

	// writeWait is the time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// identifyTimeout is how long a client has to IDENTIFY or RESUME after
	// the HELLO.
	identifyTimeout = 30 * time.Second
)

// pendingDispatch is a dispatch waiting in the outgoing queue. The sequence
// number is assigned by the writer, which is the single serialisation point
// for both s and socket writes.
type pendingDispatch struct {
	Type    string
	EventID uuid.UUID
	Data    json.RawMessage
}

// outbound is one queued frame: either a pre-serialised control frame or a
// dispatch that still needs its sequence number.
type outbound struct {
	control []byte
	event   *pendingDispatch
}

// Client is a single WebSocket connection. Each client runs a readPump and a
// writePump goroutine communicating through the bounded send queue.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan outbound
	log  zerolog.Logger

	// done signals shutdown. The send channel is never closed; both pumps
	// select on done so enqueue can never panic on a closed channel.
	done      chan struct{}
	closeOnce sync.Once

	// Session state, written during IDENTIFY/RESUME and read by the hub
	// during dispatch.
	mu         sync.RWMutex
	userID     snowflake.ID
	sessionID  string
	identified bool
	scopes     map[string]struct{}

	// Inbound frame rate state, only touched by readPump.
	frameCount  int
	windowStart time.Time
}

func newClient(hub *Hub, conn *websocket.Conn, logger zerolog.Logger) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan outbound, hub.cfg.GatewayQueueSize),
		done:   make(chan struct{}),
		scopes: make(map[string]struct{}),
		log:    logger,
	}
}

// closeSend signals the write loop to stop. Safe to call more than once.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// UserID returns the authenticated user id.
func (c *Client) UserID() snowflake.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SessionID returns the bound session id.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// IsIdentified reports whether the client completed authentication.
func (c *Client) IsIdentified() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identified
}

// subscribed reports whether the client holds the scope locally.
func (c *Client) subscribed(scope string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.scopes[scope]
	return ok
}

func (c *Client) addScope(scope string) {
	c.mu.Lock()
	c.scopes[scope] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) removeScope(scope string) {
	c.mu.Lock()
	delete(c.scopes, scope)
	c.mu.Unlock()
}

func (c *Client) scopeList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.scopes))
	for s := range c.scopes {
		out = append(out, s)
	}
	return out
}

// readPump reads frames and routes them by opcode. Any inbound frame resets
// the heartbeat deadline. It owns connection teardown.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	timeout := c.hub.cfg.GatewayHeartbeatTimeout
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	identifyTimer := time.AfterFunc(identifyTimeout, func() {
		if !c.IsIdentified() {
			c.log.Debug().Msg("Client did not identify in time")
			c.closeWithCode(CloseAuthFailed, "identify timeout")
		}
	})
	defer identifyTimer.Stop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.closeWithCode(CloseHeartbeatTimeout, "heartbeat timeout")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		// Liveness is any inbound frame, not only HEARTBEAT.
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

		if c.rateLimited() {
			c.closeWithCode(CloseRateLimited, "rate limit exceeded")
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.closeWithCode(CloseInvalidPayload, "invalid JSON")
			return
		}

		switch frame.Op {
		case OpHeartbeat:
			c.handleHeartbeat()
		case OpIdentify:
			identifyTimer.Stop()
			c.handleIdentify(frame.Data)
		case OpResume:
			identifyTimer.Stop()
			c.handleResume(frame.Data)
		case OpSubscribe:
			c.handleSubscribe(frame.Data, true)
		case OpUnsubscribe:
			c.handleSubscribe(frame.Data, false)
		default:
			c.closeWithCode(CloseInvalidPayload, "unknown opcode")
			return
		}
	}
}

// writePump drains the send queue. It is the only goroutine that writes to
// the socket and the only place sequence numbers are assigned, so s is
// strictly increasing per connection. Dispatches consume the per-second
// event budget; when the budget is spent the writer sleeps until the window
// resets, leaving frames queued rather than dropping them.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	var seq int64
	budget := c.hub.cfg.GatewayEventsPerSecond
	used := 0
	windowStart := time.Now()

	writeItem := func(item outbound) bool {
		if item.event != nil {
			now := time.Now()
			if now.Sub(windowStart) >= time.Second {
				windowStart = now
				used = 0
			}
			if used >= budget {
				wait := time.Second - now.Sub(windowStart)
				select {
				case <-time.After(wait):
				case <-c.done:
					// Shutting down; send what we have without pacing.
				}
				windowStart = time.Now()
				used = 0
			}
			used++

			seq++
			frame, err := NewDispatchFrame(seq, item.event.Type, item.event.EventID, item.event.Data)
			if err != nil {
				c.log.Error().Err(err).Msg("Failed to build dispatch frame")
				return true
			}
			item.control = frame
		}

		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, item.control); err != nil {
			c.log.Debug().Err(err).Msg("WebSocket write error")
			return false
		}
		return true
	}

	for {
		select {
		case item := <-c.send:
			if !writeItem(item) {
				return
			}
		case <-c.done:
			// Drain buffered frames so the client sees them before the close.
			for {
				select {
				case item := <-c.send:
					if !writeItem(item) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// handleHeartbeat replies with HEARTBEAT_ACK.
func (c *Client) handleHeartbeat() {
	ack, err := NewHeartbeatACKFrame()
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to build heartbeat ACK")
		return
	}
	c.enqueueControl(ack)
}

func (c *Client) handleIdentify(data json.RawMessage) {
	if c.IsIdentified() {
		c.closeWithCode(CloseInvalidPayload, "already identified")
		return
	}

	var id IdentifyData
	if err := json.Unmarshal(data, &id); err != nil {
		c.closeWithCode(CloseInvalidPayload, "invalid identify payload")
		return
	}
	if id.Token == "" {
		c.closeWithCode(CloseAuthFailed, "token required")
		return
	}

	c.hub.handleIdentify(c, id.Token, "", id.LastEventID)
}

func (c *Client) handleResume(data json.RawMessage) {
	if c.IsIdentified() {
		c.closeWithCode(CloseInvalidPayload, "already identified")
		return
	}

	var r ResumeData
	if err := json.Unmarshal(data, &r); err != nil {
		c.closeWithCode(CloseInvalidPayload, "invalid resume payload")
		return
	}
	if r.Token == "" {
		c.closeWithCode(CloseAuthFailed, "token required")
		return
	}

	c.hub.handleIdentify(c, r.Token, r.SessionID, r.LastEventID)
}

func (c *Client) handleSubscribe(data json.RawMessage, add bool) {
	if !c.IsIdentified() {
		c.closeWithCode(CloseAuthFailed, "not identified")
		return
	}

	var sub SubscribeData
	if err := json.Unmarshal(data, &sub); err != nil {
		c.closeWithCode(CloseInvalidPayload, "invalid subscribe payload")
		return
	}
	channelID, err := snowflake.Parse(sub.ChannelID)
	if err != nil {
		c.closeWithCode(CloseInvalidPayload, "invalid channel id")
		return
	}

	c.hub.handleSubscribe(c, channelID, add)
}

// enqueueControl queues a pre-serialised control frame.
func (c *Client) enqueueControl(frame []byte) {
	c.enqueue(outbound{control: frame})
}

// enqueueDispatch queues a dispatch payload; the writer assigns s.
func (c *Client) enqueueDispatch(eventType string, eventID uuid.UUID, data json.RawMessage) {
	c.enqueue(outbound{event: &pendingDispatch{Type: eventType, EventID: eventID, Data: data}})
}

// enqueue appends to the outgoing queue. A full queue is a slow consumer:
// the connection closes with 4005 so backpressure can never stall the hub.
func (c *Client) enqueue(item outbound) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- item:
	case <-c.done:
	default:
		c.log.Warn().Msg("Client outgoing queue overflow, closing connection")
		c.closeSend()
		c.closeWithCode(CloseRateLimited, "outgoing queue overflow")
	}
}

// closeWithCode sends a close frame with the given code, then closes the
// connection.
func (c *Client) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// rateLimited reports whether the client exceeded the inbound frame budget.
func (c *Client) rateLimited() bool {
	now := time.Now()
	if now.Sub(c.windowStart) > time.Second {
		c.frameCount = 0
		c.windowStart = now
	}
	c.frameCount++
	return c.frameCount > c.hub.cfg.GatewayInboundFramesPerSecond
}
