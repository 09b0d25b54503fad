// Package gateway serves authenticated long-lived WebSocket connections:
// subscription fan-out from the event bus, bounded-replay resume, and
// cooperative backpressure.
package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/gildhall-chat/gildhall-server/internal/bus"
)

// Opcode identifies a gateway frame type.
type Opcode string

// Client → server opcodes.
const (
	OpIdentify    Opcode = "IDENTIFY"
	OpResume      Opcode = "RESUME"
	OpHeartbeat   Opcode = "HEARTBEAT"
	OpSubscribe   Opcode = "SUBSCRIBE"
	OpUnsubscribe Opcode = "UNSUBSCRIBE"
)

// Server → client opcodes.
const (
	OpHello          Opcode = "HELLO"
	OpHeartbeatACK   Opcode = "HEARTBEAT_ACK"
	OpDispatch       Opcode = "DISPATCH"
	OpInvalidSession Opcode = "INVALID_SESSION"
	OpResyncRequired Opcode = "RESYNC_REQUIRED"
	OpReconnect      Opcode = "RECONNECT"
)

// Frame is the wire structure for all gateway messages. Dispatch frames
// carry the per-connection sequence, the wire event type, and the domain
// event id clients dedup on; control frames use op and optionally d.
type Frame struct {
	Op   Opcode          `json:"op"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// IdentifyData is the payload of IDENTIFY.
type IdentifyData struct {
	Token       string `json:"token"`
	LastEventID string `json:"last_event_id,omitempty"`
}

// ResumeData is the payload of RESUME. Equivalent to IDENTIFY, except that a
// non-empty SessionID must match the token's session or the connection is
// closed with 4001.
type ResumeData struct {
	Token       string `json:"token"`
	SessionID   string `json:"session_id"`
	LastEventID string `json:"last_event_id"`
}

// SubscribeData is the payload of SUBSCRIBE and UNSUBSCRIBE.
type SubscribeData struct {
	ChannelID string `json:"channel_id"`
}

// HelloData is the payload of HELLO.
type HelloData struct {
	HeartbeatIntervalMS int `json:"heartbeat_interval_ms"`
}

// ReadyData is the first DISPATCH after a successful IDENTIFY.
type ReadyData struct {
	SessionID   string   `json:"session_id"`
	UserID      string   `json:"user_id"`
	GuildIDs    []string `json:"guild_ids"`
	LastEventID string   `json:"last_event_id,omitempty"`
}

// NewHelloFrame returns a serialised HELLO frame.
func NewHelloFrame(heartbeatIntervalMS int) ([]byte, error) {
	data, err := json.Marshal(HelloData{HeartbeatIntervalMS: heartbeatIntervalMS})
	if err != nil {
		return nil, fmt.Errorf("marshal hello data: %w", err)
	}
	return json.Marshal(Frame{Op: OpHello, Data: data})
}

// NewHeartbeatACKFrame returns a serialised HEARTBEAT_ACK frame.
func NewHeartbeatACKFrame() ([]byte, error) {
	return json.Marshal(Frame{Op: OpHeartbeatACK})
}

// NewDispatchFrame returns a serialised DISPATCH frame.
func NewDispatchFrame(seq int64, eventType string, eventID uuid.UUID, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{
		Op:   OpDispatch,
		Seq:  &seq,
		Type: eventType,
		ID:   eventID.String(),
		Data: data,
	})
}

// NewInvalidSessionFrame returns a serialised INVALID_SESSION frame. The
// resumable flag tells the client whether a RESUME may still succeed.
func NewInvalidSessionFrame(resumable bool) ([]byte, error) {
	data, err := json.Marshal(map[string]bool{"resumable": resumable})
	if err != nil {
		return nil, fmt.Errorf("marshal invalid session data: %w", err)
	}
	return json.Marshal(Frame{Op: OpInvalidSession, Data: data})
}

// NewResyncRequiredFrame returns a serialised RESYNC_REQUIRED frame. The
// client is expected to re-fetch state through the REST boundary.
func NewResyncRequiredFrame(reason string) ([]byte, error) {
	data, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return nil, fmt.Errorf("marshal resync data: %w", err)
	}
	return json.Marshal(Frame{Op: OpResyncRequired, Data: data})
}

// NewReconnectFrame returns a serialised RECONNECT frame.
func NewReconnectFrame() ([]byte, error) {
	return json.Marshal(Frame{Op: OpReconnect})
}

// wireEventTypes maps domain event types to the wire event names carried in
// the DISPATCH t field. Session events are absent: they close connections
// instead of dispatching.
var wireEventTypes = map[string]string{
	bus.EventMessageCreated: "MESSAGE_CREATE",
	bus.EventMessageUpdated: "MESSAGE_UPDATE",
	bus.EventMessageDeleted: "MESSAGE_DELETE",

	bus.EventGuildCreated: "GUILD_CREATE",
	bus.EventGuildUpdated: "GUILD_UPDATE",
	bus.EventGuildDeleted: "GUILD_DELETE",

	bus.EventChannelCreated: "CHANNEL_CREATE",
	bus.EventChannelUpdated: "CHANNEL_UPDATE",
	bus.EventChannelDeleted: "CHANNEL_DELETE",

	bus.EventMemberJoined:   "MEMBER_JOIN",
	bus.EventMemberLeft:     "MEMBER_LEAVE",
	bus.EventMemberRemoved:  "MEMBER_REMOVE",
	bus.EventMemberBanned:   "MEMBER_BAN",
	bus.EventMemberUnbanned: "MEMBER_UNBAN",
	bus.EventMemberUpdated:  "MEMBER_UPDATE",

	bus.EventRoleCreated: "ROLE_CREATE",
	bus.EventRoleUpdated: "ROLE_UPDATE",
	bus.EventRoleDeleted: "ROLE_DELETE",

	bus.EventMemberRolesUpdated: "MEMBER_ROLES_UPDATE",

	bus.EventChannelOverwriteUpdated: "CHANNEL_OVERWRITE_UPDATE",
	bus.EventChannelOverwriteDeleted: "CHANNEL_OVERWRITE_DELETE",
}

// WireEventType maps a domain event type to its wire name; ok is false for
// events that are never dispatched to clients.
func WireEventType(domainType string) (string, bool) {
	t, ok := wireEventTypes[domainType]
	return t, ok
}
