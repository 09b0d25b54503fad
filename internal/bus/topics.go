package bus

import "strings"

// Topic names. Each topic is backed by one JetStream stream and partitions
// the event space; ordering is guaranteed per subject, never across topics.
const (
	TopicGuild   = "guild.events"
	TopicChannel = "channel.events"
	TopicMessage = "message.events"
	TopicMember  = "member.events"
	TopicRole    = "role.events"
)

// Topics lists every topic in a stable order.
var Topics = []string{TopicGuild, TopicChannel, TopicMessage, TopicMember, TopicRole}

// streamName maps a topic to its JetStream stream name. Stream names may not
// contain dots.
func streamName(topic string) string {
	return strings.ToUpper(strings.ReplaceAll(topic, ".", "_"))
}

// Domain event types, "<namespace>.<verb>". One event is published for every
// persisted state change.
const (
	EventMessageCreated = "message.created"
	EventMessageUpdated = "message.updated"
	EventMessageDeleted = "message.deleted"

	EventGuildCreated = "guild.created"
	EventGuildUpdated = "guild.updated"
	EventGuildDeleted = "guild.deleted"

	EventChannelCreated = "channel.created"
	EventChannelUpdated = "channel.updated"
	EventChannelDeleted = "channel.deleted"

	EventMemberJoined   = "member.joined"
	EventMemberLeft     = "member.left"
	EventMemberRemoved  = "member.removed"
	EventMemberBanned   = "member.banned"
	EventMemberUnbanned = "member.unbanned"
	EventMemberUpdated  = "member.updated"

	EventRoleCreated = "role.created"
	EventRoleUpdated = "role.updated"
	EventRoleDeleted = "role.deleted"

	EventMemberRolesUpdated = "member_roles.updated"

	EventChannelOverwriteUpdated = "channel_overwrite.updated"
	EventChannelOverwriteDeleted = "channel_overwrite.deleted"

	EventSessionRevoked     = "session.revoked"
	EventSessionsRevokedAll = "sessions.revoked_all"
)

// TopicFor returns the topic an event type is published on. Overwrite events
// ride the channel topic, role-assignment and session events the member topic.
func TopicFor(eventType string) string {
	switch namespace(eventType) {
	case "guild":
		return TopicGuild
	case "channel", "channel_overwrite":
		return TopicChannel
	case "message":
		return TopicMessage
	case "member", "member_roles", "session", "sessions":
		return TopicMember
	case "role":
		return TopicRole
	default:
		return ""
	}
}

// Subject builds the per-entity subject for an event: <topic>.<type>.<id>.
// When the event namespace matches the topic's own namespace the type token
// is just the verb (message.created -> message.events.created.<id>); foreign
// namespaces keep their full type with dots flattened so every subject has a
// fixed token count.
func Subject(eventType, entityID string) string {
	topic := TopicFor(eventType)
	if topic == "" {
		return ""
	}
	return topic + "." + subjectToken(topic, eventType) + "." + entityID
}

func subjectToken(topic, eventType string) string {
	if namespace(eventType)+".events" == topic {
		return eventType[strings.IndexByte(eventType, '.')+1:]
	}
	return strings.ReplaceAll(eventType, ".", "_")
}

func namespace(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		return eventType[:i]
	}
	return eventType
}
