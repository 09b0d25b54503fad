package message

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/bus"
	"github.com/gildhall-chat/gildhall-server/internal/permission"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// Authorizer answers channel-level permission checks. Satisfied by
// *permission.Resolver.
type Authorizer interface {
	Has(ctx context.Context, userID, channelID snowflake.ID, perm permission.Permission) (bool, error)
}

// Directory resolves a channel's guild and filters mention candidates to
// actual guild members and roles.
type Directory interface {
	ChannelGuild(ctx context.Context, channelID snowflake.ID) (snowflake.ID, error)
	FilterMembers(ctx context.Context, guildID snowflake.ID, candidates []snowflake.ID) ([]snowflake.ID, error)
	FilterRoles(ctx context.Context, guildID snowflake.ID, candidates []snowflake.ID) ([]snowflake.ID, error)
}

// Publisher publishes domain events. Satisfied by *bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, eventType, entityID string, data any) (*bus.Envelope, error)
}

// IDGenerator allocates message ids. Satisfied by *snowflake.Generator.
type IDGenerator interface {
	Next() (snowflake.ID, error)
}

// Event is the payload published on the message topic. Delete events carry
// no content.
type Event struct {
	ID        snowflake.ID `json:"id"`
	ChannelID snowflake.ID `json:"channel_id"`
	GuildID   snowflake.ID `json:"guild_id"`
	Message   *Message     `json:"message,omitempty"`
}

// Service implements the message pipeline over a repository, the permission
// engine, and the event bus.
type Service struct {
	repo      Repository
	auth      Authorizer
	directory Directory
	gen       IDGenerator
	publisher Publisher
	maxLength int
	log       zerolog.Logger
}

// NewService creates a message service. maxLength is the content limit in
// runes.
func NewService(repo Repository, auth Authorizer, dir Directory, gen IDGenerator, pub Publisher, maxLength int, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		auth:      auth,
		directory: dir,
		gen:       gen,
		publisher: pub,
		maxLength: maxLength,
		log:       logger.With().Str("component", "message").Logger(),
	}
}

// Create validates, persists, and announces a new message. Persisting is
// idempotent on (id, created_at); the publish happens after the write and a
// publish failure never rolls the write back.
func (s *Service) Create(ctx context.Context, channelID, authorID snowflake.ID, content string) (*Message, error) {
	ok, err := s.auth.Has(ctx, authorID, channelID, permission.SendMessages)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &PermissionError{Missing: permission.SendMessages}
	}

	content, err = ValidateContent(content, s.maxLength)
	if err != nil {
		return nil, err
	}

	guildID, err := s.directory.ChannelGuild(ctx, channelID)
	if err != nil {
		return nil, err
	}

	userCandidates, roleCandidates := ParseMentions(content)
	mentions, err := s.directory.FilterMembers(ctx, guildID, userCandidates)
	if err != nil {
		return nil, err
	}
	mentionRoles, err := s.directory.FilterRoles(ctx, guildID, roleCandidates)
	if err != nil {
		return nil, err
	}

	id, err := s.gen.Next()
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:           id,
		ChannelID:    channelID,
		AuthorID:     authorID,
		Content:      content,
		Mentions:     mentions,
		MentionRoles: mentionRoles,
		// created_at equals the id's embedded timestamp so the (created_at, id)
		// sort key can never disagree with id order.
		CreatedAt: id.Time(),
	}

	stored, err := s.repo.Insert(ctx, msg)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, bus.EventMessageCreated, stored, guildID)
	return stored, nil
}

// List returns a page of a channel's messages in chronological order.
func (s *Service) List(ctx context.Context, channelID, userID snowflake.ID, cursor Cursor) ([]Message, error) {
	ok, err := s.auth.Has(ctx, userID, channelID, permission.ReadMessageHistory)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &PermissionError{Missing: permission.ReadMessageHistory}
	}

	if err := cursor.Validate(); err != nil {
		return nil, err
	}
	cursor.Limit = ClampLimit(cursor.Limit)

	return s.repo.List(ctx, channelID, cursor)
}

// Update edits a message's content. Deletion dominates: a deleted or absent
// message fails with ErrDeleted. Only the author may edit; holders of
// MANAGE_MESSAGES may delete but not edit someone else's content. The update
// is a compare-and-set on edited_at so an at-least-once replay of the same
// edit settles without a second event.
func (s *Service) Update(ctx context.Context, messageID, userID snowflake.ID, newContent string) (*Message, error) {
	msg, err := s.repo.Get(ctx, messageID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrDeleted
	}
	if err != nil {
		return nil, err
	}
	if msg.DeletedAt != nil {
		return nil, ErrDeleted
	}

	if msg.AuthorID != userID {
		ok, err := s.auth.Has(ctx, userID, msg.ChannelID, permission.ManageMessages)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &PermissionError{Missing: permission.ManageMessages}
		}
		return nil, ErrNotAuthor
	}

	newContent, err = ValidateContent(newContent, s.maxLength)
	if err != nil {
		return nil, err
	}

	guildID, err := s.directory.ChannelGuild(ctx, msg.ChannelID)
	if err != nil {
		return nil, err
	}

	userCandidates, roleCandidates := ParseMentions(newContent)
	mentions, err := s.directory.FilterMembers(ctx, guildID, userCandidates)
	if err != nil {
		return nil, err
	}
	mentionRoles, err := s.directory.FilterRoles(ctx, guildID, roleCandidates)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateContent(ctx, messageID, newContent, msg.EditedAt, mentions, mentionRoles)
	if errors.Is(err, ErrNotFound) {
		// The CAS matched nothing: the message was deleted or edited since the
		// read. Re-read to decide which.
		current, getErr := s.repo.Get(ctx, messageID)
		if getErr != nil {
			return nil, ErrDeleted
		}
		if current.DeletedAt != nil {
			return nil, ErrDeleted
		}
		if current.Content == newContent {
			// A replayed edit already applied; idempotent success, no event.
			return current, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	s.publish(ctx, bus.EventMessageUpdated, updated, guildID)
	return updated, nil
}

// Delete soft-deletes a message. Absent and already-deleted messages are
// terminal states, so both return success without publishing again.
func (s *Service) Delete(ctx context.Context, messageID, userID snowflake.ID) error {
	msg, err := s.repo.Get(ctx, messageID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if msg.DeletedAt != nil {
		return nil
	}

	if msg.AuthorID != userID {
		ok, err := s.auth.Has(ctx, userID, msg.ChannelID, permission.ManageMessages)
		if err != nil {
			return err
		}
		if !ok {
			return &PermissionError{Missing: permission.ManageMessages}
		}
	}

	deleted, err := s.repo.SoftDelete(ctx, messageID)
	if err != nil {
		return err
	}
	if !deleted {
		// A concurrent delete won; the event was already published once.
		return nil
	}

	guildID, err := s.directory.ChannelGuild(ctx, msg.ChannelID)
	if err != nil {
		// The channel may be mid-teardown; the delete itself succeeded.
		guildID = 0
	}

	now := time.Now().UTC()
	msg.DeletedAt = &now
	s.publish(ctx, bus.EventMessageDeleted, msg, guildID)
	return nil
}

// publish announces a message state change on the channel's subject.
// Failures are logged, never surfaced: the write is already durable and a
// background reconciliation can re-publish.
func (s *Service) publish(ctx context.Context, eventType string, msg *Message, guildID snowflake.ID) {
	payload := Event{
		ID:        msg.ID,
		ChannelID: msg.ChannelID,
		GuildID:   guildID,
	}
	if eventType != bus.EventMessageDeleted {
		payload.Message = msg
	}

	if _, err := s.publisher.Publish(ctx, eventType, msg.ChannelID.String(), payload); err != nil {
		s.log.Error().Err(err).Str("type", eventType).Stringer("message_id", msg.ID).
			Msg("Event publish failed after durable write")
	}
}
