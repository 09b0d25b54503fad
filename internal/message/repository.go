package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

const selectColumns = `id, channel_id, author_id, content, mentions, mention_roles, created_at, edited_at, deleted_at`

// PGRepository implements Repository using PostgreSQL. The messages table is
// partitioned monthly by created_at with primary key (id, created_at), so
// cursor predicates resolve the anchor's created_at via a subquery and every
// point lookup goes through the id index.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Insert persists a message idempotently. A conflicting (id, created_at)
// leaves the stored row untouched and returns it, so a retried create
// converges on the first write.
func (r *PGRepository) Insert(ctx context.Context, msg *Message) (*Message, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO messages (id, channel_id, author_id, content, mentions, mention_roles, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id, created_at) DO NOTHING
	`, msg.ID, msg.ChannelID, msg.AuthorID, msg.Content, idsToInt64(msg.Mentions), idsToInt64(msg.MentionRoles), msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if tag.RowsAffected() == 1 {
		stored := *msg
		return &stored, nil
	}
	// Conflict: return the existing row without modification.
	return r.Get(ctx, msg.ID)
}

// Get returns a message by id, including soft-deleted rows.
func (r *PGRepository) Get(ctx context.Context, id snowflake.ID) (*Message, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM messages WHERE id = $1", selectColumns), id,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message by id: %w", err)
	}
	return msg, nil
}

// List returns non-deleted messages ordered ascending by (created_at, id).
// A before cursor selects the newest rows preceding the anchor, fetched
// descending and reversed so the response stays chronological.
func (r *PGRepository) List(ctx context.Context, channelID snowflake.ID, cursor Cursor) ([]Message, error) {
	var (
		rows pgx.Rows
		err  error
	)

	switch {
	case !cursor.Before.IsZero():
		rows, err = r.db.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM messages
			WHERE channel_id = $1 AND deleted_at IS NULL
			  AND (created_at, id) < (SELECT created_at, id FROM messages WHERE id = $2)
			ORDER BY created_at DESC, id DESC
			LIMIT $3`, selectColumns),
			channelID, cursor.Before, cursor.Limit,
		)
	case !cursor.After.IsZero():
		rows, err = r.db.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM messages
			WHERE channel_id = $1 AND deleted_at IS NULL
			  AND (created_at, id) > (SELECT created_at, id FROM messages WHERE id = $2)
			ORDER BY created_at ASC, id ASC
			LIMIT $3`, selectColumns),
			channelID, cursor.After, cursor.Limit,
		)
	default:
		rows, err = r.db.Query(ctx, fmt.Sprintf(`
			SELECT %s FROM messages
			WHERE channel_id = $1 AND deleted_at IS NULL
			ORDER BY created_at ASC, id ASC
			LIMIT $2`, selectColumns),
			channelID, cursor.Limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	if !cursor.Before.IsZero() {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	return messages, nil
}

// UpdateContent compare-and-sets content where edited_at still equals
// expected and the row is not deleted. ErrNotFound means the CAS matched
// nothing; the caller decides whether that was a delete or a concurrent edit.
func (r *PGRepository) UpdateContent(ctx context.Context, id snowflake.ID, content string, expected *time.Time, mentions, mentionRoles []snowflake.ID) (*Message, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(`
		UPDATE messages
		SET content = $1, mentions = $2, mention_roles = $3, edited_at = NOW()
		WHERE id = $4 AND deleted_at IS NULL AND edited_at IS NOT DISTINCT FROM $5
		RETURNING %s`, selectColumns),
		content, idsToInt64(mentions), idsToInt64(mentionRoles), id, expected,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	return msg, nil
}

// SoftDelete sets deleted_at where it is still unset and reports whether this
// call performed the delete.
func (r *PGRepository) SoftDelete(ctx context.Context, id snowflake.ID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		"UPDATE messages SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL", id,
	)
	if err != nil {
		return false, fmt.Errorf("soft delete message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	var mentions, mentionRoles []int64
	err := row.Scan(
		&msg.ID, &msg.ChannelID, &msg.AuthorID, &msg.Content,
		&mentions, &mentionRoles,
		&msg.CreatedAt, &msg.EditedAt, &msg.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.Mentions = int64ToIDs(mentions)
	msg.MentionRoles = int64ToIDs(mentionRoles)
	return &msg, nil
}

func idsToInt64(ids []snowflake.ID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func int64ToIDs(vals []int64) []snowflake.ID {
	if len(vals) == 0 {
		return nil
	}
	out := make([]snowflake.ID, len(vals))
	for i, v := range vals {
		out[i] = snowflake.ID(v)
	}
	return out
}
