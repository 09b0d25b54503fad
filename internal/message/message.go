// Package message implements the message pipeline: idempotent creation,
// cursor-paginated retrieval over the partitioned log, and edit/delete with
// deletion dominance.
package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gildhall-chat/gildhall-server/internal/permission"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// Sentinel errors for the message package.
var (
	// ErrDeleted is returned for edits against a deleted or absent message.
	// Deletion dominates edits: once deleted_at is set the state is terminal.
	ErrDeleted         = errors.New("message: message is deleted")
	ErrNotFound        = errors.New("message: message not found")
	ErrEmptyContent    = errors.New("message: content must not be empty")
	ErrContentTooLong  = errors.New("message: content exceeds the maximum length")
	ErrNotAuthor       = errors.New("message: only the author may edit a message")
	ErrMalformedCursor = errors.New("message: before and after cursors are mutually exclusive")
)

// PermissionError reports a missing permission bit on a message operation.
type PermissionError struct {
	Missing permission.Permission
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("message: missing permission %s", e.Missing.Name())
}

// Pagination defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Message is a persisted chat message. The physical key is (ID, CreatedAt)
// because storage is partitioned by month; ID alone is unique.
type Message struct {
	ID           snowflake.ID   `json:"id"`
	ChannelID    snowflake.ID   `json:"channel_id"`
	AuthorID     snowflake.ID   `json:"author_id"`
	Content      string         `json:"content"`
	Mentions     []snowflake.ID `json:"mentions"`
	MentionRoles []snowflake.ID `json:"mention_roles"`
	CreatedAt    time.Time      `json:"created_at"`
	EditedAt     *time.Time     `json:"edited_at,omitempty"`
	DeletedAt    *time.Time     `json:"-"`
}

// Cursor selects a page of a channel's log. At most one of Before and After
// may be set; Limit is clamped to [1, MaxLimit] with DefaultLimit for zero.
type Cursor struct {
	Before snowflake.ID
	After  snowflake.ID
	Limit  int
}

// Validate rejects cursors with both anchors set.
func (c Cursor) Validate() error {
	if !c.Before.IsZero() && !c.After.IsZero() {
		return ErrMalformedCursor
	}
	return nil
}

// ValidateContent checks that content is non-empty after trimming and does
// not exceed the maximum rune count. Returns the trimmed content.
func ValidateContent(content string, maxLength int) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(trimmed) > maxLength {
		return "", ErrContentTooLong
	}
	return trimmed, nil
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting
// to DefaultLimit when the input is zero or negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Repository defines the data-access contract for messages. Get and the
// mutation methods observe deleted rows; List never returns them.
type Repository interface {
	// Insert persists a message idempotently: if (msg.ID, msg.CreatedAt)
	// already exists the stored row is returned unchanged.
	Insert(ctx context.Context, msg *Message) (*Message, error)
	// Get returns a message by id including soft-deleted rows, or ErrNotFound.
	Get(ctx context.Context, id snowflake.ID) (*Message, error)
	// List returns non-deleted messages of a channel ordered ascending by
	// (created_at, id), filtered by the cursor. The limit must be pre-clamped.
	List(ctx context.Context, channelID snowflake.ID, cursor Cursor) ([]Message, error)
	// UpdateContent compare-and-sets new content where edited_at still equals
	// expected and the row is not deleted. Returns the updated row, or
	// ErrNotFound when the CAS matched nothing.
	UpdateContent(ctx context.Context, id snowflake.ID, content string, expected *time.Time, mentions, mentionRoles []snowflake.ID) (*Message, error)
	// SoftDelete sets deleted_at where it is still unset. Reports whether
	// this call performed the delete.
	SoftDelete(ctx context.Context, id snowflake.ID) (bool, error)
}
