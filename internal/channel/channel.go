// Package channel owns guild channels: text channels and the categories
// they nest under.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

var (
	ErrNotFound      = errors.New("channel: channel not found")
	ErrInvalidParent = errors.New("channel: parent must be a category in the same guild")
)

// Type discriminates channel kinds.
type Type string

const (
	TypeText     Type = "TEXT"
	TypeCategory Type = "CATEGORY"
)

// Valid reports whether t is a known channel type.
func (t Type) Valid() bool { return t == TypeText || t == TypeCategory }

// Channel is a named conversation space within a guild. ParentID, when set,
// references a CATEGORY channel in the same guild.
type Channel struct {
	ID        snowflake.ID  `json:"id"`
	GuildID   snowflake.ID  `json:"guild_id"`
	Type      Type          `json:"type"`
	Name      string        `json:"name"`
	Position  int           `json:"position"`
	ParentID  *snowflake.ID `json:"parent_id,omitempty"`
	Topic     *string       `json:"topic,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	DeletedAt *time.Time    `json:"-"`
}

// UpdateParams carries the patchable channel fields; nil means unchanged.
type UpdateParams struct {
	Name     *string
	Topic    *string
	Position *int
	ParentID *snowflake.ID
}

// Repository defines the data-access contract for channels. Reads exclude
// soft-deleted channels and channels of soft-deleted guilds.
type Repository interface {
	Create(ctx context.Context, ch *Channel) error
	Get(ctx context.Context, id snowflake.ID) (*Channel, error)
	ListByGuild(ctx context.Context, guildID snowflake.ID) ([]Channel, error)
	Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*Channel, error)
	SoftDelete(ctx context.Context, id snowflake.ID) error
}
