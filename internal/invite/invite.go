// Package invite owns guild invites: short-code creation, listing, and
// atomic redemption with use and expiry limits.
package invite

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

var (
	ErrNotFound = errors.New("invite: invite not found")
	// ErrExpired covers both time expiry and exhausted uses; both surface as
	// 410 Gone.
	ErrExpired = errors.New("invite: invite has expired")
)

// codeAlphabet excludes look-alike characters (0/O, 1/l/I).
const codeAlphabet = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the length of generated invite codes.
const CodeLength = 8

// Invite admits users into a guild. Uses never exceeds MaxUses when set.
type Invite struct {
	Code      string       `json:"code"`
	GuildID   snowflake.ID `json:"guild_id"`
	CreatorID snowflake.ID `json:"creator_id"`
	MaxUses   *int         `json:"max_uses,omitempty"`
	Uses      int          `json:"uses"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewCode returns a random invite code.
func NewCode() string {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		panic("invite: crypto/rand unavailable: " + err.Error())
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf)
}

// Repository defines the data-access contract for invites.
type Repository interface {
	Create(ctx context.Context, inv *Invite) error
	Get(ctx context.Context, code string) (*Invite, error)
	ListByGuild(ctx context.Context, guildID snowflake.ID) ([]Invite, error)
	Delete(ctx context.Context, code string) error
	// Redeem atomically increments the use counter, enforcing max_uses and
	// expires_at. Returns the invite's guild on success.
	Redeem(ctx context.Context, code string, now time.Time) (*Invite, error)
}
