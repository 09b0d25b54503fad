package invite

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

const selectColumns = "code, guild_id, creator_id, max_uses, uses, expires_at, created_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed invite repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts an invite.
func (r *PGRepository) Create(ctx context.Context, inv *Invite) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO invites (code, guild_id, creator_id, max_uses, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		inv.Code, inv.GuildID, inv.CreatorID, inv.MaxUses, inv.ExpiresAt, inv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert invite: %w", err)
	}
	return nil
}

// Get returns an invite by code.
func (r *PGRepository) Get(ctx context.Context, code string) (*Invite, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM invites WHERE code = $1", selectColumns), code,
	)
	inv, err := scanInvite(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query invite: %w", err)
	}
	return inv, nil
}

// ListByGuild returns a guild's invites.
func (r *PGRepository) ListByGuild(ctx context.Context, guildID snowflake.ID) ([]Invite, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM invites WHERE guild_id = $1 ORDER BY created_at", selectColumns), guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query invites: %w", err)
	}
	defer rows.Close()

	var invites []Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		invites = append(invites, *inv)
	}
	return invites, rows.Err()
}

// Delete removes an invite.
func (r *PGRepository) Delete(ctx context.Context, code string) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM invites WHERE code = $1", code)
	if err != nil {
		return fmt.Errorf("delete invite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Redeem increments the use counter in a single conditional UPDATE so two
// concurrent redemptions of the last use cannot both succeed.
func (r *PGRepository) Redeem(ctx context.Context, code string, now time.Time) (*Invite, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf(`
		UPDATE invites SET uses = uses + 1
		WHERE code = $1
		  AND (max_uses IS NULL OR uses < max_uses)
		  AND (expires_at IS NULL OR expires_at > $2)
		RETURNING %s`, selectColumns),
		code, now,
	)
	inv, err := scanInvite(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish an unusable invite from a missing one.
		if _, getErr := r.Get(ctx, code); getErr != nil {
			return nil, getErr
		}
		return nil, ErrExpired
	}
	if err != nil {
		return nil, fmt.Errorf("redeem invite: %w", err)
	}
	return inv, nil
}

func scanInvite(row pgx.Row) (*Invite, error) {
	var inv Invite
	err := row.Scan(&inv.Code, &inv.GuildID, &inv.CreatorID, &inv.MaxUses, &inv.Uses, &inv.ExpiresAt, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}
