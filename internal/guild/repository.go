package guild

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/postgres"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed guild repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create writes the guild, its @everyone role, the default "general" text
// channel, and the owner's membership in one transaction.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) error {
	g := params.Guild
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"INSERT INTO guilds (id, owner_id, name, created_at) VALUES ($1, $2, $3, $4)",
			g.ID, g.OwnerID, g.Name, g.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert guild: %w", err)
		}

		// The @everyone role shares the guild's id.
		if _, err := tx.Exec(ctx,
			"INSERT INTO roles (id, guild_id, name, position, permissions, created_at) VALUES ($1, $1, 'everyone', 0, $2, $3)",
			g.ID, params.EveryonePerms, g.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert everyone role: %w", err)
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO channels (id, guild_id, type, name, position, created_at) VALUES ($1, $2, 'TEXT', 'general', 0, $3)",
			params.DefaultChannel, g.ID, g.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert default channel: %w", err)
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO guild_members (guild_id, user_id, joined_at) VALUES ($1, $2, $3)",
			g.ID, g.OwnerID, g.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert owner membership: %w", err)
		}
		return nil
	})
}

// Get returns a live guild by id.
func (r *PGRepository) Get(ctx context.Context, id snowflake.ID) (*Guild, error) {
	var g Guild
	err := r.db.QueryRow(ctx,
		"SELECT id, owner_id, name, created_at, deleted_at FROM guilds WHERE id = $1 AND deleted_at IS NULL", id,
	).Scan(&g.ID, &g.OwnerID, &g.Name, &g.CreatedAt, &g.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query guild: %w", err)
	}
	return &g, nil
}

// UpdateName renames a live guild and returns the updated row.
func (r *PGRepository) UpdateName(ctx context.Context, id snowflake.ID, name string) (*Guild, error) {
	var g Guild
	err := r.db.QueryRow(ctx, `
		UPDATE guilds SET name = $1 WHERE id = $2 AND deleted_at IS NULL
		RETURNING id, owner_id, name, created_at, deleted_at`, name, id,
	).Scan(&g.ID, &g.OwnerID, &g.Name, &g.CreatedAt, &g.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update guild: %w", err)
	}
	return &g, nil
}

// SoftDelete marks a guild deleted. Already-deleted and absent guilds both
// return ErrNotFound.
func (r *PGRepository) SoftDelete(ctx context.Context, id snowflake.ID) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE guilds SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL", id,
	)
	if err != nil {
		return fmt.Errorf("soft delete guild: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListForUser returns the ids of every live guild the user belongs to.
func (r *PGRepository) ListForUser(ctx context.Context, userID snowflake.ID) ([]snowflake.ID, error) {
	rows, err := r.db.Query(ctx, `
		SELECT g.id FROM guilds g
		JOIN guild_members gm ON gm.guild_id = g.id
		WHERE gm.user_id = $1 AND g.deleted_at IS NULL
		ORDER BY g.id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query member guilds: %w", err)
	}
	defer rows.Close()

	var ids []snowflake.ID
	for rows.Next() {
		var id snowflake.ID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan guild id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
