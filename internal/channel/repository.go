package channel

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

const selectColumns = "id, guild_id, type, name, position, parent_id, topic, created_at, deleted_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed channel repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a channel, validating that any parent is a live CATEGORY in
// the same guild.
func (r *PGRepository) Create(ctx context.Context, ch *Channel) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if ch.ParentID != nil {
			if err := checkParent(ctx, tx, ch.GuildID, *ch.ParentID); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO channels (id, guild_id, type, name, position, parent_id, topic, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ch.ID, ch.GuildID, string(ch.Type), ch.Name, ch.Position, ch.ParentID, ch.Topic, ch.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert channel: %w", err)
		}
		return nil
	})
}

// Get returns a live channel of a live guild.
func (r *PGRepository) Get(ctx context.Context, id snowflake.ID) (*Channel, error) {
	row := r.db.QueryRow(ctx, `
		SELECT c.id, c.guild_id, c.type, c.name, c.position, c.parent_id, c.topic, c.created_at, c.deleted_at
		FROM channels c
		JOIN guilds g ON g.id = c.guild_id
		WHERE c.id = $1 AND c.deleted_at IS NULL AND g.deleted_at IS NULL`, id,
	)
	ch, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query channel: %w", err)
	}
	return ch, nil
}

// ListByGuild returns the live channels of a guild ordered by position.
func (r *PGRepository) ListByGuild(ctx context.Context, guildID snowflake.ID) ([]Channel, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM channels WHERE guild_id = $1 AND deleted_at IS NULL"+
			" AND EXISTS(SELECT 1 FROM guilds g WHERE g.id = $1 AND g.deleted_at IS NULL) ORDER BY position, id",
		selectColumns), guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

// Update patches a live channel and returns the updated row. A new parent is
// validated like on create.
func (r *PGRepository) Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*Channel, error) {
	var updated *Channel
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		current, err := getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if params.ParentID != nil {
			if err := checkParent(ctx, tx, current.GuildID, *params.ParentID); err != nil {
				return err
			}
		}

		row := tx.QueryRow(ctx, fmt.Sprintf(`
			UPDATE channels SET
				name = COALESCE($1, name),
				topic = COALESCE($2, topic),
				position = COALESCE($3, position),
				parent_id = COALESCE($4, parent_id)
			WHERE id = $5 AND deleted_at IS NULL
			RETURNING %s`, selectColumns),
			params.Name, params.Topic, params.Position, params.ParentID, id,
		)
		updated, err = scanChannel(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update channel: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SoftDelete marks a channel deleted.
func (r *PGRepository) SoftDelete(ctx context.Context, id snowflake.ID) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE channels SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL", id,
	)
	if err != nil {
		return fmt.Errorf("soft delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func getForUpdate(ctx context.Context, tx pgx.Tx, id snowflake.ID) (*Channel, error) {
	row := tx.QueryRow(ctx, fmt.Sprintf(
		"SELECT %s FROM channels WHERE id = $1 AND deleted_at IS NULL FOR UPDATE", selectColumns), id,
	)
	ch, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ch, err
}

func checkParent(ctx context.Context, tx pgx.Tx, guildID, parentID snowflake.ID) error {
	var ok bool
	err := tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM channels WHERE id = $1 AND guild_id = $2 AND type = 'CATEGORY' AND deleted_at IS NULL)",
		parentID, guildID,
	).Scan(&ok)
	if err != nil {
		return fmt.Errorf("check parent category: %w", err)
	}
	if !ok {
		return ErrInvalidParent
	}
	return nil
}

func scanChannel(row pgx.Row) (*Channel, error) {
	var ch Channel
	var typ string
	err := row.Scan(&ch.ID, &ch.GuildID, &typ, &ch.Name, &ch.Position, &ch.ParentID, &ch.Topic, &ch.CreatedAt, &ch.DeletedAt)
	if err != nil {
		return nil, err
	}
	ch.Type = Type(typ)
	return &ch, nil
}
