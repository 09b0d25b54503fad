package member

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

// NewPGRepository creates a new PostgreSQL-backed member repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Add joins a user to a guild. The ban check and the insert run in one
// transaction so a racing ban cannot slip between them.
func (r *PGRepository) Add(ctx context.Context, m *Member) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var banned bool
		err := tx.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM guild_bans WHERE guild_id = $1 AND user_id = $2)",
			m.GuildID, m.UserID,
		).Scan(&banned)
		if err != nil {
			return fmt.Errorf("check ban: %w", err)
		}
		if banned {
			return ErrBanned
		}

		_, err = tx.Exec(ctx,
			"INSERT INTO guild_members (guild_id, user_id, joined_at, nickname) VALUES ($1, $2, $3, $4)",
			m.GuildID, m.UserID, m.JoinedAt, m.Nickname,
		)
		if postgres.IsUniqueViolation(err) {
			return ErrAlreadyMember
		}
		if err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
		return nil
	})
}

// Get returns one membership.
func (r *PGRepository) Get(ctx context.Context, guildID, userID snowflake.ID) (*Member, error) {
	var m Member
	err := r.db.QueryRow(ctx,
		"SELECT guild_id, user_id, joined_at, nickname FROM guild_members WHERE guild_id = $1 AND user_id = $2",
		guildID, userID,
	).Scan(&m.GuildID, &m.UserID, &m.JoinedAt, &m.Nickname)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query member: %w", err)
	}
	return &m, nil
}

// List returns a guild's members ordered by join time.
func (r *PGRepository) List(ctx context.Context, guildID snowflake.ID, limit int) ([]Member, error) {
	rows, err := r.db.Query(ctx,
		"SELECT guild_id, user_id, joined_at, nickname FROM guild_members WHERE guild_id = $1 ORDER BY joined_at, user_id LIMIT $2",
		guildID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.GuildID, &m.UserID, &m.JoinedAt, &m.Nickname); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// UpdateNickname sets or clears a member's nickname.
func (r *PGRepository) UpdateNickname(ctx context.Context, guildID, userID snowflake.ID, nickname *string) (*Member, error) {
	var m Member
	err := r.db.QueryRow(ctx, `
		UPDATE guild_members SET nickname = $1 WHERE guild_id = $2 AND user_id = $3
		RETURNING guild_id, user_id, joined_at, nickname`,
		nickname, guildID, userID,
	).Scan(&m.GuildID, &m.UserID, &m.JoinedAt, &m.Nickname)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update nickname: %w", err)
	}
	return &m, nil
}

// Remove deletes the membership; member_roles rows cascade.
func (r *PGRepository) Remove(ctx context.Context, guildID, userID snowflake.ID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM guild_members WHERE guild_id = $1 AND user_id = $2", guildID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignRole adds a role to a member. Assigning an already-held role is a
// no-op. A missing membership or role surfaces as ErrNotFound via the
// foreign keys.
func (r *PGRepository) AssignRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO member_roles (guild_id, user_id, role_id) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		guildID, userID, roleID,
	)
	if postgres.IsForeignKeyViolation(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

// RemoveRole removes a role from a member. Removing an unheld role is a
// no-op.
func (r *PGRepository) RemoveRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	_, err := r.db.Exec(ctx,
		"DELETE FROM member_roles WHERE guild_id = $1 AND user_id = $2 AND role_id = $3",
		guildID, userID, roleID,
	)
	if err != nil {
		return fmt.Errorf("remove role: %w", err)
	}
	return nil
}

// RoleIDs returns the explicitly assigned role ids of a member.
func (r *PGRepository) RoleIDs(ctx context.Context, guildID, userID snowflake.ID) ([]snowflake.ID, error) {
	rows, err := r.db.Query(ctx,
		"SELECT role_id FROM member_roles WHERE guild_id = $1 AND user_id = $2 ORDER BY role_id",
		guildID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query member roles: %w", err)
	}
	defer rows.Close()

	var ids []snowflake.ID
	for rows.Next() {
		var id snowflake.ID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan role id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsBanned reports whether a ban row exists for the user.
func (r *PGRepository) IsBanned(ctx context.Context, guildID, userID snowflake.ID) (bool, error) {
	var banned bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM guild_bans WHERE guild_id = $1 AND user_id = $2)",
		guildID, userID,
	).Scan(&banned)
	if err != nil {
		return false, fmt.Errorf("check ban: %w", err)
	}
	return banned, nil
}

// SetBan records a ban and removes any existing membership atomically.
func (r *PGRepository) SetBan(ctx context.Context, b *Ban) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO guild_bans (guild_id, user_id, reason, banned_by, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (guild_id, user_id) DO UPDATE SET reason = EXCLUDED.reason, banned_by = EXCLUDED.banned_by`,
			b.GuildID, b.UserID, b.Reason, b.BannedBy, b.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert ban: %w", err)
		}

		if _, err := tx.Exec(ctx,
			"DELETE FROM guild_members WHERE guild_id = $1 AND user_id = $2",
			b.GuildID, b.UserID,
		); err != nil {
			return fmt.Errorf("remove banned member: %w", err)
		}
		return nil
	})
}

// RemoveBan lifts a ban.
func (r *PGRepository) RemoveBan(ctx context.Context, guildID, userID snowflake.ID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM guild_bans WHERE guild_id = $1 AND user_id = $2", guildID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete ban: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBans returns a guild's bans.
func (r *PGRepository) ListBans(ctx context.Context, guildID snowflake.ID) ([]Ban, error) {
	rows, err := r.db.Query(ctx,
		"SELECT guild_id, user_id, reason, banned_by, created_at FROM guild_bans WHERE guild_id = $1 ORDER BY created_at",
		guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query bans: %w", err)
	}
	defer rows.Close()

	var bans []Ban
	for rows.Next() {
		var b Ban
		if err := rows.Scan(&b.GuildID, &b.UserID, &b.Reason, &b.BannedBy, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ban: %w", err)
		}
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

// FilterExisting keeps only candidates that are members of the guild,
// preserving candidate order.
func (r *PGRepository) FilterExisting(ctx context.Context, guildID snowflake.ID, candidates []snowflake.ID) ([]snowflake.ID, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = int64(c)
	}

	rows, err := r.db.Query(ctx,
		"SELECT user_id FROM guild_members WHERE guild_id = $1 AND user_id = ANY($2)", guildID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("filter members: %w", err)
	}
	defer rows.Close()

	existing := make(map[snowflake.ID]struct{}, len(candidates))
	for rows.Next() {
		var id snowflake.ID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		existing[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []snowflake.ID
	for _, c := range candidates {
		if _, ok := existing[c]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}
