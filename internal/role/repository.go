package role

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gildhall-chat/gildhall-server/internal/permission"
	"github.com/gildhall-chat/gildhall-server/internal/snowflake"
)

const selectColumns = "id, guild_id, name, position, permissions, color, created_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed role repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a role.
func (r *PGRepository) Create(ctx context.Context, role *Role) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO roles (id, guild_id, name, position, permissions, color, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		role.ID, role.GuildID, role.Name, role.Position, int64(role.Permissions), role.Color, role.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert role: %w", err)
	}
	return nil
}

// Get returns a role by id.
func (r *PGRepository) Get(ctx context.Context, id snowflake.ID) (*Role, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM roles WHERE id = $1", selectColumns), id,
	)
	role, err := scanRole(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query role: %w", err)
	}
	return role, nil
}

// ListByGuild returns a guild's roles ordered by descending position.
func (r *PGRepository) ListByGuild(ctx context.Context, guildID snowflake.ID) ([]Role, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM roles WHERE guild_id = $1 ORDER BY position DESC, id", selectColumns), guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, *role)
	}
	return roles, rows.Err()
}

// Update patches a role and returns the updated row.
func (r *PGRepository) Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*Role, error) {
	var permVal *int64
	if params.Permissions != nil {
		v := int64(*params.Permissions)
		permVal = &v
	}

	row := r.db.QueryRow(ctx, fmt.Sprintf(`
		UPDATE roles SET
			name = COALESCE($1, name),
			position = COALESCE($2, position),
			permissions = COALESCE($3, permissions),
			color = COALESCE($4, color)
		WHERE id = $5
		RETURNING %s`, selectColumns),
		params.Name, params.Position, permVal, params.Color, id,
	)
	role, err := scanRole(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update role: %w", err)
	}
	return role, nil
}

// Delete removes a role; member_roles rows cascade. Deleting the @everyone
// role (id == guild id) is rejected.
func (r *PGRepository) Delete(ctx context.Context, id snowflake.ID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM roles WHERE id = $1 AND id <> guild_id", id,
	)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM roles WHERE id = $1)", id).Scan(&exists); err != nil {
			return fmt.Errorf("check role existence: %w", err)
		}
		if exists {
			return ErrEveryoneImmutable
		}
		return ErrNotFound
	}
	return nil
}

// FilterExisting keeps only candidates that are roles of the guild,
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
		"SELECT id FROM roles WHERE guild_id = $1 AND id = ANY($2)", guildID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("filter roles: %w", err)
	}
	defer rows.Close()

	existing := make(map[snowflake.ID]struct{}, len(candidates))
	for rows.Next() {
		var id snowflake.ID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan role id: %w", err)
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

func scanRole(row pgx.Row) (*Role, error) {
	var role Role
	var perms int64
	err := row.Scan(&role.ID, &role.GuildID, &role.Name, &role.Position, &perms, &role.Color, &role.CreatedAt)
	if err != nil {
		return nil, err
	}
	role.Permissions = permission.Permission(perms)
	return &role, nil
}
