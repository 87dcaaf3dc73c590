package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/core/port"
	"github.com/arklim/anticheat-authz/internal/repository"
)

// RoleRepository implements role persistence operations.
type RoleRepository struct {
	db      pgDB
	builder squirrel.StatementBuilderType
	now     func() time.Time
}

// NewRoleRepository constructs a PostgreSQL-backed role repository.
func NewRoleRepository(db pgDB) *RoleRepository {
	return &RoleRepository{
		db:      db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		now:     time.Now,
	}
}

// ListRoles returns system roles first, then custom roles by name, each with
// its permission names.
func (r *RoleRepository) ListRoles(ctx context.Context) ([]domain.Role, error) {
	stmt, args, err := r.builder.Select("id", "name", "description", "is_system").
		From("roles").
		OrderBy("is_system DESC", "name ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list roles sql: %w", err)
	}

	rows, err := r.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}

	roles := make([]domain.Role, 0)
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		roles = append(roles, *role)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}

	permissions, err := r.permissionsByRole(ctx)
	if err != nil {
		return nil, err
	}
	for i := range roles {
		roles[i].Permissions = permissions[roles[i].ID]
		if roles[i].Permissions == nil {
			roles[i].Permissions = []string{}
		}
	}

	return roles, nil
}

// GetRole retrieves a role with its permissions.
func (r *RoleRepository) GetRole(ctx context.Context, roleID int64) (*domain.Role, error) {
	stmt, args, err := r.builder.Select("id", "name", "description", "is_system").
		From("roles").
		Where(squirrel.Eq{"id": roleID}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select role sql: %w", err)
	}

	role, err := scanRole(r.db.QueryRow(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	permissions, err := NewIdentityRepository(r.db).LookupRolePermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}
	role.Permissions = permissions

	return role, nil
}

// CreateRole inserts a custom role and links its permissions in one transaction.
func (r *RoleRepository) CreateRole(ctx context.Context, role domain.Role) (int64, error) {
	var id int64
	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		stmt, args, err := r.builder.Insert("roles").
			Columns("name", "description", "is_system", "created_at").
			Values(role.Name, role.Description, false, r.now().UTC()).
			Suffix("RETURNING id").
			ToSql()
		if err != nil {
			return fmt.Errorf("build insert role sql: %w", err)
		}

		if err := tx.QueryRow(ctx, stmt, args...).Scan(&id); err != nil {
			return fmt.Errorf("insert role: %w", mapWriteError(err))
		}

		return r.linkPermissions(ctx, tx, id, role.Permissions)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateRole replaces name, description and, when permissions is non-nil,
// the role's permission links.
func (r *RoleRepository) UpdateRole(ctx context.Context, role domain.Role, permissions []string) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		stmt, args, err := r.builder.Update("roles").
			Set("name", role.Name).
			Set("description", role.Description).
			Set("updated_at", r.now().UTC()).
			Where(squirrel.Eq{"id": role.ID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build update role sql: %w", err)
		}

		tag, err := tx.Exec(ctx, stmt, args...)
		if err != nil {
			return fmt.Errorf("update role: %w", mapWriteError(err))
		}
		if tag.RowsAffected() == 0 {
			return repository.ErrNotFound
		}

		if permissions == nil {
			return nil
		}

		if err := r.unlinkPermissions(ctx, tx, role.ID); err != nil {
			return err
		}
		return r.linkPermissions(ctx, tx, role.ID, permissions)
	})
}

// DeleteRole removes a role and its permission links.
func (r *RoleRepository) DeleteRole(ctx context.Context, roleID int64) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := r.unlinkPermissions(ctx, tx, roleID); err != nil {
			return err
		}

		stmt, args, err := r.builder.Delete("roles").Where(squirrel.Eq{"id": roleID}).ToSql()
		if err != nil {
			return fmt.Errorf("build delete role sql: %w", err)
		}

		tag, err := tx.Exec(ctx, stmt, args...)
		if err != nil {
			return fmt.Errorf("delete role: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return repository.ErrNotFound
		}
		return nil
	})
}

// CountUsersWithRole reports how many admin users hold roleID.
func (r *RoleRepository) CountUsersWithRole(ctx context.Context, roleID int64) (int, error) {
	stmt, args, err := r.builder.Select("COUNT(*)").
		From("admins").
		Where(squirrel.Eq{"role_id": roleID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count role users sql: %w", err)
	}

	var count int
	if err := r.db.QueryRow(ctx, stmt, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count role users: %w", err)
	}
	return count, nil
}

func (r *RoleRepository) permissionsByRole(ctx context.Context) (map[int64][]string, error) {
	stmt, args, err := r.builder.Select("rp.role_id", "p.name").
		From("role_permissions rp").
		Join("permissions p ON p.id = rp.permission_id").
		OrderBy("rp.role_id ASC", "p.name ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build role permissions sql: %w", err)
	}

	rows, err := r.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query role permissions: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]string)
	for rows.Next() {
		var (
			roleID int64
			name   string
		)
		if err := rows.Scan(&roleID, &name); err != nil {
			return nil, fmt.Errorf("scan role permission: %w", err)
		}
		out[roleID] = append(out[roleID], name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate role permissions: %w", err)
	}
	return out, nil
}

// linkPermissions inserts role_permissions rows resolved by permission name.
// Names missing from the permissions table are skipped.
func (r *RoleRepository) linkPermissions(ctx context.Context, tx pgExecutor, roleID int64, names []string) error {
	if len(names) == 0 {
		return nil
	}

	stmt, args, err := r.builder.Insert("role_permissions").
		Columns("role_id", "permission_id").
		Select(squirrel.Select().
			Column(squirrel.Expr("?::bigint", roleID)).
			Column("id").
			From("permissions").
			Where(squirrel.Eq{"name": names})).
		Suffix("ON CONFLICT DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build link permissions sql: %w", err)
	}

	if _, err := tx.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("link permissions: %w", err)
	}
	return nil
}

func (r *RoleRepository) unlinkPermissions(ctx context.Context, tx pgExecutor, roleID int64) error {
	stmt, args, err := r.builder.Delete("role_permissions").Where(squirrel.Eq{"role_id": roleID}).ToSql()
	if err != nil {
		return fmt.Errorf("build unlink permissions sql: %w", err)
	}
	if _, err := tx.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("unlink permissions: %w", err)
	}
	return nil
}

func scanRole(row pgx.Row) (*domain.Role, error) {
	var (
		role        domain.Role
		description sql.NullString
	)
	if err := row.Scan(&role.ID, &role.Name, &description, &role.IsSystem); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan role: %w", err)
	}
	role.Description = description.String
	return &role, nil
}

var _ port.RoleRepository = (*RoleRepository)(nil)
