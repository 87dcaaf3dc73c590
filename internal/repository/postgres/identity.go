package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/anticheat-authz/internal/core/port"
	"github.com/arklim/anticheat-authz/internal/repository"
)

// IdentityRepository answers the permission resolver's lookups.
type IdentityRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewIdentityRepository constructs an identity repository.
func NewIdentityRepository(exec pgExecutor) *IdentityRepository {
	return &IdentityRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// LookupUserRole returns the role id of an active user. Missing, inactive
// and role-less users yield repository.ErrNotFound.
func (r *IdentityRepository) LookupUserRole(ctx context.Context, userID int64) (int64, error) {
	stmt, args, err := r.builder.Select("role_id").
		From("admins").
		Where(squirrel.Eq{"id": userID, "is_active": true}).
		Limit(1).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build select user role sql: %w", err)
	}

	var roleID sql.NullInt64
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&roleID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, fmt.Errorf("scan user role: %w", err)
	}
	if !roleID.Valid {
		return 0, repository.ErrNotFound
	}

	return roleID.Int64, nil
}

// LookupRolePermissions lists the permission names granted to roleID.
func (r *IdentityRepository) LookupRolePermissions(ctx context.Context, roleID int64) ([]string, error) {
	stmt, args, err := r.builder.Select("p.name").
		From("permissions p").
		Join("role_permissions rp ON rp.permission_id = p.id").
		Where(squirrel.Eq{"rp.role_id": roleID}).
		OrderBy("p.name ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select role permissions sql: %w", err)
	}

	return r.queryNames(ctx, stmt, args)
}

// LookupUserPermissions resolves an active user's permissions in one join.
func (r *IdentityRepository) LookupUserPermissions(ctx context.Context, userID int64) ([]string, error) {
	stmt, args, err := r.builder.Select("p.name").
		From("admins a").
		Join("role_permissions rp ON rp.role_id = a.role_id").
		Join("permissions p ON p.id = rp.permission_id").
		Where(squirrel.Eq{"a.id": userID, "a.is_active": true}).
		OrderBy("p.name ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select user permissions sql: %w", err)
	}

	return r.queryNames(ctx, stmt, args)
}

func (r *IdentityRepository) queryNames(ctx context.Context, stmt string, args []any) ([]string, error) {
	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}

	return names, nil
}

var (
	_ port.IdentityStore        = (*IdentityRepository)(nil)
	_ port.UserPermissionLookup = (*IdentityRepository)(nil)
)
