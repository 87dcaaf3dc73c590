package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/core/port"
	"github.com/arklim/anticheat-authz/internal/repository"
)

var adminUserColumns = []string{
	"a.id", "a.username", "a.email", "a.role_id", "r.name", "a.group_id", "g.name",
	"a.is_active", "a.last_login", "a.created_at",
}

// UserRepository implements admin user persistence.
type UserRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
	now     func() time.Time
}

// NewUserRepository constructs a PostgreSQL-backed admin user repository.
func NewUserRepository(exec pgExecutor) *UserRepository {
	return &UserRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		now:     time.Now,
	}
}

// WithClock allows injection of a custom clock (primarily for testing).
func (r *UserRepository) WithClock(now func() time.Time) *UserRepository {
	if now != nil {
		r.now = now
	}
	return r
}

// ListUsers returns every admin user with their role and group names.
func (r *UserRepository) ListUsers(ctx context.Context) ([]domain.AdminUser, error) {
	stmt, args, err := r.selectUsers().OrderBy("a.username ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list users sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := make([]domain.AdminUser, 0)
	for rows.Next() {
		user, err := scanAdminUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	return users, nil
}

// GetUser retrieves a single admin user.
func (r *UserRepository) GetUser(ctx context.Context, userID int64) (*domain.AdminUser, error) {
	stmt, args, err := r.selectUsers().Where(squirrel.Eq{"a.id": userID}).Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select user sql: %w", err)
	}

	user, err := scanAdminUser(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return user, nil
}

// CreateUser inserts a new admin user and returns its id.
func (r *UserRepository) CreateUser(ctx context.Context, user port.NewAdminUser) (int64, error) {
	stmt, args, err := r.builder.Insert("admins").
		Columns("username", "email", "password_hash", "role_id", "group_id", "is_active", "created_at").
		Values(user.Username, user.Email, user.PasswordHash, user.RoleID, user.GroupID, true, r.now().UTC()).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert user sql: %w", err)
	}

	var id int64
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert user: %w", mapWriteError(err))
	}
	return id, nil
}

// UpdateUser applies the non-nil fields of update.
func (r *UserRepository) UpdateUser(ctx context.Context, userID int64, update port.AdminUserUpdate) error {
	builder := r.builder.Update("admins").
		Set("updated_at", r.now().UTC()).
		Where(squirrel.Eq{"id": userID})

	if update.Email != nil {
		builder = builder.Set("email", nullableString(*update.Email))
	}
	if update.RoleID != nil {
		builder = builder.Set("role_id", *update.RoleID)
	}
	if update.GroupID != nil {
		builder = builder.Set("group_id", nullableID(*update.GroupID))
	}
	if update.IsActive != nil {
		builder = builder.Set("is_active", *update.IsActive)
	}
	if update.PasswordHash != nil {
		builder = builder.Set("password_hash", *update.PasswordHash)
	}

	stmt, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build update user sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", mapWriteError(err))
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeactivateUser marks the user inactive.
func (r *UserRepository) DeactivateUser(ctx context.Context, userID int64) error {
	inactive := false
	return r.UpdateUser(ctx, userID, port.AdminUserUpdate{IsActive: &inactive})
}

// GetCredentialsByUsername loads the login view of a user regardless of active state.
func (r *UserRepository) GetCredentialsByUsername(ctx context.Context, username string) (*domain.AdminCredentials, error) {
	stmt, args, err := r.builder.Select("a.id", "a.username", "a.password_hash", "a.role_id", "r.name", "a.is_active").
		From("admins a").
		LeftJoin("roles r ON r.id = a.role_id").
		Where(squirrel.Eq{"a.username": strings.TrimSpace(username)}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select credentials sql: %w", err)
	}

	var (
		creds    domain.AdminCredentials
		roleID   sql.NullInt64
		roleName sql.NullString
	)
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(
		&creds.ID, &creds.Username, &creds.PasswordHash, &roleID, &roleName, &creds.IsActive,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan credentials: %w", err)
	}
	creds.RoleID = roleID.Int64
	creds.RoleName = roleName.String

	return &creds, nil
}

// TouchLastLogin records a successful login.
func (r *UserRepository) TouchLastLogin(ctx context.Context, userID int64) error {
	stmt, args, err := r.builder.Update("admins").
		Set("last_login", r.now().UTC()).
		Where(squirrel.Eq{"id": userID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build touch last login sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("touch last login: %w", err)
	}
	return nil
}

func (r *UserRepository) selectUsers() squirrel.SelectBuilder {
	return r.builder.Select(adminUserColumns...).
		From("admins a").
		LeftJoin("roles r ON r.id = a.role_id").
		LeftJoin("groups g ON g.id = a.group_id")
}

func scanAdminUser(row pgx.Row) (*domain.AdminUser, error) {
	var (
		user      domain.AdminUser
		email     sql.NullString
		roleID    sql.NullInt64
		roleName  sql.NullString
		groupID   sql.NullInt64
		groupName sql.NullString
		lastLogin sql.NullTime
	)

	if err := row.Scan(
		&user.ID, &user.Username, &email, &roleID, &roleName, &groupID, &groupName,
		&user.IsActive, &lastLogin, &user.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}

	if email.Valid {
		user.Email = &email.String
	}
	if roleID.Valid {
		user.RoleID = &roleID.Int64
	}
	if roleName.Valid {
		user.RoleName = &roleName.String
	}
	if groupID.Valid {
		user.GroupID = &groupID.Int64
	}
	if groupName.Valid {
		user.GroupName = &groupName.String
	}
	if lastLogin.Valid {
		user.LastLogin = &lastLogin.Time
	}

	return &user, nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

var (
	_ port.AdminUserRepository = (*UserRepository)(nil)
	_ port.CredentialStore     = (*UserRepository)(nil)
)
