package postgres

import (
	"context"
	"fmt"
	"sort"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/anticheat-authz/internal/core/domain"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS roles (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT,
		is_system BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS permissions (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT,
		category TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS role_permissions (
		role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		permission_id BIGINT NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
		PRIMARY KEY (role_id, permission_id)
	)`,
	`CREATE TABLE IF NOT EXISTS groups (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS admins (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT,
		password_hash TEXT NOT NULL,
		role_id BIGINT REFERENCES roles(id),
		group_id BIGINT REFERENCES groups(id) ON DELETE SET NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		last_login TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ
	)`,
	`ALTER TABLE admins ADD COLUMN IF NOT EXISTS group_id BIGINT REFERENCES groups(id) ON DELETE SET NULL`,
}

// RegistrySeeder writes the permission registry and built-in roles.
type RegistrySeeder struct {
	db      pgDB
	builder squirrel.StatementBuilderType
}

// NewRegistrySeeder constructs a seeder.
func NewRegistrySeeder(db pgDB) *RegistrySeeder {
	return &RegistrySeeder{
		db:      db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// EnsureSchema creates the authorization tables when missing.
func (s *RegistrySeeder) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Seed upserts every registry permission and the built-in roles as system
// roles, resetting the built-in roles' permission links to the registry table.
func (s *RegistrySeeder) Seed(ctx context.Context) error {
	if err := domain.ValidateRegistry(); err != nil {
		return fmt.Errorf("validate registry: %w", err)
	}

	return withTx(ctx, s.db, func(tx pgx.Tx) error {
		registry := domain.PermissionRegistry()
		for _, name := range domain.PermissionNames() {
			info := registry[name]
			stmt, args, err := s.builder.Insert("permissions").
				Columns("name", "description", "category").
				Values(name, info.Description, info.Category).
				Suffix("ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description, category = EXCLUDED.category").
				ToSql()
			if err != nil {
				return fmt.Errorf("build upsert permission sql: %w", err)
			}
			if _, err := tx.Exec(ctx, stmt, args...); err != nil {
				return fmt.Errorf("upsert permission %s: %w", name, err)
			}
		}

		roles := domain.BuiltinRoles()
		names := make([]string, 0, len(roles))
		for name := range roles {
			names = append(names, name)
		}
		sort.Strings(names)

		links := NewRoleRepository(s.db)
		for _, name := range names {
			stmt, args, err := s.builder.Insert("roles").
				Columns("name", "description", "is_system").
				Values(name, "Built-in "+name+" role", true).
				Suffix("ON CONFLICT (name) DO UPDATE SET is_system = TRUE RETURNING id").
				ToSql()
			if err != nil {
				return fmt.Errorf("build upsert role sql: %w", err)
			}

			var roleID int64
			if err := tx.QueryRow(ctx, stmt, args...).Scan(&roleID); err != nil {
				return fmt.Errorf("upsert role %s: %w", name, err)
			}

			if err := links.unlinkPermissions(ctx, tx, roleID); err != nil {
				return err
			}
			if err := links.linkPermissions(ctx, tx, roleID, roles[name]); err != nil {
				return err
			}
		}

		return nil
	})
}
