package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v2"

	"github.com/arklim/anticheat-authz/internal/core/domain"
	"github.com/arklim/anticheat-authz/internal/repository"
)

func TestRoleRepository_UpdateRoleReplacesPermissions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewRoleRepository(mock)
	role := domain.Role{ID: 5, Name: "trial-mod", Description: "Trial moderators"}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE roles SET name = \$1, description = \$2, updated_at = \$3 WHERE id = \$4`).
		WithArgs("trial-mod", "Trial moderators", pgxmock.AnyArg(), int64(5)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM role_permissions WHERE role_id = \$1`).
		WithArgs(int64(5)).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(`INSERT INTO role_permissions \(role_id,permission_id\) SELECT \$1::bigint, id FROM permissions WHERE name IN \(\$2,\$3\) ON CONFLICT DO NOTHING`).
		WithArgs(int64(5), "players.view", "live.view").
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	if err := repo.UpdateRole(context.Background(), role, []string{"players.view", "live.view"}); err != nil {
		t.Fatalf("UpdateRole returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRoleRepository_UpdateRoleMissingRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewRoleRepository(mock)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE roles`).
		WithArgs("ghost", "", pgxmock.AnyArg(), int64(404)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err = repo.UpdateRole(context.Background(), domain.Role{ID: 404, Name: "ghost"}, nil)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRoleRepository_CreateRoleConflict(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewRoleRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO roles \(name,description,is_system,created_at\) VALUES \(\$1,\$2,\$3,\$4\) RETURNING id`).
		WithArgs("moderator", "", false, pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "roles_name_key"})
	mock.ExpectRollback()

	_, err = repo.CreateRole(context.Background(), domain.Role{Name: "moderator"})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRoleRepository_ListRolesAttachesPermissions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewRoleRepository(mock)

	mock.ExpectQuery(`SELECT id, name, description, is_system FROM roles ORDER BY is_system DESC, name ASC`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "description", "is_system"}).
			AddRow(int64(1), "moderator", "Built-in moderator role", true).
			AddRow(int64(9), "empty", nil, false))
	mock.ExpectQuery(`SELECT rp\.role_id, p\.name FROM role_permissions rp JOIN permissions p`).
		WillReturnRows(pgxmock.NewRows([]string{"role_id", "name"}).
			AddRow(int64(1), "players.view").
			AddRow(int64(1), "sanctions.create"))

	roles, err := repo.ListRoles(context.Background())
	if err != nil {
		t.Fatalf("ListRoles returned error: %v", err)
	}
	if len(roles) != 2 {
		t.Fatalf("expected 2 roles, got %d", len(roles))
	}
	if len(roles[0].Permissions) != 2 {
		t.Fatalf("expected moderator permissions, got %v", roles[0].Permissions)
	}
	if roles[1].Permissions == nil || len(roles[1].Permissions) != 0 {
		t.Fatalf("expected empty non-nil permissions, got %v", roles[1].Permissions)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
