package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v2"

	"github.com/arklim/anticheat-authz/internal/repository"
)

func TestIdentityRepository_LookupUserRole(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewIdentityRepository(mock)

	mock.ExpectQuery(`SELECT role_id FROM admins WHERE id = \$1 AND is_active = \$2`).
		WithArgs(int64(7), true).
		WillReturnRows(pgxmock.NewRows([]string{"role_id"}).AddRow(int64(3)))

	roleID, err := repo.LookupUserRole(context.Background(), 7)
	if err != nil {
		t.Fatalf("LookupUserRole returned error: %v", err)
	}
	if roleID != 3 {
		t.Fatalf("expected role 3, got %d", roleID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIdentityRepository_LookupUserRoleWithoutRole(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewIdentityRepository(mock)

	mock.ExpectQuery(`SELECT role_id FROM admins`).
		WithArgs(int64(8), true).
		WillReturnRows(pgxmock.NewRows([]string{"role_id"}).AddRow(nil))
	mock.ExpectQuery(`SELECT role_id FROM admins`).
		WithArgs(int64(9), true).
		WillReturnError(pgx.ErrNoRows)

	if _, err := repo.LookupUserRole(context.Background(), 8); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for role-less user, got %v", err)
	}
	if _, err := repo.LookupUserRole(context.Background(), 9); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing user, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIdentityRepository_LookupRolePermissions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewIdentityRepository(mock)

	mock.ExpectQuery(`SELECT p\.name FROM permissions p JOIN role_permissions rp ON rp\.permission_id = p\.id WHERE rp\.role_id = \$1`).
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"name"}).
			AddRow("players.view").
			AddRow("sanctions.create"))

	names, err := repo.LookupRolePermissions(context.Background(), 3)
	if err != nil {
		t.Fatalf("LookupRolePermissions returned error: %v", err)
	}
	if len(names) != 2 || names[0] != "players.view" || names[1] != "sanctions.create" {
		t.Fatalf("unexpected permissions: %v", names)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIdentityRepository_LookupUserPermissionsQueryError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewIdentityRepository(mock)
	boom := errors.New("connection reset")

	mock.ExpectQuery(`SELECT p\.name FROM admins a JOIN role_permissions rp`).
		WithArgs(int64(7), true).
		WillReturnError(boom)

	if _, err := repo.LookupUserPermissions(context.Background(), 7); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped query error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
