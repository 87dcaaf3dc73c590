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

var groupColumns = []string{"id", "name", "description", "created_at", "updated_at"}

// GroupRepository implements admin group persistence.
type GroupRepository struct {
	db      pgDB
	builder squirrel.StatementBuilderType
	now     func() time.Time
}

// NewGroupRepository constructs a PostgreSQL-backed group repository.
func NewGroupRepository(db pgDB) *GroupRepository {
	return &GroupRepository{
		db:      db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		now:     time.Now,
	}
}

// WithClock allows injection of a custom clock (primarily for testing).
func (r *GroupRepository) WithClock(now func() time.Time) *GroupRepository {
	if now != nil {
		r.now = now
	}
	return r
}

// ListGroups returns every group ordered by name.
func (r *GroupRepository) ListGroups(ctx context.Context) ([]domain.Group, error) {
	stmt, args, err := r.builder.Select(groupColumns...).
		From("groups").
		OrderBy("name ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list groups sql: %w", err)
	}

	rows, err := r.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	groups := make([]domain.Group, 0)
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

// GetGroup retrieves a single group.
func (r *GroupRepository) GetGroup(ctx context.Context, groupID int64) (*domain.Group, error) {
	stmt, args, err := r.builder.Select(groupColumns...).
		From("groups").
		Where(squirrel.Eq{"id": groupID}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select group sql: %w", err)
	}

	group, err := scanGroup(r.db.QueryRow(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return group, nil
}

// CreateGroup inserts a group and returns its id.
func (r *GroupRepository) CreateGroup(ctx context.Context, group domain.Group) (int64, error) {
	stmt, args, err := r.builder.Insert("groups").
		Columns("name", "description", "created_at").
		Values(group.Name, group.Description, r.now().UTC()).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert group sql: %w", err)
	}

	var id int64
	if err := r.db.QueryRow(ctx, stmt, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert group: %w", mapWriteError(err))
	}
	return id, nil
}

// UpdateGroup overwrites name and description.
func (r *GroupRepository) UpdateGroup(ctx context.Context, group domain.Group) error {
	stmt, args, err := r.builder.Update("groups").
		Set("name", group.Name).
		Set("description", group.Description).
		Set("updated_at", r.now().UTC()).
		Where(squirrel.Eq{"id": group.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update group sql: %w", err)
	}

	tag, err := r.db.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update group: %w", mapWriteError(err))
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteGroup detaches every member and removes the group in one transaction.
func (r *GroupRepository) DeleteGroup(ctx context.Context, groupID int64) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		stmt, args, err := r.builder.Update("admins").
			Set("group_id", nil).
			Where(squirrel.Eq{"group_id": groupID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build detach group members sql: %w", err)
		}
		if _, err := tx.Exec(ctx, stmt, args...); err != nil {
			return fmt.Errorf("detach group members: %w", err)
		}

		stmt, args, err = r.builder.Delete("groups").Where(squirrel.Eq{"id": groupID}).ToSql()
		if err != nil {
			return fmt.Errorf("build delete group sql: %w", err)
		}

		tag, err := tx.Exec(ctx, stmt, args...)
		if err != nil {
			return fmt.Errorf("delete group: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return repository.ErrNotFound
		}
		return nil
	})
}

func scanGroup(row pgx.Row) (*domain.Group, error) {
	var (
		group       domain.Group
		description sql.NullString
		updatedAt   sql.NullTime
	)
	if err := row.Scan(&group.ID, &group.Name, &description, &group.CreatedAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan group: %w", err)
	}
	group.Description = description.String
	if updatedAt.Valid {
		group.UpdatedAt = &updatedAt.Time
	}
	return &group, nil
}

var _ port.GroupRepository = (*GroupRepository)(nil)
