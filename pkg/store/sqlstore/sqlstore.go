package sqlstore

import (
	"context"
	"database/sql"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/store"
)

// Store implements store.Store over Postgres or SQLite. On Postgres the
// locked update takes SELECT ... FOR UPDATE; on SQLite the surrounding
// transaction is opened immediate, which serializes all writers.
type Store struct {
	db          database.DB
	logger      ectologger.Logger
	touchColumn string
}

type Option func(*Store)

// WithTouchColumn sets the timestamp column refreshed on every write. Empty
// disables it.
func WithTouchColumn(column string) Option {
	return func(s *Store) {
		s.touchColumn = column
	}
}

func New(db database.DB, logger ectologger.Logger, opts ...Option) *Store {
	s := &Store{db: db, logger: logger, touchColumn: "synced_at"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

func (s *Store) dialect() database.Dialect {
	return s.db.Dialect()
}

func (s *Store) Exists(ctx context.Context, table string, id int64) (bool, error) {
	if err := store.ValidateIdentifier(table); err != nil {
		return false, err
	}

	sb := database.NewSelectBuilder(s.dialect())
	sb.Select("1").From(table).Where(sb.Equal("id", id)).Limit(1)
	query, args := sb.Build()

	var one int
	err := s.db.Conn(ctx).GetContext(ctx, &one, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to check %s %d", table, id)
	}
	return true, nil
}

func (s *Store) LockAndUpdate(ctx context.Context, table string, id int64, fields map[string]any) error {
	if err := store.ValidateIdentifier(table); err != nil {
		return err
	}
	cols, err := store.SortedColumns(fields)
	if err != nil {
		return err
	}

	return s.db.WithTx(ctx, nil, func(ctx context.Context, q database.Querier) error {
		sb := database.NewSelectBuilder(s.dialect())
		sb.Select("id").From(table).Where(sb.Equal("id", id))
		query, args := sb.LockForUpdate(s.dialect()).Build()

		var locked int64
		err := q.GetContext(ctx, &locked, query, args...)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return errors.Wrapf(err, "failed to lock %s %d", table, id)
		}

		if len(cols) == 0 && s.touchColumn == "" {
			return nil
		}

		ub := database.NewUpdateBuilder(s.dialect())
		ub.Update(table)
		ub.Set(s.assignmentsFor(ub, cols, fields)...).Where(ub.Equal("id", id))
		query, args = ub.Build()
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrapf(err, "failed to update %s %d", table, id)
		}
		return nil
	})
}

func (s *Store) Insert(ctx context.Context, table string, id int64, fields map[string]any) error {
	if err := store.ValidateIdentifier(table); err != nil {
		return err
	}
	cols, err := store.SortedColumns(fields)
	if err != nil {
		return err
	}

	values := make([]any, 0, len(cols)+1)
	values = append(values, id)
	for _, col := range cols {
		values = append(values, fields[col])
	}

	ib := database.NewInsertBuilder(s.dialect())
	ib.InsertInto(table).Cols(append([]string{"id"}, cols...)...).Values(values...)
	query, args := ib.Build()

	if _, err := s.db.Conn(ctx).ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return store.ErrUniquenessViolation
		}
		return errors.Wrapf(err, "failed to insert %s %d", table, id)
	}
	return nil
}

func (s *Store) UpsertJoin(ctx context.Context, join store.JoinSpec, row store.JoinRow) error {
	join = join.WithDefaults()
	if err := join.Validate(); err != nil {
		return err
	}
	flagCols, err := store.SortedColumns(row.Flags)
	if err != nil {
		return err
	}

	return s.db.WithTx(ctx, nil, func(ctx context.Context, q database.Querier) error {
		if join.OwnerTable != "" && s.dialect().SupportsRowLocks() {
			// serializes slot changes of one owner
			sb := database.NewSelectBuilder(s.dialect())
			sb.Select("id").From(join.OwnerTable).Where(sb.Equal("id", row.OwnerID))
			query, args := sb.LockForUpdate(s.dialect()).Build()
			if _, err := q.ExecContext(ctx, query, args...); err != nil {
				return errors.Wrapf(err, "failed to lock owner %s %d", join.OwnerTable, row.OwnerID)
			}
		}

		del := database.NewDeleteBuilder(s.dialect())
		del.DeleteFrom(join.Table).Where(
			del.Equal(join.OwnerColumn, row.OwnerID),
			del.Equal(join.SlotColumn, row.Slot),
			del.NotEqual(join.RelatedColumn, row.RelatedID),
		)
		query, args := del.Build()
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrapf(err, "failed to displace %s slot %d", join.Table, row.Slot)
		}

		cols := append([]string{join.OwnerColumn, join.RelatedColumn, join.SlotColumn}, flagCols...)
		values := []any{row.OwnerID, row.RelatedID, row.Slot}
		for _, col := range flagCols {
			values = append(values, row.Flags[col])
		}

		ib := database.NewInsertBuilder(s.dialect())
		ib.InsertInto(join.Table).Cols(cols...).Values(values...)
		ub := ib.OnConflict(join.OwnerColumn, join.RelatedColumn)
		updated := append([]string{join.SlotColumn}, flagCols...)
		assignments := make([]string, 0, len(updated)+1)
		for _, col := range updated {
			assignments = append(assignments, ub.Assign(col, database.Excluded(col)))
		}
		if s.touchColumn != "" {
			assignments = append(assignments, ub.Assign(s.touchColumn, sqlbuilder.Raw("CURRENT_TIMESTAMP")))
		}
		ub.Set(assignments...)

		query, args = ib.Build()
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrapf(err, "failed to upsert %s (%d, %d)", join.Table, row.OwnerID, row.RelatedID)
		}
		return nil
	})
}

func (s *Store) PruneJoins(ctx context.Context, join store.JoinSpec, ownerID int64, keep []int64) (int64, error) {
	join = join.WithDefaults()
	if err := join.Validate(); err != nil {
		return 0, err
	}

	del := database.NewDeleteBuilder(s.dialect())
	conds := []string{del.Equal(join.OwnerColumn, ownerID)}
	if len(keep) > 0 {
		ids := make([]any, 0, len(keep))
		for _, id := range keep {
			ids = append(ids, id)
		}
		conds = append(conds, del.NotIn(join.RelatedColumn, ids...))
	}
	del.DeleteFrom(join.Table).Where(conds...)
	query, args := del.Build()

	res, err := s.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to prune %s for owner %d", join.Table, ownerID)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count pruned rows")
	}
	return deleted, nil
}

func (s *Store) assignmentsFor(ub *database.UpdateBuilder, cols []string, fields map[string]any) []string {
	assignments := make([]string, 0, len(cols)+1)
	for _, col := range cols {
		assignments = append(assignments, ub.Assign(col, fields[col]))
	}
	if s.touchColumn != "" {
		assignments = append(assignments, ub.Assign(s.touchColumn, sqlbuilder.Raw("CURRENT_TIMESTAMP")))
	}
	return assignments
}
