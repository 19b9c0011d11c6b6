package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var ErrTriggerNotFound = httperror.NewHTTPError(http.StatusNotFound, "periodic trigger not found")

var triggerTable = models.PeriodicTrigger{}.TableName()

// Repository stores periodic triggers. Triggers are keyed by name; the id is
// assigned on first insert.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) triggerStruct() *database.Struct {
	return database.NewStruct(r.db.Dialect(), models.PeriodicTrigger{})
}

// EnsurePeriodicTrigger inserts trigger unless a trigger with its name
// already exists. It reports whether a row was created; an existing trigger
// keeps its enabled flag and schedule.
func (r *Repository) EnsurePeriodicTrigger(ctx context.Context, trigger *models.PeriodicTrigger) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "SchedulerRepository.EnsurePeriodicTrigger")
	defer span.End()

	now := time.Now().UTC()
	row := *trigger
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	if row.Kwargs.Data == nil {
		row.Kwargs = database.NewJSONB(map[string]any{})
	}
	row.CreatedAt = now
	row.UpdatedAt = now

	ib := r.triggerStruct().InsertInto(triggerTable, &row).OnConflictDoNothing("name")
	query, args := ib.Build()

	res, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to ensure periodic trigger %s", trigger.Name)
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	*trigger = row
	return true, nil
}

func (r *Repository) List(ctx context.Context) ([]models.PeriodicTrigger, error) {
	ctx, span := tracing.StartSpan(ctx, "SchedulerRepository.List")
	defer span.End()

	sb := r.triggerStruct().SelectFrom(triggerTable)
	sb.OrderBy("name")
	return r.selectTriggers(ctx, sb)
}

// ListEnabled returns up to limit enabled triggers, least recently run first.
func (r *Repository) ListEnabled(ctx context.Context, limit int) ([]models.PeriodicTrigger, error) {
	ctx, span := tracing.StartSpan(ctx, "SchedulerRepository.ListEnabled")
	defer span.End()

	sb := r.triggerStruct().SelectFrom(triggerTable)
	sb.Where(sb.Equal("enabled", true))
	sb.OrderBy("last_run_at", "name")
	if limit > 0 {
		sb.Limit(limit)
	}
	return r.selectTriggers(ctx, sb)
}

func (r *Repository) selectTriggers(ctx context.Context, sb *database.SelectBuilder) ([]models.PeriodicTrigger, error) {
	query, args := sb.Build()

	triggers := []models.PeriodicTrigger{}
	if err := r.db.Conn(ctx).SelectContext(ctx, &triggers, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list periodic triggers")
		return nil, err
	}
	return triggers, nil
}

func (r *Repository) GetByName(ctx context.Context, name string) (*models.PeriodicTrigger, error) {
	ctx, span := tracing.StartSpan(ctx, "SchedulerRepository.GetByName")
	defer span.End()

	return r.getBy(ctx, "name", name)
}

func (r *Repository) GetByID(ctx context.Context, id string) (*models.PeriodicTrigger, error) {
	ctx, span := tracing.StartSpan(ctx, "SchedulerRepository.GetByID")
	defer span.End()

	return r.getBy(ctx, "id", id)
}

func (r *Repository) getBy(ctx context.Context, column, value string) (*models.PeriodicTrigger, error) {
	sb := r.triggerStruct().SelectFrom(triggerTable)
	sb.Where(sb.Equal(column, value))
	query, args := sb.Build()

	var trigger models.PeriodicTrigger
	if err := r.db.Conn(ctx).GetContext(ctx, &trigger, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTriggerNotFound
		}
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to get periodic trigger %s=%s", column, value)
		return nil, err
	}
	return &trigger, nil
}

// SetEnabled switches a trigger on or off by name.
func (r *Repository) SetEnabled(ctx context.Context, name string, enabled bool) (*models.PeriodicTrigger, error) {
	ctx, span := tracing.StartSpan(ctx, "SchedulerRepository.SetEnabled")
	defer span.End()

	ub := database.NewUpdateBuilder(r.db.Dialect())
	ub.Update(triggerTable)
	ub.Set(
		ub.Assign("enabled", enabled),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(ub.Equal("name", name))

	if err := r.execOne(ctx, ub); err != nil {
		return nil, err
	}
	return r.GetByName(ctx, name)
}

// MarkRun records that the trigger fired at at.
func (r *Repository) MarkRun(ctx context.Context, id string, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "SchedulerRepository.MarkRun")
	defer span.End()

	ub := database.NewUpdateBuilder(r.db.Dialect())
	ub.Update(triggerTable)
	ub.Set(
		ub.Assign("last_run_at", at.UTC()),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(ub.Equal("id", id))

	return r.execOne(ctx, ub)
}

func (r *Repository) execOne(ctx context.Context, ub *database.UpdateBuilder) error {
	query, args := ub.Build()

	res, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to update periodic trigger")
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTriggerNotFound
	}
	return nil
}
