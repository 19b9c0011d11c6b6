package updater

import (
	"context"
	"fmt"
	"sort"

	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/transform"
)

// Relation maps one record relation onto a related entity table and the
// join table linking it to the owner.
type Relation struct {
	Target string         `yaml:"target" validate:"required"`
	Join   store.JoinSpec `yaml:"join"`
	// Flags are the entry flags copied onto the join row.
	Flags []string `yaml:"flags"`
	// PruneStale deletes the owner's join rows missing from the payload.
	PruneStale bool `yaml:"prune_stale"`
}

type Config struct {
	TargetEntityType string              `yaml:"target_entity_type" validate:"required"`
	Relations        map[string]Relation `yaml:"relations" validate:"dive"`
}

type Updater interface {
	Apply(ctx context.Context, record *transform.Record) error
}

// StoreUpdater upserts records through a store.Store. Writers of the same
// id serialize on the store's row lock; different ids never block each
// other.
type StoreUpdater struct {
	store  store.Store
	cfg    Config
	logger ectologger.Logger
}

func New(st store.Store, cfg Config, logger ectologger.Logger) (*StoreUpdater, error) {
	if err := store.ValidateIdentifier(cfg.TargetEntityType); err != nil {
		return nil, errors.Wrap(err, "target_entity_type")
	}

	relations := make(map[string]Relation, len(cfg.Relations))
	for name, rel := range cfg.Relations {
		if err := store.ValidateIdentifier(rel.Target); err != nil {
			return nil, errors.Wrapf(err, "relation %s target", name)
		}
		if rel.Join.OwnerTable == "" {
			rel.Join.OwnerTable = cfg.TargetEntityType
		}
		rel.Join = rel.Join.WithDefaults()
		if err := rel.Join.Validate(); err != nil {
			return nil, errors.Wrapf(err, "relation %s join", name)
		}
		for _, flag := range rel.Flags {
			if err := store.ValidateIdentifier(flag); err != nil {
				return nil, errors.Wrapf(err, "relation %s flag", name)
			}
		}
		relations[name] = rel
	}
	cfg.Relations = relations

	return &StoreUpdater{store: st, cfg: cfg, logger: logger}, nil
}

// Apply upserts the owner, then every related entity and join row.
func (u *StoreUpdater) Apply(ctx context.Context, record *transform.Record) error {
	ctx, span := tracing.StartSpan(ctx, "updater.Apply",
		attribute.String("entity_type", u.cfg.TargetEntityType),
		attribute.Int64("entity_id", record.ID),
	)
	defer span.End()

	names := record.RelationNames()
	joins := make(map[string][]store.JoinRow, len(names))
	for _, name := range names {
		rel, ok := u.cfg.Relations[name]
		if !ok {
			err := fmt.Errorf("no relation mapping for %q on %s", name, u.cfg.TargetEntityType)
			tracing.RecordError(span, err)
			return err
		}
		rows, err := joinRows(name, record.ID, rel, record.Relations[name])
		if err != nil {
			tracing.RecordError(span, err)
			return err
		}
		joins[name] = rows
	}

	if err := u.upsert(ctx, u.cfg.TargetEntityType, record.ID, record.Fields); err != nil {
		tracing.RecordError(span, err)
		return err
	}

	for _, name := range names {
		if err := u.applyRelation(ctx, record.ID, u.cfg.Relations[name], record.Relations[name], joins[name]); err != nil {
			tracing.RecordError(span, err)
			return errors.Wrapf(err, "relation %s", name)
		}
	}

	u.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": u.cfg.TargetEntityType,
		"entity_id":   record.ID,
	}).Debugf("Applied %s %d", u.cfg.TargetEntityType, record.ID)
	return nil
}

// joinRows builds the join row of every entry. Each row carries every
// configured flag so UpsertJoin sets the flags rather than merging them.
func joinRows(name string, ownerID int64, rel Relation, entries []transform.RelationEntry) ([]store.JoinRow, error) {
	rows := make([]store.JoinRow, 0, len(entries))
	for i, entry := range entries {
		flags, err := pickFlags(fmt.Sprintf("%s[%d]", name, i), rel.Flags, entry.Flags)
		if err != nil {
			return nil, err
		}
		rows = append(rows, store.JoinRow{
			OwnerID:   ownerID,
			RelatedID: entry.Ref.ID,
			Slot:      entry.Slot,
			Flags:     flags,
		})
	}
	return rows, nil
}

func (u *StoreUpdater) applyRelation(ctx context.Context, ownerID int64, rel Relation, entries []transform.RelationEntry, rows []store.JoinRow) error {
	keep := make([]int64, 0, len(entries))
	for i, entry := range entries {
		if err := u.upsert(ctx, rel.Target, entry.Ref.ID, map[string]any{"name": entry.Ref.Name}); err != nil {
			return err
		}
		if err := u.store.UpsertJoin(ctx, rel.Join, rows[i]); err != nil {
			return err
		}
		keep = append(keep, entry.Ref.ID)
	}

	if !rel.PruneStale {
		return nil
	}

	deleted, err := u.store.PruneJoins(ctx, rel.Join, ownerID, keep)
	if err != nil {
		return err
	}
	if deleted > 0 {
		u.logger.WithContext(ctx).WithFields(map[string]any{
			"join_table": rel.Join.Table,
			"owner_id":   ownerID,
			"deleted":    deleted,
		}).Infof("Pruned %d stale %s rows", deleted, rel.Join.Table)
	}
	return nil
}

// upsert updates the row under its lock when it exists and inserts it
// otherwise. Losing an insert race falls back to the locked update.
func (u *StoreUpdater) upsert(ctx context.Context, table string, id int64, fields map[string]any) error {
	exists, err := u.store.Exists(ctx, table, id)
	if err != nil {
		return err
	}

	if exists {
		err = u.store.LockAndUpdate(ctx, table, id, fields)
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	err = u.store.Insert(ctx, table, id, fields)
	if errors.Is(err, store.ErrUniquenessViolation) {
		metrics.RecordUpsertConflict(table)
		u.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_type": table,
			"entity_id":   id,
		}).Debugf("Lost insert race for %s %d, updating", table, id)
		return u.store.LockAndUpdate(ctx, table, id, fields)
	}
	return err
}

// pickFlags returns exactly the configured flags of an entry. A configured
// flag that is missing or null is an ExtractionError: the join row would
// otherwise keep a stale value from an earlier sync.
func pickFlags(path string, columns []string, flags map[string]any) (map[string]any, error) {
	if len(columns) == 0 {
		return nil, nil
	}
	picked := make(map[string]any, len(columns))
	for _, col := range columns {
		value, ok := flags[col]
		if !ok || value == nil {
			return nil, &transform.ExtractionError{Path: path + "." + col, Reason: "flag is missing"}
		}
		picked[col] = value
	}
	return picked, nil
}

// RelationNames lists the configured relations in a stable order.
func (u *StoreUpdater) RelationNames() []string {
	names := make([]string, 0, len(u.cfg.Relations))
	for name := range u.cfg.Relations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (u *StoreUpdater) TargetEntityType() string {
	return u.cfg.TargetEntityType
}
