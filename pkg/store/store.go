package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
)

var (
	// ErrNotFound is returned by LockAndUpdate when the row does not exist.
	ErrNotFound = errors.New("row not found")
	// ErrUniquenessViolation is returned by Insert when the id is taken.
	ErrUniquenessViolation = errors.New("uniqueness violation")
)

// Store is the storage capability the updater writes through. Tables and
// columns are identifiers from trusted configuration, checked with
// ValidateIdentifier before use.
type Store interface {
	Exists(ctx context.Context, table string, id int64) (bool, error)
	// LockAndUpdate takes an exclusive lock on the row and sets fields.
	LockAndUpdate(ctx context.Context, table string, id int64, fields map[string]any) error
	Insert(ctx context.Context, table string, id int64, fields map[string]any) error
	// UpsertJoin writes the (owner, related) row with exactly row's slot and
	// flags. A different related row holding the same (owner, slot) is
	// removed in the same unit of work.
	UpsertJoin(ctx context.Context, join JoinSpec, row JoinRow) error
	// PruneJoins deletes the owner's join rows whose related id is not in keep.
	PruneJoins(ctx context.Context, join JoinSpec, ownerID int64, keep []int64) (int64, error)
}

// JoinSpec describes a many-to-many join table.
type JoinSpec struct {
	Table         string `yaml:"table" validate:"required"`
	OwnerTable    string `yaml:"owner_table"`
	OwnerColumn   string `yaml:"owner_column" validate:"required"`
	RelatedColumn string `yaml:"related_column" validate:"required"`
	SlotColumn    string `yaml:"slot_column"`
}

// WithDefaults fills SlotColumn.
func (j JoinSpec) WithDefaults() JoinSpec {
	if j.SlotColumn == "" {
		j.SlotColumn = "slot"
	}
	return j
}

// Validate checks every identifier of the join.
func (j JoinSpec) Validate() error {
	for _, name := range []string{j.Table, j.OwnerColumn, j.RelatedColumn, j.SlotColumn} {
		if err := ValidateIdentifier(name); err != nil {
			return err
		}
	}
	if j.OwnerTable != "" {
		return ValidateIdentifier(j.OwnerTable)
	}
	return nil
}

type JoinRow struct {
	OwnerID   int64
	RelatedID int64
	Slot      int64
	Flags     map[string]any
}

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidateIdentifier rejects anything that is not a plain lower-case SQL
// identifier.
func ValidateIdentifier(name string) error {
	if !identifier.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// SortedColumns returns the keys of fields in a stable order after checking
// each one.
func SortedColumns(fields map[string]any) ([]string, error) {
	cols := make([]string, 0, len(fields))
	for col := range fields {
		if err := ValidateIdentifier(col); err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols, nil
}
