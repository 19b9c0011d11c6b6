package database

import (
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

// Excluded references the value proposed for insertion inside an ON CONFLICT clause.
func Excluded(column string) any {
	return sqlbuilder.Raw(fmt.Sprintf("EXCLUDED.%s", column))
}

type InsertBuilder struct {
	*sqlbuilder.InsertBuilder
}

func NewInsertBuilder(d Dialect) *InsertBuilder {
	return &InsertBuilder{d.Flavor().NewInsertBuilder()}
}

// OnConflict appends "ON CONFLICT (cols) DO UPDATE" and returns the builder
// for the SET list.
func (b *InsertBuilder) OnConflict(columns ...string) *UpdateBuilder {
	ub := &UpdateBuilder{b.Flavor().NewUpdateBuilder()}
	b.SQL(fmt.Sprintf("ON CONFLICT (%s) DO UPDATE %s", strings.Join(columns, ", "), b.Var(ub.UpdateBuilder)))
	return ub
}

// OnConflictDoNothing appends "ON CONFLICT (cols) DO NOTHING".
func (b *InsertBuilder) OnConflictDoNothing(columns ...string) *InsertBuilder {
	if len(columns) == 0 {
		b.SQL("ON CONFLICT DO NOTHING")
		return b
	}
	b.SQL(fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(columns, ", ")))
	return b
}

// SetExcluded assigns every column to its EXCLUDED value.
func (ub *UpdateBuilder) SetExcluded(columns ...string) *UpdateBuilder {
	assignments := make([]string, 0, len(columns))
	for _, col := range columns {
		assignments = append(assignments, ub.Assign(col, Excluded(col)))
	}
	ub.Set(assignments...)
	return ub
}

type UpdateBuilder struct {
	*sqlbuilder.UpdateBuilder
}

func NewUpdateBuilder(d Dialect) *UpdateBuilder {
	return &UpdateBuilder{d.Flavor().NewUpdateBuilder()}
}

type DeleteBuilder struct {
	*sqlbuilder.DeleteBuilder
}

func NewDeleteBuilder(d Dialect) *DeleteBuilder {
	return &DeleteBuilder{d.Flavor().NewDeleteBuilder()}
}

type SelectBuilder struct {
	*sqlbuilder.SelectBuilder
}

func NewSelectBuilder(d Dialect) *SelectBuilder {
	return &SelectBuilder{d.Flavor().NewSelectBuilder()}
}

// LockForUpdate adds FOR UPDATE where the dialect has row locks.
func (sb *SelectBuilder) LockForUpdate(d Dialect) *SelectBuilder {
	if d.SupportsRowLocks() {
		sb.ForUpdate()
	}
	return sb
}

type Struct struct {
	*sqlbuilder.Struct
}

func (s *Struct) SelectFrom(table string) *SelectBuilder {
	return &SelectBuilder{s.Struct.SelectFrom(table)}
}

func (s *Struct) InsertInto(table string, v ...any) *InsertBuilder {
	return &InsertBuilder{s.Struct.InsertInto(table, v...)}
}

func (s *Struct) Update(table string, v any) *UpdateBuilder {
	return &UpdateBuilder{s.Struct.Update(table, v)}
}

func NewStruct(d Dialect, v any) *Struct {
	return &Struct{sqlbuilder.NewStruct(v).For(d.Flavor())}
}
