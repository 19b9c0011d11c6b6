package store

import (
	"context"
	"sort"
	"sync"
)

type rowKey struct {
	table string
	id    int64
}

type joinKey struct {
	owner   int64
	related int64
}

// MemoryStore is an in-process Store. Same-row writers serialize on a
// per-row mutex.
type MemoryStore struct {
	mu       sync.Mutex
	tables   map[string]map[int64]map[string]any
	joins    map[string]map[joinKey]JoinRow
	rowLocks map[rowKey]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:   map[string]map[int64]map[string]any{},
		joins:    map[string]map[joinKey]JoinRow{},
		rowLocks: map[rowKey]*sync.Mutex{},
	}
}

func (s *MemoryStore) rowLock(table string, id int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rowKey{table: table, id: id}
	lock, ok := s.rowLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.rowLocks[key] = lock
	}
	return lock
}

func (s *MemoryStore) Exists(_ context.Context, table string, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tables[table][id]
	return ok, nil
}

func (s *MemoryStore) LockAndUpdate(ctx context.Context, table string, id int64, fields map[string]any) error {
	lock := s.rowLock(table, id)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tables[table][id]
	if !ok {
		return ErrNotFound
	}
	for col, value := range fields {
		row[col] = value
	}
	return nil
}

func (s *MemoryStore) Insert(_ context.Context, table string, id int64, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.tables[table]
	if !ok {
		rows = map[int64]map[string]any{}
		s.tables[table] = rows
	}
	if _, exists := rows[id]; exists {
		return ErrUniquenessViolation
	}

	row := make(map[string]any, len(fields)+1)
	for col, value := range fields {
		row[col] = value
	}
	row["id"] = id
	rows[id] = row
	return nil
}

func (s *MemoryStore) UpsertJoin(_ context.Context, join JoinSpec, row JoinRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.joins[join.Table]
	if !ok {
		rows = map[joinKey]JoinRow{}
		s.joins[join.Table] = rows
	}

	for key, existing := range rows {
		if key.owner == row.OwnerID && existing.Slot == row.Slot && key.related != row.RelatedID {
			delete(rows, key)
		}
	}

	flags := make(map[string]any, len(row.Flags))
	for k, v := range row.Flags {
		flags[k] = v
	}
	row.Flags = flags
	rows[joinKey{owner: row.OwnerID, related: row.RelatedID}] = row
	return nil
}

func (s *MemoryStore) PruneJoins(_ context.Context, join JoinSpec, ownerID int64, keep []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make(map[int64]struct{}, len(keep))
	for _, id := range keep {
		kept[id] = struct{}{}
	}

	var deleted int64
	for key := range s.joins[join.Table] {
		if key.owner != ownerID {
			continue
		}
		if _, ok := kept[key.related]; !ok {
			delete(s.joins[join.Table], key)
			deleted++
		}
	}
	return deleted, nil
}

// Get returns a copy of one row.
func (s *MemoryStore) Get(table string, id int64) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tables[table][id]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out, true
}

func (s *MemoryStore) Count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[table])
}

// Joins returns the owner's join rows ordered by slot.
func (s *MemoryStore) Joins(table string, ownerID int64) []JoinRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []JoinRow
	for key, row := range s.joins[table] {
		if key.owner == ownerID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}
