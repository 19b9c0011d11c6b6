package transform

import "sort"

// Reference identifies a related entity by its upstream id and name.
type Reference struct {
	ID   int64
	Name string
}

// RelationEntry is one nested relation item. Slot and Flags are copied from
// the payload unchanged.
type RelationEntry struct {
	Slot  int64
	Flags map[string]any
	Ref   Reference
}

// Record is a normalized entity: scalar fields plus relation lists in
// payload order.
type Record struct {
	ID        int64
	Fields    map[string]any
	Relations map[string][]RelationEntry
}

// RelationNames returns the record's relation names in a stable order.
func (r *Record) RelationNames() []string {
	names := make([]string, 0, len(r.Relations))
	for name := range r.Relations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
