package fields

import "sort"

// Entry is one rendered key/value pair of a semantic field map.
type Entry struct {
	Field Field
	Slot  int // 1-based for enumerated fields, 0 otherwise
	Value string
}

// Key returns the rendered key of the entry.
func (e Entry) Key() string { return e.Field.Label(e.Slot) }

// Map is a semantic field map: field (or field+slot) to rendered value.
// Emission order is the canonical field order with enumerated slots kept in
// ascending slot order at the position of their parent field; the version
// field sorts last by construction.
type Map struct {
	entries map[mapKey]string
}

type mapKey struct {
	field Field
	slot  int
}

// NewMap returns an empty semantic field map.
func NewMap() *Map {
	return &Map{entries: make(map[mapKey]string)}
}

// Set stores a scalar field value, replacing any previous value.
func (m *Map) Set(f Field, value string) { m.entries[mapKey{f, 0}] = value }

// SetSlot stores an enumerated field value for the given 1-based slot.
func (m *Map) SetSlot(f Field, slot int, value string) {
	if slot < 1 {
		slot = 1
	}
	m.entries[mapKey{f, slot}] = value
}

// Get returns the scalar value of f.
func (m *Map) Get(f Field) (string, bool) {
	v, ok := m.entries[mapKey{f, 0}]
	return v, ok
}

// GetSlot returns the value of f at the given slot.
func (m *Map) GetSlot(f Field, slot int) (string, bool) {
	v, ok := m.entries[mapKey{f, slot}]
	return v, ok
}

// Delete removes the scalar value of f.
func (m *Map) Delete(f Field) { delete(m.entries, mapKey{f, 0}) }

// DeleteSlot removes the value of f at the given slot.
func (m *Map) DeleteSlot(f Field, slot int) { delete(m.entries, mapKey{f, slot}) }

// Slots returns the populated slot indices of an enumerated field, ascending.
func (m *Map) Slots(f Field) []int {
	var out []int
	for k := range m.entries {
		if k.field == f && k.slot > 0 {
			out = append(out, k.slot)
		}
	}
	sort.Ints(out)
	return out
}

// Len returns the number of stored entries.
func (m *Map) Len() int { return len(m.entries) }

// Ordered returns all entries in canonical emission order.
func (m *Map) Ordered() []Entry {
	out := make([]Entry, 0, len(m.entries))
	for k, v := range m.entries {
		out = append(out, Entry{Field: k.field, Slot: k.slot, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Slot < out[j].Slot
	})
	return out
}

// Filter returns a copy holding only entries accepted by keep.
func (m *Map) Filter(keep func(Entry) bool) *Map {
	out := NewMap()
	for k, v := range m.entries {
		if keep(Entry{Field: k.field, Slot: k.slot, Value: v}) {
			out.entries[k] = v
		}
	}
	return out
}

// Clone returns a deep copy of the map.
func (m *Map) Clone() *Map {
	out := NewMap()
	for k, v := range m.entries {
		out.entries[k] = v
	}
	return out
}
