// Package model defines core data structures for dbcflow.
package model

// Record is one decoded unit of a DBC file: an ordered list of fields.
// Field order is the order in which the decoder produced them and is what
// drives column order in the materialized table.
type Record struct {
	Fields []Field
}

// Field is a single named scalar value.
// Value is nil, string, int64, float64, bool or time.Time (dates).
type Field struct {
	Name  string
	Value any
}

// Get returns the value for name and whether the field is present.
func (r *Record) Get(name string) (any, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Len returns the number of fields.
func (r *Record) Len() int {
	return len(r.Fields)
}
