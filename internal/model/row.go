package model

import (
	"fmt"
	"strings"
)

type RowState int

const (
	RowModified RowState = iota
	RowDeleted
)

func (s RowState) String() string {
	switch s {
	case RowModified:
		return "modified"
	case RowDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("RowState(%d)", int(s))
	}
}

// SyncRow is one logical row. Values are aligned with the columns of the
// table the row is bound to.
type SyncRow struct {
	table  *SyncTable
	values []any
	State  RowState
}

func (r *SyncRow) Table() *SyncTable { return r.table }

func (r *SyncRow) Len() int { return len(r.values) }

// Values returns a copy of the row values in column order.
func (r *SyncRow) Values() []any {
	out := make([]any, len(r.values))
	copy(out, r.values)
	return out
}

func (r *SyncRow) GetAt(i int) any { return r.values[i] }

func (r *SyncRow) SetAt(i int, v any) { r.values[i] = v }

func (r *SyncRow) Get(column string) (any, error) {
	i := r.table.ColumnIndex(column)
	if i < 0 {
		return nil, &SchemaError{Reason: MissingColumn, Table: r.table.FullName(), Column: column}
	}
	return r.values[i], nil
}

func (r *SyncRow) Set(column string, v any) error {
	i := r.table.ColumnIndex(column)
	if i < 0 {
		return &SchemaError{Reason: MissingColumn, Table: r.table.FullName(), Column: column}
	}
	r.values[i] = v
	return nil
}

// PrimaryKey returns the key values in primary key order.
func (r *SyncRow) PrimaryKey() []any {
	idx := r.table.PrimaryKeyIndexes()
	key := make([]any, len(idx))
	for i, j := range idx {
		key[i] = r.values[j]
	}
	return key
}

// KeyString renders the primary key as a stable map key.
func (r *SyncRow) KeyString() string {
	return KeyString(r.PrimaryKey())
}

func KeyString(key []any) string {
	parts := make([]string, len(key))
	for i, v := range key {
		parts[i] = fmt.Sprintf("%T:%v", v, v)
	}
	return strings.Join(parts, "|")
}

// Clone copies the row. The copy stays bound to the same table but is not
// added to its Rows.
func (r *SyncRow) Clone() *SyncRow { return r.cloneTo(r.table) }

// CloneTo copies the row and binds the copy to t, which must share the column
// layout of the source table.
func (r *SyncRow) CloneTo(t *SyncTable) *SyncRow {
	if len(t.Columns) != len(r.values) {
		panic(fmt.Sprintf("model: table %s has %d columns, row has %d values", t.FullName(), len(t.Columns), len(r.values)))
	}
	return r.cloneTo(t)
}

func (r *SyncRow) cloneTo(t *SyncTable) *SyncRow {
	vals := make([]any, len(r.values))
	for i, v := range r.values {
		if b, ok := v.([]byte); ok {
			v = append([]byte(nil), b...)
		}
		vals[i] = v
	}
	return &SyncRow{table: t, values: vals, State: r.State}
}

// Equal compares state and values after normalisation.
func (r *SyncRow) Equal(o *SyncRow) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.State != o.State || len(r.values) != len(o.values) {
		return false
	}
	for i := range r.values {
		dt := TypeString
		if i < len(r.table.Columns) {
			dt = r.table.Columns[i].Type
		}
		if !ValuesEqual(dt, r.values[i], o.values[i]) {
			return false
		}
	}
	return true
}

func (r *SyncRow) String() string {
	return fmt.Sprintf("%s[%s]%v", r.table.FullName(), r.State, r.values)
}
