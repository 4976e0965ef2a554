// internal/model/schema.go
package model

import (
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// DataType is the semantic type of a column, independent of the storage engine.
type DataType int

const (
	TypeString DataType = iota
	TypeInt
	TypeFloat
	TypeDecimal
	TypeBool
	TypeBytes
	TypeDateTime
	TypeUUID
)

var dataTypeNames = map[DataType]string{
	TypeString:   "string",
	TypeInt:      "int",
	TypeFloat:    "float",
	TypeDecimal:  "decimal",
	TypeBool:     "bool",
	TypeBytes:    "bytes",
	TypeDateTime: "datetime",
	TypeUUID:     "uuid",
}

func (t DataType) String() string {
	if n, ok := dataTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// ParseDataType is the inverse of DataType.String.
func ParseDataType(s string) (DataType, error) {
	for t, n := range dataTypeNames {
		if n == strings.ToLower(strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return TypeString, fmt.Errorf("unknown data type %q", s)
}

func (t DataType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *DataType) UnmarshalText(b []byte) error {
	v, err := ParseDataType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// TableName identifies a table by schema and name. Schema is empty for
// engines without schemas (sqlite) or when the default schema is meant.
type TableName struct {
	Schema string `json:"schema,omitempty"`
	Name   string `json:"name"`
}

func (n TableName) String() string {
	if n.Schema == "" {
		return n.Name
	}
	return n.Schema + "." + n.Name
}

// ParseTableName splits "schema.table" (or "table") into a TableName.
func ParseTableName(s string) TableName {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "."); i > 0 {
		return TableName{Schema: s[:i], Name: s[i+1:]}
	}
	return TableName{Name: s}
}

type SyncColumn struct {
	Name          string   `json:"name"`
	Type          DataType `json:"type"`
	Nullable      bool     `json:"nullable,omitempty"`
	MaxLength     int      `json:"max_length,omitempty"`
	Precision     int      `json:"precision,omitempty"`
	Scale         int      `json:"scale,omitempty"`
	AutoIncrement bool     `json:"auto_increment,omitempty"`
}

// SyncTable describes one table: ordered columns, the primary key column
// set and, when used as a container, the rows bound to it.
type SyncTable struct {
	SchemaName  string        `json:"schema,omitempty"`
	TableName   string        `json:"name"`
	Columns     []*SyncColumn `json:"columns"`
	PrimaryKeys []string      `json:"primary_keys"`
	Rows        []*SyncRow    `json:"-"`
}

func NewSyncTable(schema, name string) *SyncTable {
	return &SyncTable{SchemaName: schema, TableName: name}
}

func (t *SyncTable) Name() TableName { return TableName{Schema: t.SchemaName, Name: t.TableName} }

func (t *SyncTable) FullName() string { return t.Name().String() }

// ColumnIndex returns the ordinal of the named column or -1.
func (t *SyncTable) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

func (t *SyncTable) Column(name string) *SyncColumn {
	if i := t.ColumnIndex(name); i >= 0 {
		return t.Columns[i]
	}
	return nil
}

func (t *SyncTable) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// PrimaryKeyIndexes returns column ordinals of the primary key, in key order.
func (t *SyncTable) PrimaryKeyIndexes() []int {
	idx := make([]int, 0, len(t.PrimaryKeys))
	for _, pk := range t.PrimaryKeys {
		idx = append(idx, t.ColumnIndex(pk))
	}
	return idx
}

func (t *SyncTable) IsPrimaryKey(column string) bool {
	for _, pk := range t.PrimaryKeys {
		if strings.EqualFold(pk, column) {
			return true
		}
	}
	return false
}

// AddColumn appends a column. Columns cannot change once rows are bound,
// since every row is aligned to the column order.
func (t *SyncTable) AddColumn(c *SyncColumn) error {
	if c == nil || c.Name == "" {
		return fmt.Errorf("table %s: column name is empty", t.FullName())
	}
	if t.ColumnIndex(c.Name) >= 0 {
		return &SchemaError{Reason: DuplicateColumn, Table: t.FullName(), Column: c.Name}
	}
	if len(t.Rows) > 0 {
		return fmt.Errorf("table %s: cannot add column %s to a table holding %d rows", t.FullName(), c.Name, len(t.Rows))
	}
	t.Columns = append(t.Columns, c)
	return nil
}

func (t *SyncTable) RemoveColumn(name string) error {
	i := t.ColumnIndex(name)
	if i < 0 {
		return &SchemaError{Reason: MissingColumn, Table: t.FullName(), Column: name}
	}
	if t.IsPrimaryKey(name) {
		return fmt.Errorf("table %s: cannot remove primary key column %s", t.FullName(), name)
	}
	if len(t.Rows) > 0 {
		return fmt.Errorf("table %s: cannot remove column %s from a table holding %d rows", t.FullName(), name, len(t.Rows))
	}
	t.Columns = append(t.Columns[:i], t.Columns[i+1:]...)
	return nil
}

// NewRow builds a row bound to t. A value count that differs from the
// column count is a programming error and panics.
func (t *SyncTable) NewRow(state RowState, values ...any) *SyncRow {
	if len(values) != len(t.Columns) {
		panic(fmt.Sprintf("model: table %s has %d columns, row has %d values", t.FullName(), len(t.Columns), len(values)))
	}
	vals := make([]any, len(values))
	copy(vals, values)
	return &SyncRow{table: t, values: vals, State: state}
}

// AddRow binds row to t. The row must have been created for a table with the
// same column layout.
func (t *SyncTable) AddRow(row *SyncRow) {
	if len(row.values) != len(t.Columns) {
		panic(fmt.Sprintf("model: table %s has %d columns, row has %d values", t.FullName(), len(t.Columns), len(row.values)))
	}
	row.table = t
	t.Rows = append(t.Rows, row)
}

// CloneSchema copies the table definition without rows.
func (t *SyncTable) CloneSchema() *SyncTable {
	c := &SyncTable{
		SchemaName:  t.SchemaName,
		TableName:   t.TableName,
		Columns:     make([]*SyncColumn, len(t.Columns)),
		PrimaryKeys: append([]string(nil), t.PrimaryKeys...),
	}
	for i, col := range t.Columns {
		cc := *col
		c.Columns[i] = &cc
	}
	return c
}

// Clone deep-copies the table including its rows; cloned rows are bound to
// the copy and never alias the originals.
func (t *SyncTable) Clone() *SyncTable {
	c := t.CloneSchema()
	c.Rows = make([]*SyncRow, 0, len(t.Rows))
	for _, r := range t.Rows {
		c.Rows = append(c.Rows, r.cloneTo(c))
	}
	return c
}

// SyncRelation is a foreign key between two tables of the same set.
type SyncRelation struct {
	Name          string    `json:"name"`
	ParentTable   TableName `json:"parent"`
	ParentColumns []string  `json:"parent_columns"`
	ChildTable    TableName `json:"child"`
	ChildColumns  []string  `json:"child_columns"`
}

// SyncSet is a serializable schema description: tables and relations.
type SyncSet struct {
	Tables    []*SyncTable    `json:"tables"`
	Relations []*SyncRelation `json:"relations,omitempty"`
}

func NewSyncSet() *SyncSet { return &SyncSet{} }

// Lookup finds a table by name. An empty schema in n matches any schema
// when the name alone is unambiguous.
func (s *SyncSet) Lookup(n TableName) *SyncTable {
	var candidate *SyncTable
	matches := 0
	for _, t := range s.Tables {
		if !strings.EqualFold(t.TableName, n.Name) {
			continue
		}
		if strings.EqualFold(t.SchemaName, n.Schema) {
			return t
		}
		if n.Schema == "" || t.SchemaName == "" {
			candidate = t
			matches++
		}
	}
	if matches == 1 {
		return candidate
	}
	return nil
}

func (s *SyncSet) Table(schema, name string) *SyncTable {
	return s.Lookup(TableName{Schema: schema, Name: name})
}

func (s *SyncSet) AddTable(t *SyncTable) error {
	for _, existing := range s.Tables {
		if strings.EqualFold(existing.SchemaName, t.SchemaName) && strings.EqualFold(existing.TableName, t.TableName) {
			return &SchemaError{Reason: DuplicateTable, Table: t.FullName()}
		}
	}
	s.Tables = append(s.Tables, t)
	return nil
}

// RemoveTable removes a table and every relation touching it.
func (s *SyncSet) RemoveTable(n TableName) error {
	for i, t := range s.Tables {
		if strings.EqualFold(t.SchemaName, n.Schema) && strings.EqualFold(t.TableName, n.Name) {
			s.Tables = append(s.Tables[:i], s.Tables[i+1:]...)
			rels := s.Relations[:0]
			for _, r := range s.Relations {
				if r.ParentTable != t.Name() && r.ChildTable != t.Name() {
					rels = append(rels, r)
				}
			}
			s.Relations = rels
			return nil
		}
	}
	return &SchemaError{Reason: MissingTable, Table: n.String()}
}

func (s *SyncSet) AddRelation(r *SyncRelation) error {
	if s.Lookup(r.ParentTable) == nil {
		return &SchemaError{Reason: MissingTable, Table: r.ParentTable.String(), Detail: "relation " + r.Name}
	}
	if s.Lookup(r.ChildTable) == nil {
		return &SchemaError{Reason: MissingTable, Table: r.ChildTable.String(), Detail: "relation " + r.Name}
	}
	for _, existing := range s.Relations {
		if strings.EqualFold(existing.Name, r.Name) {
			return fmt.Errorf("relation %s already exists", r.Name)
		}
	}
	s.Relations = append(s.Relations, r)
	return nil
}

func (s *SyncSet) TableNames() []TableName {
	names := make([]TableName, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.Name()
	}
	return names
}

func (s *SyncSet) RowsCount() int {
	n := 0
	for _, t := range s.Tables {
		n += len(t.Rows)
	}
	return n
}

// CloneSchema copies tables and relations without rows.
func (s *SyncSet) CloneSchema() *SyncSet {
	c := &SyncSet{Tables: make([]*SyncTable, len(s.Tables))}
	for i, t := range s.Tables {
		c.Tables[i] = t.CloneSchema()
	}
	for _, r := range s.Relations {
		rc := *r
		rc.ParentColumns = append([]string(nil), r.ParentColumns...)
		rc.ChildColumns = append([]string(nil), r.ChildColumns...)
		c.Relations = append(c.Relations, &rc)
	}
	return c
}

func (s *SyncSet) Clone() *SyncSet {
	c := s.CloneSchema()
	for i, t := range s.Tables {
		c.Tables[i] = t.Clone()
	}
	return c
}

// Validate checks the structural invariants every scope schema must hold.
func (s *SyncSet) Validate() error {
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, t := range s.Tables {
		key := strings.ToLower(t.FullName())
		if !seen.Add(key) {
			return &SchemaError{Reason: DuplicateTable, Table: t.FullName()}
		}
		if len(t.PrimaryKeys) == 0 {
			return &SchemaError{Reason: MissingPrimaryKey, Table: t.FullName()}
		}
		cols := mapset.NewThreadUnsafeSet[string]()
		for _, c := range t.Columns {
			if !cols.Add(strings.ToLower(c.Name)) {
				return &SchemaError{Reason: DuplicateColumn, Table: t.FullName(), Column: c.Name}
			}
		}
		for _, pk := range t.PrimaryKeys {
			if !cols.Contains(strings.ToLower(pk)) {
				return &SchemaError{Reason: MissingColumn, Table: t.FullName(), Column: pk, Detail: "primary key column"}
			}
		}
	}
	for _, r := range s.Relations {
		parent, child := s.Lookup(r.ParentTable), s.Lookup(r.ChildTable)
		if parent == nil {
			return &SchemaError{Reason: MissingTable, Table: r.ParentTable.String(), Detail: "relation " + r.Name}
		}
		if child == nil {
			return &SchemaError{Reason: MissingTable, Table: r.ChildTable.String(), Detail: "relation " + r.Name}
		}
		for _, c := range r.ChildColumns {
			if child.ColumnIndex(c) < 0 {
				return &SchemaError{Reason: MissingColumn, Table: child.FullName(), Column: c, Detail: "relation " + r.Name}
			}
		}
	}
	return nil
}
