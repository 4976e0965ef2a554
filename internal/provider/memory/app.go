package memory

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/arwahdevops/bisync/internal/model"
)

// The helpers below play the role of the application writing to the store
// outside of any sync session. Their changes are tracked with no writer.

// DefineTable creates a table with change tracking enabled.
func (s *Store) DefineTable(t *model.SyncTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[tableKey(t.Name())] = &tableData{def: t.CloneSchema(), rows: make(map[string]*record), tracked: true, trigger: true}
}

// CreateTable creates a plain table that still needs provisioning.
func (s *Store) CreateTable(t *model.SyncTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[tableKey(t.Name())] = &tableData{def: t.CloneSchema(), rows: make(map[string]*record)}
}

func (s *Store) DefineRelation(r *model.SyncRelation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc := *r
	s.relations = append(s.relations, &rc)
}

// ProvisionScopeTables marks the scope tables as created.
func (s *Store) ProvisionScopeTables() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopeTables = true
}

func (s *Store) table(name string) (*tableData, error) {
	td := s.lookup(model.ParseTableName(name))
	if td == nil {
		return nil, &model.SchemaError{Reason: model.MissingTable, Table: name}
	}
	return td, nil
}

func (s *Store) normalize(td *tableData, values map[string]any) ([]any, []any, error) {
	row := make([]any, len(td.def.Columns))
	for col, v := range values {
		i := td.def.ColumnIndex(col)
		if i < 0 {
			return nil, nil, &model.SchemaError{Reason: model.MissingColumn, Table: td.def.FullName(), Column: col}
		}
		n, err := model.NormalizeValue(td.def.Columns[i].Type, v)
		if err != nil {
			return nil, nil, fmt.Errorf("column %s: %w", col, err)
		}
		row[i] = n
	}
	var key []any
	for _, idx := range td.def.PrimaryKeyIndexes() {
		if row[idx] == nil {
			return nil, nil, fmt.Errorf("table %s: primary key column %s is null", td.def.FullName(), td.def.Columns[idx].Name)
		}
		key = append(key, row[idx])
	}
	return key, row, nil
}

// Upsert inserts or replaces a row.
func (s *Store) Upsert(table string, values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, err := s.table(table)
	if err != nil {
		return err
	}
	key, row, err := s.normalize(td, values)
	if err != nil {
		return err
	}
	k := model.KeyString(key)
	rec := td.rows[k]
	ts := s.tick()
	if rec == nil || rec.tombstone {
		td.rows[k] = &record{key: key, values: row, ts: ts, createdTs: ts}
		return nil
	}
	rec.values, rec.ts, rec.writer = row, ts, uuid.Nil
	return nil
}

// Delete removes a row, leaving a tombstone.
func (s *Store) Delete(table string, key ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, err := s.table(table)
	if err != nil {
		return err
	}
	k, err := s.keyOf(td, key)
	if err != nil {
		return err
	}
	rec := td.rows[k]
	if rec == nil || rec.tombstone {
		return fmt.Errorf("table %s: row %v not found", table, key)
	}
	rec.tombstone, rec.ts, rec.writer = true, s.tick(), uuid.Nil
	return nil
}

func (s *Store) keyOf(td *tableData, key []any) (string, error) {
	pks := td.def.PrimaryKeyIndexes()
	if len(key) != len(pks) {
		return "", fmt.Errorf("table %s: key has %d values, want %d", td.def.FullName(), len(key), len(pks))
	}
	norm := make([]any, len(key))
	for i, idx := range pks {
		v, err := model.NormalizeValue(td.def.Columns[idx].Type, key[i])
		if err != nil {
			return "", err
		}
		norm[i] = v
	}
	return model.KeyString(norm), nil
}

// Get returns the live row for key by column name.
func (s *Store) Get(table string, key ...any) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, err := s.table(table)
	if err != nil {
		return nil, false
	}
	k, err := s.keyOf(td, key)
	if err != nil {
		return nil, false
	}
	rec := td.rows[k]
	if rec == nil || rec.tombstone {
		return nil, false
	}
	out := make(map[string]any, len(td.def.Columns))
	for i, c := range td.def.Columns {
		out[c.Name] = rec.values[i]
	}
	return out, true
}

// Count returns the number of live rows.
func (s *Store) Count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, err := s.table(table)
	if err != nil {
		return 0
	}
	n := 0
	for _, rec := range td.rows {
		if !rec.tombstone {
			n++
		}
	}
	return n
}

// TrackingInfo exposes the tracking metadata of a row, tombstones included.
type TrackingInfo struct {
	Timestamp        int64
	CreatedTimestamp int64
	Writer           uuid.UUID
	Tombstone        bool
}

func (s *Store) Tracking(table string, key ...any) (TrackingInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, err := s.table(table)
	if err != nil {
		return TrackingInfo{}, false
	}
	k, err := s.keyOf(td, key)
	if err != nil {
		return TrackingInfo{}, false
	}
	rec := td.rows[k]
	if rec == nil {
		return TrackingInfo{}, false
	}
	return TrackingInfo{Timestamp: rec.ts, CreatedTimestamp: rec.createdTs, Writer: rec.writer, Tombstone: rec.tombstone}, true
}

// SetClock moves the logical clock; the next write gets ts+1.
func (s *Store) SetClock(ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = ts
}

func (s *Store) Clock() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}
