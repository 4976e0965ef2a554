// Package memory is an embedded provider keeping tables, change tracking and
// scope records in process memory. It backs tests and single-process setups.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider"
)

type record struct {
	key       []any
	values    []any
	tombstone bool
	ts        int64
	createdTs int64
	writer    uuid.UUID
}

func (r *record) clone() *record {
	c := *r
	c.key = slices.Clone(r.key)
	c.values = slices.Clone(r.values)
	return &c
}

type tableData struct {
	def     *model.SyncTable
	rows    map[string]*record
	tracked bool
	trigger bool
}

// Store implements provider.Provider in memory.
type Store struct {
	name string

	mu          sync.Mutex
	clock       int64
	tables      map[string]*tableData
	relations   []*model.SyncRelation
	scopeTables bool
	scopes      map[string]*model.ScopeInfo
	peers       map[string]map[uuid.UUID]*model.PeerScope

	openSessions int
	faults       faults
}

var _ provider.Provider = (*Store)(nil)

func New(name string) *Store {
	return &Store{
		name:   name,
		tables: make(map[string]*tableData),
		scopes: make(map[string]*model.ScopeInfo),
		peers:  make(map[string]map[uuid.UUID]*model.PeerScope),
	}
}

func (s *Store) Name() string { return s.name }

func tableKey(n model.TableName) string { return strings.ToLower(n.String()) }

// lookup resolves a table ignoring schema when the store has a single match.
func (s *Store) lookup(n model.TableName) *tableData {
	if td, ok := s.tables[tableKey(n)]; ok {
		return td
	}
	var found *tableData
	for _, td := range s.tables {
		if strings.EqualFold(td.def.TableName, n.Name) && (n.Schema == "" || td.def.SchemaName == "") {
			if found != nil {
				return nil
			}
			found = td
		}
	}
	return found
}

func (s *Store) tick() int64 {
	s.clock++
	return s.clock
}

// --- sessions ---

type session struct {
	store  *Store
	closed bool
	inTx   bool
	undo   []func()
}

func (s *Store) OpenSession(ctx context.Context) (provider.StoreSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults.takeOpen(); err != nil {
		return nil, err
	}
	s.openSessions++
	return &session{store: s}, nil
}

func (ss *session) BeginTx(ctx context.Context) error {
	if ss.closed {
		return provider.ErrSessionClosed
	}
	if ss.inTx {
		return provider.ErrTxActive
	}
	ss.inTx = true
	ss.undo = ss.undo[:0]
	return ctx.Err()
}

func (ss *session) Commit(ctx context.Context) error {
	if ss.closed {
		return provider.ErrSessionClosed
	}
	if !ss.inTx {
		return provider.ErrNoTransaction
	}
	ss.store.mu.Lock()
	err := ss.store.faults.takeCommit()
	ss.store.mu.Unlock()
	if err != nil {
		return err
	}
	ss.inTx = false
	ss.undo = nil
	return nil
}

func (ss *session) Rollback() error {
	if !ss.inTx {
		return provider.ErrNoTransaction
	}
	ss.store.mu.Lock()
	for i := len(ss.undo) - 1; i >= 0; i-- {
		ss.undo[i]()
	}
	ss.store.mu.Unlock()
	ss.inTx = false
	ss.undo = nil
	return nil
}

func (ss *session) InTx() bool { return ss.inTx }

func (ss *session) Close() error {
	if ss.closed {
		return nil
	}
	var err error
	if ss.inTx {
		err = ss.Rollback()
	}
	ss.closed = true
	ss.store.mu.Lock()
	ss.store.openSessions--
	ss.store.mu.Unlock()
	return err
}

// record registers an undo step; must be called with the store lock held.
func (ss *session) record(fn func()) {
	if ss.inTx {
		ss.undo = append(ss.undo, fn)
	}
}

func asSession(sess provider.StoreSession) (*session, error) {
	ss, ok := sess.(*session)
	if !ok || ss == nil {
		return nil, fmt.Errorf("memory: foreign session %T", sess)
	}
	if ss.closed {
		return nil, provider.ErrSessionClosed
	}
	return ss, nil
}

// --- schema ---

func (s *Store) ReadSchema(ctx context.Context, sess provider.StoreSession, names []model.TableName) (*model.SyncSet, error) {
	if _, err := asSession(sess); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := model.NewSyncSet()
	for _, n := range names {
		td := s.lookup(n)
		if td == nil {
			return nil, &model.SchemaError{Reason: model.MissingTable, Table: n.String()}
		}
		if len(td.def.PrimaryKeys) == 0 {
			return nil, &model.SchemaError{Reason: model.MissingPrimaryKey, Table: n.String()}
		}
		if err := set.AddTable(td.def.CloneSchema()); err != nil {
			return nil, err
		}
	}
	for _, r := range s.relations {
		if set.Lookup(r.ParentTable) != nil && set.Lookup(r.ChildTable) != nil {
			rc := *r
			set.Relations = append(set.Relations, &rc)
		}
	}
	return set, nil
}

// --- change tracking ---

func (s *Store) GetLocalTimestamp(ctx context.Context, sess provider.StoreSession) (int64, error) {
	if _, err := asSession(sess); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock, nil
}

func (s *Store) SelectChanges(ctx context.Context, sess provider.StoreSession, table *model.SyncTable, since, upto int64, exclude uuid.UUID) iter.Seq2[*model.SyncRow, error] {
	return func(yield func(*model.SyncRow, error) bool) {
		if _, err := asSession(sess); err != nil {
			yield(nil, err)
			return
		}
		s.mu.Lock()
		td := s.lookup(table.Name())
		if td == nil || !td.tracked {
			s.mu.Unlock()
			yield(nil, &model.SchemaError{Reason: model.MissingTable, Table: table.FullName(), Detail: "table is not tracked"})
			return
		}
		var changed []*record
		for _, rec := range td.rows {
			if rec.ts <= since || rec.ts > upto {
				continue
			}
			if exclude != uuid.Nil && rec.writer == exclude {
				continue
			}
			changed = append(changed, rec.clone())
		}
		def := td.def
		s.mu.Unlock()

		slices.SortFunc(changed, func(a, b *record) int { return cmp.Compare(a.ts, b.ts) })
		for _, rec := range changed {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			row, err := toSyncRow(def, table, rec)
			if !yield(row, err) || err != nil {
				return
			}
		}
	}
}

// toSyncRow maps a stored record onto the column order of the requested table.
func toSyncRow(def, table *model.SyncTable, rec *record) (*model.SyncRow, error) {
	values := make([]any, len(table.Columns))
	for i, col := range table.Columns {
		j := def.ColumnIndex(col.Name)
		if j < 0 {
			return nil, &model.SchemaError{Reason: model.MissingColumn, Table: table.FullName(), Column: col.Name}
		}
		if rec.tombstone && !def.IsPrimaryKey(col.Name) {
			continue
		}
		values[i] = rec.values[j]
	}
	state := model.RowModified
	if rec.tombstone {
		state = model.RowDeleted
	}
	return table.NewRow(state, values...), nil
}

// fromSyncRow normalises row values into the store's column order.
func fromSyncRow(def *model.SyncTable, row *model.SyncRow) (key, values []any, err error) {
	src := row.Table()
	values = make([]any, len(def.Columns))
	for i, col := range def.Columns {
		j := src.ColumnIndex(col.Name)
		if j < 0 {
			if def.IsPrimaryKey(col.Name) {
				return nil, nil, &model.SchemaError{Reason: model.MissingColumn, Table: def.FullName(), Column: col.Name}
			}
			continue
		}
		v, err := model.NormalizeValue(col.Type, row.GetAt(j))
		if err != nil {
			return nil, nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		values[i] = v
	}
	for _, idx := range def.PrimaryKeyIndexes() {
		key = append(key, values[idx])
	}
	return key, values, nil
}

func (s *Store) ApplyRow(ctx context.Context, sess provider.StoreSession, table *model.SyncTable, row *model.SyncRow, opts provider.ApplyOptions) (provider.ApplyResult, error) {
	ss, err := asSession(sess)
	if err != nil {
		return provider.ApplyResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return provider.ApplyResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faults.takeApply(table, row); err != nil {
		return provider.ApplyResult{}, err
	}
	td := s.lookup(table.Name())
	if td == nil || !td.tracked {
		return provider.ApplyResult{}, &model.SchemaError{Reason: model.MissingTable, Table: table.FullName(), Detail: "table is not tracked"}
	}
	key, values, err := fromSyncRow(td.def, row)
	if err != nil {
		return provider.ApplyResult{}, err
	}
	k := model.KeyString(key)
	rec := td.rows[k]

	if !opts.Force && rec != nil && rec.ts > opts.ExpectedVersion && rec.writer != opts.SenderScopeID {
		existing, err := toSyncRow(td.def, table, rec)
		if err != nil {
			return provider.ApplyResult{}, err
		}
		return provider.ApplyResult{
			Status:        provider.StatusConflict,
			Existing:      existing,
			ExistingIsNew: rec.createdTs > opts.ExpectedVersion,
		}, nil
	}

	var prev *record
	if rec != nil {
		prev = rec.clone()
	}
	ss.record(func() {
		if prev == nil {
			delete(td.rows, k)
		} else {
			td.rows[k] = prev
		}
	})

	switch row.State {
	case model.RowDeleted:
		switch {
		case rec == nil:
		case rec.tombstone:
			rec.writer = opts.SenderScopeID
		default:
			rec.tombstone = true
			rec.ts = s.tick()
			rec.writer = opts.SenderScopeID
		}
	default:
		if rec == nil || rec.tombstone {
			ts := s.tick()
			td.rows[k] = &record{key: key, values: values, ts: ts, createdTs: ts, writer: opts.SenderScopeID}
		} else {
			rec.values = values
			rec.ts = s.tick()
			rec.writer = opts.SenderScopeID
		}
	}
	return provider.ApplyResult{Status: provider.StatusApplied}, nil
}

// --- provisioning ---

func (s *Store) ObjectExists(ctx context.Context, sess provider.StoreSession, kind provider.ObjectKind, table *model.SyncTable) (bool, error) {
	if _, err := asSession(sess); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == provider.ObjectScopeTables {
		return s.scopeTables, nil
	}
	td := s.lookup(table.Name())
	switch kind {
	case provider.ObjectTable:
		return td != nil, nil
	case provider.ObjectTrackingTable:
		return td != nil && td.tracked, nil
	case provider.ObjectTriggers:
		return td != nil && td.trigger, nil
	}
	return false, fmt.Errorf("memory: unknown object kind %s", kind)
}

func (s *Store) CreateObject(ctx context.Context, sess provider.StoreSession, kind provider.ObjectKind, table *model.SyncTable) error {
	ss, err := asSession(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == provider.ObjectScopeTables {
		s.scopeTables = true
		ss.record(func() { s.scopeTables = false })
		return nil
	}
	if kind == provider.ObjectTable {
		if s.lookup(table.Name()) != nil {
			return fmt.Errorf("memory: table %s already exists", table.FullName())
		}
		key := tableKey(table.Name())
		s.tables[key] = &tableData{def: table.CloneSchema(), rows: make(map[string]*record)}
		ss.record(func() { delete(s.tables, key) })
		return nil
	}
	td := s.lookup(table.Name())
	if td == nil {
		return &model.SchemaError{Reason: model.MissingTable, Table: table.FullName()}
	}
	switch kind {
	case provider.ObjectTrackingTable:
		td.tracked = true
		ss.record(func() { td.tracked = false })
	case provider.ObjectTriggers:
		td.trigger = true
		ss.record(func() { td.trigger = false })
	default:
		return fmt.Errorf("memory: unknown object kind %s", kind)
	}
	return nil
}

func (s *Store) DropObject(ctx context.Context, sess provider.StoreSession, kind provider.ObjectKind, table *model.SyncTable) error {
	ss, err := asSession(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == provider.ObjectScopeTables {
		scopes, peers := maps.Clone(s.scopes), maps.Clone(s.peers)
		s.scopeTables = false
		s.scopes = make(map[string]*model.ScopeInfo)
		s.peers = make(map[string]map[uuid.UUID]*model.PeerScope)
		ss.record(func() { s.scopeTables, s.scopes, s.peers = true, scopes, peers })
		return nil
	}
	td := s.lookup(table.Name())
	if td == nil {
		return nil
	}
	switch kind {
	case provider.ObjectTable:
		key := tableKey(td.def.Name())
		delete(s.tables, key)
		ss.record(func() { s.tables[key] = td })
	case provider.ObjectTrackingTable:
		td.tracked = false
		ss.record(func() { td.tracked = true })
	case provider.ObjectTriggers:
		td.trigger = false
		ss.record(func() { td.trigger = true })
	}
	return nil
}

// --- scope store ---

func (s *Store) GetScopeInfo(ctx context.Context, sess provider.StoreSession, name string) (*model.ScopeInfo, error) {
	if _, err := asSession(sess); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.scopeTables {
		return nil, fmt.Errorf("memory: scope tables are not provisioned")
	}
	scope, ok := s.scopes[name]
	if !ok {
		return nil, nil
	}
	return scope.Clone(), nil
}

func (s *Store) SaveScopeInfo(ctx context.Context, sess provider.StoreSession, scope *model.ScopeInfo, expectedVersion int64) error {
	ss, err := asSession(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.scopeTables {
		return fmt.Errorf("memory: scope tables are not provisioned")
	}
	prev, ok := s.scopes[scope.Name]
	current := int64(0)
	if ok {
		current = prev.Version
	}
	if current != expectedVersion {
		return fmt.Errorf("scope %s: persisted version %d, expected %d: %w", scope.Name, current, expectedVersion, provider.ErrVersionConflict)
	}
	s.scopes[scope.Name] = scope.Clone()
	ss.record(func() {
		if ok {
			s.scopes[scope.Name] = prev
		} else {
			delete(s.scopes, scope.Name)
		}
	})
	return nil
}

func (s *Store) GetPeerScopes(ctx context.Context, sess provider.StoreSession, scopeName string) ([]*model.PeerScope, error) {
	if _, err := asSession(sess); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PeerScope
	for _, p := range s.peers[scopeName] {
		pc := *p
		out = append(out, &pc)
	}
	slices.SortFunc(out, func(a, b *model.PeerScope) int { return strings.Compare(a.PeerScopeID.String(), b.PeerScopeID.String()) })
	return out, nil
}

func (s *Store) SavePeerScope(ctx context.Context, sess provider.StoreSession, peer *model.PeerScope) error {
	ss, err := asSession(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.peers[peer.ScopeName]
	if !ok {
		byID = make(map[uuid.UUID]*model.PeerScope)
		s.peers[peer.ScopeName] = byID
	}
	prev, had := byID[peer.PeerScopeID]
	pc := *peer
	byID[peer.PeerScopeID] = &pc
	ss.record(func() {
		if had {
			byID[peer.PeerScopeID] = prev
		} else {
			delete(byID, peer.PeerScopeID)
		}
	})
	return nil
}

func (s *Store) DeletePeerScope(ctx context.Context, sess provider.StoreSession, scopeName string, peerID uuid.UUID) error {
	ss, err := asSession(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.peers[scopeName][peerID]
	if !had {
		return nil
	}
	delete(s.peers[scopeName], peerID)
	ss.record(func() { s.peers[scopeName][peerID] = prev })
	return nil
}

// --- metadata ---

func (s *Store) DeleteTombstones(ctx context.Context, sess provider.StoreSession, table *model.SyncTable, before int64) (int64, error) {
	ss, err := asSession(sess)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	td := s.lookup(table.Name())
	if td == nil {
		return 0, &model.SchemaError{Reason: model.MissingTable, Table: table.FullName()}
	}
	var purged int64
	for k, rec := range td.rows {
		if rec.tombstone && rec.ts < before {
			delete(td.rows, k)
			purged++
			ss.record(func() { td.rows[k] = rec })
		}
	}
	return purged, nil
}

func (s *Store) ResetTable(ctx context.Context, sess provider.StoreSession, table *model.SyncTable) error {
	ss, err := asSession(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	td := s.lookup(table.Name())
	if td == nil {
		return &model.SchemaError{Reason: model.MissingTable, Table: table.FullName()}
	}
	old := td.rows
	td.rows = make(map[string]*record)
	ss.record(func() { td.rows = old })
	return nil
}
