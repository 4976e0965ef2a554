package sqlprovider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider"
)

// selectPageSize bounds the rows read per query so no cursor stays open
// while the caller consumes a page.
const selectPageSize = 500

func (p *Provider) GetLocalTimestamp(ctx context.Context, sess provider.StoreSession) (int64, error) {
	s, err := asSession(sess)
	if err != nil {
		return 0, err
	}
	var clock clockRecord
	err = s.conn(ctx).Where("id = ?", 1).Take(&clock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, classify(fmt.Errorf("failed to read clock: %w", err))
	}
	return clock.TS, nil
}

// selectSQL joins tracking rows with the base table. Key values come from the
// tracking side so tombstones still carry them. Columns are aliased by
// ordinal to keep user column names out of the result set.
func (p *Provider) selectSQL(table *model.SyncTable, exclude bool) string {
	key := selectKey(table, exclude)
	if query, ok := p.queries.Get(key); ok {
		return query
	}
	cols := make([]string, 0, len(table.Columns)+2)
	for i, col := range table.Columns {
		src := "b"
		if table.IsPrimaryKey(col.Name) {
			src = "tr"
		}
		cols = append(cols, fmt.Sprintf("%s.%s AS c%d", src, p.quote(col.Name), i))
	}
	cols = append(cols, "tr."+colTimestamp, "tr."+colTombstone)

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s tr LEFT JOIN %s b ON %s WHERE tr.%s > ? AND tr.%s <= ?",
		strings.Join(cols, ", "), p.quote(trackingName(table)), p.quote(table.TableName),
		keyMatch(p.dialect, "b", "tr", table.PrimaryKeys), colTimestamp, colTimestamp)
	if exclude {
		fmt.Fprintf(&b, " AND (tr.%s IS NULL OR tr.%s <> ?)", colWriter, colWriter)
	}
	fmt.Fprintf(&b, " ORDER BY tr.%s, %s LIMIT %d OFFSET ?", colTimestamp, columnList(p.dialect, "tr", table.PrimaryKeys), selectPageSize)
	query := b.String()
	p.queries.Add(key, query)
	return query
}

// selectKey covers everything selectSQL reads, so a table whose columns
// changed maps to a new statement.
func selectKey(table *model.SyncTable, exclude bool) string {
	return fmt.Sprintf("%s|%t|%s|%s", table.FullName(), exclude,
		strings.Join(table.ColumnNames(), ","), strings.Join(table.PrimaryKeys, ","))
}

func (p *Provider) SelectChanges(ctx context.Context, sess provider.StoreSession, table *model.SyncTable, since, upto int64, exclude uuid.UUID) iter.Seq2[*model.SyncRow, error] {
	return func(yield func(*model.SyncRow, error) bool) {
		s, err := asSession(sess)
		if err != nil {
			yield(nil, err)
			return
		}
		query := p.selectSQL(table, exclude != uuid.Nil)
		for offset := 0; ; offset += selectPageSize {
			args := []any{since, upto}
			if exclude != uuid.Nil {
				args = append(args, exclude.String())
			}
			args = append(args, offset)

			page, err := p.selectPage(ctx, s.conn(ctx), table, query, args)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, row := range page {
				if !yield(row, nil) {
					return
				}
			}
			if len(page) < selectPageSize {
				return
			}
		}
	}
}

func (p *Provider) selectPage(ctx context.Context, conn *gorm.DB, table *model.SyncTable, query string, args []any) ([]*model.SyncRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := conn.Raw(query, args...).Rows()
	if err != nil {
		return nil, classify(fmt.Errorf("failed to select changes of %s: %w", table.FullName(), err))
	}
	defer rows.Close()

	n := len(table.Columns)
	var page []*model.SyncRow
	for rows.Next() {
		raw := make([]any, n+2)
		dest := make([]any, n+2)
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, classify(fmt.Errorf("failed to scan change of %s: %w", table.FullName(), err))
		}
		tombstone, err := model.NormalizeValue(model.TypeBool, raw[n+1])
		if err != nil {
			return nil, fmt.Errorf("tracking row of %s: %w", table.FullName(), err)
		}
		state := model.RowModified
		if b, _ := tombstone.(bool); b {
			state = model.RowDeleted
		}
		values := make([]any, n)
		for i, col := range table.Columns {
			if state == model.RowDeleted && !table.IsPrimaryKey(col.Name) {
				continue
			}
			v, err := model.NormalizeValue(col.Type, raw[i])
			if err != nil {
				return nil, fmt.Errorf("table %s column %s: %w", table.FullName(), col.Name, err)
			}
			values[i] = v
		}
		page = append(page, table.NewRow(state, values...))
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return page, nil
}

type trackingState struct {
	TS        int64          `gorm:"column:bisync_ts"`
	CreatedTS int64          `gorm:"column:bisync_created_ts"`
	Writer    sql.NullString `gorm:"column:bisync_writer"`
	Tombstone int            `gorm:"column:bisync_tombstone"`
}

func (t trackingState) writer() uuid.UUID {
	if !t.Writer.Valid {
		return uuid.Nil
	}
	id, err := uuid.Parse(t.Writer.String)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// rowValues aligns row onto the columns of table, normalizing each value.
// Columns absent from the row's own table stay nil; a missing key column is
// an error.
func rowValues(table *model.SyncTable, row *model.SyncRow) (map[string]any, []any, error) {
	src := row.Table()
	values := make(map[string]any, len(table.Columns))
	for _, col := range table.Columns {
		j := src.ColumnIndex(col.Name)
		if j < 0 {
			if table.IsPrimaryKey(col.Name) {
				return nil, nil, &model.SchemaError{Reason: model.MissingColumn, Table: table.FullName(), Column: col.Name}
			}
			continue
		}
		v, err := model.NormalizeValue(col.Type, row.GetAt(j))
		if err != nil {
			return nil, nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		values[col.Name] = v
	}
	key := make([]any, len(table.PrimaryKeys))
	for i, pk := range table.PrimaryKeys {
		key[i] = values[table.Column(pk).Name]
	}
	return values, key, nil
}

func (p *Provider) ApplyRow(ctx context.Context, sess provider.StoreSession, table *model.SyncTable, row *model.SyncRow, opts provider.ApplyOptions) (provider.ApplyResult, error) {
	s, err := asSession(sess)
	if err != nil {
		return provider.ApplyResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return provider.ApplyResult{}, err
	}
	conn := s.conn(ctx)
	values, key, err := rowValues(table, row)
	if err != nil {
		return provider.ApplyResult{}, err
	}

	var states []trackingState
	err = conn.Raw(fmt.Sprintf("SELECT %s, %s, %s, %s FROM %s WHERE %s",
		colTimestamp, colCreated, colWriter, colTombstone, p.quote(trackingName(table)),
		keyMatch(p.dialect, "", "?", table.PrimaryKeys)), key...).Scan(&states).Error
	if err != nil {
		return provider.ApplyResult{}, classify(fmt.Errorf("failed to read tracking row of %s: %w", table.FullName(), err))
	}

	if len(states) > 0 && !opts.Force {
		st := states[0]
		if st.TS > opts.ExpectedVersion && st.writer() != opts.SenderScopeID {
			existing, err := p.currentRow(conn, table, key, st.Tombstone == 1)
			if err != nil {
				return provider.ApplyResult{}, err
			}
			return provider.ApplyResult{
				Status:        provider.StatusConflict,
				Existing:      existing,
				ExistingIsNew: st.CreatedTS > opts.ExpectedVersion,
			}, nil
		}
	}

	if err := p.writeRow(conn, table, row.State, values, key); err != nil {
		return provider.ApplyResult{}, err
	}

	var writer any
	if opts.SenderScopeID != uuid.Nil {
		writer = opts.SenderScopeID.String()
	}
	err = conn.Exec(fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s",
		p.quote(trackingName(table)), colWriter, keyMatch(p.dialect, "", "?", table.PrimaryKeys)),
		append([]any{writer}, key...)...).Error
	if err != nil {
		return provider.ApplyResult{}, classify(fmt.Errorf("failed to stamp writer on %s: %w", table.FullName(), err))
	}
	return provider.ApplyResult{Status: provider.StatusApplied}, nil
}

// writeRow deletes or upserts the base row; the triggers stamp the tracking
// row with a fresh timestamp.
func (p *Provider) writeRow(conn *gorm.DB, table *model.SyncTable, state model.RowState, values map[string]any, key []any) error {
	if state == model.RowDeleted {
		err := conn.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s", p.quote(table.TableName),
			keyMatch(p.dialect, "", "?", table.PrimaryKeys)), key...).Error
		if err != nil {
			return classify(fmt.Errorf("failed to delete row of %s: %w", table.FullName(), err))
		}
		return nil
	}

	keyCols := make([]clause.Column, len(table.PrimaryKeys))
	for i, pk := range table.PrimaryKeys {
		keyCols[i] = clause.Column{Name: table.Column(pk).Name}
	}
	var update []string
	for _, col := range table.Columns {
		if _, ok := values[col.Name]; ok && !table.IsPrimaryKey(col.Name) {
			update = append(update, col.Name)
		}
	}
	onConflict := clause.OnConflict{Columns: keyCols, DoNothing: true}
	if len(update) > 0 {
		onConflict = clause.OnConflict{Columns: keyCols, DoUpdates: clause.AssignmentColumns(update)}
	}
	if err := conn.Table(table.TableName).Clauses(onConflict).Create(values).Error; err != nil {
		return classify(fmt.Errorf("failed to upsert row of %s: %w", table.FullName(), err))
	}
	return nil
}

// currentRow reads the local version of a conflicting row. A tombstone, or a
// tracking row whose base row is gone, is reported as a deleted row.
func (p *Provider) currentRow(conn *gorm.DB, table *model.SyncTable, key []any, tombstone bool) (*model.SyncRow, error) {
	deleted := func() *model.SyncRow {
		values := make([]any, len(table.Columns))
		for i, pk := range table.PrimaryKeys {
			values[table.ColumnIndex(pk)] = key[i]
		}
		return table.NewRow(model.RowDeleted, values...)
	}
	if tombstone {
		return deleted(), nil
	}
	rows, err := conn.Raw(fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		columnList(p.dialect, "", table.ColumnNames()), p.quote(table.TableName),
		keyMatch(p.dialect, "", "?", table.PrimaryKeys)), key...).Rows()
	if err != nil {
		return nil, classify(fmt.Errorf("failed to read row of %s: %w", table.FullName(), err))
	}
	defer rows.Close()
	if !rows.Next() {
		return deleted(), classify(rows.Err())
	}
	raw := make([]any, len(table.Columns))
	dest := make([]any, len(raw))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, classify(err)
	}
	for i, col := range table.Columns {
		v, err := model.NormalizeValue(col.Type, raw[i])
		if err != nil {
			return nil, fmt.Errorf("table %s column %s: %w", table.FullName(), col.Name, err)
		}
		raw[i] = v
	}
	return table.NewRow(model.RowModified, raw...), nil
}

func (p *Provider) DeleteTombstones(ctx context.Context, sess provider.StoreSession, table *model.SyncTable, before int64) (int64, error) {
	s, err := asSession(sess)
	if err != nil {
		return 0, err
	}
	res := s.conn(ctx).Exec(fmt.Sprintf("DELETE FROM %s WHERE %s = 1 AND %s < ?",
		p.quote(trackingName(table)), colTombstone, colTimestamp), before)
	if res.Error != nil {
		return 0, classify(fmt.Errorf("failed to purge tombstones of %s: %w", table.FullName(), res.Error))
	}
	return res.RowsAffected, nil
}

// ResetTable empties the base table and drops all of its tracking rows,
// including the tombstones the delete itself just produced.
func (p *Provider) ResetTable(ctx context.Context, sess provider.StoreSession, table *model.SyncTable) error {
	s, err := asSession(sess)
	if err != nil {
		return err
	}
	return p.exec(s.conn(ctx),
		"DELETE FROM "+p.quote(table.TableName),
		"DELETE FROM "+p.quote(trackingName(table)),
	)
}
