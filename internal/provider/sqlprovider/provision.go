package sqlprovider

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider"
)

func (p *Provider) ObjectExists(ctx context.Context, sess provider.StoreSession, kind provider.ObjectKind, table *model.SyncTable) (bool, error) {
	s, err := asSession(sess)
	if err != nil {
		return false, err
	}
	m := s.conn(ctx).Migrator()
	switch kind {
	case provider.ObjectScopeTables:
		return m.HasTable(&scopeInfoRecord{}) && m.HasTable(&peerScopeRecord{}) && m.HasTable(&clockRecord{}), nil
	case provider.ObjectTable:
		return m.HasTable(table.TableName), nil
	case provider.ObjectTrackingTable:
		return m.HasTable(trackingName(table)), nil
	case provider.ObjectTriggers:
		ok, err := p.dialect.triggersExist(ctx, s.conn(ctx), table.TableName)
		return ok, classify(err)
	}
	return false, fmt.Errorf("sqlprovider: unknown object kind %s", kind)
}

func (p *Provider) CreateObject(ctx context.Context, sess provider.StoreSession, kind provider.ObjectKind, table *model.SyncTable) error {
	s, err := asSession(sess)
	if err != nil {
		return err
	}
	conn := s.conn(ctx)
	switch kind {
	case provider.ObjectScopeTables:
		return p.createScopeTables(conn)
	case provider.ObjectTable:
		return p.exec(conn, p.createTableSQL(table))
	case provider.ObjectTrackingTable:
		return p.createTrackingTable(conn, table)
	case provider.ObjectTriggers:
		return p.exec(conn, p.dialect.createTriggers(table.TableName, trackingName(table), table.PrimaryKeys)...)
	}
	return fmt.Errorf("sqlprovider: unknown object kind %s", kind)
}

func (p *Provider) DropObject(ctx context.Context, sess provider.StoreSession, kind provider.ObjectKind, table *model.SyncTable) error {
	s, err := asSession(sess)
	if err != nil {
		return err
	}
	conn := s.conn(ctx)
	switch kind {
	case provider.ObjectScopeTables:
		return classify(conn.Migrator().DropTable(&peerScopeRecord{}, &scopeInfoRecord{}, &clockRecord{}))
	case provider.ObjectTable:
		return classify(conn.Migrator().DropTable(table.TableName))
	case provider.ObjectTrackingTable:
		return classify(conn.Migrator().DropTable(trackingName(table)))
	case provider.ObjectTriggers:
		return p.exec(conn, p.dialect.dropTriggers(table.TableName)...)
	}
	return fmt.Errorf("sqlprovider: unknown object kind %s", kind)
}

func (p *Provider) exec(conn *gorm.DB, stmts ...string) error {
	for _, stmt := range stmts {
		p.logger.Debug("Executing statement", zap.String("sql", stmt))
		if err := conn.Exec(stmt).Error; err != nil {
			return classify(fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err))
		}
	}
	return nil
}

func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i] + " ..."
	}
	return stmt
}

func (p *Provider) createScopeTables(conn *gorm.DB) error {
	if err := conn.AutoMigrate(&scopeInfoRecord{}, &peerScopeRecord{}, &clockRecord{}); err != nil {
		return classify(fmt.Errorf("failed to migrate scope tables: %w", err))
	}
	return p.ensureClock(conn)
}

func (p *Provider) ensureClock(conn *gorm.DB) error {
	err := conn.Clauses(clause.OnConflict{DoNothing: true}).Create(&clockRecord{ID: 1}).Error
	return classify(err)
}

// createTableSQL builds the base table for a client that adopts the server
// schema. Foreign keys are not created.
func (p *Provider) createTableSQL(table *model.SyncTable) string {
	defs := make([]string, 0, len(table.Columns)+1)
	for _, col := range table.Columns {
		key := table.IsPrimaryKey(col.Name)
		def := p.quote(col.Name) + " " + p.dialect.columnType(col, key)
		if !col.Nullable || key {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", columnList(p.dialect, "", table.PrimaryKeys)))
	return fmt.Sprintf("CREATE TABLE %s (%s)", p.quote(table.TableName), strings.Join(defs, ", "))
}

// createTrackingTable creates the side table, indexes it on the timestamp
// and registers every row already present so a first sync sends it.
func (p *Provider) createTrackingTable(conn *gorm.DB, table *model.SyncTable) error {
	tracking := trackingName(table)
	defs := make([]string, 0, len(table.PrimaryKeys)+5)
	for _, pk := range table.PrimaryKeys {
		col := table.Column(pk)
		if col == nil {
			return &model.SchemaError{Reason: model.MissingColumn, Table: table.FullName(), Column: pk, Detail: "primary key column"}
		}
		defs = append(defs, p.quote(col.Name)+" "+p.dialect.columnType(col, true)+" NOT NULL")
	}
	defs = append(defs,
		colTimestamp+" BIGINT NOT NULL",
		colCreated+" BIGINT NOT NULL",
		colWriter+" VARCHAR(36) NULL",
		colTombstone+" SMALLINT NOT NULL DEFAULT 0",
		fmt.Sprintf("PRIMARY KEY (%s)", columnList(p.dialect, "", table.PrimaryKeys)),
	)
	clock := p.quote(clockTable)
	pkCols := columnList(p.dialect, "", table.PrimaryKeys)
	stmts := []string{
		fmt.Sprintf("CREATE TABLE %s (%s)", p.quote(tracking), strings.Join(defs, ", ")),
		fmt.Sprintf("CREATE INDEX %s ON %s (%s)", p.quote(tracking+"_ts_idx"), p.quote(tracking), colTimestamp),
		fmt.Sprintf("UPDATE %s SET %s = %s + 1 WHERE %s = 1", clock, p.quote("ts"), p.quote("ts"), p.quote("id")),
		fmt.Sprintf("INSERT INTO %s (%s, %s, %s, %s, %s) SELECT %s, c.%s, c.%s, NULL, 0 FROM %s b, %s c WHERE c.%s = 1",
			p.quote(tracking), pkCols, colTimestamp, colCreated, colWriter, colTombstone,
			columnList(p.dialect, "b", table.PrimaryKeys), p.quote("ts"), p.quote("ts"),
			p.quote(table.TableName), clock, p.quote("id")),
	}
	if err := p.ensureClock(conn); err != nil {
		return err
	}
	return p.exec(conn, stmts...)
}
