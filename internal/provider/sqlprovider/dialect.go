package sqlprovider

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/utils"
)

const clockTable = "bisync_clock"

// dialect holds the SQL that differs between engines. Everything else is
// built once in terms of quote and the column type mapping.
type dialect interface {
	name() string
	quote(ident string) string
	// columnType renders the DDL type of col. Key columns may need a bounded
	// type (MySQL cannot index LONGTEXT).
	columnType(col *model.SyncColumn, key bool) string
	// insertIgnore inserts values unless the key already exists.
	insertIgnore(table string, cols, values []string) string
	createTriggers(base, tracking string, pks []string) []string
	dropTriggers(base string) []string
	triggersExist(ctx context.Context, db *gorm.DB, base string) (bool, error)
	primaryKeys(ctx context.Context, db *gorm.DB, table string) ([]string, error)
	foreignKeys(ctx context.Context, db *gorm.DB, tables []string) ([]fkColumn, error)
}

func dialectFor(name string) (dialect, error) {
	switch strings.ToLower(name) {
	case "sqlite":
		return sqliteDialect{}, nil
	case "postgres":
		return postgresDialect{}, nil
	case "mysql":
		return mysqlDialect{}, nil
	}
	return nil, fmt.Errorf("sqlprovider: unsupported dialect %q", name)
}

// fkColumn is one column pair of a foreign key, as read from the catalog.
type fkColumn struct {
	Name         string `gorm:"column:name"`
	ChildTable   string `gorm:"column:child_table"`
	ChildColumn  string `gorm:"column:child_column"`
	ParentTable  string `gorm:"column:parent_table"`
	ParentColumn string `gorm:"column:parent_column"`
	Ordinal      int    `gorm:"column:ordinal"`
}

type namer interface{ name() string }

// columnList quotes names and joins them, optionally prefixing each with a
// row alias such as NEW or tr.
func columnList(d namer, prefix string, names []string) string {
	return utils.QuoteList(names, prefix, d.name())
}

// keyMatch renders the key equality between two row aliases; "?" as the
// right side yields placeholders.
func keyMatch(d namer, left, right string, pks []string) string {
	return utils.KeyPredicate(pks, left, right, d.name())
}

// trackingStatements is the body run for each changed base row: bump the
// clock, make sure a tracking row exists, then stamp it with the new clock
// value. SET order matters on MySQL, which evaluates assignments left to
// right, so bisync_created_ts reads the old tombstone flag.
func trackingStatements(d dialect, event, tracking string, pks []string) []string {
	rowRef := "NEW"
	tombstone := "0"
	if event == "DELETE" {
		rowRef = "OLD"
		tombstone = "1"
	}
	clock := d.quote(clockTable)
	now := fmt.Sprintf("(SELECT %s FROM %s WHERE %s = 1)", d.quote("ts"), clock, d.quote("id"))

	var created string
	switch event {
	case "INSERT":
		created = now
	case "UPDATE":
		created = fmt.Sprintf("CASE WHEN %s = 1 OR %s = 0 THEN %s ELSE %s END", colTombstone, colCreated, now, colCreated)
	default:
		created = fmt.Sprintf("CASE WHEN %s = 0 THEN %s ELSE %s END", colCreated, now, colCreated)
	}

	cols := append(append([]string(nil), pks...), colTimestamp, colCreated, colWriter, colTombstone)
	values := make([]string, 0, len(cols))
	for _, pk := range pks {
		values = append(values, rowRef+"."+d.quote(pk))
	}
	values = append(values, "0", "0", "NULL", tombstone)

	return []string{
		fmt.Sprintf("UPDATE %s SET %s = %s + 1 WHERE %s = 1", clock, d.quote("ts"), d.quote("ts"), d.quote("id")),
		d.insertIgnore(tracking, cols, values),
		fmt.Sprintf("UPDATE %s SET %s = %s, %s = %s, %s = NULL, %s = %s WHERE %s",
			d.quote(tracking), colTimestamp, now, colCreated, created, colWriter, colTombstone, tombstone,
			keyMatch(d, "", rowRef, pks)),
	}
}

func triggerName(base, suffix string) string { return base + "_bisync_" + suffix }
