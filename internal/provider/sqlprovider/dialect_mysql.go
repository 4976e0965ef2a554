package sqlprovider

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/utils"
)

type mysqlDialect struct{}

func (mysqlDialect) name() string { return "mysql" }

func (mysqlDialect) quote(ident string) string { return utils.QuoteIdentifier(ident, "mysql") }

func (mysqlDialect) columnType(col *model.SyncColumn, key bool) string {
	switch col.Type {
	case model.TypeInt:
		return "BIGINT"
	case model.TypeFloat:
		return "DOUBLE"
	case model.TypeDecimal:
		if col.Precision > 0 {
			return fmt.Sprintf("DECIMAL(%d,%d)", col.Precision, col.Scale)
		}
		return "DECIMAL(38,10)"
	case model.TypeBool:
		return "TINYINT(1)"
	case model.TypeBytes:
		if key {
			return "VARBINARY(255)"
		}
		return "LONGBLOB"
	case model.TypeDateTime:
		return "DATETIME(6)"
	case model.TypeUUID:
		return "CHAR(36)"
	}
	switch {
	case col.MaxLength > 0:
		return fmt.Sprintf("VARCHAR(%d)", col.MaxLength)
	case key:
		return "VARCHAR(255)"
	}
	return "LONGTEXT"
}

func (d mysqlDialect) insertIgnore(table string, cols, values []string) string {
	return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)",
		d.quote(table), columnList(d, "", cols), strings.Join(values, ", "))
}

// MySQL allows one event per trigger. Each statement is sent on its own so
// no DELIMITER handling is needed.
func (d mysqlDialect) createTriggers(base, tracking string, pks []string) []string {
	var stmts []string
	for _, event := range []string{"INSERT", "UPDATE", "DELETE"} {
		body := trackingStatements(d, event, tracking, pks)
		stmts = append(stmts, fmt.Sprintf("CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW BEGIN %s; END",
			d.quote(triggerName(base, strings.ToLower(event))), event, d.quote(base), strings.Join(body, "; ")))
	}
	return stmts
}

func (d mysqlDialect) dropTriggers(base string) []string {
	var stmts []string
	for _, event := range []string{"insert", "update", "delete"} {
		stmts = append(stmts, "DROP TRIGGER IF EXISTS "+d.quote(triggerName(base, event)))
	}
	return stmts
}

func (mysqlDialect) triggersExist(ctx context.Context, db *gorm.DB, base string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		"SELECT COUNT(*) FROM information_schema.TRIGGERS WHERE TRIGGER_SCHEMA = DATABASE() AND EVENT_OBJECT_TABLE = ? AND TRIGGER_NAME LIKE ?",
		base, base+"\\_bisync\\_%").Scan(&count).Error
	return count == 3, err
}

func (mysqlDialect) primaryKeys(ctx context.Context, db *gorm.DB, table string) ([]string, error) {
	var keys []string
	err := db.WithContext(ctx).Raw(`
		SELECT COLUMN_NAME
		FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
		ORDER BY ORDINAL_POSITION`, table).Scan(&keys).Error
	return keys, err
}

func (mysqlDialect) foreignKeys(ctx context.Context, db *gorm.DB, tables []string) ([]fkColumn, error) {
	var out []fkColumn
	err := db.WithContext(ctx).Raw(`
		SELECT
			CONSTRAINT_NAME AS name,
			TABLE_NAME AS child_table,
			COLUMN_NAME AS child_column,
			REFERENCED_TABLE_NAME AS parent_table,
			REFERENCED_COLUMN_NAME AS parent_column,
			ORDINAL_POSITION AS ordinal
		FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = DATABASE() AND REFERENCED_TABLE_NAME IS NOT NULL AND TABLE_NAME IN ?
		ORDER BY CONSTRAINT_NAME, ORDINAL_POSITION`, tables).Scan(&out).Error
	return out, err
}
