package sqlprovider

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/utils"
)

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) quote(ident string) string { return utils.QuoteIdentifier(ident, "sqlite") }

// SQLite keeps the declared type name, so the names below are chosen to map
// back to the same DataType when read again. Decimals are stored as TEXT to
// avoid the lossy NUMERIC affinity.
func (sqliteDialect) columnType(col *model.SyncColumn, _ bool) string {
	switch col.Type {
	case model.TypeInt:
		return "INTEGER"
	case model.TypeFloat:
		return "REAL"
	case model.TypeDecimal:
		return "TEXT"
	case model.TypeBool:
		return "BOOLEAN"
	case model.TypeBytes:
		return "BLOB"
	case model.TypeDateTime:
		return "DATETIME"
	case model.TypeUUID:
		return "UUID"
	}
	if col.MaxLength > 0 {
		return fmt.Sprintf("VARCHAR(%d)", col.MaxLength)
	}
	return "TEXT"
}

func (d sqliteDialect) insertIgnore(table string, cols, values []string) string {
	return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		d.quote(table), columnList(d, "", cols), strings.Join(values, ", "))
}

func (d sqliteDialect) createTriggers(base, tracking string, pks []string) []string {
	var stmts []string
	for _, event := range []string{"INSERT", "UPDATE", "DELETE"} {
		body := trackingStatements(d, event, tracking, pks)
		stmts = append(stmts, fmt.Sprintf("CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW BEGIN %s; END",
			d.quote(triggerName(base, strings.ToLower(event))), event, d.quote(base), strings.Join(body, "; ")))
	}
	return stmts
}

func (d sqliteDialect) dropTriggers(base string) []string {
	var stmts []string
	for _, event := range []string{"insert", "update", "delete"} {
		stmts = append(stmts, "DROP TRIGGER IF EXISTS "+d.quote(triggerName(base, event)))
	}
	return stmts
}

func (sqliteDialect) triggersExist(ctx context.Context, db *gorm.DB, base string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger' AND tbl_name = ? AND name LIKE ?", base, base+"_bisync_%").
		Scan(&count).Error
	return count == 3, err
}

func (d sqliteDialect) primaryKeys(ctx context.Context, db *gorm.DB, table string) ([]string, error) {
	var cols []struct {
		Name string `gorm:"column:name"`
		PK   int    `gorm:"column:pk"`
	}
	if err := db.WithContext(ctx).Raw(fmt.Sprintf("PRAGMA table_info(%s)", d.quote(table))).Scan(&cols).Error; err != nil {
		return nil, err
	}
	// pk is the 1-based position in the key, 0 for other columns.
	byPos := make(map[int]string)
	for _, c := range cols {
		if c.PK > 0 {
			byPos[c.PK] = c.Name
		}
	}
	keys := make([]string, 0, len(byPos))
	for i := 1; i <= len(byPos); i++ {
		keys = append(keys, byPos[i])
	}
	return keys, nil
}

func (d sqliteDialect) foreignKeys(ctx context.Context, db *gorm.DB, tables []string) ([]fkColumn, error) {
	var out []fkColumn
	for _, table := range tables {
		var rows []struct {
			ID    int    `gorm:"column:id"`
			Seq   int    `gorm:"column:seq"`
			Table string `gorm:"column:table"`
			From  string `gorm:"column:from"`
			To    string `gorm:"column:to"`
		}
		if err := db.WithContext(ctx).Raw(fmt.Sprintf("PRAGMA foreign_key_list(%s)", d.quote(table))).Scan(&rows).Error; err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, fkColumn{
				Name:         fmt.Sprintf("fk_%s_%d", table, r.ID),
				ChildTable:   table,
				ChildColumn:  r.From,
				ParentTable:  r.Table,
				ParentColumn: r.To,
				Ordinal:      r.Seq,
			})
		}
	}
	return out, nil
}
