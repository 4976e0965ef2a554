package sqlprovider

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/utils"
)

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) quote(ident string) string { return utils.QuoteIdentifier(ident, "postgres") }

func (postgresDialect) columnType(col *model.SyncColumn, _ bool) string {
	switch col.Type {
	case model.TypeInt:
		return "BIGINT"
	case model.TypeFloat:
		return "DOUBLE PRECISION"
	case model.TypeDecimal:
		if col.Precision > 0 {
			return fmt.Sprintf("NUMERIC(%d,%d)", col.Precision, col.Scale)
		}
		return "NUMERIC"
	case model.TypeBool:
		return "BOOLEAN"
	case model.TypeBytes:
		return "BYTEA"
	case model.TypeDateTime:
		return "TIMESTAMPTZ"
	case model.TypeUUID:
		return "UUID"
	}
	if col.MaxLength > 0 {
		return fmt.Sprintf("VARCHAR(%d)", col.MaxLength)
	}
	return "TEXT"
}

func (d postgresDialect) insertIgnore(table string, cols, values []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING",
		d.quote(table), columnList(d, "", cols), strings.Join(values, ", "))
}

// PostgreSQL triggers call a function; one plpgsql function per table
// branches on TG_OP.
func (d postgresDialect) createTriggers(base, tracking string, pks []string) []string {
	fn := d.quote(triggerName(base, "fn"))
	branch := func(event string) string {
		return strings.Join(trackingStatements(d, event, tracking, pks), ";\n    ") + ";"
	}
	body := fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $bisync$
BEGIN
  IF TG_OP = 'INSERT' THEN
    %s
    RETURN NEW;
  ELSIF TG_OP = 'UPDATE' THEN
    %s
    RETURN NEW;
  ELSE
    %s
    RETURN OLD;
  END IF;
END;
$bisync$ LANGUAGE plpgsql`, fn, branch("INSERT"), branch("UPDATE"), branch("DELETE"))

	trigger := fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s()",
		d.quote(triggerName(base, "trigger")), d.quote(base), fn)
	return []string{body, trigger}
}

func (d postgresDialect) dropTriggers(base string) []string {
	return []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", d.quote(triggerName(base, "trigger")), d.quote(base)),
		fmt.Sprintf("DROP FUNCTION IF EXISTS %s()", d.quote(triggerName(base, "fn"))),
	}
}

func (postgresDialect) triggersExist(ctx context.Context, db *gorm.DB, base string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(`
		SELECT COUNT(*)
		FROM pg_catalog.pg_trigger t
		JOIN pg_catalog.pg_class c ON c.oid = t.tgrelid
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = current_schema() AND c.relname = ? AND t.tgname = ? AND NOT t.tgisinternal`,
		base, triggerName(base, "trigger")).Scan(&count).Error
	return count > 0, err
}

func (postgresDialect) primaryKeys(ctx context.Context, db *gorm.DB, table string) ([]string, error) {
	var keys []string
	err := db.WithContext(ctx).Raw(`
		SELECT att.attname
		FROM pg_catalog.pg_constraint con
		JOIN pg_catalog.pg_class cl ON cl.oid = con.conrelid
		JOIN pg_catalog.pg_namespace ns ON ns.oid = cl.relnamespace
		JOIN pg_catalog.pg_attribute att ON att.attrelid = con.conrelid AND att.attnum = ANY(con.conkey)
		WHERE con.contype = 'p' AND ns.nspname = current_schema() AND cl.relname = ?
		ORDER BY array_position(con.conkey, att.attnum)`, table).Scan(&keys).Error
	return keys, err
}

func (postgresDialect) foreignKeys(ctx context.Context, db *gorm.DB, tables []string) ([]fkColumn, error) {
	var out []fkColumn
	err := db.WithContext(ctx).Raw(`
		SELECT
			con.conname AS name,
			cl.relname AS child_table,
			att.attname AS child_column,
			pcl.relname AS parent_table,
			patt.attname AS parent_column,
			k.ord AS ordinal
		FROM pg_catalog.pg_constraint con
		JOIN pg_catalog.pg_class cl ON cl.oid = con.conrelid
		JOIN pg_catalog.pg_namespace ns ON ns.oid = cl.relnamespace
		JOIN pg_catalog.pg_class pcl ON pcl.oid = con.confrelid
		CROSS JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS k(child_att, parent_att, ord)
		JOIN pg_catalog.pg_attribute att ON att.attrelid = con.conrelid AND att.attnum = k.child_att
		JOIN pg_catalog.pg_attribute patt ON patt.attrelid = con.confrelid AND patt.attnum = k.parent_att
		WHERE con.contype = 'f' AND ns.nspname = current_schema() AND cl.relname IN ?
		ORDER BY con.conname, k.ord`, tables).Scan(&out).Error
	return out, err
}
