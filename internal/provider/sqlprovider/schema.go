package sqlprovider

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/arwahdevops/bisync/internal/model"
	"github.com/arwahdevops/bisync/internal/provider"
)

// ReadSchema reads column and key metadata through the gorm migrator and
// foreign keys from the dialect catalog. The catalog is read on every call so
// DDL run outside the provider is seen by the next verification.
func (p *Provider) ReadSchema(ctx context.Context, sess provider.StoreSession, names []model.TableName) (*model.SyncSet, error) {
	s, err := asSession(sess)
	if err != nil {
		return nil, err
	}
	conn := s.conn(ctx)
	set := model.NewSyncSet()
	plain := make([]string, 0, len(names))
	for _, n := range names {
		table, err := p.describeTable(ctx, conn, n.Name)
		if err != nil {
			return nil, err
		}
		table.SchemaName = n.Schema
		if err := set.AddTable(table); err != nil {
			return nil, err
		}
		plain = append(plain, n.Name)
	}
	if len(plain) == 0 {
		return set, nil
	}

	fks, err := p.dialect.foreignKeys(ctx, conn, plain)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to read foreign keys: %w", err))
	}
	for _, rel := range groupRelations(fks) {
		child, parent := set.Table("", rel.ChildTable.Name), set.Table("", rel.ParentTable.Name)
		if child == nil || parent == nil {
			// Relations leaving the requested set are not ordering constraints.
			continue
		}
		rel.ChildTable, rel.ParentTable = child.Name(), parent.Name()
		if err := set.AddRelation(rel); err != nil {
			p.logger.Warn("Skipping foreign key", zap.String("constraint", rel.Name), zap.Error(err))
		}
	}
	return set, nil
}

func (p *Provider) describeTable(ctx context.Context, conn *gorm.DB, name string) (*model.SyncTable, error) {
	if !conn.Migrator().HasTable(name) {
		return nil, &model.SchemaError{Reason: model.MissingTable, Table: name}
	}
	columnTypes, err := conn.Migrator().ColumnTypes(name)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to read columns of %s: %w", name, err))
	}
	keys, err := p.dialect.primaryKeys(ctx, conn, name)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to read primary key of %s: %w", name, err))
	}
	if len(keys) == 0 {
		return nil, &model.SchemaError{Reason: model.MissingPrimaryKey, Table: name}
	}

	table := model.NewSyncTable("", name)
	for _, ct := range columnTypes {
		raw, _ := ct.ColumnType()
		col := &model.SyncColumn{
			Name: ct.Name(),
			Type: dataTypeOf(ct.DatabaseTypeName(), raw),
		}
		if nullable, ok := ct.Nullable(); ok {
			col.Nullable = nullable
		}
		if inc, ok := ct.AutoIncrement(); ok {
			col.AutoIncrement = inc
		}
		if col.Type == model.TypeString {
			if length, ok := ct.Length(); ok && length > 0 && length < 1<<16 {
				col.MaxLength = int(length)
			}
		}
		if col.Type == model.TypeDecimal {
			if precision, scale, ok := ct.DecimalSize(); ok {
				col.Precision, col.Scale = int(precision), int(scale)
			}
		}
		if err := table.AddColumn(col); err != nil {
			return nil, err
		}
	}
	for _, k := range keys {
		if table.ColumnIndex(k) < 0 {
			return nil, &model.SchemaError{Reason: model.MissingColumn, Table: name, Column: k, Detail: "primary key column"}
		}
		table.PrimaryKeys = append(table.PrimaryKeys, table.Column(k).Name)
	}
	return table, nil
}

// groupRelations folds catalog rows into one relation per constraint.
func groupRelations(fks []fkColumn) []*model.SyncRelation {
	slices.SortStableFunc(fks, func(a, b fkColumn) int {
		if c := strings.Compare(a.ChildTable+"."+a.Name, b.ChildTable+"."+b.Name); c != 0 {
			return c
		}
		return a.Ordinal - b.Ordinal
	})
	var out []*model.SyncRelation
	var cur *model.SyncRelation
	for _, fk := range fks {
		if cur == nil || cur.Name != fk.Name || cur.ChildTable.Name != fk.ChildTable {
			cur = &model.SyncRelation{
				Name:        fk.Name,
				ChildTable:  model.TableName{Name: fk.ChildTable},
				ParentTable: model.TableName{Name: fk.ParentTable},
			}
			out = append(out, cur)
		}
		cur.ChildColumns = append(cur.ChildColumns, fk.ChildColumn)
		cur.ParentColumns = append(cur.ParentColumns, fk.ParentColumn)
	}
	return out
}
