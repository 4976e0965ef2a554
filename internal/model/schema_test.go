package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func productSchema(t *testing.T) *SyncSet {
	t.Helper()
	set := NewSyncSet()

	cat := NewSyncTable("", "ProductCategory")
	require.NoError(t, cat.AddColumn(&SyncColumn{Name: "ProductCategoryID", Type: TypeUUID}))
	require.NoError(t, cat.AddColumn(&SyncColumn{Name: "Name", Type: TypeString}))
	cat.PrimaryKeys = []string{"ProductCategoryID"}

	prod := NewSyncTable("", "Product")
	require.NoError(t, prod.AddColumn(&SyncColumn{Name: "ProductID", Type: TypeInt}))
	require.NoError(t, prod.AddColumn(&SyncColumn{Name: "Name", Type: TypeString}))
	require.NoError(t, prod.AddColumn(&SyncColumn{Name: "ProductCategoryID", Type: TypeUUID, Nullable: true}))
	require.NoError(t, prod.AddColumn(&SyncColumn{Name: "ListPrice", Type: TypeDecimal}))
	prod.PrimaryKeys = []string{"ProductID"}

	require.NoError(t, set.AddTable(prod))
	require.NoError(t, set.AddTable(cat))
	require.NoError(t, set.AddRelation(&SyncRelation{
		Name:          "FK_Product_ProductCategory",
		ParentTable:   TableName{Name: "ProductCategory"},
		ParentColumns: []string{"ProductCategoryID"},
		ChildTable:    TableName{Name: "Product"},
		ChildColumns:  []string{"ProductCategoryID"},
	}))
	return set
}

func TestSyncSet_AddRemoveRejectsDuplicates(t *testing.T) {
	set := productSchema(t)

	err := set.AddTable(NewSyncTable("", "Product"))
	require.Error(t, err)
	var se *SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, DuplicateTable, se.Reason)

	prod := set.Table("", "Product")
	require.NotNil(t, prod)
	err = prod.AddColumn(&SyncColumn{Name: "name", Type: TypeString})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchema)

	require.Error(t, prod.RemoveColumn("ProductID"), "primary key columns cannot be removed")
	require.NoError(t, prod.RemoveColumn("ListPrice"))
	assert.Equal(t, -1, prod.ColumnIndex("ListPrice"))

	require.NoError(t, set.RemoveTable(TableName{Name: "ProductCategory"}))
	assert.Empty(t, set.Relations, "relations touching the removed table are dropped")
	assert.Error(t, set.RemoveTable(TableName{Name: "ProductCategory"}))
}

func TestSyncSet_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *SyncSet)
		reason SchemaReason
	}{
		{"valid", func(s *SyncSet) {}, ""},
		{"no primary key", func(s *SyncSet) { s.Tables[0].PrimaryKeys = nil }, MissingPrimaryKey},
		{"primary key not a column", func(s *SyncSet) { s.Tables[0].PrimaryKeys = []string{"Nope"} }, MissingColumn},
		{"duplicate table", func(s *SyncSet) { s.Tables = append(s.Tables, s.Tables[0].CloneSchema()) }, DuplicateTable},
		{"relation to unknown table", func(s *SyncSet) { s.Relations[0].ParentTable = TableName{Name: "Ghost"} }, MissingTable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := productSchema(t)
			tt.mutate(set)
			err := set.Validate()
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			var se *SchemaError
			require.True(t, errors.As(err, &se), "got %v", err)
			assert.Equal(t, tt.reason, se.Reason)
		})
	}
}

func TestSyncSet_CloneIsDeep(t *testing.T) {
	set := productSchema(t)
	cat := set.Table("", "ProductCategory")
	row := cat.NewRow(RowModified, "0b0c8a6e-9c5c-4f62-9a57-7c1d5e1a3f10", "Bikes")
	cat.AddRow(row)

	clone := set.Clone()
	cloneCat := clone.Table("", "ProductCategory")
	require.Len(t, cloneCat.Rows, 1)
	assert.Same(t, cloneCat, cloneCat.Rows[0].Table(), "cloned rows are bound to the cloned table")

	require.NoError(t, cloneCat.Rows[0].Set("Name", "Road Bikes"))
	v, err := row.Get("Name")
	require.NoError(t, err)
	assert.Equal(t, "Bikes", v)

	cloneCat.Columns[1].Name = "Label"
	assert.Equal(t, "Name", cat.Columns[1].Name)
	assert.Len(t, clone.Relations, 1)
}

func TestSyncTable_NewRowArityPanics(t *testing.T) {
	set := productSchema(t)
	prod := set.Table("", "Product")
	assert.Panics(t, func() { prod.NewRow(RowModified, int64(1), "only two") })
	assert.NotPanics(t, func() { prod.NewRow(RowModified, int64(1), "Bike", nil, "10") })
}

func TestSyncRow_GetSetByNameAndOrdinal(t *testing.T) {
	set := productSchema(t)
	prod := set.Table("", "Product")
	row := prod.NewRow(RowModified, int64(7), "Helmet", nil, "25.5")

	v, err := row.Get("name")
	require.NoError(t, err)
	assert.Equal(t, "Helmet", v)

	row.SetAt(1, "Gloves")
	assert.Equal(t, "Gloves", row.GetAt(1))

	_, err = row.Get("missing")
	assert.ErrorIs(t, err, ErrSchema)
	assert.Equal(t, []any{int64(7)}, row.PrimaryKey())

	other := row.Clone()
	assert.True(t, row.Equal(other))
	other.State = RowDeleted
	assert.False(t, row.Equal(other))
}

func TestParseTableName(t *testing.T) {
	assert.Equal(t, TableName{Schema: "sales", Name: "Order"}, ParseTableName("sales.Order"))
	assert.Equal(t, TableName{Name: "Order"}, ParseTableName(" Order "))
	assert.Equal(t, "sales.Order", TableName{Schema: "sales", Name: "Order"}.String())
}
