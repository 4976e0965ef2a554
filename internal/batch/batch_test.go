package batch

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arwahdevops/bisync/internal/model"
)

func testSchema() *model.SyncSet {
	set := model.NewSyncSet()
	order := model.NewSyncTable("sales", "Order")
	order.Columns = []*model.SyncColumn{
		{Name: "ID", Type: model.TypeInt},
		{Name: "Total", Type: model.TypeDecimal},
		{Name: "Weight", Type: model.TypeFloat},
		{Name: "Paid", Type: model.TypeBool},
		{Name: "Note", Type: model.TypeString, Nullable: true},
		{Name: "Blob", Type: model.TypeBytes, Nullable: true},
		{Name: "CreatedAt", Type: model.TypeDateTime},
		{Name: "Ref", Type: model.TypeUUID},
	}
	order.PrimaryKeys = []string{"ID"}
	line := model.NewSyncTable("sales", "OrderLine")
	line.Columns = []*model.SyncColumn{
		{Name: "ID", Type: model.TypeInt},
		{Name: "OrderID", Type: model.TypeInt},
	}
	line.PrimaryKeys = []string{"ID"}
	_ = set.AddTable(order)
	_ = set.AddTable(line)
	return set
}

func testRows(set *model.SyncSet, n int) []*model.SyncRow {
	order := set.Table("sales", "Order")
	line := set.Table("sales", "OrderLine")
	created := time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC)
	var rows []*model.SyncRow
	for i := range n {
		if i%3 == 2 {
			rows = append(rows, line.NewRow(model.RowDeleted, int64(i), nil))
			continue
		}
		var blob any
		if i%2 == 0 {
			blob = []byte{0x00, byte(i), 0xff}
		}
		rows = append(rows, order.NewRow(model.RowModified,
			int64(i), fmt.Sprintf("%d.25", i), float64(i)/4, i%2 == 0, nil, blob,
			created.Add(time.Duration(i)*time.Second), "0b0c8a6e-9c5c-4f62-9a57-7c1d5e1a3f10"))
	}
	return rows
}

func flatten(t *testing.T, info *model.BatchInfo, schema *model.SyncSet) []*model.SyncRow {
	t.Helper()
	var out []*model.SyncRow
	for _, p := range info.Parts {
		data, err := LoadPart(info, p, schema)
		require.NoError(t, err)
		for _, tbl := range data.Tables {
			out = append(out, tbl.Rows...)
		}
	}
	return out
}

func TestWriter_PartsAndLastFlag(t *testing.T) {
	tests := []struct {
		name      string
		rows      int
		batchSize int
		parts     int
	}{
		{"unbounded", 10, 0, 1},
		{"exact multiple", 9, 3, 3},
		{"remainder", 10, 3, 4},
		{"empty", 0, 3, 0},
	}
	for _, tt := range tests {
		for _, onDisk := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/disk=%v", tt.name, onDisk), func(t *testing.T) {
				schema := testSchema()
				root := ""
				if onDisk {
					root = t.TempDir()
				}
				w, err := NewWriter(root, "", schema, tt.batchSize, zaptest.NewLogger(t))
				require.NoError(t, err)
				for _, r := range testRows(schema, tt.rows) {
					require.NoError(t, w.Add(r))
				}
				info, err := w.Close(42)
				require.NoError(t, err)

				require.Len(t, info.Parts, tt.parts)
				assert.Equal(t, tt.rows, info.RowsCount)
				total := 0
				for i, p := range info.Parts {
					assert.Equal(t, i, p.Index)
					assert.Equal(t, i == len(info.Parts)-1, p.IsLastBatch)
					if tt.batchSize > 0 {
						assert.LessOrEqual(t, p.RowsCount, tt.batchSize)
					}
					total += p.RowsCount
				}
				assert.Equal(t, tt.rows, total)
				assert.Len(t, flatten(t, info, schema), tt.rows)
			})
		}
	}
}

func TestRoundTrip_OnDisk(t *testing.T) {
	schema := testSchema()
	root := t.TempDir()
	w, err := NewWriter(root, "session-1", schema, 4, zaptest.NewLogger(t))
	require.NoError(t, err)
	src := testRows(schema, 11)
	for _, r := range src {
		require.NoError(t, w.Add(r))
	}
	written, err := w.Close(1234)
	require.NoError(t, err)

	info, err := ReadInfo(root + "/session-1")
	require.NoError(t, err)
	assert.Equal(t, written.ID, info.ID)
	assert.Equal(t, int64(1234), info.Timestamp)
	assert.Equal(t, written.RowsCount, info.RowsCount)
	require.Len(t, info.Parts, len(written.Parts))
	for i := range info.Parts {
		assert.Equal(t, written.Parts[i].Tables, info.Parts[i].Tables)
		assert.Equal(t, written.Parts[i].IsLastBatch, info.Parts[i].IsLastBatch)
	}

	got := flatten(t, info, schema)
	require.Len(t, got, len(src))
	seen := map[string]bool{}
	for _, r := range got {
		key := r.Table().FullName() + "/" + r.KeyString()
		assert.False(t, seen[key], "row %s appears twice", key)
		seen[key] = true
	}
	// rows within a part keep table grouping, so compare by key
	byKey := map[string]*model.SyncRow{}
	for _, r := range src {
		byKey[r.Table().FullName()+"/"+r.KeyString()] = r
	}
	for _, r := range got {
		want := byKey[r.Table().FullName()+"/"+r.KeyString()]
		require.NotNil(t, want)
		assert.True(t, want.Equal(r), "want %v got %v", want, r)
	}

	require.NoError(t, Cleanup(info))
	_, err = ReadInfo(root + "/session-1")
	assert.Error(t, err)
}

func TestWriter_RejectsUnknownTable(t *testing.T) {
	w, err := NewWriter("", "", testSchema(), 0, nil)
	require.NoError(t, err)
	other := model.NewSyncTable("", "Other")
	other.Columns = []*model.SyncColumn{{Name: "ID", Type: model.TypeInt}}
	err = w.Add(other.NewRow(model.RowModified, int64(1)))
	assert.ErrorIs(t, err, model.ErrSchema)
}
