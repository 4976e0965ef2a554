package batch

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/arwahdevops/bisync/internal/model"
)

// ReadInfo loads the summary descriptor of an on-disk batch stored in dir.
func ReadInfo(dir string) (*model.BatchInfo, error) {
	b, err := os.ReadFile(filepath.Join(dir, summaryFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read batch summary in %s: %w", dir, err)
	}
	var sf summaryFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, fmt.Errorf("failed to decode batch summary in %s: %w", dir, err)
	}
	info := &model.BatchInfo{
		ID:            sf.ID,
		DirectoryRoot: filepath.Dir(dir),
		DirectoryName: filepath.Base(dir),
		RowsCount:     sf.Rows,
		Timestamp:     sf.Timestamp,
	}
	for _, sp := range sf.Parts {
		p := &model.BatchPartInfo{Index: sp.Index, IsLastBatch: sp.Last, FileName: sp.File, RowsCount: sp.Rows}
		for _, st := range sp.Tables {
			p.Tables = append(p.Tables, model.BatchPartTableInfo{SchemaName: st.Schema, TableName: st.Name, RowsCount: st.Rows})
		}
		info.Parts = append(info.Parts, p)
	}
	return info, nil
}

// LoadPart returns the rows of part bound to a copy of schema.
func LoadPart(info *model.BatchInfo, part *model.BatchPartInfo, schema *model.SyncSet) (*model.SyncSet, error) {
	if info.InMemory {
		if part.Data == nil {
			return nil, fmt.Errorf("batch part %d has no in-memory data", part.Index)
		}
		return part.Data, nil
	}
	path := filepath.Join(info.DirectoryRoot, info.DirectoryName, part.FileName)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch part %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var pf partFile
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("failed to decode batch part %s: %w", path, err)
	}
	if pf.Index != part.Index {
		return nil, fmt.Errorf("batch part %s has index %d, summary says %d", path, pf.Index, part.Index)
	}
	set := schema.CloneSchema()
	for _, pt := range pf.Tables {
		t := set.Table(pt.Schema, pt.Name)
		if t == nil {
			return nil, &model.SchemaError{Reason: model.MissingTable, Table: model.TableName{Schema: pt.Schema, Name: pt.Name}.String(), Detail: "batch part " + part.FileName}
		}
		for _, raw := range pt.Rows {
			row, err := decodeRow(t, raw)
			if err != nil {
				return nil, err
			}
			t.AddRow(row)
		}
	}
	return set, nil
}

// Cleanup removes an on-disk batch directory.
func Cleanup(info *model.BatchInfo) error {
	if info == nil || info.InMemory || info.DirectoryRoot == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(info.DirectoryRoot, info.DirectoryName))
}
