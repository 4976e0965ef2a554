// Package batch packages selected changes into ordered parts, kept in memory
// or spilled to a directory as JSON files with a summary descriptor.
package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arwahdevops/bisync/internal/model"
)

// Writer accumulates rows into parts of at most batchSize rows. A full part
// is only sealed when the next row arrives, so the final part can be flagged
// IsLastBatch before it is written.
type Writer struct {
	info      *model.BatchInfo
	schema    *model.SyncSet
	batchSize int
	dir       string

	current     *model.SyncSet
	currentRows int
	logger      *zap.Logger
}

// NewWriter starts a batch. An empty root keeps the batch in memory.
// batchSize <= 0 produces a single unbounded part.
func NewWriter(root, name string, schema *model.SyncSet, batchSize int, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	if name == "" {
		name = fmt.Sprintf("%s_%s", time.Now().UTC().Format("2006_01_02_150405"), id[:8])
	}
	w := &Writer{
		info: &model.BatchInfo{
			ID:            id,
			DirectoryRoot: root,
			DirectoryName: name,
			InMemory:      root == "",
		},
		schema:    schema,
		batchSize: batchSize,
		current:   schema.CloneSchema(),
		logger:    logger.With(zap.String("batch", name)),
	}
	if !w.info.InMemory {
		w.dir = filepath.Join(root, name)
		if err := os.MkdirAll(w.dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create batch directory %s: %w", w.dir, err)
		}
	}
	return w, nil
}

func (w *Writer) Info() *model.BatchInfo { return w.info }

// Add copies row into the current part.
func (w *Writer) Add(row *model.SyncRow) error {
	t := w.current.Lookup(row.Table().Name())
	if t == nil {
		return &model.SchemaError{Reason: model.MissingTable, Table: row.Table().FullName(), Detail: "table is not part of the batch schema"}
	}
	if w.batchSize > 0 && w.currentRows >= w.batchSize {
		if err := w.flush(false); err != nil {
			return err
		}
		t = w.current.Lookup(row.Table().Name())
	}
	t.AddRow(row.CloneTo(t))
	w.currentRows++
	w.info.RowsCount++
	return nil
}

// Close seals the last part and, for on-disk batches, writes the summary.
func (w *Writer) Close(timestamp int64) (*model.BatchInfo, error) {
	w.info.Timestamp = timestamp
	if w.currentRows > 0 {
		if err := w.flush(true); err != nil {
			return nil, err
		}
	}
	if !w.info.InMemory {
		if err := writeSummary(w.dir, w.info); err != nil {
			return nil, err
		}
	}
	w.logger.Debug("Batch closed",
		zap.Int("parts", len(w.info.Parts)),
		zap.String("rows", humanize.Comma(int64(w.info.RowsCount))),
		zap.Bool("in_memory", w.info.InMemory))
	return w.info, nil
}

func (w *Writer) flush(last bool) error {
	part := &model.BatchPartInfo{
		Index:       len(w.info.Parts),
		IsLastBatch: last,
		RowsCount:   w.currentRows,
	}
	for _, t := range w.current.Tables {
		if len(t.Rows) == 0 {
			continue
		}
		part.Tables = append(part.Tables, model.BatchPartTableInfo{
			SchemaName: t.SchemaName,
			TableName:  t.TableName,
			RowsCount:  len(t.Rows),
		})
	}

	if w.info.InMemory {
		part.Data = w.current
	} else {
		part.FileName = fmt.Sprintf(partFilePattern, part.Index)
		size, err := writePart(filepath.Join(w.dir, part.FileName), part, w.current)
		if err != nil {
			return err
		}
		w.logger.Debug("Batch part written",
			zap.Int("index", part.Index),
			zap.Int("rows", part.RowsCount),
			zap.String("size", humanize.Bytes(uint64(size))))
	}

	w.info.Parts = append(w.info.Parts, part)
	w.current = w.schema.CloneSchema()
	w.currentRows = 0
	return nil
}

func writePart(path string, part *model.BatchPartInfo, data *model.SyncSet) (int, error) {
	pf := partFile{Index: part.Index, Last: part.IsLastBatch}
	for _, t := range data.Tables {
		if len(t.Rows) == 0 {
			continue
		}
		pt := partTable{Schema: t.SchemaName, Name: t.TableName, Rows: make([][]any, 0, len(t.Rows))}
		for _, r := range t.Rows {
			pt.Rows = append(pt.Rows, encodeRow(r))
		}
		pf.Tables = append(pf.Tables, pt)
	}
	b, err := json.Marshal(pf)
	if err != nil {
		return 0, fmt.Errorf("failed to encode batch part %d: %w", part.Index, err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return 0, fmt.Errorf("failed to write batch part %s: %w", path, err)
	}
	return len(b), nil
}

func writeSummary(dir string, info *model.BatchInfo) error {
	sf := summaryFile{
		ID:        info.ID,
		Root:      info.DirectoryRoot,
		Name:      info.DirectoryName,
		Rows:      info.RowsCount,
		Timestamp: info.Timestamp,
		Parts:     make([]summaryPart, 0, len(info.Parts)),
	}
	for _, p := range info.Parts {
		sp := summaryPart{Index: p.Index, Last: p.IsLastBatch, File: p.FileName, Rows: p.RowsCount}
		for _, t := range p.Tables {
			sp.Tables = append(sp.Tables, summaryTable{Schema: t.SchemaName, Name: t.TableName, Rows: t.RowsCount})
		}
		sf.Parts = append(sf.Parts, sp)
	}
	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode batch summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, summaryFileName), b, 0o644); err != nil {
		return fmt.Errorf("failed to write batch summary: %w", err)
	}
	return nil
}
