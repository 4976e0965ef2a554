package batch

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/arwahdevops/bisync/internal/model"
)

const (
	summaryFileName = "summary.json"
	partFilePattern = "part_%04d.json"
)

type partFile struct {
	Index  int         `json:"index"`
	Last   bool        `json:"last"`
	Tables []partTable `json:"tables"`
}

type partTable struct {
	Schema string  `json:"s,omitempty"`
	Name   string  `json:"n"`
	Rows   [][]any `json:"rows"`
}

type summaryFile struct {
	ID        string        `json:"id"`
	Root      string        `json:"root"`
	Name      string        `json:"name"`
	Rows      int           `json:"rows"`
	Timestamp int64         `json:"timestamp"`
	Parts     []summaryPart `json:"parts"`
}

type summaryPart struct {
	Index  int            `json:"index"`
	Last   bool           `json:"last"`
	File   string         `json:"file"`
	Rows   int            `json:"rows"`
	Tables []summaryTable `json:"tables"`
}

type summaryTable struct {
	Schema string `json:"s,omitempty"`
	Name   string `json:"n"`
	Rows   int    `json:"rows"`
}

// encodeRow flattens a row to [state, v1, ..., vn].
func encodeRow(row *model.SyncRow) []any {
	out := make([]any, 0, row.Len()+1)
	out = append(out, int(row.State))
	for i := range row.Len() {
		out = append(out, encodeValue(row.GetAt(i)))
	}
	return out
}

func encodeValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return model.EncodeBytes(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

func decodeRow(t *model.SyncTable, raw []any) (*model.SyncRow, error) {
	if len(raw) != len(t.Columns)+1 {
		return nil, fmt.Errorf("table %s: encoded row has %d values, want %d", t.FullName(), len(raw)-1, len(t.Columns))
	}
	state, err := decodeInt(raw[0])
	if err != nil {
		return nil, fmt.Errorf("table %s: row state: %w", t.FullName(), err)
	}
	values := make([]any, len(t.Columns))
	for i, col := range t.Columns {
		v, err := decodeValue(col.Type, raw[i+1])
		if err != nil {
			return nil, fmt.Errorf("table %s column %s: %w", t.FullName(), col.Name, err)
		}
		values[i] = v
	}
	return t.NewRow(model.RowState(state), values...), nil
}

func decodeInt(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Int64()
	case float64:
		return int64(x), nil
	}
	return 0, fmt.Errorf("unexpected %T", v)
}

func decodeValue(dt model.DataType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch dt {
	case model.TypeInt:
		return decodeInt(v)
	case model.TypeFloat:
		if n, ok := v.(json.Number); ok {
			return n.Float64()
		}
	case model.TypeBytes:
		if s, ok := v.(string); ok {
			return model.DecodeBytes(s)
		}
	case model.TypeDateTime:
		if s, ok := v.(string); ok {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, err
			}
			return t.UTC(), nil
		}
	case model.TypeDecimal:
		if n, ok := v.(json.Number); ok {
			v = n.String()
		}
	}
	return model.NormalizeValue(dt, v)
}
