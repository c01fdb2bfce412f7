package results

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
)

// IsTable reports whether value has one of the two table shapes the store
// can encode as CSV: a sequence of record maps (rows) or a map from column
// name to equal-length sequences (columns).
func IsTable(value any) bool {
	switch v := value.(type) {
	case []any:
		if len(v) == 0 {
			return false
		}
		for _, item := range v {
			if _, ok := item.(map[string]any); !ok {
				return false
			}
		}
		return true
	case map[string]any:
		if len(v) == 0 {
			return false
		}
		length := -1
		for _, col := range v {
			seq, ok := col.([]any)
			if !ok {
				return false
			}
			if length == -1 {
				length = len(seq)
			} else if len(seq) != length {
				return false
			}
		}
		return true
	}
	return false
}

// encodeTable writes either table shape as CSV with a deterministic column
// order: first-row key order is not observable in Go maps, so columns are
// sorted.
func encodeTable(value any) ([]byte, error) {
	rows, err := toRows(value)
	if err != nil {
		return nil, err
	}

	columns := make(map[string]struct{})
	for _, row := range rows {
		for k := range row {
			columns[k] = struct{}{}
		}
	}
	header := make([]string, 0, len(columns))
	for k := range columns {
		header = append(header, k)
	}
	sort.Strings(header)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	record := make([]string, len(header))
	for _, row := range rows {
		for i, col := range header {
			record[i] = formatCell(row[col])
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func toRows(value any) ([]map[string]any, error) {
	switch v := value.(type) {
	case []any:
		rows := make([]map[string]any, 0, len(v))
		for i, item := range v {
			row, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("row %d is not a record", i+1)
			}
			rows = append(rows, row)
		}
		return rows, nil
	case map[string]any:
		var length int
		for _, col := range v {
			seq, ok := col.([]any)
			if !ok {
				return nil, fmt.Errorf("column values must be sequences")
			}
			length = len(seq)
		}
		rows := make([]map[string]any, length)
		for i := range rows {
			rows[i] = make(map[string]any, len(v))
		}
		for name, col := range v {
			seq := col.([]any)
			if len(seq) != length {
				return nil, fmt.Errorf("column %q has ragged length", name)
			}
			for i, cell := range seq {
				rows[i][name] = cell
			}
		}
		return rows, nil
	}
	return nil, fmt.Errorf("value is not table-shaped")
}

func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// decodeTable reads CSV back into row form. Cells that parse as numbers or
// booleans are restored to those types; everything else stays a string.
func decodeTable(data []byte) (any, error) {
	r := csv.NewReader(bytes.NewReader(data))
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("corrupt table result: %w", err)
	}
	if len(records) == 0 {
		return []any{}, nil
	}

	header := records[0]
	rows := make([]any, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = parseCell(record[i])
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseCell(s string) any {
	if s == "" {
		return nil
	}
	if s == "true" {
		return true
	}
	if s == "false" {
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
