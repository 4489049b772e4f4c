package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Export writes the parseable records of the sink at path to w.
// Supported formats: "jsonl" (default), "json", "csv". Exporting does not
// verify; run the Verifier first when the output is used as evidence.
func Export(w io.Writer, path, format string) error {
	records, err := ReadRecords(path)
	if err != nil {
		return fmt.Errorf("reading records for export: %w", err)
	}

	switch format {
	case "json":
		out := make([]Record, 0, len(records))
		for _, nr := range records {
			out = append(out, nr.Record)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)

	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"line", "timestamp", "level", "name", "message", "fields", "prev_signature", "signature"}); err != nil {
			return err
		}
		for _, nr := range records {
			r := nr.Record
			if err := cw.Write([]string{
				strconv.Itoa(nr.Line),
				r.Timestamp,
				r.Level,
				r.Name,
				r.Message,
				formatFields(r.Fields),
				r.PrevSignature,
				r.Signature,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, nr := range records {
			if err := enc.Encode(nr.Record); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}

// formatFields renders fields as space separated key=value pairs sorted
// by key.
func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []byte
	for i, k := range keys {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, k...)
		out = append(out, '=')
		out = fmt.Appendf(out, "%v", fields[k])
	}
	return string(out)
}
