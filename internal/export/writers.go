package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// exportMetadata is the metadata half of the JSON envelope.
type exportMetadata struct {
	DatasetID    string   `json:"dataset_id"`
	ExportedAt   string   `json:"exported_at"`
	TotalRecords int      `json:"total_records"`
	Columns      []string `json:"columns"`
}

// streamCSV emits a header row followed by data rows, flushing per chunk.
// No data means no bytes at all, header included.
func (e *Engine) streamCSV(ctx context.Context, w io.Writer, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	cw := csv.NewWriter(w)

	if err := cw.Write(columns); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for offset := 0; offset < len(rows); offset += e.chunkRows {
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, row := range rows[offset:min(offset+e.chunkRows, len(rows))] {
			record := make([]string, len(row))
			for i, cell := range row {
				record[i] = csvCell(cell)
			}

			if err := cw.Write(record); err != nil {
				return fmt.Errorf("failed to write CSV row: %w", err)
			}
		}

		cw.Flush()

		if err := cw.Error(); err != nil {
			return fmt.Errorf("failed to flush CSV chunk: %w", err)
		}

		flush(w)
	}

	return nil
}

// streamJSON emits the envelope prelude, comma-delimited records in chunks,
// and the closing bracket. An empty dataset still gets a full envelope with
// total_records zero.
func (e *Engine) streamJSON(ctx context.Context, w io.Writer, datasetID string, columns []string, rows [][]any) error {
	meta := exportMetadata{
		DatasetID:    datasetID,
		ExportedAt:   time.Now().UTC().Format(time.RFC3339),
		TotalRecords: len(rows),
		Columns:      columns,
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode export metadata: %w", err)
	}

	if _, err := fmt.Fprintf(w, `{"metadata":%s,"data":[`, metaJSON); err != nil {
		return fmt.Errorf("failed to write JSON prelude: %w", err)
	}

	written := 0

	for offset := 0; offset < len(rows); offset += e.chunkRows {
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, row := range rows[offset:min(offset+e.chunkRows, len(rows))] {
			record, err := json.Marshal(rowMap(columns, row))
			if err != nil {
				return fmt.Errorf("failed to encode export record: %w", err)
			}

			if written > 0 {
				if _, err := io.WriteString(w, ","); err != nil {
					return fmt.Errorf("failed to write JSON delimiter: %w", err)
				}
			}

			if _, err := w.Write(record); err != nil {
				return fmt.Errorf("failed to write JSON record: %w", err)
			}

			written++
		}

		flush(w)
	}

	if _, err := io.WriteString(w, "]}"); err != nil {
		return fmt.Errorf("failed to close JSON export: %w", err)
	}

	return nil
}

// streamParquet assembles the file in memory, then copies it out in fixed
// byte chunks. Row-group level streaming is a possible optimization but the
// assembled file is already bounded by the observation cap per ingestion.
func (e *Engine) streamParquet(ctx context.Context, w io.Writer, columns []string, rows [][]any) error {
	var buf bytes.Buffer

	if err := writeParquet(&buf, columns, rows); err != nil {
		return err
	}

	data := buf.Bytes()

	for offset := 0; offset < len(data); offset += parquetChunkBytes {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := w.Write(data[offset:min(offset+parquetChunkBytes, len(data))]); err != nil {
			return fmt.Errorf("failed to write Parquet chunk: %w", err)
		}

		flush(w)
	}

	return nil
}

// writeParquet emits a snappy-compressed file whose column types follow the
// stored values: integers stay INT64, floats DOUBLE, booleans BOOLEAN, and
// everything else is serialized as UTF8 text.
func writeParquet(w io.Writer, columns []string, rows [][]any) error {
	schema, err := parquetSchema(columns, rows)
	if err != nil {
		return err
	}

	fw := writerfile.NewWriterFile(w)

	pw, err := writer.NewJSONWriter(schema, fw, 4)
	if err != nil {
		return fmt.Errorf("failed to create Parquet writer: %w", err)
	}

	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		record, err := json.Marshal(rowMap(columns, row))
		if err != nil {
			return fmt.Errorf("failed to encode Parquet record: %w", err)
		}

		if err := pw.Write(string(record)); err != nil {
			return fmt.Errorf("failed to write Parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to finalize Parquet export: %w", err)
	}

	return fw.Close()
}

// parquetSchema types each column from its first non-nil value; columns
// with no data fall back to UTF8 text.
func parquetSchema(columns []string, rows [][]any) (string, error) {
	type field struct {
		Tag string `json:"Tag"`
	}

	schema := struct {
		Tag    string  `json:"Tag"`
		Fields []field `json:"Fields"`
	}{Tag: "name=istat_export, repetitiontype=REQUIRED"}

	for i, name := range columns {
		schema.Fields = append(schema.Fields, field{
			Tag: fmt.Sprintf("name=%s, %s, repetitiontype=OPTIONAL", name, parquetType(columnSample(rows, i))),
		})
	}

	encoded, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("failed to build Parquet schema: %w", err)
	}

	return string(encoded), nil
}

func columnSample(rows [][]any, idx int) any {
	for _, row := range rows {
		if row[idx] != nil {
			return row[idx]
		}
	}

	return nil
}

func parquetType(sample any) string {
	switch sample.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "type=INT64"
	case float32, float64:
		return "type=DOUBLE"
	case bool:
		return "type=BOOLEAN"
	default:
		return "type=BYTE_ARRAY, convertedtype=UTF8"
	}
}

// rowMap pairs column names with JSON-safe cell values.
func rowMap(columns []string, row []any) map[string]any {
	out := make(map[string]any, len(columns))

	for i, name := range columns {
		out[name] = jsonCell(row[i])
	}

	return out
}

// jsonCell converts driver values that encoding/json would mangle: times
// become ISO-8601 strings and raw bytes become text.
func jsonCell(cell any) any {
	switch v := cell.(type) {
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case []byte:
		return string(v)
	default:
		return cell
	}
}

func csvCell(cell any) string {
	switch v := cell.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}
