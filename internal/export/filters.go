package export

import (
	"strconv"
	"strings"
	"time"
)

// Filters narrows an export. Application order is fixed: column projection,
// then the date range, then the head limit.
type Filters struct {
	// Columns projects the output. Unknown names are ignored; an empty
	// or all-invalid projection keeps every column.
	Columns []string

	// StartDate and EndDate bound, inclusively, the first column whose
	// name contains time, date, anno, or year. Rows whose value cannot
	// be read as a date are excluded.
	StartDate *time.Time
	EndDate   *time.Time

	// Limit caps the row count after filtering. Zero means no cap.
	Limit int
}

// dateColumnMarkers are matched case-insensitively against column names.
var dateColumnMarkers = []string{"time", "date", "anno", "year"}

func (e *Engine) applyFilters(datasetID string, columns []string, rows [][]any, filters Filters) ([]string, [][]any) {
	columns, rows = projectColumns(columns, rows, filters.Columns)

	if filters.StartDate != nil || filters.EndDate != nil {
		rows = e.filterDateRange(datasetID, columns, rows, filters.StartDate, filters.EndDate)
	}

	if filters.Limit > 0 && len(rows) > filters.Limit {
		rows = rows[:filters.Limit]
	}

	return columns, rows
}

// projectColumns keeps the requested columns in request order. Unknown
// names are dropped; when nothing valid remains the projection is a no-op.
func projectColumns(columns []string, rows [][]any, requested []string) ([]string, [][]any) {
	if len(requested) == 0 {
		return columns, rows
	}

	index := make(map[string]int, len(columns))
	for i, name := range columns {
		index[name] = i
	}

	keep := make([]int, 0, len(requested))
	kept := make([]string, 0, len(requested))

	for _, name := range requested {
		if i, ok := index[name]; ok {
			keep = append(keep, i)
			kept = append(kept, name)
		}
	}

	if len(keep) == 0 {
		return columns, rows
	}

	projected := make([][]any, len(rows))
	for r, row := range rows {
		out := make([]any, len(keep))
		for c, i := range keep {
			out[c] = row[i]
		}

		projected[r] = out
	}

	return kept, projected
}

// filterDateRange keeps rows whose date-column value falls inside the
// inclusive range. Without a recognizable date column the filter is
// skipped.
func (e *Engine) filterDateRange(datasetID string, columns []string, rows [][]any, start, end *time.Time) [][]any {
	dateIdx := dateColumnIndex(columns)
	if dateIdx < 0 {
		e.logger.Warn("Date filter requested but no date-like column present",
			"dataset_id", datasetID,
			"columns", columns,
		)

		return rows
	}

	kept := make([][]any, 0, len(rows))
	excluded := 0

	for _, row := range rows {
		value, ok := coerceTime(row[dateIdx])
		if !ok {
			excluded++

			continue
		}

		if start != nil && value.Before(*start) {
			continue
		}

		if end != nil && value.After(*end) {
			continue
		}

		kept = append(kept, row)
	}

	if excluded > 0 {
		e.logger.Warn("Rows excluded from export: date value not parseable",
			"dataset_id", datasetID,
			"column", columns[dateIdx],
			"excluded", excluded,
		)
	}

	return kept
}

// dateColumnIndex returns the first column whose name contains a date
// marker, or -1.
func dateColumnIndex(columns []string) int {
	for i, name := range columns {
		lower := strings.ToLower(name)

		for _, marker := range dateColumnMarkers {
			if strings.Contains(lower, marker) {
				return i
			}
		}
	}

	return -1
}

// timeLayouts are tried in order against string date values.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// coerceTime reads a cell as a point in time. SDMX period strings map to
// the period start: "2024" and "2024-Q1" both coerce to 2024-01-01.
func coerceTime(cell any) (time.Time, bool) {
	switch v := cell.(type) {
	case time.Time:
		return v, true
	case string:
		return parseTimeString(v)
	case []byte:
		return parseTimeString(string(v))
	default:
		return time.Time{}, false
	}
}

func parseTimeString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if t, ok := parseQuarter(s); ok {
		return t, true
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}

// parseQuarter reads the SDMX quarterly period form YYYY-Qn.
func parseQuarter(s string) (time.Time, bool) {
	if len(s) != 7 || s[4] != '-' || (s[5] != 'Q' && s[5] != 'q') {
		return time.Time{}, false
	}

	year, err := strconv.Atoi(s[:4])
	if err != nil {
		return time.Time{}, false
	}

	quarter := int(s[6] - '0')
	if quarter < 1 || quarter > 4 {
		return time.Time{}, false
	}

	month := time.Month((quarter-1)*3 + 1)

	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC), true
}
