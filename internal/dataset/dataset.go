// dataset.go - Reference dataset loading and annotated output

package dataset

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bosocmputer/doc_recon_gemini/internal/logging"
)

// ReferenceRow is one row of the reference dataset: a unique row key (the
// identifier column value) plus every other column as a named field. Rows are
// read-only for matching; only the orchestrator appends result columns.
type ReferenceRow struct {
	Key    string
	Fields map[string]string
}

// Dataset holds the flattened reference CSV plus any annotation columns
// appended during reconciliation. Column order is preserved on write.
type Dataset struct {
	Columns  []string
	Rows     []*ReferenceRow
	idColumn string
	byKey    map[string]*ReferenceRow

	extraColumns []string
	annotations  map[string]map[string]string
}

// Load reads the reference CSV. The file must carry a header row containing
// idColumn; rows with an empty identifier or no values at all are skipped.
// Duplicate keys keep the last occurrence, logged as an anomaly.
func Load(path, idColumn string, logger *slog.Logger) (*Dataset, error) {
	logger = logging.WithComponent(logger, "dataset")

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	if len(records) < 1 {
		return nil, fmt.Errorf("dataset %s is empty", path)
	}

	header := make([]string, len(records[0]))
	idIdx := -1
	for i, col := range records[0] {
		header[i] = strings.TrimSpace(col)
		if header[i] == idColumn {
			idIdx = i
		}
	}
	if idIdx < 0 {
		return nil, fmt.Errorf("dataset %s has no %q column", path, idColumn)
	}

	ds := &Dataset{
		Columns:     header,
		idColumn:    idColumn,
		byKey:       make(map[string]*ReferenceRow),
		annotations: make(map[string]map[string]string),
	}

	for _, record := range records[1:] {
		if isEmptyRecord(record) {
			continue
		}
		fields := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				fields[col] = strings.TrimSpace(record[i])
			} else {
				fields[col] = ""
			}
		}
		key := fields[idColumn]
		if key == "" {
			logger.Warn("skipping row with empty identifier")
			continue
		}
		row := &ReferenceRow{Key: key, Fields: fields}
		if prev, dup := ds.byKey[key]; dup {
			logger.Warn("duplicate row key, keeping last occurrence", "key", key)
			for i, existing := range ds.Rows {
				if existing == prev {
					ds.Rows[i] = row
					break
				}
			}
			ds.byKey[key] = row
			continue
		}
		ds.Rows = append(ds.Rows, row)
		ds.byKey[key] = row
	}

	if len(ds.Rows) == 0 {
		return nil, fmt.Errorf("dataset %s has no usable rows", path)
	}

	logger.Info("loaded reference dataset", "path", path, "rows", len(ds.Rows), "columns", len(header))
	return ds, nil
}

// Row returns the reference row for a key.
func (d *Dataset) Row(key string) (*ReferenceRow, bool) {
	row, ok := d.byKey[key]
	return row, ok
}

// Keys returns every row key in dataset order.
func (d *Dataset) Keys() []string {
	keys := make([]string, len(d.Rows))
	for i, row := range d.Rows {
		keys[i] = row.Key
	}
	return keys
}

// Annotate appends result columns to the row identified by key. New column
// names are added to the output in first-seen order; re-annotating the same
// key overwrites its previous values.
func (d *Dataset) Annotate(key string, values map[string]string) error {
	if _, ok := d.byKey[key]; !ok {
		return fmt.Errorf("unknown row key %q", key)
	}
	cells, ok := d.annotations[key]
	if !ok {
		cells = make(map[string]string, len(values))
		d.annotations[key] = cells
	}
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		if !d.hasExtraColumn(col) {
			d.extraColumns = append(d.extraColumns, col)
		}
		cells[col] = values[col]
	}
	return nil
}

func (d *Dataset) hasExtraColumn(col string) bool {
	for _, existing := range d.extraColumns {
		if existing == col {
			return true
		}
	}
	return false
}

// WriteCSV writes the annotated dataset: the original columns in their
// original order followed by the annotation columns.
func (d *Dataset) WriteCSV(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)

	header := append(append([]string{}, d.Columns...), d.extraColumns...)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, row := range d.Rows {
		record := make([]string, 0, len(header))
		for _, col := range d.Columns {
			record = append(record, row.Fields[col])
		}
		cells := d.annotations[row.Key]
		for _, col := range d.extraColumns {
			record = append(record, cells[col])
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write row %s: %w", row.Key, err)
		}
	}

	w.Flush()
	return w.Error()
}

func isEmptyRecord(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
