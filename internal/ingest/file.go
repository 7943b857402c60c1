package ingest

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/scenariolab/hindcast/internal/models"
)

// FileAdapter reads records from a CSV or JSONL file. CSV files need a
// header row; each data row becomes one record. JSONL files carry one JSON
// object per line.
type FileAdapter struct {
	Path        string
	Reliability float64
}

// NewFileAdapter creates a FileAdapter for the given path.
func NewFileAdapter(path string, reliability float64) *FileAdapter {
	return &FileAdapter{Path: path, Reliability: reliability}
}

func (f *FileAdapter) Name() string { return "file:" + filepath.Base(f.Path) }

func (f *FileAdapter) Source() models.DataSourceRef {
	return models.DataSourceRef{
		ID:          f.Name(),
		Kind:        "file",
		URI:         f.Path,
		Reliability: f.Reliability,
	}
}

// Records streams the file lazily. Bad rows/lines are yielded as
// *RecordError so the pipeline can skip them without losing the batch.
func (f *FileAdapter) Records(ctx context.Context) iter.Seq2[RawRecord, error] {
	return func(yield func(RawRecord, error) bool) {
		file, err := os.Open(f.Path)
		if err != nil {
			yield(RawRecord{}, fmt.Errorf("open %s: %w", f.Path, err))
			return
		}
		defer file.Close()

		switch strings.ToLower(filepath.Ext(f.Path)) {
		case ".csv":
			f.streamCSV(ctx, file, yield)
		case ".jsonl", ".ndjson":
			f.streamJSONL(ctx, file, yield)
		default:
			yield(RawRecord{}, fmt.Errorf("unsupported file type %q", filepath.Ext(f.Path)))
		}
	}
}

func (f *FileAdapter) streamCSV(ctx context.Context, r io.Reader, yield func(RawRecord, error) bool) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		yield(RawRecord{}, fmt.Errorf("read csv header: %w", err))
		return
	}

	source := f.Source()
	line := 1
	for {
		if ctx.Err() != nil {
			return
		}
		line++
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			// Field-count mismatches are row-local; the reader recovers.
			if !yield(RawRecord{}, &RecordError{Line: line, Err: err}) {
				return
			}
			continue
		}
		fields := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(row) {
				fields[col] = row[i]
			}
		}
		rec := RawRecord{Source: source, Fields: fields}
		if id, ok := fields["id"].(string); ok {
			rec.ID = id
		}
		if !yield(rec, nil) {
			return
		}
	}
}

func (f *FileAdapter) streamJSONL(ctx context.Context, r io.Reader, yield func(RawRecord, error) bool) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	source := f.Source()
	line := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(text), &fields); err != nil {
			if !yield(RawRecord{}, &RecordError{Line: line, Err: err}) {
				return
			}
			continue
		}
		rec := RawRecord{Source: source, Fields: fields}
		if id, ok := fields["id"].(string); ok {
			rec.ID = id
		}
		if !yield(rec, nil) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		yield(RawRecord{}, fmt.Errorf("scan %s: %w", f.Path, err))
	}
}
