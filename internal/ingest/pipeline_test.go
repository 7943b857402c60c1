package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scenariolab/hindcast/internal/models"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestPipelineSkipsMalformedCSVRow(t *testing.T) {
	// 999 valid rows plus one with a broken column count: the batch must
	// complete with exactly 999 bundles and one recorded error.
	var sb strings.Builder
	sb.WriteString("id,description,confidence\n")
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&sb, "r%d,sighting number %d,0.7\n", i, i)
	}
	sb.WriteString("bad-row-with-wrong-column-count\n")
	for i := 500; i < 999; i++ {
		fmt.Fprintf(&sb, "r%d,sighting number %d,0.7\n", i, i)
	}
	path := writeFile(t, "records.csv", sb.String())

	p := NewPipeline(Config{}, nil)
	res, err := p.Run(context.Background(), NewFileAdapter(path, 0.8))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Processed != 999 {
		t.Errorf("processed = %d, want 999", res.Processed)
	}
	if res.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", res.Skipped)
	}
	if len(res.Bundles) != 999 {
		t.Errorf("bundles = %d, want 999", len(res.Bundles))
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %d, want 1: %v", len(res.Errors), res.Errors)
	}
	var rerr *RecordError
	if !errors.As(res.Errors[0], &rerr) {
		t.Errorf("error = %v, want *RecordError", res.Errors[0])
	}
}

func TestPipelineClustersByGroupField(t *testing.T) {
	path := writeFile(t, "records.jsonl", strings.Join([]string{
		`{"id":"r1","subject":"white van","description":"white van parked outside"}`,
		`{"id":"r2","subject":"white van","description":"white van seen driving away"}`,
		`{"id":"r3","subject":"alarm","description":"alarm wiring was cut"}`,
	}, "\n"))

	p := NewPipeline(Config{GroupField: "subject", EntityField: "subject"}, nil)
	res, err := p.Run(context.Background(), NewFileAdapter(path, 0.9))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Bundles) != 2 {
		t.Fatalf("bundles = %d, want 2", len(res.Bundles))
	}

	// Clusters are sorted by key: "alarm" then "white van".
	alarm, van := res.Bundles[0], res.Bundles[1]
	if len(alarm.RecordIDs) != 1 || len(van.RecordIDs) != 2 {
		t.Errorf("cluster sizes: alarm=%d van=%d", len(alarm.RecordIDs), len(van.RecordIDs))
	}
	if len(van.Entities) != 1 || van.Entities[0].Name != "white van" {
		t.Errorf("entity not built from group field: %+v", van.Entities)
	}
	if van.Entities[0].LinkedEvidence[0] != van.Evidence.ID {
		t.Error("entity not linked to its evidence")
	}

	// Merged parameters keep the supersede chain.
	desc := van.Evidence.Data["description"]
	if desc.Supersedes == "" {
		t.Error("merged description has no supersede chain")
	}
}

func TestPipelineGeospatialDetection(t *testing.T) {
	path := writeFile(t, "geo.jsonl",
		`{"id":"g1","description":"phone ping","location":"40.7,-74.0,0"}`)

	p := NewPipeline(Config{DefaultType: models.EvidenceDigital}, nil)
	res, err := p.Run(context.Background(), NewFileAdapter(path, 0.6))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := res.Bundles[0].Evidence.Type; got != models.EvidenceGeospatial {
		t.Errorf("type = %s, want geospatial", got)
	}
}

func TestPipelineHTTPAdapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":"h1","description":"report one"},{"id":"h2","description":"report two"}]`)
	}))
	defer srv.Close()

	p := NewPipeline(Config{}, nil)
	res, err := p.Run(context.Background(), NewHTTPAdapter(srv.URL, 0.7, 5*time.Second))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Processed != 2 || len(res.Bundles) != 2 {
		t.Errorf("processed=%d bundles=%d, want 2/2", res.Processed, len(res.Bundles))
	}
	if kind := res.Bundles[0].Evidence.Source.Kind; kind != "http" {
		t.Errorf("source kind = %q, want http", kind)
	}
}

func TestPipelineHTTPTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	p := NewPipeline(Config{}, nil)
	_, err := p.Run(context.Background(), NewHTTPAdapter(srv.URL, 0.7, 50*time.Millisecond))
	if !errors.Is(err, models.ErrAdapterTimeout) {
		t.Errorf("err = %v, want ErrAdapterTimeout", err)
	}
}

// stubAdapter yields a fixed set of records, optionally failing with a
// timeout a configured number of times first.
type stubAdapter struct {
	records      []RawRecord
	failuresLeft int
}

func (s *stubAdapter) Name() string { return "stub" }

func (s *stubAdapter) Source() models.DataSourceRef {
	return models.DataSourceRef{ID: "stub", Kind: "stream", Reliability: 0.5}
}

func (s *stubAdapter) Records(ctx context.Context) iter.Seq2[RawRecord, error] {
	return func(yield func(RawRecord, error) bool) {
		if s.failuresLeft > 0 {
			s.failuresLeft--
			yield(RawRecord{}, fmt.Errorf("stub: %w", models.ErrAdapterTimeout))
			return
		}
		for _, rec := range s.records {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func TestSupervisorRetriesTimeouts(t *testing.T) {
	adapter := &stubAdapter{
		failuresLeft: 2,
		records: []RawRecord{
			{ID: "s1", Fields: map[string]any{"description": "late but fine"}},
		},
	}
	sup := NewSupervisor(NewPipeline(Config{}, nil), nil)
	sup.BaseBackoff = time.Millisecond

	res, err := sup.Run(context.Background(), adapter)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Processed != 1 {
		t.Errorf("processed = %d, want 1", res.Processed)
	}
	if sup.State() != SourceHealthy {
		t.Errorf("state = %s, want healthy after recovery", sup.State())
	}
}

func TestSupervisorGivesUpAfterMaxAttempts(t *testing.T) {
	adapter := &stubAdapter{failuresLeft: 10}
	sup := NewSupervisor(NewPipeline(Config{}, nil), nil)
	sup.BaseBackoff = time.Millisecond
	sup.MaxAttempts = 2

	_, err := sup.Run(context.Background(), adapter)
	if !errors.Is(err, models.ErrAdapterTimeout) {
		t.Errorf("err = %v, want ErrAdapterTimeout", err)
	}
	if sup.State() != SourceDegraded {
		t.Errorf("state = %s, want degraded", sup.State())
	}
}
