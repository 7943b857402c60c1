package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/scenariolab/hindcast/internal/models"
)

func rawRecord(fields map[string]any) RawRecord {
	return RawRecord{
		ID:     "rec-1",
		Source: models.DataSourceRef{ID: "src", Kind: "file", Reliability: 0.8},
		Fields: fields,
	}
}

func TestNormalizeCoercesTypes(t *testing.T) {
	rec := rawRecord(map[string]any{
		"description": "tire tracks near the gate",
		"width_mm":    "215",
		"fresh":       "yes",
		"count":       float64(3),
		"seen_at":     "2024-03-09T21:14:00Z",
		"location":    "51.5072, -0.1276, 0",
	})

	norm, err := Normalize(rec)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if norm.Label != "tire tracks near the gate" {
		t.Errorf("label = %q", norm.Label)
	}

	tests := []struct {
		key  string
		kind models.ValueKind
	}{
		{"description", models.ValueText},
		{"width_mm", models.ValueNumber},
		{"fresh", models.ValueBool},
		{"count", models.ValueNumber},
		{"seen_at", models.ValueTimestamp},
		{"location", models.ValuePosition},
	}
	for _, tt := range tests {
		p, ok := norm.Params[tt.key]
		if !ok {
			t.Errorf("missing parameter %q", tt.key)
			continue
		}
		if p.Value.Kind != tt.kind {
			t.Errorf("%s kind = %s, want %s", tt.key, p.Value.Kind, tt.kind)
		}
		if p.Confidence != 0.8 {
			t.Errorf("%s confidence = %v, want source reliability 0.8", tt.key, p.Confidence)
		}
	}

	want := time.Date(2024, 3, 9, 21, 14, 0, 0, time.UTC)
	if got := norm.Params["seen_at"].Value.Timestamp; !got.Equal(want) {
		t.Errorf("seen_at = %v, want %v", got, want)
	}
	if got := norm.Params["location"].Value.Position; got.X != 51.5072 || got.Y != -0.1276 {
		t.Errorf("location = %+v", got)
	}
}

func TestNormalizeRejectsBadRecords(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
	}{
		{"empty", map[string]any{}},
		{"bad timestamp", map[string]any{"seen_at": "yesterday-ish"}},
		{"null value", map[string]any{"weight": nil}},
		{"only id", map[string]any{"id": "rec-9"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(rawRecord(tt.fields))
			var nerr *models.NormalizationError
			if !errors.As(err, &nerr) {
				t.Errorf("err = %v, want *NormalizationError", err)
			}
		})
	}
}

func TestNormalizeProsePositionFallsBackToText(t *testing.T) {
	norm, err := Normalize(rawRecord(map[string]any{
		"location": "back door",
		"note":     "pry marks on the frame",
	}))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	loc, ok := norm.Params["location"]
	if !ok {
		t.Fatal("location parameter dropped")
	}
	if loc.Value.Kind != models.ValueText || loc.Value.Text != "back door" {
		t.Errorf("location = %+v, want text %q", loc.Value, "back door")
	}
}

func TestNormalizeGeneratesID(t *testing.T) {
	rec := RawRecord{Fields: map[string]any{"note": "anonymous tip"}}
	norm, err := Normalize(rec)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if norm.ID == "" {
		t.Error("no ID generated")
	}
}

func TestNormalizeSanitizesLabel(t *testing.T) {
	rec := rawRecord(map[string]any{
		"label": "witness <b>statement</b>\nfrom the\x07 platform",
	})

	norm, err := Normalize(rec)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if norm.Label != "witness statement from the platform" {
		t.Errorf("label = %q", norm.Label)
	}
}
