package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scenariolab/hindcast/internal/models"
	"github.com/scenariolab/hindcast/internal/sanitize"
)

// timestampLayouts are tried in order when coercing text to a timestamp.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// labelFields are checked in order for a human-readable record label.
var labelFields = []string{"label", "description", "summary", "text", "note"}

// NormalizedRecord is a raw record after type coercion: every surviving
// field is a typed Parameter.
type NormalizedRecord struct {
	ID     string
	Label  string
	Source models.DataSourceRef
	Params map[string]models.Parameter
}

// Normalize coerces a raw record's fields into typed Parameters. A record
// with no fields, or whose fields all fail coercion, yields a
// *models.NormalizationError.
func Normalize(rec RawRecord) (NormalizedRecord, error) {
	if len(rec.Fields) == 0 {
		return NormalizedRecord{}, &models.NormalizationError{
			RecordID: rec.ID,
			Reason:   "record has no fields",
		}
	}

	id := rec.ID
	if id == "" {
		if v, ok := rec.Fields["id"].(string); ok && v != "" {
			id = v
		} else {
			id = uuid.New().String()
		}
	}

	out := NormalizedRecord{
		ID:     id,
		Source: rec.Source,
		Params: make(map[string]models.Parameter, len(rec.Fields)),
	}
	confidence := rec.Source.Reliability
	if confidence == 0 {
		confidence = 0.5
	}

	for key, raw := range rec.Fields {
		if key == "id" {
			continue
		}
		value, err := coerce(key, raw)
		if err != nil {
			return NormalizedRecord{}, &models.NormalizationError{
				RecordID: id,
				Field:    key,
				Reason:   err.Error(),
				Err:      err,
			}
		}
		out.Params[key] = models.NewParameter(key, value, confidence, rec.Source)
	}
	if len(out.Params) == 0 {
		return NormalizedRecord{}, &models.NormalizationError{
			RecordID: id,
			Reason:   "no usable fields after coercion",
		}
	}

	for _, f := range labelFields {
		if p, ok := out.Params[f]; ok && p.Value.Kind == models.ValueText && p.Value.Text != "" {
			// Source text can carry markup or embedded instructions; labels
			// end up in agent-visible tool output.
			out.Label = sanitize.Label(p.Value.Text)
			break
		}
	}
	return out, nil
}

// coerce maps a raw field value to a typed Value. Strings go through
// timestamp, position, number, and boolean detection before falling back
// to text; native JSON types map directly.
func coerce(key string, raw any) (models.Value, error) {
	switch v := raw.(type) {
	case string:
		return coerceString(key, v)
	case float64:
		return models.NumberValue(v), nil
	case int:
		return models.NumberValue(float64(v)), nil
	case int64:
		return models.NumberValue(float64(v)), nil
	case bool:
		return models.BoolValue(v), nil
	case nil:
		return models.Value{}, fmt.Errorf("null value")
	default:
		return models.Value{}, fmt.Errorf("unsupported type %T", raw)
	}
}

func coerceString(key, s string) (models.Value, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return models.Value{}, fmt.Errorf("empty value")
	}

	if isTimestampKey(key) {
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return models.TimestampValue(t.UTC()), nil
			}
		}
		return models.Value{}, fmt.Errorf("unparseable timestamp %q", s)
	}

	// Position-keyed fields often carry prose ("back door") rather than
	// coordinates; keep those as text instead of rejecting the record.
	if isPositionKey(key) {
		if pos, ok := parsePosition(s); ok {
			return pos, nil
		}
		return models.TextValue(s), nil
	}

	switch strings.ToLower(s) {
	case "true", "yes":
		return models.BoolValue(true), nil
	case "false", "no":
		return models.BoolValue(false), nil
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return models.NumberValue(f), nil
	}
	return models.TextValue(s), nil
}

func isTimestampKey(key string) bool {
	k := strings.ToLower(key)
	return strings.HasSuffix(k, "_at") || strings.HasSuffix(k, "_time") ||
		k == "timestamp" || k == "time" || k == "date"
}

func isPositionKey(key string) bool {
	k := strings.ToLower(key)
	return k == "position" || k == "location" || k == "coordinates" || k == "pos"
}

// parsePosition parses "x,y" or "x,y,z" into a position value.
func parsePosition(s string) (models.Value, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 && len(parts) != 3 {
		return models.Value{}, false
	}
	coords := make([]float64, 3)
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return models.Value{}, false
		}
		coords[i] = f
	}
	return models.PositionValue(coords[0], coords[1], coords[2]), true
}
