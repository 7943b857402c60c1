package ingest

import (
	"github.com/scenariolab/hindcast/internal/models"
)

// Bundle is a scored cluster ready to be staged into a scenario's pools:
// one Evidence item, plus any Entities the cluster implied.
type Bundle struct {
	RecordIDs []string
	Evidence  *models.Evidence
	Entities  []*models.Entity
}

// buildBundle converts a scored cluster into an Evidence item and optional
// entity. Parameters from later records supersede earlier ones under the
// same key, preserving the audit chain.
func buildBundle(c Cluster, confidence float64, cfg Config) Bundle {
	source := c.Records[0].Source

	ev := models.NewEvidence(bundleLabel(c), evidenceType(c, cfg), source)
	ev.Confidence = confidence

	for _, rec := range c.Records {
		for key, p := range rec.Params {
			if prev, ok := ev.Data[key]; ok {
				p = prev.Supersede(p.Value, p.Confidence, p.Source)
			}
			ev.Data[key] = p
		}
	}
	if ts, ok := ev.Data["timestamp"]; ok && ts.Value.Kind == models.ValueTimestamp {
		t := ts.Value.Timestamp
		ev.Timestamp = &t
	}

	b := Bundle{Evidence: ev}
	for _, rec := range c.Records {
		b.RecordIDs = append(b.RecordIDs, rec.ID)
	}

	if cfg.EntityField != "" {
		if p, ok := ev.Data[cfg.EntityField]; ok && p.Value.Kind == models.ValueText && p.Value.Text != "" {
			entity := models.NewEntity(p.Value.Text, models.RoleCustom)
			entity.LinkEvidence(ev.ID)
			for key, param := range ev.Data {
				if key == cfg.EntityField {
					continue
				}
				entity.SetAttribute(param)
			}
			b.Entities = append(b.Entities, entity)
		}
	}
	return b
}

func bundleLabel(c Cluster) string {
	for _, rec := range c.Records {
		if rec.Label != "" {
			return rec.Label
		}
	}
	return c.Key
}

// evidenceType infers a type from the cluster's content: positional data
// makes it geospatial, otherwise the configured default applies.
func evidenceType(c Cluster, cfg Config) models.EvidenceType {
	for _, rec := range c.Records {
		for _, p := range rec.Params {
			if p.Value.Kind == models.ValuePosition {
				return models.EvidenceGeospatial
			}
		}
	}
	if cfg.DefaultType != "" {
		return cfg.DefaultType
	}
	return models.EvidenceCustom
}

// ScoreCluster assigns bundle confidence from source reliability and
// clustering tightness. A tight cluster from a reliable source scores
// high; a loose cluster from an unknown source stays tentative.
func ScoreCluster(c Cluster) float64 {
	var rel float64
	for _, rec := range c.Records {
		r := rec.Source.Reliability
		if r == 0 {
			r = 0.5
		}
		rel += r
	}
	rel /= float64(len(c.Records))

	score := rel * (0.6 + 0.4*c.Tightness)
	if score < 0.05 {
		score = 0.05
	}
	if score > 0.99 {
		score = 0.99
	}
	return score
}
