package ingest

import (
	"sort"

	"github.com/scenariolab/hindcast/internal/attach"
	"github.com/scenariolab/hindcast/internal/models"
)

// Cluster is a group of normalized records judged to describe the same
// candidate Evidence bundle.
type Cluster struct {
	// Key is the shared group-field value, or the first record's ID for a
	// singleton.
	Key     string
	Records []NormalizedRecord

	// Tightness is the mean pairwise text similarity of the cluster's
	// records (1.0 for singletons). It feeds the confidence scorer.
	Tightness float64
}

// ClusterRecords groups records that share a value under groupField;
// records without the field become singleton clusters. Output order is
// deterministic: clusters sort by key, records keep arrival order.
func ClusterRecords(records []NormalizedRecord, groupField string) []Cluster {
	byKey := make(map[string][]NormalizedRecord)
	var order []string

	add := func(key string, rec NormalizedRecord) {
		if _, seen := byKey[key]; !seen {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], rec)
	}

	for _, rec := range records {
		if p, ok := rec.Params[groupField]; ok && p.Value.Kind == models.ValueText && p.Value.Text != "" {
			add(p.Value.Text, rec)
		} else {
			add(rec.ID, rec)
		}
	}

	sort.Strings(order)
	clusters := make([]Cluster, 0, len(order))
	for _, key := range order {
		recs := byKey[key]
		clusters = append(clusters, Cluster{
			Key:       key,
			Records:   recs,
			Tightness: tightness(recs),
		})
	}
	return clusters
}

// tightness is the mean pairwise token overlap of record text.
func tightness(records []NormalizedRecord) float64 {
	if len(records) <= 1 {
		return 1.0
	}
	texts := make([]string, len(records))
	for i, rec := range records {
		texts[i] = recordText(rec)
	}
	var sum float64
	var pairs int
	for i := 0; i < len(texts); i++ {
		for j := i + 1; j < len(texts); j++ {
			sum += attach.TokenOverlap(texts[i], texts[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

// recordText flattens a record's label and text parameters for similarity
// comparison, in deterministic key order.
func recordText(rec NormalizedRecord) string {
	parts := rec.Label
	keys := make([]string, 0, len(rec.Params))
	for k := range rec.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := rec.Params[k]
		if p.Value.Kind == models.ValueText {
			parts += " " + p.Value.Text
		}
	}
	return parts
}
