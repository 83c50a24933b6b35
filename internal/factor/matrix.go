package factor

import (
	"math"
	"sort"

	"github.com/stintlab/driveriq/internal/types"
)

// FeatureMatrix is the driver-by-race observation matrix handed over by the
// upstream feature builder. Columns are named; missing cells are NaN.
type FeatureMatrix struct {
	Names   []string
	Records []types.FeatureRecord
}

// NewFeatureMatrix collects the union of feature names across records.
// Names are sorted so extraction runs are deterministic.
func NewFeatureMatrix(records []types.FeatureRecord) *FeatureMatrix {
	seen := make(map[string]bool)
	for _, r := range records {
		for name := range r.Features {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return &FeatureMatrix{Names: names, Records: records}
}

func (m *FeatureMatrix) value(rec types.FeatureRecord, name string) float64 {
	v, ok := rec.Features[name]
	if !ok {
		return math.NaN()
	}
	return v
}

// Completeness returns the fraction of observations with a present,
// finite value for the named feature.
func (m *FeatureMatrix) Completeness(name string) float64 {
	if len(m.Records) == 0 {
		return 0
	}
	present := 0
	for _, rec := range m.Records {
		if v := m.value(rec, name); !math.IsNaN(v) && !math.IsInf(v, 0) {
			present++
		}
	}
	return float64(present) / float64(len(m.Records))
}

// column returns the raw values for a feature, NaN where missing.
func (m *FeatureMatrix) column(name string) []float64 {
	col := make([]float64, len(m.Records))
	for i, rec := range m.Records {
		v := m.value(rec, name)
		if math.IsInf(v, 0) {
			v = math.NaN()
		}
		col[i] = v
	}
	return col
}
