package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/stintlab/driveriq/internal/types"
)

// Normalizer converts reflected factor z-scores into pool-relative percentiles
// and a single weighted composite score. All methods are pure functions over a
// published snapshot; nothing here mutates shared state.
type Normalizer struct {
	MinPoolSize int
}

func NewNormalizer(minPoolSize int) *Normalizer {
	return &Normalizer{MinPoolSize: minPoolSize}
}

// BuildPool aggregates per-observation scores into one profile per driver.
// Factor z-scores aggregate as valid-lap-weighted means; records without lap
// counts fall back to unweighted means. The outcome metric is the driver's
// average finish over races that have a result.
func BuildPool(obs []types.ObservationScores, factorIDs []string, outcomes []types.RaceOutcome) []types.DriverProfile {
	outcomeByRace := make(map[string]float64, len(outcomes))
	for _, o := range outcomes {
		outcomeByRace[o.DriverID+"|"+o.RaceID] = o.FinishPosition
	}

	type agg struct {
		sums     []float64
		weight   float64
		races    int
		laps     int
		outSum   float64
		outCount int
	}
	byDriver := make(map[string]*agg)
	order := []string{}
	for _, ob := range obs {
		a, ok := byDriver[ob.DriverID]
		if !ok {
			a = &agg{sums: make([]float64, len(factorIDs))}
			byDriver[ob.DriverID] = a
			order = append(order, ob.DriverID)
		}
		w := float64(ob.ValidLaps)
		if w <= 0 {
			w = 1
		}
		for i := range factorIDs {
			if i < len(ob.ReflectedZ) {
				a.sums[i] += w * ob.ReflectedZ[i]
			}
		}
		a.weight += w
		a.races++
		a.laps += ob.ValidLaps
		if fin, ok := outcomeByRace[ob.DriverID+"|"+ob.RaceID]; ok {
			a.outSum += fin
			a.outCount++
		}
	}

	sort.Strings(order)
	pool := make([]types.DriverProfile, 0, len(order))
	for _, id := range order {
		a := byDriver[id]
		fz := make(map[string]float64, len(factorIDs))
		for i, fid := range factorIDs {
			fz[fid] = a.sums[i] / a.weight
		}
		p := types.DriverProfile{
			DriverID:  id,
			FactorZ:   fz,
			RaceCount: a.races,
			TotalLaps: a.laps,
		}
		if a.outCount > 0 {
			p.Outcome = a.outSum / float64(a.outCount)
			p.HasOutcome = true
		}
		pool = append(pool, p)
	}
	return pool
}

// Percentile is the pool-relative rank of z: the share of pool members at or
// below it, scaled to 0-100. Always computed against the current pool, never
// a fixed cutoff.
func Percentile(poolZ []float64, z float64) float64 {
	if len(poolZ) == 0 {
		return 0
	}
	atOrBelow := 0
	for _, v := range poolZ {
		if v <= z {
			atOrBelow++
		}
	}
	return float64(atOrBelow) / float64(len(poolZ)) * 100
}

// FactorScores returns a driver's per-factor standing against the pool.
// A pool below the minimum still returns values, tagged low confidence.
func (n *Normalizer) FactorScores(pool []types.DriverProfile, driverID string, factors []types.FactorDefinition) ([]types.FactorScore, error) {
	target, ok := findDriver(pool, driverID)
	if !ok {
		return nil, fmt.Errorf("driver %q not in pool", driverID)
	}
	confidence := n.poolConfidence(len(pool))

	scores := make([]types.FactorScore, 0, len(factors))
	for _, f := range factors {
		z := target.FactorZ[f.FactorID]
		poolZ := make([]float64, 0, len(pool))
		for _, d := range pool {
			poolZ = append(poolZ, d.FactorZ[f.FactorID])
		}
		scores = append(scores, types.FactorScore{
			DriverID:   driverID,
			Scope:      types.ScopeSeason,
			FactorID:   f.FactorID,
			RawZ:       f.ReflectionSign * z,
			ReflectedZ: z,
			Percentile: Percentile(poolZ, z),
			PoolSize:   len(pool),
			Confidence: confidence,
		})
	}
	return scores, nil
}

// RaceFactorScores returns a driver's standing in one race against every
// race performance in the snapshot, race scope.
func (n *Normalizer) RaceFactorScores(obs []types.ObservationScores, driverID, raceID string, factors []types.FactorDefinition) ([]types.FactorScore, error) {
	var target *types.ObservationScores
	for i := range obs {
		if obs[i].DriverID == driverID && obs[i].RaceID == raceID {
			target = &obs[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("no observation for driver %q in race %q", driverID, raceID)
	}

	scores := make([]types.FactorScore, 0, len(factors))
	for fi, f := range factors {
		if fi >= len(target.ReflectedZ) {
			break
		}
		z := target.ReflectedZ[fi]
		poolZ := make([]float64, 0, len(obs))
		for _, o := range obs {
			if fi < len(o.ReflectedZ) {
				poolZ = append(poolZ, o.ReflectedZ[fi])
			}
		}
		scores = append(scores, types.FactorScore{
			DriverID:   driverID,
			Scope:      types.ScopeRace,
			FactorID:   f.FactorID,
			RawZ:       f.ReflectionSign * z,
			ReflectedZ: z,
			Percentile: Percentile(poolZ, z),
			PoolSize:   len(poolZ),
			Confidence: n.poolConfidence(len(poolZ)),
		})
	}
	return scores, nil
}

// Composite maps the weighted sum of a driver's reflected z-scores onto
// [0,100] via its percentile among the pool's weighted sums. Weights come
// from the outcome regression, never equal weighting. Deterministic given
// the same snapshot.
func (n *Normalizer) Composite(pool []types.DriverProfile, driverID string, weights types.WeightVector) (types.CompositeScore, error) {
	target, ok := findDriver(pool, driverID)
	if !ok {
		return types.CompositeScore{}, fmt.Errorf("driver %q not in pool", driverID)
	}

	sums := make([]float64, 0, len(pool))
	for _, d := range pool {
		sums = append(sums, WeightedSum(d.FactorZ, weights))
	}
	value := Percentile(sums, WeightedSum(target.FactorZ, weights))

	confidence := n.poolConfidence(len(pool))
	if weights.Confidence == types.ConfidenceLow {
		confidence = types.ConfidenceLow
	}
	return types.CompositeScore{
		DriverID:   driverID,
		Scope:      types.ScopeSeason,
		Value:      value,
		PoolSize:   len(pool),
		Confidence: confidence,
	}, nil
}

// WeightedSum is the single composite aggregation used everywhere a weighted
// skill summary is needed. Factors fold in sorted ID order so the same inputs
// always land on the same float.
func WeightedSum(factorZ map[string]float64, weights types.WeightVector) float64 {
	sum := 0.0
	for _, fid := range weights.FactorIDs() {
		if z, ok := factorZ[fid]; ok && !math.IsNaN(z) {
			sum += weights.Weights[fid] * z
		}
	}
	return sum
}

func (n *Normalizer) poolConfidence(size int) types.ConfidenceFlag {
	if size < n.MinPoolSize {
		return types.ConfidenceLow
	}
	return types.ConfidenceNormal
}

func findDriver(pool []types.DriverProfile, driverID string) (types.DriverProfile, bool) {
	for _, d := range pool {
		if d.DriverID == driverID {
			return d, true
		}
	}
	return types.DriverProfile{}, false
}
