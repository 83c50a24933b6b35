package similarity

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/stintlab/driveriq/internal/types"
)

// NoBetterPeerReason distinguishes "nobody to improve toward" from an empty
// pool or missing data.
const NoBetterPeerReason = "no better-performing peer found in the current pool"

// Query asks for improvement targets for one driver against the pool.
type Query struct {
	Target  types.DriverProfile
	Pool    []types.DriverProfile // other drivers; the target is ignored if present
	Weights types.WeightVector
	TopN    int
}

// Result is the ranked recommendation list, or an explicit no-better-peer
// outcome when nobody in the pool outperforms the target.
type Result struct {
	SourceDriverID  string                           `json:"source_driver_id"`
	Recommendations []types.SimilarityRecommendation `json:"recommendations"`
	NoBetterPeer    bool                             `json:"no_better_peer"`
	Reason          string                           `json:"reason,omitempty"`
	EligibleCount   int                              `json:"eligible_count"`
	Confidence      types.ConfidenceFlag             `json:"confidence"`
}

// Recommender finds peers with a closer-but-better skill and outcome profile.
// Pure and stateless over a published snapshot.
type Recommender struct {
	MinPoolSize int
	log         *logrus.Logger
}

func NewRecommender(minPoolSize int, log *logrus.Logger) *Recommender {
	return &Recommender{MinPoolSize: minPoolSize, log: log}
}

// Recommend applies the eligibility filter (strictly better outcome, missing
// outcomes excluded entirely), ranks by weighted Euclidean distance and maps
// distances to match scores via min-max over the eligible set only.
func (r *Recommender) Recommend(q Query) (*Result, error) {
	if !q.Target.HasOutcome {
		return nil, fmt.Errorf("target driver %q has no outcome metric, cannot establish eligibility", q.Target.DriverID)
	}
	if len(q.Weights.Weights) == 0 {
		return nil, fmt.Errorf("empty weight vector")
	}

	type scored struct {
		driver   types.DriverProfile
		distance float64
	}
	var eligible []scored
	peers := 0
	for _, cand := range q.Pool {
		if cand.DriverID == q.Target.DriverID {
			continue
		}
		peers++
		// Candidates with no outcome are excluded from the pool entirely,
		// not treated as worst-case.
		if !cand.HasOutcome {
			continue
		}
		// Lower outcome is better; eligibility requires strictly better.
		if cand.Outcome >= q.Target.Outcome {
			continue
		}
		eligible = append(eligible, scored{
			driver:   cand,
			distance: WeightedDistance(q.Target.FactorZ, cand.FactorZ, q.Weights),
		})
	}

	// The target is not its own peer; confidence reflects how many other
	// drivers the comparison is drawn against.
	confidence := types.ConfidenceNormal
	if peers < r.MinPoolSize {
		confidence = types.ConfidenceLow
	}

	res := &Result{
		SourceDriverID: q.Target.DriverID,
		EligibleCount:  len(eligible),
		Confidence:     confidence,
	}
	if len(eligible) == 0 {
		res.NoBetterPeer = true
		res.Reason = NoBetterPeerReason
		r.log.WithField("driver_id", q.Target.DriverID).Debug("No eligible improvement targets")
		return res, nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].distance != eligible[j].distance {
			return eligible[i].distance < eligible[j].distance
		}
		return eligible[i].driver.DriverID < eligible[j].driver.DriverID
	})

	minD := eligible[0].distance
	maxD := eligible[len(eligible)-1].distance

	topN := q.TopN
	if topN <= 0 || topN > len(eligible) {
		topN = len(eligible)
	}
	for _, s := range eligible[:topN] {
		res.Recommendations = append(res.Recommendations, types.SimilarityRecommendation{
			SourceDriverID:    q.Target.DriverID,
			CandidateDriverID: s.driver.DriverID,
			Distance:          s.distance,
			MatchScore:        matchScore(s.distance, minD, maxD),
			OutcomeGap:        q.Target.Outcome - s.driver.Outcome,
		})
	}
	return res, nil
}

// WeightedDistance is the Euclidean distance over factor z-scores with each
// dimension weighted by the regression-derived importance weight, so the
// dimensions that matter for outcomes dominate. Dimensions fold in sorted
// factor-ID order so repeated queries rank identically.
func WeightedDistance(a, b map[string]float64, weights types.WeightVector) float64 {
	sum := 0.0
	for _, fid := range weights.FactorIDs() {
		az, aok := a[fid]
		bz, bok := b[fid]
		if !aok || !bok || math.IsNaN(az) || math.IsNaN(bz) {
			continue
		}
		d := az - bz
		sum += weights.Weights[fid] * d * d
	}
	return math.Sqrt(sum)
}

// matchScore min-max normalizes over the eligible candidate set: the closest
// eligible candidate scores 100, the farthest 0. A single candidate scores 100.
func matchScore(d, minD, maxD float64) float64 {
	if maxD <= minD {
		return 100
	}
	return (1 - (d-minD)/(maxD-minD)) * 100
}
