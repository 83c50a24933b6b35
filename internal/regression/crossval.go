package regression

import (
	"context"
	"math"
	"sort"
)

func byDriver(o Observation) string { return o.DriverID }
func byTrack(o Observation) string  { return o.TrackID }

// groupedCV runs leave-one-group-out cross-validation. Every observation of
// the held-out group is excluded from that fold's training set, so a driver's
// correlated races (or a track's field) can never leak across the fold
// boundary. Returns the pooled predictive R2 over all held-out predictions.
func (r *Regressor) groupedCV(ctx context.Context, obs []Observation, key func(Observation) string) (float64, error) {
	groups := make(map[string][]int)
	for i, o := range obs {
		groups[key(o)] = append(groups[key(o)], i)
	}
	if len(groups) < 2 {
		return math.NaN(), nil
	}

	names := make([]string, 0, len(groups))
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)

	mean := 0.0
	for _, o := range obs {
		mean += o.Outcome
	}
	mean /= float64(len(obs))

	k := len(obs[0].Z)
	var sse, sst float64
	scored := 0
	for _, g := range names {
		// Cancellation checkpoint between folds.
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		held := groups[g]
		train := make([]Observation, 0, len(obs)-len(held))
		heldSet := make(map[int]bool, len(held))
		for _, i := range held {
			heldSet[i] = true
		}
		for i, o := range obs {
			if !heldSet[i] {
				train = append(train, o)
			}
		}
		if len(train) < k+2 {
			continue
		}

		fit, err := fitOLS(train)
		if err != nil {
			continue
		}
		for _, i := range held {
			pred := predict(fit.intercept, fit.coefs, obs[i].Z)
			sse += (obs[i].Outcome - pred) * (obs[i].Outcome - pred)
			sst += (obs[i].Outcome - mean) * (obs[i].Outcome - mean)
			scored++
		}
	}
	if scored == 0 || sst == 0 {
		return math.NaN(), nil
	}
	return 1 - sse/sst, nil
}
