package regression

import (
	"context"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/stintlab/driveriq/internal/types"
)

// FitTrackProfiles fits one demand profile per track with enough observations,
// plus the global pooled profile every prediction can fall back to. Tracks
// below the minimum sample get no profile of their own; the predictor handles
// that explicitly rather than this layer fabricating one.
func (r *Regressor) FitTrackProfiles(ctx context.Context, obs []Observation, factorIDs []string, global *FitResult) (map[string]types.TrackDemandProfile, types.TrackDemandProfile, error) {
	globalProfile := profileFrom("", factorIDs, global.Intercept, global.Coefficients,
		global.N, global.InSampleR2, global.DriverCVR2, global.ResidualSE, global.Confidence)

	byTrackObs := make(map[string][]Observation)
	for _, o := range obs {
		byTrackObs[o.TrackID] = append(byTrackObs[o.TrackID], o)
	}
	tracks := make([]string, 0, len(byTrackObs))
	for t := range byTrackObs {
		tracks = append(tracks, t)
	}
	sort.Strings(tracks)

	profiles := make(map[string]types.TrackDemandProfile)
	for _, track := range tracks {
		if err := ctx.Err(); err != nil {
			return nil, types.TrackDemandProfile{}, err
		}
		tobs := byTrackObs[track]
		if len(tobs) < r.cfg.MinTrackSample {
			r.log.WithFields(logrus.Fields{
				"track_key":   track,
				"sample_size": len(tobs),
				"minimum":     r.cfg.MinTrackSample,
			}).Debug("Track below minimum sample, no dedicated profile")
			continue
		}

		fit, err := fitOLS(tobs)
		if err != nil {
			r.log.WithField("track_key", track).WithError(err).Warn("Track profile fit failed, skipping")
			continue
		}
		cv, err := r.groupedCV(ctx, tobs, byDriver)
		if err != nil {
			return nil, types.TrackDemandProfile{}, err
		}

		confidence := types.ConfidenceNormal
		if math.IsNaN(cv) || fit.r2-cv > r.cfg.CVGapThreshold {
			confidence = types.ConfidenceLow
		}
		profiles[track] = profileFrom(track, factorIDs, fit.intercept, fit.coefs,
			len(tobs), fit.r2, cv, fit.residualSE, confidence)
	}

	r.log.WithFields(logrus.Fields{
		"track_profiles": len(profiles),
		"tracks_seen":    len(byTrackObs),
	}).Info("Track demand profiles fitted")

	return profiles, globalProfile, nil
}

func profileFrom(trackKey string, factorIDs []string, intercept float64, coefs []float64,
	n int, r2, cv, residualSE float64, confidence types.ConfidenceFlag) types.TrackDemandProfile {
	cm := make(map[string]float64, len(factorIDs))
	for i, id := range factorIDs {
		cm[id] = coefs[i]
	}
	return types.TrackDemandProfile{
		TrackKey:     trackKey,
		Intercept:    intercept,
		Coefficients: cm,
		SampleSize:   n,
		InSampleR2:   r2,
		CrossValR2:   cv,
		ResidualSE:   residualSE,
		Confidence:   confidence,
	}
}
