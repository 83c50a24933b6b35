package factor

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// bartlettSphericity returns the p-value of Bartlett's test of sphericity
// against the null hypothesis that the correlation matrix is identity.
// A p-value at or above the configured alpha means the features are too
// uncorrelated to factor.
func bartlettSphericity(corr *mat.SymDense, n int) float64 {
	p := corr.SymmetricDim()
	logDet, sign := mat.LogDet(corr)
	if sign <= 0 || math.IsInf(logDet, -1) {
		// Numerically singular: perfectly correlated features, trivially non-spherical.
		return 0
	}
	chi2 := -(float64(n-1) - (2*float64(p)+5)/6) * logDet
	if chi2 < 0 {
		chi2 = 0
	}
	df := float64(p*(p-1)) / 2
	dist := distuv.ChiSquared{K: df}
	return dist.Survival(chi2)
}

// kaiserMeyerOlkin computes the overall KMO measure of sampling adequacy
// from the correlation matrix and its anti-image partial correlations.
func kaiserMeyerOlkin(corr *mat.SymDense) (float64, error) {
	p := corr.SymmetricDim()
	var inv mat.Dense
	if err := inv.Inverse(corr); err != nil {
		return 0, err
	}
	var sumR2, sumA2 float64
	for i := 0; i < p; i++ {
		for j := i + 1; j < p; j++ {
			r := corr.At(i, j)
			a := -inv.At(i, j) / math.Sqrt(inv.At(i, i)*inv.At(j, j))
			sumR2 += r * r
			sumA2 += a * a
		}
	}
	if sumR2+sumA2 == 0 {
		return 0, nil
	}
	return sumR2 / (sumR2 + sumA2), nil
}
