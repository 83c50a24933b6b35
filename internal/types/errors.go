package types

import (
	"errors"
	"fmt"
)

// DataQualityError aborts a retraining run: the input matrix is not factorable
// or too incomplete. The previously published snapshot stays authoritative.
type DataQualityError struct {
	Check     string  // "bartlett", "kmo", "completeness", "degenerate"
	Metric    float64 // observed value
	Threshold float64 // documented limit it violated
	Reason    string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality check %q failed: %s (observed %.4f, threshold %.4f)",
		e.Check, e.Reason, e.Metric, e.Threshold)
}

// IsDataQuality reports whether err is a DataQualityError anywhere in its chain.
func IsDataQuality(err error) bool {
	var dqe *DataQualityError
	return errors.As(err, &dqe)
}
