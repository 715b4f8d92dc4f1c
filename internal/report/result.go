package report

import (
	"errors"
	"time"

	"github.com/psantana5/backendpool/pkg/api"
	"github.com/psantana5/backendpool/pkg/faults"
)

// NewFaultSample captures err for the fault log. Errors without a code are
// recorded as Internal.
func NewFaultSample(op, key string, err error) api.FaultSample {
	sample := api.FaultSample{
		Time:    time.Now(),
		Code:    string(faults.Internal),
		Op:      op,
		Key:     key,
		Message: err.Error(),
	}
	var fe *faults.Error
	if errors.As(err, &fe) {
		sample.Code = string(fe.Code)
		if !fe.Timestamp.IsZero() {
			sample.Time = fe.Timestamp
		}
	}
	return sample
}
