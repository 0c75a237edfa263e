package train

import (
	"errors"
	"fmt"
)

// ErrEvalOnlyNoCheckpoint is returned when EVAL_ONLY is requested but no
// checkpoint exists to evaluate. Evaluating freshly initialized weights
// silently would report a meaningless loss, so this fails fast instead.
var ErrEvalOnlyNoCheckpoint = errors.New("eval-only run requested but no checkpoint found to evaluate")

// NumericalInstabilityError reports a non-finite loss or gradient that the
// loss scaler could not recover from. Under float16 the controller halves
// the loss scale and retries before surfacing this; under other dtypes it is
// immediate.
type NumericalInstabilityError struct {
	Step      int
	LossScale float64
	Detail    string
}

func (e *NumericalInstabilityError) Error() string {
	return fmt.Sprintf("numerical instability at step %d (loss_scale=%g): %s", e.Step, e.LossScale, e.Detail)
}
