package policy

import "time"

// Recorder receives engine outcomes for metrics. Implemented by package
// metrics; NopRecorder discards.
type Recorder interface {
	RedemptionOutcome(policyType, state string)
	ObserveLockWait(acquired bool, wait time.Duration)
	AllocationOutcome(outcome string, learners int)
	SweepOutcome(outcome string, n int)
}

// NopRecorder implements Recorder with no effect.
type NopRecorder struct{}

func (NopRecorder) RedemptionOutcome(string, string)    {}
func (NopRecorder) ObserveLockWait(bool, time.Duration) {}
func (NopRecorder) AllocationOutcome(string, int)       {}
func (NopRecorder) SweepOutcome(string, int)            {}

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return NopRecorder{}
	}
	return r
}
