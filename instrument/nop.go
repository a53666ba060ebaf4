package instrument

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

type nopMetrics struct{}

func (nopMetrics) TaskQueued(int)              {}
func (nopMetrics) TasksFlushed(int)            {}
func (nopMetrics) TaskPanicked()               {}
func (nopMetrics) JobLaunched(string)          {}
func (nopMetrics) JobCompleted(string)         {}
func (nopMetrics) InboxDepth(int)              {}
func (nopMetrics) JobDuration() Timer          { return nopTimer{} }
func (nopMetrics) NativeCall(string) Timer     { return nopTimer{} }
func (nopMetrics) NativeFailure(string, int32) {}
func (nopMetrics) LiveHandles(int)             {}

// Nop returns Metrics that discard everything.
func Nop() Metrics { return nopMetrics{} }

// NopTimer returns a no-op Timer.
func NopTimer() Timer { return nopTimer{} }
