package logic

import "time"

// Status classifies a reading against its bounds.
type Status string

const (
	StatusNormal Status = "normal"
	StatusLow    Status = "low"
	StatusHigh   Status = "high"
)

// Bounds is an inclusive [Min, Max] range.
type Bounds struct {
	Min float64
	Max float64
}

// Classify returns low, high or normal for v.
func Classify(v float64, b Bounds) Status {
	switch {
	case v < b.Min:
		return StatusLow
	case v > b.Max:
		return StatusHigh
	}
	return StatusNormal
}

// Excess returns how far v lies outside b (0 when inside).
func Excess(v float64, b Bounds) float64 {
	switch {
	case v < b.Min:
		return b.Min - v
	case v > b.Max:
		return v - b.Max
	}
	return 0
}

// Bands maps excursion size onto severity. An excess below ErrorBand is a
// warning, below CriticalBand an error, anything further critical.
type Bands struct {
	ErrorBand    float64
	CriticalBand float64
}

// SeverityFor derives the alert severity for v outside b.
func (bd Bands) SeverityFor(v float64, b Bounds) Severity {
	e := Excess(v, b)
	switch {
	case bd.CriticalBand > 0 && e >= bd.CriticalBand:
		return SeverityCritical
	case bd.ErrorBand > 0 && e >= bd.ErrorBand:
		return SeverityError
	}
	return SeverityWarning
}

// MetricState tracks hysteresis state for one tank metric.
type MetricState struct {
	// Committed status
	Stable Status
	// Candidate status waiting out the hysteresis window
	Pending Status
	// Time when pending status was first observed
	PendingSince time.Time
	// Timestamp of the newest processed reading
	LastSeen time.Time
}

// Transition is a committed status change. Time is the reading that
// committed it, Since the first reading of the new status.
type Transition struct {
	From  Status
	To    Status
	Value float64
	Time  time.Time
	Since time.Time
}

// ThresholdDetector debounces status changes for a single tank metric.
// A new status is only committed after it has held for the hysteresis
// duration; zero commits on the first reading.
type ThresholdDetector struct {
	hysteresis time.Duration
	st         MetricState
}

// NewThresholdDetector creates a detector that starts in the normal state.
func NewThresholdDetector(hysteresis time.Duration) *ThresholdDetector {
	return &ThresholdDetector{
		hysteresis: hysteresis,
		st:         MetricState{Stable: StatusNormal},
	}
}

// Process feeds a reading and returns a transition if one was committed.
// Readings older than the newest one seen are ignored.
func (d *ThresholdDetector) Process(v float64, b Bounds, at time.Time) *Transition {
	if !d.st.LastSeen.IsZero() && at.Before(d.st.LastSeen) {
		return nil
	}
	d.st.LastSeen = at

	status := Classify(v, b)
	if status == d.st.Stable {
		// Back to stable before the window elapsed
		d.st.Pending = ""
		return nil
	}

	if d.st.Pending != status {
		d.st.Pending = status
		d.st.PendingSince = at
	}

	if at.Sub(d.st.PendingSince) < d.hysteresis {
		return nil
	}

	tr := &Transition{From: d.st.Stable, To: status, Value: v, Time: at, Since: d.st.PendingSince}
	d.st.Stable = status
	d.st.Pending = ""
	return tr
}

// State returns a copy of the detector state.
func (d *ThresholdDetector) State() MetricState {
	return d.st
}
