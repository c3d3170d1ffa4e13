package lib

import (
	"time"

	"github.com/Clouded-Sabre/tcp-engine/metrics"
)

// RFC 6298 constants.
const (
	DefaultInitialRTO = 3 * time.Second
	DefaultMinRTO     = 1 * time.Second
	DefaultMaxRTO     = 120 * time.Second

	rtoGranularity = 10 * time.Millisecond
	rtoAlphaShift  = 3 // alpha = 1/8
	rtoBetaShift   = 2 // beta = 1/4
	rtoK           = 4

	// after this many back-to-back retransmissions the next sample starts
	// SRTT over (RFC 6298 5.7)
	clearSRTTAfter = 3
)

// RtoEstimator computes the retransmission timeout from RTT samples. One
// segment is timed at a time and samples are never taken from segments that
// were retransmitted (Karn's algorithm).
type RtoEstimator struct {
	initial, min, max time.Duration

	iss     uint32
	rto     time.Duration
	srtt    time.Duration
	rttvar  time.Duration
	noSRTT  bool // the next sample is treated as the first
	timing  bool
	start   time.Time
	endSeq  uint32 // acknowledging this completes the measurement
	retrans int    // consecutive retransmission timeouts
}

// NewRtoEstimator creates an estimator. Zero durations select the RFC 6298 defaults.
func NewRtoEstimator(initial, min, max time.Duration) *RtoEstimator {
	if initial <= 0 {
		initial = DefaultInitialRTO
	}
	if min <= 0 {
		min = DefaultMinRTO
	}
	if max <= 0 {
		max = DefaultMaxRTO
	}
	e := &RtoEstimator{initial: initial, min: min, max: max}
	e.Initialize(0)
	return e
}

// Initialize resets the estimator for a connection starting at iss.
func (e *RtoEstimator) Initialize(iss uint32) {
	e.iss = iss
	e.rto = e.initial
	e.srtt = 0
	e.rttvar = 0
	e.noSRTT = true
	e.timing = false
	e.retrans = 0
}

func (e *RtoEstimator) RTO() time.Duration {
	return e.rto
}

func (e *RtoEstimator) SRTT() time.Duration {
	return e.srtt
}

func (e *RtoEstimator) RTTVAR() time.Duration {
	return e.rttvar
}

// Retransmissions returns the number of consecutive timeouts since the last
// acknowledgment that advanced the window.
func (e *RtoEstimator) Retransmissions() int {
	return e.retrans
}

// Timing reports whether a measurement is running.
func (e *RtoEstimator) Timing() bool {
	return e.timing
}

// SegmentSent starts timing the segment [seq, seq+length) unless a
// measurement already runs or a retransmission is outstanding.
func (e *RtoEstimator) SegmentSent(seq, length uint32, now time.Time) {
	if e.timing || e.retrans != 0 || length == 0 {
		return
	}
	e.timing = true
	e.start = now
	e.endSeq = SeqIncrementBy(seq, length)
}

// SegmentAcknowledged is called for every acknowledgment that advanced
// SND.UNA. It reports whether an RTT sample was taken.
func (e *RtoEstimator) SegmentAcknowledged(ack uint32, now time.Time) bool {
	sampled := false
	switch {
	case e.retrans != 0:
		// the acknowledged data may answer either transmission
		e.timing = false
	case e.timing && isGreaterOrEqual(ack, e.endSeq):
		e.timing = false
		e.calculate(now.Sub(e.start))
		sampled = true
	}
	e.retrans = 0
	return sampled
}

// RetransmissionTimerExpired backs the timeout off and abandons the running
// measurement.
func (e *RtoEstimator) RetransmissionTimerExpired() {
	e.rto *= 2
	if e.rto > e.max {
		e.rto = e.max
	}
	e.retrans++
	if e.retrans >= clearSRTTAfter {
		e.noSRTT = true
	}
	e.timing = false
}

func (e *RtoEstimator) calculate(rtt time.Duration) {
	if rtt < 0 {
		rtt = 0
	}
	if e.noSRTT {
		// RFC 6298 2.2
		e.noSRTT = false
		e.srtt = rtt
		e.rttvar = rtt / 2
	} else {
		// RFC 6298 2.3
		diff := e.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		e.rttvar = e.rttvar - e.rttvar>>rtoBetaShift + diff>>rtoBetaShift
		e.srtt = e.srtt - e.srtt>>rtoAlphaShift + rtt>>rtoAlphaShift
	}

	variance := rtoK * e.rttvar
	if variance < rtoGranularity {
		variance = rtoGranularity
	}
	e.rto = e.srtt + variance
	if e.rto < e.min {
		e.rto = e.min
	} else if e.rto > e.max {
		e.rto = e.max
	}
	metrics.RTOSeconds.Observe(e.rto.Seconds())
}
