package lib

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(e *RtoEstimator, seq uint32, rtt time.Duration) bool {
	start := time.Unix(1000, 0)
	e.SegmentSent(seq, 100, start)
	return e.SegmentAcknowledged(seq+100, start.Add(rtt))
}

func TestRtoDefaults(t *testing.T) {
	e := NewRtoEstimator(0, 0, 0)
	assert.Equal(t, 3*time.Second, e.RTO())
	assert.Zero(t, e.SRTT())
	assert.False(t, e.Timing())
}

func TestRtoSamples(t *testing.T) {
	e := NewRtoEstimator(3*time.Second, 10*time.Millisecond, 120*time.Second)
	e.Initialize(1000)

	require.True(t, sample(e, 1000, 100*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, e.SRTT())
	assert.Equal(t, 50*time.Millisecond, e.RTTVAR())
	assert.Equal(t, 300*time.Millisecond, e.RTO())

	require.True(t, sample(e, 1100, 200*time.Millisecond))
	assert.Equal(t, 112500*time.Microsecond, e.SRTT())
	assert.Equal(t, 62500*time.Microsecond, e.RTTVAR())
	assert.Equal(t, 362500*time.Microsecond, e.RTO())
}

func TestRtoClampedToMinimum(t *testing.T) {
	e := NewRtoEstimator(3*time.Second, time.Second, 120*time.Second)
	require.True(t, sample(e, 0, 10*time.Millisecond))
	assert.Equal(t, time.Second, e.RTO())
}

func TestRtoGranularity(t *testing.T) {
	e := NewRtoEstimator(3*time.Second, time.Nanosecond, 120*time.Second)
	require.True(t, sample(e, 0, 0))
	assert.Equal(t, rtoGranularity, e.RTO())
}

func TestRtoKarn(t *testing.T) {
	e := NewRtoEstimator(time.Second, 10*time.Millisecond, 120*time.Second)
	start := time.Unix(1000, 0)
	e.SegmentSent(0, 100, start)
	require.True(t, e.Timing())

	e.RetransmissionTimerExpired()
	assert.Equal(t, 2*time.Second, e.RTO())
	assert.Equal(t, 1, e.Retransmissions())
	assert.False(t, e.Timing())

	// no new measurement while the retransmission is outstanding
	e.SegmentSent(100, 100, start)
	assert.False(t, e.Timing())

	// the acknowledgment of retransmitted data yields no sample
	assert.False(t, e.SegmentAcknowledged(100, start.Add(50*time.Millisecond)))
	assert.Equal(t, 2*time.Second, e.RTO())
	assert.Zero(t, e.Retransmissions())
	assert.Zero(t, e.SRTT())
}

func TestRtoBackoffCapped(t *testing.T) {
	e := NewRtoEstimator(3*time.Second, time.Second, 10*time.Second)
	e.RetransmissionTimerExpired()
	assert.Equal(t, 6*time.Second, e.RTO())
	e.RetransmissionTimerExpired()
	assert.Equal(t, 10*time.Second, e.RTO())
	e.RetransmissionTimerExpired()
	assert.Equal(t, 10*time.Second, e.RTO())
}

func TestRtoClearsSRTTAfterRepeatedTimeouts(t *testing.T) {
	e := NewRtoEstimator(time.Second, 10*time.Millisecond, 120*time.Second)
	require.True(t, sample(e, 0, 100*time.Millisecond))

	for i := 0; i < clearSRTTAfter; i++ {
		e.RetransmissionTimerExpired()
	}
	assert.False(t, e.SegmentAcknowledged(100, time.Unix(1001, 0)))

	require.True(t, sample(e, 100, 400*time.Millisecond))
	assert.Equal(t, 400*time.Millisecond, e.SRTT())
	assert.Equal(t, 200*time.Millisecond, e.RTTVAR())
}

func TestRtoPartialAndDuplicateAcks(t *testing.T) {
	e := NewRtoEstimator(time.Second, 10*time.Millisecond, 120*time.Second)
	start := time.Unix(1000, 0)
	e.SegmentSent(0, 100, start)

	assert.False(t, e.SegmentAcknowledged(50, start.Add(time.Millisecond)))
	assert.True(t, e.Timing())

	require.True(t, e.SegmentAcknowledged(100, start.Add(100*time.Millisecond)))
	rto, srtt := e.RTO(), e.SRTT()

	// a duplicate acknowledgment changes nothing
	assert.False(t, e.SegmentAcknowledged(100, start.Add(time.Second)))
	assert.Equal(t, rto, e.RTO())
	assert.Equal(t, srtt, e.SRTT())
}

func TestRtoIgnoresEmptySegments(t *testing.T) {
	e := NewRtoEstimator(0, 0, 0)
	e.SegmentSent(0, 0, time.Now())
	assert.False(t, e.Timing())
}
