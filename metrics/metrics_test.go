package metrics

import (
	"testing"

	"github.com/m-lab/go/prometheusx/promtest"
)

func TestLintMetrics(t *testing.T) {
	SegmentsSent.WithLabelValues("x")
	SegmentsReceived.WithLabelValues("x")
	ResetsSent.WithLabelValues("x")
	StateTransitions.WithLabelValues("x")
	ActiveConnections.WithLabelValues("x")
	Notifications.WithLabelValues("x")
	promtest.LintMetrics(t)
}
