package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetReachable(t *testing.T) {
	SetReachable(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(Reachable))
	SetReachable(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(Reachable))
}

func TestRejectReasonsAreDistinct(t *testing.T) {
	before := testutil.ToFloat64(ConnectionsRejected.WithLabelValues(ReasonBanned))
	ConnectionsRejected.WithLabelValues(ReasonBanned).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ConnectionsRejected.WithLabelValues(ReasonBanned)))
	assert.NotEqual(t, ReasonBanned, ReasonCapacity)
}
