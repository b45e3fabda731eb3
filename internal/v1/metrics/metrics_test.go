package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestIncDecConnection(t *testing.T) {
	ActiveConnections.Set(0)
	IncConnection()
	IncConnection()
	DecConnection()
	assert.Equal(t, float64(1), testutil.ToFloat64(ActiveConnections))
}

func TestEventsTotalLabels(t *testing.T) {
	EventsTotal.WithLabelValues("join-room", "ok").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(EventsTotal.WithLabelValues("join-room", "ok")))
}
