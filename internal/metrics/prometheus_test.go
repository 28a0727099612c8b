package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmatrace/backend/pkg/circuitbreaker"
)

func breakerGauge(t *testing.T, name string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, LLMBreakerState.WithLabelValues(name).Write(&m))
	return m.GetGauge().GetValue()
}

func TestObserveBreakerState(t *testing.T) {
	ObserveBreakerState("scorer-llm", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	assert.Equal(t, 2.0, breakerGauge(t, "scorer-llm"))

	ObserveBreakerState("scorer-llm", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)
	assert.Equal(t, 1.0, breakerGauge(t, "scorer-llm"))
}
