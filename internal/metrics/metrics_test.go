package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(DecisionsTotal.WithLabelValues("suggest", "false"))
	DecisionsTotal.WithLabelValues("suggest", "false").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(DecisionsTotal.WithLabelValues("suggest", "false")))

	before = testutil.ToFloat64(KeywordFallbacksTotal.WithLabelValues("timeout"))
	KeywordFallbacksTotal.WithLabelValues("timeout").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(KeywordFallbacksTotal.WithLabelValues("timeout")))
}

func TestResult(t *testing.T) {
	assert.Equal(t, "success", Result(nil))
	assert.Equal(t, "error", Result(errors.New("x")))
}
