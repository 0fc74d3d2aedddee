package thermal_test

import (
	"encoding/json"
	"testing"
	"time"

	"codeberg.org/mutker/hwmonitor/internal/thermal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredictLightBelowThreshold(t *testing.T) {
	p := thermal.Predict(82, 0, 0)

	assert.InDelta(t, 82.0, p.Projected, 1e-9)
	assert.Equal(t, thermal.SeverityLight, p.Severity)
	assert.False(t, p.WillThrottle)
	assert.Nil(t, p.TimeToThrottle)
	assert.InDelta(t, 0.6, p.Confidence, 1e-9)
}

func TestPredictWorkloadPushesToHeavy(t *testing.T) {
	p := thermal.Predict(85, 0, 0.5)

	assert.InDelta(t, 90.0, p.Projected, 1e-9)
	assert.True(t, p.WillThrottle)
	assert.Equal(t, thermal.SeverityHeavy, p.Severity)
	assert.Nil(t, p.TimeToThrottle, "no time estimate without a rising trend")
	assert.NotEmpty(t, p.Recommendations)
}

func TestSeverityBoundaries(t *testing.T) {
	cases := []struct {
		projected float64
		want      thermal.Severity
	}{
		{79.99, thermal.SeverityNone},
		{80, thermal.SeverityLight},
		{84.99, thermal.SeverityLight},
		{85, thermal.SeverityModerate},
		{89.99, thermal.SeverityModerate},
		{90, thermal.SeverityHeavy},
		{94.99, thermal.SeverityHeavy},
		{95, thermal.SeveritySevere},
		{120, thermal.SeveritySevere},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, thermal.SeverityFor(c.projected), "projected %.2f", c.projected)
	}
	assert.Less(t, int(thermal.SeverityLight), int(thermal.SeveritySevere))
}

func TestTimeToThrottle(t *testing.T) {
	p := thermal.Predict(80, 4, 1.5)
	require.True(t, p.WillThrottle)
	require.NotNil(t, p.TimeToThrottle)
	// (90-80)/4 minutes
	assert.Equal(t, 150*time.Second, *p.TimeToThrottle)

	// already past the limit floors at zero
	p = thermal.Predict(93, 1, 0)
	require.NotNil(t, p.TimeToThrottle)
	assert.Equal(t, time.Duration(0), *p.TimeToThrottle)
}

func TestConfidenceHeuristic(t *testing.T) {
	assert.InDelta(t, 0.6, thermal.Predict(60, 2.0, 0).Confidence, 1e-9)
	assert.InDelta(t, 0.8, thermal.Predict(60, 2.5, 0).Confidence, 1e-9)
	assert.InDelta(t, 0.8, thermal.Predict(60, -3, 0).Confidence, 1e-9)
}

func TestPredictionJSON(t *testing.T) {
	b, err := json.Marshal(thermal.Predict(96, 0, 0))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "severe", decoded["severity"])
	assert.Equal(t, true, decoded["will_throttle"])
}
