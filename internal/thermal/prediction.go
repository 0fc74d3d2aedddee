package thermal

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

const (
	// ThrottleTemperature is the projected temperature at which throttling is assumed
	ThrottleTemperature = 90.0

	// workloadHeatFactor scales workload intensity into °C. Not a physical model.
	workloadHeatFactor = 10.0

	// trends steeper than this per sample earn the higher confidence
	steepTrend = 2.0

	steepConfidence   = 0.8
	shallowConfidence = 0.6
)

// Severity orders projected throttling by increasing performance loss.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLight
	SeverityModerate
	SeverityHeavy
	SeveritySevere
)

var severityNames = [...]string{"none", "light", "moderate", "heavy", "severe"}

func (s Severity) String() string {
	if s < SeverityNone || s > SeveritySevere {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// SeverityFor buckets a projected temperature.
func SeverityFor(projected float64) Severity {
	switch {
	case projected >= 95:
		return SeveritySevere
	case projected >= 90:
		return SeverityHeavy
	case projected >= 85:
		return SeverityModerate
	case projected >= 80:
		return SeverityLight
	default:
		return SeverityNone
	}
}

// Prediction is a rough throttling forecast. Confidence is a coarse
// signal, not a calibrated probability.
type Prediction struct {
	WillThrottle    bool           `json:"will_throttle"`
	TimeToThrottle  *time.Duration `json:"time_to_throttle,omitempty"`
	Severity        Severity       `json:"severity"`
	Projected       float64        `json:"projected_temperature"`
	Recommendations []string       `json:"recommendations,omitempty"`
	Confidence      float64        `json:"confidence"`
}

// Predict computes projected = currentMax + intensity*10 + trend and
// derives the forecast from it. trend is in °C per sample and the time to
// throttle treats one sample as one minute.
func Predict(currentMax, trend, workloadIntensity float64) Prediction {
	projected := currentMax + workloadIntensity*workloadHeatFactor + trend

	p := Prediction{
		WillThrottle: projected >= ThrottleTemperature,
		Severity:     SeverityFor(projected),
		Projected:    projected,
		Confidence:   shallowConfidence,
	}

	if math.Abs(trend) > steepTrend {
		p.Confidence = steepConfidence
	}

	if p.WillThrottle && trend > 0 {
		minutes := math.Max((ThrottleTemperature-currentMax)/trend, 0)
		d := time.Duration(minutes * float64(time.Minute))
		p.TimeToThrottle = &d
	}

	p.Recommendations = recommendationsFor(p.Severity)
	if p.WillThrottle && trend > 0 {
		p.Recommendations = append(p.Recommendations,
			fmt.Sprintf("Temperature is rising %.1f°C per sample", trend))
	}

	return p
}

func recommendationsFor(s Severity) []string {
	switch s {
	case SeverityLight:
		return []string{"Watch temperatures during sustained workloads"}
	case SeverityModerate:
		return []string{
			"Improve case airflow or clean dust filters",
			"Consider lowering sustained workload intensity",
		}
	case SeverityHeavy:
		return []string{
			"Reduce workload intensity to avoid throttling",
			"Check that all fans are spinning",
		}
	case SeveritySevere:
		return []string{
			"Throttling is imminent, reduce workload now",
			"Inspect the cooling system and thermal paste",
		}
	default:
		return nil
	}
}
