package thermal

import "codeberg.org/mutker/hwmonitor/internal/hardware"

// Status is the overall thermal state of a snapshot.
type Status string

const (
	StatusNormal   Status = "normal"
	StatusWarm     Status = "warm"
	StatusHot      Status = "hot"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// StatusOf classifies the hottest sensor of s.
func StatusOf(s *hardware.ThermalSnapshot) Status {
	hottest, ok := s.MaxTemperature()
	if !ok {
		return StatusUnknown
	}
	switch {
	case hottest >= 90:
		return StatusCritical
	case hottest >= 80:
		return StatusHot
	case hottest >= 70:
		return StatusWarm
	default:
		return StatusNormal
	}
}

// Cost is the rough expense of a cooling recommendation.
type Cost string

const (
	CostFree   Cost = "free"
	CostLow    Cost = "low"
	CostMedium Cost = "medium"
	CostHigh   Cost = "high"
)

// CoolingRecommendation is advice only; nothing here touches hardware.
type CoolingRecommendation struct {
	Description       string  `json:"description"`
	ExpectedReduction float64 `json:"expected_reduction"`
	Cost              Cost    `json:"cost"`
}

// SuggestCooling returns cooling advice for a snapshot, cheapest first.
func SuggestCooling(s *hardware.ThermalSnapshot) []CoolingRecommendation {
	hottest, ok := s.MaxTemperature()
	if !ok {
		return nil
	}

	var recs []CoolingRecommendation

	if hottest >= 80 {
		recs = append(recs, CoolingRecommendation{
			Description:       "Clean dust from heatsinks, fans and filters",
			ExpectedReduction: 5,
			Cost:              CostFree,
		})
	}

	if gpu, ok := s.TemperatureOf(hardware.SensorGPU); ok && gpu >= 80 {
		recs = append(recs, CoolingRecommendation{
			Description:       "Raise the GPU fan curve or improve airflow around the card",
			ExpectedReduction: 5,
			Cost:              CostFree,
		})
	}

	if hottest >= 75 && len(s.Fans) == 0 {
		recs = append(recs, CoolingRecommendation{
			Description:       "Add case fans to improve airflow",
			ExpectedReduction: 6,
			Cost:              CostLow,
		})
	}

	if cpu, ok := s.TemperatureOf(hardware.SensorCPU); ok && cpu >= 85 {
		recs = append(recs, CoolingRecommendation{
			Description:       "Reapply CPU thermal paste",
			ExpectedReduction: 8,
			Cost:              CostLow,
		})
	}

	for _, fan := range s.Fans {
		if fan.SpeedPercent >= 90 && hottest >= 80 {
			recs = append(recs, CoolingRecommendation{
				Description:       "Fans are near maximum, consider a higher capacity cooler",
				ExpectedReduction: 15,
				Cost:              CostHigh,
			})
			break
		}
	}

	return recs
}
