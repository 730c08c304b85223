// Package insights computes read-only aggregates over a snapshot of the
// observation cache. Nothing here looks beyond the retained window.
package insights

import (
	"math"
	"sort"
	"time"

	"github.com/kjstillabower/weather-insight-service/internal/models"
)

// DefaultTrendWindow is the number of trailing points in the temperature moving average.
const DefaultTrendWindow = 5

// Extremes holds the records at the edges of the retained window. Fields are
// nil when the snapshot is empty.
type Extremes struct {
	MaxTemperature *models.Observation `json:"max_temperature"`
	MinTemperature *models.Observation `json:"min_temperature"`
	MaxWindSpeed   *models.Observation `json:"max_wind_speed"`
	MinHumidity    *models.Observation `json:"min_humidity"`
}

// ConditionCount is how often a condition description appears.
type ConditionCount struct {
	Condition string `json:"condition"`
	Count     int    `json:"count"`
}

// TrendPoint is one point of the trailing temperature moving average.
type TrendPoint struct {
	Timestamp time.Time `json:"timestamp"`
	MovingAvg float64   `json:"moving_avg"`
}

// Summary is the response body of the insights endpoint.
type Summary struct {
	Count            int              `json:"count"`
	Extremes         Extremes         `json:"extremes"`
	Conditions       []ConditionCount `json:"conditions"`
	TemperatureTrend []TrendPoint     `json:"temperature_trend"`
}

// Summarize builds a Summary from records. window <= 0 uses DefaultTrendWindow.
// records is not modified.
func Summarize(records []models.Observation, window int) Summary {
	if window <= 0 {
		window = DefaultTrendWindow
	}
	return Summary{
		Count:            len(records),
		Extremes:         extremes(records),
		Conditions:       conditionFrequency(records),
		TemperatureTrend: temperatureTrend(records, window),
	}
}

func extremes(records []models.Observation) Extremes {
	var e Extremes
	for i := range records {
		r := &records[i]
		if e.MaxTemperature == nil || r.TemperatureCelsius > e.MaxTemperature.TemperatureCelsius {
			e.MaxTemperature = r
		}
		if e.MinTemperature == nil || r.TemperatureCelsius < e.MinTemperature.TemperatureCelsius {
			e.MinTemperature = r
		}
		if e.MaxWindSpeed == nil || r.WindSpeedMS > e.MaxWindSpeed.WindSpeedMS {
			e.MaxWindSpeed = r
		}
		if e.MinHumidity == nil || r.HumidityPercent < e.MinHumidity.HumidityPercent {
			e.MinHumidity = r
		}
	}
	return e
}

// conditionFrequency counts descriptions, most frequent first, ties by name.
func conditionFrequency(records []models.Observation) []ConditionCount {
	counts := make(map[string]int)
	for _, r := range records {
		counts[r.ConditionDescription]++
	}
	out := make([]ConditionCount, 0, len(counts))
	for cond, n := range counts {
		out = append(out, ConditionCount{Condition: cond, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Condition < out[j].Condition
	})
	return out
}

// temperatureTrend orders records by timestamp and averages each point with
// up to window-1 predecessors, rounded to two decimals.
func temperatureTrend(records []models.Observation, window int) []TrendPoint {
	sorted := byTimestamp(records)
	out := make([]TrendPoint, 0, len(sorted))
	sum := 0.0
	for i, r := range sorted {
		sum += r.TemperatureCelsius
		if i >= window {
			sum -= sorted[i-window].TemperatureCelsius
		}
		n := i + 1
		if n > window {
			n = window
		}
		out = append(out, TrendPoint{
			Timestamp: r.Timestamp,
			MovingAvg: math.Round(sum/float64(n)*100) / 100,
		})
	}
	return out
}
