package insights

import (
	"errors"
	"sort"
	"time"

	"github.com/kjstillabower/weather-insight-service/internal/models"
)

// Chart series names.
const (
	SeriesTemperature    = "temperature"
	SeriesHumidity       = "humidity"
	SeriesWind           = "wind"
	SeriesTempVsHumidity = "temp-vs-humidity"
	SeriesConditions     = "conditions"
	SeriesTrend          = "trend"
	SeriesExtremes       = "extremes"
)

// ErrUnknownSeries is returned by Chart for a name it does not serve.
var ErrUnknownSeries = errors.New("unknown chart series")

// Point is one sample of a single metric over time.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// ScatterPoint pairs temperature (x) with humidity (y).
type ScatterPoint struct {
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Timestamp time.Time `json:"timestamp"`
}

// Chart returns the named series over records, ordered by timestamp where the
// series is a timeline. window applies to the trend series only.
func Chart(records []models.Observation, name string, window int) (any, error) {
	if window <= 0 {
		window = DefaultTrendWindow
	}
	switch name {
	case SeriesTemperature:
		return timeline(records, func(r models.Observation) float64 { return r.TemperatureCelsius }), nil
	case SeriesHumidity:
		return timeline(records, func(r models.Observation) float64 { return float64(r.HumidityPercent) }), nil
	case SeriesWind:
		return timeline(records, func(r models.Observation) float64 { return r.WindSpeedMS }), nil
	case SeriesTempVsHumidity:
		sorted := byTimestamp(records)
		out := make([]ScatterPoint, 0, len(sorted))
		for _, r := range sorted {
			out = append(out, ScatterPoint{X: r.TemperatureCelsius, Y: float64(r.HumidityPercent), Timestamp: r.Timestamp})
		}
		return out, nil
	case SeriesConditions:
		return conditionFrequency(records), nil
	case SeriesTrend:
		return temperatureTrend(records, window), nil
	case SeriesExtremes:
		return extremes(records), nil
	}
	return nil, ErrUnknownSeries
}

func timeline(records []models.Observation, value func(models.Observation) float64) []Point {
	sorted := byTimestamp(records)
	out := make([]Point, 0, len(sorted))
	for _, r := range sorted {
		out = append(out, Point{Timestamp: r.Timestamp, Value: value(r)})
	}
	return out
}

// byTimestamp returns a copy of records in ascending timestamp order.
func byTimestamp(records []models.Observation) []models.Observation {
	sorted := make([]models.Observation, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return sorted
}
