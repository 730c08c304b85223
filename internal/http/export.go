package http

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

var csvHeader = []string{
	"city",
	"timestamp",
	"temperatureCelsius",
	"humidityPercent",
	"windSpeedMS",
	"conditionDescription",
}

// GetExportCSV handles GET /api/v1/weather/export.csv. It streams the cache
// snapshot in insertion order, or answers 204 when the cache is empty.
func (h *Handler) GetExportCSV(w http.ResponseWriter, r *http.Request) {
	snapshot := h.store.Snapshot()
	if len(snapshot) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="weather_logs_%d.csv"`, time.Now().UnixMilli()))
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write(csvHeader)
	for _, rec := range snapshot {
		_ = cw.Write([]string{
			rec.City,
			rec.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatFloat(rec.TemperatureCelsius, 'f', -1, 64),
			strconv.Itoa(rec.HumidityPercent),
			strconv.FormatFloat(rec.WindSpeedMS, 'f', -1, 64),
			rec.ConditionDescription,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.loggerFor(r).Warn("csv export interrupted", zap.Error(err))
	}
}
