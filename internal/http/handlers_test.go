package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-insight-service/internal/assistant"
	"github.com/kjstillabower/weather-insight-service/internal/completion"
	"github.com/kjstillabower/weather-insight-service/internal/insights"
	"github.com/kjstillabower/weather-insight-service/internal/lifecycle"
	"github.com/kjstillabower/weather-insight-service/internal/models"
	"github.com/kjstillabower/weather-insight-service/internal/observations"
	"github.com/kjstillabower/weather-insight-service/internal/traffic"
)

// fakeAnswerer records the snapshot it was given and returns a canned answer.
type fakeAnswerer struct {
	mu       sync.Mutex
	question string
	snapshot []models.Observation
	answer   string
	panicMsg string
}

func (f *fakeAnswerer) Answer(ctx context.Context, question string, snapshot []models.Observation) assistant.Response {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.mu.Lock()
	f.question = question
	f.snapshot = snapshot
	f.mu.Unlock()
	return assistant.Response{Answer: f.answer, HasWeatherData: len(snapshot) > 0, DataCount: len(snapshot)}
}

// fakeCompleter returns a fixed result for every prompt.
type fakeCompleter struct {
	result completion.Result
}

func (f fakeCompleter) Complete(ctx context.Context, prompt string) completion.Result {
	return f.result
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var baseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T, answerer Answerer, opts ...Option) (*Handler, *observations.Cache) {
	t.Helper()
	store := observations.New(100, 24*time.Hour)
	return NewHandler(store, answerer, nil, nil, nil, zap.NewNop(), opts...), store
}

func observation(city string, temp float64, ts time.Time) models.Observation {
	return models.Observation{
		City:                 city,
		TemperatureCelsius:   temp,
		HumidityPercent:      60,
		WindSpeedMS:          3.5,
		ConditionDescription: "clear sky",
		Timestamp:            ts,
	}
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			RequestID string `json:"requestId"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error.Code
}

// TestHandler_PostIngest_AssignsTimestamp verifies that a valid payload without a
// timestamp is stored with a server-assigned one and echoed back.
func TestHandler_PostIngest_AssignsTimestamp(t *testing.T) {
	h, store := newTestHandler(t, &fakeAnswerer{})
	router := NewRouter(h, RouterConfig{})

	body := `{"city":"Toritama","temperatureCelsius":29.5,"humidityPercent":70,"windSpeedMS":4.1,"conditionDescription":"scattered clouds"}`
	w := doRequest(t, router, http.MethodPost, "/api/v1/ingest", body)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status      string             `json:"status"`
		Message     string             `json:"message"`
		StoredCount int                `json:"stored_count"`
		Record      models.Observation `json:"record"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "success" {
		t.Errorf("status = %q, want success", resp.Status)
	}
	if resp.StoredCount != 1 {
		t.Errorf("stored_count = %d, want 1", resp.StoredCount)
	}
	if resp.Record.City != "Toritama" || resp.Record.TemperatureCelsius != 29.5 {
		t.Errorf("record = %+v, want Toritama 29.5", resp.Record)
	}
	if resp.Record.Timestamp.IsZero() {
		t.Error("record timestamp is zero, want server-assigned")
	}
	if got := len(store.Snapshot()); got != 1 {
		t.Errorf("store length = %d, want 1", got)
	}
}

// TestHandler_PostIngest_KeepsSuppliedTimestamp verifies that a caller-supplied
// timestamp is trusted as-is.
func TestHandler_PostIngest_KeepsSuppliedTimestamp(t *testing.T) {
	h, store := newTestHandler(t, &fakeAnswerer{})
	ts := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	body := `{"city":"Recife","temperatureCelsius":27,"humidityPercent":80,"windSpeedMS":2,"conditionDescription":"rain","timestamp":"` + ts.Format(time.RFC3339) + `"}`

	w := doRequest(t, NewRouter(h, RouterConfig{}), http.MethodPost, "/api/v1/ingest", body)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}
	got, ok := store.LatestForCity("recife")
	if !ok {
		t.Fatal("LatestForCity(recife) not found after ingest")
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, ts)
	}
}

// TestHandler_PostIngest_Rejects verifies that invalid payloads are client errors
// and leave the store untouched.
func TestHandler_PostIngest_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"humidity out of range", `{"city":"Toritama","temperatureCelsius":20,"humidityPercent":150,"windSpeedMS":1,"conditionDescription":"fog"}`, "INVALID_OBSERVATION"},
		{"missing city", `{"temperatureCelsius":20,"humidityPercent":50,"windSpeedMS":1,"conditionDescription":"fog"}`, "INVALID_OBSERVATION"},
		{"negative wind", `{"city":"Toritama","temperatureCelsius":20,"humidityPercent":50,"windSpeedMS":-1,"conditionDescription":"fog"}`, "INVALID_OBSERVATION"},
		{"temperature too high", `{"city":"Toritama","temperatureCelsius":120,"humidityPercent":50,"windSpeedMS":1,"conditionDescription":"fog"}`, "INVALID_OBSERVATION"},
		{"zero timestamp", `{"city":"Toritama","temperatureCelsius":20,"humidityPercent":50,"windSpeedMS":1,"conditionDescription":"fog","timestamp":"0001-01-01T00:00:00Z"}`, "INVALID_OBSERVATION"},
		{"not json", `city=Toritama`, "INVALID_BODY"},
		{"wrong type", `{"city":"Toritama","temperatureCelsius":"hot","humidityPercent":50,"windSpeedMS":1,"conditionDescription":"fog"}`, "INVALID_BODY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, store := newTestHandler(t, &fakeAnswerer{})
			store.Insert(observation("Recife", 25, time.Now()))

			w := doRequest(t, NewRouter(h, RouterConfig{}), http.MethodPost, "/api/v1/ingest", tt.body)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if code := decodeErrorCode(t, w); code != tt.wantCode {
				t.Errorf("error code = %q, want %q", code, tt.wantCode)
			}
			if got := len(store.Snapshot()); got != 1 {
				t.Errorf("store length = %d, want 1 (unchanged)", got)
			}
		})
	}
}

// TestHandler_PostIngest_LogsObservation verifies the ingestion log line.
func TestHandler_PostIngest_LogsObservation(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	store := observations.New(10, time.Hour)
	h := NewHandler(store, &fakeAnswerer{}, nil, nil, nil, zap.New(core))

	body := `{"city":"Caruaru","temperatureCelsius":31.2,"humidityPercent":40,"windSpeedMS":5,"conditionDescription":"clear sky"}`
	w := doRequest(t, NewRouter(h, RouterConfig{}), http.MethodPost, "/api/v1/ingest", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	entries := logs.FilterMessage("observation ingested").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 ingest log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["city"] != "Caruaru" {
		t.Errorf("city field = %v, want Caruaru", fields["city"])
	}
	if fields["temperature_celsius"] != 31.2 {
		t.Errorf("temperature_celsius field = %v, want 31.2", fields["temperature_celsius"])
	}
	if _, ok := fields["correlation_id"]; !ok {
		t.Error("ingest log missing correlation_id from request logger")
	}
}

// TestHandler_PostChat_PassesTrimmedQuestionAndSnapshot verifies that the
// handler validates the question and hands one snapshot to the answerer.
func TestHandler_PostChat_PassesTrimmedQuestionAndSnapshot(t *testing.T) {
	answerer := &fakeAnswerer{answer: "It is warm."}
	h, store := newTestHandler(t, answerer)
	now := time.Now()
	store.Insert(observation("Toritama", 30, now.Add(-time.Minute)))
	store.Insert(observation("Toritama", 31, now))

	w := doRequest(t, NewRouter(h, RouterConfig{}), http.MethodPost, "/api/v1/chat", `{"question":"  Is it hot?  "}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}
	var resp assistant.Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Answer != "It is warm." || !resp.HasWeatherData || resp.DataCount != 2 {
		t.Errorf("response = %+v, want answer with 2 records", resp)
	}
	if answerer.question != "Is it hot?" {
		t.Errorf("question = %q, want trimmed", answerer.question)
	}
	if len(answerer.snapshot) != 2 {
		t.Errorf("snapshot length = %d, want 2", len(answerer.snapshot))
	}
}

// TestHandler_PostChat_InvalidQuestion verifies client errors for empty,
// blank, missing and overlong questions.
func TestHandler_PostChat_InvalidQuestion(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"empty", `{"question":""}`, "INVALID_QUESTION"},
		{"whitespace", `{"question":"   \t "}`, "INVALID_QUESTION"},
		{"missing", `{}`, "INVALID_QUESTION"},
		{"too long", `{"question":"` + strings.Repeat("a", 21) + `"}`, "INVALID_QUESTION"},
		{"malformed", `{"question":`, "INVALID_BODY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			answerer := &fakeAnswerer{}
			h, _ := newTestHandler(t, answerer, WithQuestionMaxLength(20))
			w := doRequest(t, NewRouter(h, RouterConfig{}), http.MethodPost, "/api/v1/chat", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if code := decodeErrorCode(t, w); code != tt.wantCode {
				t.Errorf("error code = %q, want %q", code, tt.wantCode)
			}
			if answerer.question != "" {
				t.Error("answerer called for invalid question")
			}
		})
	}
}

// TestHandler_PostChat_EmptyCache verifies the no-data answer through the real adapter.
func TestHandler_PostChat_EmptyCache(t *testing.T) {
	svc := assistant.New(fakeCompleter{result: completion.Success("I have no weather data yet.")})
	h, _ := newTestHandler(t, svc)

	w := doRequest(t, NewRouter(h, RouterConfig{}), http.MethodPost, "/api/v1/chat", `{"question":"How is the weather?"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp assistant.Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.HasWeatherData || resp.DataCount != 0 {
		t.Errorf("has_weather_data=%v data_count=%d, want false/0", resp.HasWeatherData, resp.DataCount)
	}
	if resp.Answer == "" {
		t.Error("answer is empty, want text indicating missing data")
	}
}

// TestHandler_PostChat_BackendUnavailable verifies that a failing completion
// backend still yields 200 with an apology.
func TestHandler_PostChat_BackendUnavailable(t *testing.T) {
	svc := assistant.New(fakeCompleter{result: completion.Failed(completion.FailureUnavailable, "connection refused")})
	h, store := newTestHandler(t, svc)
	store.Insert(observation("Toritama", 30, time.Now()))

	w := doRequest(t, NewRouter(h, RouterConfig{}), http.MethodPost, "/api/v1/chat", `{"question":"Will it rain?"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp assistant.Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Answer != assistant.Apology("connection refused") {
		t.Errorf("answer = %q, want apology", resp.Answer)
	}
	if !resp.HasWeatherData || resp.DataCount != 1 {
		t.Errorf("has_weather_data=%v data_count=%d, want true/1", resp.HasWeatherData, resp.DataCount)
	}
}

// TestHandler_PostChat_PanicIsInternalError verifies that an unexpected failure
// becomes a generic 500 without leaking detail.
func TestHandler_PostChat_PanicIsInternalError(t *testing.T) {
	h, _ := newTestHandler(t, &fakeAnswerer{panicMsg: "secret internal detail"})

	w := doRequest(t, NewRouter(h, RouterConfig{}), http.MethodPost, "/api/v1/chat", `{"question":"hi"}`)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "secret") {
		t.Errorf("body leaks panic detail: %s", w.Body.String())
	}
	if code := decodeErrorCode(t, w); code != "INTERNAL_ERROR" {
		t.Errorf("error code = %q, want INTERNAL_ERROR", code)
	}
}

// TestHandler_GetLatest verifies count and last_updated describe the whole
// cache while data is limited to the newest records.
func TestHandler_GetLatest(t *testing.T) {
	h, store := newTestHandler(t, &fakeAnswerer{}, WithLatestLimit(3))
	now := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		store.Insert(observation("Toritama", float64(20+i), now.Add(time.Duration(i)*time.Second)))
	}

	w := doRequest(t, NewRouter(h, RouterConfig{}), http.MethodGet, "/api/v1/weather/latest", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Count       int                  `json:"count"`
		LastUpdated *time.Time           `json:"last_updated"`
		Data        []models.Observation `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 5 {
		t.Errorf("count = %d, want 5", resp.Count)
	}
	if resp.LastUpdated == nil || !resp.LastUpdated.Equal(now.Add(4*time.Second)) {
		t.Errorf("last_updated = %v, want %v", resp.LastUpdated, now.Add(4*time.Second))
	}
	if len(resp.Data) != 3 {
		t.Fatalf("data length = %d, want 3", len(resp.Data))
	}
	for i, want := range []float64{22, 23, 24} {
		if resp.Data[i].TemperatureCelsius != want {
			t.Errorf("data[%d].temperatureCelsius = %v, want %v", i, resp.Data[i].TemperatureCelsius, want)
		}
	}
}

// TestHandler_GetLatest_Empty verifies null last_updated and an empty data list.
func TestHandler_GetLatest_Empty(t *testing.T) {
	h, _ := newTestHandler(t, &fakeAnswerer{})

	w := doRequest(t, NewRouter(h, RouterConfig{}), http.MethodGet, "/api/v1/weather/latest", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]json.RawMessage
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(resp["last_updated"]) != "null" {
		t.Errorf("last_updated = %s, want null", resp["last_updated"])
	}
	if string(resp["data"]) != "[]" {
		t.Errorf("data = %s, want []", resp["data"])
	}
	if string(resp["count"]) != "0" {
		t.Errorf("count = %s, want 0", resp["count"])
	}
}

// TestHandler_GetLatestForCity verifies case-insensitive lookup and 404 on miss.
func TestHandler_GetLatestForCity(t *testing.T) {
	h, store := newTestHandler(t, &fakeAnswerer{})
	t0 := time.Now().UTC().Add(-2 * time.Minute)
	store.Insert(observation("Recife", 26, t0))
	store.Insert(observation("Toritama", 30, t0.Add(time.Minute)))
	router := NewRouter(h, RouterConfig{})

	w := doRequest(t, router, http.MethodGet, "/api/v1/weather/latest/recife", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got models.Observation
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.City != "Recife" || got.TemperatureCelsius != 26 {
		t.Errorf("record = %+v, want Recife 26", got)
	}

	w = doRequest(t, router, http.MethodGet, "/api/v1/weather/latest/Olinda", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if code := decodeErrorCode(t, w); code != "NOT_FOUND" {
		t.Errorf("error code = %q, want NOT_FOUND", code)
	}
}

// TestHandler_GetLatestForCity_InvalidCity verifies that malformed city keys are
// rejected with INVALID_CITY before the store is consulted.
func TestHandler_GetLatestForCity_InvalidCity(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"too long", "/api/v1/weather/latest/" + strings.Repeat("a", 300)},
		{"question mark", "/api/v1/weather/latest/rec%3Fife"},
		{"angle brackets", "/api/v1/weather/latest/%3Cscript%3E"},
		{"whitespace only", "/api/v1/weather/latest/%20%20"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, store := newTestHandler(t, &fakeAnswerer{})
			store.Insert(observation("Recife", 26, time.Now()))

			w := doRequest(t, NewRouter(h, RouterConfig{}), http.MethodGet, tt.path, "")

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if code := decodeErrorCode(t, w); code != "INVALID_CITY" {
				t.Errorf("error code = %q, want INVALID_CITY", code)
			}
		})
	}
}

// TestHandler_GetLatestForCity_AcceptsPunctuatedNames verifies that names with
// accents, spaces and apostrophes pass validation and reach the store.
func TestHandler_GetLatestForCity_AcceptsPunctuatedNames(t *testing.T) {
	h, store := newTestHandler(t, &fakeAnswerer{})
	store.Insert(observation("São Paulo", 22, time.Now()))
	router := NewRouter(h, RouterConfig{})

	w := doRequest(t, router, http.MethodGet, "/api/v1/weather/latest/s%C3%A3o%20paulo", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	w = doRequest(t, router, http.MethodGet, "/api/v1/weather/latest/L'Aquila", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// TestHandler_GetInsights verifies that the insights endpoint summarizes the snapshot.
func TestHandler_GetInsights(t *testing.T) {
	h, store := newTestHandler(t, &fakeAnswerer{})
	now := time.Now().UTC()
	store.Insert(observation("Toritama", 30, now.Add(-2*time.Minute)))
	store.Insert(observation("Toritama", 34, now.Add(-time.Minute)))

	w := doRequest(t, NewRouter(h, RouterConfig{}), http.MethodGet, "/api/v1/weather/insights", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got insights.Summary
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Count != 2 {
		t.Errorf("count = %d, want 2", got.Count)
	}
	if got.Extremes.MaxTemperature == nil || got.Extremes.MaxTemperature.TemperatureCelsius != 34 {
		t.Errorf("max_temperature = %+v, want 34", got.Extremes.MaxTemperature)
	}
	if len(got.TemperatureTrend) != 2 || got.TemperatureTrend[1].MovingAvg != 32 {
		t.Errorf("temperature_trend = %+v, want second point 32", got.TemperatureTrend)
	}
}

// TestHandler_GetLogs verifies newest-first paging with limit and offset.
func TestHandler_GetLogs(t *testing.T) {
	h, store := newTestHandler(t, &fakeAnswerer{})
	t0 := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		store.Insert(observation("Recife", float64(20+i), t0.Add(time.Duration(i)*time.Minute)))
	}
	router := NewRouter(h, RouterConfig{})

	tests := []struct {
		name      string
		query     string
		wantLimit int
		wantTemps []float64
	}{
		{"defaults", "", 50, []float64{24, 23, 22, 21, 20}},
		{"first page", "?limit=2", 2, []float64{24, 23}},
		{"second page", "?limit=2&offset=2", 2, []float64{22, 21}},
		{"partial last page", "?limit=2&offset=4", 2, []float64{20}},
		{"offset past end", "?offset=10", 50, []float64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, router, http.MethodGet, "/api/v1/weather/logs"+tt.query, "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			var resp logsResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Total != 5 || resp.Limit != tt.wantLimit {
				t.Errorf("total/limit = %d/%d, want 5/%d", resp.Total, resp.Limit, tt.wantLimit)
			}
			if resp.Data == nil {
				t.Fatal("data = null, want array")
			}
			if len(resp.Data) != len(tt.wantTemps) {
				t.Fatalf("len(data) = %d, want %d", len(resp.Data), len(tt.wantTemps))
			}
			for i, want := range tt.wantTemps {
				if resp.Data[i].TemperatureCelsius != want {
					t.Errorf("data[%d] = %v, want %v", i, resp.Data[i].TemperatureCelsius, want)
				}
			}
		})
	}
}

// TestHandler_GetLogs_InvalidQuery verifies that malformed paging parameters
// are rejected.
func TestHandler_GetLogs_InvalidQuery(t *testing.T) {
	h, _ := newTestHandler(t, &fakeAnswerer{})
	router := NewRouter(h, RouterConfig{})
	for _, q := range []string{"?limit=0", "?limit=501", "?limit=abc", "?offset=-1", "?offset=1.5"} {
		t.Run(q, func(t *testing.T) {
			w := doRequest(t, router, http.MethodGet, "/api/v1/weather/logs"+q, "")
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if code := decodeErrorCode(t, w); code != "INVALID_QUERY" {
				t.Errorf("error code = %q, want INVALID_QUERY", code)
			}
		})
	}
}

// TestHandler_GetChart verifies that chart series are served from the snapshot
// and unknown series are 404.
func TestHandler_GetChart(t *testing.T) {
	h, store := newTestHandler(t, &fakeAnswerer{})
	t0 := time.Now().UTC().Add(-time.Hour)
	store.Insert(observation("Recife", 26, t0))
	store.Insert(observation("Recife", 28, t0.Add(time.Minute)))
	router := NewRouter(h, RouterConfig{})

	w := doRequest(t, router, http.MethodGet, "/api/v1/weather/chart/temperature", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var points []insights.Point
	if err := json.NewDecoder(w.Body).Decode(&points); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(points) != 2 || points[0].Value != 26 || points[1].Value != 28 {
		t.Errorf("points = %+v", points)
	}

	w = doRequest(t, router, http.MethodGet, "/api/v1/weather/chart/pressure", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if code := decodeErrorCode(t, w); code != "NOT_FOUND" {
		t.Errorf("error code = %q, want NOT_FOUND", code)
	}
}

// TestHandler_GetRoot verifies the service banner.
func TestHandler_GetRoot(t *testing.T) {
	h, _ := newTestHandler(t, &fakeAnswerer{})

	w := doRequest(t, NewRouter(h, RouterConfig{}), http.MethodGet, "/", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got map[string]string
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["message"] != "Weather Insight Service" || got["status"] != "running" {
		t.Errorf("body = %v", got)
	}
}

type healthBody struct {
	Status        string            `json:"status"`
	Service       string            `json:"service"`
	Version       string            `json:"version"`
	Checks        map[string]string `json:"checks"`
	AutomaticData struct {
		Enabled       bool       `json:"enabled"`
		StoredRecords int        `json:"stored_records"`
		LastReceived  *time.Time `json:"last_received"`
	} `json:"automatic_data"`
}

func getHealth(t *testing.T, h http.Handler, path string) (int, healthBody) {
	t.Helper()
	w := doRequest(t, h, http.MethodGet, path, "")
	var body healthBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return w.Code, body
}

// TestHandler_GetHealth verifies the healthy body on both health routes.
func TestHandler_GetHealth(t *testing.T) {
	store := observations.New(10, time.Hour)
	ts := time.Now().UTC().Truncate(time.Second)
	store.Insert(observation("Toritama", 28, ts))
	hc := &HealthConfig{Version: "1.2.3"}
	h := NewHandler(store, &fakeAnswerer{}, traffic.NewTracker(time.Minute), nil, hc, zap.NewNop())
	router := NewRouter(h, RouterConfig{})

	for _, path := range []string{"/health", "/api/v1/health"} {
		code, body := getHealth(t, router, path)
		if code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, code)
		}
		if body.Status != "healthy" || body.Service != "weather-insight-service" || body.Version != "1.2.3" {
			t.Errorf("%s body = %+v", path, body)
		}
		if !body.AutomaticData.Enabled || body.AutomaticData.StoredRecords != 1 {
			t.Errorf("%s automatic_data = %+v, want enabled with 1 record", path, body.AutomaticData)
		}
		if body.AutomaticData.LastReceived == nil || !body.AutomaticData.LastReceived.Equal(ts) {
			t.Errorf("%s last_received = %v, want %v", path, body.AutomaticData.LastReceived, ts)
		}
		if body.Checks["completionApi"] != "healthy" {
			t.Errorf("%s checks = %v, want completionApi healthy", path, body.Checks)
		}
		if _, ok := body.Checks["answerCache"]; ok {
			t.Errorf("%s checks include answerCache without a ping function", path)
		}
	}
}

// TestHandler_GetHealth_EmptyCache verifies null last_received.
func TestHandler_GetHealth_EmptyCache(t *testing.T) {
	h, _ := newTestHandler(t, &fakeAnswerer{})
	w := doRequest(t, NewRouter(h, RouterConfig{}), http.MethodGet, "/health", "")
	if !strings.Contains(w.Body.String(), `"last_received":null`) {
		t.Errorf("body = %s, want last_received null", w.Body.String())
	}
}

// TestHandler_GetHealth_ShuttingDown verifies 503 once shutdown begins.
func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	state := &lifecycle.State{}
	h := NewHandler(observations.New(10, time.Hour), &fakeAnswerer{}, traffic.NewTracker(time.Minute), state, &HealthConfig{}, zap.NewNop())
	state.BeginShutdown()

	code, body := getHealth(t, NewRouter(h, RouterConfig{}), "/health")

	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if body.Status != "shutting-down" {
		t.Errorf("status = %q, want shutting-down", body.Status)
	}
}

// TestHandler_GetHealth_Overloaded verifies that denials above the threshold
// report overloaded with 503.
func TestHandler_GetHealth_Overloaded(t *testing.T) {
	clock := &fixedClock{now: baseTime}
	tracker := traffic.NewTracker(time.Minute, traffic.WithClock(clock.Now))
	hc := &HealthConfig{Thresholds: traffic.Thresholds{
		OverloadWindow:       10 * time.Second,
		OverloadThresholdPct: 50,
		RateLimitRPS:         1,
	}}
	h := NewHandler(observations.New(10, time.Hour), &fakeAnswerer{}, tracker, nil, hc, zap.NewNop())
	router := NewRouter(h, RouterConfig{})

	for i := 0; i < 5; i++ {
		tracker.RecordDenied()
	}
	if code, body := getHealth(t, router, "/health"); code != http.StatusOK || body.Status != "healthy" {
		t.Fatalf("at threshold: status %d %q, want 200 healthy", code, body.Status)
	}

	tracker.RecordDenied()
	code, body := getHealth(t, router, "/health")
	if code != http.StatusServiceUnavailable || body.Status != "overloaded" {
		t.Errorf("above threshold: status %d %q, want 503 overloaded", code, body.Status)
	}
}

// TestHandler_GetHealth_Degraded verifies that a high completion error rate is
// reported as degraded with 200 and an unhealthy completion check.
func TestHandler_GetHealth_Degraded(t *testing.T) {
	clock := &fixedClock{now: baseTime}
	tracker := traffic.NewTracker(time.Minute, traffic.WithClock(clock.Now))
	hc := &HealthConfig{Thresholds: traffic.Thresholds{
		DegradedWindow:   time.Minute,
		DegradedErrorPct: 50,
	}}
	h := NewHandler(observations.New(10, time.Hour), &fakeAnswerer{}, tracker, nil, hc, zap.NewNop())
	router := NewRouter(h, RouterConfig{})

	tracker.RecordSuccess()
	tracker.RecordError()
	tracker.RecordError()

	code, body := getHealth(t, router, "/health")
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}
	if body.Checks["completionApi"] != "unhealthy" {
		t.Errorf("completionApi = %q, want unhealthy", body.Checks["completionApi"])
	}
}

// TestHandler_GetHealth_DependencyChecks verifies completion and answer cache checks.
func TestHandler_GetHealth_DependencyChecks(t *testing.T) {
	hc := &HealthConfig{
		CompletionCheck: func() error { return errors.New("breaker open") },
		CachePing:       func() error { return errors.New("memcached down") },
	}
	h := NewHandler(observations.New(10, time.Hour), &fakeAnswerer{}, traffic.NewTracker(time.Minute), nil, hc, zap.NewNop())

	code, body := getHealth(t, NewRouter(h, RouterConfig{}), "/health")

	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if body.Checks["completionApi"] != "unhealthy" {
		t.Errorf("completionApi = %q, want unhealthy", body.Checks["completionApi"])
	}
	if body.Checks["answerCache"] != "unhealthy" {
		t.Errorf("answerCache = %q, want unhealthy", body.Checks["answerCache"])
	}
}

// TestHandler_GetHealth_LogsTransition verifies that status changes are logged once.
func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	clock := &fixedClock{now: baseTime}
	tracker := traffic.NewTracker(time.Minute, traffic.WithClock(clock.Now))
	hc := &HealthConfig{Thresholds: traffic.Thresholds{DegradedWindow: time.Minute, DegradedErrorPct: 50}}
	h := NewHandler(observations.New(10, time.Hour), &fakeAnswerer{}, tracker, nil, hc, zap.New(core))

	tracker.RecordSuccess()
	tracker.RecordSuccess()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	h.GetHealth(httptest.NewRecorder(), req)
	if logs.Len() != 0 {
		t.Fatalf("first call should not log transition; got %d logs", logs.Len())
	}

	tracker.RecordError()
	tracker.RecordError()
	h.GetHealth(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 transition log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" || fields["reason"] != "error_rate_breach" {
		t.Errorf("transition fields = %v", fields)
	}

	h.GetHealth(httptest.NewRecorder(), req)
	if logs.Len() != 1 {
		t.Errorf("unchanged status should not log; total logs = %d, want 1", logs.Len())
	}
}

// TestHandler_PostIngest_BodyTooLarge verifies that oversized bodies are rejected.
func TestHandler_PostIngest_BodyTooLarge(t *testing.T) {
	h, _ := newTestHandler(t, &fakeAnswerer{})
	big := `{"city":"` + string(bytes.Repeat([]byte("x"), maxBodyBytes+1)) + `"}`

	w := doRequest(t, NewRouter(h, RouterConfig{}), http.MethodPost, "/api/v1/ingest", big)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
