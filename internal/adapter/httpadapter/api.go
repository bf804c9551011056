package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/couchcryptid/air-quality-engine/internal/alert"
	"github.com/couchcryptid/air-quality-engine/internal/domain"
	"github.com/couchcryptid/air-quality-engine/internal/observability"
	"github.com/couchcryptid/air-quality-engine/internal/pipeline"
	"github.com/go-playground/validator/v10"
)

// maxSeriesPoints bounds the slots a single series request may allocate.
const maxSeriesPoints = 10000

const maxBodyBytes = 1 << 20

var validate = validator.New()

// ObservationReader is the read side of the observation store.
type ObservationReader interface {
	Latest(geo domain.Geo) (domain.Observation, error)
	Range(geo domain.Geo, from, to time.Time) []domain.Observation
	Locations() []domain.Geo
}

// Services holds the domain components behind the /api/v1 routes.
type Services struct {
	Fuser      *domain.Fuser
	Classifier *domain.Classifier
	Alerts     *alert.Engine
	Store      ObservationReader
	Metrics    *observability.Metrics
}

type api struct {
	svc    *Services
	logger *slog.Logger
}

type fuseRequest struct {
	Readings []pipeline.ReadingMessage `json:"readings" validate:"required,min=1,dive"`
}

type assessedObservation struct {
	Observation domain.Observation `json:"observation"`
	Category    domain.Category    `json:"category"`
}

type seriesResponse struct {
	Series         domain.Series   `json:"series"`
	Summary        *domain.Summary `json:"summary"`
	HistoryPoints  int             `json:"history_points"`
	ForecastPoints int             `json:"forecast_points"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleFuse fuses the posted readings into one observation without storing
// it or evaluating alerts.
func (a *api) handleFuse(w http.ResponseWriter, r *http.Request) {
	var req fuseRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.writeError(w, err)
		return
	}

	readings := make([]domain.PollutantReading, 0, len(req.Readings))
	for i, m := range req.Readings {
		reading, err := m.Reading()
		if err != nil {
			a.writeError(w, fmt.Errorf("reading %d: %w", i, err))
			return
		}
		readings = append(readings, reading)
	}

	obs, err := a.svc.Fuser.Fuse(readings)
	if err != nil {
		a.writeError(w, err)
		return
	}
	cat, err := a.svc.Classifier.Classify(obs.AQI)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assessedObservation{Observation: obs, Category: cat})
}

func (a *api) handleClassify(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("aqi")
	aqi, err := strconv.Atoi(raw)
	if err != nil {
		a.writeError(w, fmt.Errorf("%w: aqi must be an integer, got %q", domain.ErrInvalidInput, raw))
		return
	}
	cat, err := a.svc.Classifier.Classify(aqi)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

func (a *api) handleCategories(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Classifier.Categories())
}

func (a *api) handleLocations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Store.Locations())
}

func (a *api) handleLatest(w http.ResponseWriter, r *http.Request) {
	geo, err := parseGeo(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	obs, err := a.svc.Store.Latest(geo)
	if err != nil {
		a.writeError(w, err)
		return
	}
	cat, err := a.svc.Classifier.Classify(obs.AQI)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assessedObservation{Observation: obs, Category: cat})
}

// handleSeries returns the gridded series for a location with its summary.
// A range without observations yields a null summary rather than an error.
func (a *api) handleSeries(w http.ResponseWriter, r *http.Request) {
	geo, err := parseGeo(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"), "from")
	if err != nil {
		a.writeError(w, err)
		return
	}
	to, err := parseTime(q.Get("to"), "to")
	if err != nil {
		a.writeError(w, err)
		return
	}
	interval := a.svc.Fuser.Policy().BucketInterval
	if raw := q.Get("interval"); raw != "" {
		interval, err = time.ParseDuration(raw)
		if err != nil {
			a.writeError(w, fmt.Errorf("%w: invalid interval %q", domain.ErrInvalidInput, raw))
			return
		}
	}
	if interval > 0 && to.Sub(from)/interval >= maxSeriesPoints {
		a.writeError(w, fmt.Errorf("%w: series would exceed %d points", domain.ErrInvalidInput, maxSeriesPoints))
		return
	}

	series, err := domain.BuildSeries(a.svc.Store.Range(geo, from, to), from, to, interval)
	if err != nil {
		a.writeError(w, err)
		return
	}
	history, forecast := series.Split(domain.Now())
	resp := seriesResponse{Series: series, HistoryPoints: len(history), ForecastPoints: len(forecast)}

	summary, err := domain.Summarize(series)
	switch {
	case err == nil:
		resp.Summary = &summary
	case !errors.Is(err, domain.ErrNoData):
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvaluate applies the alert rules to a posted observation and returns
// the transitions.
func (a *api) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var obs domain.Observation
	if err := decodeBody(w, r, &obs); err != nil {
		a.writeError(w, err)
		return
	}
	if !obs.Geo.Valid() {
		a.writeError(w, fmt.Errorf("%w: observation coordinates out of range", domain.ErrInvalidInput))
		return
	}
	if obs.AQI < 0 {
		a.writeError(w, fmt.Errorf("%w: negative aqi %d", domain.ErrOutOfRange, obs.AQI))
		return
	}

	res := a.svc.Alerts.Evaluate(obs)
	for _, al := range res.Raised {
		a.svc.Metrics.AlertsRaised.WithLabelValues(al.RuleID).Inc()
	}
	for _, al := range res.Cleared {
		a.svc.Metrics.AlertsCleared.WithLabelValues(al.RuleID).Inc()
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("lat") == "" && q.Get("lon") == "" {
		writeJSON(w, http.StatusOK, a.svc.Alerts.ActiveAll())
		return
	}
	geo, err := parseGeo(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.svc.Alerts.Active(geo))
}

func (a *api) handleDismiss(w http.ResponseWriter, r *http.Request) {
	geo, err := parseGeo(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	ruleID := r.PathValue("ruleID")
	dismissed, err := a.svc.Alerts.Dismiss(ruleID, geo)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.svc.Metrics.AlertsDismissed.WithLabelValues(ruleID).Inc()
	a.logger.Info("alert dismissed", "rule", ruleID, "location", geo.Key())
	writeJSON(w, http.StatusOK, dismissed)
}

// writeError maps domain errors to HTTP status codes.
func (a *api) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNoData), errors.Is(err, alert.ErrUnknownAlert):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", domain.ErrInvalidInput, err)
	}
	if err := validate.Struct(v); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return nil
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

func parseGeo(r *http.Request) (domain.Geo, error) {
	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		return domain.Geo{}, fmt.Errorf("%w: invalid lat %q", domain.ErrInvalidInput, q.Get("lat"))
	}
	lon, err := strconv.ParseFloat(q.Get("lon"), 64)
	if err != nil {
		return domain.Geo{}, fmt.Errorf("%w: invalid lon %q", domain.ErrInvalidInput, q.Get("lon"))
	}
	geo := domain.Geo{Lat: lat, Lon: lon}
	if !geo.Valid() {
		return domain.Geo{}, fmt.Errorf("%w: coordinates out of range (%v, %v)", domain.ErrInvalidInput, lat, lon)
	}
	return geo, nil
}

func parseTime(raw, name string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC 3339, got %q", domain.ErrInvalidInput, name, raw)
	}
	return t.UTC(), nil
}
