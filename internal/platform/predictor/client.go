package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/medcenter/clinicflow/internal/platform/metrics"
)

var tracer = otel.Tracer("clinicflow.internal.platform.predictor")

// ErrEstimatorUnavailable wraps every remote failure. Estimate logs it and
// falls back to the heuristic; it is only returned by the admin calls.
var ErrEstimatorUnavailable = errors.New("predictor: estimator unavailable")

// ErrNotConfigured is returned by the admin calls when no remote URL is set.
var ErrNotConfigured = errors.New("predictor: remote predictor not configured")

const maxResponseBytes = 1 << 20

type Config struct {
	BaseURL         string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

// Client talks to the duration model service.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

func NewClient(cfg Config, logger zerolog.Logger, m *metrics.Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "predictor").Logger(),
		metrics:    m,
	}
	failures := cfg.BreakerFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "duration-predictor",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("predictor circuit breaker state changed")
		},
	})
	return c
}

// Enabled reports whether a remote predictor is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// Estimate returns the predicted visit length for f. Only invalid features
// produce an error; any remote problem yields the heuristic estimate.
func (c *Client) Estimate(ctx context.Context, f Features) (Estimate, error) {
	if err := f.Validate(); err != nil {
		return Estimate{}, err
	}
	if !c.Enabled() {
		est := heuristic(f)
		if c != nil {
			c.metrics.RecordEstimate(string(SourceHeuristic), "disabled", 0)
		}
		return est, nil
	}

	started := time.Now()
	ctx, span := tracer.Start(ctx, "predictor.estimate")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.department", f.Department),
		attribute.String("clinic.priority", f.Priority),
		attribute.Int("clinic.symptom_count", f.SymptomCount),
	)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.predict(ctx, f)
	})
	if err != nil {
		cause := fmt.Errorf("%w: %v", ErrEstimatorUnavailable, err)
		span.RecordError(cause)
		span.SetStatus(codes.Error, "fell back to heuristic")
		span.SetAttributes(attribute.String("clinic.estimate_source", string(SourceHeuristic)))

		outcome := failureOutcome(err)
		c.logger.Warn().Err(cause).Str("department", f.Department).Str("outcome", outcome).
			Msg("duration estimator unavailable, using heuristic")
		c.metrics.RecordEstimate(string(SourceHeuristic), outcome, time.Since(started))
		return heuristic(f), nil
	}

	est := result.(Estimate)
	span.SetAttributes(
		attribute.String("clinic.estimate_source", string(SourceRemote)),
		attribute.String("clinic.model_version", est.ModelVersion),
		attribute.Int("clinic.predicted_minutes", est.PredictedMinutes),
	)
	c.metrics.RecordEstimate(string(SourceRemote), "ok", time.Since(started))
	return est, nil
}

func failureOutcome(err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

type predictRequest struct {
	Department      string `json:"department"`
	Priority        string `json:"priority"`
	AppointmentType string `json:"appointmentType"`
	SymptomCount    int    `json:"symptomCount"`
	TimeOfDay       int    `json:"timeOfDay"`
	DayOfWeek       int    `json:"dayOfWeek"`
}

type predictResponse struct {
	PredictedDuration *float64 `json:"predictedDuration"`
	Confidence        *float64 `json:"confidence"`
	ModelVersion      string   `json:"modelVersion"`
	ModelType         string   `json:"modelType"`
}

func (c *Client) predict(ctx context.Context, f Features) (Estimate, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out predictResponse
	req := predictRequest{
		Department:      f.Department,
		Priority:        f.Priority,
		AppointmentType: f.VisitType,
		SymptomCount:    f.SymptomCount,
		TimeOfDay:       f.TimeOfDay,
		DayOfWeek:       f.DayOfWeek,
	}
	if err := c.do(ctx, http.MethodPost, "/predict", req, &out); err != nil {
		return Estimate{}, err
	}

	if out.PredictedDuration == nil {
		return Estimate{}, errors.New("response missing predictedDuration")
	}
	minutes := int(math.Round(*out.PredictedDuration))
	if minutes <= 0 {
		return Estimate{}, fmt.Errorf("non-positive prediction %v", *out.PredictedDuration)
	}
	if out.Confidence == nil || *out.Confidence < 0 || *out.Confidence > 1 {
		return Estimate{}, errors.New("confidence missing or outside [0,1]")
	}
	version := out.ModelVersion
	if version == "" {
		version = "unknown"
	}

	return Estimate{
		PredictedMinutes: minutes,
		Confidence:       *out.Confidence,
		ModelVersion:     version,
		ModelType:        out.ModelType,
		Source:           SourceRemote,
	}, nil
}

// StatusError is a non-2xx reply from the predictor.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("predictor returned HTTP %d: %s", e.Code, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// ModelInfo describes the model currently served by the predictor.
type ModelInfo struct {
	ModelType           string                 `json:"modelType"`
	ModelVersion        string                 `json:"modelVersion"`
	RequiresDayOfWeek   bool                   `json:"requiresDayOfWeek"`
	Performance         map[string]interface{} `json:"performance"`
	TrainingSamples     int                    `json:"trainingSamples"`
	Confidence          interface{}            `json:"confidence"`
	SuggestedRetraining bool                   `json:"suggestedRetraining"`
}

type HealthStatus struct {
	Status    string `json:"status"`
	Model     string `json:"model"`
	ModelType string `json:"modelType"`
	Timestamp string `json:"timestamp"`
}

// TrainingSample is one completed visit in the predictor's training format.
type TrainingSample struct {
	Department        string `json:"department"`
	Priority          string `json:"priority"`
	AppointmentType   string `json:"appointmentType"`
	SymptomCount      int    `json:"symptomCount"`
	TimeOfDay         int    `json:"timeOfDay"`
	DayOfWeek         int    `json:"dayOfWeek"`
	ActualDuration    int    `json:"actualDuration"`
	PredictedDuration int    `json:"predictedDuration"`
}

type TrainingAck struct {
	Message            string `json:"message"`
	SavedTo            string `json:"savedTo,omitempty"`
	NextStep           string `json:"nextStep,omitempty"`
	TrainingSuggestion string `json:"trainingSuggestion,omitempty"`
}

func (c *Client) ModelInfo(ctx context.Context) (*ModelInfo, error) {
	var info ModelInfo
	if err := c.admin(ctx, http.MethodGet, "/model-info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var status HealthStatus
	if err := c.admin(ctx, http.MethodGet, "/health", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SubmitTrainingData posts completed visits to the predictor's /train endpoint.
func (c *Client) SubmitTrainingData(ctx context.Context, samples []TrainingSample) (*TrainingAck, error) {
	if len(samples) == 0 {
		return nil, errors.New("predictor: no training samples to submit")
	}
	var ack TrainingAck
	body := map[string]interface{}{"data": samples}
	if err := c.admin(ctx, http.MethodPost, "/train", body, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) admin(ctx context.Context, method, path string, in, out interface{}) error {
	if !c.Enabled() {
		return ErrNotConfigured
	}
	ctx, span := tracer.Start(ctx, "predictor.admin")
	defer span.End()
	span.SetAttributes(attribute.String("http.route", path))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.do(ctx, method, path, in, out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrEstimatorUnavailable, err)
	}
	return nil
}
