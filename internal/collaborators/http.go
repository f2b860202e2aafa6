// Package collaborators provides HTTP-backed implementations of the
// engine's external collaborator interfaces (config validator,
// quality checker, evaluator) for deployments that run those rule
// engines as separate services. They are thin adapters, not policy:
// all three ship the artifact bytes to a configured endpoint and decode
// its JSON response into the shape internal/tasks expects. A deployment
// with its own collaborator implementation (e.g. an in-process rule
// engine) can substitute any other type satisfying the same interfaces.
package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"evalorch.io/internal/domain"
	"evalorch.io/internal/enginerr"
	"evalorch.io/internal/tasks"
)

// HTTPValidator calls a remote config-validation service.
type HTTPValidator struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPValidator(endpoint string) *HTTPValidator {
	return &HTTPValidator{Endpoint: endpoint, Client: http.DefaultClient}
}

func (v *HTTPValidator) Validate(ctx context.Context, config []byte) error {
	type response struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	}
	var resp response
	if err := postJSON(ctx, v.Client, v.Endpoint, config, &resp); err != nil {
		return err
	}
	if !resp.Valid {
		return fmt.Errorf("config invalid: %s", resp.Reason)
	}
	return nil
}

// HTTPQualityChecker calls a remote data-quality rule service.
type HTTPQualityChecker struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPQualityChecker(endpoint string) *HTTPQualityChecker {
	return &HTTPQualityChecker{Endpoint: endpoint, Client: http.DefaultClient}
}

func (c *HTTPQualityChecker) Run(ctx context.Context, dataset, fieldConfig []byte) ([]domain.QualityIssue, error) {
	type request struct {
		Dataset     json.RawMessage `json:"dataset"`
		FieldConfig json.RawMessage `json:"field_config"`
	}
	body, err := json.Marshal(request{Dataset: dataset, FieldConfig: fieldConfig})
	if err != nil {
		return nil, fmt.Errorf("marshal quality check request: %w", err)
	}
	var issues []domain.QualityIssue
	if err := postJSON(ctx, c.Client, c.Endpoint, body, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

// HTTPEvaluator calls a remote field-based evaluator service.
type HTTPEvaluator struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPEvaluator(endpoint string) *HTTPEvaluator {
	return &HTTPEvaluator{Endpoint: endpoint, Client: http.DefaultClient}
}

func (e *HTTPEvaluator) Evaluate(ctx context.Context, dataset, predictions, config []byte) (tasks.EvaluationSummary, error) {
	type request struct {
		Dataset     json.RawMessage `json:"dataset"`
		Predictions json.RawMessage `json:"predictions"`
		Config      json.RawMessage `json:"config"`
	}
	body, err := json.Marshal(request{Dataset: dataset, Predictions: predictions, Config: config})
	if err != nil {
		return nil, fmt.Errorf("marshal evaluation request: %w", err)
	}
	var summary tasks.EvaluationSummary
	if err := postJSON(ctx, e.Client, e.Endpoint, body, &summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// postJSON classifies failures so callers can decide whether retrying is
// worthwhile: a 5xx or network-level failure is transient (the service may
// recover), a 4xx means this request itself was rejected and resending the
// same bytes will just fail again, same as a response body that doesn't
// parse into the expected shape.
func postJSON(ctx context.Context, client *http.Client, endpoint string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("collaborator request failed: %w", enginerr.ErrTransient)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading collaborator response: %w", enginerr.ErrTransient)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("collaborator returned status %d: %s: %w", resp.StatusCode, string(respBody), enginerr.ErrTransient)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("collaborator rejected request with status %d: %s: %w", resp.StatusCode, string(respBody), enginerr.ErrPermanent)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding collaborator response: %w", enginerr.ErrPermanent)
	}
	return nil
}
