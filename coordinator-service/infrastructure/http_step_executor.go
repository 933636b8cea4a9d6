package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderStepName       = "X-Saga-Step"

	maxResponseBody = 1 << 20
)

var (
	_ domain.StepExecutor = (*HTTPStepExecutor)(nil)
	_ domain.Compensator  = (*HTTPCompensator)(nil)
)

// HTTPStepExecutor posts the saga context to a service endpoint and returns
// the JSON response body.
type HTTPStepExecutor struct {
	client *http.Client
	url    string
	logger *logrus.Entry
}

func NewHTTPStepExecutor(client *http.Client, url string, logger *logrus.Entry) *HTTPStepExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &HTTPStepExecutor{client: client, url: url, logger: logger}
}

func (e *HTTPStepExecutor) Execute(ctx context.Context, step domain.StepSpec, sagaContext json.RawMessage, idempotencyKey string) (json.RawMessage, error) {
	body, err := postJSON(ctx, e.client, e.url, sagaContext, map[string]string{
		HeaderIdempotencyKey: idempotencyKey,
		HeaderStepName:       step.Name,
	})
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"step":            step.Name,
			"service_ref":     step.ServiceRef,
			"idempotency_key": idempotencyKey,
			"error_kind":      domain.KindOf(err),
		}).WithError(err).Debug("step call failed")
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage(`null`), nil
	}
	if !json.Valid(body) {
		return nil, domain.Permanent(errors.Errorf("step %s returned a non-JSON body", step.Name))
	}
	return body, nil
}

// HTTPCompensator posts the stored step response to a compensation endpoint
type HTTPCompensator struct {
	client *http.Client
	url    string
}

func NewHTTPCompensator(client *http.Client, url string) *HTTPCompensator {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPCompensator{client: client, url: url}
}

func (c *HTTPCompensator) Compensate(ctx context.Context, step domain.StepSpec, payload json.RawMessage, idempotencyKey string) error {
	_, err := postJSON(ctx, c.client, c.url, payload, map[string]string{
		HeaderIdempotencyKey: idempotencyKey,
		HeaderStepName:       step.Name,
	})
	return err
}

// postJSON sends one request and classifies failures: 408, 429 and 5xx are
// transient, other 4xx are permanent and an expired context is a timeout.
func postJSON(ctx context.Context, client *http.Client, url string, payload json.RawMessage, headers map[string]string) ([]byte, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, domain.Permanent(errors.Wrap(err, "failed to create request"))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.Timeout(errors.Wrapf(ctx.Err(), "call to %s", url))
		}
		return nil, domain.Transient(errors.Wrapf(err, "call to %s", url))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, domain.Transient(errors.Wrap(err, "failed to read response body"))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusGatewayTimeout:
		return nil, domain.Timeout(statusError(url, resp.StatusCode, body))
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return nil, domain.Transient(statusError(url, resp.StatusCode, body))
	default:
		return nil, domain.Permanent(statusError(url, resp.StatusCode, body))
	}
}

func statusError(url string, status int, body []byte) error {
	msg := string(bytes.TrimSpace(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return errors.Errorf("%s responded %d: %s", url, status, msg)
}

// NewHTTPClient returns a client with the given request timeout
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
