package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPClient is the subset of http.Client used by HTTPWrapper.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPWrapper sends requests through a breaker. 5xx responses count as
// failures; 4xx responses do not trip the breaker.
type HTTPWrapper struct {
	client  HTTPClient
	cb      *CircuitBreaker
	service string
}

// NewHTTPWrapper wraps client with a breaker built from settings.
func NewHTTPWrapper(client HTTPClient, name, service string, settings Settings, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cb := New(name, settings.ToConfig(), logger)
	Instrument(cb, service)
	return &HTTPWrapper{client: client, cb: cb, service: service}
}

// Breaker exposes the wrapped breaker.
func (hw *HTTPWrapper) Breaker() *CircuitBreaker { return hw.cb }

// Do executes req. A 5xx response is still returned to the caller.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var err error
		resp, err = hw.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode}
		}
		return nil
	})
	RecordRequest(hw.cb, hw.service, err == nil)

	if _, ok := err.(*statusError); ok {
		return resp, nil
	}
	return resp, err
}

type statusError struct{ code int }

func (e *statusError) Error() string { return http.StatusText(e.code) }
