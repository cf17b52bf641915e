// Package httputils provides shared HTTP helpers: error reporting, health
// endpoints, request logging, and a retrying transport for outbound clients.
package httputils

import (
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/elonfeng/dinq-analyze-sub001/go/derr"
	"github.com/elonfeng/dinq-analyze-sub001/go/dlog"
)

const (
	initialInterval     = 500 * time.Millisecond
	maxInterval         = 60 * time.Second
	maxElapsedTime      = 5 * time.Minute
	randomizationFactor = 0.5
	backOffMultiplier   = 1.5
)

// ReportError formats an HTTP error response and also logs the detailed error
// message. The message parameter is returned in the HTTP response; if it is
// empty, "Unknown error" is returned instead.
func ReportError(w http.ResponseWriter, err error, message string, code int) {
	dlog.Error(message, " ", err)
	if err != io.ErrClosedPipe {
		httpErrMsg := message
		if message == "" {
			httpErrMsg = "Unknown error"
		}
		http.Error(w, httpErrMsg, code)
	}
}

// HealthCheckHandler returns 200 with an empty body. Suitable for liveness
// and readiness probes.
func HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// LoggingRequestResponse records parts of the request to the logs and
// recovers from panics in the wrapped handler.
func LoggingRequestResponse(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dlog.Infof("Incoming request: %s %s", r.Method, r.URL.Path)
		defer func() {
			if err := recover(); err != nil {
				const size = 64 << 10
				buf := make([]byte, size)
				buf = buf[:runtime.Stack(buf, false)]
				dlog.Errorf("panic serving %v: %v\n%s", r.URL.Path, err, buf)
				// Only changes the response if WriteHeader has not been
				// called yet.
				http.Error(w, "Error handling request", http.StatusInternalServerError)
			}
		}()
		started := time.Now()
		h.ServeHTTP(w, r)
		dlog.Debugf("Request: %s Latency: %s", r.URL.Path, time.Since(started))
	})
}

// BackOffConfig configures BackOffTransport.
type BackOffConfig struct {
	initialInterval     time.Duration
	maxInterval         time.Duration
	maxElapsedTime      time.Duration
	randomizationFactor float64
	backOffMultiplier   float64
}

// DefaultBackOffConfig returns a BackOffConfig with reasonable defaults.
func DefaultBackOffConfig() *BackOffConfig {
	return &BackOffConfig{
		initialInterval:     initialInterval,
		maxInterval:         maxInterval,
		maxElapsedTime:      maxElapsedTime,
		randomizationFactor: randomizationFactor,
		backOffMultiplier:   backOffMultiplier,
	}
}

// BackOffTransport is an http.RoundTripper which retries requests that fail
// with 5xx status codes, using exponential backoff.
type BackOffTransport struct {
	Transport     http.RoundTripper
	backOffConfig *BackOffConfig
}

// NewBackOffTransport creates a BackOffTransport with default config,
// wrapping http.DefaultTransport.
func NewBackOffTransport() http.RoundTripper {
	return NewConfiguredBackOffTransport(DefaultBackOffConfig(), http.DefaultTransport)
}

// NewConfiguredBackOffTransport creates a BackOffTransport with the specified
// config, wrapping the given base RoundTripper.
func NewConfiguredBackOffTransport(config *BackOffConfig, base http.RoundTripper) http.RoundTripper {
	return &BackOffTransport{
		Transport:     base,
		backOffConfig: config,
	}
}

// RoundTrip implements the RoundTripper interface.
func (t *BackOffTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	backOffClient := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     t.backOffConfig.initialInterval,
		RandomizationFactor: t.backOffConfig.randomizationFactor,
		Multiplier:          t.backOffConfig.backOffMultiplier,
		MaxInterval:         t.backOffConfig.maxInterval,
		MaxElapsedTime:      t.backOffConfig.maxElapsedTime,
		Clock:               backoff.SystemClock,
		Stop:                backoff.Stop,
	}, req.Context())
	var resp *http.Response
	roundTripOp := func() error {
		var err error
		resp, err = t.Transport.RoundTrip(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			status := resp.Status
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			return derr.Fmt("got server error status %s while making the HTTP request", status)
		}
		return nil
	}
	notifyFunc := func(err error, wait time.Duration) {
		dlog.Warningf("Got error: %s. Retrying HTTP request after sleeping for %s", err, wait)
	}
	if err := backoff.RetryNotify(roundTripOp, backOffClient, notifyFunc); err != nil {
		return nil, err
	}
	return resp, nil
}
