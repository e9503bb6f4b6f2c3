package metrics

import (
	"net/http"
	"time"
)

// HTTPMetricsTransport wraps an http.RoundTripper and records request metrics
// for outbound swap API calls. Requests are labelled by URL path so that the
// quote and swap-instructions endpoints show up separately.
// If next is nil, http.DefaultTransport is used. If m is nil, nothing is recorded.
func HTTPMetricsTransport(m *Metrics, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		start := time.Now()

		resp, err := next.RoundTrip(r)

		// Record metrics
		duration := time.Since(start).Seconds()
		if m != nil {
			statusCode := 0
			if resp != nil {
				statusCode = resp.StatusCode
			}
			m.RecordHTTPRequest(r.URL.Path, r.Method, statusCode, duration)
		}
		return resp, err
	})
}

// roundTripperFunc adapts a function to the http.RoundTripper interface.
type roundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip calls f(r).
func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
