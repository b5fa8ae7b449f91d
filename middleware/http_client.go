package middleware

import (
	"net/http"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
)

// NewWorkerHTTPClient returns the X-Ray instrumented client used for all
// outbound calls to execution workers. Connection reuse matters here:
// the dispatch loop hits the same few worker endpoints continuously.
func NewWorkerHTTPClient(timeout time.Duration) *http.Client {
	return xray.Client(&http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
	})
}
