package shared

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPClientFactory creates optimized HTTP clients with standardized configuration
type HTTPClientFactory struct {
	defaultTimeout time.Duration
	mutex          sync.RWMutex
	clients        map[string]*http.Client
}

// NewHTTPClientFactory creates a new HTTP client factory
func NewHTTPClientFactory(defaultTimeout time.Duration) *HTTPClientFactory {
	return &HTTPClientFactory{
		defaultTimeout: defaultTimeout,
		clients:        make(map[string]*http.Client),
	}
}

// CreateOptimizedHTTPClient creates an HTTP client with connection pooling and optimized settings
func (f *HTTPClientFactory) CreateOptimizedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = f.defaultTimeout
	}

	// Create client key for caching
	clientKey := fmt.Sprintf("timeout_%d", timeout.Milliseconds())

	f.mutex.RLock()
	if client, exists := f.clients[clientKey]; exists {
		f.mutex.RUnlock()
		return client
	}
	f.mutex.RUnlock()

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,

			DisableKeepAlives: false,

			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,

			DisableCompression: false,
		},
	}

	f.mutex.Lock()
	f.clients[clientKey] = client
	f.mutex.Unlock()

	logrus.WithFields(logrus.Fields{
		"component":  "HTTPClientFactory",
		"timeout":    timeout,
		"client_key": clientKey,
	}).Debug("Created new optimized HTTP client")

	return client
}

// IsTransientStatusCode reports whether an HTTP status should be retried.
// 5xx, 429 and 408 are transient; every other 4xx is permanent.
func IsTransientStatusCode(statusCode int) bool {
	if statusCode >= 500 {
		return true
	}
	return statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout
}

// BackoffDuration calculates the exponential backoff delay for a retry
// attempt (1-based) with jitter to prevent thundering herd
func BackoffDuration(attemptNumber int, base time.Duration) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}
	backoff := time.Duration(1<<uint(attemptNumber-1)) * base
	jitter := time.Duration(float64(backoff) * 0.1 * (0.5 + 0.5*float64(attemptNumber%3)/2))
	return backoff + jitter
}

// ExecuteHTTPRequestWithRetry executes HTTP requests with exponential backoff retry
// logic. Network errors and transient status codes are retried; a permanent
// status code fails immediately with a non-retryable ServiceError. The second
// return value is the number of attempts actually made.
func ExecuteHTTPRequestWithRetry(client *http.Client, request *http.Request, maxRetryAttempts int) (*http.Response, int, error) {
	logger := logrus.WithFields(logrus.Fields{
		"component": "HTTPClientFactory",
		"method":    "ExecuteHTTPRequestWithRetry",
		"url":       request.URL.String(),
	})

	var httpResponse *http.Response
	var lastExecutionError error

	for attemptNumber := 0; attemptNumber <= maxRetryAttempts; attemptNumber++ {
		if attemptNumber > 0 {
			totalBackoffDuration := BackoffDuration(attemptNumber, time.Second)

			logger.WithFields(logrus.Fields{
				"attempt":          attemptNumber + 1,
				"backoff_duration": totalBackoffDuration,
			}).Debug("Retrying HTTP request after backoff")

			select {
			case <-request.Context().Done():
				return nil, attemptNumber, NewTransientError("REQUEST_CANCELLED",
					"request context cancelled during backoff", "http-client", "ExecuteHTTPRequestWithRetry", request.Context().Err())
			case <-time.After(totalBackoffDuration):
			}

			// The previous attempt consumed the request body.
			if request.GetBody != nil {
				freshBody, err := request.GetBody()
				if err != nil {
					return nil, attemptNumber, NewPermanentError("BODY_REWIND_FAILED",
						"could not rewind request body for retry", "http-client", "ExecuteHTTPRequestWithRetry", err)
				}
				request.Body = freshBody
			}
		}

		httpResponse, lastExecutionError = client.Do(request)
		if lastExecutionError == nil && httpResponse.StatusCode >= 200 && httpResponse.StatusCode < 300 {
			logger.WithFields(logrus.Fields{
				"attempt":     attemptNumber + 1,
				"status_code": httpResponse.StatusCode,
			}).Debug("HTTP request successful")
			return httpResponse, attemptNumber + 1, nil
		}

		if lastExecutionError != nil {
			lastExecutionError = fmt.Errorf("attempt %d failed with network error: %w", attemptNumber+1, lastExecutionError)
			logger.WithError(lastExecutionError).Debug("HTTP request failed with network error")
			continue
		}

		statusCode := httpResponse.StatusCode
		httpResponse.Body.Close() // Clean up response body before retrying

		if !IsTransientStatusCode(statusCode) {
			logger.WithFields(logrus.Fields{
				"attempt":     attemptNumber + 1,
				"status_code": statusCode,
			}).Warn("HTTP request failed with permanent status, not retrying")
			return nil, attemptNumber + 1, NewPermanentError("HTTP_PERMANENT",
				fmt.Sprintf("HTTP %d: %s", statusCode, http.StatusText(statusCode)),
				"http-client", "ExecuteHTTPRequestWithRetry", nil)
		}

		lastExecutionError = fmt.Errorf("attempt %d failed with HTTP %d: %s", attemptNumber+1, statusCode, http.StatusText(statusCode))
		logger.WithFields(logrus.Fields{
			"attempt":     attemptNumber + 1,
			"status_code": statusCode,
		}).Debug("HTTP request failed with transient status")
	}

	// All retry attempts exhausted
	totalAttempts := maxRetryAttempts + 1
	logger.WithFields(logrus.Fields{
		"total_attempts": totalAttempts,
		"final_error":    lastExecutionError,
	}).Error("HTTP request failed after all retry attempts")

	return nil, totalAttempts, NewTransientError("HTTP_RETRIES_EXHAUSTED",
		fmt.Sprintf("HTTP request failed after %d attempts: %v", totalAttempts, lastExecutionError),
		"http-client", "ExecuteHTTPRequestWithRetry", lastExecutionError)
}

// CleanupHTTPClient properly closes and cleans up HTTP client resources
func (f *HTTPClientFactory) CleanupHTTPClient(client *http.Client) {
	if client != nil && client.Transport != nil {
		if transport, ok := client.Transport.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
	}
}

// CleanupAllClients cleans up all cached HTTP clients
func (f *HTTPClientFactory) CleanupAllClients() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	for key, client := range f.clients {
		f.CleanupHTTPClient(client)
		delete(f.clients, key)
	}

	logrus.WithField("component", "HTTPClientFactory").Debug("Cleaned up all cached HTTP clients")
}
