package shared

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ServiceMetrics tracks performance and success metrics for services
type ServiceMetrics struct {
	ServiceName           string                 `json:"service_name"`
	TotalRequests         int64                  `json:"total_requests"`
	SuccessfulRequests    int64                  `json:"successful_requests"`
	FailedRequests        int64                  `json:"failed_requests"`
	TotalProcessingTime   time.Duration          `json:"total_processing_time"`
	AverageProcessingTime time.Duration          `json:"average_processing_time"`
	LastUpdated           time.Time              `json:"last_updated"`
	CustomMetrics         map[string]interface{} `json:"custom_metrics"`
	mutex                 sync.RWMutex
}

// NewServiceMetrics creates a new metrics tracker for a service
func NewServiceMetrics(serviceName string) *ServiceMetrics {
	return &ServiceMetrics{
		ServiceName:   serviceName,
		LastUpdated:   time.Now(),
		CustomMetrics: make(map[string]interface{}),
	}
}

// RecordRequest records a request with its success status and processing time
func (m *ServiceMetrics) RecordRequest(success bool, processingTime time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.TotalRequests++
	m.TotalProcessingTime += processingTime
	m.AverageProcessingTime = time.Duration(int64(m.TotalProcessingTime) / m.TotalRequests)

	if success {
		m.SuccessfulRequests++
	} else {
		m.FailedRequests++
	}

	m.LastUpdated = time.Now()
}

// GetSuccessRate returns the success rate as a percentage
func (m *ServiceMetrics) GetSuccessRate() float64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if m.TotalRequests == 0 {
		return 0.0
	}

	return float64(m.SuccessfulRequests) / float64(m.TotalRequests) * 100.0
}

// SetCustomMetric sets a custom metric value
func (m *ServiceMetrics) SetCustomMetric(key string, value interface{}) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.CustomMetrics[key] = value
	m.LastUpdated = time.Now()
}

// IncrementCustomCounter increments a custom counter metric
func (m *ServiceMetrics) IncrementCustomCounter(key string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if current, exists := m.CustomMetrics[key]; exists {
		if counter, ok := current.(int64); ok {
			m.CustomMetrics[key] = counter + 1
		} else {
			m.CustomMetrics[key] = int64(1)
		}
	} else {
		m.CustomMetrics[key] = int64(1)
	}

	m.LastUpdated = time.Now()
}

// GetSnapshot returns a thread-safe snapshot of current metrics
func (m *ServiceMetrics) GetSnapshot() ServiceMetrics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	customMetricsCopy := make(map[string]interface{})
	for k, v := range m.CustomMetrics {
		customMetricsCopy[k] = v
	}

	return ServiceMetrics{
		ServiceName:           m.ServiceName,
		TotalRequests:         m.TotalRequests,
		SuccessfulRequests:    m.SuccessfulRequests,
		FailedRequests:        m.FailedRequests,
		TotalProcessingTime:   m.TotalProcessingTime,
		AverageProcessingTime: m.AverageProcessingTime,
		LastUpdated:           m.LastUpdated,
		CustomMetrics:         customMetricsCopy,
	}
}

// LogSummary logs a metrics summary
func (m *ServiceMetrics) LogSummary() {
	snapshot := m.GetSnapshot()

	logrus.WithFields(logrus.Fields{
		"service_name":        snapshot.ServiceName,
		"total_requests":      snapshot.TotalRequests,
		"successful_requests": snapshot.SuccessfulRequests,
		"failed_requests":     snapshot.FailedRequests,
		"avg_processing_time": snapshot.AverageProcessingTime,
		"success_rate":        m.GetSuccessRate(),
	}).Info("Service metrics summary")
}

// MetricsRegistry aggregates the per-service metrics trackers so the admin
// endpoint can expose a single snapshot
type MetricsRegistry struct {
	mutex    sync.RWMutex
	services map[string]*ServiceMetrics
}

// NewMetricsRegistry creates an empty registry
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{services: make(map[string]*ServiceMetrics)}
}

// Register adds a service tracker to the registry
func (r *MetricsRegistry) Register(m *ServiceMetrics) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.services[m.ServiceName] = m
}

// Snapshot returns snapshots of all registered service metrics
func (r *MetricsRegistry) Snapshot() map[string]ServiceMetrics {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make(map[string]ServiceMetrics, len(r.services))
	for name, m := range r.services {
		out[name] = m.GetSnapshot()
	}
	return out
}
