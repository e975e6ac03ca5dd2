package types

import "time"

// WorkerMetrics contains health metrics for a classification worker
type WorkerMetrics struct {
	RequestsProcessed uint64    `json:"requests_processed"`
	RequestsFailed    uint64    `json:"requests_failed"`
	RequestsDropped   uint64    `json:"requests_dropped"`
	AvgLatencyMS      float64   `json:"avg_latency_ms"`
	LastSeenAt        time.Time `json:"last_seen_at"`
}

// DropRate returns the share of requests dropped before reaching the classifier.
func (m WorkerMetrics) DropRate() float64 {
	total := m.RequestsProcessed + m.RequestsDropped
	if total == 0 {
		return 0.0
	}
	return float64(m.RequestsDropped) / float64(total)
}
