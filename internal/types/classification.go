package types

import "time"

// Observation is a single ranked label produced by a classifier.
type Observation struct {
	Identifier string  `json:"identifier" msgpack:"identifier"`
	Confidence float64 `json:"confidence" msgpack:"confidence"`
}

// ClassificationResult is the ordered output of one classifier invocation,
// descending by confidence as emitted by the classifier.
type ClassificationResult struct {
	// Observations as emitted by the classifier
	Observations []Observation
	// Label is the display string derived from the observations ("" = no content)
	Label string
	// Confidence of the first observation that survived filtering
	Confidence float64
	// Err is set when the classifier invocation itself failed
	Err error
	// Latency of the classifier call
	Latency time.Duration
}

// Empty reports whether the result yields no displayable label.
func (r ClassificationResult) Empty() bool {
	return r.Label == ""
}
