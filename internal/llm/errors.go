package llm

import (
	"errors"
	"fmt"
)

// FailureKind classifies persistent analysis failures.
type FailureKind string

const (
	FailureRateLimited   FailureKind = "rate_limited"
	FailureSchemaInvalid FailureKind = "schema_invalid"
	FailureTransport     FailureKind = "transport"
	FailureEmptyResponse FailureKind = "empty_response"
)

// AnalysisError is returned when a batch cannot be analyzed after the
// configured retries. The caller skips the batch and continues.
type AnalysisError struct {
	Kind FailureKind
	Err  error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis failed (%s): %v", e.Kind, e.Err)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// ErrContextOverflow reports a prompt that cannot fit the model context
// together with the completion budget. The caller splits the batch.
var ErrContextOverflow = errors.New("prompt exceeds model context window")
