package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Wrap with fmt.Errorf("%w") and
// match with errors.Is; the HTTP layer maps each root to a status code.
var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrAuth                = errors.New("unauthorized")
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")
	ErrIndexCorruption     = errors.New("index corruption")
)

var (
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported format", ErrValidation)
	ErrEmptyContent      = fmt.Errorf("%w: empty content", ErrValidation)
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrValidation)
	ErrAlreadyExists     = fmt.Errorf("%w: already exists", ErrValidation)

	ErrEmbeddingServiceUnavailable  = fmt.Errorf("%w: embedding", ErrUpstreamUnavailable)
	ErrGenerationServiceUnavailable = fmt.Errorf("%w: generation", ErrUpstreamUnavailable)
)

// UpstreamError carries the HTTP status returned by a model service.
type UpstreamError struct {
	Service string
	Status  int
	Body    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s API error: status %d, body: %s", e.Service, e.Status, e.Body)
}

// Transient reports whether the call is worth retrying.
func (e *UpstreamError) Transient() bool {
	return e.Status == 429 || e.Status >= 500
}
