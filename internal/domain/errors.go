package domain

import "fmt"

// Error taxonomy for the sync pipeline. The orchestrator uses these to
// decide between degrading to archive-only data and failing the request.

// ErrNotConnected indicates no credentials are available anywhere —
// the operator must complete the OAuth authorization flow.
type ErrNotConnected struct{}

func (e *ErrNotConnected) Error() string {
	return "not connected: no Monzo credentials available"
}

// ErrTokenInvalid indicates credentials existed but the provider rejected
// the refresh — the operator must re-authorize.
type ErrTokenInvalid struct {
	Reason string
}

func (e *ErrTokenInvalid) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("token invalid: %s", e.Reason)
	}
	return "token invalid"
}

// ErrStepUpRequired indicates the provider demands strong customer
// authentication before releasing transaction data. Distinct from an
// invalid token so the UI can explain instead of silently failing.
type ErrStepUpRequired struct{}

func (e *ErrStepUpRequired) Error() string {
	return "step-up authentication required by provider"
}

// ErrProviderUnavailable indicates a non-auth, non-rate-limit failure from
// the transaction API. Soft: callers degrade to partial or cached data.
type ErrProviderUnavailable struct {
	Status int
	Err    error
}

func (e *ErrProviderUnavailable) Error() string {
	return fmt.Sprintf("provider unavailable (status %d): %v", e.Status, e.Err)
}

func (e *ErrProviderUnavailable) Unwrap() error { return e.Err }

// ErrArchiveUnavailable indicates the archive storage is unreachable.
// Never fatal to a sync — the pipeline continues without archive data.
type ErrArchiveUnavailable struct {
	Err error
}

func (e *ErrArchiveUnavailable) Error() string {
	return fmt.Sprintf("archive unavailable: %v", e.Err)
}

func (e *ErrArchiveUnavailable) Unwrap() error { return e.Err }

// ErrValidation indicates a programming-contract violation (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error { return e.Err }
