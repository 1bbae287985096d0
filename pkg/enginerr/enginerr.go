// Package enginerr defines the typed errors the import and merge engines
// surface to callers. Every error carries a kind plus enough context (job id,
// row index, vendor ids) for the caller to render precise remediation.
package enginerr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

// Kind classifies an engine error.
type Kind string

const (
	// KindStaleJobState means a job status transition was attempted from the
	// wrong prior status (double submit, concurrent pipeline runs).
	KindStaleJobState Kind = "stale_job_state"
	// KindPendingGovernance means a job cannot apply while lookup candidates
	// are still pending review.
	KindPendingGovernance Kind = "pending_governance"
	// KindAlreadyExecuted means a merge event was already executed.
	KindAlreadyExecuted Kind = "already_executed"
	// KindMergeInProgress means another merge holds an overlapping vendor set.
	KindMergeInProgress Kind = "merge_in_progress"
	// KindProfileConflict means concurrent mapping profile upserts diverged.
	KindProfileConflict Kind = "profile_conflict"
	// KindValidation covers bad row shapes and missing merge decisions.
	KindValidation Kind = "validation"
	// KindIntegrity covers natural-key ambiguity and failed reference
	// rewiring; the enclosing transaction is rolled back.
	KindIntegrity Kind = "integrity"
)

// EngineError is a structured engine failure.
type EngineError struct {
	Kind    Kind
	Message string
	Meta    map[string]any
	wrapped error
}

func New(kind Kind, msg string) *EngineError {
	return &EngineError{
		Kind:    kind,
		Message: msg,
		Meta:    map[string]any{},
	}
}

func Newf(kind Kind, format string, args ...any) *EngineError {
	return New(kind, fmt.Sprintf(format, args...))
}

func Wrap(kind Kind, msg string, err error) *EngineError {
	e := New(kind, msg)
	e.wrapped = err
	return e
}

func (e *EngineError) Error() string {
	if e.wrapped != nil {
		return e.Message + ": " + e.wrapped.Error()
	}
	return e.Message
}

func (e *EngineError) Unwrap() error {
	return e.wrapped
}

// WithMeta attaches a context value to the error and returns it for chaining.
func (e *EngineError) WithMeta(key string, value any) *EngineError {
	e.Meta[key] = value
	return e
}

func IsEngineError(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}

// IsKind reports whether err is an EngineError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ee *EngineError
	if !errors.As(err, &ee) {
		return false
	}
	return ee.Kind == kind
}

// ToHTTPError maps an engine error onto the API boundary contract:
// state conflicts are 409, governance blocks are 422, validation is 400,
// integrity failures are 500.
func ToHTTPError(err error) *httperror.HTTPError {
	var ee *EngineError
	if !errors.As(err, &ee) {
		return httperror.WrapError(http.StatusInternalServerError, err)
	}

	status := http.StatusInternalServerError
	switch ee.Kind {
	case KindStaleJobState, KindAlreadyExecuted, KindMergeInProgress, KindProfileConflict:
		status = http.StatusConflict
	case KindPendingGovernance:
		status = http.StatusUnprocessableEntity
	case KindValidation:
		status = http.StatusBadRequest
	}

	httperr := httperror.NewHTTPError(status, ee.Message).AddMetaValue("kind", string(ee.Kind))
	for k, v := range ee.Meta {
		httperr = httperr.AddMetaValue(k, v)
	}
	return httperr
}
