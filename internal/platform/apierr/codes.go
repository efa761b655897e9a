package apierr

import "net/http"

// Code values mirror the error taxonomy: InvalidRequest,
// InvalidTranscript, DependencyUnavailable, LLMInvalidOutput,
// CitationFailure, DeliveryFailure, Cancelled, InternalError.
const (
	CodeInvalidRequest        = "invalid_request"
	CodeInvalidTranscript     = "invalid_transcript"
	CodeDependencyUnavailable = "dependency_unavailable"
	CodeLLMInvalidOutput      = "llm_invalid_output"
	CodeCitationFailure       = "citation_failure"
	CodeDeliveryFailure       = "delivery_failure"
	CodeCancelled             = "cancelled"
	CodeInternalError         = "internal_error"
)

// Retryable reports whether the recovery policy allows an automatic
// retry for this error code.
func Retryable(code string) bool {
	switch code {
	case CodeDependencyUnavailable, CodeLLMInvalidOutput, CodeCitationFailure:
		return true
	default:
		return false
	}
}

func InvalidRequest(err error) *Error        { return New(http.StatusBadRequest, CodeInvalidRequest, err) }
func InvalidTranscript(err error) *Error     { return New(http.StatusBadRequest, CodeInvalidTranscript, err) }
func DependencyUnavailable(err error) *Error { return New(http.StatusServiceUnavailable, CodeDependencyUnavailable, err) }
func LLMInvalidOutput(err error) *Error      { return New(http.StatusBadGateway, CodeLLMInvalidOutput, err) }
func CitationFailure(err error) *Error       { return New(http.StatusUnprocessableEntity, CodeCitationFailure, err) }
func DeliveryFailure(err error) *Error       { return New(http.StatusBadGateway, CodeDeliveryFailure, err) }
func Cancelled(err error) *Error             { return New(http.StatusGone, CodeCancelled, err) }
func InternalError(err error) *Error         { return New(http.StatusInternalServerError, CodeInternalError, err) }

// Code extracts the taxonomy code from err, if any.
func Code(err error) string {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	}
	if e == nil {
		return ""
	}
	return e.Code
}
