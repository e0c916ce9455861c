package model

import "errors"

// Error taxonomy. Callers wrap these with fmt.Errorf("...: %w", ErrX) and
// match with errors.Is.
var (
	// ErrDataError marks a malformed or missing candle field. The candle is
	// skipped and processing continues.
	ErrDataError = errors.New("data error")
	// ErrIndicatorNotReady marks insufficient warm-up. Signal generation is
	// suppressed silently.
	ErrIndicatorNotReady = errors.New("indicator not ready")
	// ErrRiskLimitExceeded marks a sizing or margin violation.
	ErrRiskLimitExceeded = errors.New("risk limit exceeded")
	// ErrInvalidTransition marks a state-machine guard violation. Fatal.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrModelTraining marks a failed regime model fit. The detector falls
	// back to rules.
	ErrModelTraining = errors.New("model training failure")
	// ErrPersistence marks repeated store failures. Fatal.
	ErrPersistence = errors.New("persistence failure")

	ErrSignalSuppressed = errors.New("signal suppressed")
	ErrInvalidOrder     = errors.New("invalid order")
	ErrInvalidStatus    = errors.New("invalid status transition")
	ErrNotFound         = errors.New("not found")
)

// Reason codes published on the event stream.
const (
	ReasonDataError         = "data_error"
	ReasonNotReady          = "indicator_not_ready"
	ReasonRiskLimit         = "risk_limit_exceeded"
	ReasonInvalidTransition = "invalid_transition"
	ReasonModelTraining     = "model_training_failure"
	ReasonPersistence       = "persistence_failure"
	ReasonInvalidOrder      = "invalid_order"
	ReasonUnknown           = "internal_error"
)

// ReasonCode maps an error to its stable event reason code.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDataError):
		return ReasonDataError
	case errors.Is(err, ErrIndicatorNotReady):
		return ReasonNotReady
	case errors.Is(err, ErrRiskLimitExceeded):
		return ReasonRiskLimit
	case errors.Is(err, ErrInvalidTransition):
		return ReasonInvalidTransition
	case errors.Is(err, ErrModelTraining):
		return ReasonModelTraining
	case errors.Is(err, ErrPersistence):
		return ReasonPersistence
	case errors.Is(err, ErrInvalidOrder):
		return ReasonInvalidOrder
	}
	return ReasonUnknown
}

// IsFatal reports whether err must halt trading for the symbol.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrPersistence)
}
