package store

import (
	"errors"
	"fmt"

	"qms/dispatch-service/internal/models"
)

var (
	ErrTicketNotFound     = errors.New("ticket not found")
	ErrLogNotFound        = errors.New("log entry not found")
	ErrDepartmentNotFound = errors.New("department not found")
	ErrCounterNotFound    = errors.New("counter not found")
	ErrQueueTypeNotFound  = errors.New("queue type not found")
	ErrCaseRoleNotFound   = errors.New("case role not found")
	ErrDisplayNotFound    = errors.New("display not found")

	ErrInvalidTransition = errors.New("invalid ticket state")
	ErrCounterConflict   = errors.New("counter conflict")
	ErrDepartmentInvalid = errors.New("department invalid")
	ErrValidation        = errors.New("validation failed")
)

// TransitionError reports an action that is not legal from the ticket's current state.
type TransitionError struct {
	Action models.ActionType
	Actual models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s not allowed from %s", e.Action, e.Actual)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ConflictError names the ticket and counter that blocked a call.
type ConflictError struct {
	CounterID string
	TicketID  string
}

func (e *ConflictError) Error() string {
	if e.TicketID == "" {
		return fmt.Sprintf("counter %s is busy", e.CounterID)
	}
	return fmt.Sprintf("ticket %s is being served at counter %s", e.TicketID, e.CounterID)
}

func (e *ConflictError) Unwrap() error {
	return ErrCounterConflict
}

// Validation wraps ErrValidation with a field-level message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindInvalidTransition
	KindCounterConflict
	KindDepartmentInvalid
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindCounterConflict:
		return "counter_conflict"
	case KindDepartmentInvalid:
		return "department_invalid"
	case KindValidation:
		return "validation_error"
	default:
		return "internal_error"
	}
}

// KindOf classifies err into the failure taxonomy callers switch on.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrTicketNotFound),
		errors.Is(err, ErrLogNotFound),
		errors.Is(err, ErrCounterNotFound),
		errors.Is(err, ErrQueueTypeNotFound),
		errors.Is(err, ErrCaseRoleNotFound),
		errors.Is(err, ErrDepartmentNotFound),
		errors.Is(err, ErrDisplayNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrCounterConflict):
		return KindCounterConflict
	case errors.Is(err, ErrDepartmentInvalid):
		return KindDepartmentInvalid
	case errors.Is(err, ErrValidation):
		return KindValidation
	default:
		return KindInternal
	}
}

// ActualState extracts the ticket state carried by a transition failure.
func ActualState(err error) (models.Status, bool) {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Actual, true
	}
	return "", false
}
