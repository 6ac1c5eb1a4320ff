package billing

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrPatientNotFound   = &familyError{msg: "patient not found", family: ErrNotFound}
	ErrBillNotFound      = &familyError{msg: "bill not found", family: ErrNotFound}
	ErrPolicyNotFound    = &familyError{msg: "insurance policy not found", family: ErrNotFound}
	ErrInsuranceNotFound = &familyError{msg: "insurance not found for patient", family: ErrNotFound}

	ErrInvalidInput  = errors.New("invalid input")
	ErrEmptyItemList = &familyError{msg: "item list is empty", family: ErrInvalidInput}
	ErrInvalidAmount = &familyError{msg: "invalid amount", family: ErrInvalidInput}
	ErrInvalidTotal  = &familyError{msg: "invalid bill total", family: ErrInvalidInput}

	ErrConflict             = errors.New("conflict")
	ErrDoubleBilling        = &familyError{msg: "clinical event already billed", family: ErrConflict}
	ErrDuplicateTransaction = &familyError{msg: "duplicate transaction id", family: ErrConflict}
	ErrDuplicatePolicy      = &familyError{msg: "insurance provider already exists", family: ErrConflict}
	ErrDuplicateEnrollment  = &familyError{msg: "patient already enrolled with provider", family: ErrConflict}
	ErrConcurrentUpdate     = &familyError{msg: "concurrent update", family: ErrConflict}

	ErrStorageFailure = errors.New("storage failure")
)

// familyError is a sentinel that also matches its family sentinel under
// errors.Is, so callers can test either ErrBillNotFound or ErrNotFound.
type familyError struct {
	msg    string
	family error
}

func (e *familyError) Error() string { return e.msg }

func (e *familyError) Is(target error) bool { return target == e.family }

// isDomainError reports whether err already belongs to one of the families.
func isDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrConflict) || errors.Is(err, ErrStorageFailure)
}
