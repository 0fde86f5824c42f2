package errors

// ErrorCode identifies a failure class. Codes are stable strings that cross
// package boundaries: the API layer maps them to HTTP statuses and callers
// branch on them via CodeOf rather than matching message text.
type ErrorCode string

// Error is a coded domain error. Messages are presentation; the code is the
// contract.
type Error interface {
	error
	Code() ErrorCode
	Unwrap() error
}

// Factory constructs coded errors. Packages keep a private factory and attach
// context at the point of failure.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
