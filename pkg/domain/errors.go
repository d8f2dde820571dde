package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound     = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrPasteTooLarge     = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusRequestEntityTooLarge)
	ErrContentRequired   = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest)
	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrRateLimitExceeded = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrIOFault           = NewErr("IO_FAULT", "something went wrong", http.StatusInternalServerError)
	ErrInternalServer    = NewErr("INTERNAL_ERROR", "something went wrong", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// IOFault wraps an unexpected filesystem or stream error so that callers can
// match it with errors.Is(err, ErrIOFault) while the cause stays in the chain
// for logging.
func IOFault(cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &fault{cause: errors.Wrap(cause, msg)}
}

type fault struct {
	cause error
}

func (f *fault) Error() string        { return f.cause.Error() }
func (f *fault) Unwrap() error        { return f.cause }
func (f *fault) Is(target error) bool { return target == ErrIOFault }

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string `json:"code"`
	Msg  string `json:"message"`
}

func ToResp(err error) ErrResp {
	if e := asErr(err); e != nil {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: ErrInternalServer.Code, Msg: ErrInternalServer.Msg}}
}
func Status(err error) int {
	if e := asErr(err); e != nil {
		return e.Status
	}
	return http.StatusInternalServerError
}

// IsNotFound reports whether err means the requested paste does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPasteNotFound)
}

func asErr(err error) *Err {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIOFault) {
		return ErrIOFault
	}
	var e *Err
	if errors.As(err, &e) {
		return e
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e
	}
	return nil
}
