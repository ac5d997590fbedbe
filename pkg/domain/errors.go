package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound      = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrPasteExpired       = NewErr("PASTE_EXPIRED", "paste expired", http.StatusGone)
	ErrPasswordRequired   = NewErr("PASSWORD_REQUIRED", "password required", http.StatusUnauthorized)
	ErrWrongPassword      = NewErr("WRONG_PASSWORD", "wrong password", http.StatusUnauthorized)
	ErrPasteTooLarge      = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusBadRequest)
	ErrContentRequired    = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest)
	ErrInvalidExpiry      = NewErr("INVALID_EXPIRY", "expires_in out of range", http.StatusBadRequest)
	ErrInvalidPassword    = NewErr("INVALID_PASSWORD", "password length out of range", http.StatusBadRequest)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrUnsupportedMedia   = NewErr("UNSUPPORTED_MEDIA_TYPE", "expected Content-Type: application/json", http.StatusUnsupportedMediaType)
	ErrConflict           = NewErr("SHORTLINK_CONFLICT", "shortlink already taken", http.StatusInternalServerError)
	ErrBackendUnavailable = NewErr("BACKEND_UNAVAILABLE", "storage backend unavailable", http.StatusServiceUnavailable)
	ErrShuttingDown       = NewErr("SHUTTING_DOWN", "service shutting down", http.StatusServiceUnavailable)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
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

// ErrResp is the JSON body of every error response.
type ErrResp struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// Unavailable tags err as a backend failure while keeping the original
// cause in the message chain.
func Unavailable(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &backendErr{cause: errors.Wrap(err, msg)}
}

type backendErr struct {
	cause error
}

func (e *backendErr) Error() string { return e.cause.Error() }
func (e *backendErr) Unwrap() error { return e.cause }
func (e *backendErr) Is(target error) bool {
	return target == ErrBackendUnavailable
}
func (e *backendErr) Cause() error { return ErrBackendUnavailable }

func asErr(err error) (*Err, bool) {
	if e, ok := err.(*Err); ok {
		return e, true
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ToResp never exposes the wrapped cause, only the sentinel's message.
func ToResp(err error, requestID string) ErrResp {
	e, ok := asErr(err)
	if !ok {
		e = ErrInternalServer
	}
	return ErrResp{Error: e.Msg, Code: e.Code, RequestID: requestID}
}
func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// Known reports whether err carries one of the sentinel errors above.
func Known(err error) bool {
	_, ok := asErr(err)
	return ok
}
