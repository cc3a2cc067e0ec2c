package renderer

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindMissingOption Kind = iota + 1
	KindInvalidURLTemplate
	KindUnsupportedFormat
	KindLayerTypeMismatch
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindMissingOption:
		return "MissingOption"
	case KindInvalidURLTemplate:
		return "InvalidUrlTemplate"
	case KindUnsupportedFormat:
		return "UnsupportedFormat"
	case KindLayerTypeMismatch:
		return "LayerTypeMismatch"
	case KindTimeout:
		return "Timeout"
	}
	return "Unknown"
}

// Error is a renderer configuration or limit error. Msg is the stable
// user-facing wording.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Is matches any *Error of the same kind, so the sentinels below work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrMissingOption      = &Error{Kind: KindMissingOption, Msg: "missing option"}
	ErrInvalidURLTemplate = &Error{Kind: KindInvalidURLTemplate, Msg: "Invalid urlTemplate"}
	ErrUnsupportedFormat  = &Error{Kind: KindUnsupportedFormat, Msg: "unsupported format"}
	ErrLayerTypeMismatch  = &Error{Kind: KindLayerTypeMismatch, Msg: "layer type mismatch"}
	ErrTimeout            = &Error{Kind: KindTimeout, Msg: "Render timed out"}
)

func Errorf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// MissingProperty is returned when torque CartoCSS lacks a required
// Map property.
func MissingProperty(name string) *Error {
	return Errorf(KindMissingOption, "Missing required property '%s' in torque layer CartoCSS", name)
}

// HTTPStatus maps an error onto the status the HTTP layer answers with.
// Configuration errors are the caller's fault; timeouts ask the client to
// back off.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindTimeout {
			return http.StatusTooManyRequests
		}
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// IsConfigError reports errors that retrying cannot fix.
func IsConfigError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind != KindTimeout
}
