package orchestrator

import (
	"errors"
	"fmt"
	"net/http"

	"gorm.io/gorm"

	"github.com/vahid162/Smite/internal/nodeclient"
)

// Kind classifies orchestration failures for API mapping and retry
// decisions.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindNodeUnreachable Kind = "node_unreachable"
	KindEngineFailure   Kind = "engine_failure"
	KindQuotaExceeded   Kind = "quota_exceeded"
	KindInternal        Kind = "internal"
)

// Error is a classified orchestration failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg != "" {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the classification, mapping common causes when the
// error was never classified explicitly.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return KindNotFound
	}
	return KindInternal
}

// HTTPStatus maps an error kind to a response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindNodeUnreachable:
		return http.StatusBadGateway
	case KindEngineFailure:
		return http.StatusBadGateway
	case KindQuotaExceeded:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// classifyNodeErr maps a node RPC failure: a node that never answered is
// unreachable, a 4xx means the node rejected the spec, anything else is
// the engine falling over.
func classifyNodeErr(err error, nodeName string) *Error {
	code := nodeclient.StatusCode(err)
	switch {
	case code == 0:
		return Wrap(KindNodeUnreachable, err, "node %s unreachable", nodeName)
	case code >= 400 && code < 500:
		return Wrap(KindValidation, err, "node %s rejected the endpoint", nodeName)
	default:
		return Wrap(KindEngineFailure, err, "engine failed on node %s", nodeName)
	}
}
