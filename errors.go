// Copyright 2024 The drinkup-image authors.
// SPDX-License-Identifier: Apache-2.0

package drinkup

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies request failures.  Input kinds are the caller's fault
// and are never retried; transient kinds may be retried by the fetcher
// before they surface; resource kinds are protective limits; internal
// kinds are fatal for the request only.
type Kind int

const (
	// KindInvalidGeometry reports a crop region fully outside the
	// source image.
	KindInvalidGeometry Kind = iota

	// KindUnsupported reports an operation outside configured limits,
	// such as upscaling beyond the maximum multiplier.
	KindUnsupported

	// KindDecode reports an unrecognized or corrupt source payload.
	KindDecode

	// KindEncode reports an encoder failure.  Retrying with identical
	// input gives identical failure, so these are never retried.
	KindEncode

	// KindSourceNotFound reports a source ref that does not resolve.
	KindSourceNotFound

	// KindSourceUnavailable reports a transient fetch failure that
	// persisted through all retry attempts.
	KindSourceUnavailable

	// KindSourceTooLarge reports a source exceeding the configured
	// maximum byte size.
	KindSourceTooLarge

	// KindTransformTimeout reports a transformation that exceeded its
	// wall-clock budget.
	KindTransformTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInvalidGeometry:
		return "invalid geometry"
	case KindUnsupported:
		return "unsupported operation"
	case KindDecode:
		return "decode error"
	case KindEncode:
		return "encode error"
	case KindSourceNotFound:
		return "source not found"
	case KindSourceUnavailable:
		return "source unavailable"
	case KindSourceTooLarge:
		return "source too large"
	case KindTransformTimeout:
		return "transform timeout"
	}
	return "unknown error"
}

// HTTPStatus maps the kind to the response status served for it.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidGeometry, KindUnsupported, KindSourceTooLarge:
		return http.StatusBadRequest
	case KindDecode:
		return http.StatusUnprocessableEntity
	case KindSourceNotFound:
		return http.StatusNotFound
	case KindSourceUnavailable:
		return http.StatusBadGateway
	case KindTransformTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// Error is a classified request error.
type Error struct {
	Kind Kind
	Msg  string // optional detail
	Err  error  // optional cause
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// errKind constructs an Error with a formatted detail message.
func errKind(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// wrapKind classifies an underlying error.
func wrapKind(k Kind, err error) *Error {
	return &Error{Kind: k, Err: err}
}

// IsKind reports whether any error in err's chain is an Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// HTTPStatus returns the status to serve for err: the mapped status for
// classified errors, 500 for anything else.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.HTTPStatus()
	}
	return http.StatusInternalServerError
}
