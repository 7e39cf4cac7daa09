// Package errors provides coded errors. Every package declares its codes in
// its own errors.go and builds errors through a Factory.
package errors

import (
	"errors"
	"fmt"
)

var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

// ErrorCode identifies an error condition. Package codes carry the package
// name as prefix, e.g. "dvfs_invalid_table".
type ErrorCode string

// Error is a coded error with an optional cause, message and payload.
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}

type codedError struct {
	code  ErrorCode
	msg   string
	cause error
	data  any
}

func (e *codedError) Error() string {
	msg := e.msg
	if msg == "" {
		msg = GetErrorMessage(e.code)
	}

	switch {
	case e.data != nil:
		return fmt.Sprintf("%s: %v", msg, e.data)
	case e.cause != nil:
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}

	return msg
}

func (e *codedError) Code() ErrorCode { return e.code }
func (e *codedError) GetData() any    { return e.data }
func (e *codedError) Unwrap() error   { return e.cause }

// WithMessage and WithData return copies; the receiver is never mutated.
func (e *codedError) WithMessage(msg string) Error {
	c := *e
	c.msg = msg
	return &c
}

func (e *codedError) WithData(data any) Error {
	c := *e
	c.data = data
	return &c
}

// Is matches a code target, so errors.Is finds a code anywhere in a tree
// of wrapped or aggregated errors.
func (e *codedError) Is(target error) bool {
	t, ok := target.(codeTarget)
	return ok && ErrorCode(t) == e.code
}

type codeTarget ErrorCode

func (c codeTarget) Error() string { return string(c) }

type factory struct{}

// New returns the Factory used throughout the module.
func New() Factory {
	return factory{}
}

func (factory) New(code ErrorCode) Error {
	return &codedError{code: code}
}

func (factory) Wrap(code ErrorCode, err error) Error {
	return &codedError{code: code, cause: err}
}

func (factory) WithMessage(code ErrorCode, msg string) Error {
	return &codedError{code: code, msg: msg}
}

func (factory) WithData(code ErrorCode, data any) Error {
	return &codedError{code: code, data: data}
}

// HasCode reports whether any error in err's tree carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return errors.Is(err, codeTarget(code))
}

// CodeOf returns the code of the outermost coded error in err's chain.
func CodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code()
	}

	return ""
}
