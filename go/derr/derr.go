// Package derr provides error wrapping which records the call stack at the
// point of wrapping. Use Wrap when passing an error up the stack, Wrapf when
// adding context, and Fmt when creating a new error.
package derr

import (
	"fmt"
	"runtime"
	"strings"
)

// maxStackDepth is the number of stack frames recorded by Wrap and friends.
const maxStackDepth = 32

// StackTrace is one recorded call site.
type StackTrace struct {
	File string
	Line int
}

func (st StackTrace) String() string {
	return fmt.Sprintf("%s:%d", st.File, st.Line)
}

// ErrorWithStack is an error bundled with the call stack of the point where it
// was first wrapped.
type ErrorWithStack struct {
	wrapped error
	msg     string
	stack   []StackTrace
}

// Error implements the error interface. The message includes the innermost
// wrapped error and the call site closest to where it occurred.
func (e *ErrorWithStack) Error() string {
	msg := e.msg
	if e.wrapped != nil {
		msg = e.wrapped.Error()
		if e.msg != "" {
			msg = e.msg + ": " + msg
		}
	}
	if len(e.stack) > 0 {
		msg += " At " + e.stack[0].String()
	}
	return msg
}

// Message returns the error message without call-site decoration.
func (e *ErrorWithStack) Message() string {
	if e.wrapped != nil {
		if e.msg != "" {
			return e.msg + ": " + e.wrapped.Error()
		}
		return e.wrapped.Error()
	}
	return e.msg
}

// Unwrap supports errors.Is and errors.As.
func (e *ErrorWithStack) Unwrap() error {
	return e.wrapped
}

// Stack returns the recorded call stack.
func (e *ErrorWithStack) Stack() []StackTrace {
	return e.stack
}

func callStack(skip int) []StackTrace {
	pc := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip, pc)
	frames := runtime.CallersFrames(pc[:n])
	stack := make([]StackTrace, 0, n)
	for {
		frame, more := frames.Next()
		file := frame.File
		if idx := strings.LastIndexByte(file, '/'); idx >= 0 {
			file = file[idx+1:]
		}
		stack = append(stack, StackTrace{File: file, Line: frame.Line})
		if !more {
			break
		}
	}
	return stack
}

// Wrap adds a stack trace to err if it does not already carry one. Returns nil
// if err is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*ErrorWithStack); ok {
		return err
	}
	return &ErrorWithStack{
		wrapped: err,
		stack:   callStack(3),
	}
}

// Wrapf adds a formatted context message and a stack trace to err. Returns nil
// if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithStack{
		wrapped: err,
		msg:     fmt.Sprintf(format, args...),
		stack:   callStack(3),
	}
}

// Fmt creates a new error with a stack trace, analogous to fmt.Errorf.
func Fmt(format string, args ...interface{}) error {
	return &ErrorWithStack{
		msg:   fmt.Sprintf(format, args...),
		stack: callStack(3),
	}
}

// Unwrap returns the innermost error wrapped by err, or err itself.
func Unwrap(err error) error {
	for {
		e, ok := err.(*ErrorWithStack)
		if !ok || e.wrapped == nil {
			return err
		}
		err = e.wrapped
	}
}
