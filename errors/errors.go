// Package errors provides a standard error definition for use in
// locus. Each error is assigned a class of error (kind) and an
// operation with optional arguments. Errors may be chained, and thus
// can be used to annotate upstream errors.
//
// The kinds distinguish the failure classes the scheduling engine must
// keep apart: a datum that is not registered (NotExist) is different
// from a datum whose location cannot be resolved (Unlocatable);
// insufficient resources (ResourcesExhausted) is expected and
// recoverable while a task no worker can ever host (Unschedulable) is
// fatal to that task.
//
// Errors may be serialized to- and deserialized from JSON, and thus
// shipped across the transport boundary.
//
// Package errors provides functions Errorf and New as convenience
// constructors, so that users need import only one error package.
package errors

import (
	"bytes"
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Separator is inserted between chained errors while rendering.
// The default value (":\n\t") is intended for interactive tools. A
// server can set this to a different value to be more log friendly.
var Separator = ":\n\t"

// Kind denotes the type of the error. The error's kind is used to
// render the error message and also for interpretation.
type Kind int

const (
	// Other denotes an unknown error.
	Other Kind = iota
	// Canceled denotes a cancellation error.
	Canceled
	// Timeout denotes a timeout error.
	Timeout
	// Temporary denotes a transient error.
	Temporary
	// NotExist denotes a reference to logical data (or another
	// resource) that is not registered.
	NotExist
	// Exists denotes an attempt to create something that already exists.
	Exists
	// NotSupported indicates the operation was not supported.
	NotSupported
	// TooManyTries indicates that the operation was retried too many times.
	TooManyTries
	// ResourcesExhausted indicates that there were insufficient resources.
	ResourcesExhausted
	// Unschedulable indicates that no worker can ever host a task.
	Unschedulable
	// Unlocatable indicates that the locations of a datum could not be
	// retrieved, for example because the persistent storage backend
	// failed. It is distinct from NotExist.
	Unlocatable
	// Execution indicates that an invoked implementation failed: it
	// exited with a nonzero value or raised an exception.
	Execution
	// Unavailable denotes that a resource is temporarily unavailable.
	Unavailable
	// Fatal denotes an unrecoverable error.
	Fatal
	// Invalid indicates an invalid state or data.
	Invalid
	// Precondition indicates that a precondition was not met.
	Precondition

	maxKind
)

var kinds = [maxKind]struct {
	name, desc string
}{
	Other:              {"Other", "unknown error"},
	Canceled:           {"Canceled", "canceled"},
	Timeout:            {"Timeout", "timeout"},
	Temporary:          {"Temporary", "temporary"},
	NotExist:           {"NotExist", "resource does not exist"},
	Exists:             {"Exists", "resource already exists"},
	NotSupported:       {"NotSupported", "operation not supported"},
	TooManyTries:       {"TooManyTries", "too many tries"},
	ResourcesExhausted: {"ResourcesExhausted", "resources exhausted"},
	Unschedulable:      {"Unschedulable", "no compatible worker"},
	Unlocatable:        {"Unlocatable", "cannot retrieve locations"},
	Execution:          {"Execution", "execution failed"},
	Unavailable:        {"Unavailable", "unavailable"},
	Fatal:              {"Fatal", "fatal"},
	Invalid:            {"Invalid", "invalid"},
	Precondition:       {"Precondition", "precondition failed"},
}

var string2kind = func() map[string]Kind {
	m := make(map[string]Kind)
	for k := Other; k < maxKind; k++ {
		m[kinds[k].name] = k
	}
	return m
}()

// String renders a human-readable description of kind k.
func (k Kind) String() string {
	if k < Other || k >= maxKind {
		return kinds[Other].desc
	}
	return kinds[k].desc
}

// Error defines a locus error. It is used to indicate an error
// associated with an operation (and arguments), and may wrap another
// error.
//
// Errors should be constructed by errors.E.
type Error struct {
	// Kind is the error's type.
	Kind Kind
	// Op is a one-word description of the operation that errored.
	Op string
	// Arg is an (optional) list of arguments to the operation.
	Arg []string
	// Err is this error's underlying error: this error is caused
	// by Err.
	Err error
}

// E is used to construct errors. E constructs errors from a set of
// arguments; each of which must be one of the following types:
//
//	string
//		The first string argument is taken as the error's Op; subsequent
//		arguments are taken as the error's Arg.
//	fmt.Stringer
//		Taken as an Arg.
//	Kind
//		Taken as the error's Kind.
//	error
//		Taken as the error's underlying error.
//
// If a Kind is provided, there is no further processing. If not, and
// an underlying error is provided, E attempts to interpret it as
// follows: (1) If the underlying  error is another *Error, and there
// is no Kind argument, the Kind is inherited from the *Error. (2) If
// the underlying error has method Timeout() bool, it is invoked, and
// if it returns true, the error's kind is set to Timeout. (3) If the
// underlying error has method Temporary() bool, it is invoked, and
// if it returns true, the error's kind is set to Temporary. (4) If
// the underyling error is context.Canceled, the error's kind is set
// to Canceled. (5) If the underlying error is an os.IsNotExist
// error, the error's kind is set to NotExist.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("no args")
	}
	e := new(Error)
	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			if e.Op == "" {
				e.Op = arg
			} else {
				e.Arg = append(e.Arg, arg)
			}
		case Kind:
			e.Kind = arg
		case *Error:
			copy := *arg
			e.Err = &copy
		case error:
			e.Err = arg
		case fmt.Stringer:
			e.Arg = append(e.Arg, arg.String())
		default:
			_, file, line, _ := runtime.Caller(1)
			e.Arg = append(e.Arg, fmt.Sprintf("illegal (%T %v from %s:%d)", arg, arg, filepath.Base(file), line))
		}
	}
	if e.Err == nil {
		return e
	}
	switch prev := e.Err.(type) {
	case *Error:
		if prev.Kind == e.Kind || e.Kind == Other {
			e.Kind = prev.Kind
			prev.Kind = Other
		}
		if prev.Op == "" && prev.Kind == Other {
			e.Err = prev.Err
		}
	default:
		if e.Kind != Other {
			break
		}
		switch err := e.Err.(type) {
		case interface {
			Timeout() bool
		}:
			if err.Timeout() {
				e.Kind = Timeout
			}
		case interface {
			Temporary() bool
		}:
			if err.Temporary() {
				e.Kind = Temporary
			}
		default:
			switch {
			case err == context.Canceled:
				e.Kind = Canceled
			case os.IsNotExist(err):
				e.Kind = NotExist
			}
		}
	}
	return e
}

func pad(b *bytes.Buffer, s string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(s)
}

// Error renders this error and its chain of underlying errors,
// separated by Separator.
func (e *Error) Error() string {
	return e.ErrorSeparator(Separator)
}

// ErrorSeparator renders this errors and its chain of underlying
// errors, separated by sep.
func (e *Error) ErrorSeparator(sep string) string {
	if e == nil {
		return "<nil>"
	}
	b := new(bytes.Buffer)
	if e.Op != "" {
		b.WriteString(e.Op)
		for i := range e.Arg {
			b.WriteString(" " + e.Arg[i])
		}
	}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		if err, ok := e.Err.(*Error); ok {
			pad(b, sep)
			b.WriteString(err.ErrorSeparator(sep))
		} else {
			pad(b, ": ")
			b.WriteString(e.Err.Error())
		}
	}
	return b.String()
}

// Unwrap returns the underlying error, so that *Error cooperates
// with the standard library's errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Timeout tells whether this error is a timeout error.
func (e *Error) Timeout() bool {
	return e.Kind == Timeout
}

// Temporary tells whether this error is temporary.
func (e *Error) Temporary() bool {
	return e.Kind == Temporary || e.Kind == Unavailable
}

// Errorf is an alternate spelling of fmt.Errorf.
var Errorf = fmt.Errorf

// New is an alternate spelling of errors.New.
var New = goerrors.New

// Recover recovers any error into an *Error. If the passed-in Error
// is already an error, it is simply returned; otherwise it is wrapped.
func Recover(err error) *Error {
	if err == nil {
		return nil
	}
	if err, ok := err.(*Error); ok {
		return err
	}
	return E(err).(*Error)
}

// Copy creates a shallow copy of Error e.
func (e *Error) Copy() *Error {
	f := new(Error)
	*f = *e
	return f
}

// Is tells whether an error has a specified kind, except for the
// indeterminate kind Other. In the case an error has kind Other, the
// chain is traversed until a non-Other error is encountered.
func Is(kind Kind, err error) bool {
	if err == nil {
		return false
	}
	return is(kind, Recover(err))
}

func is(kind Kind, e *Error) bool {
	if e.Kind != Other {
		return e.Kind == kind
	}
	// Plain errors were classified when they were wrapped.
	var e2 *Error
	if e.Err != nil && goerrors.As(e.Err, &e2) {
		return is(kind, e2)
	}
	return false
}

type jsonError struct {
	Op    string
	Arg   []string
	Kind  string
	Cause *jsonError `json:",omitempty"`
	Error string
}

func (j *jsonError) toError() error {
	if j == nil {
		return nil
	}
	if j.Error != "" {
		return New(j.Error)
	}
	var args []interface{}
	args = append(args, j.Op)
	for _, arg := range j.Arg {
		args = append(args, arg)
	}
	args = append(args, string2kind[j.Kind])
	if j.Cause != nil {
		args = append(args, j.Cause.toError())
	}
	return E(args...)
}

func toJSON(err error) *jsonError {
	switch e := err.(type) {
	case *Error:
		j := &jsonError{
			Op:   e.Op,
			Arg:  e.Arg,
			Kind: kinds[e.Kind].name,
		}
		if e.Err != nil {
			j.Cause = toJSON(e.Err)
		}
		return j
	default:
		return &jsonError{Error: err.Error()}
	}
}

// MarshalJSON implements JSON marshalling for Error.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(toJSON(e))
}

// UnmarshalJSON implements JSON unmarshalling for Error.
func (e *Error) UnmarshalJSON(b []byte) error {
	var ej jsonError
	if err := json.Unmarshal(b, &ej); err != nil {
		return err
	}
	e2, ok := ej.toError().(*Error)
	if !ok {
		return Errorf("expected *Error, got %T", e2)
	}
	*e = *e2
	return nil
}

// Match compares err1 with err2. If err1 has type Kind, Match
// reports whether err2's Kind is the same, otherwise, Match checks
// that every nonempty field in err1 has the same value in err2. If
// err1 is an *Error with a non-nil Err field, Match recurs to check
// that the two errors chain of underlying errors also match.
func Match(err1 interface{}, err2 error) bool {
	e2 := Recover(err2)
	if e2 == nil {
		return false
	}
	switch e1 := err1.(type) {
	default:
		return false
	case Kind:
		return e1 == e2.Kind
	case *Error:
		if e1.Op != "" && e2.Op != e1.Op {
			return false
		}
		if len(e1.Arg) != len(e2.Arg) {
			return false
		}
		for i := range e1.Arg {
			if e1.Arg[i] != e2.Arg[i] {
				return false
			}
		}
		if e1.Kind != Other && e2.Kind != e1.Kind {
			return false
		}
		if e1.Err != nil {
			if _, ok := e1.Err.(*Error); ok {
				return Match(e1.Err, e2.Err)
			}
			if e2.Err == nil || e2.Err.Error() != e1.Err.Error() {
				return false
			}
		}
		return true
	}
}

// Transient tells whether error err is likely transient, and thus may
// be usefully retried by the caller that observed it.
func Transient(err error) bool {
	switch Recover(err).Kind {
	case Canceled, Timeout, Temporary, TooManyTries, Unavailable:
		return true
	default:
		return false
	}
}

// Restartable tells whether an action that failed with error err
// may be rescheduled. Cancellation, fatal, invalid and unschedulable
// errors are final; everything else, including errors of unknown
// kind, may be retried subject to the caller's retry policy.
// Restartable inspects the first non-Other kind in the error chain.
func Restartable(err error) bool {
	if err == nil {
		return false
	}
	e := Recover(err)
	for e.Kind == Other && e.Err != nil {
		if _, ok := e.Err.(*Error); !ok {
			break
		}
		e = e.Err.(*Error)
	}
	switch e.Kind {
	case Canceled, Fatal, Invalid, Unschedulable, NotSupported, Precondition, NotExist, Unlocatable:
		return false
	default:
		return true
	}
}
