package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

// Structural faults. They indicate a bug in the code producer, never in the
// program, and abort the execution.
var (
	ErrMalformedCode     = errors.New("vm: malformed code")
	ErrUnsupportedOpcode = errors.New("vm: unsupported opcode")
)

// Guarded runtime faults reported by the shared ALU and heap helpers. The
// baseline interpreter turns them into thrown exceptions.
var (
	ErrDivideByZero      = errors.New("/ by zero")
	ErrNullPointer       = errors.New("null dereference")
	ErrIndexOutOfBounds  = errors.New("array index out of bounds")
	ErrNegativeArraySize = errors.New("negative array size")
	ErrClassCast         = errors.New("bad cast")
)

// IsFault reports whether err is one of the guarded runtime faults.
func IsFault(err error) bool {
	return errors.Is(err, ErrDivideByZero) ||
		errors.Is(err, ErrNullPointer) ||
		errors.Is(err, ErrIndexOutOfBounds) ||
		errors.Is(err, ErrNegativeArraySize) ||
		errors.Is(err, ErrClassCast)
}

// ---------------------------------------------------------------------------
// Fatal signalling (uses Go panic/recover like SignaledException)
// ---------------------------------------------------------------------------

// fatalError is panicked by Abort and recovered by RecoverFatal.
type fatalError struct {
	err error
}

// Abort terminates the running execution with err. Resume and the trace
// interpreter recover it and return err to their caller.
func Abort(err error) {
	panic(fatalError{err: err})
}

func malformed(format string, args ...any) {
	Abort(fmt.Errorf("%w: %s", ErrMalformedCode, fmt.Sprintf(format, args...)))
}

// RecoverFatal converts a pending Abort or uncaught exception panic into an
// error. It must be deferred directly:
//
//	defer vm.RecoverFatal(&err)
func RecoverFatal(errp *error) {
	switch r := recover().(type) {
	case nil:
	case fatalError:
		*errp = r.err
	case *Exception:
		*errp = r
	default:
		panic(r)
	}
}

// ---------------------------------------------------------------------------
// Thrown values
// ---------------------------------------------------------------------------

// Exception is an exception that escaped every handler. It is returned by
// Execute and may be returned by a NativeFunc to throw at its call site.
type Exception struct {
	Value Value    // the thrown object
	Site  Location // where it was raised
}

func (e *Exception) Error() string {
	return fmt.Sprintf("uncaught %s at %s", e.Value, e.Site)
}

// Class returns the class of the thrown object.
func (e *Exception) Class() *Class {
	if o := e.Value.Object(); o != nil {
		return o.Class
	}
	return nil
}

// ---------------------------------------------------------------------------
// Universe: built-in throwable classes
// ---------------------------------------------------------------------------

// Universe holds the classes the interpreter itself instantiates.
type Universe struct {
	Throwable                      *Class
	Exception                      *Class
	RuntimeException               *Class
	ArithmeticException            *Class
	NullPointerException           *Class
	ArrayIndexOutOfBoundsException *Class
	NegativeArraySizeException     *Class
	ClassCastException             *Class
	StackOverflowError             *Class
}

// NewUniverse builds the throwable hierarchy.
func NewUniverse() *Universe {
	u := &Universe{}
	u.Throwable = NewClass("Throwable", nil)
	u.Exception = NewClass("Exception", u.Throwable)
	u.RuntimeException = NewClass("RuntimeException", u.Exception)
	u.ArithmeticException = NewClass("ArithmeticException", u.RuntimeException)
	u.NullPointerException = NewClass("NullPointerException", u.RuntimeException)
	u.ArrayIndexOutOfBoundsException = NewClass("ArrayIndexOutOfBoundsException", u.RuntimeException)
	u.NegativeArraySizeException = NewClass("NegativeArraySizeException", u.RuntimeException)
	u.ClassCastException = NewClass("ClassCastException", u.RuntimeException)
	u.StackOverflowError = NewClass("StackOverflowError", u.Throwable)
	return u
}

// ClassFor maps a guarded runtime fault to its exception class. It returns
// nil for any other error.
func (u *Universe) ClassFor(err error) *Class {
	switch {
	case errors.Is(err, ErrDivideByZero):
		return u.ArithmeticException
	case errors.Is(err, ErrNullPointer):
		return u.NullPointerException
	case errors.Is(err, ErrIndexOutOfBounds):
		return u.ArrayIndexOutOfBoundsException
	case errors.Is(err, ErrNegativeArraySize):
		return u.NegativeArraySizeException
	case errors.Is(err, ErrClassCast):
		return u.ClassCastException
	}
	return nil
}

// NewThrowable allocates an instance of c carrying msg.
func (u *Universe) NewThrowable(c *Class, msg string) Value {
	o := NewObject(c)
	o.Message = msg
	return Ref(o)
}
