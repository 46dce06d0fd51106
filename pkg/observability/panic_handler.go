package observability

import (
	"fmt"
	"runtime/debug"
)

// PanicError is returned by RecoverError when a panic was converted to an
// error. Stack is only meant for logs and diagnostics, never for callers.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// RecoverPanic recovers from a panic and logs it with its stack.
// Must be called directly in a defer statement.
//
//	defer observability.RecoverPanic(logger, "alert fan-out")
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logger.WithField("panic", fmt.Sprint(r)).
			WithField("stack", string(debug.Stack())).
			WithField("context", where).
			Error("PANIC recovered")
	}
}

// RecoverError converts a recovered value into a *PanicError.
//
//	defer func() {
//	    if perr := observability.RecoverError(recover()); perr != nil {
//	        err = perr
//	    }
//	}()
func RecoverError(r interface{}) *PanicError {
	if r == nil {
		return nil
	}
	return &PanicError{Value: r, Stack: debug.Stack()}
}
