package failfast

import (
	"fmt"
	"reflect"
	"runtime/debug"
)

// Err panics if err != nil (fail-fast principle)
// Includes stack trace for debugging
func Err(err error) {
	if err != nil {
		panic(fmt.Errorf("fail-fast: %w\n%s", err, debug.Stack()))
	}
}

// If panics if condition is false
// Allows formatted messages with args
func If(condition bool, message string, args ...interface{}) {
	if !condition {
		panic(fmt.Errorf("fail-fast: "+message, args...))
	}
}

// NotNil panics if ptr is nil
// Handles both untyped nil and typed nil pointers correctly
func NotNil(ptr interface{}, name string) {
	if ptr == nil {
		panic(fmt.Errorf("fail-fast: %s is nil", name))
	}
	v := reflect.ValueOf(ptr)
	if (v.Kind() == reflect.Ptr || v.Kind() == reflect.Func || v.Kind() == reflect.Interface) && v.IsNil() {
		panic(fmt.Errorf("fail-fast: %s is nil", name))
	}
}

// Positive panics if n <= 0. Used for validating counts and intervals
// at construction time.
func Positive(n int, name string) {
	if n <= 0 {
		panic(fmt.Errorf("fail-fast: %s must be positive, got %d", name, n))
	}
}
