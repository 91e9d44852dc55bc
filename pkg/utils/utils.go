package utils

import "fmt"

// Assert panics with the given message when the condition does not hold.
// Used for applier-private invariants that indicate a programming error,
// never for conditions reachable through bad input.
func Assert(condition bool, msg string) {
	if !condition {
		panic(fmt.Sprintf("assertion failed: %s", msg))
	}
}
