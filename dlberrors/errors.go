// Package dlberrors defines the stable numeric error codes the engine
// surfaces at its boundary, matching the codes external callers (the
// MPI interposer, admin tools) are written against.
package dlberrors

import "fmt"

// Code is a stable, boundary-facing error code. Negative values are
// failures; non-negative values are informational outcomes that still
// flow back through error returns so callers can't forget to check them.
type Code int

const (
	SUCCESS Code = 0
	NOTED   Code = 1
	NOUPDT  Code = 2

	UNKNOWN Code = -1
	NOINIT  Code = -2
	NOSHMEM Code = -5
	NOPROC  Code = -6
	PDIRTY  Code = -7
	PERM    Code = -8
	TIMEOUT Code = -9
	NOMEM   Code = -14
)

var names = map[Code]string{
	SUCCESS: "SUCCESS",
	NOTED:   "NOTED",
	NOUPDT:  "NOUPDT",
	UNKNOWN: "UNKNOWN",
	NOINIT:  "NOINIT",
	NOSHMEM: "NOSHMEM",
	NOPROC:  "NOPROC",
	PDIRTY:  "PDIRTY",
	PERM:    "PERM",
	TIMEOUT: "TIMEOUT",
	NOMEM:   "NOMEM",
}

// String implements fmt.Stringer.
func (c Code) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error implements the error interface so a Code can be returned
// directly wherever Go idiom expects an error. Non-failure codes
// (SUCCESS, NOTED, NOUPDT) are valid errors too -- callers distinguish failure
// from informational outcomes with Failed, not a nil check.
func (c Code) Error() string {
	return c.String()
}

// Failed reports whether the code represents a negative (failure)
// outcome, as opposed to an informational one (SUCCESS/NOTED/NOUPDT).
func (c Code) Failed() bool {
	return c < 0
}

// Of extracts a Code from err, returning (UNKNOWN, false) if err does
// not carry one.
func Of(err error) (Code, bool) {
	if err == nil {
		return SUCCESS, true
	}
	if c, ok := err.(Code); ok {
		return c, true
	}
	return UNKNOWN, false
}

// Wrap turns a Code into an error, returning nil for SUCCESS so it can
// be used at a conventional Go call site: `if err := dlberrors.Wrap(c); err != nil`.
// Use Of/the raw Code directly when NOTED/NOUPDT must be distinguished
// from a nil error.
func Wrap(c Code) error {
	if c == SUCCESS {
		return nil
	}
	return c
}
