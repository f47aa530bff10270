package wire

import "fmt"

// ParseError reports a frame that could not be decoded. Receivers log and
// drop such frames.
type ParseError struct {
	Kind   string // kind tag as received, may be empty
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "unknown"
	}
	if e.Err != nil {
		return fmt.Sprintf("wire: malformed %s frame: %s: %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("wire: malformed %s frame: %s", kind, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErr(kind Kind, reason string, err error) *ParseError {
	return &ParseError{Kind: string(kind), Reason: reason, Err: err}
}
