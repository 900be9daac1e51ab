package sqlite

import "errors"

// errReceiptNotFound and errSessionNotFound are wrapped into the %w chain
// of the errors returned by lookup methods. They are two distinct values
// with the same text, so errors.Is tells a missing receipt apart from a
// missing session.
var (
	errReceiptNotFound = errors.New("not found")
	errSessionNotFound = errors.New("not found")
)
