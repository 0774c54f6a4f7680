package extracthtml

import "errors"

// Per-field resolution failures. The extractor recovers all of them locally
// and defaults the field to "".
var (
	ErrAnchorNotFound     = errors.New("anchor not found")
	ErrStructureNotFound  = errors.New("no structure within look-ahead window")
	ErrHeaderNotIndexable = errors.New("table header not indexable")
	ErrRowNotFound        = errors.New("row not found")
	ErrCellOutOfRange     = errors.New("cell out of range")
)

// ErrNilDocument is the only failure surfaced for a whole document.
var ErrNilDocument = errors.New("nil document")
