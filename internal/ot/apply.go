package ot

import "fmt"

// Apply returns text with op applied. Operations that reach outside text are
// rejected with ErrOutOfRange and text is returned unchanged.
func Apply(text string, op Operation) (string, error) {
	if err := op.Validate(); err != nil {
		return text, err
	}
	r := []rune(text)
	switch op.Type {
	case Insert:
		if op.Position > len(r) {
			return text, fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, op.Position, len(r))
		}
		return string(r[:op.Position]) + op.Text + string(r[op.Position:]), nil
	default:
		end := op.Position + op.Length
		if end > len(r) {
			return text, fmt.Errorf("%w: delete [%d,%d), length %d", ErrOutOfRange, op.Position, end, len(r))
		}
		return string(r[:op.Position]) + string(r[end:]), nil
	}
}

// ApplyAll applies ops in order. On error the text as it was before the
// failing operation is returned.
func ApplyAll(text string, ops []Operation) (string, error) {
	for i, op := range ops {
		next, err := Apply(text, op)
		if err != nil {
			return text, fmt.Errorf("operation %d: %w", i, err)
		}
		text = next
	}
	return text, nil
}

// CheckBounds reports whether op fits inside text without applying it.
func CheckBounds(text string, op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	n := runeLen(text)
	switch op.Type {
	case Insert:
		if op.Position > n {
			return fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, op.Position, n)
		}
	default:
		if op.Position+op.Length > n {
			return fmt.Errorf("%w: delete [%d,%d), length %d", ErrOutOfRange, op.Position, op.Position+op.Length, n)
		}
	}
	return nil
}

// TransformCursor moves cursor so it keeps pointing at the same logical
// character after op has been applied to the text it lives in.
func TransformCursor(cursor int, op Operation) int {
	switch op.Type {
	case Insert:
		if cursor >= op.Position {
			return cursor + runeLen(op.Text)
		}
	case Delete:
		end := op.Position + op.Length
		if cursor >= end {
			return cursor - op.Length
		}
		if cursor > op.Position {
			// Inside the deleted span.
			return op.Position
		}
	}
	return cursor
}
