// Package ot holds the edit primitives shared by the sequencer and the sync
// session: the Insert/Delete operation, the single-hunk diff that produces
// operations from two versions of a text, and the functions that apply an
// operation to a text or to a cursor offset.
//
// All positions and lengths count Unicode code points, not bytes.
package ot

import (
	"errors"
	"fmt"
)

// Kind discriminates the two operation shapes.
type Kind string

const (
	Insert Kind = "insert"
	Delete Kind = "delete"
)

var (
	// ErrInvalidOperation is returned for operations that are malformed
	// regardless of the text they are applied to.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrOutOfRange is returned when an operation reaches outside the text it
	// is applied to. Callers treat it as a desync, never as something to clamp.
	ErrOutOfRange = errors.New("operation out of range")
)

// Operation is a single edit. Insert uses Text, Delete uses Length.
type Operation struct {
	Type     Kind   `json:"type"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`
	Length   int    `json:"length,omitempty"`
}

// NewInsert returns an operation inserting text at pos.
func NewInsert(pos int, text string) Operation {
	return Operation{Type: Insert, Position: pos, Text: text}
}

// NewDelete returns an operation removing n characters starting at pos.
func NewDelete(pos, n int) Operation {
	return Operation{Type: Delete, Position: pos, Length: n}
}

// Validate checks the shape of op without looking at any text.
func (op Operation) Validate() error {
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, op.Position)
	}
	switch op.Type {
	case Insert:
		if op.Text == "" {
			return fmt.Errorf("%w: empty insert", ErrInvalidOperation)
		}
	case Delete:
		if op.Length <= 0 {
			return fmt.Errorf("%w: delete length %d", ErrInvalidOperation, op.Length)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	return nil
}

// Size is the number of characters the operation inserts or removes.
func (op Operation) Size() int {
	if op.Type == Insert {
		return runeLen(op.Text)
	}
	return op.Length
}

func (op Operation) String() string {
	if op.Type == Insert {
		return fmt.Sprintf("insert(%d,%q)", op.Position, op.Text)
	}
	return fmt.Sprintf("delete(%d,%d)", op.Position, op.Length)
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
