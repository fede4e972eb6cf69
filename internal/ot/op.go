// Package ot implements the server-side operational transform core:
// the operation model, the pairwise transform, and the document
// mutator. Positions and lengths are byte offsets into the UTF-8
// document text.
package ot

import (
	"errors"
	"fmt"
)

// MaxContentLen caps inserted content to bound worst-case transform
// and storage cost.
const MaxContentLen = 10000

type Kind string

const (
	KindInsert  Kind = "insert"
	KindDelete  Kind = "delete"
	KindReplace Kind = "replace"
)

var ErrInvalidOperation = errors.New("invalid operation")

// Op is one atomic edit. The three concrete types form a closed set:
// each carries exactly the fields its kind needs, so combinations like
// an insert without content are unrepresentable.
type Op interface {
	Kind() Kind

	// Apply splices the edit into s. Out-of-range positions and
	// lengths are clamped to [0, len(s)]; Apply never fails.
	Apply(s string) string

	transformInsert(pos int, text string) Op
	transformDelete(pos, n int) Op
}

// Insert adds Text at Pos.
type Insert struct {
	Pos  int
	Text string
}

// Delete removes Len bytes starting at Pos.
type Delete struct {
	Pos int
	Len int
}

// Replace removes OldLen bytes at Pos and inserts Text in their place.
type Replace struct {
	Pos    int
	OldLen int
	Text   string
}

func (op Insert) Kind() Kind  { return KindInsert }
func (op Delete) Kind() Kind  { return KindDelete }
func (op Replace) Kind() Kind { return KindReplace }

// Decode builds an Op from the flat wire fields and is the validation
// boundary for submitted operations. It is pure and runs before any
// admission check or transform.
func Decode(kind string, position int, content *string, length, oldLength *int) (Op, error) {
	if position < 0 {
		return nil, fmt.Errorf("%w: position must be non-negative", ErrInvalidOperation)
	}
	switch Kind(kind) {
	case KindInsert:
		if content == nil {
			return nil, fmt.Errorf("%w: insert requires content", ErrInvalidOperation)
		}
		if len(*content) > MaxContentLen {
			return nil, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidOperation, MaxContentLen)
		}
		return Insert{Pos: position, Text: *content}, nil
	case KindDelete:
		if length == nil || *length <= 0 {
			return nil, fmt.Errorf("%w: delete requires a positive length", ErrInvalidOperation)
		}
		return Delete{Pos: position, Len: *length}, nil
	case KindReplace:
		if content == nil {
			return nil, fmt.Errorf("%w: replace requires content", ErrInvalidOperation)
		}
		if len(*content) > MaxContentLen {
			return nil, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidOperation, MaxContentLen)
		}
		span := oldLength
		if span == nil {
			span = length
		}
		if span == nil || *span <= 0 {
			return nil, fmt.Errorf("%w: replace requires a positive length", ErrInvalidOperation)
		}
		return Replace{Pos: position, OldLen: *span, Text: *content}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, kind)
	}
}
