package ot

// TransformAgainst rewrites in, authored without knowledge of the
// already-committed operation c, so that it applies cleanly after c.
// The committed operation is treated as having occurred first: on an
// exact position tie the incoming operation shifts behind it. Applied
// consistently this tie-break makes the outcome independent of which
// concurrent submission reached the server first.
func TransformAgainst(in, c Op) Op {
	switch cv := c.(type) {
	case Insert:
		return in.transformInsert(cv.Pos, cv.Text)
	case Delete:
		return in.transformDelete(cv.Pos, cv.Len)
	case Replace:
		// A committed replace is a delete followed by an insert at
		// the same position.
		out := in.transformDelete(cv.Pos, cv.OldLen)
		return out.transformInsert(cv.Pos, cv.Text)
	}
	return in
}

// TransformThrough folds in through every committed operation in
// history, in ascending revision order.
func TransformThrough(in Op, history []Op) Op {
	for _, c := range history {
		in = TransformAgainst(in, c)
	}
	return in
}

func (op Insert) transformInsert(p int, text string) Op {
	if op.Pos < p {
		return op
	}
	op.Pos += len(text)
	return op
}

func (op Insert) transformDelete(p, n int) Op {
	switch {
	case op.Pos <= p:
		// Before the deleted span.
	case op.Pos >= p+n:
		op.Pos -= n
	default:
		// Inside the deleted span: the surrounding text is gone, so
		// the insert attaches where the deletion began. The removal
		// side re-emits text it swallows, so both orders agree.
		op.Pos = p
	}
	return op
}

func (op Delete) transformInsert(p int, text string) Op {
	n := len(text)
	switch {
	case p <= op.Pos:
		return Delete{Pos: op.Pos + n, Len: op.Len}
	case p >= op.Pos+op.Len:
		return op
	default:
		// The insert landed strictly inside the doomed span. The
		// span expands to stay contiguous, and the operation becomes
		// a replace that puts the concurrent text back: the insert
		// side keeps its text after clamping, so dropping it here
		// would make the outcome depend on arrival order.
		return Replace{Pos: op.Pos, OldLen: op.Len + n, Text: text}
	}
}

func (op Delete) transformDelete(p, n int) Op {
	op.Pos, op.Len = spanAfterDelete(op.Pos, op.Len, p, n)
	return op
}

func (op Replace) transformInsert(p int, text string) Op {
	n := len(text)
	switch {
	case p <= op.Pos:
		return Replace{Pos: op.Pos + n, OldLen: op.OldLen, Text: op.Text}
	case p >= op.Pos+op.OldLen:
		return op
	default:
		// Same shape as the delete case: the expanded span covers
		// the concurrent insert, whose text reappears after the
		// replacement text, matching where the clamped-and-shifted
		// insert would land in the other order.
		return Replace{Pos: op.Pos, OldLen: op.OldLen + n, Text: op.Text + text}
	}
}

// A replace whose target span was concurrently deleted keeps its text:
// OldLen drops to zero and the operation degrades to a plain splice-in
// at the span start.
func (op Replace) transformDelete(p, n int) Op {
	op.Pos, op.OldLen = spanAfterDelete(op.Pos, op.OldLen, p, n)
	return op
}

// spanAfterDelete adjusts the target span [pos, pos+length) for a
// concurrent delete of n bytes at p. Overlaps resolve by containment:
// a fully-covered span becomes a no-op, a span covering the concurrent
// delete shrinks by n, and partial overlaps keep only the surviving
// sub-range of the original target.
func spanAfterDelete(pos, length, p, n int) (int, int) {
	end, cEnd := pos+length, p+n
	switch {
	case pos >= cEnd:
		return pos - n, length
	case end <= p:
		return pos, length
	case p <= pos && end <= cEnd:
		return p, 0
	case pos <= p && cEnd <= end:
		return pos, length - n
	case pos < p:
		return pos, p - pos
	default:
		return p, end - cEnd
	}
}
