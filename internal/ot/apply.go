package ot

// The mutator clamps rather than failing: a long-running session must
// never be corrupted or torn down by an operation that drifted out of
// range, so an out-of-bounds splice degrades to the nearest valid one.

func (op Insert) Apply(s string) string {
	pos := clamp(op.Pos, 0, len(s))
	return s[:pos] + op.Text + s[pos:]
}

func (op Delete) Apply(s string) string {
	pos := clamp(op.Pos, 0, len(s))
	end := clamp(op.Pos+op.Len, pos, len(s))
	return s[:pos] + s[end:]
}

func (op Replace) Apply(s string) string {
	pos := clamp(op.Pos, 0, len(s))
	end := clamp(op.Pos+op.OldLen, pos, len(s))
	return s[:pos] + op.Text + s[end:]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
