package ot

// Rebase carries the edit that turned base into local over to remote, a
// newer version of base, and moves cursor (an offset into local) along with
// it. Positions inside the local edit are mapped through the change from base
// to remote; an insert at the same spot as a remote insert lands after it.
func Rebase(base, local, remote string, cursor int) (string, int) {
	ops := ComputeOperations(base, local)
	if len(ops) == 0 {
		return remote, mapThrough(cursor, ComputeOperations(base, remote))
	}

	// A single hunk: base[start:start+removed] became inserted.
	start := ops[0].Position
	removed, inserted := 0, ""
	for _, op := range ops {
		switch op.Type {
		case Delete:
			removed = op.Length
		case Insert:
			inserted = op.Text
		}
	}
	added := runeLen(inserted)

	theirs := ComputeOperations(base, remote)
	from := mapThrough(start, theirs)
	to := max(mapThrough(start+removed, theirs), from)

	r := []rune(remote)
	if to > len(r) {
		return remote, min(cursor, len(r))
	}
	merged := string(r[:from]) + inserted + string(r[to:])

	switch {
	case cursor <= start:
		cursor = mapThrough(cursor, theirs)
	case cursor < start+added:
		cursor = from + (cursor - start)
	default:
		c := mapThrough(cursor-added+removed, theirs)
		cursor = max(c-(to-from), from) + added
	}
	return merged, cursor
}

func mapThrough(pos int, ops []Operation) int {
	for _, op := range ops {
		pos = TransformCursor(pos, op)
	}
	return pos
}
