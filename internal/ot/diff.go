package ot

// ComputeOperations describes the change from oldText to newText as at most
// one Delete followed by at most one Insert, both at the end of the longest
// common prefix. Edits to two disjoint regions come out as a single hunk
// spanning both.
func ComputeOperations(oldText, newText string) []Operation {
	if oldText == newText {
		return nil
	}
	o, n := []rune(oldText), []rune(newText)

	p := 0
	for p < len(o) && p < len(n) && o[p] == n[p] {
		p++
	}

	// The suffix may not eat into the prefix on either side.
	oldEnd, newEnd := len(o), len(n)
	for oldEnd > p && newEnd > p && o[oldEnd-1] == n[newEnd-1] {
		oldEnd--
		newEnd--
	}

	var ops []Operation
	if oldEnd > p {
		ops = append(ops, NewDelete(p, oldEnd-p))
	}
	if newEnd > p {
		ops = append(ops, NewInsert(p, string(n[p:newEnd])))
	}
	return ops
}
