package modbam

// Ignore returns a copy of pbc with the codes in ignored removed: each
// removed code's probability mass is redistributed uniformly across the
// remaining codes and canonical (spec.md §4.1 "ignore / combine").
func (pbc *PerBaseCalls) Ignore(ignored []Code) *PerBaseCalls {
	ignoredSet := make(map[Code]bool, len(ignored))
	for _, c := range ignored {
		ignoredSet[c] = true
	}
	out := &PerBaseCalls{Calls: make(map[byte][]*Call, len(pbc.Calls))}
	for base, calls := range pbc.Calls {
		newCalls := make([]*Call, len(calls))
		for i, c := range calls {
			newCalls[i] = ignoreCall(c, ignoredSet)
		}
		out.Calls[base] = newCalls
	}
	return out
}

func ignoreCall(c *Call, ignoredSet map[Code]bool) *Call {
	if c == nil {
		return nil
	}
	removedMass := 0.0
	keepCodes := make([]Code, 0, len(c.Codes))
	keepProbs := make([]float64, 0, len(c.Codes))
	for i, code := range c.Codes {
		if ignoredSet[code] {
			removedMass += c.CodeProbs[i]
		} else {
			keepCodes = append(keepCodes, code)
			keepProbs = append(keepProbs, c.CodeProbs[i])
		}
	}
	if removedMass == 0 {
		return &Call{Codes: keepCodes, CodeProbs: keepProbs, Canonical: c.Canonical}
	}
	// Redistribute uniformly across canonical + remaining codes.
	nShares := float64(len(keepCodes) + 1)
	share := removedMass / nShares
	newCanonical := c.Canonical + share
	newProbs := make([]float64, len(keepProbs))
	for i, p := range keepProbs {
		newProbs[i] = p + share
	}
	return &Call{Codes: keepCodes, CodeProbs: newProbs, Canonical: newCanonical}
}

// Combine returns a copy of pbc where every code in set is summed into a
// single synthetic code named name.
func (pbc *PerBaseCalls) Combine(set []Code, name Code) *PerBaseCalls {
	combinedSet := make(map[Code]bool, len(set))
	for _, c := range set {
		combinedSet[c] = true
	}
	out := &PerBaseCalls{Calls: make(map[byte][]*Call, len(pbc.Calls))}
	for base, calls := range pbc.Calls {
		newCalls := make([]*Call, len(calls))
		for i, c := range calls {
			newCalls[i] = combineCall(c, combinedSet, name)
		}
		out.Calls[base] = newCalls
	}
	return out
}

func combineCall(c *Call, combinedSet map[Code]bool, name Code) *Call {
	if c == nil {
		return nil
	}
	var combinedMass float64
	var found bool
	keepCodes := make([]Code, 0, len(c.Codes))
	keepProbs := make([]float64, 0, len(c.Codes))
	for i, code := range c.Codes {
		if combinedSet[code] {
			combinedMass += c.CodeProbs[i]
			found = true
		} else {
			keepCodes = append(keepCodes, code)
			keepProbs = append(keepProbs, c.CodeProbs[i])
		}
	}
	if !found {
		return &Call{Codes: keepCodes, CodeProbs: keepProbs, Canonical: c.Canonical}
	}
	keepCodes = append(keepCodes, name)
	keepProbs = append(keepProbs, combinedMass)
	return &Call{Codes: keepCodes, CodeProbs: keepProbs, Canonical: c.Canonical}
}
