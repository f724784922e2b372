package resolve

// Mentions resolves every value span of p in extraction order. Verbatim matches
// are accepted outright; other spans are fuzzy-matched across the entity
// columns. The first span below the floor fails the whole query with NoMatch.
func (v *View) Mentions(p *Parsed) ([]*Entity, error) {
	out := make([]*Entity, 0, len(p.Spans))
	for _, span := range p.Spans {
		var cands []Candidate
		if len(span.Exact) > 0 {
			for _, e := range span.Exact {
				cands = append(cands, Candidate{Column: e.Column, Value: e.Canonical, Confidence: 1})
			}
			sortCandidates(cands)
		} else {
			cands = v.ResolveAny(span.Text, v.r.extract.EntityColumns)
		}
		ent, _, err := v.Decide(span.Text, span.Position, cands)
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	return out, nil
}
