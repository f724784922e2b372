package intent

import (
	"github.com/mohammad-safakhou/academiq/internal/errs"
	"github.com/mohammad-safakhou/academiq/internal/resolve"
)

var (
	predictWords = []string{
		"predict", "prediction", "likely", "likelihood", "chance", "chances", "forecast",
		"projected", "projection", "graduate", "honours", "honors", "expected",
	}
	countWords = []string{"count", "how many", "number of", "headcount", "total number"}
	aggWords   = []struct {
		word string
		fn   Aggregation
	}{
		{"average", Avg}, {"mean", Avg}, {"avg", Avg},
		{"highest", Max}, {"maximum", Max}, {"max", Max}, {"best", Max},
		{"lowest", Min}, {"minimum", Min}, {"min", Min}, {"worst", Min},
		{"sum", Sum}, {"total", Sum},
	}
	listWords = []string{"list", "who", "which", "find", "names", "everyone", "all"}
	showWords = []string{"show", "what", "display", "view", "give", "tell", "get", "see"}
)

// Keywords returns every phrase the classifier reacts to. The extractor treats
// them as separators so they never become value spans.
func Keywords() []string {
	var out []string
	out = append(out, predictWords...)
	out = append(out, countWords...)
	for _, a := range aggWords {
		out = append(out, a.word)
	}
	out = append(out, listWords...)
	out = append(out, showWords...)
	return out
}

// Classifier maps a parsed query and its entities to an Intent.
type Classifier struct {
	// PredictColumn is the column an outcome projection reads.
	PredictColumn string
	// AggregateColumn is used when an aggregate names no field.
	AggregateColumn string
}

func NewClassifier() *Classifier {
	return &Classifier{PredictColumn: "overallcgpa", AggregateColumn: "overallcgpa"}
}

// Classify applies the rules in order and returns the first match, or an
// Unclassifiable error. Entities may still be pending; they are carried in
// Pending and resolved by clarification before the query is built.
func (c *Classifier) Classify(p *resolve.Parsed, ents []*resolve.Entity) (*Intent, error) {
	in := &Intent{
		Filters:     map[string]*resolve.Entity{},
		Literals:    append([]resolve.Literal(nil), p.Literals...),
		Ranges:      append([]resolve.Range(nil), p.Ranges...),
		Identifiers: append([]string(nil), p.Identifiers...),
	}
	for _, e := range ents {
		if !e.Resolved() {
			in.Pending = append(in.Pending, e)
			continue
		}
		if prev, ok := in.Filters[e.Column]; ok && prev.Chosen != e.Chosen {
			return nil, errs.New(errs.Unclassifiable, "'%s' and '%s' both refer to %s; ask about one at a time", prev.Span, e.Span, e.Column)
		}
		in.Filters[e.Column] = e
	}
	if len(in.Identifiers) > 1 {
		return nil, errs.New(errs.Unclassifiable, "ask about one student at a time")
	}
	if len(in.Identifiers) == 1 {
		in.SubjectUser = in.Identifiers[0]
	}
	subject := len(in.Identifiers) == 1 || p.SelfReference
	narrowed := len(in.Filters) > 0 || len(in.Pending) > 0 || len(in.Literals) > 0 || len(in.Ranges) > 0
	fields := append([]string(nil), p.Fields...)

	switch {
	case hasAny(p, predictWords):
		in.Kind = Predict
		in.TargetColumns = []string{c.PredictColumn}
	case hasAny(p, countWords):
		in.Kind = Count
	case aggregation(p) != "":
		in.Kind = Aggregate
		in.Aggregation = aggregation(p)
		in.TargetColumns = fields
		if len(in.TargetColumns) == 0 {
			in.TargetColumns = []string{c.AggregateColumn}
		}
	case subject && len(fields) > 0:
		in.Kind = ShowField
		in.TargetColumns = fields
	case hasAny(p, listWords) || (p.MentionsStudents() && narrowed):
		in.Kind = List
		in.TargetColumns = fields
	case hasAny(p, showWords) && len(fields) > 0:
		in.Kind = ShowField
		in.TargetColumns = fields
	case subject:
		in.Kind = ShowField
		in.AllFields = true
		in.Fallback = true
	case narrowed && len(fields) > 0:
		in.Kind = List
		in.TargetColumns = fields
	default:
		return nil, errs.New(errs.Unclassifiable, "")
	}
	return in, nil
}

func hasAny(p *resolve.Parsed, words []string) bool {
	for _, w := range words {
		if p.HasWord(w) {
			return true
		}
	}
	return false
}

func aggregation(p *resolve.Parsed) Aggregation {
	for _, a := range aggWords {
		if p.HasWord(a.word) {
			return a.fn
		}
	}
	return ""
}
