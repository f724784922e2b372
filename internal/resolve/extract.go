package resolve

import (
	"strings"
	"unicode"

	"github.com/mohammad-safakhou/academiq/internal/vocab"
	"github.com/shopspring/decimal"
)

// ExtractConfig tells the extractor which columns take numbers and which hold
// resolvable values.
type ExtractConfig struct {
	// EntityColumns are the vocabulary columns free-text values resolve against.
	EntityColumns []string
	// NumericColumns accept range comparisons ("cgpa above 3.5").
	NumericColumns map[string]bool
	// LiteralColumns accept a bare literal after the field name ("cohort 202203").
	LiteralColumns map[string]bool
	// Separators are intent keywords; they split value spans and are never resolved.
	Separators []string
}

// Range is a numeric comparison on a column.
type Range struct {
	Column string          `json:"column"`
	Op     string          `json:"op"`
	Value  decimal.Decimal `json:"value"`
}

// Literal is an exact column = value filter taken verbatim from the query.
type Literal struct {
	Column string `json:"column"`
	Value  string `json:"value"`
}

// Span is a run of words that should map to a vocabulary value.
type Span struct {
	Text     string
	Position int
	// Exact holds vocabulary entries the span matched verbatim, if any.
	Exact []vocab.Entry
}

// Parsed is the structured reading of a raw query.
type Parsed struct {
	Normalized    string    `json:"normalized"`
	Tokens        []string  `json:"tokens"`
	Identifiers   []string  `json:"identifiers,omitempty"`
	SelfReference bool      `json:"self_reference,omitempty"`
	Fields        []string  `json:"fields,omitempty"`
	Ranges        []Range   `json:"ranges,omitempty"`
	Literals      []Literal `json:"literals,omitempty"`
	Spans         []Span    `json:"-"`
	// Rest holds the words not consumed by fields, values, ranges or literals.
	Rest []string `json:"rest,omitempty"`
}

// MentionsStudents reports whether the query used the generic "student" noun.
func (p *Parsed) MentionsStudents() bool {
	return p.HasWord("students") || p.HasWord("student") || p.HasWord("people") || p.HasWord("everyone")
}

// HasWord reports whether phrase occurs in the unconsumed words of the query.
func (p *Parsed) HasWord(phrase string) bool {
	return strings.Contains(" "+strings.Join(p.Rest, " ")+" ", " "+phrase+" ")
}

const (
	maxFieldWords = 3
	maxValueWords = 6
	minIDDigits   = 5
)

var selfWords = map[string]bool{"my": true, "i": true, "mine": true, "myself": true}

var stopWords = toSet(
	"a", "an", "the", "of", "in", "on", "at", "for", "from", "with", "and", "or", "to", "into",
	"is", "are", "was", "were", "be", "been", "am", "do", "does", "did", "what", "which", "who",
	"whom", "whose", "how", "where", "when", "please", "give", "tell", "all", "any", "their",
	"there", "by", "as", "that", "this", "those", "these", "than", "has", "have", "had", "get",
	"find", "about", "can", "could", "would", "should", "you", "we", "our", "its", "it", "s",
	"m", "ve", "ll", "d", "t", "me", "whether", "if", "currently", "now", "enrolled", "under",
	"will", "shall", "going", "much", "so", "far", "ever", "also", "too", "each", "every",
	"class", "degree", "outcome",
)

var noiseWords = toSet(
	"student", "students", "record", "records", "people", "person", "learner", "learners",
	"detail", "details", "info", "information", "data", "result", "results", "everyone",
	"everybody", "who", "studying", "study", "studies", "taking", "take", "took", "registered",
)

// comparators maps phrases to range operators; longer phrases are tried first.
var comparators = []struct {
	phrase string
	op     string
}{
	{"greater than or equal to", ">="},
	{"less than or equal to", "<="},
	{"greater than", ">"},
	{"more than", ">"},
	{"higher than", ">"},
	{"less than", "<"},
	{"lower than", "<"},
	{"at least", ">="},
	{"at most", "<="},
	{"no less than", ">="},
	{"no more than", "<="},
	{"above", ">"},
	{"over", ">"},
	{"exceeding", ">"},
	{"below", "<"},
	{"under", "<"},
	{"equals", "="},
	{"equal to", "="},
}

func toSet(words ...string) map[string]bool {
	out := make(map[string]bool, len(words))
	for _, w := range words {
		out[w] = true
	}
	return out
}

// Extract reads raw into identifiers, field mentions, ranges, literals and
// value spans, all in order of appearance.
func (v *View) Extract(raw string) *Parsed {
	cfg := v.r.extract
	norm := vocab.Normalize(raw)
	tokens := strings.Fields(norm)
	p := &Parsed{Normalized: norm, Tokens: tokens}

	separators := map[string]bool{}
	for _, phrase := range cfg.Separators {
		for _, w := range strings.Fields(vocab.Normalize(phrase)) {
			separators[w] = true
		}
	}
	entityCols := map[string]bool{}
	for _, c := range cfg.EntityColumns {
		entityCols[c] = true
	}

	var run []string
	runStart := 0
	flush := func() {
		if len(run) > 0 {
			p.Spans = append(p.Spans, Span{Text: strings.Join(run, " "), Position: runStart})
			run = nil
		}
	}
	seenField := map[string]bool{}

	for i := 0; i < len(tokens); {
		// field name, optionally followed by a comparison, literal or value
		if col, n := v.matchField(tokens, i); n > 0 {
			flush()
			j := i + n
			if r, used := matchRange(tokens, j, col, cfg); used > 0 {
				p.Ranges = append(p.Ranges, r)
				i = j + used
				continue
			}
			if j < len(tokens) && isNumber(tokens[j]) && (cfg.LiteralColumns[col] || cfg.NumericColumns[col] || col == "id") {
				if col == "id" {
					p.Identifiers = appendUnique(p.Identifiers, tokens[j])
				} else {
					p.Literals = append(p.Literals, Literal{Column: col, Value: tokens[j]})
				}
				i = j + 1
				continue
			}
			if entries, m := v.matchValue(tokens, j, map[string]bool{col: true}); m > 0 {
				p.Spans = append(p.Spans, Span{Text: strings.Join(tokens[j:j+m], " "), Position: j, Exact: entries})
				i = j + m
				continue
			}
			if !seenField[col] {
				seenField[col] = true
				p.Fields = append(p.Fields, col)
			}
			i = j
			continue
		}
		if entries, m := v.matchValue(tokens, i, entityCols); m > 0 {
			flush()
			p.Spans = append(p.Spans, Span{Text: strings.Join(tokens[i:i+m], " "), Position: i, Exact: entries})
			i += m
			continue
		}
		tok := tokens[i]
		switch {
		case selfWords[tok]:
			flush()
			p.SelfReference = true
			p.Rest = append(p.Rest, tok)
		case isDigits(tok) && len(tok) >= minIDDigits:
			flush()
			p.Identifiers = appendUnique(p.Identifiers, tok)
		case separators[tok] || stopWords[tok] || noiseWords[tok]:
			flush()
			p.Rest = append(p.Rest, tok)
		default:
			if len(run) == 0 {
				runStart = i
			}
			run = append(run, tok)
		}
		i++
	}
	flush()
	return p
}

// matchField finds the longest field name starting at i.
func (v *View) matchField(tokens []string, i int) (string, int) {
	for n := maxFieldWords; n >= 1; n-- {
		if i+n > len(tokens) {
			continue
		}
		if e, ok := v.idx.LookupColumn(vocab.FieldColumn, strings.Join(tokens[i:i+n], " ")); ok {
			return e.Canonical, n
		}
	}
	return "", 0
}

// matchValue finds the longest verbatim vocabulary value starting at i within cols.
func (v *View) matchValue(tokens []string, i int, cols map[string]bool) ([]vocab.Entry, int) {
	for n := maxValueWords; n >= 1; n-- {
		if i+n > len(tokens) {
			continue
		}
		if n == 1 && (stopWords[tokens[i]] || selfWords[tokens[i]]) {
			continue
		}
		var hits []vocab.Entry
		for _, e := range v.idx.Lookup(strings.Join(tokens[i:i+n], " ")) {
			if e.Column != vocab.FieldColumn && cols[e.Column] {
				hits = append(hits, e)
			}
		}
		if len(hits) > 0 {
			return hits, n
		}
	}
	return nil, 0
}

func matchRange(tokens []string, j int, col string, cfg ExtractConfig) (Range, int) {
	if !cfg.NumericColumns[col] {
		return Range{}, 0
	}
	k := j
	for k < len(tokens) && (tokens[k] == "is" || tokens[k] == "of" || tokens[k] == "with") {
		k++
	}
	for _, c := range comparators {
		words := strings.Fields(c.phrase)
		if k+len(words) >= len(tokens) {
			continue
		}
		if strings.Join(tokens[k:k+len(words)], " ") != c.phrase {
			continue
		}
		num := tokens[k+len(words)]
		d, err := decimal.NewFromString(num)
		if err != nil {
			continue
		}
		return Range{Column: col, Op: c.op, Value: d}, k + len(words) + 1 - j
	}
	return Range{}, 0
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func isNumber(s string) bool {
	_, err := decimal.NewFromString(s)
	return err == nil
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
