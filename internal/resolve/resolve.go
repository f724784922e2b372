// Package resolve matches free-text spans against the vocabulary and decides
// whether a match is accepted, ambiguous or rejected.
package resolve

import (
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/mohammad-safakhou/academiq/internal/errs"
	"github.com/mohammad-safakhou/academiq/internal/vocab"
)

// Resolution thresholds.
const (
	// AcceptThreshold is the confidence from which a candidate is taken without asking.
	AcceptThreshold = 0.90
	// AmbiguousFloor is the lowest confidence still worth offering to the user.
	AmbiguousFloor = 0.60
	// AmbiguityMargin is how close two candidates must be to count as competing.
	AmbiguityMargin = 0.05
	// MaxOptions caps the choices surfaced in one clarification.
	MaxOptions = 5
)

const epsilon = 1e-9

// Thresholds groups the tunable resolution constants.
type Thresholds struct {
	Accept     float64
	Floor      float64
	Margin     float64
	MaxOptions int
}

func DefaultThresholds() Thresholds {
	return Thresholds{Accept: AcceptThreshold, Floor: AmbiguousFloor, Margin: AmbiguityMargin, MaxOptions: MaxOptions}
}

func (t Thresholds) Validate() error {
	if t.Floor <= 0 || t.Floor >= t.Accept || t.Accept > 1 {
		return fmt.Errorf("thresholds must satisfy 0 < floor < accept <= 1")
	}
	if t.Margin < 0 {
		return fmt.Errorf("ambiguity margin cannot be negative")
	}
	if t.MaxOptions < 2 {
		return fmt.Errorf("max options must be at least 2")
	}
	return nil
}

// Candidate is one scored interpretation of a span.
type Candidate struct {
	Column     string  `json:"column"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Entity is a span of the query mapped to ranked candidates. Chosen stays empty
// until a candidate is accepted or the user picks one.
type Entity struct {
	Span       string      `json:"span"`
	Position   int         `json:"position"`
	Column     string      `json:"column,omitempty"`
	Candidates []Candidate `json:"candidates"`
	Chosen     string      `json:"chosen,omitempty"`
}

// Resolved reports whether a value has been chosen.
func (e *Entity) Resolved() bool { return e.Chosen != "" }

// Choose selects candidate k.
func (e *Entity) Choose(k int) error {
	if k < 0 || k >= len(e.Candidates) {
		return errs.New(errs.InvalidInput, "option %d is not one of the offered choices", k+1)
	}
	e.Chosen = e.Candidates[k].Value
	e.Column = e.Candidates[k].Column
	return nil
}

// ChooseValue selects the candidate with the given column and value.
func (e *Entity) ChooseValue(column, value string) error {
	for k, c := range e.Candidates {
		if c.Value == value && (column == "" || c.Column == column) {
			return e.Choose(k)
		}
	}
	return errs.New(errs.InvalidInput, "%q is not one of the offered choices", value)
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Candidates = append([]Candidate(nil), e.Candidates...)
	return &cp
}

// Resolver scores spans against the current vocabulary snapshot.
type Resolver struct {
	holder     *vocab.Holder
	thresholds Thresholds
	similarity Similarity
	extract    ExtractConfig
}

type Option func(*Resolver)

func WithThresholds(t Thresholds) Option { return func(r *Resolver) { r.thresholds = t } }

func WithSimilarity(s Similarity) Option { return func(r *Resolver) { r.similarity = s } }

func WithExtraction(cfg ExtractConfig) Option { return func(r *Resolver) { r.extract = cfg } }

func New(holder *vocab.Holder, opts ...Option) *Resolver {
	r := &Resolver{holder: holder, thresholds: DefaultThresholds(), similarity: EditSimilarity}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Thresholds() Thresholds { return r.thresholds }

// View pins the current vocabulary snapshot for one request.
func (r *Resolver) View() *View {
	return &View{r: r, idx: r.holder.Load()}
}

// Resolve scores span against column using the current snapshot.
func (r *Resolver) Resolve(span, column string) ([]Candidate, error) {
	return r.View().Resolve(span, column)
}

// View resolves against a single vocabulary snapshot.
type View struct {
	r   *Resolver
	idx *vocab.Index
}

func (v *View) Index() *vocab.Index { return v.idx }

// Resolve returns every entry of column scored against span, best first. The
// result is never empty for a non-empty column.
func (v *View) Resolve(span, column string) ([]Candidate, error) {
	if !v.idx.Has(column) {
		return nil, errs.New(errs.UnknownColumn, "unknown column %q", column)
	}
	norm := vocab.Normalize(span)
	entries := v.idx.Candidates(column, span)
	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		out = append(out, Candidate{Column: column, Value: e.Canonical, Confidence: v.score(norm, e)})
	}
	sortCandidates(out)
	return out, nil
}

// ResolveAny merges Resolve over several columns. Unindexed columns are skipped.
func (v *View) ResolveAny(span string, columns []string) []Candidate {
	var out []Candidate
	for _, col := range columns {
		cands, err := v.Resolve(span, col)
		if err != nil {
			continue
		}
		out = append(out, cands...)
	}
	sortCandidates(out)
	return out
}

func (v *View) score(norm string, e vocab.Entry) float64 {
	best := 0.0
	for _, form := range e.Forms() {
		if s := v.r.similarity(norm, form); s > best {
			best = s
		}
	}
	return math.Round(best*1e4) / 1e4
}

// Decision classifies a ranked candidate list.
type Decision int

const (
	Accepted Decision = iota
	Ambiguous
	Rejected
)

// Decide builds the entity for span from ranked candidates. Accepted entities
// carry Chosen; ambiguous ones carry only the options to offer. Rejected spans
// return a NoMatch error.
func (v *View) Decide(span string, position int, cands []Candidate) (*Entity, Decision, error) {
	t := v.r.thresholds
	if len(cands) == 0 || cands[0].Confidence < t.Floor-epsilon {
		return nil, Rejected, errs.New(errs.NoMatch, "could not understand '%s'", span)
	}
	top := cands[0]
	ent := &Entity{Span: span, Position: position}
	if top.Confidence >= t.Accept-epsilon {
		ent.Candidates = truncate(cands, t.MaxOptions)
		_ = ent.Choose(0)
		return ent, Accepted, nil
	}
	competing := 0
	for _, c := range cands {
		if top.Confidence-c.Confidence <= t.Margin+epsilon && c.Confidence >= t.Floor-epsilon {
			competing++
		}
	}
	if competing < 2 {
		// clear leader inside the ambiguous band
		ent.Candidates = truncate(cands, t.MaxOptions)
		_ = ent.Choose(0)
		return ent, Accepted, nil
	}
	var options []Candidate
	for _, c := range cands {
		if c.Confidence < t.Floor-epsilon || len(options) == t.MaxOptions {
			break
		}
		options = append(options, c)
	}
	ent.Candidates = options
	if cols := distinctColumns(options); len(cols) == 1 {
		ent.Column = cols[0]
	}
	return ent, Ambiguous, nil
}

func truncate(c []Candidate, n int) []Candidate {
	if len(c) > n {
		c = c[:n]
	}
	return append([]Candidate(nil), c...)
}

func distinctColumns(c []Candidate) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, x := range c {
		if _, ok := seen[x.Column]; ok {
			continue
		}
		seen[x.Column] = struct{}{}
		out = append(out, x.Column)
	}
	return out
}

// sortCandidates orders by confidence, then shorter value, then value, then column.
func sortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if math.Abs(c[i].Confidence-c[j].Confidence) > epsilon {
			return c[i].Confidence > c[j].Confidence
		}
		li, lj := utf8.RuneCountInString(c[i].Value), utf8.RuneCountInString(c[j].Value)
		if li != lj {
			return li < lj
		}
		if c[i].Value != c[j].Value {
			return c[i].Value < c[j].Value
		}
		return c[i].Column < c[j].Column
	})
}
