package resolve

import (
	"testing"

	"github.com/mohammad-safakhou/academiq/internal/errs"
	"github.com/mohammad-safakhou/academiq/internal/vocab"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	csProgramme   = "Bachelor of Science (Honours) in Computer Science"
	csitProgramme = "Bachelor of Science (Honours) in Computer Science and IT"
)

func testVocabulary(t *testing.T) *vocab.Holder {
	t.Helper()
	idx, err := vocab.NewIndex([]vocab.Entry{
		{Column: vocab.FieldColumn, Canonical: "overallcgpa", Aliases: []string{"cgpa", "gpa"}},
		{Column: vocab.FieldColumn, Canonical: "cohort"},
		{Column: vocab.FieldColumn, Canonical: "ic", Aliases: []string{"ic number"}},
		{Column: vocab.FieldColumn, Canonical: "country"},
		{Column: vocab.FieldColumn, Canonical: "id", Aliases: []string{"student id"}},
		{Column: "programme", Canonical: csProgramme, Aliases: []string{"computer science", "cs"}},
		{Column: "programme", Canonical: csitProgramme, Aliases: []string{"computer science and it"}},
		{Column: "country", Canonical: "Malaysia"},
		{Column: "country", Canonical: "Indonesia"},
	}, vocab.IndexOptions{})
	require.NoError(t, err)
	return vocab.NewHolder(idx)
}

func testExtractConfig() ExtractConfig {
	return ExtractConfig{
		EntityColumns:  []string{"programme", "country"},
		NumericColumns: map[string]bool{"overallcgpa": true},
		LiteralColumns: map[string]bool{"cohort": true},
		Separators:     []string{"show", "count", "how many", "list"},
	}
}

func TestEditSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, EditSimilarity("malaysia", "malaysia"))
	assert.InDelta(t, 1-3.0/7.0, EditSimilarity("kitten", "sitting"), 1e-9)
	assert.Equal(t, 1.0, EditSimilarity("", ""))
}

func TestResolveUnknownColumn(t *testing.T) {
	r := New(testVocabulary(t))
	_, err := r.Resolve("anything", "hobby")
	require.ErrorIs(t, err, errs.ErrUnknownColumn)
}

func TestResolveNeverEmptyForPopulatedColumn(t *testing.T) {
	r := New(testVocabulary(t))
	cands, err := r.Resolve("qqqq", "country")
	require.NoError(t, err)
	require.Len(t, cands, 2)
	for _, c := range cands {
		assert.Less(t, c.Confidence, AmbiguousFloor)
	}
}

func TestResolveTieBreaksDeterministically(t *testing.T) {
	flat := func(a, b string) float64 { return 0.5 }
	r := New(testVocabulary(t), WithSimilarity(flat))
	cands, err := r.Resolve("x", "country")
	require.NoError(t, err)
	// equal scores: shorter value first, then lexicographic
	assert.Equal(t, "Malaysia", cands[0].Value)
	assert.Equal(t, "Indonesia", cands[1].Value)

	cands, err = r.Resolve("x", "programme")
	require.NoError(t, err)
	assert.Equal(t, csProgramme, cands[0].Value)
}

func TestDecide(t *testing.T) {
	v := New(testVocabulary(t)).View()

	ent, d, err := v.Decide("computer science", 0, []Candidate{
		{Column: "programme", Value: "A", Confidence: 0.95},
		{Column: "programme", Value: "B", Confidence: 0.62},
	})
	require.NoError(t, err)
	assert.Equal(t, Accepted, d)
	assert.Equal(t, "A", ent.Chosen)

	ent, d, err = v.Decide("malaysia", 0, []Candidate{
		{Column: "country", Value: "Malaysian", Confidence: 0.70},
		{Column: "programme", Value: "Malaysian Studies", Confidence: 0.68},
		{Column: "country", Value: "Maldives", Confidence: 0.40},
	})
	require.NoError(t, err)
	assert.Equal(t, Ambiguous, d)
	assert.False(t, ent.Resolved())
	require.Len(t, ent.Candidates, 2)
	assert.Empty(t, ent.Column)

	ent, d, err = v.Decide("lead", 0, []Candidate{
		{Column: "country", Value: "A", Confidence: 0.80},
		{Column: "country", Value: "B", Confidence: 0.70},
	})
	require.NoError(t, err)
	assert.Equal(t, Accepted, d)
	assert.Equal(t, "A", ent.Chosen)

	_, d, err = v.Decide("qqqq", 0, []Candidate{{Column: "country", Value: "A", Confidence: 0.3}})
	assert.Equal(t, Rejected, d)
	require.ErrorIs(t, err, errs.ErrNoMatch)
	assert.Equal(t, "could not understand 'qqqq'", errs.Message(err))
}

func TestDecideCapsOptions(t *testing.T) {
	v := New(testVocabulary(t)).View()
	var cands []Candidate
	for i, val := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		cands = append(cands, Candidate{Column: "country", Value: val, Confidence: 0.80 - float64(i)*0.001})
	}
	ent, d, err := v.Decide("x", 0, cands)
	require.NoError(t, err)
	assert.Equal(t, Ambiguous, d)
	assert.Len(t, ent.Candidates, MaxOptions)
	assert.Equal(t, "country", ent.Column)
}

func TestChooseRoundTrip(t *testing.T) {
	base := &Entity{Span: "m", Candidates: []Candidate{
		{Column: "country", Value: "Malaysian", Confidence: 0.7},
		{Column: "programme", Value: "Malaysian Studies", Confidence: 0.68},
	}}
	for k := range base.Candidates {
		e := base.Clone()
		require.NoError(t, e.Choose(k))
		assert.Equal(t, base.Candidates[k].Value, e.Chosen)
		assert.Equal(t, base.Candidates[k].Column, e.Column)
	}
	require.ErrorIs(t, base.Clone().Choose(2), errs.ErrInvalidInput)
	require.ErrorIs(t, base.Clone().ChooseValue("country", "Malaysian Studies"), errs.ErrInvalidInput)
}

func TestExtract(t *testing.T) {
	v := New(testVocabulary(t), WithExtraction(testExtractConfig())).View()

	p := v.Extract("Show my CGPA")
	assert.True(t, p.SelfReference)
	assert.Equal(t, []string{"overallcgpa"}, p.Fields)
	assert.Empty(t, p.Spans)

	p = v.Extract("count students in Computer Science")
	require.Len(t, p.Spans, 1)
	assert.Equal(t, "computer science", p.Spans[0].Text)
	require.Len(t, p.Spans[0].Exact, 1)
	assert.Equal(t, csProgramme, p.Spans[0].Exact[0].Canonical)

	p = v.Extract("list students with CGPA above 3.5")
	require.Len(t, p.Ranges, 1)
	assert.Equal(t, "overallcgpa", p.Ranges[0].Column)
	assert.Equal(t, ">", p.Ranges[0].Op)
	assert.True(t, p.Ranges[0].Value.Equal(decimal.RequireFromString("3.5")))
	assert.Empty(t, p.Fields)

	p = v.Extract("how many students in cohort 202203?")
	assert.Equal(t, []Literal{{Column: "cohort", Value: "202203"}}, p.Literals)
	assert.Empty(t, p.Identifiers)

	p = v.Extract("what is the IC of 12345")
	assert.Equal(t, []string{"ic"}, p.Fields)
	assert.Equal(t, []string{"12345"}, p.Identifiers)

	p = v.Extract("students from Malaysai and Indonesa")
	require.Len(t, p.Spans, 2)
	assert.Equal(t, "malaysai", p.Spans[0].Text)
	assert.Equal(t, "indonesa", p.Spans[1].Text)
	assert.Less(t, p.Spans[0].Position, p.Spans[1].Position)
}

func TestMentions(t *testing.T) {
	v := New(testVocabulary(t), WithExtraction(testExtractConfig())).View()

	ents, err := v.Mentions(v.Extract("students from Malaysai"))
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "Malaysia", ents[0].Chosen)
	assert.Equal(t, "country", ents[0].Column)

	ents, err = v.Mentions(v.Extract("count students in cs"))
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, csProgramme, ents[0].Chosen)
	assert.Equal(t, 1.0, ents[0].Candidates[0].Confidence)

	_, err = v.Mentions(v.Extract("students from qwxzv"))
	require.ErrorIs(t, err, errs.ErrNoMatch)
}
