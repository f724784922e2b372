package vocab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"  Computer   Science ": "computer science",
		"B.Sc. (Hons)":          "b sc hons",
		"CGPA above 3.50?":      "cgpa above 3.50",
		"ＭＡＬＡＹＳＩＡ":              "malaysia",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestNewIndexMergesDuplicates(t *testing.T) {
	idx, err := NewIndex([]Entry{
		{Column: "Programme", Canonical: "Computer Science", Aliases: []string{"cs"}},
		{Column: "programme", Canonical: "Computer Science", Aliases: []string{"CS", "compsci"}},
		{Column: "country", Canonical: "Malaysia"},
	}, IndexOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"country", "programme"}, idx.Columns())
	assert.Equal(t, 2, idx.Size())
	entries := idx.Entries("programme")
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"cs", "compsci"}, entries[0].Aliases)

	e, ok := idx.LookupColumn("programme", "COMPSCI")
	require.True(t, ok)
	assert.Equal(t, "Computer Science", e.Canonical)
	_, ok = idx.LookupColumn("country", "cs")
	assert.False(t, ok)
}

func TestNewIndexRejectsBlankEntries(t *testing.T) {
	_, err := NewIndex([]Entry{{Column: "", Canonical: "x"}}, IndexOptions{})
	require.Error(t, err)
	_, err = NewIndex([]Entry{{Column: "country", Canonical: "  "}}, IndexOptions{})
	require.Error(t, err)
}

func TestCandidatesUsesShortlistForLargeColumns(t *testing.T) {
	var entries []Entry
	for i := 0; i < 40; i++ {
		entries = append(entries, Entry{Column: "subjectname", Canonical: fmt.Sprintf("Elective Topic %02d", i)})
	}
	entries = append(entries, Entry{Column: "subjectname", Canonical: "Distributed Systems"})
	idx, err := NewIndex(entries, IndexOptions{ShortlistThreshold: 10, ShortlistSize: 5})
	require.NoError(t, err)

	got := idx.Candidates("subjectname", "distributed systms")
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), 5)
	assert.Equal(t, "Distributed Systems", got[0].Canonical)

	// nothing lexically close falls back to the full column
	all := idx.Candidates("subjectname", "zzzz")
	assert.Len(t, all, 41)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
columns:
  programme:
    - value: Bachelor of Science (Honours) in Computer Science
      aliases: [computer science, cs]
  country:
    - value: Malaysia
`), 0o600))

	entries, err := FileSource{Path: path}.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "country", entries[0].Column)
	assert.Equal(t, []string{"computer science", "cs"}, entries[1].Aliases)
}

func TestRefresherKeepsPreviousSnapshotOnFailure(t *testing.T) {
	holder := NewHolder(nil)
	fail := false
	src := SourceFunc(func(context.Context) ([]Entry, error) {
		if fail {
			return nil, errors.New("source down")
		}
		return []Entry{{Column: "country", Canonical: "Malaysia"}}, nil
	})
	r, err := NewRefresher(src, holder, RefreshConfig{
		Static: []Entry{{Column: FieldColumn, Canonical: "overallcgpa", Aliases: []string{"cgpa"}}},
	}, nil)
	require.NoError(t, err)

	first, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, holder.Load())
	assert.True(t, first.Has(FieldColumn))

	fail = true
	_, err = r.Refresh(context.Background())
	require.Error(t, err)
	assert.Same(t, first, holder.Load())
}

func TestRefresherCoalescesConcurrentRefreshes(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	src := SourceFunc(func(context.Context) ([]Entry, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []Entry{{Column: "country", Canonical: "Malaysia"}}, nil
	})
	r, err := NewRefresher(src, NewHolder(nil), RefreshConfig{}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Refresh(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRefresherSchedule(t *testing.T) {
	src := StaticSource{}
	r, err := NewRefresher(src, NewHolder(nil), RefreshConfig{Interval: time.Minute}, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, r.next(time.Now()))

	r, err = NewRefresher(src, NewHolder(nil), RefreshConfig{Cron: "0 3 * * *"}, nil)
	require.NoError(t, err)
	base := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, 2*time.Hour, r.next(base))

	_, err = NewRefresher(src, NewHolder(nil), RefreshConfig{Cron: "not a cron"}, nil)
	require.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	r, err := NewRefresher(StaticSource{}, NewHolder(nil), RefreshConfig{Interval: time.Hour}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresher did not stop")
	}
}
