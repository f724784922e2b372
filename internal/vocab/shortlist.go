package vocab

import (
	"strconv"
	"strings"

	"github.com/blevesearch/bleve"
)

const defaultShortlistSize = 50

// shortlist narrows a large column to the entries bleve considers lexically close.
type shortlist struct {
	index bleve.Index
	size  int
}

func buildShortlist(entries []Entry, size int) (*shortlist, error) {
	if size <= 0 {
		size = defaultShortlistSize
	}
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	batch := index.NewBatch()
	for i, e := range entries {
		doc := map[string]interface{}{"text": strings.Join(e.Forms(), " ")}
		if err := batch.Index(strconv.Itoa(i), doc); err != nil {
			return nil, err
		}
	}
	if err := index.Batch(batch); err != nil {
		return nil, err
	}
	return &shortlist{index: index, size: size}, nil
}

// search returns positions into the column's entry slice, best first.
func (s *shortlist) search(span string) ([]int, error) {
	text := Normalize(span)
	if text == "" {
		return nil, nil
	}
	q := bleve.NewMatchQuery(text)
	q.SetField("text")
	q.SetFuzziness(2)
	req := bleve.NewSearchRequestOptions(q, s.size, 0, false)
	res, err := s.index.Search(req)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(res.Hits))
	for _, hit := range res.Hits {
		i, err := strconv.Atoi(hit.ID)
		if err != nil {
			continue
		}
		out = append(out, i)
	}
	return out, nil
}
