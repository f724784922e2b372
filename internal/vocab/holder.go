package vocab

import "sync/atomic"

// Holder publishes the current Index. Readers Load a snapshot and keep using it
// for the whole request; refreshes Swap in a fully built replacement.
type Holder struct {
	current atomic.Pointer[Index]
}

func NewHolder(initial *Index) *Holder {
	h := &Holder{}
	if initial == nil {
		initial, _ = NewIndex(nil, IndexOptions{})
	}
	h.current.Store(initial)
	return h
}

func (h *Holder) Load() *Index { return h.current.Load() }

// Swap installs next and returns the previous snapshot.
func (h *Holder) Swap(next *Index) *Index {
	if next == nil {
		return h.current.Load()
	}
	return h.current.Swap(next)
}
