package resource

import (
	"fmt"
	"sync"

	"github.com/c2h5oh/datasize"
)

// DefaultCosts are rough per-kind memory estimates for one transcoder
// process, keyed by task type.
var DefaultCosts = map[string]int64{
	"compress":       int64(1 * datasize.GB),
	"convert":        int64(1 * datasize.GB),
	"resize":         int64(512 * datasize.MB),
	"watermark":      int64(768 * datasize.MB),
	"extract_frames": int64(768 * datasize.MB),
	"thumbnails":     int64(256 * datasize.MB),
	"analyze":        int64(512 * datasize.MB),
	"custom":         int64(1 * datasize.GB),
}

// Budget reserves an estimated memory cost per running task out of a fixed
// limit. A task whose cost alone exceeds the limit is admitted when nothing
// else holds a reservation, so it cannot starve.
type Budget struct {
	mu       sync.Mutex
	limit    int64
	used     int64
	holders  int
	costs    map[string]int64
	fallback int64
}

func NewBudget(limit int64, costs map[string]int64) *Budget {
	if costs == nil {
		costs = DefaultCosts
	}
	return &Budget{limit: limit, costs: costs, fallback: int64(1 * datasize.GB)}
}

func (b *Budget) cost(kind string) int64 {
	if c, ok := b.costs[kind]; ok {
		return c
	}
	return b.fallback
}

// Reserve takes kind's cost from the budget. The returned release func is
// idempotent.
func (b *Budget) Reserve(kind string) (func(), bool, string) {
	c := b.cost(kind)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.holders > 0 && b.used+c > b.limit {
		return nil, false, fmt.Sprintf("memory budget exhausted: %s reserved of %s, %s needs %s",
			datasize.ByteSize(b.used).HumanReadable(),
			datasize.ByteSize(b.limit).HumanReadable(),
			kind, datasize.ByteSize(c).HumanReadable())
	}
	b.used += c
	b.holders++

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.used -= c
			b.holders--
			b.mu.Unlock()
		})
	}, true, ""
}

// Used returns the reserved bytes.
func (b *Budget) Used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}
