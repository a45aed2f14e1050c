package mesh

import (
	lru "github.com/hashicorp/golang-lru"
)

// DefaultDedupSize bounds the number of message ids remembered per node.
const DefaultDedupSize = 4096

// Deduper remembers recently seen message ids so gossip transports, which
// may deliver the same envelope more than once, hand it to handlers once.
type Deduper struct {
	seen *lru.Cache
}

func NewDeduper(size int) *Deduper {
	if size <= 0 {
		size = DefaultDedupSize
	}
	c, err := lru.New(size)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &Deduper{seen: c}
}

// Seen records id and reports whether it had been recorded before.
func (d *Deduper) Seen(id string) bool {
	ok, _ := d.seen.ContainsOrAdd(id, struct{}{})
	return ok
}
