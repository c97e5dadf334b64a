package cache

import (
	"fmt"

	"github.com/dgraph-io/ristretto"

	responsecache "github.com/wolfeidau/response-cache"
)

// pathMemo memoises key -> entry directory name. It holds no authority: any
// value can be recomputed from the key, so the memo is cleared freely under
// memory pressure.
type pathMemo struct {
	alg   responsecache.Algorithm
	cache *ristretto.Cache
}

func newPathMemo(alg responsecache.Algorithm) (*pathMemo, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     8 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating path memo: %w", err)
	}
	return &pathMemo{alg: alg, cache: c}, nil
}

// dir returns the entry directory name for key.
func (p *pathMemo) dir(key string) string {
	if v, ok := p.cache.Get(key); ok {
		return v.(string)
	}
	d := responsecache.DigestHex(p.alg, key)
	p.cache.Set(key, d, int64(len(key)+len(d)))
	return d
}

func (p *pathMemo) clear() {
	p.cache.Clear()
}

func (p *pathMemo) close() {
	p.cache.Close()
}
