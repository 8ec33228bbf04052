package rule

import (
	"regexp"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// regexCacheSize bounds the process-wide compiled pattern cache.
const regexCacheSize = 4096

// regexKey identifies a compiled pattern by its owning rule and predicate
// position. The pattern hash guards against stale entries after a rule edit
// reuses the same id and index with a different pattern.
type regexKey struct {
	ruleID      string
	predicateIx int
	patternHash uint64
}

// regexCache caches compiled case-insensitive patterns across all tenant
// stores. Go's regexp is linear-time, so a hostile pattern can slow but
// never wedge the hot path.
type regexCache struct {
	once sync.Once
	lru  *lru.Cache[regexKey, *regexp.Regexp]
}

var compiledPatterns regexCache

func (c *regexCache) init() {
	c.once.Do(func() {
		// Size is fixed; NewCache only errors on size <= 0.
		c.lru, _ = lru.New[regexKey, *regexp.Regexp](regexCacheSize)
	})
}

// compile returns the compiled case-insensitive pattern for the predicate,
// or nil if the pattern does not compile. Compile errors are cached as nil
// so a bad pattern is not recompiled per request.
func (c *regexCache) compile(ruleID string, predicateIx int, pattern string) *regexp.Regexp {
	c.init()

	key := regexKey{
		ruleID:      ruleID,
		predicateIx: predicateIx,
		patternHash: xxhash.Sum64String(pattern),
	}
	if re, ok := c.lru.Get(key); ok {
		return re
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		re = nil
	}
	c.lru.Add(key, re)
	return re
}
