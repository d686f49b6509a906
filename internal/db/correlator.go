package db

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCorrelationSize bounds the number of outstanding requests tracked.
const DefaultCorrelationSize = 4096

type corrKey struct {
	flow string
	id   uint16
}

// Correlator remembers the method of each outstanding request so the
// matching response can be attributed to it. Entries are per flow since
// ids are only unique within one connection; the oldest entries are
// evicted once the cache is full.
type Correlator struct {
	cache *lru.Cache[corrKey, string]
}

// NewCorrelator creates a Correlator holding at most size requests.
func NewCorrelator(size int) (*Correlator, error) {
	if size <= 0 {
		size = DefaultCorrelationSize
	}
	cache, err := lru.New[corrKey, string](size)
	if err != nil {
		return nil, err
	}
	return &Correlator{cache: cache}, nil
}

// Remember records the method of a request.
func (c *Correlator) Remember(flow string, id uint16, method string) {
	c.cache.Add(corrKey{flow: flow, id: id}, method)
}

// Resolve returns and forgets the method of the request answered by a
// response with the given id.
func (c *Correlator) Resolve(flow string, id uint16) (string, bool) {
	key := corrKey{flow: flow, id: id}
	method, ok := c.cache.Peek(key)
	if ok {
		c.cache.Remove(key)
	}
	return method, ok
}

// ForgetFlow drops every outstanding request of a flow.
func (c *Correlator) ForgetFlow(flow string) int {
	n := 0
	for _, k := range c.cache.Keys() {
		if k.flow == flow {
			c.cache.Remove(k)
			n++
		}
	}
	return n
}

// Len returns the number of outstanding requests.
func (c *Correlator) Len() int {
	return c.cache.Len()
}
