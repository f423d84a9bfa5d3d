package bytecode

import "fmt"

// Pool interns every string a program references into a dense table.
// Only Strings is persisted; the reverse index is derived data and is
// always recomputed from the sequence with BuildIndex.
type Pool struct {
	Strings []string `cbor:"1,keyasint"`

	index map[string]uint32
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{index: make(map[string]uint32)}
}

// PoolFromStrings creates a pool over an existing string sequence and
// rebuilds its index.
func PoolFromStrings(strs []string) *Pool {
	p := &Pool{Strings: strs}
	p.RebuildIndex()
	return p
}

// BuildIndex computes the reverse index for a string sequence.
// When a sequence holds duplicates, the first occurrence wins.
func BuildIndex(strs []string) map[string]uint32 {
	idx := make(map[string]uint32, len(strs))
	for i, s := range strs {
		if _, ok := idx[s]; !ok {
			idx[s] = uint32(i)
		}
	}
	return idx
}

// Intern returns the index of s, adding it to the pool if needed.
func (p *Pool) Intern(s string) uint32 {
	if p.index == nil {
		p.RebuildIndex()
	}
	if id, ok := p.index[s]; ok {
		return id
	}
	id := uint32(len(p.Strings))
	p.Strings = append(p.Strings, s)
	p.index[s] = id
	return id
}

// Get returns the string at index id.
func (p *Pool) Get(id uint32) (string, error) {
	if int(id) >= len(p.Strings) {
		return "", fmt.Errorf("bytecode: pool index %d out of range (len %d)", id, len(p.Strings))
	}
	return p.Strings[id], nil
}

// MustGet returns the string at index id, or "" if out of range.
func (p *Pool) MustGet(id uint32) string {
	if int(id) >= len(p.Strings) {
		return ""
	}
	return p.Strings[id]
}

// Lookup returns the index of s without interning it.
func (p *Pool) Lookup(s string) (uint32, bool) {
	if p.index == nil {
		p.RebuildIndex()
	}
	id, ok := p.index[s]
	return id, ok
}

// RebuildIndex recomputes the reverse index from Strings.
func (p *Pool) RebuildIndex() {
	p.index = BuildIndex(p.Strings)
}

// Index returns a copy of the reverse index.
func (p *Pool) Index() map[string]uint32 {
	if p.index == nil {
		p.RebuildIndex()
	}
	out := make(map[string]uint32, len(p.index))
	for k, v := range p.index {
		out[k] = v
	}
	return out
}

// Len returns the number of interned strings.
func (p *Pool) Len() int {
	return len(p.Strings)
}
