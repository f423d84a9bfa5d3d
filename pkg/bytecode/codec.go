package bytecode

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Canonical mode keeps encoding deterministic so identical programs
// produce identical cache files.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal serializes a Program to CBOR bytes. The pool's reverse index is
// not part of the encoding.
func Marshal(p *Program) ([]byte, error) {
	data, err := cborEncMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("bytecode: marshal program: %w", err)
	}
	return data, nil
}

// Unmarshal deserializes a Program from CBOR bytes, rebuilds the pool
// index from the stored string sequence and validates the result.
// It does not check SchemaVersion; callers decide what a mismatch means.
func Unmarshal(data []byte) (*Program, error) {
	var p Program
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal program: %w", err)
	}
	if p.Pool == nil {
		p.Pool = NewPool()
	}
	p.Pool.RebuildIndex()
	if p.Functions == nil {
		p.Functions = make(map[string]int)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
