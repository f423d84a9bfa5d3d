// Package bytecode defines the compiled form of a hacker-lang program and
// the operations that work on it without executing it.
//
// A Program is an addressable arena of fixed-shape instructions. Jump
// targets and function entries are plain indices into Program.Ops, so
// removing instructions is a single pass over an old-to-new index table
// (see StripNops).
//
// # String Pool
//
// Every command, key, value and message is interned into a Pool and
// instructions refer to pool indices. Within one program identical
// strings always share an index. The pool's reverse index is never
// serialized; it is derived from the string sequence with BuildIndex on
// every load.
//
// # Serialization
//
// Programs are encoded as canonical CBOR (Marshal/Unmarshal). The schema
// version is the only compatibility check: a program whose SchemaVersion
// differs from SchemaVersion must not be trusted.
package bytecode
