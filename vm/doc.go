// Package vm implements the nib runtime core.
//
// This package contains:
//   - Tagged value representation
//   - Typed slab pools with generational handles
//   - Mark-sweep garbage collector with pluggable markers and sweepers
//   - Persistent AVL trees keyed by interned symbols
//   - Environments (lexical scope) and frames (execution state)
//   - Bytecode interpreter with try/throw unwinding
//   - Buffers and typed buffer views
//   - Native function registration and the core native library
//   - CBOR bootstrap images
package vm
