// Package ring implements the hash ring that maps point keys to shards.
//
// Every shard owns a fixed number of virtual nodes (DefaultVirtualNodes).
// A token is the murmur3 hash of the pair (shard id, virtual index); a key is
// owned by the first token at or after its own hash, wrapping at the end of
// the ring. Adding or removing a shard only remaps keys between the changed
// tokens and their clockwise neighbors.
//
// Routing is a pure function of the member set and the key: two rings with
// the same members route every key identically, no matter in which order
// the shards were added.
package ring
