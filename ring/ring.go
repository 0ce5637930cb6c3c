package ring

import (
	"encoding/binary"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/vecshard/model"
	"github.com/spaolacci/murmur3"
)

// DefaultVirtualNodes is the number of ring tokens per shard.
const DefaultVirtualNodes = 100

// tokenSeed keeps token hashes apart from key hashes. With the key seed, the
// encoding of (shard s, vnode v) equals the encoding of point id s<<32|v.
const tokenSeed = 0x7665636b

// ErrNoShards is returned by Route on an empty ring.
var ErrNoShards = errors.New("ring: no shards")

// Token is one virtual node on the ring.
type Token struct {
	Hash  uint64
	Shard model.ShardID
}

// state is immutable once published.
type state struct {
	tokens []Token         // sorted by (Hash, Shard)
	shards []model.ShardID // sorted
}

// Ring maps keys to shards with consistent hashing.
//
// Reads never block: they load the current immutable state. Structural
// changes build a new state and swap it in, so a concurrent Route never
// observes a partially updated ring.
type Ring struct {
	mu     sync.Mutex // serializes writers
	vnodes int
	state  atomic.Pointer[state]
}

// Option configures a Ring.
type Option func(*Ring)

// WithVirtualNodes sets the number of tokens per shard.
func WithVirtualNodes(n int) Option {
	return func(r *Ring) {
		if n > 0 {
			r.vnodes = n
		}
	}
}

// New creates an empty ring.
func New(optFns ...Option) *Ring {
	r := &Ring{vnodes: DefaultVirtualNodes}
	for _, fn := range optFns {
		fn(r)
	}
	r.state.Store(&state{})
	return r
}

// Of creates a ring holding the given shards.
func Of(ids []model.ShardID, optFns ...Option) *Ring {
	r := New(optFns...)
	for _, id := range ids {
		r.AddShard(id)
	}
	return r
}

// VirtualNodes returns the number of tokens per shard.
func (r *Ring) VirtualNodes() int { return r.vnodes }

// AddShard places the shard's virtual nodes on the ring. Adding a member is
// a no-op.
func (r *Ring) AddShard(id model.ShardID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	if contains(cur.shards, id) {
		return
	}

	next := &state{
		tokens: make([]Token, 0, len(cur.tokens)+r.vnodes),
		shards: make([]model.ShardID, 0, len(cur.shards)+1),
	}
	next.tokens = append(next.tokens, cur.tokens...)
	for v := 0; v < r.vnodes; v++ {
		next.tokens = append(next.tokens, Token{Hash: tokenHash(id, uint32(v)), Shard: id}) //nolint:gosec // vnodes is small
	}
	sort.Slice(next.tokens, func(i, j int) bool { return less(next.tokens[i], next.tokens[j]) })

	next.shards = append(next.shards, cur.shards...)
	next.shards = append(next.shards, id)
	sort.Slice(next.shards, func(i, j int) bool { return next.shards[i] < next.shards[j] })

	r.state.Store(next)
}

// RemoveShard removes the shard's virtual nodes. Removing a non-member is a
// no-op.
func (r *Ring) RemoveShard(id model.ShardID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	if !contains(cur.shards, id) {
		return
	}

	next := &state{
		tokens: make([]Token, 0, len(cur.tokens)),
		shards: make([]model.ShardID, 0, len(cur.shards)),
	}
	for _, t := range cur.tokens {
		if t.Shard != id {
			next.tokens = append(next.tokens, t)
		}
	}
	for _, s := range cur.shards {
		if s != id {
			next.shards = append(next.shards, s)
		}
	}

	r.state.Store(next)
}

// Route returns the shard owning key: the first token clockwise from the
// key's hash, wrapping around.
func (r *Ring) Route(key []byte) (model.ShardID, error) {
	return r.route(murmur3.Sum64(key))
}

// RouteID routes a point id. It is Route over the id's 8-byte big-endian
// encoding.
func (r *Ring) RouteID(id model.PointID) (model.ShardID, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return r.Route(buf[:])
}

func (r *Ring) route(h uint64) (model.ShardID, error) {
	s := r.state.Load()
	if len(s.tokens) == 0 {
		return 0, ErrNoShards
	}
	i := sort.Search(len(s.tokens), func(i int) bool { return s.tokens[i].Hash >= h })
	if i == len(s.tokens) {
		i = 0
	}
	return s.tokens[i].Shard, nil
}

// Shards returns the member shards in ascending order.
func (r *Ring) Shards() []model.ShardID {
	s := r.state.Load()
	out := make([]model.ShardID, len(s.shards))
	copy(out, s.shards)
	return out
}

// Contains reports whether id is a member.
func (r *Ring) Contains(id model.ShardID) bool {
	return contains(r.state.Load().shards, id)
}

// Len returns the number of member shards.
func (r *Ring) Len() int {
	return len(r.state.Load().shards)
}

// Tokens returns a copy of the ring's tokens in ring order.
func (r *Ring) Tokens() []Token {
	s := r.state.Load()
	out := make([]Token, len(s.tokens))
	copy(out, s.tokens)
	return out
}

// Moved counts the keys whose owner differs between a and b.
func Moved(a, b *Ring, keys [][]byte) int {
	n := 0
	for _, k := range keys {
		sa, errA := a.Route(k)
		sb, errB := b.Route(k)
		if (errA == nil) != (errB == nil) || sa != sb {
			n++
		}
	}
	return n
}

func tokenHash(id model.ShardID, vindex uint32) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(id))
	binary.BigEndian.PutUint32(buf[4:8], vindex)
	return murmur3.Sum64WithSeed(buf[:], tokenSeed)
}

// less orders tokens by hash; equal hashes go to the lower shard id so the
// layout does not depend on insertion order.
func less(a, b Token) bool {
	if a.Hash != b.Hash {
		return a.Hash < b.Hash
	}
	return a.Shard < b.Shard
}

func contains(shards []model.ShardID, id model.ShardID) bool {
	i := sort.Search(len(shards), func(i int) bool { return shards[i] >= id })
	return i < len(shards) && shards[i] == id
}
