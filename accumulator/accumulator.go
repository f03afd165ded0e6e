// Package accumulator implements the append-only hash accumulator used as
// the audit substrate throughout SentinelMesh. Leaves are SHA-256 hashes of
// appended records; the root is a Merkle combination recomputed bottom-up
// from all leaves on every query, so root cost is proportional to the leaf
// count. Inclusion proofs record, per level, the sibling hash and which
// side it sits on, and verify without access to the accumulator itself.
//
// The combination rule is fixed: parent = SHA-256(left ‖ right), with the
// last hash duplicated at any level holding an odd count. Implementations
// that cache intermediate levels must remain hash-identical to this rule.
package accumulator

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/hupe1980/sentinelmesh/core"
)

// emptySentinel is hashed to produce the root of an accumulator with zero
// leaves. It is a fixed constant so empty roots compare equal across
// instances and processes.
const emptySentinel = "sentinelmesh:empty"

// Proof is an inclusion proof for one leaf. It is self-contained: Verify
// needs no access to the accumulator that produced it.
type Proof struct {
	LeafHash []byte      `json:"leaf_hash"`
	Index    int         `json:"index"`
	Root     []byte      `json:"root"`
	Path     []ProofStep `json:"path"`
}

// ProofStep records one level of the pairwise combination walk: the sibling
// hash and whether it lies to the left of the running hash.
type ProofStep struct {
	Sibling []byte `json:"sibling"`
	Left    bool   `json:"left"`
}

// Accumulator is an append-only sequence of leaf hashes with a derived
// Merkle root. Safe for concurrent use.
type Accumulator struct {
	mu     sync.RWMutex
	leaves [][]byte
}

// New constructs an empty accumulator.
func New() *Accumulator {
	return &Accumulator{}
}

// Append hashes data, appends the leaf hash and returns it.
func (a *Accumulator) Append(data []byte) []byte {
	leaf := hashLeaf(data)
	a.mu.Lock()
	a.leaves = append(a.leaves, leaf)
	a.mu.Unlock()
	return leaf
}

// AppendRecord canonically encodes v (deterministic CBOR) and appends the
// resulting bytes. Used for structured audit entries and message digests so
// the same logical record always yields the same leaf hash.
func (a *Accumulator) AppendRecord(v any) ([]byte, error) {
	data, err := core.CanonicalMarshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding accumulator record: %w", err)
	}
	return a.Append(data), nil
}

// Size returns the number of appended leaves.
func (a *Accumulator) Size() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.leaves)
}

// Root recomputes and returns the Merkle root over all leaves. With zero
// leaves it returns the hash of the empty sentinel, a constant independent
// of the instance.
func (a *Accumulator) Root() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return computeRoot(a.leaves)
}

// GenerateProof builds an inclusion proof for the leaf at index. It walks
// the same pairwise combination as Root, recording the sibling hash and its
// side at every level.
func (a *Accumulator) GenerateProof(index int) (*Proof, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if index < 0 || index >= len(a.leaves) {
		return nil, fmt.Errorf("%w: index %d, size %d", core.ErrIndexOutOfRange, index, len(a.leaves))
	}

	proof := &Proof{
		LeafHash: cloneHash(a.leaves[index]),
		Index:    index,
	}

	level := make([][]byte, len(a.leaves))
	copy(level, a.leaves)
	pos := index

	for len(level) > 1 {
		sibling := pos ^ 1
		if sibling >= len(level) {
			// Odd count at this level: the last hash pairs with itself.
			sibling = pos
		}
		proof.Path = append(proof.Path, ProofStep{
			Sibling: cloneHash(level[sibling]),
			Left:    sibling < pos,
		})
		level = combineLevel(level)
		pos /= 2
	}

	proof.Root = cloneHash(level[0])
	return proof, nil
}

// Verify replays the proof's recorded path, combining the leaf hash with
// each sibling in order and on the recorded side, and reports whether the
// final hash equals the proof's root. Pure function over the proof.
func Verify(proof *Proof) bool {
	if proof == nil || len(proof.LeafHash) != sha256.Size {
		return false
	}
	current := proof.LeafHash
	for _, step := range proof.Path {
		if step.Left {
			current = hashPair(step.Sibling, current)
		} else {
			current = hashPair(current, step.Sibling)
		}
	}
	return bytes.Equal(current, proof.Root)
}

// VerifyData additionally checks that the proof's leaf hash matches the
// hash of data before verifying the path.
func VerifyData(data []byte, proof *Proof) bool {
	if proof == nil || !bytes.Equal(hashLeaf(data), proof.LeafHash) {
		return false
	}
	return Verify(proof)
}

func hashLeaf(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func hashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// combineLevel produces the next level up, pairing adjacent hashes and
// duplicating the last one when the count is odd.
func combineLevel(level [][]byte) [][]byte {
	next := make([][]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		left := level[i]
		right := left
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, hashPair(left, right))
	}
	return next
}

func computeRoot(leaves [][]byte) []byte {
	if len(leaves) == 0 {
		return hashLeaf([]byte(emptySentinel))
	}
	level := make([][]byte, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		level = combineLevel(level)
	}
	return cloneHash(level[0])
}

func cloneHash(h []byte) []byte {
	out := make([]byte, len(h))
	copy(out, h)
	return out
}
