package hash

import "sort"

// MerkleTree computes an order-independent root over a set of leaf digests.
// Leaves are sorted before pairing, so the same asset set always produces
// the same root regardless of declaration order. Install receipts record
// the root over a package's asset hashes.
type MerkleTree struct {
	leaves []Digest
}

func NewMerkleTree() *MerkleTree {
	return &MerkleTree{leaves: make([]Digest, 0)}
}

func (mt *MerkleTree) AddLeaf(d Digest) {
	mt.leaves = append(mt.leaves, d)
}

func (mt *MerkleTree) LeafCount() int {
	return len(mt.leaves)
}

// Root returns the Merkle root, or the empty digest for an empty tree.
func (mt *MerkleTree) Root() Digest {
	if len(mt.leaves) == 0 {
		return ""
	}

	level := make([]Digest, len(mt.leaves))
	copy(level, mt.leaves)
	sort.Slice(level, func(i, j int) bool { return level[i] < level[j] })

	for len(level) > 1 {
		var next []Digest
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, Sum([]byte(string(left)+string(right))))
		}
		level = next
	}
	return level[0]
}
