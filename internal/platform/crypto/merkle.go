package crypto

import "encoding/hex"

// MerkleRoot builds a binary Merkle tree bottom-up over the given leaf
// hashes and returns the root. Leaf order is significant: the audit
// batcher passes content hashes in ascending entry-id order so that
// independent verifiers recompute the same root. An odd node at any
// level is paired with itself. An empty leaf set hashes to the digest of
// the empty input.
func MerkleRoot(leaves [][]byte) []byte {
	if len(leaves) == 0 {
		return Hash(nil)
	}

	nodes := make([][]byte, len(leaves))
	copy(nodes, leaves)

	for len(nodes) > 1 {
		next := make([][]byte, 0, (len(nodes)+1)/2)
		for i := 0; i < len(nodes); i += 2 {
			left := nodes[i]
			right := left
			if i+1 < len(nodes) {
				right = nodes[i+1]
			}
			combined := make([]byte, 0, len(left)+len(right))
			combined = append(combined, left...)
			combined = append(combined, right...)
			next = append(next, Hash(combined))
		}
		nodes = next
	}

	return nodes[0]
}

// MerkleRootHex returns the hex-encoded Merkle root of the leaves.
func MerkleRootHex(leaves [][]byte) string {
	return hex.EncodeToString(MerkleRoot(leaves))
}
