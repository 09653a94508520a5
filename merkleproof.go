package txsync

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// errBadMerkleProof is returned when a merkle block fails structural
	// validation. The remote data source is untrusted, but its proofs
	// must still be internally self-consistent.
	errBadMerkleProof = errors.New("invalid merkle proof")
)

// merkleExtractor walks the partial merkle tree encoded in a merkle block
// and recovers the matched leaves, mirroring the traversal the proof's
// producer performed. The flag bits drive a depth-first descent: a set bit
// on an inner node means the node's hash must be recomputed from its
// children, a cleared bit means the node's hash is given directly. A set bit
// on a leaf marks a matched transaction.
type merkleExtractor struct {
	numTransactions uint32
	hashes          []*chainhash.Hash
	flags           []byte

	bitsUsed   uint32
	hashesUsed uint32

	matches []chainhash.Hash
	indexes []uint32

	bad bool
}

// treeWidth returns the number of nodes at the given tree height.
func (m *merkleExtractor) treeWidth(height uint32) uint32 {
	return (m.numTransactions + (1 << height) - 1) >> height
}

// nextBit consumes one flag bit, marking the proof bad when the flag stream
// is exhausted.
func (m *merkleExtractor) nextBit() bool {
	if m.bitsUsed >= uint32(len(m.flags)*8) {
		m.bad = true
		return false
	}

	bit := m.flags[m.bitsUsed/8]>>(m.bitsUsed%8)&1 == 1
	m.bitsUsed++

	return bit
}

// traverse recomputes the hash of the node at (height, pos), recording
// matched leaves along the way.
func (m *merkleExtractor) traverse(height, pos uint32) chainhash.Hash {
	if m.bad {
		return chainhash.Hash{}
	}

	parentOfMatch := m.nextBit()
	if height == 0 || !parentOfMatch {
		// The node's hash is serialized directly. At height 0 a set
		// flag additionally marks the leaf as a match.
		if m.hashesUsed >= uint32(len(m.hashes)) {
			m.bad = true
			return chainhash.Hash{}
		}

		hash := *m.hashes[m.hashesUsed]
		m.hashesUsed++

		if height == 0 && parentOfMatch {
			m.matches = append(m.matches, hash)
			m.indexes = append(m.indexes, pos)
		}

		return hash
	}

	// Inner node along a match path: descend and recompute.
	left := m.traverse(height-1, pos*2)

	var right chainhash.Hash
	if pos*2+1 < m.treeWidth(height-1) {
		right = m.traverse(height-1, pos*2+1)
		if right == left {
			// Identical left and right subtrees would allow the
			// same proof to commit to two different transaction
			// lists (CVE-2012-2459).
			m.bad = true
		}
	} else {
		// Odd node count at this level, the last hash is paired with
		// itself.
		right = left
	}

	return blockchain.HashMerkleBranches(&left, &right)
}

// extractMatches validates the partial merkle tree carried by the given
// merkle block and returns the matched txids along with their in-block
// positions. The recomputed merkle root must commit to the block header's
// root, every serialized hash must be consumed, and no flag bits beyond
// byte padding may be left over; anything else fails validation.
func extractMatches(mb *wire.MsgMerkleBlock) ([]chainhash.Hash, []uint32,
	error) {

	if mb.Transactions == 0 {
		return nil, nil, fmt.Errorf("%w: empty block",
			errBadMerkleProof)
	}
	if uint32(len(mb.Hashes)) > mb.Transactions {
		return nil, nil, fmt.Errorf("%w: more hashes than "+
			"transactions", errBadMerkleProof)
	}
	if len(mb.Flags)*8 < len(mb.Hashes) {
		return nil, nil, fmt.Errorf("%w: not enough flag bits",
			errBadMerkleProof)
	}

	extractor := &merkleExtractor{
		numTransactions: mb.Transactions,
		hashes:          mb.Hashes,
		flags:           mb.Flags,
	}

	// The traversal starts at the lowest height whose width is one, the
	// root.
	var height uint32
	for extractor.treeWidth(height) > 1 {
		height++
	}

	root := extractor.traverse(height, 0)
	if extractor.bad {
		return nil, nil, fmt.Errorf("%w: malformed partial merkle "+
			"tree", errBadMerkleProof)
	}

	// All flag bits except byte-alignment padding must have been
	// consumed, as must every serialized hash.
	if (extractor.bitsUsed+7)/8 != uint32(len(mb.Flags)) {
		return nil, nil, fmt.Errorf("%w: unused flag bits",
			errBadMerkleProof)
	}
	if extractor.hashesUsed != uint32(len(mb.Hashes)) {
		return nil, nil, fmt.Errorf("%w: unused hashes",
			errBadMerkleProof)
	}

	if !root.IsEqual(&mb.Header.MerkleRoot) {
		return nil, nil, fmt.Errorf("%w: merkle root mismatch",
			errBadMerkleProof)
	}

	return extractor.matches, extractor.indexes, nil
}
