package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "PerpClearing:genesis:v1"

// StateHasher chains envelope hashes per partition
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with the genesis hash of partition
func NewStateHasher(partition string) *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(partition),
	}
}

// GenesisHash is the chain root of one partition.
func GenesisHash(partition string) [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed + ":" + partition))
}

// ComputeHash calculates hash[N] = SHA-256(prev_hash || sequence || payload || state_digest)
func (h *StateHasher) ComputeHash(sequence int64, payload, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	// Write prev_hash (32 bytes)
	hasher.Write(h.prevHash[:])

	// Write sequence (8 bytes LE)
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	// Length-prefix the payload so payload and digest cannot be confused
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	hasher.Write(lenBuf[:])
	hasher.Write(payload)

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	// Update prev_hash for next iteration
	h.prevHash = hash

	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resumes the chain from a persisted tip (used during recovery)
func (h *StateHasher) SetPrevHash(tip [32]byte) {
	h.prevHash = tip
}
