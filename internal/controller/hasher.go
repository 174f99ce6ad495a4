package controller

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// GenesisHashSeed anchors the state hash chain. Every fresh engine starts
// from the same hash so independently replayed instances can be compared.
const GenesisHashSeed = "PerpEngine:genesis:v1"

// StateHasher chains a SHA-256 hash over committed state digests. Hash N
// covers hash N-1, the sequence number, and the digest of the state after
// action N, so any divergence during replay is detected at the first
// differing action.
type StateHasher struct {
	prevHash []byte
}

// NewStateHasher starts a chain from the genesis seed.
func NewStateHasher() *StateHasher {
	seed := sha256.Sum256([]byte(GenesisHashSeed))
	return &StateHasher{prevHash: seed[:]}
}

// ComputeHash extends the chain with a committed state digest and returns
// the new chain head.
func (h *StateHasher) ComputeHash(sequence uint64, digest []byte) []byte {
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], sequence)

	hasher := sha256.New()
	hasher.Write(h.prevHash)
	hasher.Write(seq[:])
	hasher.Write(digest)
	h.prevHash = hasher.Sum(nil)

	out := make([]byte, len(h.prevHash))
	copy(out, h.prevHash)
	return out
}

// CurrentHash returns a copy of the chain head.
func (h *StateHasher) CurrentHash() []byte {
	out := make([]byte, len(h.prevHash))
	copy(out, h.prevHash)
	return out
}

// CurrentHashHex returns the chain head as a hex string for logs and rows.
func (h *StateHasher) CurrentHashHex() string {
	return hex.EncodeToString(h.prevHash)
}

// Restore resets the chain head, used when resuming from a snapshot.
func (h *StateHasher) Restore(hash []byte) {
	h.prevHash = make([]byte, len(hash))
	copy(h.prevHash, hash)
}
