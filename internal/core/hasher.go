package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"

	"VaultEngine/internal/liquidation"
)

const genesisHashSeed = "VaultEngine:genesis:v1"

// StateHasher chains snapshot digests so a restored snapshot can be
// checked against the digest recorded when it was taken.
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(genesisHashSeed)),
	}
}

// ComputeHash calculates hash[N] = SHA-256(prev_hash || sequence || digest)
// and advances the chain tip.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// PrevHash returns the current chain tip.
func (h *StateHasher) PrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resets the chain tip, used when restoring from a
// snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// SnapshotDigest hashes the canonical serialized form of the ledger.
// Snapshot slices are sorted, so two states with equal contents always
// digest identically.
func SnapshotDigest(snap *liquidation.StateSnapshot) ([32]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}
