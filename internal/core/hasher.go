package core

import (
	"StableLedger/internal/ledger"
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/holiman/uint256"
)

const GenesisHashSeed = "StableLedger:genesis:v1"

// StateHasher maintains the state hash chain
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// GenesisHash is the chain tip before sequence 1
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the chain tip
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hash := chainHash(h.prevHash, sequence, stateDigest)
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resets the chain tip, used when restoring from a snapshot
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

func chainHash(prev [32]byte, sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// computeStateDigest creates canonical bytes over the post-state of every
// account the batch touched: len(path) || path || balance (32 bytes BE),
// ordered by account path
func computeStateDigest(l *ledger.Ledger, batch *ledger.Batch) []byte {
	if batch == nil {
		return nil
	}

	seen := make(map[ledger.AccountKey]struct{}, len(batch.Journals))
	accounts := make([]ledger.AccountKey, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		if _, ok := seen[j.Account]; ok {
			continue
		}
		seen[j.Account] = struct{}{}
		accounts = append(accounts, j.Account)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*96)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendUint256BE(digest, l.GetBalance(key))
	}
	return digest
}

func appendUint256BE(buf []byte, v *uint256.Int) []byte {
	b := v.Bytes32()
	return append(buf, b[:]...)
}
