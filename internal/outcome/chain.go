package outcome

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const GenesisCommitment = "CrashLedger:commitments:v1"

// CommitmentChain links every published seed hash to the one before it:
// link[n] = sha256(link[n-1] || height || roundID || seedHash).
// Rewriting any past commitment changes every later link.
type CommitmentChain struct {
	mu     sync.Mutex
	prev   [32]byte
	height uint64
}

func NewCommitmentChain() *CommitmentChain {
	return &CommitmentChain{prev: sha256.Sum256([]byte(GenesisCommitment))}
}

// ResumeCommitmentChain continues from a persisted tip.
func ResumeCommitmentChain(tip [32]byte, height uint64) *CommitmentChain {
	return &CommitmentChain{prev: tip, height: height}
}

func chainLink(prev [32]byte, height uint64, roundID uuid.UUID, seedHash string) [32]byte {
	h := sha256.New()
	h.Write(prev[:])
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], height)
	h.Write(buf[:])
	h.Write(roundID[:])
	h.Write([]byte(seedHash))

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Append adds a commitment and returns the new tip.
func (c *CommitmentChain) Append(roundID uuid.UUID, seedHash string) [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height++
	c.prev = chainLink(c.prev, c.height, roundID, seedHash)
	return c.prev
}

func (c *CommitmentChain) Tip() ([32]byte, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prev, c.height
}

// Link is one persisted chain element.
type Link struct {
	RoundID  uuid.UUID
	SeedHash string
	Hash     string // hex
}

// VerifyChain recomputes links from the genesis and reports the first
// mismatch.
func VerifyChain(links []Link) error {
	prev := sha256.Sum256([]byte(GenesisCommitment))
	for i, l := range links {
		next := chainLink(prev, uint64(i+1), l.RoundID, l.SeedHash)
		if hex.EncodeToString(next[:]) != l.Hash {
			return fmt.Errorf("commitment chain broken at height %d (round %s)", i+1, l.RoundID)
		}
		prev = next
	}
	return nil
}
