package outcome

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// e is 2^52, the range of the derived integer h.
const e uint64 = 1 << 52

// Seeds fully determine a round's natural crash point.
type Seeds struct {
	ServerSeed string
	ClientSeed string
	Nonce      uint64
}

// NewServerSeed draws 32 bytes from crypto/rand, hex encoded.
func NewServerSeed() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("server seed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashSeed returns hex(sha256(serverSeed)), the value published before a
// round starts.
func HashSeed(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}

// DeriveH returns the top 52 bits of HMAC-SHA256(serverSeed, "clientSeed:nonce").
func DeriveH(s Seeds) uint64 {
	mac := hmac.New(sha256.New, []byte(s.ServerSeed))
	mac.Write([]byte(s.ClientSeed + ":" + strconv.FormatUint(s.Nonce, 10)))
	sum := hex.EncodeToString(mac.Sum(nil))

	h, _ := strconv.ParseUint(sum[:13], 16, 64)
	return h
}

// NaturalCrashPoint maps h in [0, 2^52) to floor(100·e/(e−h))/100, never
// below 1.00.
func NaturalCrashPoint(h uint64) decimal.Decimal {
	h &= e - 1
	hundredths := (100 * e) / (e - h)
	if hundredths < 100 {
		hundredths = 100
	}
	return decimal.New(int64(hundredths), -2)
}

// CrashPoint derives the natural crash point from seeds.
func CrashPoint(s Seeds) decimal.Decimal {
	return NaturalCrashPoint(DeriveH(s))
}

// VerifyRequest is what a player submits to check a finished round.
type VerifyRequest struct {
	ServerSeed string
	ClientSeed string
	Nonce      uint64
	SeedHash   string // optional: the hash published before the round
}

type VerifyResult struct {
	SeedHash    string
	HashMatches bool
	CrashPoint  decimal.Decimal
}

// Verify recomputes the natural crash point from revealed seeds.
func Verify(req VerifyRequest) (VerifyResult, error) {
	if req.ServerSeed == "" {
		return VerifyResult{}, fmt.Errorf("server seed is required")
	}
	hash := HashSeed(req.ServerSeed)
	return VerifyResult{
		SeedHash:    hash,
		HashMatches: req.SeedHash == "" || hmac.Equal([]byte(hash), []byte(req.SeedHash)),
		CrashPoint:  CrashPoint(Seeds{ServerSeed: req.ServerSeed, ClientSeed: req.ClientSeed, Nonce: req.Nonce}),
	}, nil
}
