package outcome

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/sign/schnorr"
	"go.dedis.ch/kyber/v4/suites"
)

// Signer produces Schnorr signatures over published seed hashes so a player
// can prove which hash the operator committed to for a round.
type Signer struct {
	suite   suites.Suite
	private kyber.Scalar
	public  kyber.Point
}

// NewSigner creates a signer with a fresh Ed25519 key pair.
func NewSigner() *Signer {
	suite := suites.MustFind("Ed25519")
	private := suite.Scalar().Pick(suite.RandomStream())
	return &Signer{
		suite:   suite,
		private: private,
		public:  suite.Point().Mul(private, nil),
	}
}

// NewSignerFromHex restores a signer from a hex-encoded private scalar.
func NewSignerFromHex(privateHex string) (*Signer, error) {
	raw, err := hex.DecodeString(privateHex)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	suite := suites.MustFind("Ed25519")
	private := suite.Scalar()
	if err := private.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("unmarshal signing key: %w", err)
	}
	return &Signer{suite: suite, private: private, public: suite.Point().Mul(private, nil)}, nil
}

// PublicKey returns the hex-encoded public point.
func (s *Signer) PublicKey() string {
	raw, err := s.public.MarshalBinary()
	if err != nil {
		return ""
	}
	return hex.EncodeToString(raw)
}

func commitmentMessage(roundID uuid.UUID, seedHash string) []byte {
	msg := make([]byte, 0, 16+len(seedHash))
	msg = append(msg, roundID[:]...)
	return append(msg, seedHash...)
}

// Sign signs roundID || seedHash and returns the hex signature.
func (s *Signer) Sign(roundID uuid.UUID, seedHash string) (string, error) {
	sig, err := schnorr.Sign(s.suite, s.private, commitmentMessage(roundID, seedHash))
	if err != nil {
		return "", fmt.Errorf("sign commitment: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// VerifyCommitment checks a signature produced by Sign against publicHex.
func VerifyCommitment(publicHex string, roundID uuid.UUID, seedHash, sigHex string) error {
	suite := suites.MustFind("Ed25519")

	raw, err := hex.DecodeString(publicHex)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	public := suite.Point()
	if err := public.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("unmarshal public key: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	return schnorr.Verify(suite, public, commitmentMessage(roundID, seedHash), sig)
}
