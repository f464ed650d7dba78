// Package signing provides Ed25519 signing and verification over the
// canonical JSON digest of a message's signable fields, mirroring the
// `self.bc.sign(dct, add_data=True, use_digest=True)` /
// `self.bc.verify(dct_data=..., ...)` shape used by every cross-oracle
// message in the protocol this engine implements.
package signing

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"

	"github.com/Ratio1/edge-node-sub001/internal/types"
)

// Digest returns the SHA-256 digest of the canonical JSON encoding of v.
// encoding/json serializes Go maps with sorted keys, which matches the
// sort_keys=True JSON digesting the original protocol signs over.
func Digest(v any) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("signing: encode digest input: %w", err)
	}
	sum := sha256.Sum256(buf)
	return sum[:], nil
}

// Signer signs digests of arbitrary signable objects with a node's private
// key.
type Signer struct {
	addr types.NodeAddress
	priv ed25519.PrivateKey
}

// NewSigner derives a Signer from a 32-byte Ed25519 seed. The node address is
// the hex encoding of the derived public key, matching the "opaque string
// identifier derived from the node's signing key" data-model definition.
func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{addr: AddressFromPublicKey(pub), priv: priv}, nil
}

// Address returns the signer's own node address.
func (s *Signer) Address() types.NodeAddress {
	return s.addr
}

// Sign signs the digest of v and returns the raw Ed25519 signature.
func (s *Signer) Sign(v any) ([]byte, error) {
	digest, err := Digest(v)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(s.priv, digest), nil
}

// PublicKey returns the raw Ed25519 public key backing this signer, for
// registering with a Verifier.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// AddressFromPublicKey derives the canonical node address for a public key.
func AddressFromPublicKey(pub ed25519.PublicKey) types.NodeAddress {
	return types.NodeAddress(fmt.Sprintf("0x%x", []byte(pub)))
}

// KeyResolver resolves a node address to its currently-registered public
// key. It is satisfied by registry.Registry.
type KeyResolver interface {
	PublicKey(addr types.NodeAddress) (ed25519.PublicKey, bool)
}

// Verifier verifies signatures produced by Signer against a resolved public
// key for the claimed signer address.
type Verifier struct {
	keys KeyResolver
}

// NewVerifier builds a Verifier backed by keys.
func NewVerifier(keys KeyResolver) *Verifier {
	return &Verifier{keys: keys}
}

// Verify checks that signature is a valid Ed25519 signature by signer over
// the canonical digest of v.
func (ver *Verifier) Verify(signer types.NodeAddress, v any, signature []byte) (bool, error) {
	pub, ok := ver.keys.PublicKey(signer)
	if !ok {
		return false, fmt.Errorf("signing: unknown signer %q", signer)
	}
	digest, err := Digest(v)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, digest, signature), nil
}
