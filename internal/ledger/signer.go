package ledger

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcutil/base58"
	"github.com/pkg/errors"
)

// Signer holds the fee payer key that signs every submitted transaction.
type Signer struct {
	key *btcec.PrivateKey
}

// GenerateSigner creates a new random secp256k1 payer key.
func GenerateSigner() (*Signer, error) {
	key, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, errors.Wrap(err, "generate payer key")
	}
	return &Signer{key: key}, nil
}

// SignerFromHex loads a payer key from its hex encoding.
func SignerFromHex(s string) (*Signer, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "decode payer key")
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return nil, errors.Errorf("payer key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(raw))
	}
	key, _ := btcec.PrivKeyFromBytes(btcec.S256(), raw)
	return &Signer{key: key}, nil
}

// Hex returns the private key encoding accepted by SignerFromHex.
func (s *Signer) Hex() string {
	return hex.EncodeToString(s.key.Serialize())
}

// PublicKey is the base58 compressed public key used as the transaction payer.
func (s *Signer) PublicKey() string {
	return base58.Encode(s.key.PubKey().SerializeCompressed())
}

// Sign fills tx.Payer and tx.Signature.
func (s *Signer) Sign(tx *Transaction) error {
	tx.Payer = s.PublicKey()
	digest, err := tx.Digest()
	if err != nil {
		return errors.Wrap(err, "digest transaction")
	}
	sig, err := s.key.Sign(digest)
	if err != nil {
		return errors.Wrap(err, "sign transaction")
	}
	tx.Signature = base58.Encode(sig.Serialize())
	return nil
}

// Verify checks tx.Signature against tx.Payer.
func Verify(tx *Transaction) error {
	pubRaw := base58.Decode(tx.Payer)
	pub, err := btcec.ParsePubKey(pubRaw, btcec.S256())
	if err != nil {
		return errors.Wrap(ErrInvalidSignature, "payer key")
	}
	sig, err := btcec.ParseDERSignature(base58.Decode(tx.Signature), btcec.S256())
	if err != nil {
		return errors.Wrap(ErrInvalidSignature, "signature encoding")
	}
	digest, err := tx.Digest()
	if err != nil {
		return errors.Wrap(err, "digest transaction")
	}
	if !sig.Verify(digest, pub) {
		return ErrInvalidSignature
	}
	return nil
}
