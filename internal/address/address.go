// Package address derives ledger account addresses from a program id and seeds.
package address

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

// Size of every address and principal key.
const Size = 32

// MaxSeedLen is the per-seed limit enforced by the ledger.
const MaxSeedLen = 32

const derivationMarker = "ProgramDerivedAddress"

var (
	ErrSeedTooLong = errors.New("address: seed exceeds 32 bytes")
	ErrInvalid     = errors.New("address: invalid base58 address")
)

// Address is a 32-byte account address or principal key.
type Address [Size]byte

// Zero reports whether a is the zero address.
func (a Address) Zero() bool { return a == Address{} }

func (a Address) String() string { return base58.Encode(a[:]) }

func (a Address) Bytes() []byte { return a[:] }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Parse decodes a base58 address. base58.Decode returns an empty slice on bad input.
func Parse(s string) (Address, error) {
	var a Address
	if s == "" {
		return a, ErrInvalid
	}
	raw := base58.Decode(s)
	if len(raw) != Size {
		return a, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	copy(a[:], raw)
	return a, nil
}

// MustParse panics on malformed input; for constants and tests.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromBytes copies b into an Address. b must be exactly Size bytes.
func FromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != Size {
		return a, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalid, Size, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// Derive hashes the seeds, the program id and a fixed marker into an address.
// The same inputs always yield the same address.
func Derive(programID Address, seeds ...[]byte) (Address, error) {
	var buf bytes.Buffer
	for _, s := range seeds {
		if len(s) > MaxSeedLen {
			return Address{}, ErrSeedTooLong
		}
		buf.Write(s)
	}
	buf.Write(programID[:])
	buf.WriteString(derivationMarker)
	return Address(sha256.Sum256(buf.Bytes())), nil
}

// Deriver binds a program id and seed prefixes.
type Deriver struct {
	ProgramID Address
	BatchSeed string
	StageSeed string
}

// NewDeriver uses the default "batch" and "stage" seed prefixes.
func NewDeriver(programID Address) Deriver {
	return Deriver{ProgramID: programID, BatchSeed: "batch", StageSeed: "stage"}
}

// Batch returns the account address of the batch with the given on-chain id.
func (d Deriver) Batch(onchainID string) (Address, error) {
	return Derive(d.ProgramID, []byte(d.BatchSeed), []byte(onchainID))
}

// Stage returns the address of stage index of a batch. The index is encoded as
// two little-endian bytes.
func (d Deriver) Stage(batch Address, index uint16) (Address, error) {
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], index)
	return Derive(d.ProgramID, []byte(d.StageSeed), batch[:], idx[:])
}
