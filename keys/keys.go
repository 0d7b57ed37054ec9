package keys

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Record is the persisted form of a generated key. Address is the account the
// key controls, which for smart accounts differs from the key's own address.
type Record struct {
	Address    string `json:"address"`
	PrivateKey string `json:"privateKey"`
	Funded     bool   `json:"funded,omitempty"`
}

// Key returns the parsed private key held by the record.
func (r *Record) Key() (*ecdsa.PrivateKey, error) {
	return FromHex(r.PrivateKey)
}

// Generate creates a new secp256k1 private key.
func Generate() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// FromHex parses a hex encoded private key, with or without the 0x prefix.
func FromHex(s string) (*ecdsa.PrivateKey, error) {
	k, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return k, nil
}

// ToHex encodes the private key as a 0x prefixed hex string.
func ToHex(k *ecdsa.PrivateKey) string {
	return hexutil.Encode(crypto.FromECDSA(k))
}

// Address returns the EOA address of k.
func Address(k *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(k.PublicKey)
}
