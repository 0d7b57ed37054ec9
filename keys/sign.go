package keys

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignHash signs a 32 byte digest and returns a 65 byte signature with v in {27, 28},
// the form expected by on-chain ecrecover and the provider APIs.
func SignHash(privKey *ecdsa.PrivateKey, hash common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(hash.Bytes(), privKey)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// SignPersonal signs hash using the EIP-191 personal message prefix.
func SignPersonal(privKey *ecdsa.PrivateKey, hash common.Hash) ([]byte, error) {
	return SignHash(privKey, common.BytesToHash(accounts.TextHash(hash.Bytes())))
}
