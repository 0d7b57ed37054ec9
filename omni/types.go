package omni

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	AccountsPath      = "/accounts"
	BundlesPath       = "/bundles"
	PrepareBundlePath = "/bundles/prepare"

	APIKeyHeader = "x-api-key"
)

// BundleState is the lifecycle state of a submitted cross-chain bundle.
type BundleState string

const (
	BundlePending   BundleState = "PENDING"
	BundleCompleted BundleState = "COMPLETED"
	BundleFailed    BundleState = "FAILED"
	BundleExpired   BundleState = "EXPIRED"
)

// Call is a single contract call executed by the smart account on the target chain.
type Call struct {
	To    common.Address `json:"to"`
	Value *hexutil.Big   `json:"value"`
	Data  hexutil.Bytes  `json:"data"`
}

// TokenRequest asks the orchestrator to make amount of a token available on the
// target chain before the calls run.
type TokenRequest struct {
	Address common.Address `json:"address"`
	Amount  *hexutil.Big   `json:"amount"`
}

type Owners struct {
	Type     string           `json:"type"`
	Accounts []common.Address `json:"accounts"`
}

type CreateAccountRequest struct {
	Owners Owners `json:"owners"`
}

type CreateAccountResponse struct {
	Address common.Address `json:"address"`
}

type PrepareRequest struct {
	Account       common.Address `json:"account"`
	SourceChainID uint64         `json:"sourceChainId"`
	TargetChainID uint64         `json:"targetChainId"`
	Calls         []Call         `json:"calls"`
	TokenRequests []TokenRequest `json:"tokenRequests"`
}

// PrepareResponse carries the intent the owner must sign before submission.
type PrepareResponse struct {
	IntentHash common.Hash     `json:"intentHash"`
	Intent     json.RawMessage `json:"intent"`
}

type SubmitRequest struct {
	Intent    json.RawMessage `json:"intent"`
	Signature hexutil.Bytes   `json:"signature"`
}

type SubmitResponse struct {
	BundleID string `json:"bundleId"`
}

// BundleStatus is returned by the bundle status endpoint.
type BundleStatus struct {
	ID                  string       `json:"id"`
	Status              BundleState  `json:"status"`
	TargetChainID       uint64       `json:"targetChainId,omitempty"`
	FillTransactionHash *common.Hash `json:"fillTransactionHash,omitempty"`
	Error               string       `json:"error,omitempty"`
}
