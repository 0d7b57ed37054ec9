package bundler

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// EntryPointV06 is the canonical ERC-4337 v0.6 EntryPoint deployment.
var EntryPointV06 = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

// UserOperation represents an EIP-4337 style transaction for a smart contract account
// (v0.6 field layout, hex encoded on the wire).
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// GasEstimate is the result of eth_estimateUserOperationGas.
type GasEstimate struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
}

// UserOperationReceipt is the result of eth_getUserOperationReceipt.
type UserOperationReceipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Sender        common.Address `json:"sender"`
	Paymaster     common.Address `json:"paymaster"`
	Nonce         *hexutil.Big   `json:"nonce"`
	Success       bool           `json:"success"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big   `json:"actualGasUsed"`
	Reason        string         `json:"reason,omitempty"` // revert reason if failed
	Receipt       TxReceipt      `json:"receipt"`
}

// TxReceipt is the bundle transaction part of a user operation receipt.
type TxReceipt struct {
	TransactionHash common.Hash  `json:"transactionHash"`
	BlockNumber     *hexutil.Big `json:"blockNumber"`
	GasUsed         *hexutil.Big `json:"gasUsed"`
}

var (
	addressT = mustType("address")
	uint256T = mustType("uint256")
	bytes32T = mustType("bytes32")

	packArgs = abi.Arguments{
		{Type: addressT}, {Type: uint256T}, {Type: bytes32T}, {Type: bytes32T},
		{Type: uint256T}, {Type: uint256T}, {Type: uint256T}, {Type: uint256T}, {Type: uint256T},
		{Type: bytes32T},
	}
	hashArgs = abi.Arguments{{Type: bytes32T}, {Type: addressT}, {Type: uint256T}}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func bigOf(h *hexutil.Big) *big.Int {
	if h == nil {
		return new(big.Int)
	}
	return h.ToInt()
}

// Hash returns the v0.6 user operation hash for entryPoint on chainID.
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := packArgs.Pack(
		op.Sender,
		bigOf(op.Nonce),
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		bigOf(op.CallGasLimit),
		bigOf(op.VerificationGasLimit),
		bigOf(op.PreVerificationGas),
		bigOf(op.MaxFeePerGas),
		bigOf(op.MaxPriorityFeePerGas),
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
	if err != nil {
		return common.Hash{}, err
	}
	enc, err := hashArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}
