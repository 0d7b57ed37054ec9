package bundler

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ATMackay/aa-compare/chain"
	"github.com/ATMackay/aa-compare/keys"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

// delegationPrefix is the EIP-7702 delegation designator: 0xef0100 || address.
var delegationPrefix = []byte{0xef, 0x01, 0x00}

const (
	delegationGas     = 100_000
	defaultMinedDelay = 2 * time.Second
)

// dummySignature has the right length for gas estimation; bundlers reject empty signatures.
var dummySignature = hexutil.MustDecode("0xffffffffffffffffffffffffffffffff000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")

const accountABIJSON = `[
{"type":"function","name":"execute","stateMutability":"nonpayable","inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],"outputs":[]},
{"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]}
]`

var accountABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(accountABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

var ErrMissingSponsor = errors.New("delegation sponsor key is required")

// ParseDelegation returns the implementation an EOA delegates to, if its code is
// an EIP-7702 designator.
func ParseDelegation(code []byte) (common.Address, bool) {
	if len(code) != len(delegationPrefix)+common.AddressLength || !bytes.HasPrefix(code, delegationPrefix) {
		return common.Address{}, false
	}
	return common.BytesToAddress(code[len(delegationPrefix):]), true
}

// Call is a single call executed through the delegated account.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// Delegator upgrades EOAs with EIP-7702 and sends user operations from them.
type Delegator struct {
	Chain          chain.Client
	Bundler        *Client
	Sponsor        *ecdsa.PrivateKey // pays for the SetCode transaction
	Implementation common.Address    // smart account implementation delegated to
	Paymaster      []byte            // optional paymasterAndData for sponsored user operations
	MinedInterval  time.Duration
	Logger         *logrus.Entry
}

func (d *Delegator) log() *logrus.Entry {
	if d.Logger == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return d.Logger
}

func (d *Delegator) minedInterval() time.Duration {
	if d.MinedInterval == 0 {
		return defaultMinedDelay
	}
	return d.MinedInterval
}

// IsDelegated reports whether owner already delegates to the configured implementation.
func (d *Delegator) IsDelegated(ctx context.Context, owner common.Address) (bool, error) {
	code, err := d.Chain.CodeAt(ctx, owner, nil)
	if err != nil {
		return false, fmt.Errorf("get code: %w", err)
	}
	impl, ok := ParseDelegation(code)
	return ok && impl == d.Implementation, nil
}

// Delegate makes owner delegate to the implementation. The sponsor submits and
// pays for the SetCode transaction; owner only signs the authorization.
// It returns the zero hash when the delegation is already in place.
func (d *Delegator) Delegate(ctx context.Context, owner *ecdsa.PrivateKey) (common.Hash, error) {
	if d.Sponsor == nil {
		return common.Hash{}, ErrMissingSponsor
	}
	ownerAddr := keys.Address(owner)
	delegated, err := d.IsDelegated(ctx, ownerAddr)
	if err != nil {
		return common.Hash{}, err
	}
	if delegated {
		d.log().WithFields(logrus.Fields{"owner": ownerAddr.Hex()}).Debug("owner already delegated")
		return common.Hash{}, nil
	}

	tx, err := d.buildSetCodeTx(ctx, owner)
	if err != nil {
		return common.Hash{}, err
	}
	if err := d.Chain.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("send delegation: %w", err)
	}
	d.log().WithFields(logrus.Fields{"owner": ownerAddr.Hex(), "tx": tx.Hash().Hex(), "implementation": d.Implementation.Hex()}).Info("delegation submitted")

	receipt, err := chain.WaitMined(ctx, d.Chain, tx.Hash(), d.minedInterval())
	if err != nil {
		return tx.Hash(), fmt.Errorf("wait for delegation: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash(), fmt.Errorf("delegation transaction %s reverted", tx.Hash().Hex())
	}
	return tx.Hash(), nil
}

func (d *Delegator) buildSetCodeTx(ctx context.Context, owner *ecdsa.PrivateKey) (*types.Transaction, error) {
	chainID, err := d.Chain.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	ownerAddr := keys.Address(owner)
	sponsorAddr := keys.Address(d.Sponsor)

	ownerNonce, err := d.Chain.PendingNonceAt(ctx, ownerAddr)
	if err != nil {
		return nil, fmt.Errorf("owner nonce: %w", err)
	}
	sponsorNonce, err := d.Chain.PendingNonceAt(ctx, sponsorAddr)
	if err != nil {
		return nil, fmt.Errorf("sponsor nonce: %w", err)
	}
	tip, feeCap, err := fees(ctx, d.Chain)
	if err != nil {
		return nil, err
	}

	auth, err := types.SignSetCode(owner, types.SetCodeAuthorization{
		ChainID: *uint256.MustFromBig(chainID),
		Address: d.Implementation,
		Nonce:   ownerNonce,
	})
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}

	tx := types.NewTx(&types.SetCodeTx{
		ChainID:   uint256.MustFromBig(chainID),
		Nonce:     sponsorNonce,
		GasTipCap: uint256.MustFromBig(tip),
		GasFeeCap: uint256.MustFromBig(feeCap),
		Gas:       delegationGas,
		To:        ownerAddr,
		Value:     uint256.NewInt(0),
		AuthList:  []types.SetCodeAuthorization{auth},
	})
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), d.Sponsor)
}

// fees returns an EIP-1559 tip and a fee cap of twice the base fee plus the tip.
func fees(ctx context.Context, c chain.Client) (tip, feeCap *big.Int, err error) {
	tip, err = c.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := c.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("latest header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap = new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
	return tip, feeCap, nil
}

// EntryPointNonce reads the EntryPoint nonce of sender for key 0.
func (d *Delegator) EntryPointNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	data, err := accountABI.Pack("getNonce", sender, new(big.Int))
	if err != nil {
		return nil, err
	}
	ep := d.Bundler.EntryPoint()
	out, err := d.Chain.CallContract(ctx, ethereum.CallMsg{To: &ep, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("entrypoint getNonce: %w", err)
	}
	res, err := accountABI.Unpack("getNonce", out)
	if err != nil {
		return nil, fmt.Errorf("unpack getNonce: %w", err)
	}
	n, ok := res[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getNonce result %T", res[0])
	}
	return n, nil
}

// BuildUserOperation assembles and signs a user operation executing call from owner.
func (d *Delegator) BuildUserOperation(ctx context.Context, owner *ecdsa.PrivateKey, call Call) (*UserOperation, error) {
	sender := keys.Address(owner)
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	callData, err := accountABI.Pack("execute", call.To, value, call.Data)
	if err != nil {
		return nil, fmt.Errorf("encode execute: %w", err)
	}
	nonce, err := d.EntryPointNonce(ctx, sender)
	if err != nil {
		return nil, err
	}
	tip, feeCap, err := fees(ctx, d.Chain)
	if err != nil {
		return nil, err
	}

	op := &UserOperation{
		Sender:               sender,
		Nonce:                (*hexutil.Big)(nonce),
		InitCode:             hexutil.Bytes{},
		CallData:             callData,
		MaxFeePerGas:         (*hexutil.Big)(feeCap),
		MaxPriorityFeePerGas: (*hexutil.Big)(tip),
		PaymasterAndData:     hexutil.Bytes(d.Paymaster),
		Signature:            dummySignature,
	}
	if op.PaymasterAndData == nil {
		op.PaymasterAndData = hexutil.Bytes{}
	}
	est, err := d.Bundler.EstimateUserOperationGas(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("estimate user operation gas: %w", err)
	}
	op.CallGasLimit = est.CallGasLimit
	op.VerificationGasLimit = est.VerificationGasLimit
	op.PreVerificationGas = est.PreVerificationGas

	chainID, err := d.Chain.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	hash, err := op.Hash(d.Bundler.EntryPoint(), chainID)
	if err != nil {
		return nil, err
	}
	sig, err := keys.SignPersonal(owner, hash)
	if err != nil {
		return nil, fmt.Errorf("sign user operation: %w", err)
	}
	op.Signature = sig
	return op, nil
}

// SendUserOperation builds, signs and submits a user operation and returns its hash.
func (d *Delegator) SendUserOperation(ctx context.Context, owner *ecdsa.PrivateKey, call Call) (common.Hash, error) {
	op, err := d.BuildUserOperation(ctx, owner, call)
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := d.Bundler.SendUserOperation(ctx, op)
	if err != nil {
		return common.Hash{}, fmt.Errorf("send user operation: %w", err)
	}
	d.log().WithFields(logrus.Fields{"sender": op.Sender.Hex(), "userOpHash": hash.Hex()}).Info("user operation submitted")
	return hash, nil
}
