package bundler

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ATMackay/aa-compare/chain"
	"github.com/ATMackay/aa-compare/keys"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
)

var (
	testChainID        = big.NewInt(84532)
	testImplementation = common.HexToAddress("0x000000009B1D0aF20D8C6d0A44e162d11F9b8f00")
)

var _ chain.Client = (*fakeChain)(nil)

// fakeChain records sent transactions and mines them immediately.
type fakeChain struct {
	mu   sync.Mutex
	code []byte
	sent []*types.Transaction
}

func (f *fakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful, GasUsed: 46000}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 3, nil
}

func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(5_000_000)}, nil
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(testChainID), nil
}

func (f *fakeChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return common.LeftPadBytes(big.NewInt(7).Bytes(), 32), nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	return 1, nil
}

// fakeBundler serves the eth_ user operation namespace in process.
type fakeBundler struct {
	mu  sync.Mutex
	ops []UserOperation
	// receiptDelay is how long each receipt lookup blocks before answering.
	receiptDelay time.Duration
}

func (b *fakeBundler) SupportedEntryPoints() []common.Address {
	return []common.Address{EntryPointV06}
}

func (b *fakeBundler) EstimateUserOperationGas(op UserOperation, ep common.Address) (*GasEstimate, error) {
	if ep != EntryPointV06 {
		return nil, errors.New("unsupported entrypoint")
	}
	return &GasEstimate{
		PreVerificationGas:   (*hexutil.Big)(big.NewInt(50_000)),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(150_000)),
		CallGasLimit:         (*hexutil.Big)(big.NewInt(80_000)),
	}, nil
}

func (b *fakeBundler) SendUserOperation(op UserOperation, ep common.Address) (common.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, op)
	return op.Hash(ep, testChainID)
}

func (b *fakeBundler) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOperationReceipt, error) {
	if b.receiptDelay > 0 {
		select {
		case <-time.After(b.receiptDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, op := range b.ops {
		h, _ := op.Hash(EntryPointV06, testChainID)
		if h == hash {
			return &UserOperationReceipt{
				UserOpHash:    hash,
				Sender:        op.Sender,
				Success:       true,
				ActualGasUsed: (*hexutil.Big)(big.NewInt(120_000)),
			}, nil
		}
	}
	return nil, nil
}

func newTestBundler(t *testing.T) (*Client, *fakeBundler) {
	t.Helper()
	fake := &fakeBundler{}
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", fake))
	c := NewClient(rpc.DialInProc(srv), EntryPointV06)
	t.Cleanup(func() {
		c.Close()
		srv.Stop()
	})
	return c, fake
}

func Test_UserOperationHash(t *testing.T) {
	op := &UserOperation{
		Sender:   common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
		Nonce:    (*hexutil.Big)(big.NewInt(1)),
		CallData: hexutil.Bytes{0xd0, 0x9d, 0xe0, 0x8a},
	}
	h1, err := op.Hash(EntryPointV06, testChainID)
	require.NoError(t, err)
	h2, err := op.Hash(EntryPointV06, testChainID)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	otherChain, err := op.Hash(EntryPointV06, big.NewInt(1))
	require.NoError(t, err)
	require.NotEqual(t, h1, otherChain)

	op.Nonce = (*hexutil.Big)(big.NewInt(2))
	otherNonce, err := op.Hash(EntryPointV06, testChainID)
	require.NoError(t, err)
	require.NotEqual(t, h1, otherNonce)

	// signature is not part of the hash
	op.Nonce = (*hexutil.Big)(big.NewInt(1))
	op.Signature = hexutil.Bytes{1, 2, 3}
	withSig, err := op.Hash(EntryPointV06, testChainID)
	require.NoError(t, err)
	require.Equal(t, h1, withSig)
}

func Test_ParseDelegation(t *testing.T) {
	code := append([]byte{0xef, 0x01, 0x00}, testImplementation.Bytes()...)
	impl, ok := ParseDelegation(code)
	require.True(t, ok)
	require.Equal(t, testImplementation, impl)

	_, ok = ParseDelegation(nil)
	require.False(t, ok)
	_, ok = ParseDelegation(code[:len(code)-1])
	require.False(t, ok)
	_, ok = ParseDelegation(append([]byte{0x60, 0x80, 0x60}, testImplementation.Bytes()...))
	require.False(t, ok)
}

func Test_BundlerClient(t *testing.T) {
	c, _ := newTestBundler(t)
	ctx := context.Background()

	eps, err := c.SupportedEntryPoints(ctx)
	require.NoError(t, err)
	require.Equal(t, []common.Address{EntryPointV06}, eps)

	r, err := c.GetUserOperationReceipt(ctx, common.HexToHash("0x01"))
	require.NoError(t, err)
	require.Nil(t, r)

	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = c.WaitForReceipt(ctx, common.HexToHash("0x01"), 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func Test_Delegate(t *testing.T) {
	owner, err := keys.Generate()
	require.NoError(t, err)
	sponsor, err := keys.Generate()
	require.NoError(t, err)

	fc := &fakeChain{}
	d := &Delegator{
		Chain:          fc,
		Sponsor:        sponsor,
		Implementation: testImplementation,
		MinedInterval:  time.Millisecond,
	}
	ctx := context.Background()

	hash, err := d.Delegate(ctx, owner)
	require.NoError(t, err)
	require.Len(t, fc.sent, 1)

	tx := fc.sent[0]
	require.Equal(t, hash, tx.Hash())
	require.Equal(t, uint8(types.SetCodeTxType), tx.Type())
	require.Equal(t, keys.Address(owner), *tx.To())
	require.Equal(t, uint64(delegationGas), tx.Gas())
	// fee cap is twice the base fee plus the tip
	require.Equal(t, big.NewInt(11_000_000), tx.GasFeeCap())

	from, err := types.Sender(types.LatestSignerForChainID(testChainID), tx)
	require.NoError(t, err)
	require.Equal(t, keys.Address(sponsor), from)

	auths := tx.SetCodeAuthorizations()
	require.Len(t, auths, 1)
	require.Equal(t, testImplementation, auths[0].Address)
	authority, err := auths[0].Authority()
	require.NoError(t, err)
	require.Equal(t, keys.Address(owner), authority)

	// once delegated, no further transaction is sent
	fc.code = append([]byte{0xef, 0x01, 0x00}, testImplementation.Bytes()...)
	hash, err = d.Delegate(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, common.Hash{}, hash)
	require.Len(t, fc.sent, 1)
}

func Test_DelegateMissingSponsor(t *testing.T) {
	owner, err := keys.Generate()
	require.NoError(t, err)
	d := &Delegator{Chain: &fakeChain{}, Implementation: testImplementation}
	_, err = d.Delegate(context.Background(), owner)
	require.ErrorIs(t, err, ErrMissingSponsor)
}

func Test_SendUserOperation(t *testing.T) {
	owner, err := keys.Generate()
	require.NoError(t, err)
	bc, fake := newTestBundler(t)

	d := &Delegator{Chain: &fakeChain{}, Bundler: bc, Implementation: testImplementation}
	ctx := context.Background()

	hash, err := d.SendUserOperation(ctx, owner, Call{To: chain.CounterAddress, Data: chain.EncodeIncrement()})
	require.NoError(t, err)
	require.Len(t, fake.ops, 1)

	op := fake.ops[0]
	require.Equal(t, keys.Address(owner), op.Sender)
	require.Equal(t, int64(7), op.Nonce.ToInt().Int64())
	require.Equal(t, int64(80_000), op.CallGasLimit.ToInt().Int64())
	require.Equal(t, accountABI.Methods["execute"].ID, []byte(op.CallData[:4]))

	want, err := op.Hash(EntryPointV06, testChainID)
	require.NoError(t, err)
	require.Equal(t, want, hash)

	// signature recovers to the owner under the personal message prefix
	sig := append([]byte(nil), op.Signature...)
	require.Len(t, sig, 65)
	sig[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(want.Bytes()), sig)
	require.NoError(t, err)
	require.Equal(t, keys.Address(owner), crypto.PubkeyToAddress(*pub))

	r, err := bc.WaitForReceipt(ctx, hash, time.Millisecond)
	require.NoError(t, err)
	require.True(t, r.Success)
	require.Equal(t, int64(120_000), r.ActualGasUsed.ToInt().Int64())
}

func Test_WaitForReceiptDeadlineDuringLookup(t *testing.T) {
	c, fake := newTestBundler(t)
	fake.receiptDelay = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	// the deadline expires inside the first lookup, not between attempts
	_, err := c.WaitForReceipt(ctx, common.HexToHash("0x01"), 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func Test_DummySignature(t *testing.T) {
	require.Len(t, dummySignature, 65)
	require.Equal(t, byte(0x1c), dummySignature[64])
}
