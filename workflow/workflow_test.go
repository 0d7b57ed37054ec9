package workflow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ATMackay/aa-compare/bundler"
	"github.com/ATMackay/aa-compare/chain"
	"github.com/ATMackay/aa-compare/internal/stack"
	"github.com/ATMackay/aa-compare/keys"
	"github.com/ATMackay/aa-compare/omni"
	"github.com/ATMackay/aa-compare/relay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	omniKey    = "omni-key"
	sponsorKey = "sponsor-key"
)

var (
	testUSDC           = big.NewInt(25_000_000)
	testImplementation = common.HexToAddress("0x000000009B1D0aF20D8C6d0A44e162d11F9b8f00")
)

type testEnv struct {
	chain   *stack.MockChain
	store   *keys.Store
	omni    *stack.OmniServer
	relay   *stack.RelayServer
	bundler *stack.BundlerServer
	funding *ecdsa.PrivateKey
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

// newTestWorkflow wires a workflow to in-memory providers. edit may adjust the options before New.
func newTestWorkflow(t *testing.T, edit func(*Options)) (*Workflow, *testEnv) {
	t.Helper()
	funding, err := keys.Generate()
	require.NoError(t, err)
	sponsor, err := keys.Generate()
	require.NoError(t, err)

	env := &testEnv{
		chain:   stack.NewMockChain(testUSDC),
		store:   keys.NewMemoryStore(),
		omni:    stack.NewOmniServer(t, omniKey),
		relay:   stack.NewRelayServer(t, sponsorKey),
		bundler: stack.NewBundlerServer(t, new(big.Int).SetUint64(chain.SourceChain.ID)),
		funding: funding,
	}
	env.chain.SetBalance(keys.Address(funding), chain.Ether("1"))
	env.relay.StepDelay = time.Millisecond
	env.relay.OnSend = func(common.Address, []relay.Call) (common.Hash, error) {
		h := crypto.Keccak256Hash(big.NewInt(time.Now().UnixNano()).Bytes())
		env.chain.Mine(h)
		return h, nil
	}

	omniClient, err := omni.New(omni.Config{URL: env.omni.URL, APIKey: omniKey, PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	bc, err := bundler.Dial(context.Background(), env.bundler.URL, bundler.EntryPointV06)
	require.NoError(t, err)
	t.Cleanup(bc.Close)

	opts := Options{
		Chain:          env.chain,
		Store:          env.store,
		Omni:           omniClient,
		Relay:          relay.Config{URL: env.relay.URL, WSURL: env.relay.WSURL(), ChainID: chain.SourceChain.ID, PollInterval: 5 * time.Millisecond},
		SponsorAPIKey:  sponsorKey,
		Bundler:        bc,
		Implementation: testImplementation,
		FundingKey:     funding,
		SponsorKey:     sponsor,
		Logger:         testLogger(),
		Timing: Timing{
			RefreshInterval: 10 * time.Millisecond,
			RefreshDelay:    time.Millisecond,
			ReceiptAttempts: 3,
			ReceiptInterval: 5 * time.Millisecond,
			MinedInterval:   5 * time.Millisecond,
			UserOpTimeout:   2 * time.Second,
		},
	}
	if edit != nil {
		edit(&opts)
	}
	w, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	return w, env
}

func requireKind(t *testing.T, err, kind error, msg string) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, kind), "want %v, got %v", kind, err)
	if msg != "" {
		require.Equal(t, msg, err.Error())
	}
}

func Test_NewRequiresChainAndStore(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Chain: stack.NewMockChain(testUSDC)})
	require.Error(t, err)
}

func Test_DefaultTiming(t *testing.T) {
	tm := Timing{}.withDefaults()
	require.Equal(t, DefaultTiming(), tm)
	require.Equal(t, 10, tm.ReceiptAttempts)
	require.Equal(t, 2*time.Second, tm.ReceiptInterval)
	require.Equal(t, 5*time.Second, tm.RefreshInterval)
}

func Test_OmniAccountLifecycle(t *testing.T) {
	w, env := newTestWorkflow(t, nil)
	ctx := context.Background()

	state, err := w.Omni.CreateAccount(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, state.Address)
	require.False(t, state.Funded)
	require.False(t, state.CreatingAccount)
	require.Len(t, state.TargetChains, 4)

	rec, err := env.store.Load(keys.OmniAccountKey)
	require.NoError(t, err)
	require.Equal(t, state.Address, rec.Address)
	require.False(t, rec.Funded)
	owner, err := rec.Key()
	require.NoError(t, err)
	require.Equal(t, stack.AccountFor(keys.Address(owner)).Hex(), state.Address)

	state, err = w.Omni.FundAccount(ctx)
	require.NoError(t, err)
	require.True(t, state.Funded)
	require.False(t, state.Funding)
	require.Equal(t, 25.0, state.USDCBalance)
	require.InDelta(t, 0.001, state.ETHBalance, 1e-12)

	sent := env.chain.Sent()
	require.Len(t, sent, 1)
	require.Zero(t, FundingAmount.Cmp(sent[0].Value()))
	require.Equal(t, common.HexToAddress(state.Address), *sent[0].To())
	from, err := types.Sender(types.LatestSignerForChainID(sent[0].ChainId()), sent[0])
	require.NoError(t, err)
	require.Equal(t, keys.Address(env.funding), from)

	rec, err = env.store.Load(keys.OmniAccountKey)
	require.NoError(t, err)
	require.True(t, rec.Funded)

	// a new account replaces the stored one
	prev := state.Address
	state, err = w.Omni.CreateAccount(ctx)
	require.NoError(t, err)
	require.NotEqual(t, prev, state.Address)
	require.False(t, state.Funded)
	require.Equal(t, 25.0, state.USDCBalance)
	require.Zero(t, state.ETHBalance)
}

func Test_OmniFundAccountErrors(t *testing.T) {
	t.Run("no-account", func(t *testing.T) {
		w, _ := newTestWorkflow(t, nil)
		state, err := w.Omni.FundAccount(context.Background())
		requireKind(t, err, ErrValidation, "Please create an account first")
		require.Equal(t, "Please create an account first", state.Error)
	})
	t.Run("no-funding-key", func(t *testing.T) {
		w, _ := newTestWorkflow(t, func(o *Options) { o.FundingKey = nil })
		_, err := w.Omni.CreateAccount(context.Background())
		require.NoError(t, err)
		_, err = w.Omni.FundAccount(context.Background())
		requireKind(t, err, ErrMissingConfig, "")
	})
	t.Run("insufficient-funding-balance", func(t *testing.T) {
		w, env := newTestWorkflow(t, nil)
		env.chain.SetBalance(keys.Address(env.funding), chain.Ether("0.0019"))
		_, err := w.Omni.CreateAccount(context.Background())
		require.NoError(t, err)
		_, err = w.Omni.FundAccount(context.Background())
		requireKind(t, err, ErrValidation, "Insufficient balance in funding account")
		require.Empty(t, env.chain.Sent())
	})
	t.Run("node-error", func(t *testing.T) {
		w, env := newTestWorkflow(t, nil)
		_, err := w.Omni.CreateAccount(context.Background())
		require.NoError(t, err)
		env.chain.Err = errors.New("node unavailable")
		state, err := w.Omni.FundAccount(context.Background())
		require.Error(t, err)
		require.Contains(t, state.Error, "node unavailable")
		require.False(t, state.Funded)
	})
}

func Test_OmniCreateAccountMissingKey(t *testing.T) {
	w, _ := newTestWorkflow(t, func(o *Options) { o.Omni = nil })
	state, err := w.Omni.CreateAccount(context.Background())
	requireKind(t, err, ErrMissingConfig, "")
	require.Empty(t, state.Address)
	require.NotEmpty(t, state.Error)
}

func Test_OmniTransferValidation(t *testing.T) {
	w, _ := newTestWorkflow(t, nil)
	ctx := context.Background()

	_, err := w.Omni.Transfer(ctx, TransferRequest{Target: stack.DummyAddr, Amount: "1", ChainID: chain.ArbitrumSepolia.ID})
	requireKind(t, err, ErrValidation, "Please create an account first")

	_, err = w.Omni.CreateAccount(ctx)
	require.NoError(t, err)

	// not funded yet: everything but the gas balance passes
	_, err = w.Omni.Transfer(ctx, TransferRequest{Target: stack.DummyAddr, Amount: "5", ChainID: chain.ArbitrumSepolia.ID})
	requireKind(t, err, ErrValidation, "Insufficient ETH for gas fees. Please fund the account first.")

	_, err = w.Omni.FundAccount(ctx)
	require.NoError(t, err)

	tests := []struct {
		name string
		req  TransferRequest
		msg  string
	}{
		{"missing-target", TransferRequest{Amount: "1", ChainID: chain.ArbitrumSepolia.ID}, "Please enter a target address and amount"},
		{"missing-amount", TransferRequest{Target: stack.DummyAddr, ChainID: chain.ArbitrumSepolia.ID}, "Please enter a target address and amount"},
		{"bad-address", TransferRequest{Target: "0x1234", Amount: "1", ChainID: chain.ArbitrumSepolia.ID}, "Invalid target address"},
		{"bad-amount", TransferRequest{Target: stack.DummyAddr, Amount: "one", ChainID: chain.ArbitrumSepolia.ID}, "Invalid amount"},
		{"zero-amount", TransferRequest{Target: stack.DummyAddr, Amount: "0", ChainID: chain.ArbitrumSepolia.ID}, "Invalid amount"},
		{"over-balance", TransferRequest{Target: stack.DummyAddr, Amount: "30", ChainID: chain.ArbitrumSepolia.ID}, "Insufficient balance"},
		{"over-limit", TransferRequest{Target: stack.DummyAddr, Amount: "10.5", ChainID: chain.ArbitrumSepolia.ID}, "Amount must be less than 10 USDC"},
		// balance is checked before the limit
		{"over-balance-and-limit", TransferRequest{Target: stack.DummyAddr, Amount: "26", ChainID: chain.ArbitrumSepolia.ID}, "Insufficient balance"},
		{"unsupported-chain", TransferRequest{Target: stack.DummyAddr, Amount: "5", ChainID: 1}, "Invalid target chain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := w.Omni.Transfer(ctx, tt.req)
			requireKind(t, err, ErrValidation, tt.msg)
			require.Equal(t, tt.msg, state.Error)
			require.Empty(t, state.BundleID)
			require.False(t, state.Transferring)
		})
	}
}

func Test_OmniTransfer(t *testing.T) {
	w, env := newTestWorkflow(t, nil)
	env.omni.PendingPolls = 2
	ctx := context.Background()

	_, err := w.Omni.CreateAccount(ctx)
	require.NoError(t, err)
	_, err = w.Omni.FundAccount(ctx)
	require.NoError(t, err)

	state, err := w.Omni.Transfer(ctx, TransferRequest{Target: stack.DummyAddr, Amount: "10", ChainID: chain.OptimismSepolia.ID})
	require.NoError(t, err)
	require.NotEmpty(t, state.BundleID)
	require.Equal(t, string(omni.BundlePending), state.BundleStatus)

	submitted := env.omni.Submitted()
	require.Len(t, submitted, 1)
	require.Equal(t, chain.OptimismSepolia.ID, submitted[0].TargetChainID)
	token, err := chain.TokenAddress("USDC", chain.OptimismSepolia.ID)
	require.NoError(t, err)
	require.Equal(t, token, submitted[0].Calls[0].To)
	require.Equal(t, int64(10_000_000), submitted[0].TokenRequests[0].Amount.ToInt().Int64())

	require.Eventually(t, func() bool {
		s := w.Omni.State()
		return s.BundleStatus == string(omni.BundleCompleted) && !s.Transferring
	}, 2*time.Second, 5*time.Millisecond)
	require.NotEmpty(t, w.Omni.State().FillTxHash)
}

func Test_OmniTransferFailure(t *testing.T) {
	w, env := newTestWorkflow(t, nil)
	env.omni.Fail = true
	ctx := context.Background()

	_, err := w.Omni.CreateAccount(ctx)
	require.NoError(t, err)
	_, err = w.Omni.FundAccount(ctx)
	require.NoError(t, err)
	_, err = w.Omni.Transfer(ctx, TransferRequest{Target: stack.DummyAddr, Amount: "1", ChainID: chain.Sepolia.ID})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := w.Omni.State()
		return s.BundleStatus == string(omni.BundleFailed) && s.Error != "" && !s.Transferring
	}, 2*time.Second, 5*time.Millisecond)
}

func Test_OmniRestore(t *testing.T) {
	owner, err := keys.Generate()
	require.NoError(t, err)
	w, env := newTestWorkflow(t, nil)
	require.NoError(t, env.store.Save(keys.OmniAccountKey, &keys.Record{
		Address:    stack.AccountFor(keys.Address(owner)).Hex(),
		PrivateKey: keys.ToHex(owner),
		Funded:     true,
	}))

	w.Start(context.Background())
	state := w.Omni.State()
	require.Equal(t, stack.AccountFor(keys.Address(owner)).Hex(), state.Address)
	require.True(t, state.Funded)

	// funded accounts are refreshed in the background
	require.Eventually(t, func() bool {
		return w.Omni.State().USDCBalance == 25
	}, 2*time.Second, 5*time.Millisecond)

	// the restored account can transact
	env.chain.SetBalance(stack.AccountFor(keys.Address(owner)), chain.Ether("0.01"))
	_, err = w.Omni.RefreshBalance(context.Background())
	require.NoError(t, err)
	_, err = w.Omni.Transfer(context.Background(), TransferRequest{Target: stack.DummyAddr, Amount: "2", ChainID: chain.BaseSepolia.ID})
	require.NoError(t, err)
}

func Test_OmniRestoreEmpty(t *testing.T) {
	w, _ := newTestWorkflow(t, nil)
	w.Start(context.Background())
	require.Empty(t, w.Omni.State().Address)
	_, err := w.Omni.RefreshBalance(context.Background())
	requireKind(t, err, ErrValidation, "Please create an account first")
}

func Test_RelayTransactions(t *testing.T) {
	tests := []struct {
		name  string
		run   func(*RelayPanel, context.Context) (Result, error)
		erc20 bool
	}{
		{"sponsored", (*RelayPanel).SponsoredTransaction, false},
		{"erc20", (*RelayPanel).ERC20Transaction, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := newTestWorkflow(t, nil)
			res, err := tt.run(w.Relay, context.Background())
			require.NoError(t, err)
			require.True(t, res.Success)
			require.NotEmpty(t, res.TaskID)
			require.NotEmpty(t, res.TxHash)
			require.Equal(t, 1, env.relay.Tasks())

			state := w.Relay.State()
			require.Equal(t, keys.Address(env.funding).Hex(), state.Owner)
			require.Equal(t, state.Owner, state.SmartWallet)
			require.Equal(t, res.TxHash, state.TxHash)
			require.NotEmpty(t, state.TxURL)
			require.False(t, state.Loading)
			if tt.erc20 {
				require.Equal(t, res.TaskID, state.ERC20TaskID)
				require.Empty(t, state.TaskID)
				require.Equal(t, []relay.PaymentType{relay.PaymentERC20}, env.relay.Payments())
				require.Zero(t, env.relay.Pending())
			} else {
				require.Equal(t, res.TaskID, state.TaskID)
			}

			require.Eventually(t, func() bool {
				return w.Relay.State().GasUsed == 21000
			}, 2*time.Second, 5*time.Millisecond)
		})
	}
}

func Test_RelayErrors(t *testing.T) {
	t.Run("missing-sponsor-key", func(t *testing.T) {
		w, env := newTestWorkflow(t, func(o *Options) { o.SponsorAPIKey = "" })
		res, err := w.Relay.SponsoredTransaction(context.Background())
		requireKind(t, err, ErrMissingConfig, "")
		require.False(t, res.Success)
		require.Equal(t, 0, env.relay.Tasks())

		// erc20 payment needs no sponsor key
		_, err = w.Relay.ERC20Transaction(context.Background())
		require.NoError(t, err)
	})
	t.Run("missing-funding-key", func(t *testing.T) {
		w, _ := newTestWorkflow(t, func(o *Options) { o.FundingKey = nil })
		_, err := w.Relay.ERC20Transaction(context.Background())
		requireKind(t, err, ErrMissingConfig, "")
	})
	t.Run("reverted", func(t *testing.T) {
		w, env := newTestWorkflow(t, nil)
		env.relay.Revert = true
		res, err := w.Relay.SponsoredTransaction(context.Background())
		require.ErrorIs(t, err, relay.ErrTaskFailed)
		require.False(t, res.Success)
		require.NotEmpty(t, res.TaskID)
		require.Equal(t, err.Error(), w.Relay.State().Error)
	})
	t.Run("receipt-unavailable", func(t *testing.T) {
		w, env := newTestWorkflow(t, nil)
		env.chain.ReceiptMisses = 100
		res, err := w.Relay.SponsoredTransaction(context.Background())
		require.NoError(t, err)
		require.True(t, res.Success)
		// poll budget runs out and gas used stays empty
		time.Sleep(50 * time.Millisecond)
		require.Zero(t, w.Relay.State().GasUsed)
	})
}

func Test_DelegateAndSend(t *testing.T) {
	w, env := newTestWorkflow(t, nil)
	ctx := context.Background()

	res, err := w.Delegation.DelegateAndSend(ctx)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, uint64(91_000), res.GasUsed)
	require.NotEmpty(t, res.TaskID)
	require.NotEmpty(t, res.TxHash)
	require.Equal(t, 1, env.bundler.Operations())

	sent := env.chain.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, uint8(types.SetCodeTxType), sent[0].Type())

	rec, err := env.store.Load(keys.DelegationSessionKey)
	require.NoError(t, err)
	state := w.Delegation.State()
	require.Equal(t, rec.Address, state.Owner)
	require.Equal(t, testImplementation.Hex(), state.Implementation)
	require.Equal(t, sent[0].Hash().Hex(), state.DelegationTx)
	require.Equal(t, res.TaskID, state.UserOpHash)
	require.Equal(t, uint64(91_000), state.GasUsed)

	// the persisted session owner is reused
	_, err = w.Delegation.DelegateAndSend(ctx)
	require.NoError(t, err)
	require.Equal(t, rec.Address, w.Delegation.State().Owner)
}

func Test_DelegateAndSendConfiguredSession(t *testing.T) {
	session, err := keys.Generate()
	require.NoError(t, err)
	w, env := newTestWorkflow(t, func(o *Options) { o.SessionKey = session })

	_, err = w.Delegation.DelegateAndSend(context.Background())
	require.NoError(t, err)
	require.Equal(t, keys.Address(session).Hex(), w.Delegation.State().Owner)
	_, err = env.store.Load(keys.DelegationSessionKey)
	require.ErrorIs(t, err, keys.ErrNotFound)
}

func Test_DelegateAndSendMissingConfig(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Options)
	}{
		{"sponsor", func(o *Options) { o.SponsorKey = nil }},
		{"bundler", func(o *Options) { o.Bundler = nil }},
		{"implementation", func(o *Options) { o.Implementation = common.Address{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := newTestWorkflow(t, tt.edit)
			res, err := w.Delegation.DelegateAndSend(context.Background())
			requireKind(t, err, ErrMissingConfig, "")
			require.False(t, res.Success)
			require.Empty(t, env.chain.Sent())
		})
	}
}

func Test_Compare(t *testing.T) {
	w, _ := newTestWorkflow(t, nil)
	c := w.Compare(context.Background())
	require.NotEmpty(t, c.RunID)
	require.True(t, c.Relay.Success, c.Relay.Error)
	require.True(t, c.Delegation.Success, c.Delegation.Error)
	require.Equal(t, uint64(21000), c.Relay.GasUsed)
	require.Equal(t, uint64(91_000), c.Delegation.GasUsed)
	require.Contains(t, []string{"relay", "delegation"}, c.Faster)
}

func Test_CompareSettlesIndependently(t *testing.T) {
	w, _ := newTestWorkflow(t, func(o *Options) { o.SponsorAPIKey = "" })
	c := w.Compare(context.Background())
	require.False(t, c.Relay.Success)
	require.NotEmpty(t, c.Relay.Error)
	require.True(t, c.Delegation.Success, c.Delegation.Error)
	require.Empty(t, c.Faster)
}

func Test_OmniCreateAccountReadsBalances(t *testing.T) {
	w, _ := newTestWorkflow(t, nil)

	state, err := w.Omni.CreateAccount(context.Background())
	require.NoError(t, err)
	require.Equal(t, float64(25), state.USDCBalance)
	require.Zero(t, state.ETHBalance)

	// the transfer checks use the balances read at creation
	_, err = w.Omni.Transfer(context.Background(), TransferRequest{Target: stack.DummyAddr, Amount: "1", ChainID: chain.Sepolia.ID})
	requireKind(t, err, ErrValidation, "Insufficient ETH for gas fees. Please fund the account first.")
}

func Test_OmniRestoreReadsBalances(t *testing.T) {
	owner, err := keys.Generate()
	require.NoError(t, err)
	w, env := newTestWorkflow(t, func(o *Options) { o.Timing.RefreshInterval = time.Hour })
	account := stack.AccountFor(keys.Address(owner))
	env.chain.SetBalance(account, chain.Ether("0.5"))
	require.NoError(t, env.store.Save(keys.OmniAccountKey, &keys.Record{
		Address:    account.Hex(),
		PrivateKey: keys.ToHex(owner),
	}))

	w.Start(context.Background())
	state := w.Omni.State()
	require.Equal(t, float64(25), state.USDCBalance)
	require.InDelta(t, 0.5, state.ETHBalance, 1e-9)
}

func Test_OmniFundAccountRefreshFailure(t *testing.T) {
	w, env := newTestWorkflow(t, nil)
	ctx := context.Background()

	_, err := w.Omni.CreateAccount(ctx)
	require.NoError(t, err)

	// the funding transaction is mined but the follow-up balanceOf cannot be decoded
	env.chain.CallResult = []byte{0x01}
	state, err := w.Omni.FundAccount(ctx)
	require.NoError(t, err)
	require.True(t, state.Funded)
	require.False(t, state.Funding)
	require.Empty(t, state.Error)

	rec, err := env.store.Load(keys.OmniAccountKey)
	require.NoError(t, err)
	require.True(t, rec.Funded)
}
