package integrationtests

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ATMackay/aa-compare/bundler"
	"github.com/ATMackay/aa-compare/chain"
	"github.com/ATMackay/aa-compare/client"
	"github.com/ATMackay/aa-compare/internal/stack"
	"github.com/ATMackay/aa-compare/keys"
	"github.com/ATMackay/aa-compare/omni"
	"github.com/ATMackay/aa-compare/relay"
	"github.com/ATMackay/aa-compare/service"
	"github.com/ATMackay/aa-compare/workflow"
	"github.com/ethereum/go-ethereum/common"
)

//
// The service runs against a simulated geth backend that mines every few
// milliseconds, and against in-process stand-ins for the omni orchestrator,
// the relay and the bundler. Relay executions are real transfers on the
// simulated chain so that their receipts can be polled.
//

const (
	omniAPIKey    = "omni-key"
	sponsorAPIKey = "sponsor-key"

	blockTime = 10 * time.Millisecond
)

var implementation = common.HexToAddress("0x000000009B1D0aF20D8C6d0A44e162d11F9b8f00")

type svcStack struct {
	backend *stack.BlockchainBackend
	omni    *stack.OmniServer
	relay   *stack.RelayServer
	bundler *stack.BundlerServer

	store   *keys.Store
	service *service.Service
	client  *client.Client
}

// url returns the base url of the running service.
func (s *svcStack) url() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.service.Server().Port())
}

// makeAACompareService starts the service with the bank account as the
// funding key. store may be nil for an in-memory key store.
func makeAACompareService(t testing.TB, store *keys.Store) *svcStack {
	t.Helper()

	bk, err := stack.NewEthBackend()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { bk.Close() })

	sponsor, err := keys.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bk.Transfer(keys.Address(sponsor), new(big.Int).Div(stack.OneEther, big.NewInt(10))); err != nil {
		t.Fatal(err)
	}
	bk.Commit()
	bk.AutoMine(t, blockTime)

	s := &svcStack{
		backend: bk,
		omni:    stack.NewOmniServer(t, omniAPIKey),
		relay:   stack.NewRelayServer(t, sponsorAPIKey),
		bundler: stack.NewBundlerServer(t, big.NewInt(stack.SimulatedChainID)),
	}
	s.relay.StepDelay = blockTime
	s.relay.OnSend = func(common.Address, []relay.Call) (common.Hash, error) {
		tx, err := bk.Transfer(common.HexToAddress(stack.DummyAddr), big.NewInt(1))
		if err != nil {
			return common.Hash{}, err
		}
		return tx.Hash(), nil
	}

	if store == nil {
		store = keys.NewMemoryStore()
		t.Cleanup(func() { _ = store.Close() })
	}
	s.store = store

	omniClient, err := omni.New(omni.Config{URL: s.omni.URL, APIKey: omniAPIKey, PollInterval: blockTime})
	if err != nil {
		t.Fatal(err)
	}
	bc, err := bundler.Dial(context.Background(), s.bundler.URL, bundler.EntryPointV06)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(bc.Close)

	l, err := service.NewLogger("error", "plain") // change to 'info' or 'debug' to see the service logs
	if err != nil {
		t.Fatal(err)
	}

	svc, err := service.New(0, l, workflow.Options{
		Chain:          bk.Client(),
		Store:          store,
		Omni:           omniClient,
		Relay:          relay.Config{URL: s.relay.URL, WSURL: s.relay.WSURL(), ChainID: chain.SourceChain.ID, PollInterval: blockTime},
		SponsorAPIKey:  sponsorAPIKey,
		Bundler:        bc,
		Implementation: implementation,
		FundingKey:     bk.BankAccount.PrivateKey,
		SponsorKey:     sponsor,
		Timing: workflow.Timing{
			RefreshInterval: 50 * time.Millisecond,
			RefreshDelay:    blockTime,
			ReceiptAttempts: 10,
			ReceiptInterval: blockTime,
			MinedInterval:   blockTime,
			UserOpTimeout:   5 * time.Second,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Stop(os.Kill) })

	s.service = svc
	s.client = client.New(s.url())
	return s
}
