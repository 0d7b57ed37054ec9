package service

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ATMackay/aa-compare/bundler"
	"github.com/ATMackay/aa-compare/chain"
	"github.com/ATMackay/aa-compare/keys"
	"github.com/ATMackay/aa-compare/omni"
	"github.com/ATMackay/aa-compare/relay"
	"github.com/ATMackay/aa-compare/workflow"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

// Service is the main application struct containing the source chain
// client, the panel workflows, the http server and logger. It can be
// called to start and stop.
type Service struct {
	chain    chain.Client
	workflow *workflow.Workflow
	server   *hTTPService
	logger   *logrus.Entry

	closers []func()
}

// New constructs a Service from fully wired workflow options. opts.Chain
// and opts.Store are required.
func New(port int, l *logrus.Entry, opts workflow.Options) (*Service, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts.Registerer = reg
	opts.Logger = l
	wf, err := workflow.New(opts)
	if err != nil {
		return nil, err
	}
	srv := &Service{
		chain:    opts.Chain,
		workflow: wf,
		logger:   l,
	}
	srv.server = NewHTTPService(port, makeServiceAPIs(srv), reg, l)
	return srv, nil
}

// Build dials the configured endpoints, opens the key store and parses the
// configured keys. Missing secrets are left unset; the actions that need
// them report it when called.
func Build(cfg Config, l *logrus.Entry) (*Service, error) {
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cl, err := chain.NewMultiNodeClient(cfg.URLs, chain.NewEthClient)
	if err != nil {
		return nil, err
	}

	store, err := keys.OpenStore(cfg.KeyStore)
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}
	closers := []func(){func() {
		if err := store.Close(); err != nil {
			l.WithFields(logrus.Fields{"error": err}).Error("error closing key store")
		}
	}}
	fail := func(err error) (*Service, error) {
		for _, c := range closers {
			c()
		}
		return nil, err
	}

	opts := workflow.Options{
		Chain: cl,
		Store: store,
		Relay: relay.Config{
			URL:     cfg.RelayURL,
			WSURL:   cfg.RelayWSURL,
			ChainID: chain.SourceChain.ID,
		},
		SponsorAPIKey: cfg.SponsorAPIKey,
	}

	if cfg.OmniAPIKey != "" {
		if opts.Omni, err = omni.New(omni.Config{URL: cfg.OmniURL, APIKey: cfg.OmniAPIKey}); err != nil {
			return fail(err)
		}
	}

	if cfg.BundlerURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		b, err := bundler.Dial(ctx, cfg.BundlerURL, common.HexToAddress(cfg.EntryPoint))
		if err != nil {
			return fail(fmt.Errorf("dial bundler: %w", err))
		}
		opts.Bundler = b
		closers = append(closers, b.Close)
	}
	if cfg.Implementation != "" {
		opts.Implementation = common.HexToAddress(cfg.Implementation)
	}
	if cfg.Paymaster != "" {
		opts.Paymaster = hexutil.MustDecode(cfg.Paymaster) // checked by Validate
	}

	if opts.FundingKey, err = optionalKey(cfg.FundingKey); err != nil {
		return fail(err)
	}
	if opts.SessionKey, err = optionalKey(cfg.SessionKey); err != nil {
		return fail(err)
	}
	if opts.SponsorKey, err = optionalKey(cfg.SponsorKey); err != nil {
		return fail(err)
	}

	srv, err := New(cfg.Port, l, opts)
	if err != nil {
		return fail(err)
	}
	srv.closers = closers
	l.WithFields(logrus.Fields{
		"nodes":          strings.Count(cfg.URLs, ",") + 1,
		"omni":           opts.Omni != nil,
		"relaySponsored": cfg.SponsorAPIKey != "",
		"bundler":        opts.Bundler != nil,
		"funding":        opts.FundingKey != nil,
		"sponsor":        opts.SponsorKey != nil,
	}).Info("configured providers")
	return srv, nil
}

// Start restores persisted state and creates the HTTP server.
func (s *Service) Start() error {
	s.logger.WithFields(logrus.Fields{
		"compilationDate": date,
		"gitCommit":       gitCommitHash,
	}).Infof("starting %v service", ServiceName)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.workflow.Start(ctx)
	if err := s.server.Start(); err != nil {
		s.workflow.Stop()
		return err
	}

	s.logger.Infof("listening on port %v", s.server.Addr())
	return nil
}

// Stop gracefully shuts down the HTTP server and background work.
func (s *Service) Stop(sig os.Signal) {
	s.logger.WithFields(logrus.Fields{"signal": sig}).Infof("stopping %v service", ServiceName)

	if err := s.server.Stop(); err != nil {
		s.logger.WithFields(logrus.Fields{"error": err}).Error("error stopping server")
	}
	s.workflow.Stop()
	for _, c := range s.closers {
		c()
	}
}

// Server exposes the http server externally.
func (s *Service) Server() *hTTPService {
	return s.server
}

// Workflow exposes the panels externally.
func (s *Service) Workflow() *workflow.Workflow {
	return s.workflow
}

func optionalKey(hex string) (*ecdsa.PrivateKey, error) {
	if hex == "" {
		return nil, nil
	}
	return keys.FromHex(hex)
}
