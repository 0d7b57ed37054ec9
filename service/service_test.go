package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/ATMackay/aa-compare/chain"
	"github.com/ATMackay/aa-compare/internal/stack"
	"github.com/ATMackay/aa-compare/keys"
	"github.com/ATMackay/aa-compare/workflow"
	yaml "gopkg.in/yaml.v3"
)

const (
	testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

func makeTestService(t *testing.T, mock *stack.MockChain) *Service {

	l, err := NewLogger("error", "plain")
	if err != nil {
		t.Fatal(err)
	}

	s, err := New(0, l, workflow.Options{Chain: mock, Store: keys.NewMemoryStore()})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func startTestService(t *testing.T, mock *stack.MockChain) *Service {
	s := makeTestService(t, mock)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Stop(os.Kill) })
	return s
}

func Test_Logger(t *testing.T) {

	tests := []struct {
		name      string
		loglevel  string
		logformat string
		expectErr bool
	}{
		{
			"normal-info-plain",
			"info",
			"plain",
			false,
		},
		{
			"normal-info-json",
			"info",
			"json",
			false,
		},
		{
			"normal-debug-plain",
			"debug",
			"plain",
			false,
		},
		{
			"error-loglevel",
			"invalid",
			"plain",
			true,
		},
		{
			"error-logformat",
			"info",
			"invalid",
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLogger(tt.loglevel, tt.logformat); (err != nil) != tt.expectErr {
				t.Errorf("unexpected error '%v'", err)
			}
		})

	}
}

func Test_StartStop(t *testing.T) {

	srv := makeTestService(t, stack.NewMockChain(big.NewInt(0)))

	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	if srv.Server().Port() == 0 {
		t.Error("expected a bound port")
	}

	srv.Stop(os.Kill)

}

func Test_Build(t *testing.T) {

	l, err := NewLogger("error", "plain")
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		URLs:           "http://127.0.0.1:1,http://127.0.0.1:2",
		FundingKey:     testKey,
		SponsorKey:     testKey,
		OmniAPIKey:     "key",
		Implementation: stack.DummyAddr,
		Paymaster:      "0x",
	}
	srv, err := Build(cfg, l)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	srv.Stop(os.Interrupt)

	if _, err := Build(Config{}, l); err == nil {
		t.Error("expected missing urls error")
	}
}

func Test_SantizeConfig(t *testing.T) {

	tests := []struct {
		name           string
		initialConfig  func() Config
		expectedConfig func() Config
	}{
		{
			"empty",
			func() Config {
				return emptyConfig
			},
			func() Config {
				return defaultConfig
			},
		},
		{
			"empty-with-port",
			func() Config {
				cfg := emptyConfig
				cfg.Port = 1
				return cfg
			},
			func() Config {
				cfg := defaultConfig
				cfg.Port = 1
				return cfg
			},
		},
		{
			"empty-with-log-level",
			func() Config {
				cfg := emptyConfig
				cfg.LogLevel = "debug"
				return cfg
			},
			func() Config {
				cfg := defaultConfig
				cfg.LogLevel = "debug"
				return cfg
			},
		},
		{
			"empty-with-log-format",
			func() Config {
				cfg := emptyConfig
				cfg.LogFormat = "json"
				return cfg
			},
			func() Config {
				cfg := defaultConfig
				cfg.LogFormat = "json"
				return cfg
			},
		},
		{
			"custom-relay",
			func() Config {
				cfg := emptyConfig
				cfg.RelayURL = "http://localhost:9000"
				cfg.RelayWSURL = "ws://localhost:9000"
				return cfg
			},
			func() Config {
				cfg := defaultConfig
				cfg.RelayURL = "http://localhost:9000"
				cfg.RelayWSURL = "ws://localhost:9000"
				return cfg
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.initialConfig()
			c.Sanitize()
			b, _ := yaml.Marshal(c)
			e, _ := yaml.Marshal(tt.expectedConfig())
			if !bytes.Equal(b, e) {
				t.Errorf("returned config not equal to default")
			}
		})
	}
}

func Test_ValidateConfig(t *testing.T) {

	tests := []struct {
		name      string
		edit      func(*Config)
		expectErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"no-urls", func(c *Config) { c.URLs = "" }, true},
		{"bad-implementation", func(c *Config) { c.Implementation = "0xnotanaddress" }, true},
		{"bad-entrypoint", func(c *Config) { c.EntryPoint = "entrypoint" }, true},
		{"bad-paymaster", func(c *Config) { c.Paymaster = "zz" }, true},
		{"bad-funding-key", func(c *Config) { c.FundingKey = "0x1234" }, true},
		{"good-keys", func(c *Config) { c.FundingKey, c.SessionKey, c.SponsorKey = testKey, testKey, testKey }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{URLs: "http://localhost:8545"}
			cfg.Sanitize()
			tt.edit(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.expectErr {
				t.Errorf("unexpected error '%v'", err)
			}
		})
	}
}

func Test_ErrorCode(t *testing.T) {

	tests := []struct {
		name string
		err  error
		code int
	}{
		{"validation", fmt.Errorf("wrapped: %w", workflow.ErrValidation), http.StatusBadRequest},
		{"missing-config", workflow.ErrMissingConfig, http.StatusPreconditionFailed},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"remote", errors.New("connection refused"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if g, w := errorCode(tt.err), tt.code; g != w {
				t.Errorf("unexpected code, want %v got %v", w, g)
			}
		})
	}
}

func Test_SplitFailures(t *testing.T) {
	if g := splitFailures(errors.New("node down")); len(g) != 1 || g[0] != "node down" {
		t.Errorf("unexpected failures %v", g)
	}
	if g := splitFailures(errors.New("a|b|")); len(g) != 2 || g[1] != "b" {
		t.Errorf("unexpected failures %v", g)
	}
}

func executeRequest(t *testing.T, s *Service, method, endpoint string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, fmt.Sprintf("http://127.0.0.1:%d%v", s.Server().Port(), endpoint), r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	response, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()

	b, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatal(err)
	}
	return response.StatusCode, b
}

func Test_API(t *testing.T) {

	s := startTestService(t, stack.NewMockChain(big.NewInt(0)))

	apiTests := []struct {
		name             string
		endpoint         string
		methodType       string
		body             any
		expectedResponse any
		expectedCode     int
	}{
		//
		// READ REQUESTS
		//
		{
			"status",
			StatusEndPnt,
			http.MethodGet,
			nil,
			&StatusResponse{Message: "OK", Version: FullVersion, Service: ServiceName},
			http.StatusOK,
		},
		{
			"health",
			HeathEndPnt,
			http.MethodGet,
			nil,
			&HealthResponse{Version: FullVersion, Service: ServiceName, Failures: []string{}},
			http.StatusOK,
		},
		{
			"omni-state",
			OmniEndPnt,
			http.MethodGet,
			nil,
			s.Workflow().Omni.State(),
			http.StatusOK,
		},
		{
			"relay-state",
			RelayEndPnt,
			http.MethodGet,
			nil,
			s.Workflow().Relay.State(),
			http.StatusOK,
		},
		{
			"delegation-state",
			DelegationEndPnt,
			http.MethodGet,
			nil,
			s.Workflow().Delegation.State(),
			http.StatusOK,
		},
		//
		// ACTIONS WITHOUT CONFIGURED PROVIDERS
		//
		{
			"omni-account-no-api-key",
			OmniAccountEndPnt,
			http.MethodPost,
			nil,
			map[string]string{"error": "omni provider API key is required"},
			http.StatusPreconditionFailed,
		},
		{
			"omni-fund-no-account",
			OmniFundEndPnt,
			http.MethodPost,
			nil,
			map[string]string{"error": "Please create an account first"},
			http.StatusBadRequest,
		},
		{
			"omni-transfer-no-account",
			OmniTransferEndPnt,
			http.MethodPost,
			workflow.TransferRequest{Target: stack.DummyAddr, Amount: "1", ChainID: chain.ArbitrumSepolia.ID},
			map[string]string{"error": "Please create an account first"},
			http.StatusBadRequest,
		},
		{
			"relay-sponsored-no-key",
			RelaySponsoredEndPnt,
			http.MethodPost,
			nil,
			map[string]string{"error": "relay sponsor API key is required"},
			http.StatusPreconditionFailed,
		},
		{
			"relay-erc20-no-funding-key",
			RelayERC20EndPnt,
			http.MethodPost,
			nil,
			map[string]string{"error": "funding private key is required"},
			http.StatusPreconditionFailed,
		},
		{
			"delegation-no-sponsor",
			DelegationSendEndPnt,
			http.MethodPost,
			nil,
			map[string]string{"error": "delegation sponsor private key is required"},
			http.StatusPreconditionFailed,
		},
	}

	for _, tt := range apiTests {
		t.Run(tt.name, func(t *testing.T) {
			code, b := executeRequest(t, s, tt.methodType, tt.endpoint, tt.body)
			if g, w := code, tt.expectedCode; g != w {
				t.Errorf("%v unexpected response code, want %v got %v", tt.name, w, g)
			}

			expectedJSON, _ := json.Marshal(tt.expectedResponse)

			if g, w := b, expectedJSON; !bytes.Equal(g, w) {
				t.Errorf("%v unexpected response, want %s, got %s", tt.name, w, g)
			}
		})

	}
}

func Test_TransferMalformedBody(t *testing.T) {

	s := startTestService(t, stack.NewMockChain(big.NewInt(0)))

	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://127.0.0.1:%d%v", s.Server().Port(), OmniTransferEndPnt), strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	response, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()
	if g, w := response.StatusCode, http.StatusBadRequest; g != w {
		t.Errorf("unexpected response code, want %v got %v", w, g)
	}
}

func Test_HealthFailure(t *testing.T) {

	mock := stack.NewMockChain(big.NewInt(0))
	mock.Err = errors.New("node down")
	s := startTestService(t, mock)

	code, b := executeRequest(t, s, http.MethodGet, HeathEndPnt, nil)
	if g, w := code, http.StatusServiceUnavailable; g != w {
		t.Errorf("unexpected response code, want %v got %v", w, g)
	}
	var health HealthResponse
	if err := json.Unmarshal(b, &health); err != nil {
		t.Fatal(err)
	}
	if len(health.Failures) != 1 || health.Failures[0] != "node down" {
		t.Errorf("unexpected failures %v", health.Failures)
	}
}

func Test_CompareReportsBothFailures(t *testing.T) {

	s := startTestService(t, stack.NewMockChain(big.NewInt(0)))

	code, b := executeRequest(t, s, http.MethodPost, CompareEndPnt, nil)
	if g, w := code, http.StatusOK; g != w {
		t.Fatalf("unexpected response code, want %v got %v", w, g)
	}
	var c workflow.Comparison
	if err := json.Unmarshal(b, &c); err != nil {
		t.Fatal(err)
	}
	if c.RunID == "" {
		t.Error("missing run id")
	}
	if c.Relay.Success || c.Delegation.Success {
		t.Errorf("expected both providers to fail, got %+v", c)
	}
	if c.Relay.Error == "" || c.Delegation.Error == "" {
		t.Errorf("expected per-provider errors, got %+v", c)
	}
	if c.Faster != "" {
		t.Errorf("unexpected winner %q", c.Faster)
	}
}

func Test_Metrics(t *testing.T) {

	s := startTestService(t, stack.NewMockChain(big.NewInt(0)))

	executeRequest(t, s, http.MethodGet, StatusEndPnt, nil)
	code, b := executeRequest(t, s, http.MethodGet, metricsEndPnt, nil)
	if g, w := code, http.StatusOK; g != w {
		t.Fatalf("unexpected response code, want %v got %v", w, g)
	}
	if !strings.Contains(string(b), `aacompare_http_requests_total{code="200",path="/status"} 1`) {
		t.Errorf("request counter missing from metrics output")
	}
	if !strings.Contains(string(b), "go_goroutines") {
		t.Errorf("go collector missing from metrics output")
	}
}
