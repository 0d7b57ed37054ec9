package service

import (
	"fmt"

	"github.com/ATMackay/aa-compare/bundler"
	"github.com/ATMackay/aa-compare/keys"
	"github.com/ATMackay/aa-compare/omni"
	"github.com/ATMackay/aa-compare/relay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	defaultPort      = 8080
	defaultLogLevel  = "info"
	defaultLogFormat = "plain"
)

var (
	emptyConfig   = Config{}
	defaultConfig = Config{
		Port:       defaultPort,
		LogLevel:   defaultLogLevel,
		LogFormat:  defaultLogFormat,
		OmniURL:    omni.DefaultURL,
		RelayURL:   relay.DefaultURL,
		RelayWSURL: relay.DefaultWSURL,
		EntryPoint: bundler.EntryPointV06.Hex(),
	}
)

// Config represents the service configuration. Secrets may be left empty;
// the actions that need them then fail with a missing configuration error.
type Config struct {
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"loglevel"`
	LogFormat string `yaml:"logformat"`
	URLs      string `yaml:"urls"`     // source chain RPC endpoints, comma separated. Must be supplied by user
	KeyStore  string `yaml:"keystore"` // leveldb directory for generated keys, empty keeps them in memory

	OmniURL    string `yaml:"omniurl"`
	OmniAPIKey string `yaml:"omniapikey"`

	RelayURL      string `yaml:"relayurl"`
	RelayWSURL    string `yaml:"relaywsurl"`
	SponsorAPIKey string `yaml:"sponsorapikey"`

	BundlerURL     string `yaml:"bundlerurl"`
	EntryPoint     string `yaml:"entrypoint"`
	Implementation string `yaml:"implementation"` // EIP-7702 delegation target
	Paymaster      string `yaml:"paymaster"`      // hex encoded paymasterAndData

	FundingKey string `yaml:"fundingkey"` // funds smart accounts and owns the relay smart wallet
	SessionKey string `yaml:"sessionkey"` // fixed delegation owner; generated and stored when empty
	SponsorKey string `yaml:"sponsorkey"` // pays for delegation transactions
}

// Sanitize will support a lazy user by ensuring that empty config file
// fields are replaced with default values.
func (c *Config) Sanitize() {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = defaultLogFormat
	}
	if c.OmniURL == "" {
		c.OmniURL = omni.DefaultURL
	}
	if c.RelayURL == "" {
		c.RelayURL = relay.DefaultURL
	}
	if c.RelayWSURL == "" {
		c.RelayWSURL = relay.DefaultWSURL
	}
	if c.EntryPoint == "" {
		c.EntryPoint = bundler.EntryPointV06.Hex()
	}
}

// Validate checks the formats of the values that are present. It does not
// require any secret.
func (c *Config) Validate() error {
	if c.URLs == "" {
		return fmt.Errorf("at least one node url is required")
	}
	for name, addr := range map[string]string{"entrypoint": c.EntryPoint, "implementation": c.Implementation} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("invalid %s address %q", name, addr)
		}
	}
	if c.Paymaster != "" {
		if _, err := hexutil.Decode(c.Paymaster); err != nil {
			return fmt.Errorf("invalid paymaster data: %w", err)
		}
	}
	for name, k := range map[string]string{"funding": c.FundingKey, "session": c.SessionKey, "sponsor": c.SponsorKey} {
		if k == "" {
			continue
		}
		if _, err := keys.FromHex(k); err != nil {
			return fmt.Errorf("%s key: %w", name, err)
		}
	}
	return nil
}
