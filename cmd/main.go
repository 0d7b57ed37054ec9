package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ATMackay/aa-compare/service"
	"github.com/vrischmann/envconfig"
	yaml "gopkg.in/yaml.v3"
)

const envPrefix = "AA_COMPARE"

var (
	configFilePath string
	configFilePtr  = flag.String("config", "config.yml", "path to config file")
)

// RUN WITH PLAINTEXT CONFIG [RECOMMENDED FOR TESTING ONLY]
// $ go run main.go --config ./config.yml
// $ go run main.go --config {path_to_config_file}
//
// OR RUN WITH ENVIRONMENT VARIABLES
//
// $ go build
// $ export AA_COMPARE_URLS=<base_sepolia_rpc_url>
// $ export AA_COMPARE_OMNI_API_KEY=<key>
// $ export AA_COMPARE_FUNDING_KEY=<hex_private_key>
// $ ./aa-compare
//
// Secrets that are left unset only disable the actions that need them.

func init() {
	// Parse flag containing path to config file
	flag.Parse()
	if configFilePtr != nil {
		configFilePath = *configFilePtr
	}
}

// parseYAMLConfig parse configuration file or environment variables, receiver must be a pointer
func parseYAMLConfig(configFile string, receiver any, prefix string) error {
	b, err := os.ReadFile(filepath.Clean(configFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if b != nil {
		if err := yaml.Unmarshal(b, receiver); err != nil {
			return err
		}
	}
	// environment variables supersede config yaml files
	if err := envconfig.InitWithOptions(receiver, envconfig.Options{Prefix: prefix, AllOptional: true}); err != nil {
		return err
	}
	return nil
}

func main() {

	var cfg service.Config

	if err := parseYAMLConfig(configFilePath, &cfg, envPrefix); err != nil {
		panic(fmt.Sprintf("error parsing config: %v", err))
	}

	cfg.Sanitize()

	l, err := service.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}

	srv, err := service.Build(cfg, l)
	if err != nil {
		panic(fmt.Sprintf("error building service: %v", err))
	}

	if err := srv.Start(); err != nil {
		panic(fmt.Sprintf("error starting service: %v", err))
	}
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	srv.Stop(sig)
}
