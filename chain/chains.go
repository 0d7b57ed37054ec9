package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Chain identifies a supported network.
type Chain struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	Explorer string `json:"explorer,omitempty"`
}

// TxURL returns the block explorer link for a transaction hash.
func (c Chain) TxURL(hash common.Hash) string {
	if c.Explorer == "" {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", c.Explorer, hash.Hex())
}

var (
	BaseSepolia     = Chain{ID: 84532, Name: "Base Sepolia", Explorer: "https://sepolia.basescan.org"}
	ArbitrumSepolia = Chain{ID: 421614, Name: "Arbitrum Sepolia", Explorer: "https://sepolia.arbiscan.io"}
	OptimismSepolia = Chain{ID: 11155420, Name: "OP Sepolia", Explorer: "https://sepolia-optimism.etherscan.io"}
	Sepolia         = Chain{ID: 11155111, Name: "Sepolia", Explorer: "https://sepolia.etherscan.io"}

	// SourceChain is where smart accounts are funded and balances are read.
	SourceChain = BaseSepolia

	targetChains = []Chain{ArbitrumSepolia, BaseSepolia, OptimismSepolia, Sepolia}
)

// TargetChains lists the destinations of cross-chain transfers.
func TargetChains() []Chain {
	out := make([]Chain, len(targetChains))
	copy(out, targetChains)
	return out
}

// TargetChain looks up a transfer destination by chain id.
func TargetChain(id uint64) (Chain, bool) {
	for _, c := range targetChains {
		if c.ID == id {
			return c, true
		}
	}
	return Chain{}, false
}

// USDC deployments on the supported testnets.
var tokens = map[string]map[uint64]common.Address{
	"USDC": {
		BaseSepolia.ID:     common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
		ArbitrumSepolia.ID: common.HexToAddress("0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d"),
		OptimismSepolia.ID: common.HexToAddress("0x5fd84259d66Cd46123540766Be93DFE6D43130D7"),
		Sepolia.ID:         common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"),
	},
}

const USDCDecimals = 6

// TokenAddress returns the address of a token symbol on the given chain.
func TokenAddress(symbol string, chainID uint64) (common.Address, error) {
	byChain, ok := tokens[strings.ToUpper(symbol)]
	if !ok {
		return common.Address{}, fmt.Errorf("unsupported token %q", symbol)
	}
	addr, ok := byChain[chainID]
	if !ok {
		return common.Address{}, fmt.Errorf("token %s not deployed on chain %d", symbol, chainID)
	}
	return addr, nil
}
