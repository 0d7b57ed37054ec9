package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const counterABIJSON = `[
{"type":"function","name":"increment","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

// CounterAddress is the demo counter contract on Base Sepolia whose increment()
// is called by the sponsored transaction flows.
var CounterAddress = common.HexToAddress("0x19575934a9542be941d3206f3ecff4a5ffb9af88")

var (
	erc20ABI   = mustParseABI(erc20ABIJSON)
	counterABI = mustParseABI(counterABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// EncodeERC20Transfer returns calldata for transfer(to, amount).
func EncodeERC20Transfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

// EncodeIncrement returns calldata for the counter's increment().
func EncodeIncrement() []byte {
	b, err := counterABI.Pack("increment")
	if err != nil {
		panic(err)
	}
	return b
}

// ERC20BalanceOf reads token.balanceOf(owner) at the latest block.
func ERC20BalanceOf(ctx context.Context, client Client, token, owner common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}
	res, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	bal, ok := res[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", res[0])
	}
	return bal, nil
}
