// Package contracts holds the ABIs of the contracts the indexer reads.
package contracts

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Event signatures
const (
	TransferSignature     = "Transfer(address,address,uint256)"
	TokenCreatedSignature = "TokenCreated(address,address,uint256,string,string)"
)

// ERC20ABI covers the Transfer event and the read methods used for supply checks.
const ERC20ABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"}],
	 "name":"Transfer","type":"event"},
	{"constant":true,"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

// FactoryABI covers the deployment event emitted by the token factory.
const FactoryABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"token","type":"address"},
		{"indexed":true,"name":"creator","type":"address"},
		{"indexed":true,"name":"intentId","type":"uint256"},
		{"indexed":false,"name":"name","type":"string"},
		{"indexed":false,"name":"symbol","type":"string"}],
	 "name":"TokenCreated","type":"event"}
]`

var (
	erc20   abi.ABI
	factory abi.ABI

	TransferTopic     = crypto.Keccak256Hash([]byte(TransferSignature))
	TokenCreatedTopic = crypto.Keccak256Hash([]byte(TokenCreatedSignature))
)

func init() {
	erc20 = mustParse(ERC20ABI)
	factory = mustParse(FactoryABI)
}

func mustParse(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ERC20 returns the parsed ERC-20 ABI
func ERC20() abi.ABI { return erc20 }

// Factory returns the parsed factory ABI
func Factory() abi.ABI { return factory }

// EncodeTokenCreated builds a raw TokenCreated log as the factory would emit it
func EncodeTokenCreated(factoryAddr, token, creator common.Address, intentID *big.Int, name, symbol string) (types.Log, error) {
	data, err := factory.Events["TokenCreated"].Inputs.NonIndexed().Pack(name, symbol)
	if err != nil {
		return types.Log{}, err
	}
	return types.Log{
		Address: factoryAddr,
		Topics: []common.Hash{
			TokenCreatedTopic,
			common.BytesToHash(token.Bytes()),
			common.BytesToHash(creator.Bytes()),
			common.BigToHash(intentID),
		},
		Data: data,
	}, nil
}
