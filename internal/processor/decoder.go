package processor

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/smartdevs17/token-indexer/internal/contracts"
	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// ErrUnrecognizedLog is returned for logs that are not the expected event
var ErrUnrecognizedLog = errors.New("unrecognized log")

// IsTransferLog reports whether l carries the ERC-20 Transfer topic
func IsTransferLog(l types.Log) bool {
	return len(l.Topics) > 0 && l.Topics[0] == contracts.TransferTopic
}

// IsTokenCreatedLog reports whether l carries the factory TokenCreated topic
func IsTokenCreatedLog(l types.Log) bool {
	return len(l.Topics) > 0 && l.Topics[0] == contracts.TokenCreatedTopic
}

// DecodeTransfer parses an ERC-20 Transfer log. ERC-721 transfers share the
// topic but index the value, so they are rejected as unrecognized.
func DecodeTransfer(l types.Log, timestamp time.Time, source models.EventSource) (*models.TokenEvent, error) {
	if !IsTransferLog(l) || len(l.Topics) != 3 {
		return nil, fmt.Errorf("%w: not an ERC-20 Transfer", ErrUnrecognizedLog)
	}

	values, err := contracts.ERC20().Unpack("Transfer", l.Data)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeProcessing, "Failed to unpack Transfer data", err)
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeProcessing, "Unexpected Transfer value type", fmt.Sprintf("%T", values[0]))
	}

	event := &models.TokenEvent{
		TokenAddress: l.Address.Hex(),
		From:         topicAddress(l.Topics[1]),
		To:           topicAddress(l.Topics[2]),
		Value:        value,
		BlockNumber:  l.BlockNumber,
		TxHash:       l.TxHash.Hex(),
		LogIndex:     l.Index,
		Timestamp:    timestamp,
		Source:       source,
	}
	NormalizeTransfer(event)
	return event, nil
}

// DecodeTokenCreated parses a factory deployment log
func DecodeTokenCreated(l types.Log) (*models.TokenCreatedEvent, error) {
	if !IsTokenCreatedLog(l) || len(l.Topics) != 4 {
		return nil, fmt.Errorf("%w: not a TokenCreated event", ErrUnrecognizedLog)
	}

	values, err := contracts.Factory().Unpack("TokenCreated", l.Data)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeProcessing, "Failed to unpack TokenCreated data", err)
	}
	name, _ := values[0].(string)
	symbol, _ := values[1].(string)

	return &models.TokenCreatedEvent{
		FactoryAddress: utils.NormalizeAddress(l.Address.Hex()),
		TokenAddress:   topicAddress(l.Topics[1]),
		Creator:        topicAddress(l.Topics[2]),
		IntentID:       new(big.Int).SetBytes(l.Topics[3].Bytes()).String(),
		Name:           name,
		Symbol:         symbol,
		BlockNumber:    l.BlockNumber,
		TxHash:         l.TxHash.Hex(),
		LogIndex:       l.Index,
	}, nil
}

func topicAddress(topic common.Hash) string {
	return utils.NormalizeAddress(common.BytesToAddress(topic.Bytes()).Hex())
}
