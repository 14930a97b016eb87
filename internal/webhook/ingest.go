package webhook

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/token-indexer/internal/contracts"
	"github.com/smartdevs17/token-indexer/internal/metrics"
	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/internal/processor"
	"github.com/smartdevs17/token-indexer/internal/storage"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// DeploymentHandler receives decoded TokenCreated events
type DeploymentHandler func(ctx context.Context, event *models.TokenCreatedEvent, source models.EventSource) error

// TokenLookup resolves the lifecycle record of a token contract
type TokenLookup interface {
	GetTokenByAddress(ctx context.Context, address string) (*models.Token, error)
}

// DeliveryResult is returned to the provider. Success is false only when a
// log could not be processed for reasons other than bad data.
type DeliveryResult struct {
	Success     bool        `json:"success"`
	Error       string      `json:"error,omitempty"`
	Shape       PayloadKind `json:"shape"`
	Logs        int         `json:"logs"`
	Transfers   int         `json:"transfers"`
	Duplicates  int         `json:"duplicates"`
	Deployments int         `json:"deployments"`
	Skipped     int         `json:"skipped"`
	Untracked   int         `json:"untracked"`
}

// IngestStats accumulates delivery counters
type IngestStats struct {
	Deliveries   int64     `json:"deliveries"`
	Failures     int64     `json:"failures"`
	Ignored      int64     `json:"ignored"`
	Transfers    int64     `json:"transfers"`
	Duplicates   int64     `json:"duplicates"`
	Deployments  int64     `json:"deployments"`
	Skipped      int64     `json:"skipped"`
	Untracked    int64     `json:"untracked"`
	LastDelivery time.Time `json:"last_delivery,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// logKind classifies one flattened log
type logKind string

const (
	logTransfer     logKind = "transfer"
	logTokenCreated logKind = "token_created"
	logUnknown      logKind = "unknown"
	logInvalid      logKind = "invalid"
	logUntracked    logKind = "untracked"
)

// Ingestor turns deliveries into materializer and deployment calls
type Ingestor struct {
	materializer   *processor.Materializer
	tokens         TokenLookup
	onDeployment   DeploymentHandler
	metricsManager *metrics.Manager
	logger         *logrus.Entry

	mu    sync.Mutex
	stats IngestStats
}

// NewIngestor creates an ingestor. Transfers are applied only for tokens that
// tokens reports active. onDeployment may be nil, in which case deployment
// logs are skipped.
func NewIngestor(materializer *processor.Materializer, tokens TokenLookup, onDeployment DeploymentHandler, metricsManager *metrics.Manager) *Ingestor {
	return &Ingestor{
		materializer:   materializer,
		tokens:         tokens,
		onDeployment:   onDeployment,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("webhook_ingest"),
	}
}

// HandleDelivery processes one raw delivery body. Empty, malformed and
// unrecognized bodies succeed as no-ops so the provider does not retry them.
func (ing *Ingestor) HandleDelivery(ctx context.Context, raw []byte) DeliveryResult {
	payload := ClassifyPayload(raw)
	result := DeliveryResult{Success: true, Shape: payload.Kind()}

	if p, ok := payload.(*UnrecognizedPayload); ok {
		ing.logger.WithField("reason", p.Reason).Warn("Ignoring unrecognized delivery")
		ing.finish(&result, "ignored")
		return result
	}

	items := payload.Items()
	malformed := payload.Malformed()
	result.Logs = len(items) + malformed
	if malformed > 0 {
		ing.logger.WithFields(logrus.Fields{
			"shape":     result.Shape,
			"malformed": malformed,
		}).Warn("Skipping malformed delivery entries")
		for i := 0; i < malformed; i++ {
			ing.recordLog(logInvalid)
		}
		result.Skipped += malformed
	}

	tracked := make(map[string]bool)
	for _, item := range items {
		if err := ing.handleItem(ctx, item, tracked, &result); err != nil {
			result.Success = false
			result.Error = err.Error()
			ing.logger.WithError(err).WithFields(logrus.Fields{
				"shape":    result.Shape,
				"tx_hash":  item.Log.TxHash.Hex(),
				"block":    item.Block.Number,
				"progress": result.Transfers + result.Duplicates + result.Deployments + result.Skipped,
			}).Error("Delivery processing failed")
			ing.finish(&result, "failed")
			return result
		}
	}

	ing.logger.WithFields(logrus.Fields{
		"shape":       result.Shape,
		"logs":        result.Logs,
		"transfers":   result.Transfers,
		"duplicates":  result.Duplicates,
		"deployments": result.Deployments,
		"skipped":     result.Skipped,
		"untracked":   result.Untracked,
	}).Debug("Delivery processed")
	ing.finish(&result, "success")
	return result
}

func (ing *Ingestor) handleItem(ctx context.Context, item LogItem, tracked map[string]bool, result *DeliveryResult) error {
	kind := classifyLog(item)
	ing.recordLog(kind)
	if item.Invalid != "" && kind != logUnknown {
		ing.skip(item, result, utils.NewAppError(utils.ErrCodeValidation, item.Invalid, ""))
		return nil
	}

	switch kind {
	case logTransfer:
		event, err := transferFromItem(item)
		if err != nil {
			ing.skip(item, result, err)
			return nil
		}
		active, err := ing.isActive(ctx, event.TokenAddress, tracked)
		if err != nil {
			return err
		}
		if !active {
			ing.logger.WithFields(logrus.Fields{
				"token":     event.TokenAddress,
				"tx_hash":   event.TxHash,
				"log_index": event.LogIndex,
			}).Debug("Dropping transfer for a token that is not active")
			ing.recordLog(logUntracked)
			result.Untracked++
			return nil
		}
		outcome, err := ing.materializer.ApplyTransfer(ctx, event)
		if err != nil {
			if utils.ErrorCode(err) == utils.ErrCodeValidation {
				ing.skip(item, result, err)
				return nil
			}
			return err
		}
		if outcome.Applied {
			result.Transfers++
		} else {
			result.Duplicates++
		}

	case logTokenCreated:
		event, err := deploymentFromItem(item)
		if err != nil {
			ing.skip(item, result, err)
			return nil
		}
		if ing.onDeployment == nil {
			result.Skipped++
			return nil
		}
		if err := ing.onDeployment(ctx, event, models.SourceWebhook); err != nil {
			return err
		}
		delete(tracked, event.TokenAddress)
		result.Deployments++

	default:
		ing.logger.WithFields(logrus.Fields{
			"address": strings.ToLower(item.Log.Address.Hex()),
			"tx_hash": item.Log.TxHash.Hex(),
		}).Debug("Skipping log with unknown signature")
		result.Skipped++
	}
	return nil
}

// isActive reports whether transfers of token should be applied. Answers are
// cached for the rest of the delivery.
func (ing *Ingestor) isActive(ctx context.Context, token string, tracked map[string]bool) (bool, error) {
	if active, ok := tracked[token]; ok {
		return active, nil
	}
	record, err := ing.tokens.GetTokenByAddress(ctx, token)
	switch {
	case storage.IsNotFound(err):
		tracked[token] = false
	case err != nil:
		return false, err
	default:
		tracked[token] = record.Status == models.TokenStatusActive
	}
	return tracked[token], nil
}

func (ing *Ingestor) skip(item LogItem, result *DeliveryResult, err error) {
	ing.logger.WithError(err).WithFields(logrus.Fields{
		"tx_hash":   item.Log.TxHash.Hex(),
		"log_index": item.Log.Index,
	}).Warn("Skipping invalid log")
	ing.recordLog(logInvalid)
	result.Skipped++
}

// classifyLog matches topic0 first and falls back to field names for decoded records
func classifyLog(item LogItem) logKind {
	if len(item.Log.Topics) > 0 {
		switch item.Log.Topics[0] {
		case contracts.TransferTopic:
			return logTransfer
		case contracts.TokenCreatedTopic:
			return logTokenCreated
		}
		return logUnknown
	}

	switch strings.ToLower(item.Name) {
	case "transfer":
		return logTransfer
	case "tokencreated":
		return logTokenCreated
	}
	f := item.Fields
	if has(f, "from", "to", "value") {
		return logTransfer
	}
	if has(f, "token", "intentid") {
		return logTokenCreated
	}
	return logUnknown
}

func has(fields map[string]string, names ...string) bool {
	for _, name := range names {
		if fields[name] == "" {
			return false
		}
	}
	return true
}

func transferFromItem(item LogItem) (*models.TokenEvent, error) {
	timestamp := item.Block.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	if !item.Decoded() {
		return processor.DecodeTransfer(item.Log, timestamp, models.SourceWebhook)
	}

	if item.Log.TxHash == (common.Hash{}) {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Decoded transfer has no transaction hash", "")
	}
	value, ok := utils.ParseBigInt(item.Fields["value"])
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid transfer value", item.Fields["value"])
	}
	return &models.TokenEvent{
		TokenAddress: utils.NormalizeAddress(item.Log.Address.Hex()),
		From:         utils.NormalizeAddress(item.Fields["from"]),
		To:           utils.NormalizeAddress(item.Fields["to"]),
		Value:        value,
		BlockNumber:  item.Log.BlockNumber,
		TxHash:       strings.ToLower(item.Log.TxHash.Hex()),
		LogIndex:     item.Log.Index,
		Timestamp:    timestamp,
		Source:       models.SourceWebhook,
	}, nil
}

func deploymentFromItem(item LogItem) (*models.TokenCreatedEvent, error) {
	if !item.Decoded() {
		return processor.DecodeTokenCreated(item.Log)
	}

	f := item.Fields
	intent, ok := utils.ParseBigInt(f["intentid"])
	if !ok || !utils.IsValidAddress(f["token"]) {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Invalid decoded deployment",
			"token="+f["token"]+" intentId="+f["intentid"])
	}
	return &models.TokenCreatedEvent{
		FactoryAddress: utils.NormalizeAddress(item.Log.Address.Hex()),
		TokenAddress:   utils.NormalizeAddress(f["token"]),
		Creator:        utils.NormalizeAddress(f["creator"]),
		IntentID:       intent.String(),
		Name:           f["name"],
		Symbol:         f["symbol"],
		BlockNumber:    item.Log.BlockNumber,
		TxHash:         strings.ToLower(item.Log.TxHash.Hex()),
		LogIndex:       item.Log.Index,
	}, nil
}

func (ing *Ingestor) recordLog(kind logKind) {
	if ing.metricsManager != nil {
		ing.metricsManager.GetPrometheusMetrics().RecordDeliveryLog(string(kind))
	}
}

func (ing *Ingestor) finish(result *DeliveryResult, status string) {
	if ing.metricsManager != nil {
		ing.metricsManager.GetPrometheusMetrics().RecordDelivery(string(result.Shape), status)
	}

	ing.mu.Lock()
	defer ing.mu.Unlock()
	ing.stats.Deliveries++
	ing.stats.LastDelivery = time.Now().UTC()
	switch status {
	case "ignored":
		ing.stats.Ignored++
	case "failed":
		ing.stats.Failures++
		ing.stats.LastError = result.Error
	}
	ing.stats.Transfers += int64(result.Transfers)
	ing.stats.Duplicates += int64(result.Duplicates)
	ing.stats.Deployments += int64(result.Deployments)
	ing.stats.Skipped += int64(result.Skipped)
	ing.stats.Untracked += int64(result.Untracked)
}

// GetStats returns a copy of the delivery counters
func (ing *Ingestor) GetStats() IngestStats {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return ing.stats
}
