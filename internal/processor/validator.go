// File: internal/processor/validator.go
package processor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

var (
	addressRegex = regexp.MustCompile(`^0x[a-f0-9]{40}$`)
	txHashRegex  = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// ValidateTransfer checks a normalized transfer before it reaches storage
func ValidateTransfer(event *models.TokenEvent) error {
	var errs []*ValidationError

	if !addressRegex.MatchString(event.TokenAddress) {
		errs = append(errs, &ValidationError{Field: "token_address", Message: "Invalid address format", Value: event.TokenAddress})
	}
	if !addressRegex.MatchString(event.From) {
		errs = append(errs, &ValidationError{Field: "from", Message: "Invalid address format", Value: event.From})
	}
	if !addressRegex.MatchString(event.To) {
		errs = append(errs, &ValidationError{Field: "to", Message: "Invalid address format", Value: event.To})
	}
	if event.Value == nil {
		errs = append(errs, &ValidationError{Field: "value", Message: "Value is required"})
	} else if event.Value.Sign() < 0 {
		errs = append(errs, &ValidationError{Field: "value", Message: "Value cannot be negative", Value: event.Value.String()})
	}
	if !txHashRegex.MatchString(event.TxHash) {
		errs = append(errs, &ValidationError{Field: "transaction_hash", Message: "Invalid transaction hash format", Value: event.TxHash})
	}

	if len(errs) == 0 {
		return nil
	}
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		messages = append(messages, fmt.Sprintf("%s: %s", err.Field, err.Message))
	}
	return utils.NewAppError(utils.ErrCodeValidation, "Transfer validation failed", strings.Join(messages, "; "))
}

// NormalizeTransfer lowercases every address of event in place
func NormalizeTransfer(event *models.TokenEvent) {
	event.TokenAddress = utils.NormalizeAddress(event.TokenAddress)
	event.From = utils.NormalizeAddress(event.From)
	event.To = utils.NormalizeAddress(event.To)
	event.TxHash = strings.ToLower(strings.TrimSpace(event.TxHash))
}
