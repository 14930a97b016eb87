package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/smartdevs17/token-indexer/internal/config"
	"github.com/smartdevs17/token-indexer/internal/metrics"
	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// FilterSpec selects the logs a provider webhook pushes
type FilterSpec struct {
	Network   string
	EventType models.SubscriptionEventType
	Addresses []string
	Topics    []common.Hash
}

// ProviderWebhook is a webhook as known by the provider
type ProviderWebhook struct {
	ID        string    `json:"id"`
	Network   string    `json:"network"`
	Type      string    `json:"webhook_type"`
	URL       string    `json:"webhook_url"`
	Active    bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Provider manages webhooks at the push provider
type Provider interface {
	Register(ctx context.Context, spec FilterSpec, deliveryURL string) (*ProviderWebhook, error)
	Delete(ctx context.Context, webhookID string) error
	// Get returns nil without error when the webhook does not exist.
	Get(ctx context.Context, webhookID string) (*ProviderWebhook, error)
	List(ctx context.Context) ([]*ProviderWebhook, error)
}

// AlchemyProvider implements Provider over the Alchemy Notify API
type AlchemyProvider struct {
	baseURL        string
	authToken      string
	retryAttempts  int
	retryDelay     time.Duration
	maxDelay       time.Duration
	limiter        *rate.Limiter
	httpClient     *http.Client
	metricsManager *metrics.Manager
	logger         *logrus.Entry
}

// NewAlchemyProvider creates a provider client from the webhook section
func NewAlchemyProvider(cfg *config.WebhookConfig, metricsManager *metrics.Manager) *AlchemyProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &AlchemyProvider{
		baseURL:       strings.TrimRight(cfg.APIURL, "/"),
		authToken:     cfg.AuthToken,
		retryAttempts: attempts,
		retryDelay:    cfg.RetryDelay,
		maxDelay:      30 * time.Second,
		limiter:       rate.NewLimiter(rate.Limit(5), 5),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("alchemy_provider"),
	}
}

type alchemyWebhook struct {
	ID          string `json:"id"`
	Network     string `json:"network"`
	WebhookType string `json:"webhook_type"`
	WebhookURL  string `json:"webhook_url"`
	IsActive    bool   `json:"is_active"`
	TimeCreated int64  `json:"time_created"`
}

func (w alchemyWebhook) toProvider() *ProviderWebhook {
	return &ProviderWebhook{
		ID:        w.ID,
		Network:   w.Network,
		Type:      w.WebhookType,
		URL:       w.WebhookURL,
		Active:    w.IsActive,
		CreatedAt: time.UnixMilli(w.TimeCreated).UTC(),
	}
}

// Register creates a custom webhook whose GraphQL filter covers spec
func (p *AlchemyProvider) Register(ctx context.Context, spec FilterSpec, deliveryURL string) (*ProviderWebhook, error) {
	if len(spec.Addresses) == 0 {
		return nil, utils.NewAppError(utils.ErrCodeValidation, "Webhook filter has no addresses", "")
	}
	body := map[string]interface{}{
		"network":       spec.Network,
		"webhook_type":  "GRAPHQL",
		"webhook_url":   deliveryURL,
		"graphql_query": GraphQLQuery(spec),
	}

	var resp struct {
		Data alchemyWebhook `json:"data"`
	}
	if err := p.do(ctx, "register", http.MethodPost, "/create-webhook", body, &resp); err != nil {
		return nil, err
	}
	if resp.Data.ID == "" {
		return nil, utils.NewAppError(utils.ErrCodeProvider, "Provider returned no webhook id", "")
	}

	p.logger.WithFields(logrus.Fields{
		"webhook_id": resp.Data.ID,
		"event_type": spec.EventType,
		"addresses":  len(spec.Addresses),
	}).Info("Registered provider webhook")
	return resp.Data.toProvider(), nil
}

// Delete removes a webhook; deleting a missing webhook succeeds
func (p *AlchemyProvider) Delete(ctx context.Context, webhookID string) error {
	path := "/delete-webhook?webhook_id=" + url.QueryEscape(webhookID)
	err := p.do(ctx, "delete", http.MethodDelete, path, nil, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

// Get looks a webhook up in the team listing
func (p *AlchemyProvider) Get(ctx context.Context, webhookID string) (*ProviderWebhook, error) {
	hooks, err := p.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, hook := range hooks {
		if hook.ID == webhookID {
			return hook, nil
		}
	}
	return nil, nil
}

// List returns every webhook of the team
func (p *AlchemyProvider) List(ctx context.Context) ([]*ProviderWebhook, error) {
	var resp struct {
		Data []alchemyWebhook `json:"data"`
	}
	if err := p.do(ctx, "list", http.MethodGet, "/team-webhooks", nil, &resp); err != nil {
		return nil, err
	}
	hooks := make([]*ProviderWebhook, 0, len(resp.Data))
	for _, hook := range resp.Data {
		hooks = append(hooks, hook.toProvider())
	}
	return hooks, nil
}

// GraphQLQuery renders the custom webhook query for spec
func GraphQLQuery(spec FilterSpec) string {
	addresses := make([]string, 0, len(spec.Addresses))
	for _, address := range spec.Addresses {
		addresses = append(addresses, fmt.Sprintf("%q", utils.NormalizeAddress(address)))
	}
	topics := make([]string, 0, len(spec.Topics))
	for _, topic := range spec.Topics {
		topics = append(topics, fmt.Sprintf("%q", topic.Hex()))
	}
	return fmt.Sprintf(
		"{ block { hash number timestamp logs(filter: {addresses: [%s], topics: [[%s]]}) "+
			"{ data topics index account { address } transaction { hash index } } } }",
		strings.Join(addresses, ", "), strings.Join(topics, ", "))
}

// statusError is a non-2xx provider response
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.status, e.body)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == http.StatusNotFound
}

func retryable(err error) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return true
	}
	return se.status == http.StatusTooManyRequests || se.status >= 500
}

// do sends one API call, retrying transport errors, 429 and 5xx with exponential backoff
func (p *AlchemyProvider) do(ctx context.Context, operation, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return utils.NewAppError(utils.ErrCodeInternal, "Failed to marshal provider request", err.Error())
		}
	}

	var lastErr error
	for attempt := 1; attempt <= p.retryAttempts; attempt++ {
		if attempt > 1 {
			delay := p.retryDelayFor(attempt)
			p.logger.WithFields(logrus.Fields{
				"operation": operation,
				"attempt":   attempt,
				"delay":     delay,
			}).Warn("Provider call failed, retrying")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = p.send(ctx, method, path, payload, out)
		if lastErr == nil {
			p.recordCall(operation, "success")
			return nil
		}
		if ctx.Err() != nil || !retryable(lastErr) {
			break
		}
	}

	p.recordCall(operation, "error")
	return utils.WrapError(utils.ErrCodeProvider, fmt.Sprintf("Provider %s failed", operation), lastErr)
}

func (p *AlchemyProvider) send(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Alchemy-Token", p.authToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "token-indexer/1.0")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(data)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return &statusError{status: resp.StatusCode, body: snippet}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &statusError{status: resp.StatusCode, body: "undecodable response: " + err.Error()}
	}
	return nil
}

// retryDelayFor doubles the base delay per attempt, capped at maxDelay
func (p *AlchemyProvider) retryDelayFor(attempt int) time.Duration {
	delay := time.Duration(int64(p.retryDelay) << uint(attempt-2))
	if delay > p.maxDelay || delay < 0 {
		delay = p.maxDelay
	}
	return delay
}

func (p *AlchemyProvider) recordCall(operation, status string) {
	if p.metricsManager != nil {
		p.metricsManager.GetPrometheusMetrics().RecordProviderCall(operation, status)
	}
}
