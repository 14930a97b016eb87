package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/token-indexer/internal/models"
	"github.com/smartdevs17/token-indexer/pkg/utils"
)

// dialect captures what differs between the SQL backends
type dialect struct {
	name string
	// placeholders rewrites ? placeholders into the driver's syntax
	placeholders func(query string) string
	// lockToken serializes balance writers for one token within tx
	lockToken func(ctx context.Context, tx *sql.Tx, tokenAddress string) error
}

// sqlStore implements Storage on database/sql; SQLite and PostgreSQL embed it
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	logger  *logrus.Entry
}

func (s *sqlStore) q(query string) string {
	if s.dialect.placeholders == nil {
		return query
	}
	return s.dialect.placeholders(query)
}

func (s *sqlStore) ready() error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	return nil
}

// Ping checks database connectivity
func (s *sqlStore) Ping() error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.Ping()
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		s.logger.Info("Database connection closed")
		return err
	}
	return nil
}

func (s *sqlStore) migrate(migrations []*Migration) error {
	if err := s.ready(); err != nil {
		return err
	}

	s.logger.Info("Starting database migrations")
	for _, migration := range migrations {
		s.logger.WithFields(logrus.Fields{
			"version":     migration.Version,
			"description": migration.Description,
		}).Debug("Applying migration")

		if _, err := s.db.Exec(migration.SQL); err != nil {
			return utils.NewAppError(utils.ErrCodeDatabase,
				fmt.Sprintf("Migration %s failed", migration.Version),
				err.Error())
		}
	}
	s.logger.Info("Database migrations completed")
	return nil
}

// ApplyTransfer records the event and applies the balance transition atomically
func (s *sqlStore) ApplyTransfer(ctx context.Context, event *models.TokenEvent, transition BalanceTransition) (*ApplyResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to begin transaction", err)
	}
	defer tx.Rollback()

	if s.dialect.lockToken != nil {
		if err := s.dialect.lockToken(ctx, tx, event.TokenAddress); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to lock token balances", err)
		}
	}

	res, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO token_events (token_address, from_address, to_address, value, block_number,
			transaction_hash, log_index, timestamp, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_hash, log_index) DO NOTHING`),
		event.TokenAddress, event.From, event.To, event.Value.String(), event.BlockNumber,
		event.TxHash, event.LogIndex, event.Timestamp, string(event.Source))
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to insert token event", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get rows affected", err)
	}
	if inserted == 0 {
		if err := tx.Commit(); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to commit transaction", err)
		}
		return &ApplyResult{Inserted: false}, nil
	}

	before := make(map[string]*big.Int)
	for _, holder := range touchedHolders(event) {
		var raw string
		err := tx.QueryRowContext(ctx,
			s.q("SELECT balance FROM holder_balances WHERE token_address = ? AND holder_address = ?"),
			event.TokenAddress, holder).Scan(&raw)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read holder balance", err)
		}
		balance, err := parseAmount(raw)
		if err != nil {
			return nil, err
		}
		before[holder] = balance
	}

	after := transition(copyBalances(before))
	now := time.Now().UTC()
	for holder, balance := range after {
		if balance == nil || balance.Sign() <= 0 {
			_, err = tx.ExecContext(ctx,
				s.q("DELETE FROM holder_balances WHERE token_address = ? AND holder_address = ?"),
				event.TokenAddress, holder)
		} else {
			_, err = tx.ExecContext(ctx, s.q(`
				INSERT INTO holder_balances (token_address, holder_address, balance, last_updated)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (token_address, holder_address)
				DO UPDATE SET balance = excluded.balance, last_updated = excluded.last_updated`),
				event.TokenAddress, holder, balance.String(), now)
		}
		if err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to write holder balance", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to commit transaction", err)
	}
	return &ApplyResult{Inserted: true, Before: before, After: after}, nil
}

// touchedHolders lists the distinct non-zero holders of a transfer
func touchedHolders(event *models.TokenEvent) []string {
	var holders []string
	if !utils.IsZeroAddress(event.From) {
		holders = append(holders, event.From)
	}
	if !utils.IsZeroAddress(event.To) && event.To != event.From {
		holders = append(holders, event.To)
	}
	return holders
}

func copyBalances(in map[string]*big.Int) map[string]*big.Int {
	out := make(map[string]*big.Int, len(in))
	for k, v := range in {
		out[k] = new(big.Int).Set(v)
	}
	return out
}

func parseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Invalid stored amount", raw)
	}
	return v, nil
}

// GetBalances returns every positive balance of a token
func (s *sqlStore) GetBalances(ctx context.Context, tokenAddress string) (map[string]*big.Int, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT holder_address, balance FROM holder_balances WHERE token_address = ?"), tokenAddress)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to query balances", err)
	}
	defer rows.Close()

	balances := make(map[string]*big.Int)
	for rows.Next() {
		var holder, raw string
		if err := rows.Scan(&holder, &raw); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan balance", err)
		}
		v, err := parseAmount(raw)
		if err != nil {
			return nil, err
		}
		balances[holder] = v
	}
	return balances, rows.Err()
}

// GetHolders returns a page of holders. Balances are compared numerically by
// ordering on (length, text) since stored values carry no leading zeros.
func (s *sqlStore) GetHolders(ctx context.Context, tokenAddress string, limit, offset int, sort models.HolderSort) ([]*models.HolderBalance, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var order string
	switch sort {
	case models.SortBalanceAsc:
		order = "LENGTH(balance) ASC, balance ASC, holder_address ASC"
	case models.SortAddress:
		order = "holder_address ASC"
	case models.SortRecent:
		order = "last_updated DESC, holder_address ASC"
	default:
		order = "LENGTH(balance) DESC, balance DESC, holder_address ASC"
	}

	query := "SELECT token_address, holder_address, balance, last_updated FROM holder_balances WHERE token_address = ? ORDER BY " + order
	args := []interface{}{tokenAddress}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to query holders", err)
	}
	defer rows.Close()

	holders := []*models.HolderBalance{}
	for rows.Next() {
		var h models.HolderBalance
		var raw string
		if err := rows.Scan(&h.TokenAddress, &h.HolderAddress, &raw, &h.LastUpdated); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan holder", err)
		}
		if h.Balance, err = parseAmount(raw); err != nil {
			return nil, err
		}
		holders = append(holders, &h)
	}
	return holders, rows.Err()
}

// GetHolderCount counts holders with a positive balance
func (s *sqlStore) GetHolderCount(ctx context.Context, tokenAddress string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var count int64
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT COUNT(*) FROM holder_balances WHERE token_address = ?"), tokenAddress).Scan(&count)
	if err != nil {
		return 0, utils.WrapError(utils.ErrCodeDatabase, "Failed to count holders", err)
	}
	return count, nil
}

// GetTotalSupply sums holder balances with arbitrary precision
func (s *sqlStore) GetTotalSupply(ctx context.Context, tokenAddress string) (*big.Int, error) {
	balances, err := s.GetBalances(ctx, tokenAddress)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, v := range balances {
		total.Add(total, v)
	}
	return total, nil
}

func eventWhere(filter models.EventFilter) (string, []interface{}) {
	conditions := []string{"token_address = ?"}
	args := []interface{}{filter.TokenAddress}
	if filter.Holder != "" {
		conditions = append(conditions, "(from_address = ? OR to_address = ?)")
		args = append(args, filter.Holder, filter.Holder)
	}
	if filter.FromBlock != nil {
		conditions = append(conditions, "block_number >= ?")
		args = append(args, *filter.FromBlock)
	}
	if filter.ToBlock != nil {
		conditions = append(conditions, "block_number <= ?")
		args = append(args, *filter.ToBlock)
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// GetEvents returns recorded transfers, newest first
func (s *sqlStore) GetEvents(ctx context.Context, filter models.EventFilter) ([]*models.TokenEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	where, args := eventWhere(filter)
	query := `SELECT token_address, from_address, to_address, value, block_number,
		transaction_hash, log_index, timestamp, source FROM token_events` + where +
		" ORDER BY block_number DESC, log_index DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to query events", err)
	}
	defer rows.Close()

	events := []*models.TokenEvent{}
	for rows.Next() {
		var e models.TokenEvent
		var raw, source string
		if err := rows.Scan(&e.TokenAddress, &e.From, &e.To, &raw, &e.BlockNumber,
			&e.TxHash, &e.LogIndex, &e.Timestamp, &source); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan event", err)
		}
		if e.Value, err = parseAmount(raw); err != nil {
			return nil, err
		}
		e.Source = models.EventSource(source)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// GetEventCount counts recorded transfers
func (s *sqlStore) GetEventCount(ctx context.Context, filter models.EventFilter) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	where, args := eventWhere(filter)
	var count int64
	if err := s.db.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM token_events"+where), args...).Scan(&count); err != nil {
		return 0, utils.WrapError(utils.ErrCodeDatabase, "Failed to count events", err)
	}
	return count, nil
}

const tokenColumns = `intent_id, name, symbol, creator, address, deployment_block, last_scanned_block, status, created_at, updated_at`

func scanToken(row interface{ Scan(...interface{}) error }) (*models.Token, error) {
	var t models.Token
	var status string
	if err := row.Scan(&t.IntentID, &t.Name, &t.Symbol, &t.Creator, &t.Address,
		&t.DeploymentBlock, &t.LastScannedBlock, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = models.TokenStatus(status)
	return &t, nil
}

// SaveToken inserts or replaces a token record
func (s *sqlStore) SaveToken(ctx context.Context, token *models.Token) error {
	if err := s.ready(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO tokens (`+tokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (intent_id) DO UPDATE SET
			name = excluded.name, symbol = excluded.symbol, creator = excluded.creator,
			address = excluded.address, deployment_block = excluded.deployment_block,
			last_scanned_block = excluded.last_scanned_block, status = excluded.status,
			updated_at = excluded.updated_at`),
		token.IntentID, token.Name, token.Symbol, token.Creator, token.Address,
		token.DeploymentBlock, token.LastScannedBlock, string(token.Status), token.CreatedAt, token.UpdatedAt)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to save token", err)
	}
	return nil
}

func (s *sqlStore) getToken(ctx context.Context, column, value string) (*models.Token, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+tokenColumns+" FROM tokens WHERE "+column+" = ?"), value)
	token, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Token not found", value)
	}
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get token", err)
	}
	return token, nil
}

// GetTokenByIntent looks a token up by its correlation id
func (s *sqlStore) GetTokenByIntent(ctx context.Context, intentID string) (*models.Token, error) {
	return s.getToken(ctx, "intent_id", intentID)
}

// GetTokenByAddress looks a token up by contract address
func (s *sqlStore) GetTokenByAddress(ctx context.Context, address string) (*models.Token, error) {
	return s.getToken(ctx, "address", address)
}

// GetTokens lists tokens, optionally filtered by status
func (s *sqlStore) GetTokens(ctx context.Context, status models.TokenStatus) ([]*models.Token, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := "SELECT " + tokenColumns + " FROM tokens"
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at ASC, intent_id ASC"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to query tokens", err)
	}
	defer rows.Close()

	tokens := []*models.Token{}
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan token", err)
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// ActivateToken resolves the intent carried by a deployment event. A missing
// intent is created directly as active. A row already holding the deployed
// address (a manual watch) is adopted under the event's intent id, keeping its
// cursor; a pending row for that intent is merged into it. Removed tokens keep
// their status. It returns the token and the status the intent had before.
func (s *sqlStore) ActivateToken(ctx context.Context, created *models.TokenCreatedEvent) (*models.Token, models.TokenStatus, error) {
	if err := s.ready(); err != nil {
		return nil, "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", utils.WrapError(utils.ErrCodeDatabase, "Failed to begin transaction", err)
	}
	defer tx.Rollback()

	byIntent, err := s.lookupToken(ctx, tx, "intent_id", created.IntentID)
	if err != nil {
		return nil, "", err
	}
	var byAddress *models.Token
	if created.TokenAddress != "" {
		if byAddress, err = s.lookupToken(ctx, tx, "address", created.TokenAddress); err != nil {
			return nil, "", err
		}
	}

	now := time.Now().UTC()
	if byAddress != nil && byAddress.IntentID != created.IntentID {
		token, previous, err := s.adoptToken(ctx, tx, byAddress, byIntent, created, now)
		if err != nil {
			return nil, "", err
		}
		if err := tx.Commit(); err != nil {
			return nil, "", utils.WrapError(utils.ErrCodeDatabase, "Failed to commit transaction", err)
		}
		return token, previous, nil
	}

	var previous models.TokenStatus
	token := byIntent
	if token == nil {
		token = &models.Token{
			IntentID:  created.IntentID,
			Name:      created.Name,
			Symbol:    created.Symbol,
			CreatedAt: now,
		}
	} else {
		previous = token.Status
		if previous == models.TokenStatusRemoved ||
			(previous == models.TokenStatusActive && token.Address == created.TokenAddress) {
			return token, previous, tx.Commit()
		}
	}

	if token.Name == "" {
		token.Name = created.Name
	}
	if token.Symbol == "" {
		token.Symbol = created.Symbol
	}
	token.Creator = created.Creator
	token.Address = created.TokenAddress
	token.DeploymentBlock = created.BlockNumber
	token.Status = models.TokenStatusActive
	token.UpdatedAt = now

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO tokens (`+tokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (intent_id) DO UPDATE SET
			name = excluded.name, symbol = excluded.symbol, creator = excluded.creator,
			address = excluded.address, deployment_block = excluded.deployment_block,
			status = excluded.status, updated_at = excluded.updated_at`),
		token.IntentID, token.Name, token.Symbol, token.Creator, token.Address,
		token.DeploymentBlock, token.LastScannedBlock, string(token.Status), token.CreatedAt, token.UpdatedAt)
	if err != nil {
		return nil, "", utils.WrapError(utils.ErrCodeDatabase, "Failed to activate token", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, "", utils.WrapError(utils.ErrCodeDatabase, "Failed to commit transaction", err)
	}
	return token, previous, nil
}

// adoptToken moves the row holding the deployed address onto the event's
// intent id. The pending intent row, if any, is folded into it.
func (s *sqlStore) adoptToken(ctx context.Context, tx *sql.Tx, existing, intent *models.Token, created *models.TokenCreatedEvent, now time.Time) (*models.Token, models.TokenStatus, error) {
	token := *existing
	previous := existing.Status
	if intent != nil {
		previous = intent.Status
		if intent.Name != "" {
			token.Name = intent.Name
		}
		if intent.Symbol != "" {
			token.Symbol = intent.Symbol
		}
		if _, err := tx.ExecContext(ctx, s.q("DELETE FROM tokens WHERE intent_id = ?"), intent.IntentID); err != nil {
			return nil, "", utils.WrapError(utils.ErrCodeDatabase, "Failed to merge token intent", err)
		}
	}
	if token.Name == "" {
		token.Name = created.Name
	}
	if token.Symbol == "" {
		token.Symbol = created.Symbol
	}
	token.IntentID = created.IntentID
	token.Creator = created.Creator
	token.DeploymentBlock = created.BlockNumber
	if token.Status != models.TokenStatusRemoved {
		token.Status = models.TokenStatusActive
	}
	token.UpdatedAt = now

	_, err := tx.ExecContext(ctx, s.q(`
		UPDATE tokens SET intent_id = ?, name = ?, symbol = ?, creator = ?,
			deployment_block = ?, status = ?, updated_at = ?
		WHERE intent_id = ?`),
		token.IntentID, token.Name, token.Symbol, token.Creator,
		token.DeploymentBlock, string(token.Status), token.UpdatedAt, existing.IntentID)
	if err != nil {
		return nil, "", utils.WrapError(utils.ErrCodeDatabase, "Failed to adopt token", err)
	}
	return &token, previous, nil
}

// lookupToken reads one token inside tx; a missing row is (nil, nil)
func (s *sqlStore) lookupToken(ctx context.Context, tx *sql.Tx, column, value string) (*models.Token, error) {
	token, err := scanToken(tx.QueryRowContext(ctx, s.q("SELECT "+tokenColumns+" FROM tokens WHERE "+column+" = ?"), value))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to get token", err)
	}
	return token, nil
}

// UpdateTokenStatus sets the status of the token at address
func (s *sqlStore) UpdateTokenStatus(ctx context.Context, address string, status models.TokenStatus) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q("UPDATE tokens SET status = ?, updated_at = ? WHERE address = ?"),
		string(status), time.Now().UTC(), address)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to update token status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return utils.NewAppError(utils.ErrCodeNotFound, "Token not found", address)
	}
	return nil
}

// UpdateLastScannedBlock advances the scan cursor; it never moves backwards
func (s *sqlStore) UpdateLastScannedBlock(ctx context.Context, address string, blockNumber uint64) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(
		"UPDATE tokens SET last_scanned_block = ?, updated_at = ? WHERE address = ? AND last_scanned_block < ?"),
		blockNumber, time.Now().UTC(), address, blockNumber)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to update last scanned block", err)
	}
	return nil
}

const subscriptionColumns = `id, webhook_id, network, event_type, contract_address, status, last_error, last_verified, created_at, updated_at`

// SaveSubscriptions upserts rows keyed by (webhook id, contract address)
func (s *sqlStore) SaveSubscriptions(ctx context.Context, subs []*models.WebhookSubscription) error {
	if err := s.ready(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to begin transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, sub := range subs {
		if sub.CreatedAt.IsZero() {
			sub.CreatedAt = now
		}
		sub.UpdatedAt = now
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO webhook_subscriptions (webhook_id, network, event_type, contract_address,
				status, last_error, last_verified, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (webhook_id, contract_address) DO UPDATE SET
				network = excluded.network, event_type = excluded.event_type, status = excluded.status,
				last_error = excluded.last_error, last_verified = excluded.last_verified,
				updated_at = excluded.updated_at`),
			sub.WebhookID, sub.Network, string(sub.EventType), sub.ContractAddress,
			string(sub.Status), sub.LastError, nullTime(sub.LastVerified), sub.CreatedAt, sub.UpdatedAt)
		if err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to save subscription", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to commit transaction", err)
	}
	return nil
}

// GetSubscriptions lists subscription rows matching filter
func (s *sqlStore) GetSubscriptions(ctx context.Context, filter models.SubscriptionFilter) ([]*models.WebhookSubscription, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var conditions []string
	var args []interface{}
	if filter.WebhookID != "" {
		conditions = append(conditions, "webhook_id = ?")
		args = append(args, filter.WebhookID)
	}
	if filter.EventType != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.ContractAddress != "" {
		conditions = append(conditions, "contract_address = ?")
		args = append(args, filter.ContractAddress)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(status))
		}
		conditions = append(conditions, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := "SELECT " + subscriptionColumns + " FROM webhook_subscriptions"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to query subscriptions", err)
	}
	defer rows.Close()

	subs := []*models.WebhookSubscription{}
	for rows.Next() {
		var sub models.WebhookSubscription
		var eventType, status string
		var verified sql.NullTime
		if err := rows.Scan(&sub.ID, &sub.WebhookID, &sub.Network, &eventType, &sub.ContractAddress,
			&status, &sub.LastError, &verified, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan subscription", err)
		}
		sub.EventType = models.SubscriptionEventType(eventType)
		sub.Status = models.SubscriptionStatus(status)
		if verified.Valid {
			t := verified.Time
			sub.LastVerified = &t
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

// UpdateWebhookStatus sets the status of every row sharing webhookID.
// Moving to active stamps last_verified.
func (s *sqlStore) UpdateWebhookStatus(ctx context.Context, webhookID string, status models.SubscriptionStatus, lastError string) error {
	return s.updateSubscriptions(ctx, "webhook_id = ?", webhookID, status, lastError)
}

// UpdateSubscriptionStatus sets the status of one row
func (s *sqlStore) UpdateSubscriptionStatus(ctx context.Context, id int64, status models.SubscriptionStatus, lastError string) error {
	return s.updateSubscriptions(ctx, "id = ?", id, status, lastError)
}

func (s *sqlStore) updateSubscriptions(ctx context.Context, where string, key interface{}, status models.SubscriptionStatus, lastError string) error {
	if err := s.ready(); err != nil {
		return err
	}
	now := time.Now().UTC()
	query := "UPDATE webhook_subscriptions SET status = ?, last_error = ?, updated_at = ?"
	args := []interface{}{string(status), lastError, now}
	if status == models.SubscriptionActive {
		query += ", last_verified = ?"
		args = append(args, now)
	}
	query += " WHERE " + where
	args = append(args, key)

	if _, err := s.db.ExecContext(ctx, s.q(query), args...); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to update subscription status", err)
	}
	return nil
}

// DeleteSubscription removes one row
func (s *sqlStore) DeleteSubscription(ctx context.Context, id int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.q("DELETE FROM webhook_subscriptions WHERE id = ?"), id); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to delete subscription", err)
	}
	return nil
}

// GetState reads a system state value
func (s *sqlStore) GetState(ctx context.Context, key string) (string, bool, error) {
	if err := s.ready(); err != nil {
		return "", false, err
	}
	var value string
	err := s.db.QueryRowContext(ctx, s.q("SELECT value FROM system_state WHERE key = ?"), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, utils.WrapError(utils.ErrCodeDatabase, "Failed to get system state", err)
	}
	return value, true, nil
}

// SetState writes a system state value
func (s *sqlStore) SetState(ctx context.Context, key, value string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO system_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		key, value, time.Now().UTC())
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to set system state", err)
	}
	return nil
}

// GetUint64State reads a numeric system state value, 0 when unset
func GetUint64State(ctx context.Context, store Storage, key string) (uint64, error) {
	raw, ok, err := store.GetState(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, utils.NewAppError(utils.ErrCodeDatabase, "Invalid numeric system state", key+"="+raw)
	}
	return v, nil
}

// LogEvent appends an audit entry
func (s *sqlStore) LogEvent(ctx context.Context, eventType string, data map[string]interface{}) error {
	if err := s.ready(); err != nil {
		return err
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to marshal log data", err.Error())
	}
	_, err = s.db.ExecContext(ctx, s.q("INSERT INTO logs (type, data, created_at) VALUES (?, ?, ?)"),
		eventType, string(dataJSON), time.Now().UTC())
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to insert log entry", err.Error())
	}
	return nil
}

// GetLogsByType returns the newest audit entries of a type
func (s *sqlStore) GetLogsByType(ctx context.Context, eventType string, limit int) ([]*models.LogEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	query := "SELECT id, type, data, created_at FROM logs WHERE type = ? ORDER BY created_at DESC, id DESC"
	args := []interface{}{eventType}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to query logs", err.Error())
	}
	defer rows.Close()

	logs := []*models.LogEntry{}
	for rows.Next() {
		var log models.LogEntry
		var dataJSON string
		if err := rows.Scan(&log.ID, &log.Type, &dataJSON, &log.CreatedAt); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to scan log entry", err.Error())
		}
		if err := json.Unmarshal([]byte(dataJSON), &log.Data); err != nil {
			return nil, utils.NewAppError(utils.ErrCodeDatabase, "Failed to unmarshal log data", err.Error())
		}
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
