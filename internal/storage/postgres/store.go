package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hookAuction/internal/model"
	"hookAuction/internal/storage"
)

//go:embed schema.sql
var schema string

// Store provides Postgres persistence for the read model, hooks and executions.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const auctionColumns = `filter_hash, contract_address, topic0, topic1, topic2, topic3,
	use_topic1, use_topic2, use_topic3, current_bidder, current_bid::text, minimum_bid::text,
	last_bid_time, is_active, is_executed, last_block, last_tx_index, last_log_index`

func (s *Store) GetAuction(ctx context.Context, filterHash common.Hash) (model.Auction, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE filter_hash=$1`, filterHash.Hex())
	a, err := scanAuction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Auction{}, false, nil
		}
		return model.Auction{}, false, err
	}
	return a, true, nil
}

// ApplyAuctionUpdate records the event key, bid and auction row in one transaction.
func (s *Store) ApplyAuctionUpdate(ctx context.Context, update storage.AuctionUpdate) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if update.EventKey != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO ledger_events_seen (event_key) VALUES ($1)
			ON CONFLICT (event_key) DO NOTHING
		`, update.EventKey)
		if err != nil {
			return false, fmt.Errorf("record event key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return false, nil
		}
	}

	if b := update.Bid; b != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO bids (filter_hash, tx_hash, log_index, bidder, amount, ts, block_number, tx_index)
			VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)
			ON CONFLICT (filter_hash, tx_hash, log_index) DO NOTHING
		`,
			b.FilterHash.Hex(),
			b.TxHash.Hex(),
			int64(b.LogIndex),
			b.Bidder.Hex(),
			decimal(b.Amount),
			int64(b.Timestamp),
			int64(b.BlockNumber),
			int64(b.TxIndex),
		); err != nil {
			return false, fmt.Errorf("insert bid: %w", err)
		}
	}

	a := update.Auction
	f := a.Filter
	if _, err := tx.Exec(ctx, `
		INSERT INTO auctions (
			filter_hash, contract_address, topic0, topic1, topic2, topic3,
			use_topic1, use_topic2, use_topic3, current_bidder, current_bid, minimum_bid,
			last_bid_time, is_active, is_executed, last_block, last_tx_index, last_log_index, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::numeric,$12::numeric,$13,$14,$15,$16,$17,$18,now())
		ON CONFLICT (filter_hash)
		DO UPDATE SET
			contract_address = EXCLUDED.contract_address,
			topic0 = EXCLUDED.topic0,
			topic1 = EXCLUDED.topic1,
			topic2 = EXCLUDED.topic2,
			topic3 = EXCLUDED.topic3,
			use_topic1 = EXCLUDED.use_topic1,
			use_topic2 = EXCLUDED.use_topic2,
			use_topic3 = EXCLUDED.use_topic3,
			current_bidder = EXCLUDED.current_bidder,
			current_bid = EXCLUDED.current_bid,
			minimum_bid = EXCLUDED.minimum_bid,
			last_bid_time = EXCLUDED.last_bid_time,
			is_active = EXCLUDED.is_active,
			is_executed = EXCLUDED.is_executed,
			last_block = EXCLUDED.last_block,
			last_tx_index = EXCLUDED.last_tx_index,
			last_log_index = EXCLUDED.last_log_index,
			updated_at = now()
	`,
		a.FilterHash.Hex(),
		f.ContractAddress.Hex(),
		f.Topic0.Hex(), f.Topic1.Hex(), f.Topic2.Hex(), f.Topic3.Hex(),
		f.UseTopic1, f.UseTopic2, f.UseTopic3,
		a.CurrentBidder.Hex(),
		decimal(a.CurrentBid),
		decimal(a.MinimumBid),
		int64(a.LastBidTime),
		a.IsActive,
		a.IsExecuted,
		int64(a.LastBid.BlockNumber),
		int64(a.LastBid.TxIndex),
		int64(a.LastBid.LogIndex),
	); err != nil {
		return false, fmt.Errorf("upsert auction: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE bids SET is_winning = (block_number = $2 AND tx_index = $3 AND log_index = $4)
		WHERE filter_hash = $1
	`, a.FilterHash.Hex(), int64(a.LastBid.BlockNumber), int64(a.LastBid.TxIndex), int64(a.LastBid.LogIndex)); err != nil {
		return false, fmt.Errorf("mark winning bid: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

const bidColumns = `filter_hash, tx_hash, log_index, bidder, amount::text, ts, block_number, tx_index, is_winning`

func (s *Store) ListBids(ctx context.Context, filterHash common.Hash) ([]model.Bid, error) {
	return s.queryBids(ctx, `SELECT `+bidColumns+` FROM bids WHERE filter_hash=$1
		ORDER BY block_number, tx_index, log_index`, filterHash.Hex())
}

func (s *Store) BidsByBidder(ctx context.Context, bidder common.Address) ([]model.Bid, error) {
	return s.queryBids(ctx, `SELECT `+bidColumns+` FROM bids WHERE bidder=$1
		ORDER BY block_number, tx_index, log_index`, bidder.Hex())
}

func (s *Store) queryBids(ctx context.Context, sql string, arg any) ([]model.Bid, error) {
	rows, err := s.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Bid
	for rows.Next() {
		var (
			fh, txHash, bidder, amount string
			logIndex, ts, block, txIdx int64
			b                          model.Bid
		)
		if err := rows.Scan(&fh, &txHash, &logIndex, &bidder, &amount, &ts, &block, &txIdx, &b.IsWinning); err != nil {
			return nil, err
		}
		b.FilterHash = common.HexToHash(fh)
		b.TxHash = common.HexToHash(txHash)
		b.LogIndex = uint(logIndex)
		b.Bidder = common.HexToAddress(bidder)
		if b.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		b.Timestamp = uint64(ts)
		b.BlockNumber = uint64(block)
		b.TxIndex = uint(txIdx)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) SaveHook(ctx context.Context, hook model.Hook) error {
	filter, err := json.Marshal(hook.Filter)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO hooks (id, filter_hash, filter, template_id, template_version, owner, wallet, event_abi, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			filter_hash = EXCLUDED.filter_hash,
			filter = EXCLUDED.filter,
			template_id = EXCLUDED.template_id,
			template_version = EXCLUDED.template_version,
			owner = EXCLUDED.owner,
			wallet = EXCLUDED.wallet,
			event_abi = EXCLUDED.event_abi,
			enabled = EXCLUDED.enabled
	`,
		hook.ID,
		hook.FilterHash.Hex(),
		filter,
		hook.TemplateID,
		hook.TemplateVersion,
		hook.Owner.Hex(),
		hook.Wallet.Hex(),
		hook.EventABI,
		hook.Enabled,
		hook.CreatedAt,
	)
	return err
}

const hookColumns = `id, filter_hash, filter, template_id, template_version, owner, wallet, event_abi, enabled, created_at`

func (s *Store) GetHook(ctx context.Context, id string) (model.Hook, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+hookColumns+` FROM hooks WHERE id=$1`, id)
	if err != nil {
		return model.Hook{}, err
	}
	hooks, err := scanHooks(rows)
	if err != nil {
		return model.Hook{}, err
	}
	if len(hooks) == 0 {
		return model.Hook{}, fmt.Errorf("hook %s: %w", id, storage.ErrNotFound)
	}
	return hooks[0], nil
}

func (s *Store) ListHooks(ctx context.Context) ([]model.Hook, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+hookColumns+` FROM hooks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return scanHooks(rows)
}

func (s *Store) SetHookEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE hooks SET enabled=$2 WHERE id=$1`, id, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("hook %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) SaveTemplate(ctx context.Context, tpl model.TransactionTemplate) error {
	body, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO templates (id, version, body, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id, version) DO NOTHING
	`, tpl.ID, tpl.Version, body, tpl.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("template %s v%d: %w", tpl.ID, tpl.Version, storage.ErrImmutable)
	}
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, id string, version int) (model.TransactionTemplate, error) {
	var body []byte
	row := s.pool.QueryRow(ctx, `
		SELECT body FROM templates
		WHERE id=$1 AND ($2 <= 0 OR version=$2)
		ORDER BY version DESC LIMIT 1
	`, id, version)
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TransactionTemplate{}, fmt.Errorf("template %s: %w", id, storage.ErrNotFound)
		}
		return model.TransactionTemplate{}, err
	}
	var tpl model.TransactionTemplate
	if err := json.Unmarshal(body, &tpl); err != nil {
		return model.TransactionTemplate{}, fmt.Errorf("parse template %s: %w", id, err)
	}
	return tpl, nil
}

func (s *Store) SaveDetectedEvent(ctx context.Context, ev model.DetectedEvent) (bool, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("marshal event: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO detected_events (filter_hash, tx_hash, log_index, id, topic0, contract_address, block_number, ts, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (filter_hash, tx_hash, log_index) DO NOTHING
	`,
		ev.FilterHash.Hex(),
		ev.TransactionHash.Hex(),
		int64(ev.LogIndex),
		ev.ID,
		ev.Signature.Topic0.Hex(),
		ev.Signature.ContractAddress.Hex(),
		int64(ev.BlockNumber),
		int64(ev.Timestamp),
		body,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) EventsBySignature(ctx context.Context, topic0 common.Hash, since time.Time) ([]model.DetectedEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT body FROM detected_events WHERE topic0=$1 AND ts >= $2
		ORDER BY block_number, log_index
	`, topic0.Hex(), since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DetectedEvent
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var ev model.DetectedEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("parse event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) CreateExecution(ctx context.Context, exec model.HookExecution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hook_executions (id, hook_id, trigger_event_id, tx_hash, status, gas_used, fee_charged, error_message, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9)
	`,
		exec.ID,
		exec.HookID,
		exec.TriggerEventID,
		exec.TxHash.Hex(),
		string(exec.Status),
		int64(exec.GasUsed),
		decimal(exec.FeeCharged),
		exec.ErrorMessage,
		exec.Timestamp,
	)
	return err
}

// FinalizeExecution only touches rows still pending.
func (s *Store) FinalizeExecution(ctx context.Context, id string, status model.ExecutionStatus, gasUsed uint64, errMsg string) error {
	if !storage.CanFinalize(model.StatusPending, status) {
		return fmt.Errorf("invalid final status %q", status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE hook_executions SET status=$2, gas_used=$3, error_message=$4
		WHERE id=$1 AND status='pending'
	`, id, string(status), int64(gasUsed), errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetExecution(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("execution %s: %w", id, storage.ErrNotPending)
}

const executionColumns = `id, hook_id, trigger_event_id, tx_hash, status, gas_used, fee_charged::text, error_message, ts`

func (s *Store) GetExecution(ctx context.Context, id string) (model.HookExecution, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+executionColumns+` FROM hook_executions WHERE id=$1`, id)
	if err != nil {
		return model.HookExecution{}, err
	}
	execs, err := scanExecutions(rows)
	if err != nil {
		return model.HookExecution{}, err
	}
	if len(execs) == 0 {
		return model.HookExecution{}, fmt.Errorf("execution %s: %w", id, storage.ErrNotFound)
	}
	return execs[0], nil
}

func (s *Store) ExecutionsByStatus(ctx context.Context, status model.ExecutionStatus) ([]model.HookExecution, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+executionColumns+` FROM hook_executions WHERE status=$1 ORDER BY ts`, string(status))
	if err != nil {
		return nil, err
	}
	return scanExecutions(rows)
}

// LoadState returns the cursor stored under name.
func (s *Store) LoadState(ctx context.Context, name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("state name required")
	}
	var value int64
	row := s.pool.QueryRow(ctx, `SELECT value FROM sync_state WHERE name=$1`, name)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(value), true, nil
}

// SaveState upserts the cursor stored under name.
func (s *Store) SaveState(ctx context.Context, name string, value uint64) error {
	if name == "" {
		return fmt.Errorf("state name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (name, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET value = EXCLUDED.value, updated_at = now()
	`, name, int64(value))
	return err
}

func scanAuction(row pgx.Row) (model.Auction, error) {
	var (
		fh, contract, t0, t1, t2, t3, bidder, current, minimum string
		lastBidTime, block, txIdx, logIdx                      int64
		a                                                      model.Auction
	)
	if err := row.Scan(&fh, &contract, &t0, &t1, &t2, &t3,
		&a.Filter.UseTopic1, &a.Filter.UseTopic2, &a.Filter.UseTopic3,
		&bidder, &current, &minimum, &lastBidTime, &a.IsActive, &a.IsExecuted,
		&block, &txIdx, &logIdx); err != nil {
		return model.Auction{}, err
	}
	var err error
	if a.CurrentBid, err = parseDecimal(current); err != nil {
		return model.Auction{}, err
	}
	if a.MinimumBid, err = parseDecimal(minimum); err != nil {
		return model.Auction{}, err
	}
	a.FilterHash = common.HexToHash(fh)
	a.Filter.ContractAddress = common.HexToAddress(contract)
	a.Filter.Topic0 = common.HexToHash(t0)
	a.Filter.Topic1 = common.HexToHash(t1)
	a.Filter.Topic2 = common.HexToHash(t2)
	a.Filter.Topic3 = common.HexToHash(t3)
	a.CurrentBidder = common.HexToAddress(bidder)
	a.LastBidTime = uint64(lastBidTime)
	a.LastBid = model.EventPosition{BlockNumber: uint64(block), TxIndex: uint(txIdx), LogIndex: uint(logIdx)}
	return a, nil
}

func scanHooks(rows pgx.Rows) ([]model.Hook, error) {
	defer rows.Close()
	var out []model.Hook
	for rows.Next() {
		var (
			h                 model.Hook
			fh, owner, wallet string
			filter            []byte
		)
		if err := rows.Scan(&h.ID, &fh, &filter, &h.TemplateID, &h.TemplateVersion, &owner, &wallet, &h.EventABI, &h.Enabled, &h.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(filter, &h.Filter); err != nil {
			return nil, fmt.Errorf("parse hook filter: %w", err)
		}
		h.FilterHash = common.HexToHash(fh)
		h.Owner = common.HexToAddress(owner)
		h.Wallet = common.HexToAddress(wallet)
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanExecutions(rows pgx.Rows) ([]model.HookExecution, error) {
	defer rows.Close()
	var out []model.HookExecution
	for rows.Next() {
		var (
			e              model.HookExecution
			txHash, status string
			fee            string
			gasUsed        int64
		)
		if err := rows.Scan(&e.ID, &e.HookID, &e.TriggerEventID, &txHash, &status, &gasUsed, &fee, &e.ErrorMessage, &e.Timestamp); err != nil {
			return nil, err
		}
		var err error
		if e.FeeCharged, err = parseDecimal(fee); err != nil {
			return nil, err
		}
		e.TxHash = common.HexToHash(txHash)
		e.Status = model.ExecutionStatus(status)
		e.GasUsed = uint64(gasUsed)
		out = append(out, e)
	}
	return out, rows.Err()
}

func decimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseDecimal(text string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", text)
	}
	return v, nil
}
