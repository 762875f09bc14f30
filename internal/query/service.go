package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"StreamPay/internal/errors"
	"StreamPay/internal/ledger"
	fpmath "StreamPay/internal/math"
	"StreamPay/internal/observability"
)

// QueryService provides read-only access to projection tables.
// Queries are served via gRPC and HTTP/JSON (gRPC-Gateway). Stored payer
// state is evaluated with ledger math at the requested instant, so reads
// agree with what a ledger call at that instant would see. All responses
// include as_of_sequence for freshness semantics.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
	now     func() time.Time
}

func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics, now: time.Now}
}

// GetPayContract returns the ledger deployed for token.
func (qs *QueryService) GetPayContract(ctx context.Context, token common.Address) (resp *PayContractResponse, err error) {
	defer qs.observe("GetPayContract", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	resp = &PayContractResponse{AsOfSequence: asOfSeq}
	var decimals int16
	err = qs.db.QueryRowContext(ctx, `
		SELECT token, contract, idx, symbol, decimals
		FROM projections.pay_contracts
		WHERE token = $1
	`, token.Hex()).Scan(&resp.Token, &resp.Contract, &resp.Index, &resp.Symbol, &decimals)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound.Newf("pay contract for token %s", token.Hex())
	}
	if err != nil {
		return nil, err
	}
	resp.Decimals = uint8(decimals)
	return resp, nil
}

// ListPayContracts returns every ledger in creation order.
func (qs *QueryService) ListPayContracts(ctx context.Context) (out []PayContractResponse, err error) {
	defer qs.observe("ListPayContracts", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := qs.db.QueryContext(ctx, `
		SELECT token, contract, idx, symbol, decimals
		FROM projections.pay_contracts
		ORDER BY idx
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		r := PayContractResponse{AsOfSequence: asOfSeq}
		var decimals int16
		if err := rows.Scan(&r.Token, &r.Contract, &r.Index, &r.Symbol, &decimals); err != nil {
			return nil, err
		}
		r.Decimals = uint8(decimals)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetPayerBalance evaluates a payer's balance at unix time at (now when
// zero).
func (qs *QueryService) GetPayerBalance(ctx context.Context, token, payer common.Address, at uint64) (resp *PayerBalanceResponse, err error) {
	defer qs.observe("GetPayerBalance", time.Now(), &err)

	at = qs.instant(at)
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	contract, err := qs.GetPayContract(ctx, token)
	if err != nil {
		return nil, err
	}
	p, err := qs.loadPayer(ctx, token, payer)
	if err != nil {
		return nil, err
	}
	if at < p.LastUpdate {
		return nil, errors.ErrInvalidArgument.Newf("time %d is before the payer's last update %d", at, p.LastUpdate)
	}

	_, paidUntil := p.Settle(at)
	signed := p.SignedBalance(at)
	return &PayerBalanceResponse{
		Token:           contract.Token,
		Payer:           payer.Hex(),
		Balance:         signed.String(),
		BalanceTokens:   fpmath.FormatInternal(signed),
		TotalPaidPerSec: p.TotalPaidPerSec.Dec(),
		LastUpdate:      p.LastUpdate,
		PaidUntil:       paidUntil,
		InDebt:          paidUntil < at,
		At:              at,
		AsOfSequence:    asOfSeq,
	}, nil
}

// Withdrawable evaluates what a stream could pay out at unix time at (now
// when zero).
func (qs *QueryService) Withdrawable(ctx context.Context, token, payer, payee common.Address, amountPerSec *uint256.Int, at uint64) (resp *WithdrawableResponse, err error) {
	defer qs.observe("Withdrawable", time.Now(), &err)

	at = qs.instant(at)
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	contract, err := qs.GetPayContract(ctx, token)
	if err != nil {
		return nil, err
	}
	n, err := fpmath.NewNormalizer(contract.Decimals)
	if err != nil {
		return nil, err
	}

	key := ledger.NewStreamKey(payer, payee, amountPerSec)
	var start int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT start_time FROM projections.streams WHERE token = $1 AND stream_id = $2
	`, token.Hex(), key.ID().Hex()).Scan(&start)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound.Newf("stream %s doesn't exist", key)
	}
	if err != nil {
		return nil, err
	}
	p, err := qs.loadPayer(ctx, token, payer)
	if err != nil {
		return nil, err
	}
	if at < p.LastUpdate {
		return nil, errors.ErrInvalidArgument.Newf("time %d is before the payer's last update %d", at, p.LastUpdate)
	}

	w := ledger.ComputeWithdrawable(p, uint64(start), amountPerSec, n, at)
	return &WithdrawableResponse{
		StreamID:           key.ID().Hex(),
		WithdrawableAmount: w.Amount.Dec(),
		Owed:               w.Owed.Dec(),
		LastUpdate:         w.LastUpdate,
		At:                 at,
		AsOfSequence:       asOfSeq,
	}, nil
}

// ListStreams returns the active streams paid by payer.
func (qs *QueryService) ListStreams(ctx context.Context, token, payer common.Address) (out []StreamResponse, err error) {
	defer qs.observe("ListStreams", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := qs.db.QueryContext(ctx, `
		SELECT stream_id, token, payer, payee, amount_per_sec, start_time
		FROM projections.streams
		WHERE token = $1 AND payer = $2
		ORDER BY payee, amount_per_sec
	`, token.Hex(), payer.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		s := StreamResponse{AsOfSequence: asOfSeq}
		var start int64
		if err := rows.Scan(&s.StreamID, &s.Token, &s.Payer, &s.Payee, &s.AmountPerSec, &start); err != nil {
			return nil, err
		}
		s.Start = uint64(start)
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetStreamHistory returns the logs of a stream on token's ledger, newest
// first, with cursor pagination on sequence.
func (qs *QueryService) GetStreamHistory(ctx context.Context, token common.Address, streamID common.Hash, limit int, afterSequence *int64) (out []LedgerLogEntry, err error) {
	defer qs.observe("GetStreamHistory", time.Now(), &err)

	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `
		SELECT sequence, log_index, kind, payer, payee, amount_per_sec::TEXT, stream_id, amount::TEXT, ledger_time
		FROM event_log.ledger_logs
		WHERE token = $1 AND (stream_id = $2 OR old_stream_id = $2)
	`
	args := []interface{}{token.Hex(), streamID.Hex()}
	argIdx := 3

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, log_index DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e LedgerLogEntry
		if err := rows.Scan(
			&e.Sequence, &e.LogIndex, &e.Kind, &e.Payer, &e.Payee,
			&e.AmountPerSec, &e.StreamID, &e.Amount, &e.LedgerTime,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and that every projected
// payer's aggregate rate matches its streams.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("VerifyIntegrity", time.Now(), &err)

	report = &IntegrityReport{}
	if report.AsOfSequence, err = qs.getWatermark(ctx); err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rateRows, err := qs.db.QueryContext(ctx, `
		SELECT p.token, p.payer, p.total_paid_per_sec::TEXT, COALESCE(SUM(s.amount_per_sec), 0)::TEXT
		FROM projections.payers p
		LEFT JOIN projections.streams s ON s.token = p.token AND s.payer = p.payer
		GROUP BY p.token, p.payer, p.total_paid_per_sec
		HAVING p.total_paid_per_sec != COALESCE(SUM(s.amount_per_sec), 0)
	`)
	if err != nil {
		return nil, err
	}
	defer rateRows.Close()

	for rateRows.Next() {
		var m RateMismatch
		if err := rateRows.Scan(&m.Token, &m.Payer, &m.Total, &m.StreamsSum); err != nil {
			return nil, err
		}
		report.RateMismatches = append(report.RateMismatches, m)
	}
	if err := rateRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.RateMismatches) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) instant(at uint64) uint64 {
	if at == 0 {
		return uint64(qs.now().Unix())
	}
	return at
}

func (qs *QueryService) loadPayer(ctx context.Context, token, payer common.Address) (ledger.Payer, error) {
	var balance, total string
	var last int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance::TEXT, total_paid_per_sec::TEXT, last_update
		FROM projections.payers
		WHERE token = $1 AND payer = $2
	`, token.Hex(), payer.Hex()).Scan(&balance, &total, &last)
	if err == sql.ErrNoRows {
		// Never deposited: an empty payer
		return ledger.Payer{}, nil
	}
	if err != nil {
		return ledger.Payer{}, err
	}
	return parsePayer(balance, total, last)
}

func parsePayer(balance, total string, last int64) (ledger.Payer, error) {
	var p ledger.Payer
	b, err := uint256.FromDecimal(strings.TrimSpace(balance))
	if err != nil {
		return p, fmt.Errorf("projected balance %q: %w", balance, err)
	}
	t, err := uint256.FromDecimal(strings.TrimSpace(total))
	if err != nil {
		return p, fmt.Errorf("projected rate %q: %w", total, err)
	}
	p.Balance.Set(b)
	p.TotalPaidPerSec.Set(t)
	p.LastUpdate = uint64(last)
	return p, nil
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) observe(endpoint string, start time.Time, err *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if *err != nil {
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
