package detectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinloft/crypto-custody-app/backend/config"
	"github.com/coinloft/crypto-custody-app/backend/internal/core/ports"
	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
)

// dropsExponent converts drops, the smallest XRP unit, to whole XRP.
const dropsExponent = -6

// rippleEpochOffset is the number of seconds between the Unix epoch and the
// Ripple epoch (2000-01-01T00:00:00Z).
const rippleEpochOffset = 946684800

// RippleDetector scans an XRPL JSON-RPC node for XRP payments to watched
// addresses. A validated XRPL transaction is final, so one confirmation is
// all a deposit ever needs here.
type RippleDetector struct {
	logger  *slog.Logger
	wallets ports.WalletService

	network   string
	asset     string
	rpcURL    string
	interval  time.Duration
	staleness time.Duration

	client *http.Client
}

// NewRippleDetector creates a Ripple detector. The JSON-RPC node URL is the
// required credential for this chain.
func NewRippleDetector(logger *slog.Logger, cfg config.ChainEndpoint, wallets ports.WalletService, staleness time.Duration) (*RippleDetector, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("ripple detector requires a json-rpc node url")
	}

	asset := cfg.Asset
	if asset == "" {
		asset = "XRP"
	}

	return &RippleDetector{
		logger:    logger,
		wallets:   wallets,
		network:   cfg.Network,
		asset:     asset,
		rpcURL:    strings.TrimRight(cfg.RPCURL, "/"),
		interval:  time.Duration(cfg.ScanIntervalSeconds) * time.Second,
		staleness: staleness,
		client:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (d *RippleDetector) Key() entities.ChainKey {
	return entities.ChainKey{Chain: "ripple", Network: d.network, Asset: d.asset}
}

func (d *RippleDetector) Interval() time.Duration {
	return d.interval
}

type rippleLedgerResult struct {
	Result struct {
		LedgerIndex uint64 `json:"ledger_index"`
	} `json:"result"`
}

type rippleTx struct {
	Hash            string          `json:"hash"`
	TransactionType string          `json:"TransactionType"`
	Destination     string          `json:"Destination"`
	Amount          json.RawMessage `json:"Amount"`
	LedgerIndex     uint64          `json:"ledger_index"`
	Date            int64           `json:"date"` // seconds since Ripple epoch
}

type rippleAccountTx struct {
	Tx        rippleTx `json:"tx"`
	Validated bool     `json:"validated"`
}

type rippleAccountTxResult struct {
	Result struct {
		Transactions []rippleAccountTx `json:"transactions"`
	} `json:"result"`
}

// Scan fetches the validated ledger index, then the recent transaction
// history of every watched account.
func (d *RippleDetector) Scan(ctx context.Context, cursor uint64) ([]entities.DepositCandidate, uint64, error) {
	tip, err := d.validatedLedgerIndex(ctx)
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to get xrpl ledger index: %w", err)
	}

	wallets, err := d.wallets.WatchedWallets(ctx, "ripple", d.network)
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to load watched ripple wallets: %w", err)
	}

	now := time.Now()
	var candidates []entities.DepositCandidate

	for _, wallet := range wallets {
		txs, err := d.accountTxs(ctx, wallet.Address)
		if err != nil {
			d.logger.WarnContext(ctx, "Failed to fetch xrpl account history",
				"address", wallet.Address, "error", err)
			continue
		}

		for _, atx := range txs {
			if !atx.Validated || atx.Tx.TransactionType != "Payment" {
				continue
			}
			if atx.Tx.Destination != wallet.Address {
				continue
			}
			if !withinRescanWindow(atx.Tx.LedgerIndex, cursor) {
				continue
			}

			amount, ok := dropsAmount(atx.Tx.Amount)
			if !ok {
				// Issued-currency payments carry an object Amount; only
				// native XRP is credited.
				continue
			}

			txTime := time.Time{}
			if atx.Tx.Date > 0 {
				txTime = time.Unix(atx.Tx.Date+rippleEpochOffset, 0)
			}

			if !emittable(amount, txTime, d.staleness, now) {
				continue
			}

			candidates = append(candidates, entities.DepositCandidate{
				UserID:        wallet.UserID,
				WalletAddress: wallet.Address,
				Amount:        amount,
				Asset:         d.asset,
				Chain:         "ripple",
				Network:       d.network,
				TxHash:        atx.Tx.Hash,
				Confirmations: confirmationsFromHeight(tip, atx.Tx.LedgerIndex),
			})
		}
	}

	return candidates, tip, nil
}

// dropsAmount parses a native XRP amount. Issued currencies come through as
// JSON objects and are rejected.
func dropsAmount(raw json.RawMessage) (decimal.Decimal, bool) {
	var drops string
	if err := json.Unmarshal(raw, &drops); err != nil {
		return decimal.Zero, false
	}

	value, err := decimal.NewFromString(drops)
	if err != nil {
		return decimal.Zero, false
	}

	return value.Shift(dropsExponent), true
}

func (d *RippleDetector) validatedLedgerIndex(ctx context.Context) (uint64, error) {
	payload := map[string]any{
		"method": "ledger",
		"params": []any{map[string]any{"ledger_index": "validated"}},
	}

	var result rippleLedgerResult
	if err := d.call(ctx, payload, &result); err != nil {
		return 0, err
	}

	return result.Result.LedgerIndex, nil
}

func (d *RippleDetector) accountTxs(ctx context.Context, address string) ([]rippleAccountTx, error) {
	payload := map[string]any{
		"method": "account_tx",
		"params": []any{map[string]any{
			"account":          address,
			"ledger_index_min": -1,
			"ledger_index_max": -1,
			"limit":            50,
		}},
	}

	var result rippleAccountTxResult
	if err := d.call(ctx, payload, &result); err != nil {
		return nil, err
	}

	return result.Result.Transactions, nil
}

func (d *RippleDetector) call(ctx context.Context, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.rpcURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("xrpl node returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode xrpl response: %w", err)
	}

	return nil
}
