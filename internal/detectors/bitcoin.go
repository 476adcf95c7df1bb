package detectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"

	"github.com/coinloft/crypto-custody-app/backend/config"
	"github.com/coinloft/crypto-custody-app/backend/internal/core/ports"
	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
)

// BitcoinDetector scans an Esplora-style REST indexer for payments to
// watched addresses. Confirmations are computed from the chain tip height.
type BitcoinDetector struct {
	logger  *slog.Logger
	wallets ports.WalletService

	network   string
	asset     string
	apiURL    string
	interval  time.Duration
	staleness time.Duration

	client *http.Client
}

// NewBitcoinDetector creates a Bitcoin detector. The indexer URL is the
// required credential for this chain.
func NewBitcoinDetector(logger *slog.Logger, cfg config.ChainEndpoint, wallets ports.WalletService, staleness time.Duration) (*BitcoinDetector, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("bitcoin detector requires an indexer url")
	}

	asset := cfg.Asset
	if asset == "" {
		asset = "BTC"
	}

	return &BitcoinDetector{
		logger:    logger,
		wallets:   wallets,
		network:   cfg.Network,
		asset:     asset,
		apiURL:    strings.TrimRight(cfg.RPCURL, "/"),
		interval:  time.Duration(cfg.ScanIntervalSeconds) * time.Second,
		staleness: staleness,
		client:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (d *BitcoinDetector) Key() entities.ChainKey {
	return entities.ChainKey{Chain: "bitcoin", Network: d.network, Asset: d.asset}
}

func (d *BitcoinDetector) Interval() time.Duration {
	return d.interval
}

type esploraTxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint64 `json:"block_height"`
	BlockTime   int64  `json:"block_time"`
}

type esploraVout struct {
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"` // satoshi
}

type esploraTx struct {
	TxID   string          `json:"txid"`
	Status esploraTxStatus `json:"status"`
	Vout   []esploraVout   `json:"vout"`
}

// Scan fetches the tip height, then the recent transaction history of every
// watched address, and emits one candidate per output paying us.
func (d *BitcoinDetector) Scan(ctx context.Context, cursor uint64) ([]entities.DepositCandidate, uint64, error) {
	tip, err := d.tipHeight(ctx)
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to get bitcoin tip height: %w", err)
	}

	wallets, err := d.wallets.WatchedWallets(ctx, "bitcoin", d.network)
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to load watched bitcoin wallets: %w", err)
	}

	now := time.Now()
	var candidates []entities.DepositCandidate

	for _, wallet := range wallets {
		txs, err := d.addressTxs(ctx, wallet.Address)
		if err != nil {
			// One address failing (429, flaky indexer) must not sink the
			// whole scan; the next tick retries.
			d.logger.WarnContext(ctx, "Failed to fetch bitcoin address history",
				"address", wallet.Address, "error", err)
			continue
		}

		for _, btx := range txs {
			if !withinRescanWindow(btx.Status.BlockHeight, cursor) {
				continue
			}

			txTime := time.Time{}
			if btx.Status.BlockTime > 0 {
				txTime = time.Unix(btx.Status.BlockTime, 0)
			}

			for _, out := range btx.Vout {
				if out.ScriptPubKeyAddress != wallet.Address {
					continue
				}

				amount := decimal.NewFromFloat(btcutil.Amount(out.Value).ToBTC())
				if !emittable(amount, txTime, d.staleness, now) {
					continue
				}

				candidates = append(candidates, entities.DepositCandidate{
					UserID:        wallet.UserID,
					WalletAddress: wallet.Address,
					Amount:        amount,
					Asset:         d.asset,
					Chain:         "bitcoin",
					Network:       d.network,
					TxHash:        btx.TxID,
					Confirmations: confirmationsFromHeight(tip, btx.Status.BlockHeight),
				})
			}
		}
	}

	return candidates, tip, nil
}

func (d *BitcoinDetector) tipHeight(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.apiURL+"/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("indexer returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	return strconv.ParseUint(strings.TrimSpace(string(body)), 10, 64)
}

func (d *BitcoinDetector) addressTxs(ctx context.Context, address string) ([]esploraTx, error) {
	url := fmt.Sprintf("%s/address/%s/txs", d.apiURL, address)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("indexer rate limited the request")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("indexer returned status %d", resp.StatusCode)
	}

	var txs []esploraTx
	if err := json.NewDecoder(resp.Body).Decode(&txs); err != nil {
		return nil, fmt.Errorf("failed to decode address history: %w", err)
	}

	return txs, nil
}
