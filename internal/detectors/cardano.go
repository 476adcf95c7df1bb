package detectors

import (
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

// lovelaceExponent converts lovelace, the smallest ADA unit, to whole ADA.
const lovelaceExponent = -6

// CardanoDetector scans the Blockfrost API for ADA payments to watched
// addresses. Cardano is UTXO-based, so a transaction may carry several
// outputs to the same address; they are summed into one candidate.
type CardanoDetector struct {
	logger  *slog.Logger
	wallets ports.WalletService

	network   string
	asset     string
	apiURL    string
	projectID string
	interval  time.Duration
	staleness time.Duration

	client *http.Client
}

// NewCardanoDetector creates a Cardano detector. The Blockfrost project id
// is the required credential for this chain.
func NewCardanoDetector(logger *slog.Logger, cfg config.ChainEndpoint, wallets ports.WalletService, staleness time.Duration) (*CardanoDetector, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("cardano detector requires a blockfrost project id")
	}

	apiURL := cfg.RPCURL
	if apiURL == "" {
		apiURL = "https://cardano-mainnet.blockfrost.io/api/v0"
	}

	asset := cfg.Asset
	if asset == "" {
		asset = "ADA"
	}

	return &CardanoDetector{
		logger:    logger,
		wallets:   wallets,
		network:   cfg.Network,
		asset:     asset,
		apiURL:    strings.TrimRight(apiURL, "/"),
		projectID: cfg.APIKey,
		interval:  time.Duration(cfg.ScanIntervalSeconds) * time.Second,
		staleness: staleness,
		client:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (d *CardanoDetector) Key() entities.ChainKey {
	return entities.ChainKey{Chain: "cardano", Network: d.network, Asset: d.asset}
}

func (d *CardanoDetector) Interval() time.Duration {
	return d.interval
}

type blockfrostBlock struct {
	Height uint64 `json:"height"`
}

type blockfrostAddressTx struct {
	TxHash      string `json:"tx_hash"`
	BlockHeight uint64 `json:"block_height"`
	BlockTime   int64  `json:"block_time"`
}

type blockfrostTxAmount struct {
	Unit     string `json:"unit"`
	Quantity string `json:"quantity"`
}

type blockfrostTxOutput struct {
	Address string               `json:"address"`
	Amount  []blockfrostTxAmount `json:"amount"`
}

type blockfrostTxUTXOs struct {
	Outputs []blockfrostTxOutput `json:"outputs"`
}

// Scan fetches the latest block height, then the recent transactions of
// every watched address, resolving UTXOs per transaction to sum the ADA
// paid to us.
func (d *CardanoDetector) Scan(ctx context.Context, cursor uint64) ([]entities.DepositCandidate, uint64, error) {
	tip, err := d.latestBlockHeight(ctx)
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to get cardano tip height: %w", err)
	}

	wallets, err := d.wallets.WatchedWallets(ctx, "cardano", d.network)
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to load watched cardano wallets: %w", err)
	}

	now := time.Now()
	var candidates []entities.DepositCandidate

	for _, wallet := range wallets {
		txs, err := d.addressTxs(ctx, wallet.Address)
		if err != nil {
			d.logger.WarnContext(ctx, "Failed to fetch cardano address history",
				"address", wallet.Address, "error", err)
			continue
		}

		for _, atx := range txs {
			if !withinRescanWindow(atx.BlockHeight, cursor) {
				continue
			}

			amount, err := d.receivedAmount(ctx, atx.TxHash, wallet.Address)
			if err != nil {
				d.logger.WarnContext(ctx, "Failed to resolve cardano transaction outputs",
					"tx_hash", atx.TxHash, "error", err)
				continue
			}

			txTime := time.Time{}
			if atx.BlockTime > 0 {
				txTime = time.Unix(atx.BlockTime, 0)
			}

			if !emittable(amount, txTime, d.staleness, now) {
				continue
			}

			candidates = append(candidates, entities.DepositCandidate{
				UserID:        wallet.UserID,
				WalletAddress: wallet.Address,
				Amount:        amount,
				Asset:         d.asset,
				Chain:         "cardano",
				Network:       d.network,
				TxHash:        atx.TxHash,
				Confirmations: confirmationsFromHeight(tip, atx.BlockHeight),
			})
		}
	}

	return candidates, tip, nil
}

func (d *CardanoDetector) latestBlockHeight(ctx context.Context) (uint64, error) {
	var block blockfrostBlock
	if err := d.get(ctx, "/blocks/latest", &block); err != nil {
		return 0, err
	}
	return block.Height, nil
}

func (d *CardanoDetector) addressTxs(ctx context.Context, address string) ([]blockfrostAddressTx, error) {
	var txs []blockfrostAddressTx
	path := fmt.Sprintf("/addresses/%s/transactions?order=desc&count=50", address)
	if err := d.get(ctx, path, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// receivedAmount sums the lovelace of every output paying the address.
func (d *CardanoDetector) receivedAmount(ctx context.Context, txHash, address string) (decimal.Decimal, error) {
	var utxos blockfrostTxUTXOs
	if err := d.get(ctx, "/txs/"+txHash+"/utxos", &utxos); err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, out := range utxos.Outputs {
		if out.Address != address {
			continue
		}
		for _, amt := range out.Amount {
			if amt.Unit != "lovelace" {
				continue
			}
			lovelace, err := decimal.NewFromString(amt.Quantity)
			if err != nil {
				return decimal.Zero, fmt.Errorf("bad lovelace quantity %q: %w", amt.Quantity, err)
			}
			total = total.Add(lovelace.Shift(lovelaceExponent))
		}
	}

	return total, nil
}

func (d *CardanoDetector) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.apiURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("project_id", d.projectID)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("blockfrost rate limited the request")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("blockfrost returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode blockfrost response: %w", err)
	}

	return nil
}
