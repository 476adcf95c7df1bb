package detectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinloft/crypto-custody-app/backend/config"
	"github.com/coinloft/crypto-custody-app/backend/internal/core/ports"
	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
)

// sunExponent converts sun, the smallest TRX unit, to whole TRX.
const sunExponent = -6

// TronDetector scans the TronGrid API for TRX transfers to watched
// addresses.
type TronDetector struct {
	logger  *slog.Logger
	wallets ports.WalletService

	network   string
	asset     string
	apiURL    string
	apiKey    string
	interval  time.Duration
	staleness time.Duration

	client *http.Client
}

// NewTronDetector creates a Tron detector. The TronGrid API key is the
// required credential for this chain.
func NewTronDetector(logger *slog.Logger, cfg config.ChainEndpoint, wallets ports.WalletService, staleness time.Duration) (*TronDetector, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("tron detector requires a trongrid api key")
	}

	apiURL := cfg.RPCURL
	if apiURL == "" {
		apiURL = "https://api.trongrid.io"
	}

	asset := cfg.Asset
	if asset == "" {
		asset = "TRX"
	}

	return &TronDetector{
		logger:    logger,
		wallets:   wallets,
		network:   cfg.Network,
		asset:     asset,
		apiURL:    strings.TrimRight(apiURL, "/"),
		apiKey:    cfg.APIKey,
		interval:  time.Duration(cfg.ScanIntervalSeconds) * time.Second,
		staleness: staleness,
		client:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (d *TronDetector) Key() entities.ChainKey {
	return entities.ChainKey{Chain: "tron", Network: d.network, Asset: d.asset}
}

func (d *TronDetector) Interval() time.Duration {
	return d.interval
}

type tronBlock struct {
	BlockHeader struct {
		RawData struct {
			Number uint64 `json:"number"`
		} `json:"raw_data"`
	} `json:"block_header"`
}

type tronTransferValue struct {
	Amount    int64  `json:"amount"` // sun
	ToAddress string `json:"to_address"`
}

type tronContract struct {
	Type      string `json:"type"`
	Parameter struct {
		Value tronTransferValue `json:"value"`
	} `json:"parameter"`
}

type tronTx struct {
	TxID           string `json:"txID"`
	BlockNumber    uint64 `json:"blockNumber"`
	BlockTimestamp int64  `json:"block_timestamp"` // milliseconds
	RawData        struct {
		Contract []tronContract `json:"contract"`
	} `json:"raw_data"`
}

type tronTxPage struct {
	Data []tronTx `json:"data"`
}

// Scan fetches the current block height, then the inbound transaction
// history of every watched address.
func (d *TronDetector) Scan(ctx context.Context, cursor uint64) ([]entities.DepositCandidate, uint64, error) {
	tip, err := d.nowBlock(ctx)
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to get tron block height: %w", err)
	}

	wallets, err := d.wallets.WatchedWallets(ctx, "tron", d.network)
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to load watched tron wallets: %w", err)
	}

	now := time.Now()
	var candidates []entities.DepositCandidate

	for _, wallet := range wallets {
		txs, err := d.inboundTxs(ctx, wallet.Address)
		if err != nil {
			d.logger.WarnContext(ctx, "Failed to fetch tron address history",
				"address", wallet.Address, "error", err)
			continue
		}

		for _, ttx := range txs {
			if !withinRescanWindow(ttx.BlockNumber, cursor) {
				continue
			}

			txTime := time.Time{}
			if ttx.BlockTimestamp > 0 {
				txTime = time.UnixMilli(ttx.BlockTimestamp)
			}

			for _, contract := range ttx.RawData.Contract {
				if contract.Type != "TransferContract" {
					continue
				}

				amount := decimal.New(contract.Parameter.Value.Amount, sunExponent)
				if !emittable(amount, txTime, d.staleness, now) {
					continue
				}

				candidates = append(candidates, entities.DepositCandidate{
					UserID:        wallet.UserID,
					WalletAddress: wallet.Address,
					Amount:        amount,
					Asset:         d.asset,
					Chain:         "tron",
					Network:       d.network,
					TxHash:        ttx.TxID,
					Confirmations: confirmationsFromHeight(tip, ttx.BlockNumber),
				})
			}
		}
	}

	return candidates, tip, nil
}

func (d *TronDetector) nowBlock(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.apiURL+"/wallet/getnowblock", nil)
	if err != nil {
		return 0, err
	}
	d.setHeaders(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("trongrid returned status %d", resp.StatusCode)
	}

	var block tronBlock
	if err := json.NewDecoder(resp.Body).Decode(&block); err != nil {
		return 0, fmt.Errorf("failed to decode block: %w", err)
	}

	return block.BlockHeader.RawData.Number, nil
}

// inboundTxs returns the recent transactions sent to the address. The
// only_to filter makes the recipient check on our side redundant but we
// still only credit TransferContract entries.
func (d *TronDetector) inboundTxs(ctx context.Context, address string) ([]tronTx, error) {
	url := fmt.Sprintf("%s/v1/accounts/%s/transactions?only_to=true&limit=50", d.apiURL, address)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	d.setHeaders(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("trongrid rate limited the request")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("trongrid returned status %d: %s", resp.StatusCode, string(body))
	}

	var page tronTxPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode address history: %w", err)
	}

	return page.Data, nil
}

func (d *TronDetector) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("TRON-PRO-API-KEY", d.apiKey)
}
