package detectors

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/coinloft/crypto-custody-app/backend/config"
	"github.com/coinloft/crypto-custody-app/backend/internal/core/ports"
	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
)

// maxBlocksPerScan bounds how many blocks one tick may walk so a detector
// that fell behind cannot occupy its slot forever.
const maxBlocksPerScan = 50

// weiExponent converts wei to the native coin amount.
const weiExponent = -18

// observation is a transfer the detector has already seen and keeps
// re-emitting while it sits inside the confirmation window.
type observation struct {
	userID      int64
	wallet      string
	amount      decimal.Decimal
	txHash      string
	blockNumber uint64
}

// EVMDetector scans an EVM chain for native-coin transfers to watched
// addresses by walking new blocks. Seen transfers are tracked in memory so
// their confirmation counts keep rising without refetching old blocks.
type EVMDetector struct {
	logger  *slog.Logger
	wallets ports.WalletService

	network   string
	asset     string
	rpcURL    string
	interval  time.Duration
	staleness time.Duration

	client *ethclient.Client
	recent map[string]observation // tx hash -> observation
}

// NewEVMDetector creates a detector for native-coin transfers.
func NewEVMDetector(logger *slog.Logger, cfg config.ChainEndpoint, wallets ports.WalletService, staleness time.Duration) (*EVMDetector, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("evm detector requires an rpc url")
	}

	asset := cfg.Asset
	if asset == "" {
		asset = "ETH"
	}

	return &EVMDetector{
		logger:    logger,
		wallets:   wallets,
		network:   cfg.Network,
		asset:     asset,
		rpcURL:    cfg.RPCURL,
		interval:  time.Duration(cfg.ScanIntervalSeconds) * time.Second,
		staleness: staleness,
		recent:    make(map[string]observation),
	}, nil
}

func (d *EVMDetector) Key() entities.ChainKey {
	return entities.ChainKey{Chain: "ethereum", Network: d.network, Asset: d.asset}
}

func (d *EVMDetector) Interval() time.Duration {
	return d.interval
}

func (d *EVMDetector) ensureClient(ctx context.Context) error {
	if d.client != nil {
		return nil
	}

	client, err := ethclient.DialContext(ctx, d.rpcURL)
	if err != nil {
		return fmt.Errorf("failed to connect to Ethereum client: %w", err)
	}

	d.client = client
	return nil
}

// Scan walks the blocks above the cursor, records native transfers to our
// wallets and re-emits everything still inside the confirmation window.
func (d *EVMDetector) Scan(ctx context.Context, cursor uint64) ([]entities.DepositCandidate, uint64, error) {
	if err := d.ensureClient(ctx); err != nil {
		return nil, cursor, err
	}

	latest, err := d.client.BlockNumber(ctx)
	if err != nil {
		// Force a reconnect on the next tick; RPC endpoints do rotate.
		d.client.Close()
		d.client = nil
		return nil, cursor, fmt.Errorf("failed to get latest block number: %w", err)
	}

	if cursor == 0 {
		// First scan: start from the current head, history is not ours.
		return nil, latest, nil
	}

	from := cursor + 1
	if latest >= from && latest-from >= maxBlocksPerScan {
		d.logger.WarnContext(ctx, "Detector behind chain head, skipping ahead",
			"chain", d.Key().String(), "from", from, "to", latest-maxBlocksPerScan+1)
		from = latest - maxBlocksPerScan + 1
	}

	now := time.Now()

	for blockNum := from; blockNum <= latest; blockNum++ {
		if err := d.scanBlock(ctx, blockNum, now); err != nil {
			// Leave the cursor below the failed block so the next tick
			// retries it.
			return d.emit(latest), blockNum - 1, nil
		}
	}

	return d.emit(latest), latest, nil
}

func (d *EVMDetector) scanBlock(ctx context.Context, blockNum uint64, now time.Time) error {
	block, err := d.client.BlockByNumber(ctx, new(big.Int).SetUint64(blockNum))
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to get block", "block", blockNum, "error", err)
		return err
	}

	blockTime := time.Unix(int64(block.Time()), 0)

	for _, btx := range block.Transactions() {
		if btx.To() == nil || btx.Value() == nil || btx.Value().Sign() <= 0 {
			continue
		}

		recipient := strings.ToLower(btx.To().Hex())

		wallet, err := d.wallets.FindWalletOwner(ctx, "ethereum", d.network, recipient)
		if err != nil {
			d.logger.ErrorContext(ctx, "Failed to check if wallet is tracked",
				"error", err, "recipient", recipient)
			continue
		}
		if wallet == nil {
			continue
		}

		amount := decimal.NewFromBigInt(btx.Value(), weiExponent)
		if !emittable(amount, blockTime, d.staleness, now) {
			continue
		}

		txHash := btx.Hash().Hex()

		d.logger.InfoContext(ctx, "Native transfer to our wallet detected",
			"tx_hash", txHash,
			"to", recipient,
			"amount", amount.String(),
			"block_number", blockNum)

		d.recent[txHash] = observation{
			userID:      wallet.UserID,
			wallet:      recipient,
			amount:      amount,
			txHash:      txHash,
			blockNumber: blockNum,
		}
	}

	return nil
}

// emit turns every tracked observation into a candidate with its current
// confirmation count, pruning those deep enough to no longer matter.
func (d *EVMDetector) emit(latest uint64) []entities.DepositCandidate {
	var candidates []entities.DepositCandidate

	for hash, obs := range d.recent {
		confirmations := confirmationsFromHeight(latest, obs.blockNumber)
		if confirmations > rescanDepth {
			delete(d.recent, hash)
			continue
		}

		candidates = append(candidates, entities.DepositCandidate{
			UserID:        obs.userID,
			WalletAddress: obs.wallet,
			Amount:        obs.amount,
			Asset:         d.asset,
			Chain:         "ethereum",
			Network:       d.network,
			TxHash:        obs.txHash,
			Confirmations: confirmations,
		})
	}

	return candidates
}
