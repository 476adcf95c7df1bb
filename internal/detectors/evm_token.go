package detectors

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/coinloft/crypto-custody-app/backend/config"
	"github.com/coinloft/crypto-custody-app/backend/internal/core/ports"
	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
)

// transferSig is the ERC-20 transfer method signature,
// keccak256("transfer(address,uint256)")[0:4].
var transferSig = []byte{0xa9, 0x05, 0x9c, 0xbb}

// EVMTokenDetector scans an EVM chain for ERC-20 transfers to watched
// addresses by decoding transfer calls against the configured token
// contract.
type EVMTokenDetector struct {
	logger  *slog.Logger
	wallets ports.WalletService

	network       string
	asset         string
	rpcURL        string
	tokenContract string
	tokenExponent int32
	interval      time.Duration
	staleness     time.Duration

	client *ethclient.Client
	recent map[string]observation
}

// NewEVMTokenDetector creates a detector for one ERC-20 token. The token
// contract address and decimals are required alongside the RPC URL.
func NewEVMTokenDetector(logger *slog.Logger, cfg config.ChainEndpoint, wallets ports.WalletService, staleness time.Duration) (*EVMTokenDetector, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("evm token detector requires an rpc url")
	}
	if cfg.TokenContract == "" {
		return nil, fmt.Errorf("evm token detector requires a token contract address")
	}
	if cfg.Asset == "" {
		return nil, fmt.Errorf("evm token detector requires an asset symbol")
	}
	if cfg.TokenDecimals <= 0 {
		return nil, fmt.Errorf("evm token detector requires token decimals for %s", cfg.Asset)
	}

	return &EVMTokenDetector{
		logger:        logger,
		wallets:       wallets,
		network:       cfg.Network,
		asset:         cfg.Asset,
		rpcURL:        cfg.RPCURL,
		tokenContract: strings.ToLower(cfg.TokenContract),
		tokenExponent: -cfg.TokenDecimals,
		interval:      time.Duration(cfg.ScanIntervalSeconds) * time.Second,
		staleness:     staleness,
		recent:        make(map[string]observation),
	}, nil
}

func (d *EVMTokenDetector) Key() entities.ChainKey {
	return entities.ChainKey{Chain: "ethereum", Network: d.network, Asset: d.asset}
}

func (d *EVMTokenDetector) Interval() time.Duration {
	return d.interval
}

func (d *EVMTokenDetector) ensureClient(ctx context.Context) error {
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

// Scan walks the blocks above the cursor looking for transfer calls against
// the token contract whose recipient is one of our wallets.
func (d *EVMTokenDetector) Scan(ctx context.Context, cursor uint64) ([]entities.DepositCandidate, uint64, error) {
	if err := d.ensureClient(ctx); err != nil {
		return nil, cursor, err
	}

	latest, err := d.client.BlockNumber(ctx)
	if err != nil {
		d.client.Close()
		d.client = nil
		return nil, cursor, fmt.Errorf("failed to get latest block number: %w", err)
	}

	if cursor == 0 {
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
		block, err := d.client.BlockByNumber(ctx, new(big.Int).SetUint64(blockNum))
		if err != nil {
			d.logger.ErrorContext(ctx, "Failed to get block", "block", blockNum, "error", err)
			return d.emit(latest), blockNum - 1, nil
		}

		blockTime := time.Unix(int64(block.Time()), 0)

		for _, btx := range block.Transactions() {
			d.inspectTransaction(ctx, btx, blockNum, blockTime, now)
		}
	}

	return d.emit(latest), latest, nil
}

// inspectTransaction decodes a potential transfer(address,uint256) call.
// Layout: 4 bytes method id, 32 bytes recipient (left-padded), 32 bytes
// amount.
func (d *EVMTokenDetector) inspectTransaction(ctx context.Context, btx *types.Transaction, blockNum uint64, blockTime, now time.Time) {
	if btx.To() == nil || !strings.EqualFold(btx.To().Hex(), d.tokenContract) {
		return
	}

	data := btx.Data()
	if len(data) < 4+32+32 || !bytes.Equal(data[:4], transferSig) {
		return
	}

	recipientBytes := data[4:36]
	recipient := strings.ToLower(common.BytesToAddress(recipientBytes[12:]).Hex())

	rawAmount := new(big.Int).SetBytes(data[36:68])

	wallet, err := d.wallets.FindWalletOwner(ctx, "ethereum", d.network, recipient)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to check if wallet is tracked",
			"error", err, "recipient", recipient)
		return
	}
	if wallet == nil {
		return
	}

	amount := decimal.NewFromBigInt(rawAmount, d.tokenExponent)
	if !emittable(amount, blockTime, d.staleness, now) {
		return
	}

	txHash := btx.Hash().Hex()

	d.logger.InfoContext(ctx, "Token transfer to our wallet detected",
		"tx_hash", txHash,
		"to", recipient,
		"asset", d.asset,
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

func (d *EVMTokenDetector) emit(latest uint64) []entities.DepositCandidate {
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
