package workers

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coinloft/crypto-custody-app/backend/config"
	"github.com/coinloft/crypto-custody-app/backend/internal/core/ports"
	"github.com/coinloft/crypto-custody-app/backend/internal/detectors"
	"github.com/coinloft/crypto-custody-app/backend/internal/entities"
)

// defaultRequiredConfirmations applies when a chain has no confirmation
// policy row.
const defaultRequiredConfirmations = 6

const defaultScanInterval = 30 * time.Second

// detectorState tracks one running detector: its chain-native cursor and
// the in-flight guard that keeps slow scans from stacking up.
type detectorState struct {
	detector detectors.ChainDetector

	cursor   atomic.Uint64
	inFlight atomic.Bool

	mu        sync.Mutex
	lastScan  time.Time
	lastError string
}

// DetectorStatus is the introspection snapshot of one detector.
type DetectorStatus struct {
	Cursor    uint64    `json:"cursor"`
	LastScan  time.Time `json:"last_scan"`
	LastError string    `json:"last_error,omitempty"`
}

// DetectionStatus is the introspection snapshot of the whole manager.
type DetectionStatus struct {
	IsRunning    bool                      `json:"is_running"`
	ActiveChains []string                  `json:"active_chains"`
	Detectors    map[string]DetectorStatus `json:"detectors"`
}

// DepositDetectionManager owns one scan loop per configured chain. Each
// loop asks its detector for new deposit candidates and records them; the
// confirmation manager takes over from there.
type DepositDetectionManager struct {
	logger   *slog.Logger
	deposits ports.DepositService
	policies map[entities.PolicyKey]entities.ConfirmationPolicy

	scanTimeout time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	states map[string]*detectorState
	order  []string // chain keys in registration order
}

// NewDepositDetectionManager creates a manager over an already-initialized
// detector set.
func NewDepositDetectionManager(
	logger *slog.Logger,
	deposits ports.DepositService,
	policies map[entities.PolicyKey]entities.ConfirmationPolicy,
	scanTimeout time.Duration,
	detectorList []detectors.ChainDetector,
) *DepositDetectionManager {
	m := &DepositDetectionManager{
		logger:      logger,
		deposits:    deposits,
		policies:    policies,
		scanTimeout: scanTimeout,
		states:      make(map[string]*detectorState),
	}

	for _, d := range detectorList {
		key := d.Key().String()
		m.states[key] = &detectorState{detector: d}
		m.order = append(m.order, key)
	}

	return m
}

// InitializeDetectors builds a detector per enabled chain. A chain whose
// required credentials are missing is skipped with a warning; detection for
// the remaining chains proceeds normally.
func InitializeDetectors(
	logger *slog.Logger,
	chains config.Chains,
	wallets ports.WalletService,
	staleness time.Duration,
) []detectors.ChainDetector {
	type chainInit struct {
		name string
		cfg  config.ChainEndpoint
		make func(config.ChainEndpoint) (detectors.ChainDetector, error)
	}

	inits := []chainInit{
		{"bitcoin", chains.Bitcoin, func(cfg config.ChainEndpoint) (detectors.ChainDetector, error) {
			return detectors.NewBitcoinDetector(logger, cfg, wallets, staleness)
		}},
		{"ethereum", chains.Ethereum, func(cfg config.ChainEndpoint) (detectors.ChainDetector, error) {
			return detectors.NewEVMDetector(logger, cfg, wallets, staleness)
		}},
		{"ethereum_usdt", chains.EthereumUSDT, func(cfg config.ChainEndpoint) (detectors.ChainDetector, error) {
			return detectors.NewEVMTokenDetector(logger, cfg, wallets, staleness)
		}},
		{"tron", chains.Tron, func(cfg config.ChainEndpoint) (detectors.ChainDetector, error) {
			return detectors.NewTronDetector(logger, cfg, wallets, staleness)
		}},
		{"cardano", chains.Cardano, func(cfg config.ChainEndpoint) (detectors.ChainDetector, error) {
			return detectors.NewCardanoDetector(logger, cfg, wallets, staleness)
		}},
		{"ripple", chains.Ripple, func(cfg config.ChainEndpoint) (detectors.ChainDetector, error) {
			return detectors.NewRippleDetector(logger, cfg, wallets, staleness)
		}},
	}

	var result []detectors.ChainDetector

	for _, init := range inits {
		if !init.cfg.Enabled {
			continue
		}

		detector, err := init.make(init.cfg)
		if err != nil {
			logger.Warn("Skipping chain detector, missing credentials or config",
				"chain", init.name, "error", err)
			continue
		}

		logger.Info("Chain detector initialized", "chain", detector.Key().String())
		result = append(result, detector)
	}

	return result
}

// Start launches one scan goroutine per detector. Calling Start on a
// running manager is a no-op.
func (m *DepositDetectionManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.logger.Warn("Deposit detection manager already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true

	for _, key := range m.order {
		state := m.states[key]
		m.wg.Add(1)
		go m.runDetector(ctx, state)
	}

	m.logger.Info("Deposit detection manager started", "chains", len(m.order))
}

// Stop halts all scan loops and waits for them to exit. Calling Stop on a
// stopped manager is a no-op.
func (m *DepositDetectionManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("Deposit detection manager stopped")
}

func (m *DepositDetectionManager) runDetector(ctx context.Context, state *detectorState) {
	defer m.wg.Done()

	interval := state.detector.Interval()
	if interval <= 0 {
		interval = defaultScanInterval
	}

	key := state.detector.Key().String()
	m.logger.Info("Starting chain scan loop", "chain", key, "interval", interval.String())

	m.scanOnce(state)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Chain scan loop stopped", "chain", key)
			return
		case <-ticker.C:
			if err := m.scanOnce(state); err != nil {
				// One early retry before falling back to the regular
				// interval; transient RPC failures usually clear fast.
				select {
				case <-ctx.Done():
					m.logger.Info("Chain scan loop stopped", "chain", key)
					return
				case <-time.After(ports.DetectorRetryDelay):
					m.scanOnce(state)
				}
			}
		}
	}
}

// scanOnce runs a single scan for one chain. The scan context is detached
// from the manager lifetime so a Stop during a scan never leaves the run
// half-applied; the timeout bounds it instead. Overlapping ticks are
// skipped.
func (m *DepositDetectionManager) scanOnce(state *detectorState) error {
	key := state.detector.Key().String()

	if !state.inFlight.CompareAndSwap(false, true) {
		m.logger.Debug("Previous scan still running, skipping tick", "chain", key)
		return nil
	}
	defer state.inFlight.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), m.scanTimeout)
	defer cancel()

	cursor := state.cursor.Load()

	candidates, next, err := state.detector.Scan(ctx, cursor)

	state.mu.Lock()
	state.lastScan = time.Now()
	if err != nil {
		state.lastError = err.Error()
	} else {
		state.lastError = ""
	}
	state.mu.Unlock()

	if err != nil {
		m.logger.ErrorContext(ctx, "Chain scan failed", "chain", key, "cursor", cursor, "error", err)
		return err
	}

	required := m.requiredConfirmations(state.detector.Key())

	for _, candidate := range candidates {
		if err := m.deposits.RecordCandidate(ctx, candidate, required); err != nil {
			m.logger.ErrorContext(ctx, "Failed to record deposit candidate",
				"chain", key, "tx_hash", candidate.TxHash, "error", err)
		}
	}

	if next > cursor {
		state.cursor.Store(next)
	}

	if len(candidates) > 0 {
		m.logger.InfoContext(ctx, "Chain scan finished",
			"chain", key, "candidates", len(candidates), "cursor", next)
	}

	return nil
}

func (m *DepositDetectionManager) requiredConfirmations(key entities.ChainKey) int {
	policy, ok := m.policies[entities.PolicyKey{Chain: key.Chain, Network: key.Network}]
	if !ok {
		return defaultRequiredConfirmations
	}
	return policy.MinConfirmations
}

// ScanAllChains triggers one immediate scan per chain. A failing chain does
// not stop the others; per-chain errors are returned keyed by chain.
func (m *DepositDetectionManager) ScanAllChains(ctx context.Context) map[string]string {
	failures := make(map[string]string)

	for _, key := range m.order {
		select {
		case <-ctx.Done():
			failures[key] = ctx.Err().Error()
			continue
		default:
		}

		if err := m.scanOnce(m.states[key]); err != nil {
			failures[key] = err.Error()
		}
	}

	return failures
}

// Status returns a point-in-time snapshot for the monitoring endpoint.
func (m *DepositDetectionManager) Status() DetectionStatus {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	status := DetectionStatus{
		IsRunning:    running,
		ActiveChains: make([]string, 0, len(m.order)),
		Detectors:    make(map[string]DetectorStatus, len(m.order)),
	}

	for _, key := range m.order {
		state := m.states[key]

		state.mu.Lock()
		snapshot := DetectorStatus{
			Cursor:    state.cursor.Load(),
			LastScan:  state.lastScan,
			LastError: state.lastError,
		}
		state.mu.Unlock()

		// A stopped manager has no active chains, only the last-known
		// detector snapshots.
		if running {
			status.ActiveChains = append(status.ActiveChains, key)
		}
		status.Detectors[key] = snapshot
	}

	return status
}
