package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantadb/quantadb/internal/log"
	"github.com/quantadb/quantadb/internal/qerr"
)

// ───────────────────────────────────────────────────────────────────────────
// Rolling upgrade
// ───────────────────────────────────────────────────────────────────────────
//
// Per-node state machine:
//
//   Idle → Preparing → UpgradePending → HealthChecking → Completed
//                                              ↓
//                                           Failed → RollingBack
//
// Preparing drains new requests and hands off leadership; UpgradePending
// waits for an external agent to replace the binary and signal rejoin;
// HealthChecking runs data-plane probes plus a protocol-compatibility
// handshake before the node returns to service.

// UpgradeStatus is the rolling-upgrade state.
type UpgradeStatus string

const (
	UpgradeIdle        UpgradeStatus = "Idle"
	UpgradePreparing   UpgradeStatus = "Preparing"
	UpgradePending     UpgradeStatus = "UpgradePending"
	UpgradeHealthCheck UpgradeStatus = "HealthChecking"
	UpgradeCompleted   UpgradeStatus = "Completed"
	UpgradeFailed      UpgradeStatus = "Failed"
	UpgradeRollingBack UpgradeStatus = "RollingBack"
)

// UpgradeHooks let the manager integrate with the node's runtime.
type UpgradeHooks struct {
	// Drain stops accepting new requests and waits for in-flight work.
	Drain func(ctx context.Context) error
	// HandoffLeadership steps down if the node currently leads.
	HandoffLeadership func(ctx context.Context) error
	// HealthProbe runs the data-plane checks after the binary swap.
	HealthProbe func(ctx context.Context) error
	// ProtocolHandshake verifies version compatibility with the peers.
	ProtocolHandshake func(ctx context.Context) error
}

// Upgrader drives one node's rolling upgrade.
type Upgrader struct {
	settings UpgradeSettings
	hooks    UpgradeHooks
	healthy  func() int // healthy node count, including self
	logger   zerolog.Logger

	mu      sync.Mutex
	status  UpgradeStatus
	started time.Time
	lastErr error
}

// NewUpgrader builds an idle upgrader.
func NewUpgrader(settings UpgradeSettings, hooks UpgradeHooks, healthy func() int) *Upgrader {
	return &Upgrader{
		settings: settings,
		hooks:    hooks,
		healthy:  healthy,
		logger:   log.WithComponent("upgrade"),
		status:   UpgradeIdle,
	}
}

// Status returns the current upgrade state and the last error, if any.
func (u *Upgrader) Status() (UpgradeStatus, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status, u.lastErr
}

func (u *Upgrader) transition(to UpgradeStatus) {
	u.mu.Lock()
	from := u.status
	u.status = to
	u.mu.Unlock()
	u.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("upgrade transition")
}

// Prepare starts the upgrade: guard the healthy-node floor, drain, hand
// off leadership, and leave the node awaiting its binary swap.
func (u *Upgrader) Prepare(ctx context.Context) error {
	u.mu.Lock()
	if u.status != UpgradeIdle && u.status != UpgradeCompleted && u.status != UpgradeFailed {
		st := u.status
		u.mu.Unlock()
		return qerr.New(qerr.KindUpgradeInProgress, "upgrade already %s", st)
	}
	if h := u.healthy(); h < u.settings.MinHealthyNodes {
		u.mu.Unlock()
		return qerr.New(qerr.KindInsufficientHealthyNodes,
			"%d healthy nodes, need ≥ %d", h, u.settings.MinHealthyNodes)
	}
	u.status = UpgradePreparing
	u.started = time.Now()
	u.lastErr = nil
	u.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, u.settings.DrainTimeout.D())
	defer cancel()
	if u.hooks.HandoffLeadership != nil {
		if err := u.hooks.HandoffLeadership(dctx); err != nil {
			u.fail(err)
			return err
		}
	}
	if u.hooks.Drain != nil {
		if err := u.hooks.Drain(dctx); err != nil {
			u.fail(err)
			return err
		}
	}
	u.transition(UpgradePending)
	return nil
}

// Rejoin is called after the external agent replaced the binary: run the
// health checks and the protocol handshake, then return to service.
func (u *Upgrader) Rejoin(ctx context.Context) error {
	u.mu.Lock()
	if u.status != UpgradePending {
		st := u.status
		u.mu.Unlock()
		return qerr.New(qerr.KindUpgradeInProgress, "rejoin while %s", st)
	}
	u.status = UpgradeHealthCheck
	u.mu.Unlock()
	u.logger.Info().Msg("upgrade health checks running")

	if u.hooks.HealthProbe != nil {
		if err := u.hooks.HealthProbe(ctx); err != nil {
			err = qerr.Wrap(qerr.KindHealthCheckFailed, err, "data-plane probe")
			u.fail(err)
			return err
		}
	}
	if u.hooks.ProtocolHandshake != nil {
		if err := u.hooks.ProtocolHandshake(ctx); err != nil {
			err = qerr.Wrap(qerr.KindHealthCheckFailed, err, "protocol handshake")
			u.fail(err)
			return err
		}
	}
	u.transition(UpgradeCompleted)
	return nil
}

// Rollback is the operator's escape hatch after a failure.
func (u *Upgrader) Rollback() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.status != UpgradeFailed {
		return qerr.New(qerr.KindUpgradeInProgress, "rollback while %s", u.status)
	}
	u.status = UpgradeRollingBack
	return nil
}

func (u *Upgrader) fail(err error) {
	u.mu.Lock()
	u.status = UpgradeFailed
	u.lastErr = err
	u.mu.Unlock()
	u.logger.Error().Err(err).Msg("upgrade failed")
}
