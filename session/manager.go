package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrTenantIDRequired  = errors.New("session: tenant id required for tenant switch")
	ErrNoValidContext    = errors.New("session: no valid context for target mode")
	ErrNothingToRollback = errors.New("session: no switch history to roll back")
)

// DefaultHistoryLimit bounds the switch-history ring.
const DefaultHistoryLimit = 10

// SystemAdminRole is the role claim that permits switching into any tenant.
const SystemAdminRole = "system_admin"

// SwitchOptions tunes a single SwitchContext call.
type SwitchOptions struct {
	// PreserveGlobalContext backs up and validates the global context
	// before the switch even when it is not the current mode.
	PreserveGlobalContext bool
	// FallbackToGlobal commits to the global context instead of failing
	// when the target context has no valid state.
	FallbackToGlobal bool
}

// SwitchResult reports the outcome of a SwitchContext call.
type SwitchResult struct {
	Success           bool
	PreviousMode      ContextMode
	NewMode           ContextMode
	Err               error
	RollbackAvailable bool
}

// ManagerConfig wires the dependencies for a Manager. Construct managers
// explicitly and pass references around; there is no package-level instance.
type ManagerConfig struct {
	Store       *ContextStore
	Validator   *Validator
	Logger      *slog.Logger
	AutoSwitch  bool
	DefaultMode ContextMode
	// HistoryLimit bounds the switch history; defaults to DefaultHistoryLimit.
	HistoryLimit int
	// AdminRole overrides SystemAdminRole for CanSwitchToTenant.
	AdminRole string
	Now       func() time.Time
}

// Manager orchestrates the two persisted contexts: it owns the active-mode
// pointer, the switch/rollback state machine, and a bounded history of
// recent switches.
type Manager struct {
	store       *ContextStore
	validator   *Validator
	logger      *slog.Logger
	autoSwitch  bool
	defaultMode ContextMode
	limit       int
	adminRole   string
	now         func() time.Time

	mu      sync.Mutex
	history []SwitchRecord
}

// NewManager builds a Manager. A Validator is derived from the store when
// none is supplied.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: manager requires a context store")
	}

	validator := cfg.Validator
	if validator == nil {
		validator = NewValidator(cfg.Store)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	defaultMode := cfg.DefaultMode
	if !defaultMode.Storable() {
		defaultMode = ModeGlobal
	}
	adminRole := cfg.AdminRole
	if adminRole == "" {
		adminRole = SystemAdminRole
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		store:       cfg.Store,
		validator:   validator,
		logger:      logger,
		autoSwitch:  cfg.AutoSwitch,
		defaultMode: defaultMode,
		limit:       limit,
		adminRole:   adminRole,
		now:         now,
	}, nil
}

// CurrentMode reads the persisted active-mode pointer.
func (m *Manager) CurrentMode(ctx context.Context) ContextMode {
	return m.store.ActiveMode(ctx)
}

// SetCurrentMode writes the active-mode pointer directly, without the
// backup/validation machinery of SwitchContext.
func (m *Manager) SetCurrentMode(ctx context.Context, mode ContextMode) error {
	return m.store.SetActiveMode(ctx, mode)
}

// History returns a copy of the recent switch records, oldest first.
func (m *Manager) History() []SwitchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SwitchRecord(nil), m.history...)
}

func (m *Manager) recordSwitch(from, to ContextMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, SwitchRecord{From: from, To: to, At: m.now()})
	if len(m.history) > m.limit {
		m.history = m.history[len(m.history)-m.limit:]
	}
}

// amendLastSwitch rewrites the destination of the most recent record, for
// switches whose committed target differs from the requested one.
func (m *Manager) amendLastSwitch(to ContextMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) > 0 {
		m.history[len(m.history)-1].To = to
	}
}

func (m *Manager) lastSwitch() (SwitchRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return SwitchRecord{}, false
	}
	return m.history[len(m.history)-1], true
}

// SwitchContext moves the active-mode pointer to target. Switching to the
// current mode is legal and re-validates; history records the attempt either
// way so later rollbacks stay consistent. Rejections leave every partition
// untouched. The backup, when taken, completes before the pointer moves, so
// a crash mid-switch always leaves a recoverable pre-switch state.
func (m *Manager) SwitchContext(ctx context.Context, target ContextMode, tenantID string, opts SwitchOptions) SwitchResult {
	previous := m.store.ActiveMode(ctx)

	if target == ModeAuto {
		target = m.DetectOptimalContext(ctx, nil)
	}
	if !target.Storable() {
		return SwitchResult{PreviousMode: previous, NewMode: previous, Err: ErrModeNotStorable}
	}

	m.recordSwitch(previous, target)

	if opts.PreserveGlobalContext && previous == ModeGlobal {
		report, err := m.validator.Validate(ctx, ModeGlobal, nil)
		if err != nil {
			m.logger.Warn("global context validation failed", "error", err)
		} else if !report.Valid {
			m.logger.Warn("global context invalid before switch", "errors", report.Errors)
		}
	}

	backedUp := false
	if opts.PreserveGlobalContext || previous == ModeGlobal {
		if err := m.store.Backup(ctx, previous); err != nil {
			return SwitchResult{PreviousMode: previous, NewMode: previous, Err: err}
		}
		backedUp = true
	}

	if target == ModeTenant && tenantID == "" {
		return SwitchResult{PreviousMode: previous, NewMode: previous, Err: ErrTenantIDRequired}
	}

	if target != ModeGlobal {
		report, err := m.validator.Validate(ctx, target, nil)
		if err != nil {
			return SwitchResult{PreviousMode: previous, NewMode: previous, Err: err, RollbackAvailable: backedUp}
		}
		if !report.Valid {
			if !opts.FallbackToGlobal {
				return SwitchResult{PreviousMode: previous, NewMode: previous, Err: ErrNoValidContext, RollbackAvailable: backedUp}
			}
			m.logger.Info("target context invalid, falling back to global", "target", target, "errors", report.Errors)
			target = ModeGlobal
			m.amendLastSwitch(target)
		}
	}

	if err := m.store.SetActiveMode(ctx, target); err != nil {
		return SwitchResult{PreviousMode: previous, NewMode: previous, Err: err}
	}

	if target == ModeTenant && tenantID != "" {
		state, ok, err := m.store.State(ctx, ModeTenant)
		if err == nil && !ok {
			state = ContextState{}
		}
		if err != nil {
			// Commit already happened; put the pointer back so no
			// partial switch is observable.
			_ = m.store.SetActiveMode(ctx, previous)
			return SwitchResult{PreviousMode: previous, NewMode: previous, Err: err}
		}
		state.TenantID = tenantID
		if err := m.store.SetState(ctx, ModeTenant, state); err != nil {
			_ = m.store.SetActiveMode(ctx, previous)
			return SwitchResult{PreviousMode: previous, NewMode: previous, Err: err}
		}
	}

	return SwitchResult{
		Success:           true,
		PreviousMode:      previous,
		NewMode:           target,
		RollbackAvailable: backedUp,
	}
}

// RollbackContext undoes the most recent switch: it restores the backed-up
// tokens into the mode the switch came from and moves the pointer back.
func (m *Manager) RollbackContext(ctx context.Context) error {
	record, ok := m.lastSwitch()
	if !ok {
		return ErrNothingToRollback
	}

	if err := m.store.Restore(ctx, record.From); err != nil {
		return err
	}
	if err := m.store.SetActiveMode(ctx, record.From); err != nil {
		return err
	}

	m.logger.Info("context rolled back", "to", record.From)
	return nil
}

// DetectOptimalContext picks the context the user should land in: tenant
// when the user carries a tenant_id and a valid tenant context exists,
// global when a valid global context exists, else the configured default.
// When auto-switching is disabled the current mode is returned unchanged.
func (m *Manager) DetectOptimalContext(ctx context.Context, user *AppUser) ContextMode {
	if !m.autoSwitch {
		return m.CurrentMode(ctx)
	}

	if user != nil && user.TenantID != "" {
		if report, err := m.validator.Validate(ctx, ModeTenant, nil); err == nil && report.Valid {
			return ModeTenant
		}
	}

	if report, err := m.validator.Validate(ctx, ModeGlobal, nil); err == nil && report.Valid {
		return ModeGlobal
	}

	return m.defaultMode
}

// CanSwitchToTenant reports whether a switch into the given tenant should
// be offered: the user belongs to the tenant, holds the admin role, or a
// stored tenant context already matches the tenant and validates.
func (m *Manager) CanSwitchToTenant(ctx context.Context, tenantID string, user *AppUser) bool {
	if tenantID == "" {
		return false
	}
	if user != nil {
		if user.TenantID == tenantID {
			return true
		}
		if user.HasRole(m.adminRole) {
			return true
		}
	}

	state, ok, err := m.store.peekState(ctx, ModeTenant)
	if err != nil || !ok || state.TenantID != tenantID {
		return false
	}
	report, err := m.validator.Validate(ctx, ModeTenant, &state)
	return err == nil && report.Valid
}
