package session

import (
	"context"
	"time"
)

// ValidationReport carries the outcome of a context validation. Errors make
// the context invalid; warnings flag tolerated inconsistencies. Validation
// never mutates stored state; callers decide what to do with the report.
type ValidationReport struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

func (r *ValidationReport) addError(msg string) {
	r.Errors = append(r.Errors, msg)
}

func (r *ValidationReport) addWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Validator checks a context's stored state and tokens for consistency.
type Validator struct {
	store *ContextStore
	now   func() time.Time
}

// NewValidator builds a Validator over the given store.
func NewValidator(store *ContextStore) *Validator {
	return &Validator{store: store, now: time.Now}
}

// SetNowFunc allows injecting a deterministic clock (useful for tests).
func (v *Validator) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	v.now = fn
}

// Validate checks the given mode. When state is nil it is read from the
// store without triggering the staleness eviction. The returned error
// reports storage failures only; consistency findings live in the report.
func (v *Validator) Validate(ctx context.Context, mode ContextMode, state *ContextState) (ValidationReport, error) {
	if !mode.Storable() {
		return ValidationReport{}, ErrModeNotStorable
	}

	report := ValidationReport{}

	if state == nil {
		loaded, ok, err := v.store.peekState(ctx, mode)
		if err != nil {
			return ValidationReport{}, err
		}
		if !ok {
			report.addError("context state not found")
			return report, nil
		}
		state = &loaded
	}

	v.checkTokens(ctx, mode, *state, &report)

	if state.Authenticated && state.User == nil {
		report.addError("authenticated state has no user")
	}

	if mode == ModeTenant {
		if state.Authenticated && state.TenantID == "" {
			report.addError("tenant context has no tenant id")
		}
		if state.User != nil && state.User.TenantID == "" {
			report.addWarning("user token carries no tenant_id claim")
		}
	}

	if !state.LastUpdated.IsZero() && v.now().Sub(state.LastUpdated) > v.store.stateTimeout {
		report.addWarning("context state is stale")
	}

	report.Valid = len(report.Errors) == 0
	return report, nil
}

func (v *Validator) checkTokens(ctx context.Context, mode ContextMode, state ContextState, report *ValidationReport) {
	if !state.Authenticated {
		return
	}

	pair, err := v.store.Pair(ctx, mode)
	if err != nil {
		report.addError("tokens unreadable: " + err.Error())
		return
	}
	if pair.AccessToken == "" {
		report.addError("authenticated state has no access token")
		return
	}

	payload, err := DecodeToken(pair.AccessToken)
	if err != nil {
		report.addError("access token undecodable: " + err.Error())
		return
	}
	if IsExpired(payload, v.now()) {
		report.addError("access token expired")
	}
}
