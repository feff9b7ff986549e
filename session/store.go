package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lugondev/auth3-session/cache"
)

var (
	ErrModeNotStorable = errors.New("session: context mode is not storable")
	ErrNoBackup        = errors.New("session: no context backup available")
)

// DefaultStateTimeout is how long a ContextState snapshot stays usable
// before State treats it as absent.
const DefaultStateTimeout = 5 * time.Minute

const defaultStorePrefix = "auth3"

// ContextStoreOptions configures a ContextStore.
type ContextStoreOptions struct {
	// Prefix namespaces every key written to the backend.
	Prefix string
	// StateTimeout bounds how old a state snapshot may be before it is
	// evicted on read. Defaults to DefaultStateTimeout.
	StateTimeout time.Duration
	// SealKey, when 32 bytes long, enables at-rest sealing of token
	// material with ChaCha20-Poly1305.
	SealKey []byte
}

// ContextStore persists, per context mode, the current token pair and a
// ContextState snapshot, plus one shared backup slot and the active-mode
// pointer. Partition isolation is the core invariant: no operation on one
// mode's partition reads or writes another's.
type ContextStore struct {
	store        cache.Store
	prefix       string
	stateTimeout time.Duration
	sealer       *sealer
	now          func() time.Time
}

// NewContextStore builds a ContextStore over an arbitrary cache.Store.
func NewContextStore(store cache.Store, opts ContextStoreOptions) (*ContextStore, error) {
	if store == nil {
		return nil, errors.New("session: context store requires a storage backend")
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultStorePrefix
	}
	timeout := opts.StateTimeout
	if timeout <= 0 {
		timeout = DefaultStateTimeout
	}

	s := &ContextStore{
		store:        store,
		prefix:       prefix,
		stateTimeout: timeout,
		now:          time.Now,
	}
	if len(opts.SealKey) > 0 {
		sl, err := newSealer(opts.SealKey)
		if err != nil {
			return nil, err
		}
		s.sealer = sl
	}
	return s, nil
}

// SetNowFunc allows injecting a deterministic clock (useful for tests).
func (s *ContextStore) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	s.now = fn
}

func (s *ContextStore) key(mode ContextMode, field string) string {
	return fmt.Sprintf("%s:ctx:%s:%s", s.prefix, mode, field)
}

func (s *ContextStore) backupKey() string { return s.prefix + ":ctx:backup" }
func (s *ContextStore) modeKey() string   { return s.prefix + ":ctx:mode" }

// Pair returns the stored token pair for a mode, or an empty pair if none
// is stored. ModeAuto resolves to the tenant pair when it holds a decodable,
// unexpired access token, else to the global pair.
func (s *ContextStore) Pair(ctx context.Context, mode ContextMode) (TokenPair, error) {
	if mode == ModeAuto {
		tenant, err := s.Pair(ctx, ModeTenant)
		if err != nil {
			return TokenPair{}, err
		}
		if tenant.AccessToken != "" {
			if payload, err := DecodeToken(tenant.AccessToken); err == nil && !IsExpired(payload, s.now()) {
				return tenant, nil
			}
		}
		return s.Pair(ctx, ModeGlobal)
	}
	if !mode.Storable() {
		return TokenPair{}, ErrModeNotStorable
	}

	access, err := s.readToken(ctx, s.key(mode, "access"))
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.readToken(ctx, s.key(mode, "refresh"))
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// SetPair persists the pair, scoped strictly to the mode's partition.
func (s *ContextStore) SetPair(ctx context.Context, mode ContextMode, pair TokenPair) error {
	if !mode.Storable() {
		return ErrModeNotStorable
	}
	if err := s.writeToken(ctx, s.key(mode, "access"), pair.AccessToken); err != nil {
		return err
	}
	return s.writeToken(ctx, s.key(mode, "refresh"), pair.RefreshToken)
}

// Clear removes the tokens and the state snapshot for a mode. ModeAuto
// clears both partitions.
func (s *ContextStore) Clear(ctx context.Context, mode ContextMode) error {
	if mode == ModeAuto {
		if err := s.Clear(ctx, ModeGlobal); err != nil {
			return err
		}
		return s.Clear(ctx, ModeTenant)
	}
	if !mode.Storable() {
		return ErrModeNotStorable
	}

	for _, field := range []string{"access", "refresh", "state"} {
		if err := s.store.Delete(ctx, s.key(mode, field)); err != nil && !errors.Is(err, cache.ErrNotFound) {
			return err
		}
	}
	return nil
}

// State retrieves the state snapshot for a mode. A snapshot older than the
// configured timeout is treated as absent and evicted as a side effect.
func (s *ContextStore) State(ctx context.Context, mode ContextMode) (ContextState, bool, error) {
	state, ok, err := s.peekState(ctx, mode)
	if err != nil || !ok {
		return ContextState{}, false, err
	}
	if s.stale(state) {
		if err := s.store.Delete(ctx, s.key(mode, "state")); err != nil && !errors.Is(err, cache.ErrNotFound) {
			return ContextState{}, false, err
		}
		return ContextState{}, false, nil
	}
	return state, true, nil
}

// peekState reads the snapshot without the staleness eviction side effect.
// The validator uses it so validation never mutates anything.
func (s *ContextStore) peekState(ctx context.Context, mode ContextMode) (ContextState, bool, error) {
	if !mode.Storable() {
		return ContextState{}, false, ErrModeNotStorable
	}

	payload, err := s.store.Get(ctx, s.key(mode, "state"))
	if errors.Is(err, cache.ErrNotFound) {
		return ContextState{}, false, nil
	}
	if err != nil {
		return ContextState{}, false, err
	}

	var state ContextState
	if err := json.Unmarshal(payload, &state); err != nil {
		return ContextState{}, false, fmt.Errorf("session: decode context state: %w", err)
	}
	return state, true, nil
}

func (s *ContextStore) stale(state ContextState) bool {
	if state.LastUpdated.IsZero() {
		return false
	}
	return s.now().Sub(state.LastUpdated) > s.stateTimeout
}

// SetState persists the snapshot, stamping LastUpdated.
func (s *ContextStore) SetState(ctx context.Context, mode ContextMode, state ContextState) error {
	if !mode.Storable() {
		return ErrModeNotStorable
	}

	state.LastUpdated = s.now()
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("session: encode context state: %w", err)
	}
	return s.store.Set(ctx, s.key(mode, "state"), payload, 0)
}

type backupRecord struct {
	ID           string    `json:"id"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
}

// Backup copies the current pair for a mode into the shared backup slot.
// Only one backup exists at a time; a new backup overwrites the previous.
func (s *ContextStore) Backup(ctx context.Context, mode ContextMode) error {
	if !mode.Storable() {
		return ErrModeNotStorable
	}

	pair, err := s.Pair(ctx, mode)
	if err != nil {
		return err
	}

	record := backupRecord{
		ID:           uuid.NewString(),
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		SavedAt:      s.now(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("session: encode backup: %w", err)
	}
	if s.sealer != nil {
		if payload, err = s.sealer.seal(payload); err != nil {
			return err
		}
	}
	return s.store.Set(ctx, s.backupKey(), payload, 0)
}

// Restore copies the backup slot into the mode's partition and clears the
// slot. Fails with ErrNoBackup when the slot is empty.
func (s *ContextStore) Restore(ctx context.Context, mode ContextMode) error {
	if !mode.Storable() {
		return ErrModeNotStorable
	}

	payload, err := s.store.Get(ctx, s.backupKey())
	if errors.Is(err, cache.ErrNotFound) {
		return ErrNoBackup
	}
	if err != nil {
		return err
	}
	if s.sealer != nil {
		if payload, err = s.sealer.open(payload); err != nil {
			return err
		}
	}

	var record backupRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return fmt.Errorf("session: decode backup: %w", err)
	}

	pair := TokenPair{AccessToken: record.AccessToken, RefreshToken: record.RefreshToken}
	if err := s.SetPair(ctx, mode, pair); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, s.backupKey()); err != nil && !errors.Is(err, cache.ErrNotFound) {
		return err
	}
	return nil
}

// HasBackup reports whether the backup slot is populated.
func (s *ContextStore) HasBackup(ctx context.Context) bool {
	_, err := s.store.Get(ctx, s.backupKey())
	return err == nil
}

// ActiveMode reads the persisted active-mode pointer. It defaults to
// ModeGlobal when unset or when the backend is unavailable.
func (s *ContextStore) ActiveMode(ctx context.Context) ContextMode {
	payload, err := s.store.Get(ctx, s.modeKey())
	if err != nil {
		return ModeGlobal
	}
	mode := ContextMode(payload)
	if !mode.Storable() {
		return ModeGlobal
	}
	return mode
}

// SetActiveMode persists the active-mode pointer.
func (s *ContextStore) SetActiveMode(ctx context.Context, mode ContextMode) error {
	if !mode.Storable() {
		return ErrModeNotStorable
	}
	return s.store.Set(ctx, s.modeKey(), []byte(mode), 0)
}

func (s *ContextStore) readToken(ctx context.Context, key string) (string, error) {
	payload, err := s.store.Get(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if s.sealer != nil {
		if payload, err = s.sealer.open(payload); err != nil {
			return "", err
		}
	}
	return string(payload), nil
}

func (s *ContextStore) writeToken(ctx context.Context, key, token string) error {
	if token == "" {
		if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, cache.ErrNotFound) {
			return err
		}
		return nil
	}

	payload := []byte(token)
	if s.sealer != nil {
		var err error
		if payload, err = s.sealer.seal(payload); err != nil {
			return err
		}
	}
	return s.store.Set(ctx, key, payload, 0)
}
