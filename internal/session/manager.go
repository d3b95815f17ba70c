// Package session owns the authentication state: the token, the authenticated
// profile, and the loading flags of the operations that change them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/f-sync/followsync/internal/gateway"
	"github.com/f-sync/followsync/internal/metrics"
	"github.com/f-sync/followsync/internal/profile"
	"github.com/f-sync/followsync/internal/store"
	"go.uber.org/zap"
)

// State is the authentication state of a Manager.
type State string

const (
	// StateUnknown is the state before the first CheckSession completes.
	StateUnknown = State("unknown")
	// StateAnonymous means no valid session is held.
	StateAnonymous = State("anonymous")
	// StateAuthenticated means a token and its profile are held.
	StateAuthenticated = State("authenticated")
)

const (
	defaultLogoutTimeout = 5 * time.Second

	reasonNoToken         = "no stored token"
	reasonExpired         = "token expired"
	reasonCheckFailed     = "profile check failed"
	reasonStoreUnreadable = "session store unreadable"
	reasonLogout          = "logout"
	// ReasonUnauthorized is the invalidation reason used for 401 responses.
	ReasonUnauthorized = "token rejected by remote api"

	logMessageSessionRestored   = "session restored"
	logMessageSessionCleared    = "session cleared"
	logMessageCheckFailed       = "session check failed"
	logMessageLoginSucceeded    = "login succeeded"
	logMessageRegisterSucceeded = "registration succeeded"
	logMessageRemoteLogout      = "remote logout failed"
	logMessageStoreClearFailed  = "clear session store failed"
	logFieldReason              = "reason"
	logFieldProfileID           = "profile_id"
	logFieldUsername            = "username"

	errMessageNilGateway     = "session gateway cannot be nil"
	errMessageNilStore       = "session store cannot be nil"
	errMessageNotAuthorized  = "not authenticated"
	errMessageLogin          = "login"
	errMessageRegister       = "register"
	errMessageFetchProfile   = "fetch profile"
	errMessagePersistSession = "persist session"
	errMessagePersistProfile = "persist profile"
	errMessageClearSession   = "clear session"
	errMessageProfileSetup   = "profile setup"
)

var (
	// ErrNotAuthenticated is returned by operations that require a session.
	ErrNotAuthenticated = errors.New(errMessageNotAuthorized)
	// ErrNilGateway is returned when a Manager is constructed without a gateway.
	ErrNilGateway = errors.New(errMessageNilGateway)
	// ErrNilStore is returned when a Manager is constructed without a store.
	ErrNilStore = errors.New(errMessageNilStore)
)

// Gateway is the subset of the remote API the Manager needs.
type Gateway interface {
	Login(ctx context.Context, credentials gateway.Credentials) (gateway.AuthResult, error)
	Register(ctx context.Context, registration gateway.Registration) (gateway.AuthResult, error)
	Logout(ctx context.Context, token string) error
	FetchProfileWithToken(ctx context.Context, token string) (profile.Profile, error)
	UpdateProfile(ctx context.Context, update gateway.ProfileUpdate) (profile.Profile, error)
}

// Flags are the independent loading indicators of the Manager.
type Flags struct {
	InitialLoading  bool `json:"initialLoading"`
	LoginLoading    bool `json:"loginLoading"`
	RegisterLoading bool `json:"registerLoading"`
}

// Snapshot is a consistent copy of the Manager state.
type Snapshot struct {
	State                State            `json:"state"`
	Profile              *profile.Profile `json:"profile,omitempty"`
	Flags                Flags            `json:"flags"`
	ProfileSetupComplete bool             `json:"profileSetupComplete"`
}

// RegisterResult tells the caller where to go after a registration.
type RegisterResult struct {
	// SessionStarted is true when the server returned a token and the session was committed.
	SessionStarted bool
	// NeedsProfileSetup is true when the committed profile has not completed setup.
	NeedsProfileSetup bool
}

// Config configures a Manager.
type Config struct {
	Gateway Gateway
	Store   store.Store
	Logger  *zap.Logger
	Metrics *metrics.Recorder
	// Clock returns the current time; it defaults to time.Now.
	Clock func() time.Time
	// LogoutTimeout bounds the best-effort remote logout.
	LogoutTimeout time.Duration
}

// Manager holds the session state. The state mutex is never held across a gateway
// call; writeMutex serializes store writes with the state they publish.
type Manager struct {
	gateway       Gateway
	sessionStore  store.Store
	logger        *zap.Logger
	metrics       *metrics.Recorder
	clock         func() time.Time
	logoutTimeout time.Duration

	writeMutex sync.Mutex

	mutex      sync.RWMutex
	state      State
	token      string
	profile    *profile.Profile
	flags      Flags
	generation uint64

	background sync.WaitGroup
}

// NewManager validates the configuration and constructs a Manager in StateUnknown.
func NewManager(config Config) (*Manager, error) {
	if config.Gateway == nil {
		return nil, ErrNilGateway
	}
	if config.Store == nil {
		return nil, ErrNilStore
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	logoutTimeout := config.LogoutTimeout
	if logoutTimeout <= 0 {
		logoutTimeout = defaultLogoutTimeout
	}
	return &Manager{
		gateway:       config.Gateway,
		sessionStore:  config.Store,
		logger:        logger,
		metrics:       config.Metrics,
		clock:         clock,
		logoutTimeout: logoutTimeout,
		state:         StateUnknown,
	}, nil
}

// CheckSession restores the session from the store. It never fails: any problem
// leaves the Manager anonymous with an empty store.
func (manager *Manager) CheckSession(ctx context.Context) {
	manager.mutex.Lock()
	manager.flags.InitialLoading = true
	startGeneration := manager.generation
	manager.mutex.Unlock()
	defer manager.setFlag(func(flags *Flags) { flags.InitialLoading = false })

	token, err := manager.sessionStore.Token(ctx)
	if err != nil {
		manager.logger.Warn(logMessageCheckFailed, zap.String(logFieldReason, reasonStoreUnreadable), zap.Error(err))
		manager.clearIfGeneration(ctx, startGeneration, reasonStoreUnreadable)
		return
	}
	if token == "" {
		manager.clearIfGeneration(ctx, startGeneration, reasonNoToken)
		return
	}
	if tokenExpired(token, manager.clock()) {
		manager.clearIfGeneration(ctx, startGeneration, reasonExpired)
		return
	}

	fetched, err := manager.gateway.FetchProfileWithToken(ctx, token)
	if err != nil {
		manager.logger.Warn(logMessageCheckFailed, zap.String(logFieldReason, reasonCheckFailed), zap.Error(err))
		manager.clearIfGeneration(ctx, startGeneration, reasonCheckFailed)
		return
	}

	manager.writeMutex.Lock()
	defer manager.writeMutex.Unlock()
	if manager.currentGeneration() != startGeneration {
		return
	}
	if err := manager.sessionStore.Save(ctx, store.Entry{Token: token, Profile: &fetched}); err != nil {
		manager.logger.Warn(logMessageCheckFailed, zap.String(logFieldReason, errMessagePersistSession), zap.Error(err))
	}
	manager.publishAuthenticated(token, fetched)
	manager.logger.Info(logMessageSessionRestored, zap.Int64(logFieldProfileID, fetched.ID))
}

// Login authenticates with credentials. The token and profile are committed together
// only after both the login and the profile fetch succeed.
func (manager *Manager) Login(ctx context.Context, credentials gateway.Credentials) error {
	manager.setFlag(func(flags *Flags) { flags.LoginLoading = true })
	defer manager.setFlag(func(flags *Flags) { flags.LoginLoading = false })

	result, err := manager.gateway.Login(ctx, credentials)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageLogin, err)
	}
	fetched, err := manager.gateway.FetchProfileWithToken(ctx, result.Token)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", errMessageLogin, errMessageFetchProfile, err)
	}
	if err := manager.commit(ctx, result.Token, fetched); err != nil {
		return fmt.Errorf("%s: %w", errMessageLogin, err)
	}
	manager.logger.Info(logMessageLoginSucceeded, zap.Int64(logFieldProfileID, fetched.ID), zap.String(logFieldUsername, fetched.Username))
	return nil
}

// Register creates an account. When the server starts a session immediately, the
// session is committed like a login; otherwise the state is left unchanged and the
// caller should route to login.
func (manager *Manager) Register(ctx context.Context, registration gateway.Registration) (RegisterResult, error) {
	manager.setFlag(func(flags *Flags) { flags.RegisterLoading = true })
	defer manager.setFlag(func(flags *Flags) { flags.RegisterLoading = false })

	result, err := manager.gateway.Register(ctx, registration)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("%s: %w", errMessageRegister, err)
	}
	if result.Token == "" {
		return RegisterResult{}, nil
	}

	var registered profile.Profile
	if result.Profile != nil {
		registered = *result.Profile
	} else {
		fetched, err := manager.gateway.FetchProfileWithToken(ctx, result.Token)
		if err != nil {
			return RegisterResult{}, fmt.Errorf("%s: %s: %w", errMessageRegister, errMessageFetchProfile, err)
		}
		registered = fetched
	}
	if err := manager.commit(ctx, result.Token, registered); err != nil {
		return RegisterResult{}, fmt.Errorf("%s: %w", errMessageRegister, err)
	}
	manager.logger.Info(logMessageRegisterSucceeded, zap.Int64(logFieldProfileID, registered.ID))
	return RegisterResult{SessionStarted: true, NeedsProfileSetup: !registered.ProfileSetupComplete}, nil
}

// Logout clears the session immediately and notifies the server in the background.
// The remote call is best-effort; Close waits for it.
func (manager *Manager) Logout(ctx context.Context) error {
	previousToken, err := manager.clear(ctx, reasonLogout)
	if previousToken != "" {
		remoteContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), manager.logoutTimeout)
		manager.background.Add(1)
		go func() {
			defer manager.background.Done()
			defer cancel()
			if remoteErr := manager.gateway.Logout(remoteContext, previousToken); remoteErr != nil {
				manager.logger.Warn(logMessageRemoteLogout, zap.Error(remoteErr))
			}
		}()
	}
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageClearSession, err)
	}
	return nil
}

// Invalidate forces the anonymous state and clears the store without contacting the server.
func (manager *Manager) Invalidate(reason string) {
	if _, err := manager.clear(context.Background(), reason); err != nil {
		manager.logger.Warn(logMessageStoreClearFailed, zap.String(logFieldReason, reason), zap.Error(err))
	}
}

// InvalidateToken invalidates the session only while rejectedToken is still the
// current token, so a late 401 for an old session cannot end a newer one.
func (manager *Manager) InvalidateToken(rejectedToken string) {
	manager.writeMutex.Lock()
	defer manager.writeMutex.Unlock()
	if rejectedToken == "" || manager.Token() != rejectedToken {
		return
	}
	if err := manager.clearLocked(context.Background(), ReasonUnauthorized); err != nil {
		manager.logger.Warn(logMessageStoreClearFailed, zap.String(logFieldReason, ReasonUnauthorized), zap.Error(err))
	}
}

// UpdateProfile replaces the in-memory and persisted profile together.
func (manager *Manager) UpdateProfile(ctx context.Context, snapshot profile.Profile) error {
	manager.writeMutex.Lock()
	defer manager.writeMutex.Unlock()
	if !manager.authenticatedLocked() {
		return ErrNotAuthenticated
	}
	if err := manager.sessionStore.SaveProfile(ctx, snapshot); err != nil {
		return fmt.Errorf("%s: %w", errMessagePersistProfile, err)
	}
	manager.mutex.Lock()
	manager.profile = profile.Clone(&snapshot)
	manager.mutex.Unlock()
	return nil
}

// SetupProfile sends the profile setup form and adopts the profile the server returns.
func (manager *Manager) SetupProfile(ctx context.Context, update gateway.ProfileUpdate) (profile.Profile, error) {
	if !manager.IsAuthenticated() {
		return profile.Profile{}, ErrNotAuthenticated
	}
	updated, err := manager.gateway.UpdateProfile(ctx, update)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("%s: %w", errMessageProfileSetup, err)
	}
	if err := manager.UpdateProfile(ctx, updated); err != nil {
		return profile.Profile{}, fmt.Errorf("%s: %w", errMessageProfileSetup, err)
	}
	return updated, nil
}

// IsAuthenticated reports whether a non-expired token and its profile are held.
// An expired token is cleared as a side effect.
func (manager *Manager) IsAuthenticated() bool {
	manager.mutex.RLock()
	authenticated := manager.state == StateAuthenticated && manager.token != "" && manager.profile != nil
	token := manager.token
	manager.mutex.RUnlock()
	if !authenticated {
		return false
	}
	if tokenExpired(token, manager.clock()) {
		manager.InvalidateToken(token)
		return false
	}
	return true
}

// IsProfileSetupComplete reports whether the held profile has completed setup.
func (manager *Manager) IsProfileSetupComplete() bool {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()
	return manager.profile != nil && manager.profile.ProfileSetupComplete
}

// Profile returns a copy of the held profile or nil.
func (manager *Manager) Profile() *profile.Profile {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()
	return profile.Clone(manager.profile)
}

// Token returns the held token or "".
func (manager *Manager) Token() string {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()
	return manager.token
}

// State returns the current authentication state.
func (manager *Manager) State() State {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()
	return manager.state
}

// Flags returns the loading indicators.
func (manager *Manager) Flags() Flags {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()
	return manager.flags
}

// Snapshot returns a consistent copy of the state.
func (manager *Manager) Snapshot() Snapshot {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()
	return Snapshot{
		State:                manager.state,
		Profile:              profile.Clone(manager.profile),
		Flags:                manager.flags,
		ProfileSetupComplete: manager.profile != nil && manager.profile.ProfileSetupComplete,
	}
}

// Close waits for background work started by Logout.
func (manager *Manager) Close() {
	manager.background.Wait()
}

func (manager *Manager) commit(ctx context.Context, token string, snapshot profile.Profile) error {
	manager.writeMutex.Lock()
	defer manager.writeMutex.Unlock()
	if err := manager.sessionStore.Save(ctx, store.Entry{Token: token, Profile: &snapshot}); err != nil {
		return fmt.Errorf("%s: %w", errMessagePersistSession, err)
	}
	manager.publishAuthenticated(token, snapshot)
	return nil
}

func (manager *Manager) publishAuthenticated(token string, snapshot profile.Profile) {
	manager.mutex.Lock()
	manager.state = StateAuthenticated
	manager.token = token
	manager.profile = profile.Clone(&snapshot)
	manager.generation++
	manager.mutex.Unlock()
	manager.metrics.ObserveSessionTransition(string(StateAuthenticated))
}

func (manager *Manager) clear(ctx context.Context, reason string) (string, error) {
	manager.writeMutex.Lock()
	defer manager.writeMutex.Unlock()
	previousToken := manager.Token()
	return previousToken, manager.clearLocked(ctx, reason)
}

func (manager *Manager) clearIfGeneration(ctx context.Context, expectedGeneration uint64, reason string) {
	manager.writeMutex.Lock()
	defer manager.writeMutex.Unlock()
	if manager.currentGeneration() != expectedGeneration {
		return
	}
	if err := manager.clearLocked(ctx, reason); err != nil {
		manager.logger.Warn(logMessageStoreClearFailed, zap.String(logFieldReason, reason), zap.Error(err))
	}
}

// clearLocked requires writeMutex. Memory is cleared even when the store fails.
func (manager *Manager) clearLocked(ctx context.Context, reason string) error {
	storeErr := manager.sessionStore.Clear(ctx)
	manager.mutex.Lock()
	manager.state = StateAnonymous
	manager.token = ""
	manager.profile = nil
	manager.generation++
	manager.mutex.Unlock()
	manager.metrics.ObserveSessionTransition(string(StateAnonymous))
	manager.logger.Info(logMessageSessionCleared, zap.String(logFieldReason, reason))
	return storeErr
}

func (manager *Manager) authenticatedLocked() bool {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()
	return manager.state == StateAuthenticated && manager.token != "" && manager.profile != nil
}

func (manager *Manager) currentGeneration() uint64 {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()
	return manager.generation
}

func (manager *Manager) setFlag(update func(flags *Flags)) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	update(&manager.flags)
}
