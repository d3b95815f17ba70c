package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/f-sync/followsync/internal/apierr"
	"github.com/f-sync/followsync/internal/gateway"
	"github.com/f-sync/followsync/internal/profile"
	"github.com/f-sync/followsync/internal/session"
	"github.com/f-sync/followsync/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

var errRemoteUnavailable = errors.New("remote unavailable")

type stubGateway struct {
	mutex sync.Mutex

	loginResult    gateway.AuthResult
	loginErr       error
	registerResult gateway.AuthResult
	registerErr    error
	profiles       map[string]profile.Profile
	profileErr     error
	updateResult   profile.Profile
	updateErr      error
	logoutErr      error

	profileCalls  int
	logoutTokens  []string
	beforeProfile func()
}

func (stub *stubGateway) Login(context.Context, gateway.Credentials) (gateway.AuthResult, error) {
	return stub.loginResult, stub.loginErr
}

func (stub *stubGateway) Register(context.Context, gateway.Registration) (gateway.AuthResult, error) {
	return stub.registerResult, stub.registerErr
}

func (stub *stubGateway) Logout(_ context.Context, token string) error {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	stub.logoutTokens = append(stub.logoutTokens, token)
	return stub.logoutErr
}

func (stub *stubGateway) FetchProfileWithToken(_ context.Context, token string) (profile.Profile, error) {
	if stub.beforeProfile != nil {
		stub.beforeProfile()
	}
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	stub.profileCalls++
	if stub.profileErr != nil {
		return profile.Profile{}, stub.profileErr
	}
	fetched, ok := stub.profiles[token]
	if !ok {
		return profile.Profile{}, apierr.FromStatus(http.StatusUnauthorized, "")
	}
	return fetched, nil
}

func (stub *stubGateway) UpdateProfile(context.Context, gateway.ProfileUpdate) (profile.Profile, error) {
	return stub.updateResult, stub.updateErr
}

func (stub *stubGateway) calls() (int, []string) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return stub.profileCalls, append([]string(nil), stub.logoutTokens...)
}

func adaProfile() profile.Profile {
	return profile.Profile{ID: 1, Username: "ada", Email: "ada@example.com", Avatar: "base64-avatar", ProfileSetupComplete: true}
}

func signedToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "1", "exp": expiresAt.Unix()}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return token
}

func newManager(t *testing.T, stub *stubGateway, sessionStore store.Store, clock func() time.Time) *session.Manager {
	t.Helper()
	manager, err := session.NewManager(session.Config{Gateway: stub, Store: sessionStore, Clock: clock})
	require.NoError(t, err)
	t.Cleanup(manager.Close)
	return manager
}

func seedStore(t *testing.T, sessionStore store.Store, token string) {
	t.Helper()
	snapshot := adaProfile()
	require.NoError(t, sessionStore.Save(context.Background(), store.Entry{Token: token, Profile: &snapshot}))
}

func storedToken(t *testing.T, sessionStore store.Store) string {
	t.Helper()
	token, err := sessionStore.Token(context.Background())
	require.NoError(t, err)
	return token
}

func TestNewManagerValidatesDependencies(t *testing.T) {
	_, err := session.NewManager(session.Config{Store: store.NewMemoryStore()})
	require.ErrorIs(t, err, session.ErrNilGateway)
	_, err = session.NewManager(session.Config{Gateway: &stubGateway{}})
	require.ErrorIs(t, err, session.ErrNilStore)
}

func TestCheckSession(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	validToken := signedToken(t, now.Add(time.Hour))
	expiredToken := signedToken(t, now.Add(-time.Minute))

	testCases := []struct {
		name                 string
		storedToken          string
		gatewayProfiles      map[string]profile.Profile
		gatewayErr           error
		expectedState        session.State
		expectedStoredToken  string
		expectedProfileCalls int
	}{
		{
			name:          "no stored token",
			expectedState: session.StateAnonymous,
		},
		{
			name:                 "valid jwt restores session",
			storedToken:          validToken,
			gatewayProfiles:      map[string]profile.Profile{validToken: adaProfile()},
			expectedState:        session.StateAuthenticated,
			expectedStoredToken:  validToken,
			expectedProfileCalls: 1,
		},
		{
			name:                 "opaque token is validated remotely",
			storedToken:          "opaque-token",
			gatewayProfiles:      map[string]profile.Profile{"opaque-token": adaProfile()},
			expectedState:        session.StateAuthenticated,
			expectedStoredToken:  "opaque-token",
			expectedProfileCalls: 1,
		},
		{
			name:          "expired jwt clears without network",
			storedToken:   expiredToken,
			expectedState: session.StateAnonymous,
		},
		{
			name:                 "rejected token clears",
			storedToken:          validToken,
			gatewayProfiles:      map[string]profile.Profile{},
			expectedState:        session.StateAnonymous,
			expectedProfileCalls: 1,
		},
		{
			name:                 "network failure fails safe",
			storedToken:          validToken,
			gatewayErr:           apierr.Transport(errRemoteUnavailable),
			expectedState:        session.StateAnonymous,
			expectedProfileCalls: 1,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			sessionStore := store.NewMemoryStore()
			if testCase.storedToken != "" {
				seedStore(t, sessionStore, testCase.storedToken)
			}
			stub := &stubGateway{profiles: testCase.gatewayProfiles, profileErr: testCase.gatewayErr}
			manager := newManager(t, stub, sessionStore, func() time.Time { return now })
			require.Equal(t, session.StateUnknown, manager.State())

			manager.CheckSession(context.Background())

			require.Equal(t, testCase.expectedState, manager.State())
			require.False(t, manager.Flags().InitialLoading)
			require.Equal(t, testCase.expectedStoredToken, storedToken(t, sessionStore))
			profileCalls, _ := stub.calls()
			require.Equal(t, testCase.expectedProfileCalls, profileCalls)
			if testCase.expectedState == session.StateAnonymous {
				saved, err := sessionStore.SavedProfile(context.Background())
				require.NoError(t, err)
				require.Nil(t, saved)
				require.Nil(t, manager.Profile())
			}
		})
	}
}

func TestCheckSessionKeepsAvatarInMemoryOnly(t *testing.T) {
	sessionStore := store.NewMemoryStore()
	seedStore(t, sessionStore, "opaque")
	manager := newManager(t, &stubGateway{profiles: map[string]profile.Profile{"opaque": adaProfile()}}, sessionStore, nil)

	manager.CheckSession(context.Background())

	require.Equal(t, "base64-avatar", manager.Profile().Avatar)
	saved, err := sessionStore.SavedProfile(context.Background())
	require.NoError(t, err)
	require.Empty(t, saved.Avatar)
	require.True(t, manager.IsAuthenticated())
	require.True(t, manager.IsProfileSetupComplete())
}

func TestLoginCommitsTokenAndProfileTogether(t *testing.T) {
	sessionStore := store.NewMemoryStore()
	stub := &stubGateway{
		loginResult: gateway.AuthResult{Token: "fresh"},
		profiles:    map[string]profile.Profile{"fresh": adaProfile()},
	}
	manager := newManager(t, stub, sessionStore, nil)

	require.NoError(t, manager.Login(context.Background(), gateway.Credentials{Identifier: "ada", Password: "pw"}))

	require.True(t, manager.IsAuthenticated())
	require.Equal(t, "fresh", manager.Token())
	require.Equal(t, "fresh", storedToken(t, sessionStore))
	require.False(t, manager.Flags().LoginLoading)
}

func TestLoginProfileFailureLeavesNoSession(t *testing.T) {
	sessionStore := store.NewMemoryStore()
	stub := &stubGateway{
		loginResult: gateway.AuthResult{Token: "fresh"},
		profileErr:  apierr.FromStatus(http.StatusInternalServerError, ""),
	}
	manager := newManager(t, stub, sessionStore, nil)

	err := manager.Login(context.Background(), gateway.Credentials{Identifier: "ada", Password: "pw"})

	require.Error(t, err)
	require.Equal(t, apierr.KindServer, apierr.KindOf(err))
	require.False(t, manager.IsAuthenticated())
	require.Empty(t, storedToken(t, sessionStore))
	require.False(t, manager.Flags().LoginLoading)
}

func TestFailedReloginKeepsExistingSession(t *testing.T) {
	sessionStore := store.NewMemoryStore()
	stub := &stubGateway{
		loginResult: gateway.AuthResult{Token: "first"},
		profiles:    map[string]profile.Profile{"first": adaProfile()},
	}
	manager := newManager(t, stub, sessionStore, nil)
	require.NoError(t, manager.Login(context.Background(), gateway.Credentials{Identifier: "ada", Password: "pw"}))

	stub.loginErr = apierr.FromStatus(http.StatusUnauthorized, "")
	require.Error(t, manager.Login(context.Background(), gateway.Credentials{Identifier: "ada", Password: "bad"}))

	require.True(t, manager.IsAuthenticated())
	require.Equal(t, "first", storedToken(t, sessionStore))
}

func TestLoginFlagIsIndependent(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	stub := &stubGateway{
		loginResult: gateway.AuthResult{Token: "fresh"},
		profiles:    map[string]profile.Profile{"fresh": adaProfile()},
		beforeProfile: func() {
			close(entered)
			<-release
		},
	}
	manager := newManager(t, stub, store.NewMemoryStore(), nil)

	done := make(chan error, 1)
	go func() {
		done <- manager.Login(context.Background(), gateway.Credentials{Identifier: "ada", Password: "pw"})
	}()
	<-entered
	flags := manager.Flags()
	require.True(t, flags.LoginLoading)
	require.False(t, flags.RegisterLoading)
	require.False(t, flags.InitialLoading)
	close(release)
	require.NoError(t, <-done)
	require.False(t, manager.Flags().LoginLoading)
}

func TestRegister(t *testing.T) {
	incomplete := adaProfile()
	incomplete.ProfileSetupComplete = false

	testCases := []struct {
		name             string
		registerResult   gateway.AuthResult
		profiles         map[string]profile.Profile
		profileErr       error
		expectedResult   session.RegisterResult
		expectError      bool
		expectedState    session.State
		expectedStoreTok string
	}{
		{
			name:           "no token routes to login",
			registerResult: gateway.AuthResult{},
			expectedResult: session.RegisterResult{},
			expectedState:  session.StateUnknown,
		},
		{
			name:             "token and profile starts session",
			registerResult:   gateway.AuthResult{Token: "reg", Profile: &incomplete},
			expectedResult:   session.RegisterResult{SessionStarted: true, NeedsProfileSetup: true},
			expectedState:    session.StateAuthenticated,
			expectedStoreTok: "reg",
		},
		{
			name:             "token without profile fetches it",
			registerResult:   gateway.AuthResult{Token: "reg"},
			profiles:         map[string]profile.Profile{"reg": adaProfile()},
			expectedResult:   session.RegisterResult{SessionStarted: true, NeedsProfileSetup: false},
			expectedState:    session.StateAuthenticated,
			expectedStoreTok: "reg",
		},
		{
			name:           "token without profile rolls back on fetch failure",
			registerResult: gateway.AuthResult{Token: "reg"},
			profileErr:     apierr.Transport(errRemoteUnavailable),
			expectError:    true,
			expectedState:  session.StateUnknown,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			sessionStore := store.NewMemoryStore()
			stub := &stubGateway{registerResult: testCase.registerResult, profiles: testCase.profiles, profileErr: testCase.profileErr}
			manager := newManager(t, stub, sessionStore, nil)

			result, err := manager.Register(context.Background(), gateway.Registration{Username: "ada"})

			if testCase.expectError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, testCase.expectedResult, result)
			require.Equal(t, testCase.expectedState, manager.State())
			require.Equal(t, testCase.expectedStoreTok, storedToken(t, sessionStore))
			require.False(t, manager.Flags().RegisterLoading)
		})
	}
}

func TestLogoutClearsSynchronouslyAndNotifiesServer(t *testing.T) {
	sessionStore := store.NewMemoryStore()
	stub := &stubGateway{
		loginResult: gateway.AuthResult{Token: "fresh"},
		profiles:    map[string]profile.Profile{"fresh": adaProfile()},
		logoutErr:   apierr.Transport(errRemoteUnavailable),
	}
	manager := newManager(t, stub, sessionStore, nil)
	require.NoError(t, manager.Login(context.Background(), gateway.Credentials{Identifier: "ada", Password: "pw"}))

	require.NoError(t, manager.Logout(context.Background()))

	require.False(t, manager.IsAuthenticated())
	require.Equal(t, session.StateAnonymous, manager.State())
	require.Empty(t, storedToken(t, sessionStore))
	saved, err := sessionStore.SavedProfile(context.Background())
	require.NoError(t, err)
	require.Nil(t, saved)

	manager.Close()
	_, logoutTokens := stub.calls()
	require.Equal(t, []string{"fresh"}, logoutTokens)
}

func TestLogoutWhileAnonymousSkipsServer(t *testing.T) {
	stub := &stubGateway{}
	manager := newManager(t, stub, store.NewMemoryStore(), nil)
	require.NoError(t, manager.Logout(context.Background()))
	manager.Close()
	_, logoutTokens := stub.calls()
	require.Empty(t, logoutTokens)
}

func TestInvalidateTokenIgnoresStaleRejections(t *testing.T) {
	sessionStore := store.NewMemoryStore()
	stub := &stubGateway{
		loginResult: gateway.AuthResult{Token: "current"},
		profiles:    map[string]profile.Profile{"current": adaProfile()},
	}
	manager := newManager(t, stub, sessionStore, nil)
	require.NoError(t, manager.Login(context.Background(), gateway.Credentials{Identifier: "ada", Password: "pw"}))

	manager.InvalidateToken("previous")
	require.True(t, manager.IsAuthenticated())

	manager.InvalidateToken("current")
	require.False(t, manager.IsAuthenticated())
	require.Empty(t, storedToken(t, sessionStore))
}

func TestExpiryForcesLogout(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var clockMutex sync.Mutex
	currentTime := now
	clock := func() time.Time {
		clockMutex.Lock()
		defer clockMutex.Unlock()
		return currentTime
	}
	token := signedToken(t, now.Add(time.Minute))
	sessionStore := store.NewMemoryStore()
	seedStore(t, sessionStore, token)
	manager := newManager(t, &stubGateway{profiles: map[string]profile.Profile{token: adaProfile()}}, sessionStore, clock)
	manager.CheckSession(context.Background())
	require.True(t, manager.IsAuthenticated())

	clockMutex.Lock()
	currentTime = now.Add(2 * time.Minute)
	clockMutex.Unlock()

	require.False(t, manager.IsAuthenticated())
	require.Equal(t, session.StateAnonymous, manager.State())
	require.Empty(t, storedToken(t, sessionStore))
}

func TestUpdateProfileRequiresSession(t *testing.T) {
	manager := newManager(t, &stubGateway{}, store.NewMemoryStore(), nil)
	require.ErrorIs(t, manager.UpdateProfile(context.Background(), adaProfile()), session.ErrNotAuthenticated)
	_, err := manager.SetupProfile(context.Background(), gateway.ProfileUpdate{})
	require.ErrorIs(t, err, session.ErrNotAuthenticated)
}

func TestSetupProfileAdoptsServerProfile(t *testing.T) {
	incomplete := adaProfile()
	incomplete.ProfileSetupComplete = false
	completed := adaProfile()
	completed.Bio = "hello"

	sessionStore := store.NewMemoryStore()
	stub := &stubGateway{
		loginResult:  gateway.AuthResult{Token: "fresh"},
		profiles:     map[string]profile.Profile{"fresh": incomplete},
		updateResult: completed,
	}
	manager := newManager(t, stub, sessionStore, nil)
	require.NoError(t, manager.Login(context.Background(), gateway.Credentials{Identifier: "ada", Password: "pw"}))
	require.False(t, manager.IsProfileSetupComplete())

	updated, err := manager.SetupProfile(context.Background(), gateway.ProfileUpdate{Bio: "hello", ProfileSetupComplete: true})
	require.NoError(t, err)
	require.Equal(t, "hello", updated.Bio)
	require.True(t, manager.IsProfileSetupComplete())
	saved, err := sessionStore.SavedProfile(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hello", saved.Bio)
	require.True(t, saved.ProfileSetupComplete)
}

func TestUnauthorizedResponseInvalidatesThroughGatewayHook(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		if request.URL.Path == "/profile/me" && request.Header.Get("Authorization") == "Bearer good" {
			_ = json.NewEncoder(writer).Encode(map[string]any{"success": true, "data": map[string]any{"id": 1, "username": "ada"}})
			return
		}
		writer.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(writer).Encode(map[string]any{"success": false, "message": "expired"})
	}))
	defer server.Close()

	sessionStore := store.NewMemoryStore()
	seedStore(t, sessionStore, "good")
	client, err := gateway.NewClient(gateway.Config{BaseURL: server.URL, TokenSource: sessionStore, MaxRetries: 0})
	require.NoError(t, err)
	manager, err := session.NewManager(session.Config{Gateway: client, Store: sessionStore})
	require.NoError(t, err)
	defer manager.Close()
	client.OnUnauthorized(manager.InvalidateToken)

	manager.CheckSession(context.Background())
	require.True(t, manager.IsAuthenticated())

	_, err = client.FollowersCount(context.Background(), 1)
	require.True(t, apierr.IsUnauthorized(err))
	require.False(t, manager.IsAuthenticated())
	require.Equal(t, session.StateAnonymous, manager.State())
	require.Empty(t, storedToken(t, sessionStore))
}
