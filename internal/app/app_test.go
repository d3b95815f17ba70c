package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/f-sync/followsync/internal/app"
	"github.com/f-sync/followsync/internal/config"
	"github.com/f-sync/followsync/internal/fakeapi"
	"github.com/f-sync/followsync/internal/gateway"
	"github.com/f-sync/followsync/internal/session"
	"github.com/f-sync/followsync/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	fake        *fakeapi.Server
	application *app.App
	viewerID    int64
	otherID     int64
}

func newFixture(t *testing.T, sessionStore store.Store) fixture {
	t.Helper()
	fake := fakeapi.New()
	viewer := fake.AddUser("ada", "ada@example.test", "secret", "Ada")
	other := fake.AddUser("grace", "grace@example.test", "secret", "Grace")
	apiServer := httptest.NewServer(fake.Handler())
	t.Cleanup(apiServer.Close)

	configuration := config.Default()
	configuration.APIBaseURL = apiServer.URL
	configuration.MaxRetries = 0
	configuration.Store.Backend = config.BackendMemory
	application, err := app.New(context.Background(), configuration, app.Options{
		Logger:   zap.NewNop(),
		Registry: prometheus.NewRegistry(),
		Store:    sessionStore,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, application.Close()) })
	return fixture{fake: fake, application: application, viewerID: viewer.ID, otherID: other.ID}
}

func TestLoginDrivesGraphViewer(t *testing.T) {
	t.Parallel()
	testFixture := newFixture(t, nil)
	application := testFixture.application
	ctx := context.Background()

	application.Start(ctx)
	require.Equal(t, session.StateAnonymous, application.Session.State())
	require.Zero(t, application.Graph.Viewer())

	require.NoError(t, application.Session.Login(ctx, gateway.Credentials{Identifier: "ada", Password: "secret"}))
	application.SyncViewer()
	require.Equal(t, testFixture.viewerID, application.Graph.Viewer())

	require.NoError(t, application.Graph.FollowProfile(ctx, testFixture.otherID))
	require.True(t, testFixture.fake.Follows(testFixture.viewerID, testFixture.otherID))

	require.NoError(t, application.Session.Logout(ctx))
	application.SyncViewer()
	require.Zero(t, application.Graph.Viewer())
	require.False(t, application.Graph.IsFollowing(testFixture.otherID))
}

func TestRejectedTokenResetsSessionAndGraph(t *testing.T) {
	t.Parallel()
	testFixture := newFixture(t, nil)
	application := testFixture.application
	ctx := context.Background()

	require.NoError(t, application.Session.Login(ctx, gateway.Credentials{Identifier: "ada", Password: "secret"}))
	application.SyncViewer()
	testFixture.fake.RevokeTokens(testFixture.viewerID)

	err := application.Graph.LoadFollowersCount(ctx, testFixture.viewerID)
	require.Error(t, err)
	require.False(t, application.Session.IsAuthenticated())
	require.Zero(t, application.Graph.Viewer())
	token, err := application.Store.Token(ctx)
	require.NoError(t, err)
	require.Empty(t, token)
}

func TestStartRestoresPersistedSession(t *testing.T) {
	t.Parallel()
	sessionStore := store.NewMemoryStore()
	testFixture := newFixture(t, sessionStore)
	require.NoError(t, sessionStore.Save(context.Background(), store.Entry{Token: testFixture.fake.IssueToken(testFixture.viewerID)}))

	testFixture.application.Start(context.Background())

	require.Equal(t, session.StateAuthenticated, testFixture.application.Session.State())
	require.Equal(t, testFixture.viewerID, testFixture.application.Graph.Viewer())
}

func TestMetricsAreRegistered(t *testing.T) {
	t.Parallel()
	testFixture := newFixture(t, nil)
	testFixture.application.Start(context.Background())
	families, err := testFixture.application.Registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestOpenStoreBackends(t *testing.T) {
	t.Parallel()
	redisServer := miniredis.RunT(t)
	directory := t.TempDir()

	testCases := []struct {
		name        string
		storeConfig config.StoreConfig
		expectClose bool
	}{
		{name: "memory", storeConfig: config.StoreConfig{Backend: config.BackendMemory}},
		{name: "file", storeConfig: config.StoreConfig{Backend: config.BackendFile, Path: filepath.Join(directory, "session.json")}},
		{name: "sqlite", storeConfig: config.StoreConfig{Backend: config.BackendSQLite, Path: filepath.Join(directory, "session.db")}, expectClose: true},
		{name: "redis", storeConfig: config.StoreConfig{Backend: config.BackendRedis, RedisAddress: redisServer.Addr(), RedisPrefix: "test"}, expectClose: true},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			sessionStore, closeStore, err := app.OpenStore(context.Background(), testCase.storeConfig)
			require.NoError(t, err)
			require.Equal(t, testCase.expectClose, closeStore != nil)
			require.NoError(t, sessionStore.Save(context.Background(), store.Entry{Token: "token-" + testCase.name}))
			token, err := sessionStore.Token(context.Background())
			require.NoError(t, err)
			require.Equal(t, "token-"+testCase.name, token)
			if closeStore != nil {
				require.NoError(t, closeStore())
			}
		})
	}
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	t.Parallel()
	_, _, err := app.OpenStore(context.Background(), config.StoreConfig{Backend: "etcd"})
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestNewFailsOnUnreachableRedis(t *testing.T) {
	t.Parallel()
	redisServer := miniredis.RunT(t)
	address := redisServer.Addr()
	redisServer.Close()

	configuration := config.Default()
	configuration.Store = config.StoreConfig{Backend: config.BackendRedis, RedisAddress: address}
	_, err := app.New(context.Background(), configuration, app.Options{Logger: zap.NewNop(), HTTPClient: http.DefaultClient})
	require.Error(t, err)
}
