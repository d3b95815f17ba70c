package fakeapi_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/f-sync/followsync/internal/apierr"
	"github.com/f-sync/followsync/internal/fakeapi"
	"github.com/f-sync/followsync/internal/gateway"
	"github.com/f-sync/followsync/internal/store"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, fake *fakeapi.Server, tokens gateway.TokenSource) *gateway.Client {
	t.Helper()
	server := httptest.NewServer(fake.Handler())
	t.Cleanup(server.Close)
	client, err := gateway.NewClient(gateway.Config{BaseURL: server.URL, TokenSource: tokens, MaxRetries: 0})
	require.NoError(t, err)
	return client
}

func TestGatewayRoundTrip(t *testing.T) {
	t.Parallel()
	fake := fakeapi.New()
	ada := fake.AddUser("ada", "ada@example.test", "secret", "Ada")
	grace := fake.AddUser("grace", "grace@example.test", "secret", "Grace")
	fake.SetFollow(grace.ID, ada.ID)

	tokens := store.NewMemoryStore()
	client := newClient(t, fake, tokens)
	ctx := context.Background()

	result, err := client.Login(ctx, gateway.Credentials{Identifier: "ada@example.test", Password: "secret"})
	require.NoError(t, err)
	require.NotEmpty(t, result.Token)
	me, err := client.FetchProfileWithToken(ctx, result.Token)
	require.NoError(t, err)
	require.Equal(t, ada.ID, me.ID)
	require.NoError(t, tokens.Save(ctx, store.Entry{Token: result.Token}))

	followers, err := client.Followers(ctx, ada.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, followers.Items, 1)
	require.Equal(t, "grace", followers.Items[0].Username)
	require.Equal(t, "Grace (@grace)", followers.Items[0].Label())

	require.NoError(t, client.Follow(ctx, grace.ID))
	require.True(t, fake.Follows(ada.ID, grace.ID))
	require.Equal(t, apierr.KindConflict, apierr.KindOf(client.Follow(ctx, grace.ID)))

	count, err := client.FollowingCount(ctx, ada.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.NoError(t, client.Unfollow(ctx, grace.ID))
	require.Equal(t, apierr.KindNotFound, apierr.KindOf(client.Unfollow(ctx, grace.ID)))
}

func TestBadCredentialsAndForcedFailures(t *testing.T) {
	t.Parallel()
	fake := fakeapi.New()
	fake.AddUser("ada", "ada@example.test", "secret", "Ada")
	client := newClient(t, fake, nil)

	_, err := client.Login(context.Background(), gateway.Credentials{Identifier: "ada", Password: "wrong"})
	require.True(t, apierr.IsUnauthorized(err))

	fake.FailNext(http.MethodPost, "/auth/login", http.StatusServiceUnavailable)
	_, err = client.Login(context.Background(), gateway.Credentials{Identifier: "ada", Password: "secret"})
	require.Equal(t, apierr.KindServer, apierr.KindOf(err))
	require.Equal(t, 2, fake.Requests(http.MethodPost, "/auth/login"))

	_, err = client.Login(context.Background(), gateway.Credentials{Identifier: "ada", Password: "secret"})
	require.NoError(t, err)
}

func TestPagination(t *testing.T) {
	t.Parallel()
	fake := fakeapi.New()
	owner := fake.AddUser("owner", "owner@example.test", "secret", "")
	for index := 0; index < 12; index++ {
		follower := fake.AddUser(string(rune('a'+index)), string(rune('a'+index))+"@example.test", "secret", "")
		fake.SetFollow(follower.ID, owner.ID)
	}
	tokens := store.NewMemoryStore()
	require.NoError(t, tokens.Save(context.Background(), store.Entry{Token: fake.IssueToken(owner.ID)}))
	client := newClient(t, fake, tokens)

	second, err := client.Followers(context.Background(), owner.ID, 2, 10)
	require.NoError(t, err)
	require.Len(t, second.Items, 2)
	require.Equal(t, 12, second.Total)
	require.Equal(t, 2, second.TotalPages)
	require.Equal(t, 2, second.Page)
}
