package clone_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/f-sync/followsync/internal/apierr"
	"github.com/f-sync/followsync/internal/clone"
	"github.com/f-sync/followsync/internal/gateway"
	"github.com/f-sync/followsync/internal/graph"
	"github.com/f-sync/followsync/internal/metrics"
	"github.com/f-sync/followsync/internal/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const (
	viewerID = int64(1)
	sourceID = int64(2)
)

type fakeGateway struct {
	mutex        sync.Mutex
	sourcePages  [][]profile.Summary
	viewerItems  []profile.Summary
	followErrors map[int64]error
	followed     []int64
}

func (fake *fakeGateway) Followers(_ context.Context, _ int64, page int, _ int) (gateway.Page, error) {
	return gateway.Page{Items: []profile.Summary{}, Page: page}, nil
}

func (fake *fakeGateway) Following(_ context.Context, profileID int64, page int, _ int) (gateway.Page, error) {
	if profileID == viewerID {
		return gateway.Page{Items: fake.viewerItems, Total: len(fake.viewerItems), Page: 1, TotalPages: 1}, nil
	}
	total := 0
	for _, items := range fake.sourcePages {
		total += len(items)
	}
	if page > len(fake.sourcePages) {
		return gateway.Page{Items: []profile.Summary{}, Total: total, Page: page, TotalPages: len(fake.sourcePages)}, nil
	}
	return gateway.Page{Items: fake.sourcePages[page-1], Total: total, Page: page, TotalPages: len(fake.sourcePages)}, nil
}

func (fake *fakeGateway) FollowersCount(context.Context, int64) (int, error) { return 0, nil }
func (fake *fakeGateway) FollowingCount(context.Context, int64) (int, error) { return 0, nil }
func (fake *fakeGateway) Unfollow(context.Context, int64) error              { return nil }

func (fake *fakeGateway) Follow(_ context.Context, targetID int64) error {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	if err := fake.followErrors[targetID]; err != nil {
		return err
	}
	fake.followed = append(fake.followed, targetID)
	return nil
}

func (fake *fakeGateway) followedIDs() []int64 {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return append([]int64(nil), fake.followed...)
}

func ids(values ...int64) []profile.Summary {
	summaries := make([]profile.Summary, 0, len(values))
	for _, value := range values {
		summaries = append(summaries, profile.Summary{ID: value})
	}
	return summaries
}

func newViewerCache(t *testing.T, fake *fakeGateway) *graph.Cache {
	t.Helper()
	cache, err := graph.NewCache(graph.Config{Gateway: fake})
	require.NoError(t, err)
	cache.SetViewer(viewerID)
	require.NoError(t, cache.LoadFollowing(context.Background(), viewerID, 1, false))
	return cache
}

func TestRunFollowsMissingTargets(t *testing.T) {
	t.Parallel()
	fake := &fakeGateway{
		sourcePages: [][]profile.Summary{ids(10, viewerID, 11), ids(12, 13)},
		viewerItems: ids(11),
	}
	cache := newViewerCache(t, fake)
	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(registry)
	require.NoError(t, err)
	cloner, err := clone.NewCloner(clone.Config{Graph: cache, Metrics: recorder})
	require.NoError(t, err)

	var progressCalls int
	result, err := cloner.Run(context.Background(), sourceID, func(clone.Result) { progressCalls++ })

	require.NoError(t, err)
	require.Equal(t, []int64{10, 12, 13}, fake.followedIDs())
	require.Equal(t, clone.Result{SourceID: sourceID, Planned: 5, Attempted: 3, Followed: 3, Skipped: 2}, result)
	require.Equal(t, 5, progressCalls)
	require.True(t, cache.IsFollowing(13))
	require.Equal(t, 4, cache.Counts(viewerID).FollowingTotal)
	seriesCount, err := testutil.GatherAndCount(registry, "followsync_clone_follows_total")
	require.NoError(t, err)
	require.Equal(t, 2, seriesCount)
}

func TestRunHonoursMaxFollows(t *testing.T) {
	t.Parallel()
	fake := &fakeGateway{sourcePages: [][]profile.Summary{ids(10, 11, 12)}}
	cloner, err := clone.NewCloner(clone.Config{Graph: newViewerCache(t, fake), MaxFollows: 2})
	require.NoError(t, err)

	result, err := cloner.Run(context.Background(), sourceID, nil)
	require.NoError(t, err)
	require.Equal(t, 2, result.Attempted)
	require.Equal(t, []int64{10, 11}, fake.followedIDs())
}

func TestRunRecordsFailuresAndContinues(t *testing.T) {
	t.Parallel()
	fake := &fakeGateway{
		sourcePages:  [][]profile.Summary{ids(10, 11)},
		followErrors: map[int64]error{10: apierr.FromStatus(http.StatusInternalServerError, "")},
	}
	cache := newViewerCache(t, fake)
	cloner, err := clone.NewCloner(clone.Config{Graph: cache})
	require.NoError(t, err)

	result, err := cloner.Run(context.Background(), sourceID, nil)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 1, result.Followed)
	require.Len(t, result.Errors, 1)
	require.Equal(t, int64(10), result.Errors[0].TargetID)
	require.False(t, cache.IsFollowing(10))
}

func TestRunStopsOnRejectedSession(t *testing.T) {
	t.Parallel()
	fake := &fakeGateway{
		sourcePages:  [][]profile.Summary{ids(10, 11)},
		followErrors: map[int64]error{10: apierr.FromStatus(http.StatusForbidden, "")},
	}
	cloner, err := clone.NewCloner(clone.Config{Graph: newViewerCache(t, fake)})
	require.NoError(t, err)

	result, err := cloner.Run(context.Background(), sourceID, nil)
	require.Error(t, err)
	require.Equal(t, apierr.KindForbidden, apierr.KindOf(err))
	require.Equal(t, 1, result.Attempted)
	require.Empty(t, fake.followedIDs())
}

func TestRunValidation(t *testing.T) {
	t.Parallel()
	_, err := clone.NewCloner(clone.Config{})
	require.ErrorIs(t, err, clone.ErrNilGraph)

	anonymous, err := graph.NewCache(graph.Config{Gateway: &fakeGateway{}})
	require.NoError(t, err)
	cloner, err := clone.NewCloner(clone.Config{Graph: anonymous})
	require.NoError(t, err)

	testCases := []struct {
		name        string
		viewer      int64
		source      int64
		expectedErr error
	}{
		{name: "no viewer", viewer: 0, source: sourceID, expectedErr: clone.ErrNoViewer},
		{name: "own list", viewer: sourceID, source: sourceID, expectedErr: clone.ErrSameProfile},
		{name: "invalid source", viewer: viewerID, source: 0, expectedErr: clone.ErrInvalidSource},
	}
	for _, testCase := range testCases {
		anonymous.SetViewer(testCase.viewer)
		if testCase.viewer == 0 {
			anonymous.Reset()
		}
		_, runErr := cloner.Run(context.Background(), testCase.source, nil)
		require.ErrorIs(t, runErr, testCase.expectedErr, testCase.name)
	}
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	t.Parallel()
	fake := &fakeGateway{sourcePages: [][]profile.Summary{ids(10, 11, 12)}}
	cloner, err := clone.NewCloner(clone.Config{Graph: newViewerCache(t, fake)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	result, err := cloner.Run(ctx, sourceID, func(progress clone.Result) {
		if progress.Followed == 1 {
			cancel()
		}
	})
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, 1, result.Followed)
}
