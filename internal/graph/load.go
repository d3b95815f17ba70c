package graph

import (
	"context"
	"fmt"
	"strconv"

	"github.com/f-sync/followsync/internal/gateway"
	"github.com/f-sync/followsync/internal/metrics"
	"github.com/f-sync/followsync/internal/profile"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	countKeyFollowers = "followers-count:"
	countKeyFollowing = "following-count:"

	metricCollectionFollowersCount = "followers_count"
	metricCollectionFollowingCount = "following_count"

	logMessageLoadFailed          = "graph load failed"
	logMessageStaleAppend         = "discarded stale append"
	logMessageDiscardedAfterReset = "discarded load completed after reset"
	logMessageCountFailed         = "count load failed"
	logFieldProfileID             = "profile_id"
	logFieldCollection            = "collection"
	logFieldPage                  = "page"

	errMessageLoadFormat  = "load %s of %d"
	errMessageCountFormat = "load %s count of %d"
)

// LoadFollowers loads one page of the followers of profileID. A non-append load, or
// any load of page 1, replaces the collection.
func (cache *Cache) LoadFollowers(ctx context.Context, profileID int64, page int, appendPage bool) error {
	return cache.LoadList(ctx, Followers, profileID, page, appendPage)
}

// LoadFollowing loads one page of the profiles profileID follows.
func (cache *Cache) LoadFollowing(ctx context.Context, profileID int64, page int, appendPage bool) error {
	return cache.LoadList(ctx, Following, profileID, page, appendPage)
}

// LoadNext appends the page after the last loaded one. It reports whether more pages
// remain afterwards; it does nothing when the collection is exhausted.
func (cache *Cache) LoadNext(ctx context.Context, kind ListKind, profileID int64) (bool, error) {
	current := cache.collection(kind, profileID)
	if current.Page > 0 && !current.HasMore() {
		return false, nil
	}
	if err := cache.LoadList(ctx, kind, profileID, current.Page+1, true); err != nil {
		return false, err
	}
	return cache.collection(kind, profileID).HasMore(), nil
}

// LoadList loads one page of the kind collection of profileID.
//
// Replace loads overwrite the collection with server truth; for the viewer's
// following collection, mutations journalled after the load started are re-applied
// so a slow load cannot erase a newer optimistic change. Append loads merge by id
// and are discarded when the collection was replaced while they were in flight.
// A failed replace resets the collection to empty; a failed append keeps prior pages.
func (cache *Cache) LoadList(ctx context.Context, kind ListKind, profileID int64, page int, appendPage bool) error {
	if profileID <= 0 {
		return ErrInvalidProfileID
	}
	if page < 1 {
		page = 1
	}
	replace := !appendPage || page <= 1
	key := collectionKey{kind: kind, profileID: profileID}

	cache.mutex.Lock()
	state := cache.stateLocked(key)
	state.inFlight++
	startGeneration := state.generation
	startEpoch := cache.epoch
	startSequence := cache.sequence
	tracksJournal := kind == Following && profileID == cache.viewerID
	if tracksJournal {
		cache.activeLoads[startSequence]++
	}
	cache.mutex.Unlock()

	fetchedPage, fetchErr := cache.fetchPage(ctx, kind, profileID, page)

	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	state.inFlight--
	if cache.epoch != startEpoch {
		cache.logger.Debug(logMessageDiscardedAfterReset, zap.Int64(logFieldProfileID, profileID))
		if fetchErr != nil {
			return fmt.Errorf(errMessageLoadFormat+": %w", kind, profileID, fetchErr)
		}
		return nil
	}
	if tracksJournal {
		// must run after the journal is re-applied
		defer cache.releaseLoadLocked(startSequence)
	}

	if fetchErr != nil {
		cache.metrics.ObserveGraphLoad(kind.String(), metrics.OutcomeFailure)
		cache.logger.Warn(logMessageLoadFailed,
			zap.String(logFieldCollection, kind.String()),
			zap.Int64(logFieldProfileID, profileID),
			zap.Int(logFieldPage, page),
			zap.Error(fetchErr),
		)
		if replace && state.generation == startGeneration {
			state.items = []profile.Summary{}
			state.total = 0
			state.page = 0
			state.totalPages = 0
			state.generation++
			if tracksJournal {
				cache.reapplyJournalLocked(state, startSequence, true)
				clampTotal(state)
			}
		}
		return fmt.Errorf(errMessageLoadFormat+": %w", kind, profileID, fetchErr)
	}
	cache.metrics.ObserveGraphLoad(kind.String(), metrics.OutcomeSuccess)

	if replace {
		state.items = dedupe(fetchedPage.Items)
		state.generation++
	} else {
		if state.generation != startGeneration {
			cache.logger.Debug(logMessageStaleAppend,
				zap.String(logFieldCollection, kind.String()),
				zap.Int64(logFieldProfileID, profileID),
				zap.Int(logFieldPage, page),
			)
			return nil
		}
		state.items = mergePage(state.items, fetchedPage.Items)
	}
	state.total = fetchedPage.Total
	state.page = fetchedPage.Page
	state.totalPages = fetchedPage.TotalPages

	if tracksJournal {
		cache.reapplyJournalLocked(state, startSequence, replace)
	}
	clampTotal(state)
	cache.syncCountLocked(key, state.total)
	if tracksJournal {
		cache.markCountsSyncedLocked(true)
	}
	return nil
}

// LoadFollowersCount refreshes the followers total of profileID.
func (cache *Cache) LoadFollowersCount(ctx context.Context, profileID int64) error {
	return cache.loadCount(ctx, Followers, profileID)
}

// LoadFollowingCount refreshes the following total of profileID.
func (cache *Cache) LoadFollowingCount(ctx context.Context, profileID int64) error {
	return cache.loadCount(ctx, Following, profileID)
}

// Prime loads both counts and the first page of both collections of profileID
// concurrently. It returns the first error; every load still runs to completion.
func (cache *Cache) Prime(ctx context.Context, profileID int64) error {
	if profileID <= 0 {
		return ErrInvalidProfileID
	}
	var group errgroup.Group
	group.Go(func() error { return cache.LoadFollowersCount(ctx, profileID) })
	group.Go(func() error { return cache.LoadFollowingCount(ctx, profileID) })
	group.Go(func() error { return cache.LoadFollowers(ctx, profileID, 1, false) })
	group.Go(func() error { return cache.LoadFollowing(ctx, profileID, 1, false) })
	return group.Wait()
}

// loadCount collapses concurrent identical requests and keeps the last known value
// on failure.
func (cache *Cache) loadCount(ctx context.Context, kind ListKind, profileID int64) error {
	if profileID <= 0 {
		return ErrInvalidProfileID
	}
	cache.mutex.Lock()
	startEpoch := cache.epoch
	cache.mutex.Unlock()

	requestKey := countKeyFollowers
	metricName := metricCollectionFollowersCount
	if kind == Following {
		requestKey = countKeyFollowing
		metricName = metricCollectionFollowingCount
	}
	// The shared request outlives any one caller; each caller still honours its own ctx.
	requestContext := context.WithoutCancel(ctx)
	resultChannel := cache.countRequests.DoChan(requestKey+strconv.FormatInt(profileID, 10), func() (any, error) {
		if kind == Following {
			return cache.gateway.FollowingCount(requestContext, profileID)
		}
		return cache.gateway.FollowersCount(requestContext, profileID)
	})
	var result singleflight.Result
	select {
	case <-ctx.Done():
		return fmt.Errorf(errMessageCountFormat+": %w", kind, profileID, ctx.Err())
	case result = <-resultChannel:
	}
	err := result.Err
	if err != nil {
		cache.metrics.ObserveGraphLoad(metricName, metrics.OutcomeFailure)
		cache.logger.Warn(logMessageCountFailed,
			zap.String(logFieldCollection, kind.String()),
			zap.Int64(logFieldProfileID, profileID),
			zap.Error(err),
		)
		return fmt.Errorf(errMessageCountFormat+": %w", kind, profileID, err)
	}
	cache.metrics.ObserveGraphLoad(metricName, metrics.OutcomeSuccess)
	total := result.Val.(int)

	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	if cache.epoch != startEpoch {
		return nil
	}
	counts := cache.countsLocked(profileID)
	if kind == Following {
		counts.FollowingTotal = total
	} else {
		counts.FollowersTotal = total
	}
	if state, ok := cache.collections[collectionKey{kind: kind, profileID: profileID}]; ok {
		state.total = total
		clampTotal(state)
	}
	if kind == Following && profileID == cache.viewerID {
		cache.markCountsSyncedLocked(false)
	}
	return nil
}

func (cache *Cache) fetchPage(ctx context.Context, kind ListKind, profileID int64, page int) (gateway.Page, error) {
	if kind == Following {
		return cache.gateway.Following(ctx, profileID, page, cache.pageSize)
	}
	return cache.gateway.Followers(ctx, profileID, page, cache.pageSize)
}

// mergePage appends incoming items in server order. An id already present is
// dropped unless the present item is a placeholder, which is overwritten in place.
func mergePage(existing []profile.Summary, incoming []profile.Summary) []profile.Summary {
	merged := make([]profile.Summary, len(existing), len(existing)+len(incoming))
	copy(merged, existing)
	positions := make(map[int64]int, len(merged))
	for index, item := range merged {
		positions[item.ID] = index
	}
	for _, item := range incoming {
		if index, present := positions[item.ID]; present {
			if merged[index].Placeholder {
				merged[index] = item
			}
			continue
		}
		positions[item.ID] = len(merged)
		merged = append(merged, item)
	}
	return merged
}
