package graph

import (
	"context"
	"fmt"

	"github.com/f-sync/followsync/internal/apierr"
	"github.com/f-sync/followsync/internal/metrics"
	"github.com/f-sync/followsync/internal/profile"
	"go.uber.org/zap"
)

type mutationKind string

const (
	mutationFollow   = mutationKind("follow")
	mutationUnfollow = mutationKind("unfollow")

	logMessageMutationRolledBack = "optimistic mutation rolled back"
	logMessageMutationBenign     = "remote state already matched mutation"
	logFieldTargetID             = "target_id"
	logFieldKind                 = "kind"

	errMessageMutationFormat = "%s %d"
)

// listEffect is the change a pending mutation currently holds in the viewer's
// following collection. A replace load discards it and the journal records it again.
type listEffect struct {
	applied bool
	index   int
	item    profile.Summary
}

// journalEntry remembers a mutation so loads that started before it settled can
// re-apply its delta. settledSequence stays zero while the mutation is pending.
type journalEntry struct {
	sequence        uint64
	settledSequence uint64
	kind            mutationKind
	targetID        int64
	summary         profile.Summary
	effect          listEffect

	// countApplied reports whether the viewer's FollowingTotal carries the delta.
	countApplied bool
}

func (entry *journalEntry) pending() bool {
	return entry.settledSequence == 0
}

func (entry *journalEntry) delta() int {
	if entry.kind == mutationFollow {
		return 1
	}
	return -1
}

// applyItems applies the entry to the items of state and reports whether they
// changed. Totals are left to the caller.
func (entry *journalEntry) applyItems(state *collectionState) bool {
	index := indexOf(state.items, entry.targetID)
	switch entry.kind {
	case mutationFollow:
		if index >= 0 {
			return false
		}
		state.items = append(state.items, entry.summary)
		entry.effect = listEffect{applied: true}
	case mutationUnfollow:
		if index < 0 {
			return false
		}
		entry.effect = listEffect{applied: true, index: index, item: state.items[index]}
		state.items = removeAt(state.items, index)
	}
	return true
}

// revertItems undoes the recorded effect and reports whether the items changed.
func (entry *journalEntry) revertItems(state *collectionState) bool {
	if !entry.effect.applied {
		return false
	}
	index := indexOf(state.items, entry.targetID)
	switch entry.kind {
	case mutationFollow:
		if index < 0 {
			return false
		}
		state.items = removeAt(state.items, index)
	case mutationUnfollow:
		if index >= 0 {
			return false
		}
		state.items = insertAt(state.items, entry.effect.index, entry.effect.item)
	}
	return true
}

// FollowProfile makes the viewer follow targetID. The target is added to the
// viewer's following collection before the request and removed again if it fails.
// Following an already-followed target succeeds without a request.
func (cache *Cache) FollowProfile(ctx context.Context, targetID int64) error {
	return cache.mutate(ctx, mutationFollow, targetID)
}

// UnfollowProfile removes targetID from the viewer's following collection before the
// request and restores it at its prior position if the request fails.
func (cache *Cache) UnfollowProfile(ctx context.Context, targetID int64) error {
	return cache.mutate(ctx, mutationUnfollow, targetID)
}

func (cache *Cache) mutate(ctx context.Context, kind mutationKind, targetID int64) error {
	if targetID <= 0 {
		return ErrInvalidProfileID
	}

	cache.mutex.Lock()
	viewerID := cache.viewerID
	if viewerID == 0 {
		cache.mutex.Unlock()
		return ErrNoViewer
	}
	if targetID == viewerID {
		cache.mutex.Unlock()
		return ErrSelfFollow
	}
	if cache.followLoading[targetID] || cache.unfollowLoading[targetID] {
		cache.mutex.Unlock()
		return ErrMutationInFlight
	}
	followingKey := collectionKey{kind: Following, profileID: viewerID}
	if kind == mutationFollow && indexOf(cache.stateLocked(followingKey).items, targetID) >= 0 {
		cache.mutex.Unlock()
		cache.metrics.ObserveGraphMutation(string(kind), metrics.OutcomeSkipped)
		return nil
	}

	entry := &journalEntry{kind: kind, targetID: targetID}
	if kind == mutationFollow {
		entry.summary = cache.knownSummaryLocked(targetID)
		cache.followLoading[targetID] = true
	} else {
		cache.unfollowLoading[targetID] = true
	}
	cache.applyPendingLocked(followingKey, entry)
	cache.sequence++
	entry.sequence = cache.sequence
	cache.journal = append(cache.journal, entry)
	startEpoch := cache.epoch
	cache.mutex.Unlock()

	var remoteErr error
	if kind == mutationFollow {
		remoteErr = cache.gateway.Follow(ctx, targetID)
	} else {
		remoteErr = cache.gateway.Unfollow(ctx, targetID)
	}

	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	if cache.epoch != startEpoch {
		if remoteErr != nil {
			return fmt.Errorf(errMessageMutationFormat+": %w", kind, targetID, remoteErr)
		}
		return nil
	}
	if kind == mutationFollow {
		delete(cache.followLoading, targetID)
	} else {
		delete(cache.unfollowLoading, targetID)
	}

	if remoteErr == nil || alreadyApplied(kind, remoteErr) {
		if remoteErr != nil {
			cache.logger.Debug(logMessageMutationBenign, zap.String(logFieldKind, string(kind)), zap.Int64(logFieldTargetID, targetID))
		}
		cache.sequence++
		entry.settledSequence = cache.sequence
		cache.pruneJournalLocked()
		cache.metrics.ObserveGraphMutation(string(kind), metrics.OutcomeSuccess)
		return nil
	}

	cache.revertLocked(followingKey, entry)
	cache.removeJournalEntryLocked(entry)
	cache.metrics.ObserveGraphMutation(string(kind), metrics.OutcomeFailure)
	cache.metrics.ObserveGraphRollback(string(kind))
	cache.logger.Info(logMessageMutationRolledBack,
		zap.String(logFieldKind, string(kind)),
		zap.Int64(logFieldTargetID, targetID),
		zap.Error(remoteErr),
	)
	return fmt.Errorf(errMessageMutationFormat+": %w", kind, targetID, remoteErr)
}

// alreadyApplied reports whether the server rejected the request because its state
// already matches the mutation's end state.
func alreadyApplied(kind mutationKind, err error) bool {
	if kind == mutationFollow {
		return apierr.Is(err, apierr.KindConflict)
	}
	return apierr.Is(err, apierr.KindNotFound)
}

func (cache *Cache) applyPendingLocked(followingKey collectionKey, entry *journalEntry) {
	state := cache.stateLocked(followingKey)
	if !entry.applyItems(state) {
		return
	}
	state.total += entry.delta()
	clampTotal(state)
	shiftFollowing(cache.countsLocked(followingKey.profileID), entry.delta())
	entry.countApplied = true
}

// revertLocked undoes whatever the entry currently holds in the cache, whether it
// came from the original apply or from a journal replay after a reload.
func (cache *Cache) revertLocked(followingKey collectionKey, entry *journalEntry) {
	state := cache.stateLocked(followingKey)
	if entry.revertItems(state) {
		state.total -= entry.delta()
		clampTotal(state)
	}
	if entry.countApplied {
		shiftFollowing(cache.countsLocked(followingKey.profileID), -entry.delta())
	}
	entry.effect = listEffect{}
	entry.countApplied = false
}

// reapplyJournalLocked re-applies, in order, every mutation still pending or settled
// after startSequence to a state whose total came fresh from the server. Each delta
// is presence-checked, so re-applying is idempotent.
//
// The server total never counts a pending mutation, so it gets every pending delta
// the collection holds. A settled follow may sit on a later page the server already
// counts, so replaying it adds the item without touching the total.
func (cache *Cache) reapplyJournalLocked(state *collectionState, startSequence uint64, replaced bool) {
	for _, entry := range cache.journal {
		if !entry.pending() && entry.settledSequence <= startSequence {
			continue
		}
		if !entry.pending() {
			if entry.applyItems(state) && entry.kind == mutationUnfollow {
				state.total--
			}
			continue
		}
		if replaced {
			entry.effect = listEffect{}
		}
		entry.applyItems(state)
		if entry.effect.applied {
			state.total += entry.delta()
		}
	}
}

// markCountsSyncedLocked records, after the viewer's count was rebuilt from a
// collection total, which pending deltas that total carries.
func (cache *Cache) markCountsSyncedLocked(fromCollection bool) {
	for _, entry := range cache.journal {
		if entry.pending() {
			entry.countApplied = fromCollection && entry.effect.applied
		}
	}
}

func (cache *Cache) releaseLoadLocked(startSequence uint64) {
	cache.activeLoads[startSequence]--
	if cache.activeLoads[startSequence] <= 0 {
		delete(cache.activeLoads, startSequence)
	}
	cache.pruneJournalLocked()
}

// pruneJournalLocked drops settled entries no in-flight load can still need.
func (cache *Cache) pruneJournalLocked() {
	oldestActive, hasActive := uint64(0), false
	for startSequence := range cache.activeLoads {
		if !hasActive || startSequence < oldestActive {
			oldestActive, hasActive = startSequence, true
		}
	}
	kept := cache.journal[:0]
	for _, entry := range cache.journal {
		if entry.settledSequence == 0 || (hasActive && entry.settledSequence > oldestActive) {
			kept = append(kept, entry)
		}
	}
	for index := len(kept); index < len(cache.journal); index++ {
		cache.journal[index] = nil
	}
	cache.journal = kept
}

func (cache *Cache) removeJournalEntryLocked(target *journalEntry) {
	for index, entry := range cache.journal {
		if entry == target {
			cache.journal = append(cache.journal[:index], cache.journal[index+1:]...)
			return
		}
	}
}

// knownSummaryLocked builds the optimistic item for targetID, borrowing the fullest
// projection already cached anywhere.
func (cache *Cache) knownSummaryLocked(targetID int64) profile.Summary {
	best := profile.NewPlaceholder(targetID)
	for _, state := range cache.collections {
		index := indexOf(state.items, targetID)
		if index < 0 {
			continue
		}
		candidate := state.items[index]
		if !candidate.Placeholder {
			candidate.Placeholder = true
			return candidate
		}
		best = candidate
	}
	return best
}

func shiftFollowing(counts *Counts, delta int) {
	counts.FollowingTotal += delta
	if counts.FollowingTotal < 0 {
		counts.FollowingTotal = 0
	}
}

func removeAt(items []profile.Summary, index int) []profile.Summary {
	trimmed := make([]profile.Summary, 0, len(items)-1)
	trimmed = append(trimmed, items[:index]...)
	return append(trimmed, items[index+1:]...)
}

func insertAt(items []profile.Summary, index int, item profile.Summary) []profile.Summary {
	if index > len(items) {
		index = len(items)
	}
	expanded := make([]profile.Summary, 0, len(items)+1)
	expanded = append(expanded, items[:index]...)
	expanded = append(expanded, item)
	return append(expanded, items[index:]...)
}
