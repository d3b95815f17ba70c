// Package graph caches follower and following collections per profile id and applies
// follow and unfollow mutations optimistically.
//
// All state sits behind one mutex that is never held across a gateway call. Loads and
// mutations capture what they need before the call and re-validate against the
// current state when it returns, so completions from different operations may
// interleave freely.
package graph

import (
	"context"
	"errors"
	"sync"

	"github.com/f-sync/followsync/internal/gateway"
	"github.com/f-sync/followsync/internal/metrics"
	"github.com/f-sync/followsync/internal/profile"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultPageSize is the number of profiles requested per page.
	DefaultPageSize = 10

	errMessageNilGateway       = "graph gateway cannot be nil"
	errMessageNoViewer         = "viewer profile is not set"
	errMessageMutationInFlight = "a follow change for this profile is already in flight"
	errMessageInvalidProfileID = "profile id must be positive"
	errMessageSelfFollow       = "a profile cannot follow itself"
)

var (
	// ErrNilGateway is returned when a Cache is constructed without a gateway.
	ErrNilGateway = errors.New(errMessageNilGateway)
	// ErrNoViewer is returned by mutations before SetViewer was called.
	ErrNoViewer = errors.New(errMessageNoViewer)
	// ErrMutationInFlight is returned when the target already has a follow or unfollow pending.
	ErrMutationInFlight = errors.New(errMessageMutationInFlight)
	// ErrInvalidProfileID is returned for non-positive profile ids.
	ErrInvalidProfileID = errors.New(errMessageInvalidProfileID)
	// ErrSelfFollow is returned when the viewer targets its own profile.
	ErrSelfFollow = errors.New(errMessageSelfFollow)
)

// Gateway is the subset of the remote API the Cache needs.
type Gateway interface {
	Followers(ctx context.Context, profileID int64, page int, limit int) (gateway.Page, error)
	Following(ctx context.Context, profileID int64, page int, limit int) (gateway.Page, error)
	FollowersCount(ctx context.Context, profileID int64) (int, error)
	FollowingCount(ctx context.Context, profileID int64) (int, error)
	Follow(ctx context.Context, targetID int64) error
	Unfollow(ctx context.Context, targetID int64) error
}

// ListKind selects the followers or the following collection of a profile.
type ListKind int

const (
	// Followers are the profiles following a profile.
	Followers ListKind = iota
	// Following are the profiles a profile follows.
	Following
)

func (kind ListKind) String() string {
	if kind == Following {
		return "following"
	}
	return "followers"
}

// Collection is a read-only copy of one paginated list.
type Collection struct {
	Items      []profile.Summary `json:"items"`
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	TotalPages int               `json:"totalPages"`
	Loading    bool              `json:"loading"`
}

// HasMore reports whether another page can be appended.
func (collection Collection) HasMore() bool {
	return collection.Page < collection.TotalPages
}

// Contains reports whether the collection holds profileID.
func (collection Collection) Contains(profileID int64) bool {
	for _, item := range collection.Items {
		if item.ID == profileID {
			return true
		}
	}
	return false
}

// Counts are the relationship totals of one profile.
type Counts struct {
	FollowersTotal int `json:"followersTotal"`
	FollowingTotal int `json:"followingTotal"`
}

// Config configures a Cache.
type Config struct {
	Gateway  Gateway
	Logger   *zap.Logger
	Metrics  *metrics.Recorder
	PageSize int
}

type collectionKey struct {
	kind      ListKind
	profileID int64
}

type collectionState struct {
	items      []profile.Summary
	total      int
	page       int
	totalPages int
	inFlight   int
	// generation changes whenever the collection is replaced or reset.
	generation uint64
}

// Cache is the social graph cache.
type Cache struct {
	gateway  Gateway
	logger   *zap.Logger
	metrics  *metrics.Recorder
	pageSize int

	countRequests singleflight.Group

	mutex           sync.Mutex
	viewerID        int64
	epoch           uint64
	collections     map[collectionKey]*collectionState
	counts          map[int64]*Counts
	followLoading   map[int64]bool
	unfollowLoading map[int64]bool
	sequence        uint64
	journal         []*journalEntry
	activeLoads     map[uint64]int
}

// NewCache validates the configuration and constructs an empty Cache.
func NewCache(config Config) (*Cache, error) {
	if config.Gateway == nil {
		return nil, ErrNilGateway
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := config.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	cache := &Cache{
		gateway:  config.Gateway,
		logger:   logger,
		metrics:  config.Metrics,
		pageSize: pageSize,
	}
	cache.resetLocked()
	return cache, nil
}

// SetViewer records the profile id of the session owner. Changing the viewer drops
// every cached collection.
func (cache *Cache) SetViewer(viewerID int64) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	if cache.viewerID == viewerID {
		return
	}
	cache.resetLocked()
	cache.viewerID = viewerID
}

// Viewer returns the session owner's profile id, or zero when none is set.
func (cache *Cache) Viewer() int64 {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	return cache.viewerID
}

// Reset drops all cached state including the viewer. In-flight operations that
// complete afterwards are discarded.
func (cache *Cache) Reset() {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.resetLocked()
	cache.viewerID = 0
}

// PageSize returns the page size used for list loads.
func (cache *Cache) PageSize() int {
	return cache.pageSize
}

// Followers returns a copy of the followers collection of profileID.
func (cache *Cache) Followers(profileID int64) Collection {
	return cache.collection(Followers, profileID)
}

// Following returns a copy of the following collection of profileID.
func (cache *Cache) Following(profileID int64) Collection {
	return cache.collection(Following, profileID)
}

// Collection returns a copy of the kind collection of profileID.
func (cache *Cache) Collection(kind ListKind, profileID int64) Collection {
	return cache.collection(kind, profileID)
}

// Counts returns the last known relationship totals of profileID.
func (cache *Cache) Counts(profileID int64) Counts {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	if counts, ok := cache.counts[profileID]; ok {
		return *counts
	}
	return Counts{}
}

// IsFollowing reports whether the viewer's following collection holds targetID.
// It never touches the network; unknown means false.
func (cache *Cache) IsFollowing(targetID int64) bool {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	if cache.viewerID == 0 {
		return false
	}
	state, ok := cache.collections[collectionKey{kind: Following, profileID: cache.viewerID}]
	if !ok {
		return false
	}
	return indexOf(state.items, targetID) >= 0
}

// IsLoadingFollow reports whether a follow of targetID is in flight.
func (cache *Cache) IsLoadingFollow(targetID int64) bool {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	return cache.followLoading[targetID]
}

// IsLoadingUnfollow reports whether an unfollow of targetID is in flight.
func (cache *Cache) IsLoadingUnfollow(targetID int64) bool {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	return cache.unfollowLoading[targetID]
}

func (cache *Cache) collection(kind ListKind, profileID int64) Collection {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	state, ok := cache.collections[collectionKey{kind: kind, profileID: profileID}]
	if !ok {
		return Collection{Items: []profile.Summary{}}
	}
	items := make([]profile.Summary, len(state.items))
	copy(items, state.items)
	return Collection{
		Items:      items,
		Total:      state.total,
		Page:       state.page,
		TotalPages: state.totalPages,
		Loading:    state.inFlight > 0,
	}
}

func (cache *Cache) resetLocked() {
	cache.epoch++
	cache.collections = make(map[collectionKey]*collectionState)
	cache.counts = make(map[int64]*Counts)
	cache.followLoading = make(map[int64]bool)
	cache.unfollowLoading = make(map[int64]bool)
	cache.journal = nil
	cache.activeLoads = make(map[uint64]int)
}

func (cache *Cache) stateLocked(key collectionKey) *collectionState {
	state, ok := cache.collections[key]
	if !ok {
		state = &collectionState{items: []profile.Summary{}}
		cache.collections[key] = state
	}
	return state
}

func (cache *Cache) countsLocked(profileID int64) *Counts {
	counts, ok := cache.counts[profileID]
	if !ok {
		counts = &Counts{}
		cache.counts[profileID] = counts
	}
	return counts
}

// syncCountLocked publishes a collection total as the matching relationship count.
func (cache *Cache) syncCountLocked(key collectionKey, total int) {
	counts := cache.countsLocked(key.profileID)
	if key.kind == Following {
		counts.FollowingTotal = total
		return
	}
	counts.FollowersTotal = total
}

func clampTotal(state *collectionState) {
	if state.total < len(state.items) {
		state.total = len(state.items)
	}
	if state.total < 0 {
		state.total = 0
	}
}

func indexOf(items []profile.Summary, profileID int64) int {
	for index, item := range items {
		if item.ID == profileID {
			return index
		}
	}
	return -1
}

func dedupe(items []profile.Summary) []profile.Summary {
	seen := make(map[int64]struct{}, len(items))
	unique := make([]profile.Summary, 0, len(items))
	for _, item := range items {
		if _, duplicate := seen[item.ID]; duplicate {
			continue
		}
		seen[item.ID] = struct{}{}
		unique = append(unique, item)
	}
	return unique
}
