// Package insights classifies a profile's relationships from its cached collections.
package insights

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/f-sync/followsync/internal/graph"
	"github.com/f-sync/followsync/internal/profile"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxPages bounds how many pages of each collection Build walks.
	DefaultMaxPages = 50

	errMessageNilSource      = "collection source cannot be nil"
	errMessageLoadCollection = "load %s of %d"
)

// ErrNilSource is returned when Build is called without a collection source.
var ErrNilSource = errors.New(errMessageNilSource)

// CollectionSource exposes paged collections; *graph.Cache satisfies it.
type CollectionSource interface {
	LoadNext(ctx context.Context, kind graph.ListKind, profileID int64) (bool, error)
	Collection(kind graph.ListKind, profileID int64) graph.Collection
}

var _ CollectionSource = (*graph.Cache)(nil)

// Relationships is the classification of one profile's graph.
type Relationships struct {
	ProfileID int64             `json:"profileId"`
	Friends   []profile.Summary `json:"friends"`
	Leaders   []profile.Summary `json:"leaders"`
	Groupies  []profile.Summary `json:"groupies"`
	Followers int               `json:"followersTotal"`
	Following int               `json:"followingTotal"`
	// Complete is false when either collection had pages left after the walk.
	Complete bool `json:"complete"`
}

// Overlap lists the profiles two owners have in common.
type Overlap struct {
	SharedFollowers []profile.Summary `json:"sharedFollowers"`
	SharedFollowing []profile.Summary `json:"sharedFollowing"`
}

// Classify splits followers and following into mutual friends, leaders the owner
// follows without being followed back, and groupies following the owner unreciprocated.
func Classify(profileID int64, followers []profile.Summary, following []profile.Summary) Relationships {
	followersByID := indexSummaries(followers)
	followingByID := indexSummaries(following)

	friends := map[int64]profile.Summary{}
	leaders := map[int64]profile.Summary{}
	groupies := map[int64]profile.Summary{}
	for profileKey, summary := range followingByID {
		if _, followsBack := followersByID[profileKey]; followsBack {
			friends[profileKey] = summary
		} else {
			leaders[profileKey] = summary
		}
	}
	for profileKey, summary := range followersByID {
		if _, followed := followingByID[profileKey]; !followed {
			groupies[profileKey] = summary
		}
	}

	return Relationships{
		ProfileID: profileID,
		Friends:   toSortedSummaries(friends),
		Leaders:   toSortedSummaries(leaders),
		Groupies:  toSortedSummaries(groupies),
		Followers: len(followersByID),
		Following: len(followingByID),
		Complete:  true,
	}
}

// Compare reports the followers and followings shared by two owners.
func Compare(firstFollowers, firstFollowing, secondFollowers, secondFollowing []profile.Summary) Overlap {
	return Overlap{
		SharedFollowers: intersect(firstFollowers, secondFollowers),
		SharedFollowing: intersect(firstFollowing, secondFollowing),
	}
}

// Builder walks both collections of a profile through a CollectionSource and
// classifies the result.
type Builder struct {
	source   CollectionSource
	maxPages int
}

// NewBuilder constructs a Builder. maxPages <= 0 selects DefaultMaxPages.
func NewBuilder(source CollectionSource, maxPages int) (*Builder, error) {
	if source == nil {
		return nil, ErrNilSource
	}
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Builder{source: source, maxPages: maxPages}, nil
}

// Build loads up to maxPages of followers and following concurrently and classifies them.
func (builder *Builder) Build(ctx context.Context, profileID int64) (Relationships, error) {
	var followersExhausted, followingExhausted bool
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		exhausted, err := builder.walk(groupCtx, graph.Followers, profileID)
		followersExhausted = exhausted
		return err
	})
	group.Go(func() error {
		exhausted, err := builder.walk(groupCtx, graph.Following, profileID)
		followingExhausted = exhausted
		return err
	})
	if err := group.Wait(); err != nil {
		return Relationships{ProfileID: profileID}, err
	}

	followers := builder.source.Collection(graph.Followers, profileID)
	following := builder.source.Collection(graph.Following, profileID)
	relationships := Classify(profileID, followers.Items, following.Items)
	relationships.Followers = followers.Total
	relationships.Following = following.Total
	relationships.Complete = followersExhausted && followingExhausted
	return relationships, nil
}

func (builder *Builder) walk(ctx context.Context, kind graph.ListKind, profileID int64) (bool, error) {
	for pageIndex := 0; pageIndex < builder.maxPages; pageIndex++ {
		more, err := builder.source.LoadNext(ctx, kind, profileID)
		if err != nil {
			return false, fmt.Errorf(errMessageLoadCollection+": %w", kind, profileID, err)
		}
		if !more {
			return true, nil
		}
	}
	return false, nil
}

func indexSummaries(summaries []profile.Summary) map[int64]profile.Summary {
	indexed := make(map[int64]profile.Summary, len(summaries))
	for _, summary := range summaries {
		if _, exists := indexed[summary.ID]; exists {
			continue
		}
		indexed[summary.ID] = summary
	}
	return indexed
}

func intersect(first []profile.Summary, second []profile.Summary) []profile.Summary {
	secondByID := indexSummaries(second)
	shared := map[int64]profile.Summary{}
	for profileKey, summary := range indexSummaries(first) {
		if _, exists := secondByID[profileKey]; exists {
			shared[profileKey] = summary
		}
	}
	return toSortedSummaries(shared)
}

func toSortedSummaries(summariesByID map[int64]profile.Summary) []profile.Summary {
	sorted := make([]profile.Summary, 0, len(summariesByID))
	for _, summary := range summariesByID {
		sorted = append(sorted, summary)
	}
	sort.Slice(sorted, func(firstIndex, secondIndex int) bool {
		firstKey := sorted[firstIndex].SortKey()
		secondKey := sorted[secondIndex].SortKey()
		if firstKey == secondKey {
			return sorted[firstIndex].ID < sorted[secondIndex].ID
		}
		return firstKey < secondKey
	})
	return sorted
}
