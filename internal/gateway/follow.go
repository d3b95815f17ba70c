package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/f-sync/followsync/internal/profile"
)

const (
	endpointFollowers      = "followers"
	endpointFollowing      = "following"
	endpointFollowersCount = "followers_count"
	endpointFollowingCount = "following_count"
	endpointFollow         = "follow"
	endpointUnfollow       = "unfollow"

	pathSegmentFollow         = "follow"
	pathSegmentFollowers      = "followers"
	pathSegmentFollowing      = "following"
	pathSegmentFollowersCount = "followers-count"
	pathSegmentFollowingCount = "following-count"

	queryParameterPage  = "page"
	queryParameterLimit = "limit"
)

// Page is one page of a follower or following list.
type Page struct {
	Items      []profile.Summary
	Total      int
	Page       int
	TotalPages int
}

type followersPayload struct {
	Followers   []profile.Summary `json:"followers"`
	Total       int               `json:"total"`
	TotalPages  int               `json:"totalPages"`
	CurrentPage int               `json:"currentPage"`
}

type followingPayload struct {
	Followings  []profile.Summary `json:"followings"`
	Total       int               `json:"total"`
	TotalPages  int               `json:"totalPages"`
	CurrentPage int               `json:"currentPage"`
}

type followersCountPayload struct {
	FollowersTotal int `json:"followersTotal"`
}

type followingCountPayload struct {
	FollowingTotal int `json:"followingTotal"`
}

// Followers returns one page of the profiles following profileID.
func (client *Client) Followers(ctx context.Context, profileID int64, page int, limit int) (Page, error) {
	var payload followersPayload
	requestedPage, err := client.fetchPage(ctx, endpointFollowers, pathSegmentFollowers, profileID, page, limit, &payload)
	if err != nil {
		return Page{}, err
	}
	return newPage(payload.Followers, payload.Total, payload.CurrentPage, payload.TotalPages, requestedPage), nil
}

// Following returns one page of the profiles that profileID follows.
func (client *Client) Following(ctx context.Context, profileID int64, page int, limit int) (Page, error) {
	var payload followingPayload
	requestedPage, err := client.fetchPage(ctx, endpointFollowing, pathSegmentFollowing, profileID, page, limit, &payload)
	if err != nil {
		return Page{}, err
	}
	return newPage(payload.Followings, payload.Total, payload.CurrentPage, payload.TotalPages, requestedPage), nil
}

// FollowersCount returns the number of profiles following profileID.
func (client *Client) FollowersCount(ctx context.Context, profileID int64) (int, error) {
	segment, err := profileSegment(profileID)
	if err != nil {
		return 0, err
	}
	var payload followersCountPayload
	err = client.execute(ctx, requestSpec{
		endpoint:      endpointFollowersCount,
		method:        http.MethodGet,
		segments:      []string{pathSegmentFollow, segment, pathSegmentFollowersCount},
		authenticated: true,
		retryable:     true,
	}, &payload)
	if err != nil {
		return 0, err
	}
	return payload.FollowersTotal, nil
}

// FollowingCount returns the number of profiles profileID follows.
func (client *Client) FollowingCount(ctx context.Context, profileID int64) (int, error) {
	segment, err := profileSegment(profileID)
	if err != nil {
		return 0, err
	}
	var payload followingCountPayload
	err = client.execute(ctx, requestSpec{
		endpoint:      endpointFollowingCount,
		method:        http.MethodGet,
		segments:      []string{pathSegmentFollow, segment, pathSegmentFollowingCount},
		authenticated: true,
		retryable:     true,
	}, &payload)
	if err != nil {
		return 0, err
	}
	return payload.FollowingTotal, nil
}

// Follow makes the session's profile follow targetID. Repeating it is harmless on the
// server (409), so it is retried like a GET.
func (client *Client) Follow(ctx context.Context, targetID int64) error {
	segment, err := profileSegment(targetID)
	if err != nil {
		return err
	}
	return client.execute(ctx, requestSpec{
		endpoint:      endpointFollow,
		method:        http.MethodPost,
		segments:      []string{pathSegmentFollow, segment},
		authenticated: true,
		retryable:     true,
	}, nil)
}

// Unfollow removes the follow edge from the session's profile to targetID.
func (client *Client) Unfollow(ctx context.Context, targetID int64) error {
	segment, err := profileSegment(targetID)
	if err != nil {
		return err
	}
	return client.execute(ctx, requestSpec{
		endpoint:      endpointUnfollow,
		method:        http.MethodDelete,
		segments:      []string{pathSegmentFollow, segment},
		authenticated: true,
		retryable:     true,
	}, nil)
}

func (client *Client) fetchPage(ctx context.Context, endpoint string, listSegment string, profileID int64, page int, limit int, target any) (int, error) {
	segment, err := profileSegment(profileID)
	if err != nil {
		return 0, err
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	query := url.Values{}
	query.Set(queryParameterPage, strconv.Itoa(page))
	query.Set(queryParameterLimit, strconv.Itoa(limit))
	err = client.execute(ctx, requestSpec{
		endpoint:      endpoint,
		method:        http.MethodGet,
		segments:      []string{pathSegmentFollow, segment, listSegment},
		query:         query,
		authenticated: true,
		retryable:     true,
	}, target)
	return page, err
}

func newPage(items []profile.Summary, total int, currentPage int, totalPages int, requestedPage int) Page {
	if currentPage < 1 {
		currentPage = requestedPage
	}
	if items == nil {
		items = []profile.Summary{}
	}
	return Page{Items: items, Total: total, Page: currentPage, TotalPages: totalPages}
}
