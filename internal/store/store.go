// Package store persists the session token and a trimmed profile snapshot.
//
// Every backend keeps exactly two entries, the token and the profile, and writes or
// clears them together so a reader never observes one without the other after a
// logout.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/f-sync/followsync/internal/profile"
)

const (
	tokenKey   = "token"
	profileKey = "profile"

	errMessageEmptyToken     = "session token cannot be empty"
	errMessageEncodeProfile  = "encode profile snapshot"
	errMessageDecodeProfile  = "decode profile snapshot"
	errMessageMissingSession = "no session token stored"
)

var (
	// ErrEmptyToken is returned when a caller attempts to persist an empty token.
	ErrEmptyToken = errors.New(errMessageEmptyToken)
	// ErrNoSession is returned by SaveProfile when no token is stored.
	ErrNoSession = errors.New(errMessageMissingSession)
)

// Entry is the persisted session pair.
type Entry struct {
	Token   string
	Profile *profile.Profile
}

// Store is the durable key/value cell holding the session.
type Store interface {
	// Token returns the stored token or "" when none is stored.
	Token(ctx context.Context) (string, error)
	// SavedProfile returns the stored profile snapshot or nil when none is stored.
	SavedProfile(ctx context.Context) (*profile.Profile, error)
	// Save replaces both entries. A nil profile removes the profile entry.
	Save(ctx context.Context, entry Entry) error
	// SaveProfile replaces the profile entry and keeps the stored token.
	SaveProfile(ctx context.Context, snapshot profile.Profile) error
	// Clear removes both entries.
	Clear(ctx context.Context) error
}

func validateEntry(entry Entry) error {
	if strings.TrimSpace(entry.Token) == "" {
		return ErrEmptyToken
	}
	return nil
}

func encodeProfile(snapshot profile.Profile) ([]byte, error) {
	encoded, err := json.Marshal(snapshot.Trimmed())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageEncodeProfile, err)
	}
	return encoded, nil
}

func decodeProfile(encoded []byte) (*profile.Profile, error) {
	if len(encoded) == 0 {
		return nil, nil
	}
	var snapshot profile.Profile
	if err := json.Unmarshal(encoded, &snapshot); err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageDecodeProfile, err)
	}
	return &snapshot, nil
}
