package store

import (
	"context"
	"sync"

	"github.com/f-sync/followsync/internal/profile"
)

// MemoryStore keeps the session in process memory.
type MemoryStore struct {
	mutex   sync.RWMutex
	token   string
	profile []byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (memoryStore *MemoryStore) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	memoryStore.mutex.RLock()
	defer memoryStore.mutex.RUnlock()
	return memoryStore.token, nil
}

func (memoryStore *MemoryStore) SavedProfile(ctx context.Context) (*profile.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	memoryStore.mutex.RLock()
	defer memoryStore.mutex.RUnlock()
	return decodeProfile(memoryStore.profile)
}

func (memoryStore *MemoryStore) Save(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateEntry(entry); err != nil {
		return err
	}
	var encodedProfile []byte
	if entry.Profile != nil {
		encoded, err := encodeProfile(*entry.Profile)
		if err != nil {
			return err
		}
		encodedProfile = encoded
	}

	memoryStore.mutex.Lock()
	defer memoryStore.mutex.Unlock()
	memoryStore.token = entry.Token
	memoryStore.profile = encodedProfile
	return nil
}

func (memoryStore *MemoryStore) SaveProfile(ctx context.Context, snapshot profile.Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encodedProfile, err := encodeProfile(snapshot)
	if err != nil {
		return err
	}

	memoryStore.mutex.Lock()
	defer memoryStore.mutex.Unlock()
	if memoryStore.token == "" {
		return ErrNoSession
	}
	memoryStore.profile = encodedProfile
	return nil
}

func (memoryStore *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	memoryStore.mutex.Lock()
	defer memoryStore.mutex.Unlock()
	memoryStore.token = ""
	memoryStore.profile = nil
	return nil
}
