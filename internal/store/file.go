package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/f-sync/followsync/internal/profile"
)

const (
	sessionFilePermissions     = 0o600
	sessionDirectoryPermission = 0o700
	sessionFileTempPattern     = ".session-*.tmp"

	errMessageEmptyFilePath   = "session file path cannot be empty"
	errMessageReadSession     = "read session file"
	errMessageParseSession    = "parse session file"
	errMessageWriteSession    = "write session file"
	errMessageEncodeSession   = "encode session file"
	errMessageRemoveSession   = "remove session file"
	errMessageCreateDirectory = "create session directory"
)

// ErrEmptyFilePath is returned when a FileStore is constructed without a path.
var ErrEmptyFilePath = errors.New(errMessageEmptyFilePath)

type sessionDocument struct {
	Token   string          `json:"token"`
	Profile json.RawMessage `json:"profile,omitempty"`
}

// FileStore keeps the session in a single JSON document on disk.
// Writes go to a temporary file that is renamed over the target, so the token and
// profile are always replaced together.
type FileStore struct {
	path  string
	mutex sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore constructs a FileStore writing to path.
func NewFileStore(path string) (*FileStore, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return nil, ErrEmptyFilePath
	}
	return &FileStore{path: filepath.Clean(trimmedPath)}, nil
}

// Path returns the location of the session document.
func (fileStore *FileStore) Path() string {
	return fileStore.path
}

func (fileStore *FileStore) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fileStore.mutex.Lock()
	defer fileStore.mutex.Unlock()
	document, err := fileStore.readDocument()
	if err != nil {
		return "", err
	}
	return document.Token, nil
}

func (fileStore *FileStore) SavedProfile(ctx context.Context) (*profile.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fileStore.mutex.Lock()
	defer fileStore.mutex.Unlock()
	document, err := fileStore.readDocument()
	if err != nil {
		return nil, err
	}
	return decodeProfile(document.Profile)
}

func (fileStore *FileStore) Save(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateEntry(entry); err != nil {
		return err
	}
	document := sessionDocument{Token: entry.Token}
	if entry.Profile != nil {
		encodedProfile, err := encodeProfile(*entry.Profile)
		if err != nil {
			return err
		}
		document.Profile = encodedProfile
	}
	fileStore.mutex.Lock()
	defer fileStore.mutex.Unlock()
	return fileStore.writeDocument(document)
}

func (fileStore *FileStore) SaveProfile(ctx context.Context, snapshot profile.Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encodedProfile, err := encodeProfile(snapshot)
	if err != nil {
		return err
	}
	fileStore.mutex.Lock()
	defer fileStore.mutex.Unlock()
	document, err := fileStore.readDocument()
	if err != nil {
		return err
	}
	if document.Token == "" {
		return ErrNoSession
	}
	document.Profile = encodedProfile
	return fileStore.writeDocument(document)
}

func (fileStore *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fileStore.mutex.Lock()
	defer fileStore.mutex.Unlock()
	if err := os.Remove(fileStore.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", errMessageRemoveSession, err)
	}
	return nil
}

func (fileStore *FileStore) readDocument() (sessionDocument, error) {
	contents, err := os.ReadFile(fileStore.path)
	if errors.Is(err, fs.ErrNotExist) {
		return sessionDocument{}, nil
	}
	if err != nil {
		return sessionDocument{}, fmt.Errorf("%s: %w", errMessageReadSession, err)
	}
	if len(strings.TrimSpace(string(contents))) == 0 {
		return sessionDocument{}, nil
	}
	var document sessionDocument
	if err := json.Unmarshal(contents, &document); err != nil {
		return sessionDocument{}, fmt.Errorf("%s: %w", errMessageParseSession, err)
	}
	return document, nil
}

func (fileStore *FileStore) writeDocument(document sessionDocument) error {
	jsonBytes, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageEncodeSession, err)
	}
	directory := filepath.Dir(fileStore.path)
	if err := os.MkdirAll(directory, sessionDirectoryPermission); err != nil {
		return fmt.Errorf("%s: %w", errMessageCreateDirectory, err)
	}
	tempFile, err := os.CreateTemp(directory, sessionFileTempPattern)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageWriteSession, err)
	}
	tempPath := tempFile.Name()
	cleanup := func() { _ = os.Remove(tempPath) }

	if _, err := tempFile.Write(jsonBytes); err != nil {
		_ = tempFile.Close()
		cleanup()
		return fmt.Errorf("%s: %w", errMessageWriteSession, err)
	}
	if err := tempFile.Chmod(sessionFilePermissions); err != nil {
		_ = tempFile.Close()
		cleanup()
		return fmt.Errorf("%s: %w", errMessageWriteSession, err)
	}
	if err := tempFile.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%s: %w", errMessageWriteSession, err)
	}
	if err := os.Rename(tempPath, fileStore.path); err != nil {
		cleanup()
		return fmt.Errorf("%s: %w", errMessageWriteSession, err)
	}
	return nil
}
