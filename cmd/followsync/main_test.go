package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/f-sync/followsync/internal/clone"
	"github.com/f-sync/followsync/internal/fakeapi"
	"github.com/f-sync/followsync/internal/session"
)

type cliFixture struct {
	fake      *fakeapi.Server
	apiURL    string
	storePath string
}

func newCLIFixture(t *testing.T) cliFixture {
	t.Helper()
	fake := fakeapi.New()
	fake.AddUser("ada", "ada@example.test", "secret", "Ada")
	fake.AddUser("grace", "grace@example.test", "secret", "Grace")
	fake.AddUser("linus", "linus@example.test", "secret", "Linus")
	apiServer := httptest.NewServer(fake.Handler())
	t.Cleanup(apiServer.Close)
	return cliFixture{fake: fake, apiURL: apiServer.URL, storePath: filepath.Join(t.TempDir(), "session.json")}
}

func (fixture cliFixture) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCommand := newRootCommand(commandDependencies{
		Stdout: &stdout,
		Stderr: &stderr,
		Stdin:  strings.NewReader(stdin),
		Logger: zap.NewNop(),
	})
	global := []string{
		"--" + flagAPIBaseURLName, fixture.apiURL,
		"--" + flagStoreBackendName, "file",
		"--" + flagStorePathName, fixture.storePath,
		"--" + flagMaxRetriesName, "0",
	}
	rootCommand.SetArgs(append(args, global...))
	err := rootCommand.ExecuteContext(context.Background())
	return stdout.String(), err
}

func (fixture cliFixture) login(t *testing.T) {
	t.Helper()
	_, err := fixture.run(t, "", "login", "--identifier", "ada", "--password", "secret")
	require.NoError(t, err)
}

func TestLoginPersistsSessionAcrossInvocations(t *testing.T) {
	fixture := newCLIFixture(t)

	output, err := fixture.run(t, "secret\n", "login", "--identifier", "ada@example.test")
	require.NoError(t, err)
	require.Contains(t, output, "Ada (@ada)")

	output, err = fixture.run(t, "", "whoami", "-o", "json")
	require.NoError(t, err)
	var snapshot session.Snapshot
	require.NoError(t, json.Unmarshal([]byte(output), &snapshot))
	require.Equal(t, session.StateAuthenticated, snapshot.State)
	require.Equal(t, "ada", snapshot.Profile.Username)

	_, err = fixture.run(t, "", "logout")
	require.NoError(t, err)

	output, err = fixture.run(t, "", "whoami")
	require.NoError(t, err)
	require.Equal(t, "anonymous\n", output)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	fixture := newCLIFixture(t)
	_, err := fixture.run(t, "", "login", "--identifier", "ada", "--password", "wrong")
	require.Error(t, err)

	_, err = fixture.run(t, "", "login", "--password", "secret")
	require.EqualError(t, err, errMessageMissingIdentifier)
}

func TestGraphCommandsRequireSession(t *testing.T) {
	fixture := newCLIFixture(t)
	testCases := [][]string{
		{"followers"},
		{"following", "2"},
		{"counts"},
		{"follow", "2"},
		{"insights"},
		{"clone", "2"},
	}
	for _, args := range testCases {
		_, err := fixture.run(t, "", args...)
		require.ErrorIs(t, err, ErrNotLoggedIn, strings.Join(args, " "))
	}
}

func TestFollowListAndCountCommands(t *testing.T) {
	fixture := newCLIFixture(t)
	fixture.fake.SetFollow(2, 1)
	fixture.login(t)

	output, err := fixture.run(t, "", "follow", "3")
	require.NoError(t, err)
	require.Equal(t, "following #3 (1 total)\n", output)
	require.True(t, fixture.fake.Follows(1, 3))

	output, err = fixture.run(t, "", "following", "-o", "csv")
	require.NoError(t, err)
	require.Equal(t, "id,username,name\n3,linus,Linus\n", output)

	output, err = fixture.run(t, "", "followers")
	require.NoError(t, err)
	require.Contains(t, output, "2\tGrace (@grace)")
	require.Contains(t, output, "page 1 of 1, 1 total")

	output, err = fixture.run(t, "", "counts")
	require.NoError(t, err)
	require.Equal(t, "followers: 1\nfollowing: 1\n", output)

	output, err = fixture.run(t, "", "insights", "-o", "csv")
	require.NoError(t, err)
	require.Equal(t, "id,username,name,relation\n3,linus,Linus,leader\n2,grace,Grace,groupie\n", output)

	output, err = fixture.run(t, "", "unfollow", "3")
	require.NoError(t, err)
	require.Equal(t, "not following #3 (0 total)\n", output)
	require.False(t, fixture.fake.Follows(1, 3))

	_, err = fixture.run(t, "", "follow", "abc")
	require.Error(t, err)
	_, err = fixture.run(t, "", "follow", "1")
	require.Error(t, err)
}

func TestCloneCommand(t *testing.T) {
	fixture := newCLIFixture(t)
	fixture.fake.SetFollow(2, 1)
	fixture.fake.SetFollow(2, 3)
	fixture.login(t)

	output, err := fixture.run(t, "", "clone", "2", "-o", "json")
	require.NoError(t, err)
	var result clone.Result
	require.NoError(t, json.Unmarshal([]byte(output), &result))
	require.Equal(t, 1, result.Followed)
	require.Equal(t, 1, result.Skipped)
	require.True(t, fixture.fake.Follows(1, 3))

	_, err = fixture.run(t, "", "clone", "1")
	require.ErrorIs(t, err, clone.ErrSameProfile)
}

func TestRegisterAndSetupProfile(t *testing.T) {
	fixture := newCLIFixture(t)

	output, err := fixture.run(t, "secret\n", "register", "--name", "Margaret", "--username", "margaret", "--email", "margaret@example.test", "-o", "json")
	require.NoError(t, err)
	var snapshot session.Snapshot
	require.NoError(t, json.Unmarshal([]byte(output), &snapshot))
	require.Equal(t, session.StateAuthenticated, snapshot.State)
	require.False(t, snapshot.ProfileSetupComplete)

	output, err = fixture.run(t, "", "setup-profile", "--bio", "compilers", "-o", "json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(output), &snapshot))
	require.True(t, snapshot.ProfileSetupComplete)
	require.Equal(t, "compilers", snapshot.Profile.Bio)

	fixture.fake.RegisterWithoutToken(true)
	output, err = fixture.run(t, "secret\n", "register", "--username", "barbara", "--email", "barbara@example.test")
	require.NoError(t, err)
	require.Equal(t, errMessageRegistrationQueue+"\n", output)
}

func TestOutputFlagRejectsUnknownFormat(t *testing.T) {
	fixture := newCLIFixture(t)
	_, err := fixture.run(t, "", "whoami", "-o", "yaml")
	require.Error(t, err)
}

func TestServeStopsWhenContextIsCancelled(t *testing.T) {
	fixture := newCLIFixture(t)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	rootCommand := newRootCommand(commandDependencies{Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}, Logger: zap.NewNop()})
	rootCommand.SetArgs([]string{
		"serve",
		"--" + flagPortName, strconv.Itoa(port),
		"--" + flagAPIBaseURLName, fixture.apiURL,
		"--" + flagStoreBackendName, "memory",
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, rootCommand.ExecuteContext(ctx))
}
