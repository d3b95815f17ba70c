package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/f-sync/followsync/internal/app"
	"github.com/f-sync/followsync/internal/clone"
	"github.com/f-sync/followsync/internal/gateway"
	"github.com/f-sync/followsync/internal/graph"
	"github.com/f-sync/followsync/internal/session"
)

const (
	flagIdentifierName   = "identifier"
	flagPasswordName     = "password"
	flagNameName         = "name"
	flagUsernameName     = "username"
	flagEmailName        = "email"
	flagBioName          = "bio"
	flagAvatarName       = "avatar"
	flagCompleteName     = "complete"
	flagPageName         = "page"
	flagAllName          = "all"
	flagMaxFollowsName   = "max-follows"
	flagBaseDelayName    = "base-delay"
	flagMaxListPagesName = "max-pages"

	defaultMaxListPages = 50

	logMessageCloseFailed   = "close application failed"
	logMessageCloneProgress = "clone progress"
	logFieldFollowed        = "followed"
	logFieldAttempted       = "attempted"
	logFieldPlanned         = "planned"

	errMessageInvalidProfileID  = "profile id must be a positive integer"
	errMessageMissingIdentifier = "--identifier is required"
	errMessageReadPassword      = "read password"
	errMessageOpenAvatar        = "open avatar"
	errMessageRegistrationQueue = "account created; log in to start a session"
)

// ErrNotLoggedIn is returned by commands that need a restored session.
var ErrNotLoggedIn = errors.New("not logged in; run followsync login first")

func newLoginCommand(runtime *commandRuntime) *cobra.Command {
	var identifier, password string
	command := &cobra.Command{
		Use:   "login",
		Short: "Log in and persist the session",
		Args:  cobra.NoArgs,
	}
	command.Flags().StringVar(&identifier, flagIdentifierName, "", "Username or email")
	command.Flags().StringVar(&password, flagPasswordName, "", "Password; read from stdin when omitted")
	command.RunE = runtime.withApplication(func(ctx context.Context, command *cobra.Command, _ []string, application *app.App) error {
		if strings.TrimSpace(identifier) == "" {
			return errors.New(errMessageMissingIdentifier)
		}
		if password == "" {
			readPassword, err := readLine(command.InOrStdin())
			if err != nil {
				return fmt.Errorf("%s: %w", errMessageReadPassword, err)
			}
			password = readPassword
		}
		if err := application.Session.Login(ctx, gateway.Credentials{Identifier: identifier, Password: password}); err != nil {
			return err
		}
		return runtime.printer(command).session(application.Session.Snapshot())
	})
	return command
}

func newRegisterCommand(runtime *commandRuntime) *cobra.Command {
	var registration gateway.Registration
	command := &cobra.Command{
		Use:   "register",
		Short: "Create an account and start a session when the server allows it",
		Args:  cobra.NoArgs,
	}
	command.Flags().StringVar(&registration.Name, flagNameName, "", "Display name")
	command.Flags().StringVar(&registration.Username, flagUsernameName, "", "Username")
	command.Flags().StringVar(&registration.Email, flagEmailName, "", "Email")
	command.Flags().StringVar(&registration.Password, flagPasswordName, "", "Password; read from stdin when omitted")
	command.RunE = runtime.withApplication(func(ctx context.Context, command *cobra.Command, _ []string, application *app.App) error {
		if registration.Password == "" {
			readPassword, err := readLine(command.InOrStdin())
			if err != nil {
				return fmt.Errorf("%s: %w", errMessageReadPassword, err)
			}
			registration.Password = readPassword
		}
		result, err := application.Session.Register(ctx, registration)
		if err != nil {
			return err
		}
		if !result.SessionStarted {
			_, err := fmt.Fprintln(command.OutOrStdout(), errMessageRegistrationQueue)
			return err
		}
		if result.NeedsProfileSetup {
			fmt.Fprintln(command.ErrOrStderr(), "profile setup pending; run followsync setup-profile")
		}
		return runtime.printer(command).session(application.Session.Snapshot())
	})
	return command
}

func newLogoutCommand(runtime *commandRuntime) *cobra.Command {
	command := &cobra.Command{
		Use:   "logout",
		Short: "End the session locally and remotely",
		Args:  cobra.NoArgs,
	}
	command.RunE = runtime.withApplication(func(ctx context.Context, command *cobra.Command, _ []string, application *app.App) error {
		if err := application.Session.Logout(ctx); err != nil {
			return err
		}
		return runtime.printer(command).session(application.Session.Snapshot())
	})
	return command
}

func newWhoAmICommand(runtime *commandRuntime) *cobra.Command {
	command := &cobra.Command{
		Use:   "whoami",
		Short: "Show the restored session",
		Args:  cobra.NoArgs,
	}
	command.RunE = runtime.withApplication(func(_ context.Context, command *cobra.Command, _ []string, application *app.App) error {
		application.Session.IsAuthenticated()
		return runtime.printer(command).session(application.Session.Snapshot())
	})
	return command
}

func newSetupProfileCommand(runtime *commandRuntime) *cobra.Command {
	var bio, avatarPath string
	var complete bool
	command := &cobra.Command{
		Use:   "setup-profile",
		Short: "Update the bio and avatar and mark profile setup complete",
		Args:  cobra.NoArgs,
	}
	command.Flags().StringVar(&bio, flagBioName, "", "Profile bio")
	command.Flags().StringVar(&avatarPath, flagAvatarName, "", "Path to an avatar image")
	command.Flags().BoolVar(&complete, flagCompleteName, true, "Mark profile setup complete")
	command.RunE = runtime.withApplication(func(ctx context.Context, command *cobra.Command, _ []string, application *app.App) error {
		if err := requireSession(application); err != nil {
			return err
		}
		update := gateway.ProfileUpdate{Bio: bio, ProfileSetupComplete: complete}
		if avatarPath != "" {
			avatarFile, err := os.Open(avatarPath)
			if err != nil {
				return fmt.Errorf("%s: %w", errMessageOpenAvatar, err)
			}
			defer avatarFile.Close()
			update.Avatar = avatarFile
			update.AvatarFileName = filepath.Base(avatarPath)
		}
		if _, err := application.Session.SetupProfile(ctx, update); err != nil {
			return err
		}
		return runtime.printer(command).session(application.Session.Snapshot())
	})
	return command
}

func newListCommand(runtime *commandRuntime, kind graph.ListKind) *cobra.Command {
	short := "List the followers of a profile, the viewer by default"
	if kind == graph.Following {
		short = "List the profiles a profile follows, the viewer by default"
	}
	var page, maxPages int
	var all bool
	command := &cobra.Command{
		Use:   kind.String() + " [profile-id]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
	}
	command.Flags().IntVar(&page, flagPageName, 1, "Page to load")
	command.Flags().BoolVar(&all, flagAllName, false, "Append every remaining page")
	command.Flags().IntVar(&maxPages, flagMaxListPagesName, defaultMaxListPages, "Page limit for --all")
	command.RunE = runtime.withApplication(func(ctx context.Context, command *cobra.Command, args []string, application *app.App) error {
		profileID, err := targetProfile(application, args)
		if err != nil {
			return err
		}
		if err := application.Graph.LoadList(ctx, kind, profileID, page, false); err != nil {
			return err
		}
		for loaded := 1; all && loaded < maxPages; loaded++ {
			more, err := application.Graph.LoadNext(ctx, kind, profileID)
			if err != nil {
				return err
			}
			if !more {
				break
			}
		}
		return runtime.printer(command).collection(application.Graph.Collection(kind, profileID))
	})
	return command
}

func newCountsCommand(runtime *commandRuntime) *cobra.Command {
	command := &cobra.Command{
		Use:   "counts [profile-id]",
		Short: "Show follower and following totals",
		Args:  cobra.MaximumNArgs(1),
	}
	command.RunE = runtime.withApplication(func(ctx context.Context, command *cobra.Command, args []string, application *app.App) error {
		profileID, err := targetProfile(application, args)
		if err != nil {
			return err
		}
		if err := application.Graph.Prime(ctx, profileID); err != nil {
			return err
		}
		return runtime.printer(command).counts(profileID, application.Graph.Counts(profileID))
	})
	return command
}

func newFollowCommand(runtime *commandRuntime, follow bool) *cobra.Command {
	use, short := "follow <profile-id>", "Follow a profile"
	if !follow {
		use, short = "unfollow <profile-id>", "Unfollow a profile"
	}
	command := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
	}
	command.RunE = runtime.withApplication(func(ctx context.Context, command *cobra.Command, args []string, application *app.App) error {
		if err := requireSession(application); err != nil {
			return err
		}
		targetID, err := parseProfileID(args[0])
		if err != nil {
			return err
		}
		viewerID := application.Graph.Viewer()
		if err := application.Graph.Prime(ctx, viewerID); err != nil {
			return err
		}
		if follow {
			err = application.Graph.FollowProfile(ctx, targetID)
		} else {
			err = application.Graph.UnfollowProfile(ctx, targetID)
		}
		if err != nil {
			return err
		}
		return runtime.printer(command).followState(targetID, application.Graph.IsFollowing(targetID), application.Graph.Counts(viewerID).FollowingTotal)
	})
	return command
}

func newInsightsCommand(runtime *commandRuntime) *cobra.Command {
	command := &cobra.Command{
		Use:   "insights [profile-id]",
		Short: "Classify a profile's relationships into friends, leaders and groupies",
		Args:  cobra.MaximumNArgs(1),
	}
	command.RunE = runtime.withApplication(func(ctx context.Context, command *cobra.Command, args []string, application *app.App) error {
		profileID, err := targetProfile(application, args)
		if err != nil {
			return err
		}
		relationships, err := application.Insights.Build(ctx, profileID)
		if err != nil {
			return err
		}
		return runtime.printer(command).relationships(relationships)
	})
	return command
}

func newCloneCommand(runtime *commandRuntime) *cobra.Command {
	command := &cobra.Command{
		Use:   "clone <source-profile-id>",
		Short: "Follow every profile the source follows, paced",
		Args:  cobra.ExactArgs(1),
	}
	command.Flags().Int(flagMaxFollowsName, 0, "Follow attempts per run; zero keeps the configured limit")
	command.Flags().Duration(flagBaseDelayName, 0, "Delay between follow attempts; zero keeps the configured delay")
	command.RunE = runtime.withApplication(func(ctx context.Context, command *cobra.Command, args []string, application *app.App) error {
		if err := requireSession(application); err != nil {
			return err
		}
		sourceID, err := parseProfileID(args[0])
		if err != nil {
			return err
		}
		cloner, err := runtime.overriddenCloner(command, application)
		if err != nil {
			return err
		}
		result, err := cloner.Run(ctx, sourceID, func(progress clone.Result) {
			application.Logger.Debug(logMessageCloneProgress,
				zap.Int(logFieldPlanned, progress.Planned),
				zap.Int(logFieldAttempted, progress.Attempted),
				zap.Int(logFieldFollowed, progress.Followed),
			)
		})
		if printErr := runtime.printer(command).cloneResult(result); printErr != nil {
			return printErr
		}
		return err
	})
	return command
}

// overriddenCloner returns the wired cloner, or a new one when the command flags
// override its limits.
func (runtime *commandRuntime) overriddenCloner(command *cobra.Command, application *app.App) (*clone.Cloner, error) {
	maxFollows, _ := command.Flags().GetInt(flagMaxFollowsName)
	baseDelay, _ := command.Flags().GetDuration(flagBaseDelayName)
	if maxFollows <= 0 && baseDelay <= 0 {
		return application.Cloner, nil
	}
	cloneConfig := application.Config.Clone
	if maxFollows > 0 {
		cloneConfig.MaxFollows = maxFollows
	}
	if baseDelay > 0 {
		cloneConfig.BaseDelay = baseDelay
	}
	return clone.NewCloner(clone.Config{
		Graph:          application.Graph,
		Logger:         application.Logger,
		Metrics:        application.Metrics,
		MaxFollows:     cloneConfig.MaxFollows,
		MaxSourcePages: cloneConfig.MaxSourcePages,
		Pacing: clone.PacingConfig{
			BaseDelay:       cloneConfig.BaseDelay,
			Jitter:          cloneConfig.Jitter,
			BurstSize:       cloneConfig.BurstSize,
			BurstRest:       cloneConfig.BurstRest,
			BurstRestJitter: cloneConfig.BurstRestJitter,
		},
	})
}

func requireSession(application *app.App) error {
	if !application.Session.IsAuthenticated() {
		return ErrNotLoggedIn
	}
	application.SyncViewer()
	return nil
}

// targetProfile resolves the optional profile argument, defaulting to the viewer.
func targetProfile(application *app.App, args []string) (int64, error) {
	if err := requireSession(application); err != nil {
		return 0, err
	}
	if len(args) == 0 {
		if viewerID := application.Graph.Viewer(); viewerID != 0 {
			return viewerID, nil
		}
		return 0, session.ErrNotAuthenticated
	}
	return parseProfileID(args[0])
}

func parseProfileID(raw string) (int64, error) {
	profileID, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || profileID <= 0 {
		return 0, fmt.Errorf("%s: %q", errMessageInvalidProfileID, raw)
	}
	return profileID, nil
}

func readLine(reader io.Reader) (string, error) {
	line, err := bufio.NewReader(reader).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
