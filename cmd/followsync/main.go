package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/f-sync/followsync/internal/app"
	"github.com/f-sync/followsync/internal/config"
	"github.com/f-sync/followsync/internal/graph"
)

const (
	commandUse              = "followsync"
	commandShortDescription = "Manage a follow-graph session from the command line"

	flagConfigName              = "config"
	flagConfigDescription       = "Path to a YAML, JSON or TOML config file"
	flagAPIBaseURLName          = "api-base-url"
	flagAPIBaseURLDescription   = "Base URL of the remote API"
	flagRequestTimeoutName      = "request-timeout"
	flagRequestTimeoutDesc      = "Timeout of one remote request"
	flagMaxRetriesName          = "max-retries"
	flagMaxRetriesDescription   = "Retries for idempotent requests"
	flagPageSizeName            = "page-size"
	flagPageSizeDescription     = "Page size of follower and following lists"
	flagDebugName               = "debug"
	flagDebugDescription        = "Enable development logging"
	flagStoreBackendName        = "store-backend"
	flagStoreBackendDescription = "Session store backend: memory, file, sqlite or redis"
	flagStorePathName           = "store-path"
	flagStorePathDescription    = "Session file or database path"
	flagRedisAddressName        = "redis-address"
	flagRedisAddressDescription = "Redis address for the redis backend"
	flagOutputName              = "output"
	flagOutputShorthand         = "o"
	flagOutputDescription       = "Output format: text, json or csv"

	errMessageLoadConfig   = "load configuration"
	errMessageCreateLogger = "create logger"
	errMessageStartApp     = "start application"
)

// commandDependencies carries the process surfaces a command touches, so tests can
// replace them.
type commandDependencies struct {
	Stdout     io.Writer
	Stderr     io.Writer
	Stdin      io.Reader
	Logger     *zap.Logger
	HTTPClient *http.Client
}

func main() {
	applicationContext, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCommand := newRootCommand(commandDependencies{Stdout: os.Stdout, Stderr: os.Stderr, Stdin: os.Stdin})
	if err := rootCommand.ExecuteContext(applicationContext); err != nil {
		os.Exit(1)
	}
}

// commandRuntime is shared by every subcommand of one root command.
type commandRuntime struct {
	dependencies commandDependencies
	configViper  *viper.Viper
	format       outputFormat
}

func newRootCommand(dependencies commandDependencies) *cobra.Command {
	runtime := &commandRuntime{dependencies: dependencies, configViper: config.NewViper()}
	defaults := config.Default()

	command := &cobra.Command{
		Use:          commandUse,
		Short:        commandShortDescription,
		SilenceUsage: true,
	}
	command.SetOut(dependencies.Stdout)
	command.SetErr(dependencies.Stderr)
	if dependencies.Stdin != nil {
		command.SetIn(dependencies.Stdin)
	}

	flags := command.PersistentFlags()
	flags.String(flagConfigName, "", flagConfigDescription)
	flags.String(flagAPIBaseURLName, defaults.APIBaseURL, flagAPIBaseURLDescription)
	flags.Duration(flagRequestTimeoutName, defaults.RequestTimeout, flagRequestTimeoutDesc)
	flags.Int(flagMaxRetriesName, defaults.MaxRetries, flagMaxRetriesDescription)
	flags.Int(flagPageSizeName, defaults.PageSize, flagPageSizeDescription)
	flags.Bool(flagDebugName, defaults.Debug, flagDebugDescription)
	flags.String(flagStoreBackendName, defaults.Store.Backend, flagStoreBackendDescription)
	flags.String(flagStorePathName, defaults.Store.Path, flagStorePathDescription)
	flags.String(flagRedisAddressName, defaults.Store.RedisAddress, flagRedisAddressDescription)
	flags.VarP(&runtime.format, flagOutputName, flagOutputShorthand, flagOutputDescription)

	bindFlagToViper(runtime.configViper, command, config.KeyConfigFile, flagConfigName)
	bindFlagToViper(runtime.configViper, command, config.KeyAPIBaseURL, flagAPIBaseURLName)
	bindFlagToViper(runtime.configViper, command, config.KeyRequestTimeout, flagRequestTimeoutName)
	bindFlagToViper(runtime.configViper, command, config.KeyMaxRetries, flagMaxRetriesName)
	bindFlagToViper(runtime.configViper, command, config.KeyPageSize, flagPageSizeName)
	bindFlagToViper(runtime.configViper, command, config.KeyDebug, flagDebugName)
	bindFlagToViper(runtime.configViper, command, config.KeyStoreBackend, flagStoreBackendName)
	bindFlagToViper(runtime.configViper, command, config.KeyStorePath, flagStorePathName)
	bindFlagToViper(runtime.configViper, command, config.KeyStoreRedisAddress, flagRedisAddressName)

	command.AddCommand(
		newLoginCommand(runtime),
		newRegisterCommand(runtime),
		newLogoutCommand(runtime),
		newWhoAmICommand(runtime),
		newSetupProfileCommand(runtime),
		newListCommand(runtime, graph.Followers),
		newListCommand(runtime, graph.Following),
		newCountsCommand(runtime),
		newFollowCommand(runtime, true),
		newFollowCommand(runtime, false),
		newInsightsCommand(runtime),
		newCloneCommand(runtime),
		newServeCommand(runtime),
	)
	return command
}

func bindFlagToViper(configViper *viper.Viper, command *cobra.Command, key string, flagName string) {
	flag := command.PersistentFlags().Lookup(flagName)
	if flag == nil {
		flag = command.Flags().Lookup(flagName)
	}
	cobra.CheckErr(configViper.BindPFlag(key, flag))
}

// withApplication loads the configuration, wires the application, restores the
// persisted session and runs action before releasing everything.
func (runtime *commandRuntime) withApplication(action func(ctx context.Context, command *cobra.Command, args []string, application *app.App) error) func(*cobra.Command, []string) error {
	return func(command *cobra.Command, args []string) error {
		configuration, err := config.Load(runtime.configViper)
		if err != nil {
			return fmt.Errorf("%s: %w", errMessageLoadConfig, err)
		}
		logger := runtime.dependencies.Logger
		if logger == nil {
			logger, err = app.NewLogger(configuration.Debug)
			if err != nil {
				return fmt.Errorf("%s: %w", errMessageCreateLogger, err)
			}
			defer func() {
				_ = logger.Sync()
			}()
		}

		ctx := command.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		application, err := app.New(ctx, configuration, app.Options{Logger: logger, HTTPClient: runtime.dependencies.HTTPClient})
		if err != nil {
			return fmt.Errorf("%s: %w", errMessageStartApp, err)
		}
		defer func() {
			if closeErr := application.Close(); closeErr != nil {
				logger.Warn(logMessageCloseFailed, zap.Error(closeErr))
			}
		}()
		application.Start(ctx)
		return action(ctx, command, args, application)
	}
}

func (runtime *commandRuntime) printer(command *cobra.Command) printer {
	return printer{writer: command.OutOrStdout(), format: runtime.format}
}
