package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/f-sync/followsync/internal/app"
	"github.com/f-sync/followsync/internal/config"
	"github.com/f-sync/followsync/internal/server"
)

const (
	serveCommandUse              = "serve"
	serveCommandShortDescription = "Serve the session and follow graph as a local JSON API"
	flagHostName                 = "host"
	flagHostDescription          = "Host interface for the HTTP server"
	flagPortName                 = "port"
	flagPortDescription          = "Port for the HTTP server"
	readHeaderTimeout            = 10 * time.Second
	shutdownTimeout              = 15 * time.Second
	errMessageListen             = "listen"
	errMessageServe              = "serve"
	errMessageShutdown           = "shutdown"
	logMessageStartingServer     = "starting HTTP server"
	logMessageStoppingServer     = "stopping HTTP server"
	logMessageServerStopped      = "server stopped"
	logFieldAddress              = "address"
)

func newServeCommand(runtime *commandRuntime) *cobra.Command {
	defaults := config.Default()
	command := &cobra.Command{
		Use:   serveCommandUse,
		Short: serveCommandShortDescription,
		Args:  cobra.NoArgs,
	}
	command.Flags().String(flagHostName, defaults.Server.Host, flagHostDescription)
	command.Flags().Int(flagPortName, defaults.Server.Port, flagPortDescription)
	bindFlagToViper(runtime.configViper, command, config.KeyServerHost, flagHostName)
	bindFlagToViper(runtime.configViper, command, config.KeyServerPort, flagPortName)

	command.RunE = runtime.withApplication(func(ctx context.Context, _ *cobra.Command, _ []string, application *app.App) error {
		return serve(ctx, application)
	})
	return command
}

// serve runs the API until ctx is cancelled, then drains in-flight requests and
// clone tasks.
func serve(ctx context.Context, application *app.App) error {
	tasks := server.NewTaskTracker()
	defer tasks.Shutdown()

	router, err := server.NewRouter(server.RouterConfig{
		Session:    application.Session,
		Graph:      application.Graph,
		Insights:   application.Insights,
		Cloner:     application.Cloner,
		Tasks:      tasks,
		SyncViewer: application.SyncViewer,
		Gatherer:   application.Registry,
		Logger:     application.Logger,
	})
	if err != nil {
		return err
	}

	address := application.Config.Server.Address()
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageListen, err)
	}
	httpServer := &http.Server{Handler: router, ReadHeaderTimeout: readHeaderTimeout}
	application.Logger.Info(logMessageStartingServer, zap.String(logFieldAddress, listener.Addr().String()))

	serveErrors := make(chan error, 1)
	go func() {
		serveErrors <- httpServer.Serve(listener)
	}()

	select {
	case serveErr := <-serveErrors:
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("%s: %w", errMessageServe, serveErr)
		}
		return nil
	case <-ctx.Done():
	}

	application.Logger.Info(logMessageStoppingServer)
	shutdownContext, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownContext); err != nil {
		return fmt.Errorf("%s: %w", errMessageShutdown, err)
	}
	<-serveErrors
	application.Logger.Info(logMessageServerStopped)
	return nil
}
