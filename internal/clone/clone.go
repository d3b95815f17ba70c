// Package clone copies another profile's following list onto the viewer, one paced
// follow at a time, through the social graph cache.
package clone

import (
	"context"
	"errors"
	"fmt"

	"github.com/f-sync/followsync/internal/apierr"
	"github.com/f-sync/followsync/internal/graph"
	"github.com/f-sync/followsync/internal/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultMaxFollows bounds the follows attempted by one run.
	DefaultMaxFollows = 350
	// DefaultMaxSourcePages bounds the pages of the source's following list read by one run.
	DefaultMaxSourcePages = 100

	errMessageNilGraph     = "graph cache cannot be nil"
	errMessageNoViewer     = "clone requires an authenticated viewer"
	errMessageSameProfile  = "cannot clone the viewer's own following list"
	errMessageLoadSource   = "load following of source profile"
	errMessageStopped      = "clone stopped"
	errMessageInvalidInput = "source profile id must be positive"

	logMessageFollowed    = "clone followed profile"
	logMessageSkipped     = "clone skipped profile"
	logMessageFollowError = "clone follow failed"
	logMessageStopped     = "clone stopped early"
	logMessageFinished    = "clone finished"
	logFieldSourceID      = "source_id"
	logFieldTargetID      = "target_id"
	logFieldAttempted     = "attempted"
	logFieldFollowed      = "followed"
	logFieldSkipped       = "skipped"
	logFieldFailed        = "failed"
)

var (
	// ErrNilGraph is returned when no graph cache is configured.
	ErrNilGraph = errors.New(errMessageNilGraph)
	// ErrNoViewer is returned when the graph cache has no viewer.
	ErrNoViewer = errors.New(errMessageNoViewer)
	// ErrSameProfile is returned when the source is the viewer.
	ErrSameProfile = errors.New(errMessageSameProfile)
	// ErrInvalidSource is returned for non-positive source ids.
	ErrInvalidSource = errors.New(errMessageInvalidInput)
)

// Graph is the subset of the social graph cache a clone run drives.
type Graph interface {
	Viewer() int64
	LoadNext(ctx context.Context, kind graph.ListKind, profileID int64) (bool, error)
	Collection(kind graph.ListKind, profileID int64) graph.Collection
	IsFollowing(targetID int64) bool
	FollowProfile(ctx context.Context, targetID int64) error
}

var _ Graph = (*graph.Cache)(nil)

// Config configures a Cloner.
type Config struct {
	Graph          Graph
	Logger         *zap.Logger
	Metrics        *metrics.Recorder
	Pacing         PacingConfig
	MaxFollows     int
	MaxSourcePages int
}

// TargetError records one failed follow.
type TargetError struct {
	TargetID int64  `json:"targetId"`
	Message  string `json:"message"`
}

// Result summarizes a clone run.
type Result struct {
	SourceID  int64         `json:"sourceId"`
	Planned   int           `json:"planned"`
	Attempted int           `json:"attempted"`
	Followed  int           `json:"followed"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Errors    []TargetError `json:"errors,omitempty"`
}

// ProgressFunc observes the result after each follow decision.
type ProgressFunc func(Result)

// Cloner runs clone operations.
type Cloner struct {
	graph          Graph
	logger         *zap.Logger
	metrics        *metrics.Recorder
	pacing         PacingConfig
	maxFollows     int
	maxSourcePages int
}

// NewCloner validates configuration and constructs a Cloner.
func NewCloner(configuration Config) (*Cloner, error) {
	if configuration.Graph == nil {
		return nil, ErrNilGraph
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxFollows := configuration.MaxFollows
	if maxFollows <= 0 {
		maxFollows = DefaultMaxFollows
	}
	maxSourcePages := configuration.MaxSourcePages
	if maxSourcePages <= 0 {
		maxSourcePages = DefaultMaxSourcePages
	}
	return &Cloner{
		graph:          configuration.Graph,
		logger:         logger,
		metrics:        configuration.Metrics,
		pacing:         configuration.Pacing,
		maxFollows:     maxFollows,
		maxSourcePages: maxSourcePages,
	}, nil
}

// Run follows every profile sourceID follows that the viewer does not follow yet.
// The viewer itself and already-followed profiles are skipped. A rejected session or
// a forbidden follow stops the run; other failures are recorded and the run goes on.
func (cloner *Cloner) Run(ctx context.Context, sourceID int64, progress ProgressFunc) (Result, error) {
	result := Result{SourceID: sourceID}
	if sourceID <= 0 {
		return result, ErrInvalidSource
	}
	viewerID := cloner.graph.Viewer()
	if viewerID == 0 {
		return result, ErrNoViewer
	}
	if viewerID == sourceID {
		return result, ErrSameProfile
	}

	if err := cloner.loadSource(ctx, sourceID); err != nil {
		return result, err
	}
	targets := cloner.graph.Collection(graph.Following, sourceID).Items
	result.Planned = len(targets)
	pacer := newFollowPacer(cloner.pacing)

	for _, target := range targets {
		if result.Attempted >= cloner.maxFollows {
			break
		}
		if target.ID == viewerID || cloner.graph.IsFollowing(target.ID) {
			result.Skipped++
			cloner.metrics.ObserveCloneFollow(metrics.OutcomeSkipped)
			cloner.logger.Debug(logMessageSkipped, zap.Int64(logFieldTargetID, target.ID))
			report(progress, result)
			continue
		}
		if result.Attempted > 0 {
			if err := pacer.pause(ctx); err != nil {
				return cloner.finish(result, fmt.Errorf("%s: %w", errMessageStopped, err))
			}
		}
		result.Attempted++

		followErr := cloner.graph.FollowProfile(ctx, target.ID)
		switch {
		case followErr == nil:
			result.Followed++
			cloner.metrics.ObserveCloneFollow(metrics.OutcomeSuccess)
			cloner.logger.Info(logMessageFollowed, zap.Int64(logFieldSourceID, sourceID), zap.Int64(logFieldTargetID, target.ID))
		case errors.Is(followErr, graph.ErrMutationInFlight):
			result.Skipped++
			cloner.metrics.ObserveCloneFollow(metrics.OutcomeSkipped)
		default:
			result.Failed++
			result.Errors = append(result.Errors, TargetError{TargetID: target.ID, Message: followErr.Error()})
			cloner.metrics.ObserveCloneFollow(metrics.OutcomeFailure)
			cloner.logger.Warn(logMessageFollowError, zap.Int64(logFieldTargetID, target.ID), zap.Error(followErr))
			if stopsRun(ctx, followErr) {
				report(progress, result)
				return cloner.finish(result, fmt.Errorf("%s: %w", errMessageStopped, followErr))
			}
		}
		report(progress, result)
	}
	return cloner.finish(result, nil)
}

func (cloner *Cloner) loadSource(ctx context.Context, sourceID int64) error {
	for pageIndex := 0; pageIndex < cloner.maxSourcePages; pageIndex++ {
		more, err := cloner.graph.LoadNext(ctx, graph.Following, sourceID)
		if err != nil {
			return fmt.Errorf("%s: %w", errMessageLoadSource, err)
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (cloner *Cloner) finish(result Result, runErr error) (Result, error) {
	fields := []zap.Field{
		zap.Int64(logFieldSourceID, result.SourceID),
		zap.Int(logFieldAttempted, result.Attempted),
		zap.Int(logFieldFollowed, result.Followed),
		zap.Int(logFieldSkipped, result.Skipped),
		zap.Int(logFieldFailed, result.Failed),
	}
	if runErr != nil {
		cloner.logger.Warn(logMessageStopped, append(fields, zap.Error(runErr))...)
		return result, runErr
	}
	cloner.logger.Info(logMessageFinished, fields...)
	return result, nil
}

// stopsRun reports whether a follow failure makes further attempts pointless.
func stopsRun(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	switch apierr.KindOf(err) {
	case apierr.KindUnauthorized, apierr.KindForbidden:
		return true
	}
	return errors.Is(err, graph.ErrNoViewer)
}

func report(progress ProgressFunc, result Result) {
	if progress == nil {
		return
	}
	snapshot := result
	snapshot.Errors = append([]TargetError(nil), result.Errors...)
	progress(snapshot)
}
