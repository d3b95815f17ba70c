// Package server exposes the session manager and the social graph cache as a local
// JSON API served with gin.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/f-sync/followsync/internal/apierr"
	"github.com/f-sync/followsync/internal/clone"
	"github.com/f-sync/followsync/internal/gateway"
	"github.com/f-sync/followsync/internal/graph"
	"github.com/f-sync/followsync/internal/insights"
	"github.com/f-sync/followsync/internal/metrics"
	"github.com/f-sync/followsync/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	healthRoutePath      = "/healthz"
	metricsRoutePath     = "/metrics"
	apiGroupPath         = "/api"
	sessionRoutePath     = "/session"
	loginRoutePath       = "/session/login"
	registerRoutePath    = "/session/register"
	followersRoutePath   = "/profiles/:id/followers"
	followingRoutePath   = "/profiles/:id/following"
	countsRoutePath      = "/profiles/:id/counts"
	insightsRoutePath    = "/profiles/:id/insights"
	followRoutePath      = "/follow/:id"
	cloneRoutePath       = "/clone"
	cloneTaskRoutePath   = "/clone/:taskId"
	pathParameterID      = "id"
	pathParameterTaskID  = "taskId"
	queryParameterPage   = "page"
	queryParameterAppend = "append"
	healthStatusKey      = "status"
	healthStatusOK       = "ok"
	responseKeyError     = "error"
	ginModeRelease       = "release"

	errorMessageInvalidID       = "profile id must be a positive integer"
	errorMessageInvalidBody     = "request body is invalid"
	errorMessageNotAuthorized   = "not authenticated"
	errorMessageTaskNotFound    = "clone task not found"
	errorMessageCloneDisabled   = "clone is not configured"
	errorMessageInsightsMissing = "insights are not configured"
	errorMessageInternal        = "internal error"

	logMessageRequestFailed = "request failed"
	logFieldRoute           = "route"
)

// SessionService is the session surface the router drives.
type SessionService interface {
	Snapshot() session.Snapshot
	Login(ctx context.Context, credentials gateway.Credentials) error
	Register(ctx context.Context, registration gateway.Registration) (session.RegisterResult, error)
	Logout(ctx context.Context) error
	IsAuthenticated() bool
}

// GraphService is the graph surface the router drives.
type GraphService interface {
	Viewer() int64
	LoadList(ctx context.Context, kind graph.ListKind, profileID int64, page int, appendPage bool) error
	Collection(kind graph.ListKind, profileID int64) graph.Collection
	LoadFollowersCount(ctx context.Context, profileID int64) error
	LoadFollowingCount(ctx context.Context, profileID int64) error
	Counts(profileID int64) graph.Counts
	FollowProfile(ctx context.Context, targetID int64) error
	UnfollowProfile(ctx context.Context, targetID int64) error
	IsFollowing(targetID int64) bool
	IsLoadingFollow(targetID int64) bool
	IsLoadingUnfollow(targetID int64) bool
}

// InsightsService builds relationship insights.
type InsightsService interface {
	Build(ctx context.Context, profileID int64) (insights.Relationships, error)
}

// CloneService runs clone operations.
type CloneService interface {
	Run(ctx context.Context, sourceID int64, progress clone.ProgressFunc) (clone.Result, error)
}

var (
	_ SessionService  = (*session.Manager)(nil)
	_ GraphService    = (*graph.Cache)(nil)
	_ InsightsService = (*insights.Builder)(nil)
	_ CloneService    = (*clone.Cloner)(nil)
)

// RouterConfig configures the HTTP routing.
type RouterConfig struct {
	Session  SessionService
	Graph    GraphService
	Insights InsightsService
	Cloner   CloneService
	Tasks    *TaskTracker
	// SyncViewer is called after every session change so the graph follows the session.
	SyncViewer func()
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

// ErrMissingDependency is returned when the session or graph service is absent.
var ErrMissingDependency = errors.New("router requires session and graph services")

// NewRouter constructs a gin engine serving the session, graph, insights and clone routes.
func NewRouter(configuration RouterConfig) (*gin.Engine, error) {
	if configuration.Session == nil || configuration.Graph == nil {
		return nil, ErrMissingDependency
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tasks := configuration.Tasks
	if tasks == nil {
		tasks = NewTaskTracker()
	}
	syncViewer := configuration.SyncViewer
	if syncViewer == nil {
		syncViewer = func() {}
	}
	gatherer := configuration.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(ginModeRelease)
	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := apiHandler{
		session:    configuration.Session,
		graph:      configuration.Graph,
		insights:   configuration.Insights,
		cloner:     configuration.Cloner,
		tasks:      tasks,
		syncViewer: syncViewer,
		logger:     logger,
	}

	engine.GET(healthRoutePath, handler.healthStatus)
	engine.GET(metricsRoutePath, gin.WrapH(metrics.Handler(gatherer)))

	api := engine.Group(apiGroupPath)
	api.GET(sessionRoutePath, handler.sessionState)
	api.POST(loginRoutePath, handler.login)
	api.POST(registerRoutePath, handler.register)
	api.DELETE(sessionRoutePath, handler.logout)

	authenticated := api.Group("", handler.requireSession)
	authenticated.GET(followersRoutePath, handler.listCollection(graph.Followers))
	authenticated.GET(followingRoutePath, handler.listCollection(graph.Following))
	authenticated.GET(countsRoutePath, handler.counts)
	authenticated.GET(insightsRoutePath, handler.relationshipInsights)
	authenticated.POST(followRoutePath, handler.follow)
	authenticated.DELETE(followRoutePath, handler.unfollow)
	authenticated.POST(cloneRoutePath, handler.startClone)
	authenticated.GET(cloneTaskRoutePath, handler.cloneTask)

	return engine, nil
}

type apiHandler struct {
	session    SessionService
	graph      GraphService
	insights   InsightsService
	cloner     CloneService
	tasks      *TaskTracker
	syncViewer func()
	logger     *zap.Logger
}

type followState struct {
	TargetID        int64 `json:"targetId"`
	Following       bool  `json:"following"`
	FollowLoading   bool  `json:"followLoading"`
	UnfollowLoading bool  `json:"unfollowLoading"`
	FollowingTotal  int   `json:"followingTotal"`
}

type registerResponse struct {
	SessionStarted    bool             `json:"sessionStarted"`
	NeedsProfileSetup bool             `json:"needsProfileSetup"`
	Session           session.Snapshot `json:"session"`
}

type cloneRequest struct {
	SourceID int64 `json:"sourceId" binding:"required,gt=0"`
}

func (handler apiHandler) healthStatus(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, map[string]string{healthStatusKey: healthStatusOK})
}

func (handler apiHandler) sessionState(ginContext *gin.Context) {
	// expires a stale token before the snapshot is taken
	handler.session.IsAuthenticated()
	handler.syncViewer()
	ginContext.JSON(http.StatusOK, handler.session.Snapshot())
}

func (handler apiHandler) login(ginContext *gin.Context) {
	var credentials gateway.Credentials
	if err := ginContext.ShouldBindJSON(&credentials); err != nil {
		respondError(ginContext, http.StatusBadRequest, errorMessageInvalidBody)
		return
	}
	if err := handler.session.Login(ginContext.Request.Context(), credentials); err != nil {
		handler.fail(ginContext, loginRoutePath, err)
		return
	}
	handler.syncViewer()
	ginContext.JSON(http.StatusOK, handler.session.Snapshot())
}

func (handler apiHandler) register(ginContext *gin.Context) {
	var registration gateway.Registration
	if err := ginContext.ShouldBindJSON(&registration); err != nil {
		respondError(ginContext, http.StatusBadRequest, errorMessageInvalidBody)
		return
	}
	result, err := handler.session.Register(ginContext.Request.Context(), registration)
	if err != nil {
		handler.fail(ginContext, registerRoutePath, err)
		return
	}
	handler.syncViewer()
	status := http.StatusCreated
	if !result.SessionStarted {
		status = http.StatusAccepted
	}
	ginContext.JSON(status, registerResponse{
		SessionStarted:    result.SessionStarted,
		NeedsProfileSetup: result.NeedsProfileSetup,
		Session:           handler.session.Snapshot(),
	})
}

func (handler apiHandler) logout(ginContext *gin.Context) {
	if err := handler.session.Logout(ginContext.Request.Context()); err != nil {
		handler.fail(ginContext, sessionRoutePath, err)
		return
	}
	handler.syncViewer()
	ginContext.JSON(http.StatusOK, handler.session.Snapshot())
}

func (handler apiHandler) requireSession(ginContext *gin.Context) {
	if !handler.session.IsAuthenticated() {
		handler.syncViewer()
		respondError(ginContext, http.StatusUnauthorized, errorMessageNotAuthorized)
		return
	}
	handler.syncViewer()
	ginContext.Next()
}

func (handler apiHandler) listCollection(kind graph.ListKind) gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		profileID, ok := profileIDParameter(ginContext)
		if !ok {
			return
		}
		page, err := strconv.Atoi(ginContext.DefaultQuery(queryParameterPage, "1"))
		if err != nil || page < 1 {
			page = 1
		}
		appendPage := ginContext.Query(queryParameterAppend) == "true"
		if err := handler.graph.LoadList(ginContext.Request.Context(), kind, profileID, page, appendPage); err != nil {
			handler.fail(ginContext, kind.String(), err)
			return
		}
		ginContext.JSON(http.StatusOK, handler.graph.Collection(kind, profileID))
	}
}

func (handler apiHandler) counts(ginContext *gin.Context) {
	profileID, ok := profileIDParameter(ginContext)
	if !ok {
		return
	}
	group, groupContext := errgroup.WithContext(ginContext.Request.Context())
	group.Go(func() error { return handler.graph.LoadFollowersCount(groupContext, profileID) })
	group.Go(func() error { return handler.graph.LoadFollowingCount(groupContext, profileID) })
	if err := group.Wait(); err != nil {
		handler.fail(ginContext, countsRoutePath, err)
		return
	}
	ginContext.JSON(http.StatusOK, handler.graph.Counts(profileID))
}

func (handler apiHandler) relationshipInsights(ginContext *gin.Context) {
	if handler.insights == nil {
		respondError(ginContext, http.StatusNotImplemented, errorMessageInsightsMissing)
		return
	}
	profileID, ok := profileIDParameter(ginContext)
	if !ok {
		return
	}
	relationships, err := handler.insights.Build(ginContext.Request.Context(), profileID)
	if err != nil {
		handler.fail(ginContext, insightsRoutePath, err)
		return
	}
	ginContext.JSON(http.StatusOK, relationships)
}

func (handler apiHandler) follow(ginContext *gin.Context) {
	handler.mutate(ginContext, handler.graph.FollowProfile)
}

func (handler apiHandler) unfollow(ginContext *gin.Context) {
	handler.mutate(ginContext, handler.graph.UnfollowProfile)
}

func (handler apiHandler) mutate(ginContext *gin.Context, operation func(ctx context.Context, targetID int64) error) {
	targetID, ok := profileIDParameter(ginContext)
	if !ok {
		return
	}
	if err := operation(ginContext.Request.Context(), targetID); err != nil {
		handler.fail(ginContext, followRoutePath, err)
		return
	}
	ginContext.JSON(http.StatusOK, handler.followState(targetID))
}

func (handler apiHandler) followState(targetID int64) followState {
	return followState{
		TargetID:        targetID,
		Following:       handler.graph.IsFollowing(targetID),
		FollowLoading:   handler.graph.IsLoadingFollow(targetID),
		UnfollowLoading: handler.graph.IsLoadingUnfollow(targetID),
		FollowingTotal:  handler.graph.Counts(handler.graph.Viewer()).FollowingTotal,
	}
}

func (handler apiHandler) startClone(ginContext *gin.Context) {
	if handler.cloner == nil {
		respondError(ginContext, http.StatusNotImplemented, errorMessageCloneDisabled)
		return
	}
	var request cloneRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		respondError(ginContext, http.StatusBadRequest, errorMessageInvalidBody)
		return
	}
	snapshot := handler.tasks.Launch(request.SourceID, func(ctx context.Context, progress clone.ProgressFunc) (clone.Result, error) {
		return handler.cloner.Run(ctx, request.SourceID, progress)
	})
	ginContext.JSON(http.StatusAccepted, snapshot)
}

func (handler apiHandler) cloneTask(ginContext *gin.Context) {
	snapshot, exists := handler.tasks.TaskSnapshot(ginContext.Param(pathParameterTaskID))
	if !exists {
		respondError(ginContext, http.StatusNotFound, errorMessageTaskNotFound)
		return
	}
	ginContext.JSON(http.StatusOK, snapshot)
}

func (handler apiHandler) fail(ginContext *gin.Context, route string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Warn(logMessageRequestFailed, zap.String(logFieldRoute, route), zap.Error(err))
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = errorMessageInternal
	}
	respondError(ginContext, status, message)
}

// statusForError maps domain and remote failures onto the status this API answers with.
func statusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrNotAuthenticated), errors.Is(err, graph.ErrNoViewer):
		return http.StatusUnauthorized
	case errors.Is(err, graph.ErrMutationInFlight):
		return http.StatusConflict
	case errors.Is(err, graph.ErrInvalidProfileID), errors.Is(err, graph.ErrSelfFollow), errors.Is(err, gateway.ErrInvalidProfileID):
		return http.StatusBadRequest
	case errors.Is(err, clone.ErrSameProfile), errors.Is(err, clone.ErrInvalidSource):
		return http.StatusBadRequest
	}
	switch apierr.KindOf(err) {
	case apierr.KindValidation:
		return http.StatusBadRequest
	case apierr.KindUnauthorized:
		return http.StatusUnauthorized
	case apierr.KindForbidden:
		return http.StatusForbidden
	case apierr.KindNotFound:
		return http.StatusNotFound
	case apierr.KindConflict:
		return http.StatusConflict
	case apierr.KindRateLimited:
		return http.StatusTooManyRequests
	case apierr.KindTransport, apierr.KindServer, apierr.KindDecode:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func profileIDParameter(ginContext *gin.Context) (int64, bool) {
	profileID, err := strconv.ParseInt(ginContext.Param(pathParameterID), 10, 64)
	if err != nil || profileID <= 0 {
		respondError(ginContext, http.StatusBadRequest, errorMessageInvalidID)
		return 0, false
	}
	return profileID, true
}

func respondError(ginContext *gin.Context, status int, message string) {
	ginContext.AbortWithStatusJSON(status, gin.H{responseKeyError: message})
}
