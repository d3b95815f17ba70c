// Package fakeapi is an in-memory rendition of the remote follow API, served with gin
// for tests and local development.
package fakeapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/f-sync/followsync/internal/profile"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	bearerPrefix       = "Bearer "
	defaultPageLimit   = 10
	ginModeRelease     = "release"
	contextKeyViewerID = "viewerID"

	messageInvalidCredentials = "Invalid credentials"
	messageUnauthorized       = "Unauthorized"
	messageUserExists         = "Username or email already in use"
	messageMissingFields      = "All fields are required"
	messageNotFound           = "Profile not found"
	messageAlreadyFollowing   = "Already following this profile"
	messageNotFollowing       = "Not following this profile"
	messageSelfFollow         = "You cannot follow yourself"
	messageInvalidID          = "Invalid profile id"
	messageForcedFailure      = "forced failure"
)

type account struct {
	profile  profile.Profile
	password string
}

type edge struct {
	followerID int64
	followeeID int64
}

// Server is a fake remote API. All methods are safe for concurrent use.
type Server struct {
	mutex        sync.Mutex
	accounts     map[int64]*account
	tokens       map[string]int64
	edges        []edge
	nextID       int64
	failures     map[string][]int
	requests     map[string]int
	issueNoToken bool
	engine       *gin.Engine
}

// New constructs an empty Server.
func New() *Server {
	server := &Server{
		accounts: make(map[int64]*account),
		tokens:   make(map[string]int64),
		failures: make(map[string][]int),
		requests: make(map[string]int),
	}
	gin.SetMode(ginModeRelease)
	engine := gin.New()
	engine.Use(gin.Recovery(), server.countRequests, server.injectFailures)

	engine.POST("/auth/login", server.login)
	engine.POST("/auth/register", server.register)
	engine.POST("/auth/logout", server.authenticate, server.logout)
	engine.GET("/profile/me", server.authenticate, server.me)
	engine.PUT("/profile/me", server.authenticate, server.updateMe)
	engine.GET("/follow/:id/followers", server.authenticate, server.followers)
	engine.GET("/follow/:id/following", server.authenticate, server.following)
	engine.GET("/follow/:id/followers-count", server.authenticate, server.followersCount)
	engine.GET("/follow/:id/following-count", server.authenticate, server.followingCount)
	engine.POST("/follow/:id", server.authenticate, server.follow)
	engine.DELETE("/follow/:id", server.authenticate, server.unfollow)
	server.engine = engine
	return server
}

// Handler returns the HTTP handler serving the API.
func (server *Server) Handler() http.Handler {
	return server.engine
}

// AddUser registers an account and returns its profile.
func (server *Server) AddUser(username string, email string, password string, name string) profile.Profile {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	return server.addUserLocked(username, email, password, name, true)
}

// IssueToken returns a fresh token for userID.
func (server *Server) IssueToken(userID int64) string {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	return server.issueTokenLocked(userID)
}

// RevokeTokens invalidates every token of userID.
func (server *Server) RevokeTokens(userID int64) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	for token, owner := range server.tokens {
		if owner == userID {
			delete(server.tokens, token)
		}
	}
}

// SetFollow records followerID following followeeID.
func (server *Server) SetFollow(followerID int64, followeeID int64) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	if server.indexOfEdgeLocked(followerID, followeeID) < 0 {
		server.edges = append(server.edges, edge{followerID: followerID, followeeID: followeeID})
	}
}

// Follows reports whether followerID follows followeeID.
func (server *Server) Follows(followerID int64, followeeID int64) bool {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	return server.indexOfEdgeLocked(followerID, followeeID) >= 0
}

// FailNext makes the next requests matching method and path answer with the given
// statuses, one status per request.
func (server *Server) FailNext(method string, path string, statuses ...int) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	key := method + " " + path
	server.failures[key] = append(server.failures[key], statuses...)
}

// RegisterWithoutToken makes register succeed without issuing a session token.
func (server *Server) RegisterWithoutToken(enabled bool) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.issueNoToken = enabled
}

// Requests returns how many requests matched method and path.
func (server *Server) Requests(method string, path string) int {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	return server.requests[method+" "+path]
}

func (server *Server) countRequests(ginContext *gin.Context) {
	server.mutex.Lock()
	server.requests[ginContext.Request.Method+" "+ginContext.Request.URL.Path]++
	server.mutex.Unlock()
	ginContext.Next()
}

func (server *Server) injectFailures(ginContext *gin.Context) {
	key := ginContext.Request.Method + " " + ginContext.Request.URL.Path
	server.mutex.Lock()
	statuses := server.failures[key]
	status := 0
	if len(statuses) > 0 {
		status = statuses[0]
		server.failures[key] = statuses[1:]
	}
	server.mutex.Unlock()
	if status != 0 {
		fail(ginContext, status, messageForcedFailure)
		return
	}
	ginContext.Next()
}

func (server *Server) authenticate(ginContext *gin.Context) {
	header := ginContext.GetHeader("Authorization")
	token := strings.TrimPrefix(header, bearerPrefix)
	server.mutex.Lock()
	viewerID, ok := server.tokens[token]
	server.mutex.Unlock()
	if !strings.HasPrefix(header, bearerPrefix) || !ok {
		fail(ginContext, http.StatusUnauthorized, messageUnauthorized)
		return
	}
	ginContext.Set(contextKeyViewerID, viewerID)
	ginContext.Next()
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (server *Server) login(ginContext *gin.Context) {
	var request loginRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		fail(ginContext, http.StatusBadRequest, err.Error())
		return
	}
	server.mutex.Lock()
	defer server.mutex.Unlock()
	for _, candidate := range server.accounts {
		matchesIdentifier := candidate.profile.Username == request.Identifier || candidate.profile.Email == request.Identifier
		if matchesIdentifier && candidate.password == request.Password {
			token := server.issueTokenLocked(candidate.profile.ID)
			succeed(ginContext, http.StatusOK, gin.H{"token": token})
			return
		}
	}
	fail(ginContext, http.StatusUnauthorized, messageInvalidCredentials)
}

type registerRequest struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (server *Server) register(ginContext *gin.Context) {
	var request registerRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		fail(ginContext, http.StatusBadRequest, err.Error())
		return
	}
	if request.Username == "" || request.Email == "" || request.Password == "" {
		fail(ginContext, http.StatusBadRequest, messageMissingFields)
		return
	}
	server.mutex.Lock()
	defer server.mutex.Unlock()
	for _, existing := range server.accounts {
		if existing.profile.Username == request.Username || existing.profile.Email == request.Email {
			fail(ginContext, http.StatusConflict, messageUserExists)
			return
		}
	}
	created := server.addUserLocked(request.Username, request.Email, request.Password, request.Name, false)
	if server.issueNoToken {
		succeed(ginContext, http.StatusCreated, gin.H{})
		return
	}
	token := server.issueTokenLocked(created.ID)
	succeed(ginContext, http.StatusCreated, gin.H{"token": token, "profile": created})
}

func (server *Server) logout(ginContext *gin.Context) {
	token := strings.TrimPrefix(ginContext.GetHeader("Authorization"), bearerPrefix)
	server.mutex.Lock()
	delete(server.tokens, token)
	server.mutex.Unlock()
	succeed(ginContext, http.StatusOK, gin.H{})
}

func (server *Server) me(ginContext *gin.Context) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	succeed(ginContext, http.StatusOK, server.accounts[ginContext.GetInt64(contextKeyViewerID)].profile)
}

func (server *Server) updateMe(ginContext *gin.Context) {
	viewerID := ginContext.GetInt64(contextKeyViewerID)
	bio := ginContext.PostForm("bio")
	setupDone, _ := strconv.ParseBool(ginContext.PostForm("profileSetupDone"))
	var avatar string
	if fileHeader, err := ginContext.FormFile("avatar"); err == nil {
		file, openErr := fileHeader.Open()
		if openErr != nil {
			fail(ginContext, http.StatusBadRequest, openErr.Error())
			return
		}
		content, readErr := io.ReadAll(file)
		_ = file.Close()
		if readErr != nil {
			fail(ginContext, http.StatusBadRequest, readErr.Error())
			return
		}
		avatar = fmt.Sprintf("data:image;bytes=%d", len(content))
	}

	server.mutex.Lock()
	defer server.mutex.Unlock()
	current := server.accounts[viewerID]
	current.profile.Bio = bio
	current.profile.ProfileSetupComplete = setupDone
	if avatar != "" {
		current.profile.Avatar = avatar
	}
	current.profile.UpdatedAt = time.Now().UTC()
	succeed(ginContext, http.StatusOK, current.profile)
}

func (server *Server) followers(ginContext *gin.Context) {
	server.list(ginContext, "followers", func(candidate edge, profileID int64) (int64, bool) {
		return candidate.followerID, candidate.followeeID == profileID
	})
}

func (server *Server) following(ginContext *gin.Context) {
	server.list(ginContext, "followings", func(candidate edge, profileID int64) (int64, bool) {
		return candidate.followeeID, candidate.followerID == profileID
	})
}

func (server *Server) list(ginContext *gin.Context, field string, selectEdge func(candidate edge, profileID int64) (int64, bool)) {
	profileID, ok := profileParameter(ginContext)
	if !ok {
		return
	}
	page := queryInt(ginContext, "page", 1)
	limit := queryInt(ginContext, "limit", defaultPageLimit)

	server.mutex.Lock()
	defer server.mutex.Unlock()
	if _, exists := server.accounts[profileID]; !exists {
		fail(ginContext, http.StatusNotFound, messageNotFound)
		return
	}
	summaries := []profile.Summary{}
	for _, candidate := range server.edges {
		if relatedID, matches := selectEdge(candidate, profileID); matches {
			summaries = append(summaries, server.accounts[relatedID].profile.Public())
		}
	}
	total := len(summaries)
	totalPages := (total + limit - 1) / limit
	start := (page - 1) * limit
	pageItems := []profile.Summary{}
	if start < total {
		end := start + limit
		if end > total {
			end = total
		}
		pageItems = summaries[start:end]
	}
	succeed(ginContext, http.StatusOK, gin.H{
		field:         pageItems,
		"total":       total,
		"totalPages":  totalPages,
		"currentPage": page,
	})
}

func (server *Server) followersCount(ginContext *gin.Context) {
	server.count(ginContext, "followersTotal", func(candidate edge, profileID int64) bool { return candidate.followeeID == profileID })
}

func (server *Server) followingCount(ginContext *gin.Context) {
	server.count(ginContext, "followingTotal", func(candidate edge, profileID int64) bool { return candidate.followerID == profileID })
}

func (server *Server) count(ginContext *gin.Context, field string, matches func(candidate edge, profileID int64) bool) {
	profileID, ok := profileParameter(ginContext)
	if !ok {
		return
	}
	server.mutex.Lock()
	defer server.mutex.Unlock()
	total := 0
	for _, candidate := range server.edges {
		if matches(candidate, profileID) {
			total++
		}
	}
	succeed(ginContext, http.StatusOK, gin.H{field: total})
}

func (server *Server) follow(ginContext *gin.Context) {
	targetID, ok := profileParameter(ginContext)
	if !ok {
		return
	}
	viewerID := ginContext.GetInt64(contextKeyViewerID)
	server.mutex.Lock()
	defer server.mutex.Unlock()
	switch {
	case targetID == viewerID:
		fail(ginContext, http.StatusBadRequest, messageSelfFollow)
	case server.accounts[targetID] == nil:
		fail(ginContext, http.StatusNotFound, messageNotFound)
	case server.indexOfEdgeLocked(viewerID, targetID) >= 0:
		fail(ginContext, http.StatusConflict, messageAlreadyFollowing)
	default:
		server.edges = append(server.edges, edge{followerID: viewerID, followeeID: targetID})
		succeed(ginContext, http.StatusCreated, gin.H{})
	}
}

func (server *Server) unfollow(ginContext *gin.Context) {
	targetID, ok := profileParameter(ginContext)
	if !ok {
		return
	}
	viewerID := ginContext.GetInt64(contextKeyViewerID)
	server.mutex.Lock()
	defer server.mutex.Unlock()
	index := server.indexOfEdgeLocked(viewerID, targetID)
	if index < 0 {
		fail(ginContext, http.StatusNotFound, messageNotFollowing)
		return
	}
	server.edges = append(server.edges[:index], server.edges[index+1:]...)
	succeed(ginContext, http.StatusOK, gin.H{})
}

func (server *Server) addUserLocked(username string, email string, password string, name string, setupDone bool) profile.Profile {
	server.nextID++
	now := time.Now().UTC().Truncate(time.Second)
	created := profile.Profile{
		ID:                   server.nextID,
		Username:             username,
		Email:                email,
		Name:                 name,
		ProfileSetupComplete: setupDone,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	server.accounts[created.ID] = &account{profile: created, password: password}
	return created
}

func (server *Server) issueTokenLocked(userID int64) string {
	token := uuid.NewString()
	server.tokens[token] = userID
	return token
}

func (server *Server) indexOfEdgeLocked(followerID int64, followeeID int64) int {
	for index, candidate := range server.edges {
		if candidate.followerID == followerID && candidate.followeeID == followeeID {
			return index
		}
	}
	return -1
}

func profileParameter(ginContext *gin.Context) (int64, bool) {
	profileID, err := strconv.ParseInt(ginContext.Param("id"), 10, 64)
	if err != nil || profileID <= 0 {
		fail(ginContext, http.StatusBadRequest, messageInvalidID)
		return 0, false
	}
	return profileID, true
}

func queryInt(ginContext *gin.Context, name string, fallback int) int {
	value, err := strconv.Atoi(ginContext.Query(name))
	if err != nil || value < 1 {
		return fallback
	}
	return value
}

func succeed(ginContext *gin.Context, status int, data any) {
	ginContext.JSON(status, gin.H{"success": true, "data": data})
}

func fail(ginContext *gin.Context, status int, message string) {
	ginContext.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}
