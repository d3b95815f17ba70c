package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/f-sync/followsync/internal/profile"
)

const (
	endpointLogin         = "auth_login"
	endpointRegister      = "auth_register"
	endpointLogout        = "auth_logout"
	endpointProfileMe     = "profile_me"
	endpointProfileUpdate = "profile_update"

	pathSegmentAuth     = "auth"
	pathSegmentLogin    = "login"
	pathSegmentRegister = "register"
	pathSegmentLogout   = "logout"
	pathSegmentProfile  = "profile"
	pathSegmentMe       = "me"

	formFieldBio              = "bio"
	formFieldAvatar           = "avatar"
	formFieldProfileSetupDone = "profileSetupDone"
	defaultAvatarFileName     = "avatar"

	errMessageEmptyLoginToken = "login response carried no token"
	errMessageReadAvatar      = "read avatar"
	errMessageBuildForm       = "build profile form"
)

// ErrMissingToken is returned when a login response carries no token.
var ErrMissingToken = errors.New(errMessageEmptyLoginToken)

// Credentials identifies a user at login. Identifier is a username or an email.
type Credentials struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// Registration carries the fields of a new account.
type Registration struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResult is the payload of the login and register endpoints.
type AuthResult struct {
	Token   string           `json:"token,omitempty"`
	Profile *profile.Profile `json:"profile,omitempty"`
}

// ProfileUpdate is the multipart form sent to PUT /profile/me.
type ProfileUpdate struct {
	Bio string
	// Avatar is optional; a nil reader leaves the current avatar untouched.
	Avatar               io.Reader
	AvatarFileName       string
	ProfileSetupComplete bool
}

// Login exchanges credentials for a session token.
func (client *Client) Login(ctx context.Context, credentials Credentials) (AuthResult, error) {
	body, err := jsonBody(credentials)
	if err != nil {
		return AuthResult{}, err
	}
	var result AuthResult
	err = client.execute(ctx, requestSpec{
		endpoint: endpointLogin,
		method:   http.MethodPost,
		segments: []string{pathSegmentAuth, pathSegmentLogin},
		body:     body,
	}, &result)
	if err != nil {
		return AuthResult{}, err
	}
	if result.Token == "" {
		return AuthResult{}, ErrMissingToken
	}
	return result, nil
}

// Register creates an account. The result carries a token only when the server
// starts a session immediately.
func (client *Client) Register(ctx context.Context, registration Registration) (AuthResult, error) {
	body, err := jsonBody(registration)
	if err != nil {
		return AuthResult{}, err
	}
	var result AuthResult
	err = client.execute(ctx, requestSpec{
		endpoint: endpointRegister,
		method:   http.MethodPost,
		segments: []string{pathSegmentAuth, pathSegmentRegister},
		body:     body,
	}, &result)
	if err != nil {
		return AuthResult{}, err
	}
	return result, nil
}

// Logout tells the server to end the session identified by token.
func (client *Client) Logout(ctx context.Context, token string) error {
	return client.execute(ctx, requestSpec{
		endpoint:      endpointLogout,
		method:        http.MethodPost,
		segments:      []string{pathSegmentAuth, pathSegmentLogout},
		explicitToken: token,
	}, nil)
}

// FetchProfile returns the profile of the session held by the token source.
func (client *Client) FetchProfile(ctx context.Context) (profile.Profile, error) {
	return client.fetchProfile(ctx, "")
}

// FetchProfileWithToken returns the profile for a token that has not been persisted yet.
func (client *Client) FetchProfileWithToken(ctx context.Context, token string) (profile.Profile, error) {
	return client.fetchProfile(ctx, token)
}

func (client *Client) fetchProfile(ctx context.Context, token string) (profile.Profile, error) {
	var fetched profile.Profile
	err := client.execute(ctx, requestSpec{
		endpoint:      endpointProfileMe,
		method:        http.MethodGet,
		segments:      []string{pathSegmentProfile, pathSegmentMe},
		explicitToken: token,
		authenticated: true,
		retryable:     true,
	}, &fetched)
	if err != nil {
		return profile.Profile{}, err
	}
	return fetched, nil
}

// UpdateProfile sends the profile setup form and returns the stored profile.
func (client *Client) UpdateProfile(ctx context.Context, update ProfileUpdate) (profile.Profile, error) {
	body, err := buildProfileForm(update)
	if err != nil {
		return profile.Profile{}, err
	}
	var updated profile.Profile
	err = client.execute(ctx, requestSpec{
		endpoint:      endpointProfileUpdate,
		method:        http.MethodPut,
		segments:      []string{pathSegmentProfile, pathSegmentMe},
		body:          body,
		authenticated: true,
	}, &updated)
	if err != nil {
		return profile.Profile{}, err
	}
	return updated, nil
}

func buildProfileForm(update ProfileUpdate) (*requestBody, error) {
	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)
	if err := writer.WriteField(formFieldBio, update.Bio); err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageBuildForm, err)
	}
	if update.Avatar != nil {
		fileName := update.AvatarFileName
		if fileName == "" {
			fileName = defaultAvatarFileName
		}
		part, err := writer.CreateFormFile(formFieldAvatar, fileName)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", errMessageBuildForm, err)
		}
		if _, err := io.Copy(part, update.Avatar); err != nil {
			return nil, fmt.Errorf("%s: %w", errMessageReadAvatar, err)
		}
	}
	if err := writer.WriteField(formFieldProfileSetupDone, strconv.FormatBool(update.ProfileSetupComplete)); err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageBuildForm, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageBuildForm, err)
	}
	return &requestBody{contents: buffer.Bytes(), contentType: writer.FormDataContentType()}, nil
}
