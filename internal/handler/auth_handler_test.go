package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/inkwell-api/internal/middleware"
	"github.com/noah-isme/inkwell-api/internal/models"
	"github.com/noah-isme/inkwell-api/internal/repository"
	"github.com/noah-isme/inkwell-api/internal/service"
	"github.com/noah-isme/inkwell-api/pkg/response"
	"github.com/noah-isme/inkwell-api/pkg/storage"
)

type memUserRepo struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func (m *memUserRepo) find(match func(*models.User) bool) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if match(u) {
			return u, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memUserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.Email == email })
}

func (m *memUserRepo) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.Username == username })
}

func (m *memUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.ID == id })
}

func (m *memUserRepo) Create(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username || u.Email == user.Email {
			return repository.ErrDuplicate
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *memUserRepo) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.PasswordHash = passwordHash
	}
	return nil
}

type memSessionStore struct {
	mu    sync.Mutex
	slots map[string]string
}

func (m *memSessionStore) Get(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.slots[userID]
	if !ok {
		return "", repository.ErrNoSession
	}
	return token, nil
}

func (m *memSessionStore) Set(ctx context.Context, userID, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[userID] = token
	return nil
}

func (m *memSessionStore) Clear(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, userID)
	return nil
}

func (m *memSessionStore) Rotate(ctx context.Context, userID, presented, next string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.slots[userID]
	if !ok {
		return repository.ErrNoSession
	}
	if current != presented {
		return repository.ErrSessionMismatch
	}
	m.slots[userID] = next
	return nil
}

const testCookieName = "refreshToken"

func newTestRouter(t *testing.T) (*gin.Engine, *memUserRepo) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := &memUserRepo{users: make(map[string]*models.User)}
	sessions := &memSessionStore{slots: make(map[string]string)}

	svc := service.NewAuthService(repo, sessions, validator.New(), zap.NewNop(), service.AuthConfig{
		AccessSecret:  "access_secret",
		RefreshSecret: "refresh_secret",
		AccessExpiry:  15 * time.Minute,
		RefreshExpiry: 24 * time.Hour,
		Issuer:        "test",
	})

	uploads, err := storage.NewLocalStorage(t.TempDir(), 1<<20)
	require.NoError(t, err)

	h := NewAuthHandler(svc, uploads, service.NewMetricsService(), CookieConfig{
		Name:     testCookieName,
		Path:     "/users",
		SameSite: http.SameSiteStrictMode,
		MaxAge:   24 * time.Hour,
	})

	r := gin.New()
	users := r.Group("/users")
	users.POST("/login", h.Login)
	users.POST("/register", h.Register)
	users.POST("/refresh-token", h.Refresh)

	protected := users.Group("")
	protected.Use(middleware.JWT(svc))
	protected.POST("/logout", h.Logout)
	protected.GET("/me", h.Me)
	protected.POST("/change-password", h.ChangePassword)

	return r, repo
}

func seedUser(t *testing.T, repo *memUserRepo, password string) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	require.NoError(t, err)
	user := &models.User{
		ID:           "u1",
		Username:     "writer",
		Email:        "writer@example.com",
		PasswordHash: string(hash),
		FullName:     "Writer",
		AvatarURL:    "avatar.png",
	}
	require.NoError(t, repo.Create(context.Background(), user))
	return user
}

func doLogin(t *testing.T, r *gin.Engine, identifier, password string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(models.LoginRequest{Identifier: identifier, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/users/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) response.Envelope {
	t.Helper()
	var env response.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func refreshCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == testCookieName {
			return c
		}
	}
	return nil
}

func accessTokenFrom(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	env := decodeEnvelope(t, w)
	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var res models.LoginResponse
	require.NoError(t, json.Unmarshal(data, &res))
	return res.AccessToken
}

func TestLoginSetsHTTPOnlyCookie(t *testing.T) {
	r, repo := newTestRouter(t)
	seedUser(t, repo, "password")

	w := doLogin(t, r, "writer@example.com", "password")
	require.Equal(t, http.StatusOK, w.Code)

	env := decodeEnvelope(t, w)
	assert.True(t, env.Success)
	assert.Equal(t, http.StatusOK, env.StatusCode)
	assert.NotEmpty(t, accessTokenFrom(t, w))

	cookie := refreshCookie(w)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.NotEmpty(t, cookie.Value)
}

func TestLoginInvalidCredentials(t *testing.T) {
	r, repo := newTestRouter(t)
	seedUser(t, repo, "password")

	w := doLogin(t, r, "writer", "wrong")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	env := decodeEnvelope(t, w)
	assert.False(t, env.Success)
}

func multipartRegister(t *testing.T, fields map[string]string, withAvatar bool) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if withAvatar {
		fw, err := mw.CreateFormFile("avatar", "avatar.png")
		require.NoError(t, err)
		_, err = fw.Write([]byte("fake-image-bytes"))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func TestRegisterRequiresAvatar(t *testing.T) {
	r, _ := newTestRouter(t)

	body, contentType := multipartRegister(t, map[string]string{
		"username": "newbie",
		"email":    "newbie@example.com",
		"password": "password",
		"fullName": "New Person",
	}, false)

	req := httptest.NewRequest(http.MethodPost, "/users/register", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeEnvelope(t, w)
	assert.False(t, env.Success)
	assert.Contains(t, env.Errors, "avatar is required")
}

func TestRegisterSuccessAndDuplicate(t *testing.T) {
	r, _ := newTestRouter(t)

	fields := map[string]string{
		"username": "newbie",
		"email":    "newbie@example.com",
		"password": "password",
		"fullName": "New Person",
	}

	body, contentType := multipartRegister(t, fields, true)
	req := httptest.NewRequest(http.MethodPost, "/users/register", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, accessTokenFrom(t, w))
	require.NotNil(t, refreshCookie(w))

	body, contentType = multipartRegister(t, fields, true)
	req = httptest.NewRequest(http.MethodPost, "/users/register", body)
	req.Header.Set("Content-Type", contentType)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
}

func TestRefreshRotatesCookie(t *testing.T) {
	r, repo := newTestRouter(t)
	seedUser(t, repo, "password")

	loginW := doLogin(t, r, "writer", "password")
	require.Equal(t, http.StatusOK, loginW.Code)
	oldCookie := refreshCookie(loginW)
	require.NotNil(t, oldCookie)

	req := httptest.NewRequest(http.MethodPost, "/users/refresh-token", nil)
	req.AddCookie(oldCookie)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)
	assert.True(t, env.Success)
	newCookie := refreshCookie(w)
	require.NotNil(t, newCookie)
	assert.NotEqual(t, oldCookie.Value, newCookie.Value)

	// The consumed cookie is now revoked.
	req = httptest.NewRequest(http.MethodPost, "/users/refresh-token", nil)
	req.AddCookie(oldCookie)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRefreshWithoutCookie(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/users/refresh-token", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogoutClearsSessionAndCookie(t *testing.T) {
	r, repo := newTestRouter(t)
	seedUser(t, repo, "password")

	loginW := doLogin(t, r, "writer", "password")
	access := accessTokenFrom(t, loginW)
	cookie := refreshCookie(loginW)

	req := httptest.NewRequest(http.MethodPost, "/users/logout", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	cleared := refreshCookie(w)
	require.NotNil(t, cleared)
	assert.Less(t, cleared.MaxAge, 0)

	// The pre-logout cookie can no longer refresh.
	req = httptest.NewRequest(http.MethodPost, "/users/refresh-token", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMeRequiresAccessToken(t *testing.T) {
	r, repo := newTestRouter(t)
	seedUser(t, repo, "password")

	req := httptest.NewRequest(http.MethodGet, "/users/me", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	access := accessTokenFrom(t, doLogin(t, r, "writer", "password"))
	req = httptest.NewRequest(http.MethodGet, "/users/me", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	env := decodeEnvelope(t, w)
	payload, err := json.Marshal(env.Data)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(payload), "writer@example.com"), fmt.Sprintf("unexpected payload: %s", payload))
}
