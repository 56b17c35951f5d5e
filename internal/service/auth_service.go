package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/inkwell-api/internal/models"
	"github.com/noah-isme/inkwell-api/internal/repository"
	appErrors "github.com/noah-isme/inkwell-api/pkg/errors"
)

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error
}

type sessionStore interface {
	Get(ctx context.Context, userID string) (string, error)
	Set(ctx context.Context, userID, token string, ttl time.Duration) error
	Clear(ctx context.Context, userID string) error
	Rotate(ctx context.Context, userID, presented, next string, ttl time.Duration) error
}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
	Issuer        string
}

// AuthService issues and verifies credential pairs and owns the session
// lifecycle policy. The session store itself carries no policy.
type AuthService struct {
	users     authUserRepository
	sessions  sessionStore
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
	now       func() time.Time
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(users authUserRepository, sessions sessionStore, validate *validator.Validate, logger *zap.Logger, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &AuthService{
		users:     users,
		sessions:  sessions,
		validator: validate,
		logger:    logger,
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Issue mints an access and a refresh credential bound to the user and writes
// the refresh credential into the session store, replacing any previous one.
func (s *AuthService) Issue(ctx context.Context, user *models.User) (models.TokenPair, error) {
	accessToken, err := s.generateAccessToken(user)
	if err != nil {
		return models.TokenPair{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	refreshToken, err := s.generateRefreshToken(user.ID)
	if err != nil {
		return models.TokenPair{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	if err := s.sessions.Set(ctx, user.ID, refreshToken, s.config.RefreshExpiry); err != nil {
		return models.TokenPair{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist session")
	}

	return models.TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// VerifyAccess validates an access token and returns its claims.
func (s *AuthService) VerifyAccess(tokenString string) (*models.AccessClaims, error) {
	claims := &models.AccessClaims{}
	if err := s.parseToken(tokenString, claims, s.config.AccessSecret); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyRefresh validates a refresh token against its signature, lifetime and
// the session store. A token that no longer matches the stored slot fails as
// revoked: it was either superseded by a later login or cleared by logout.
func (s *AuthService) VerifyRefresh(ctx context.Context, tokenString string) (string, error) {
	claims := &models.RefreshClaims{}
	if err := s.parseToken(tokenString, claims, s.config.RefreshSecret); err != nil {
		return "", err
	}

	stored, err := s.sessions.Get(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNoSession) {
			return "", appErrors.Clone(appErrors.ErrTokenRevoked, "refresh token revoked")
		}
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	if stored != tokenString {
		return "", appErrors.Clone(appErrors.ErrTokenRevoked, "refresh token superseded")
	}

	return claims.UserID, nil
}

// Revoke clears the session slot for the identity. Idempotent.
func (s *AuthService) Revoke(ctx context.Context, userID string) error {
	if err := s.sessions.Clear(ctx, userID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to clear session")
	}
	return nil
}

// Login authenticates by email or username and issues a fresh credential pair.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.User, models.TokenPair, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, models.TokenPair{}, validationError(err, "invalid login payload")
	}

	user, err := s.findByIdentifier(ctx, req.Identifier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.TokenPair{}, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
		}
		return nil, models.TokenPair{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, models.TokenPair{}, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	pair, err := s.Issue(ctx, user)
	if err != nil {
		return nil, models.TokenPair{}, err
	}

	s.logger.Info("user logged in", zap.String("user_id", user.ID))
	return user, pair, nil
}

// Register creates a new user and logs it in, returning the same shape as
// Login. Username and email collisions surface as DuplicateIdentity.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.User, models.TokenPair, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, models.TokenPair{}, validationError(err, "invalid registration payload")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, models.TokenPair{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		ID:            uuid.NewString(),
		Username:      strings.ToLower(req.Username),
		Email:         strings.ToLower(req.Email),
		PasswordHash:  string(hash),
		FullName:      req.FullName,
		AvatarURL:     req.AvatarURL,
		CoverImageURL: req.CoverImageURL,
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, models.TokenPair{}, appErrors.Clone(appErrors.ErrDuplicateIdentity, "")
		}
		return nil, models.TokenPair{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	pair, err := s.Issue(ctx, user)
	if err != nil {
		return nil, models.TokenPair{}, err
	}

	s.logger.Info("user registered", zap.String("user_id", user.ID), zap.String("username", user.Username))
	return user, pair, nil
}

// Refresh exchanges a valid refresh token for a new credential pair. The
// stored slot is rotated with a compare-and-set so that a concurrent login or
// logout cannot interleave into an inconsistent session record.
func (s *AuthService) Refresh(ctx context.Context, presented string) (*models.User, models.TokenPair, error) {
	claims := &models.RefreshClaims{}
	if err := s.parseToken(presented, claims, s.config.RefreshSecret); err != nil {
		return nil, models.TokenPair{}, err
	}

	user, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.TokenPair{}, appErrors.Clone(appErrors.ErrTokenInvalid, "associated user no longer exists")
		}
		return nil, models.TokenPair{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	accessToken, err := s.generateAccessToken(user)
	if err != nil {
		return nil, models.TokenPair{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}
	nextRefresh, err := s.generateRefreshToken(user.ID)
	if err != nil {
		return nil, models.TokenPair{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	if err := s.sessions.Rotate(ctx, user.ID, presented, nextRefresh, s.config.RefreshExpiry); err != nil {
		if errors.Is(err, repository.ErrNoSession) || errors.Is(err, repository.ErrSessionMismatch) {
			return nil, models.TokenPair{}, appErrors.Clone(appErrors.ErrTokenRevoked, "refresh token revoked")
		}
		return nil, models.TokenPair{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate session")
	}

	return user, models.TokenPair{AccessToken: accessToken, RefreshToken: nextRefresh}, nil
}

// Logout revokes the identity's session slot.
func (s *AuthService) Logout(ctx context.Context, userID string) error {
	if err := s.Revoke(ctx, userID); err != nil {
		return err
	}
	s.logger.Info("user logged out", zap.String("user_id", userID))
	return nil
}

// CurrentUser loads the identity behind a verified access token.
func (s *AuthService) CurrentUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	return user, nil
}

// ChangePassword swaps the password hash and revokes the active session so
// that other holders of the old refresh credential must log in again.
func (s *AuthService) ChangePassword(ctx context.Context, userID string, req models.ChangePasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return validationError(err, "invalid change password payload")
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.OldPassword)); err != nil {
		return appErrors.Clone(appErrors.ErrInvalidCredentials, "old password does not match")
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	if err := s.users.UpdatePassword(ctx, userID, string(newHash), s.now()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update password")
	}

	if err := s.sessions.Clear(ctx, userID); err != nil {
		s.logger.Warn("failed to revoke session after password change", zap.Error(err))
	}

	return nil
}

func (s *AuthService) findByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	if strings.Contains(identifier, "@") {
		user, err := s.users.FindByEmail(ctx, identifier)
		if err == nil || !errors.Is(err, sql.ErrNoRows) {
			return user, err
		}
	}
	return s.users.FindByUsername(ctx, identifier)
}

func (s *AuthService) generateAccessToken(user *models.User) (string, error) {
	issuedAt := s.now()
	claims := &models.AccessClaims{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(s.config.AccessExpiry)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.AccessSecret))
}

func (s *AuthService) generateRefreshToken(userID string) (string, error) {
	issuedAt := s.now()
	claims := &models.RefreshClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.config.Issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(s.config.RefreshExpiry)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.RefreshSecret))
}

func (s *AuthService) parseToken(tokenString string, claims jwt.Claims, secret string) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return appErrors.Clone(appErrors.ErrTokenExpired, "")
		}
		return appErrors.Wrap(err, appErrors.ErrTokenInvalid.Code, appErrors.ErrTokenInvalid.Status, appErrors.ErrTokenInvalid.Message)
	}
	if !token.Valid {
		return appErrors.Clone(appErrors.ErrTokenInvalid, "")
	}
	return nil
}

func validationError(err error, message string) *appErrors.Error {
	wrapped := appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, message)

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		details := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			switch fe.Tag() {
			case "required":
				details = append(details, fmt.Sprintf("%s is required", fieldName(fe)))
			case "email":
				details = append(details, fmt.Sprintf("%s must be a valid email address", fieldName(fe)))
			case "min":
				details = append(details, fmt.Sprintf("%s must be at least %s characters", fieldName(fe), fe.Param()))
			case "max":
				details = append(details, fmt.Sprintf("%s must be at most %s characters", fieldName(fe), fe.Param()))
			default:
				details = append(details, fmt.Sprintf("%s is invalid", fieldName(fe)))
			}
		}
		wrapped.Details = details
	}

	return wrapped
}

func fieldName(fe validator.FieldError) string {
	name := fe.Field()
	if name == "" {
		return "field"
	}
	return strings.ToLower(name[:1]) + name[1:]
}
