package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// LoginRequest holds credentials for authenticating a user. The identifier
// may be either an email address or a username.
type LoginRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
}

// RegisterRequest carries the multipart registration payload. Avatar and cover
// image arrive as files; the handler stores them and fills the URL fields.
type RegisterRequest struct {
	Username      string  `form:"username" validate:"required,min=3,max=32"`
	Email         string  `form:"email" validate:"required,email"`
	Password      string  `form:"password" validate:"required,min=6"`
	FullName      string  `form:"fullName" validate:"required"`
	AvatarURL     string  `form:"-" validate:"required"`
	CoverImageURL *string `form:"-"`
}

// ChangePasswordRequest payload for updating the password.
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=6"`
}

// TokenPair bundles the two issued credentials: a short-lived access token
// returned in the response body and a long-lived refresh token transported
// via an HTTP-only cookie.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// LoginResponse returns the issued access token and user info. The refresh
// token is deliberately absent: it only ever travels in the cookie.
type LoginResponse struct {
	User        UserInfo `json:"user"`
	AccessToken string   `json:"accessToken"`
}

// RefreshResponse returns the renewed access token.
type RefreshResponse struct {
	AccessToken string `json:"accessToken"`
}

// AccessClaims represents the JWT payload for access tokens.
type AccessClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	jwt.RegisteredClaims
}

// RefreshClaims represents the JWT payload for refresh tokens. Only the
// identity binding is carried; validity is decided against the session store.
type RefreshClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}
