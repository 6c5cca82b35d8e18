package authapi

import (
	"time"

	"latch/identity"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerRequest struct {
	Username string  `json:"username"`
	Email    *string `json:"email"`
	Password string  `json:"password"`
}

type userResponse struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        *string   `json:"email,omitempty"`
	IsRegistered bool      `json:"is_registered"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type meResponse struct {
	User userResponse `json:"user"`
}

type registerResponse struct {
	User userResponse `json:"user"`

	// Upgraded is set when an anonymous principal was converted in place.
	Upgraded bool `json:"upgraded"`
}

type anonymousResponse struct {
	User    userResponse  `json:"user"`
	Created bool          `json:"created"`
	Session tokenResponse `json:"session"`
}

type logoutAllResponse struct {
	Revoked int64 `json:"revoked"`
}

func toUserResponse(p identity.Principal) userResponse {
	return userResponse{
		ID:           p.ID,
		Username:     p.Username,
		Email:        p.Email,
		IsRegistered: p.IsRegistered,
		IsAdmin:      p.IsAdmin,
		CreatedAt:    p.CreatedAt,
	}
}
