package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go-tgchat/internal/httpjson"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const UserKey contextKey = "user_id"

// Claims carries the external identity provider's user id.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// TokenValidator decouples the middleware from the token format.
type TokenValidator interface {
	ValidateToken(tokenString string) (string, error)
}

// HS256Validator checks tokens signed with a shared secret.
type HS256Validator struct {
	secret []byte
}

func NewHS256Validator(secret string) *HS256Validator {
	return &HS256Validator{secret: []byte(secret)}
}

func (v *HS256Validator) ValidateToken(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.UserID == "" {
		return "", errors.New("token carries no user_id")
	}
	return claims.UserID, nil
}

// SignToken issues an HS256 token for userID. The server never logs users in;
// this exists for tools and tests that stand in for the identity provider.
func SignToken(secret, userID string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "go-tgchat",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	})
	return token.SignedString([]byte(secret))
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r.Header.Get("Authorization"))

		// Browsers cannot set headers on a WebSocket upgrade.
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			httpjson.Error(w, http.StatusUnauthorized, "Missing authentication token")
			return
		}

		userID, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			httpjson.Error(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), UserKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserIDFromContext returns the verified user id, if the request passed
// through AuthMiddleware.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserKey).(string)
	return id, ok && id != ""
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
