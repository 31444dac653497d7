// Package auth turns transport credentials into an authenticated user.
// Tokens are issued by the account service; this package only verifies
// them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"go.uber.org/zap"
)

const tokenCookieKey = "token"

// PrincipalResolver returns the user a credential belongs to, or an error
// wrapping types.ErrUnauthenticated.
type PrincipalResolver interface {
	Resolve(ctx context.Context, credential string) (types.User, error)
}

type UserStore interface {
	GetUser(ctx context.Context, userId int64) (types.User, error)
	UpsertUser(ctx context.Context, user types.User) (types.User, error)
}

// Claims are the token claims issued by the account service.
type Claims struct {
	UserId   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver verifies HMAC signed tokens and loads the user they name.
// Users unknown to the local account mirror are added from the token
// claims when the claims carry a username.
type JWTResolver struct {
	key   []byte
	store UserStore
	log   *zap.Logger
}

func NewJWTResolver(key []byte, store UserStore, log *zap.Logger) *JWTResolver {
	return &JWTResolver{key: key, store: store, log: log.Named("auth")}
}

func unauthenticated(reason string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrUnauthenticated, reason, err)
	}
	return fmt.Errorf("%w: %s", types.ErrUnauthenticated, reason)
}

func (r *JWTResolver) Resolve(ctx context.Context, credential string) (types.User, error) {
	if credential == "" {
		return types.User{}, unauthenticated("missing token", nil)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		return r.key, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !token.Valid {
		return types.User{}, unauthenticated("invalid token", err)
	}

	userId := claims.UserId
	if userId == 0 && claims.Subject != "" {
		userId, _ = strconv.ParseInt(claims.Subject, 10, 64)
	}
	if userId <= 0 {
		return types.User{}, unauthenticated("token has no user id", nil)
	}

	user, err := r.store.GetUser(ctx, userId)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.User{}, fmt.Errorf("load principal: %w", err)
	}
	if claims.Username == "" {
		return types.User{}, unauthenticated("unknown user", nil)
	}

	user, err = r.store.UpsertUser(ctx, types.User{Id: userId, Username: claims.Username})
	if err != nil {
		return types.User{}, fmt.Errorf("sync principal: %w", err)
	}
	r.log.Info("account mirrored from token", zap.Int64("user_id", userId))
	return user, nil
}

// TokenFromRequest extracts the credential from the token query parameter,
// a bearer Authorization header or the token cookie, in that order.
func TokenFromRequest(req *http.Request) string {
	if token := req.URL.Query().Get("token"); token != "" {
		return token
	}

	if h := req.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}

	if cookie, err := req.Cookie(tokenCookieKey); err == nil {
		return cookie.Value
	}

	return ""
}
