package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BaSui01/voxagent/types"
)

// ErrNoIdentity is returned when a request carries no usable identity.
var ErrNoIdentity = errors.New("no user identity")

// IdentityResolver 为一次通话确定稳定的用户标识，所有记忆操作都以它为键。
type IdentityResolver interface {
	Resolve(ctx context.Context, req Request) (string, error)
}

// IdentityFunc adapts a function to IdentityResolver.
type IdentityFunc func(ctx context.Context, req Request) (string, error)

// Resolve calls f.
func (f IdentityFunc) Resolve(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// StaticIdentity 优先使用请求里显式给出的 UserID，否则使用配置的默认用户。
type StaticIdentity struct {
	DefaultUserID string
}

// Resolve implements IdentityResolver.
func (s StaticIdentity) Resolve(_ context.Context, req Request) (string, error) {
	if id := strings.TrimSpace(req.UserID); id != "" {
		return id, nil
	}
	if s.DefaultUserID == "" {
		return "", ErrNoIdentity
	}
	return s.DefaultUserID, nil
}

// JWTConfig 配置 JWTIdentity。
type JWTConfig struct {
	Secret   string `yaml:"secret" json:"-" env:"SECRET"`
	Issuer   string `yaml:"issuer" json:"issuer"`
	Audience string `yaml:"audience" json:"audience"`
}

// JWTIdentity 从 HS256 bearer token 中解析用户：优先 user_id 声明，其次 sub。
// 请求没有 token 时交给 Fallback（为 nil 则拒绝）。
type JWTIdentity struct {
	secret   []byte
	opts     []jwt.ParserOption
	Fallback IdentityResolver
}

// NewJWTIdentity creates a resolver. The secret is required.
func NewJWTIdentity(cfg JWTConfig, fallback IdentityResolver) (*JWTIdentity, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt identity requires a secret")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &JWTIdentity{secret: []byte(cfg.Secret), opts: opts, Fallback: fallback}, nil
}

// Resolve implements IdentityResolver.
func (j *JWTIdentity) Resolve(ctx context.Context, req Request) (string, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(req.Token, "Bearer "))
	if raw == "" {
		if j.Fallback != nil {
			return j.Fallback.Resolve(ctx, req)
		}
		return "", types.NewError(types.ErrUnauthorized, "missing bearer token").WithHTTPStatus(401)
	}

	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return j.secret, nil }, j.opts...)
	if err != nil {
		return "", types.NewError(types.ErrUnauthorized, "invalid or expired token").WithCause(err).WithHTTPStatus(401)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", types.NewError(types.ErrUnauthorized, "invalid token claims").WithHTTPStatus(401)
	}
	if id, ok := claims["user_id"].(string); ok && id != "" {
		return id, nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", types.NewError(types.ErrUnauthorized, fmt.Sprintf("token has no subject: %v", ErrNoIdentity)).WithHTTPStatus(401)
	}
	return sub, nil
}
