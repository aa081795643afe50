// Package service contains the application services: session lifecycle
// and cookie-based authentication.
package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/and161185/miniapp-gate/internal/cookie"
	"github.com/and161185/miniapp-gate/internal/errs"
	"github.com/and161185/miniapp-gate/internal/limiter"
	"github.com/and161185/miniapp-gate/internal/model"
)

// LoginScope is the limiter scope for login attempts.
const LoginScope = "login"

// AuthRequest is the client's login body.
type AuthRequest struct {
	ExpectedUser int64     `json:"expectedUser"`
	AuthData     string    `json:"authData"`
	InitData     model.Doc `json:"initData,omitempty"`
}

// AuthService authenticates users with launch data and session cookies.
type AuthService interface {
	// Login applies rate limiting, creates a session and issues its cookie.
	Login(ctx context.Context, req AuthRequest, ip string) (model.Session, cookie.Issued, error)
	// Authenticate resolves a session from a cookie value.
	Authenticate(ctx context.Context, value string) (model.Session, error)
	// Logout returns the cookie that clears the client session.
	Logout() cookie.Issued
}

type AuthServiceImpl struct {
	sessions SessionService
	cookies  *cookie.Codec
	lim      limiter.Limiter
	log      *zap.Logger
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(sessions SessionService, cookies *cookie.Codec, lim limiter.Limiter, log *zap.Logger) *AuthServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthServiceImpl{sessions: sessions, cookies: cookies, lim: lim, log: log}
}

// Login authenticates with rate limiting by client ip. The created session
// must belong to the user the client claims to be.
func (s *AuthServiceImpl) Login(ctx context.Context, req AuthRequest, ip string) (model.Session, cookie.Issued, error) {
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, LoginScope, ipHash)
	if err != nil {
		return model.Session{}, cookie.Issued{}, err
	}
	if !allowed {
		return model.Session{}, cookie.Issued{}, errs.ErrRateLimited
	}

	ns, reason, err := s.sessions.Admit(ctx, req.AuthData, req.InitData)
	if err != nil {
		return model.Session{}, cookie.Issued{}, err
	}
	cause := string(reason)
	if ns != nil && ns.User.ID != req.ExpectedUser {
		s.log.Warn("login user mismatch", zap.Int64("expected", req.ExpectedUser), zap.Int64("actual", ns.User.ID))
		cause = limiter.CauseUserMismatch
	}
	if cause != "" {
		v, ferr := s.lim.Failure(ctx, LoginScope, ipHash, cause)
		if ferr != nil {
			s.log.Error("limiter failure not recorded", zap.String("cause", cause), zap.Error(ferr))
		}
		if v.Blocked {
			s.log.Warn("login blocked",
				zap.Duration("retry_after", v.RetryAfter),
				zap.Any("causes", v.Causes))
			return model.Session{}, cookie.Issued{}, errs.ErrRateLimited
		}
		return model.Session{}, cookie.Issued{}, errs.ErrUnauthorized
	}

	// Success: reset counters (best-effort).
	_ = s.lim.Success(ctx, LoginScope, ipHash)

	iss, err := s.cookies.Issue(ctx, ns.ID)
	if err != nil {
		return model.Session{}, cookie.Issued{}, err
	}
	return ns.User, iss, nil
}

// Authenticate implements AuthService.
func (s *AuthServiceImpl) Authenticate(ctx context.Context, value string) (model.Session, error) {
	id, err := s.cookies.Read(ctx, value)
	if err != nil {
		if !errors.Is(err, errs.ErrUnauthorized) {
			s.log.Error("cookie verification failed", zap.Error(err))
		}
		return model.Session{}, errs.ErrUnauthorized
	}
	sess, ok := s.sessions.GetSession(ctx, id)
	if !ok {
		return model.Session{}, errs.ErrUnauthorized
	}
	return sess, nil
}

// Logout implements AuthService. The stored session is left to expire.
func (s *AuthServiceImpl) Logout() cookie.Issued {
	return s.cookies.Expired()
}

var _ AuthService = (*AuthServiceImpl)(nil)
