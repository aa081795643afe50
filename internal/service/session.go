package service

import (
	"context"
	"encoding/base32"
	"fmt"
	"strconv"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	pkgcrypto "github.com/and161185/miniapp-gate/internal/crypto"
	"github.com/and161185/miniapp-gate/internal/initdata"
	"github.com/and161185/miniapp-gate/internal/model"
	"github.com/and161185/miniapp-gate/internal/repository"
)

// Logical table names in the registry.
const (
	ProfilesTable = "profiles"
	SessionsTable = "sessions"
)

// ProfileHeader is the sort key of the profile's main record.
const ProfileHeader = "header"

// DefaultSessionTTL is how long a stored session lives.
const DefaultSessionTTL = 90 * 24 * time.Hour

// Tables returns the descriptors for the session and profile tables.
func Tables(prefix string) map[string]repository.TableDescriptor {
	return map[string]repository.TableDescriptor{
		ProfilesTable: {
			Name:    prefix + "-users",
			PK:      "id",
			SK:      "order",
			Indexes: map[string]repository.IndexDescriptor{"by_username": {PK: "username"}},
		},
		SessionsTable: {Name: prefix + "-sessions", PK: "user", SK: "session", TTL: "ttl"},
	}
}

// KeySource supplies the launch-data key material.
type KeySource interface {
	BotKey(ctx context.Context) (initdata.Options, error)
}

// SessionService creates and resolves sessions from signed launch data.
type SessionService interface {
	// CreateSession validates authData and stores a new session. A nil
	// session with a nil error means validation failed.
	CreateSession(ctx context.Context, authData string, ext model.Doc) (*model.NewSession, error)
	// Admit is CreateSession that also reports why validation failed. The
	// reason is empty when a session was created.
	Admit(ctx context.Context, authData string, ext model.Doc) (*model.NewSession, initdata.Reason, error)
	// GetSession resolves a session id. ok is false for malformed, unknown
	// or mismatched ids.
	GetSession(ctx context.Context, id model.SessionID) (s model.Session, ok bool)
}

// SessionConfig tunes validation and storage.
type SessionConfig struct {
	MaxDelay   time.Duration
	SessionTTL time.Duration
}

type SessionServiceImpl struct {
	profiles  *repository.Table
	sessions  *repository.Table
	validator *initdata.Validator
	keys      KeySource
	cfg       SessionConfig
	clock     clock.Clock
	log       *zap.Logger
}

// NewSessionService constructs SessionService over the registry's profile
// and session tables.
func NewSessionService(reg *repository.Registry, v *initdata.Validator, keys KeySource, cfg SessionConfig, clk clock.Clock, log *zap.Logger) (*SessionServiceImpl, error) {
	profiles, sessions := reg.Table(ProfilesTable), reg.Table(SessionsTable)
	if profiles == nil || sessions == nil {
		return nil, fmt.Errorf("session service: tables %q and %q are required", ProfilesTable, SessionsTable)
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionServiceImpl{
		profiles:  profiles,
		sessions:  sessions,
		validator: v,
		keys:      keys,
		cfg:       cfg,
		clock:     clk,
		log:       log,
	}, nil
}

// CreateSession implements SessionService.
func (s *SessionServiceImpl) CreateSession(ctx context.Context, authData string, ext model.Doc) (*model.NewSession, error) {
	ns, _, err := s.Admit(ctx, authData, ext)
	return ns, err
}

// Admit implements SessionService.
func (s *SessionServiceImpl) Admit(ctx context.Context, authData string, ext model.Doc) (*model.NewSession, initdata.Reason, error) {
	opt, err := s.keys.BotKey(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("bot key: %w", err)
	}
	opt.MaxDelay = s.cfg.MaxDelay

	res := s.validator.Validate(authData, opt)
	if !res.OK {
		s.log.Error("VALIDATION FAILURE",
			zap.String("reason", string(res.Reason)),
			zap.Any("context", res.Context),
			zap.Int("auth_data_len", len(authData)),
			zap.Int("ext_fields", len(ext)))
		return nil, res.Reason, nil
	}

	token, err := newToken()
	if err != nil {
		return nil, "", err
	}
	id := model.NewSessionID(res.User.ID, token)

	userDoc, err := model.ToDoc(res.User)
	if err != nil {
		return nil, "", err
	}
	profile := s.getProfile(ctx, res.User.ID)
	merged := model.MergeDocs(model.Doc{"name": res.User.DisplayName()}, profile, userDoc, withoutID(ext))

	var g errgroup.Group
	g.Go(func() error { s.setProfile(ctx, res.User.ID, merged); return nil })
	g.Go(func() error { s.setSession(ctx, id, merged); return nil })
	_ = g.Wait()

	sess, err := model.SessionFromDoc(merged)
	if err != nil {
		return nil, "", err
	}
	sess.TS = s.clock.Now().UnixMilli()
	return &model.NewSession{ID: id, User: sess}, "", nil
}

// GetSession implements SessionService.
func (s *SessionServiceImpl) GetSession(ctx context.Context, id model.SessionID) (model.Session, bool) {
	user, token, ok := id.Split()
	if !ok {
		return model.Session{}, false
	}
	d, err := s.sessions.Get(ctx, user, token)
	if err != nil {
		s.log.Info("GET_SESSION", zap.String("user", user), zap.Error(err))
		return model.Session{}, false
	}
	verified := fmt.Sprint(d["id"]) == user
	s.log.Info("GET_SESSION", zap.String("user", user), zap.Bool("verify", verified))
	if !verified {
		return model.Session{}, false
	}
	desc := s.sessions.Descriptor()
	for _, k := range []string{desc.PK, desc.SK, desc.TTL} {
		delete(d, k)
	}
	sess, err := model.SessionFromDoc(d)
	if err != nil {
		s.log.Error("GET_SESSION: ERROR", zap.String("user", user), zap.Error(err))
		return model.Session{}, false
	}
	return sess, true
}

func (s *SessionServiceImpl) setProfile(ctx context.Context, userID int64, doc model.Doc) {
	pk := strconv.FormatInt(userID, 10)
	err := s.profiles.Put(ctx, doc, repository.PutRequest{
		PK:    pk,
		SK:    ProfileHeader,
		Merge: model.Doc{"ts": s.clock.Now().UnixMilli()},
	})
	if err != nil {
		s.log.Error("SET_PROFILE: ERROR", zap.String("user", pk), zap.Error(err))
		return
	}
	s.log.Info("SET_PROFILE", zap.String("user", pk))
}

// getProfile returns the flattened profile, or nil when absent or unreadable.
func (s *SessionServiceImpl) getProfile(ctx context.Context, userID int64) model.Doc {
	pk := strconv.FormatInt(userID, 10)
	d, err := s.profiles.Collect(ctx, pk)
	if err != nil {
		s.log.Info("GET_PROFILE: EMPTY", zap.String("user", pk), zap.Error(err))
		return nil
	}
	s.log.Info("GET_PROFILE", zap.String("user", pk), zap.Int("fields", len(d)))
	return d
}

func (s *SessionServiceImpl) setSession(ctx context.Context, id model.SessionID, doc model.Doc) {
	user, token, ok := id.Split()
	if !ok {
		return
	}
	err := s.sessions.Put(ctx, doc, repository.PutRequest{
		PK:    user,
		SK:    token,
		Merge: model.Doc{"ts": s.clock.Now().UnixMilli()},
		TTL:   s.cfg.SessionTTL,
	})
	if err != nil {
		s.log.Error("SET_SESSION: ERROR", zap.String("user", user), zap.Error(err))
		return
	}
	s.log.Info("SET_SESSION", zap.String("user", user))
}

// withoutID drops an "id" extension field: the session id embeds the
// validated user id and must keep matching it.
func withoutID(ext model.Doc) model.Doc {
	if _, ok := ext["id"]; !ok {
		return ext
	}
	out := make(model.Doc, len(ext))
	for k, v := range ext {
		if k != "id" {
			out[k] = v
		}
	}
	return out
}

// newToken returns 160 random bits as unpadded uppercase base32.
func newToken() (string, error) {
	b, err := pkgcrypto.RandBytes(20)
	if err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b), nil
}

var _ SessionService = (*SessionServiceImpl)(nil)
