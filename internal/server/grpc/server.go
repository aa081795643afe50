// Package grpcserver exposes the operator gRPC API handlers.
package grpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/and161185/miniapp-gate/internal/adminapi"
	"github.com/and161185/miniapp-gate/internal/convert"
	"github.com/and161185/miniapp-gate/internal/errs"
	"github.com/and161185/miniapp-gate/internal/model"
)

// Rotator replaces the configured webhook token.
type Rotator interface {
	RotateConfigured(ctx context.Context) (string, error)
}

// SessionReader looks sessions up by id.
type SessionReader interface {
	GetSession(ctx context.Context, id model.SessionID) (model.Session, bool)
}

// Server wires services into gRPC handlers.
type Server struct {
	rotator  Rotator
	sessions SessionReader
	log      *zap.Logger
}

var _ adminapi.AdminServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(rotator Rotator, sessions SessionReader, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{rotator: rotator, sessions: sessions, log: log}
}

// RotateWebhookToken runs one rotation attempt. A concurrency conflict maps
// to FailedPrecondition so callers may repeat the whole cycle.
func (s *Server) RotateWebhookToken(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	admin, _ := AdminFromCtx(ctx)
	token, err := s.rotator.RotateConfigured(ctx)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrConcurrencyConflict):
			return nil, status.Error(codes.FailedPrecondition, "concurrent policy update")
		case errors.Is(err, errs.ErrPartialRotation):
			s.log.Error("partial rotation", zap.String("admin", admin), zap.Error(err))
			_ = grpc.SetTrailer(ctx, metadata.Pairs(adminapi.RotatedTokenTrailer, token))
			return nil, status.Error(codes.DataLoss, "edge policy updated, vault commit failed")
		case errors.Is(err, errs.ErrUnsupported):
			return nil, status.Errorf(codes.Unimplemented, "rotate: %v", err)
		case errors.Is(err, errs.ErrNotFound):
			return nil, status.Error(codes.NotFound, "edge policy not found")
		default:
			return nil, status.Errorf(codes.Internal, "rotate: %v", err)
		}
	}
	s.log.Info("webhook token rotated", zap.String("admin", admin))
	return convert.ToProtoToken(token), nil
}

// GetSession returns the stored session for the id.
func (s *Server) GetSession(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := convert.FromProtoSessionID(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "bad session id")
	}
	sess, ok := s.sessions.GetSession(ctx, id)
	if !ok {
		return nil, status.Error(codes.NotFound, "not found")
	}
	out, err := convert.ToProtoSession(sess)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get session: %v", err)
	}
	return out, nil
}

// adminFromMD extracts "authorization: Bearer <JWT>", verifies HS256 and
// returns the subject.
func adminFromMD(ctx context.Context, signKey []byte) (string, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return "", err
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return signKey, nil
	})
	if err != nil || !parsed.Valid {
		return "", errors.New("invalid token")
	}

	v := jwt.NewValidator(jwt.WithLeeway(30*time.Second), jwt.WithExpirationRequired())
	if err := v.Validate(&claims); err != nil {
		return "", errors.New("token expired or not valid yet")
	}

	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("bad subject")
	}
	return claims.Subject, nil
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
