package grpcserver

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/hostel-outpass/internal/api"
	"github.com/and161185/hostel-outpass/internal/auth"
)

// LoggingUnary returns a unary server interceptor for structured logging.
func LoggingUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		code := status.Code(err)

		// metadata only, never payloads
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", remoteAddr(ctx)),
		}
		if p, ok := auth.FromContext(ctx); ok {
			fields = append(fields, zap.String("sub", p.Subject), zap.String("role", string(p.Role)))
		}
		log.Info("grpc", fields...)
		return resp, err
	}
}

// RecoverUnary returns a unary server interceptor that recovers from panics.
func RecoverUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic",
					zap.Any("reason", r),
					zap.ByteString("stack", debug.Stack()),
					zap.String("method", info.FullMethod),
				)
				err = status.Error(codes.Internal, "internal")
			}
		}()
		return next(ctx, req)
	}
}

// AuthUnary verifies the bearer token of every outpass call and stores the
// principal in the context. Other services (health) pass through.
func AuthUnary(v *auth.Verifier) grpc.UnaryServerInterceptor {
	prefix := "/" + api.ServiceName + "/"
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		if !strings.HasPrefix(info.FullMethod, prefix) {
			return next(ctx, req)
		}
		tok, ok := bearerTokenFromMD(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "no auth")
		}
		p, err := v.Verify(tok)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "no auth")
		}
		p.Source = remoteAddr(ctx)
		return next(auth.WithPrincipal(ctx, p), req)
	}
}

func bearerTokenFromMD(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	for _, v := range md.Get("authorization") {
		if t, ok := auth.BearerToken(v); ok {
			return t, true
		}
	}
	return "", false
}

func remoteAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}
