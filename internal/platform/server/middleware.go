package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/somasave/sacco-deposits/internal/platform/logging"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const RequestIDHeader = "X-Request-Id"

func requestID(inbound string) string {
	if inbound == "" || len(inbound) > 64 {
		return ulid.Make().String()
	}
	return inbound
}

// AccessLogMiddleware tags every request with a ULID request id, echoes it in
// the response and writes one access log line. Inbound ids are kept when
// they are short enough to be sane.
func AccessLogMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		id := requestID(r.Header.Get(RequestIDHeader))
		w.Header().Set(RequestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(logging.WithRequestID(r.Context(), id)))

		logger.Info("http request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Duration("took", time.Since(started)))
	})
}

// UnaryRequestIDInterceptor carries the caller's x-request-id, or a fresh
// ULID, into the handler context so engine log lines can be correlated.
func UnaryRequestIDInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		inbound := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(strings.ToLower(RequestIDHeader)); len(v) > 0 {
				inbound = v[0]
			}
		}
		return handler(logging.WithRequestID(ctx, requestID(inbound)), req)
	}
}
