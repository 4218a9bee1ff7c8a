package auth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryJWTInterceptor authenticates every call except the listed full method
// names (health checks). Only member and service tokens are accepted.
func UnaryJWTInterceptor(verifier *JWTVerifier, allowUnauthenticatedMethods []string) grpc.UnaryServerInterceptor {
	open := make(map[string]struct{}, len(allowUnauthenticatedMethods))
	for _, m := range allowUnauthenticatedMethods {
		open[m] = struct{}{}
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := open[info.FullMethod]; ok {
			return handler(ctx, req)
		}
		token, err := tokenFromMetadata(ctx)
		if err != nil {
			return nil, err
		}
		actor, err := verifier.ParseActor(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		if !actor.IsMember() && !actor.IsService() {
			return nil, status.Errorf(codes.PermissionDenied, "actor type %q not allowed", actor.Type)
		}
		return handler(WithActor(ctx, actor), req)
	}
}

func tokenFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing metadata")
	}
	for _, v := range md.Get("authorization") {
		if tok, ok := bearerToken(v); ok {
			return tok, nil
		}
	}
	return "", status.Error(codes.Unauthenticated, "missing bearer token")
}
