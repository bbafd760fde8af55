// ABOUTME: Unit tests for gRPC auth interceptors
// ABOUTME: Tests the bearer token flow for stream and unary calls

package auth

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// fakeServerStream is a grpc.ServerStream carrying only a context.
type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeServerStream) Context() context.Context { return f.ctx }

// Helper to create test context with authorization header
func contextWithAuth(value string) context.Context {
	md := metadata.New(map[string]string{"authorization": value})
	return metadata.NewIncomingContext(context.Background(), md)
}

func runStream(t *testing.T, interceptor grpc.StreamServerInterceptor, ctx context.Context) (*AuthContext, error) {
	t.Helper()
	var got *AuthContext
	err := interceptor(nil, &fakeServerStream{ctx: ctx}, &grpc.StreamServerInfo{FullMethod: "/agent.v1.AgentControl/AgentStream"},
		func(srv any, ss grpc.ServerStream) error {
			got = MustFromContext(ss.Context())
			return nil
		})
	return got, err
}

func TestStreamInterceptor_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, err := verifier.Generate("host-1", RoleAgent, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	got, err := runStream(t, StreamInterceptor(verifier, nil), contextWithAuth("Bearer "+token))
	if err != nil {
		t.Fatalf("interceptor error = %v", err)
	}
	if got.Subject != "host-1" || got.Role != RoleAgent {
		t.Errorf("AuthContext = %+v, want host-1/agent", got)
	}
}

func TestStreamInterceptor_Rejects(t *testing.T) {
	verifier := newTestVerifier(t)
	expired, _ := verifier.Generate("host-1", RoleAgent, -time.Minute)

	tests := []struct {
		name string
		ctx  context.Context
	}{
		{"no metadata", context.Background()},
		{"no header", metadata.NewIncomingContext(context.Background(), metadata.MD{})},
		{"not bearer", contextWithAuth("Basic abc")},
		{"empty bearer", contextWithAuth("Bearer ")},
		{"garbage", contextWithAuth("Bearer nope")},
		{"expired", contextWithAuth("Bearer " + expired)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runStream(t, StreamInterceptor(verifier, nil), tt.ctx)
			if status.Code(err) != codes.Unauthenticated {
				t.Errorf("code = %v, want Unauthenticated (err %v)", status.Code(err), err)
			}
		})
	}
}

func TestNoAuthStreamInterceptor(t *testing.T) {
	got, err := runStream(t, NoAuthStreamInterceptor(), context.Background())
	if err != nil {
		t.Fatalf("interceptor error = %v", err)
	}
	if got != Anonymous {
		t.Errorf("AuthContext = %+v, want Anonymous", got)
	}
}
