package model

import (
	"context"
	"errors"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantMsg string
	}{
		{"complete", &RequestContext{SubjectID: "user-1", TenantID: "tenant-1"}, ""},
		{"no subject", &RequestContext{TenantID: "tenant-1"}, "incomplete identity: missing subject"},
		{"no tenant", &RequestContext{SubjectID: "user-1", Email: "agent@example.com"}, "incomplete identity: missing tenant"},
		{"anonymous", &RequestContext{}, "incomplete identity: missing subject and tenant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if tt.wantMsg == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var env *ErrorEnvelope
			if !errors.As(err, &env) {
				t.Fatalf("Validate() = %T %v, want *ErrorEnvelope", err, err)
			}
			if env.Code != ErrUnauthorized || env.Message != tt.wantMsg {
				t.Errorf("Validate() = %s %q, want %s %q", env.Code, env.Message, ErrUnauthorized, tt.wantMsg)
			}
		})
	}
}

func TestRequestContext_Actor(t *testing.T) {
	rc := &RequestContext{SubjectID: "user-1"}
	if got := rc.Actor(); got != "user-1" {
		t.Errorf("Actor() = %q, want user-1", got)
	}
	rc.Email = "agent@example.com"
	if got := rc.Actor(); got != "agent@example.com" {
		t.Errorf("Actor() = %q, want agent@example.com", got)
	}
}

func TestWithRequestContext_and_RequestContextFrom(t *testing.T) {
	rctx := &RequestContext{SubjectID: "user-1", TenantID: "tenant-1"}
	ctx := WithRequestContext(context.Background(), rctx)
	if got := RequestContextFrom(ctx); got != rctx {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rctx)
	}
}

func TestRequestContextFrom_absent(t *testing.T) {
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty context) = %v, want nil", got)
	}
}
