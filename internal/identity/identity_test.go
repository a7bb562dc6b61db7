package identity

import (
	"errors"
	"testing"
	"time"
)

var testSecret = []byte("test-signing-secret")

func TestVerifyValidToken(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}

	token, err := Sign(testSecret, Identity{UserID: "alice", TenantID: "tenant-1"}, time.Hour)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	id, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.UserID != "alice" || id.TenantID != "tenant-1" {
		t.Errorf("Verify() = %+v", id)
	}
}

func TestVerifyRejections(t *testing.T) {
	verifier, err := NewJWTVerifier(testSecret)
	if err != nil {
		t.Fatal(err)
	}

	expired, err := Sign(testSecret, Identity{UserID: "alice", TenantID: "tenant-1"}, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	wrongKey, err := Sign([]byte("other-secret"), Identity{UserID: "alice", TenantID: "tenant-1"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	noTenant, err := Sign(testSecret, Identity{UserID: "alice"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		credential string
	}{
		{name: "garbage", credential: "not-a-token"},
		{name: "empty", credential: ""},
		{name: "expired", credential: expired},
		{name: "wrong signing key", credential: wrongKey},
		{name: "missing tenant claim", credential: noTenant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.credential)
			if !errors.Is(err, ErrInvalidCredential) {
				t.Errorf("Verify() error = %v, want ErrInvalidCredential", err)
			}
		})
	}
}

func TestNewJWTVerifierEmptySecret(t *testing.T) {
	if _, err := NewJWTVerifier(nil); err == nil {
		t.Error("NewJWTVerifier(nil) expected error, got nil")
	}
}
