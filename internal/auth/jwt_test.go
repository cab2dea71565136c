package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

func TestGenerateValidate_RoundTrip(t *testing.T) {
	svc := NewService("test-secret", time.Hour)
	user := models.User{ID: "u-1", Username: "alice", Role: models.RoleAdmin}

	token, err := svc.Generate(user)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	got, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got.ID != "u-1" || got.Username != "alice" || got.Role != models.RoleAdmin {
		t.Fatalf("Validate() = %+v", got)
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	token, err := NewService("secret-a", time.Hour).Generate(models.User{ID: "u-1", Username: "alice"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := NewService("secret-b", time.Hour).Validate(token); err != ErrInvalidToken {
		t.Fatalf("Validate() error = %v, want ErrInvalidToken", err)
	}
}

func TestValidate_Expired(t *testing.T) {
	svc := NewService("test-secret", time.Hour)
	claims := Claims{
		Username: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Validate(token); err != ErrInvalidToken {
		t.Fatalf("Validate(expired) error = %v, want ErrInvalidToken", err)
	}
}

func TestValidate_MissingSubject(t *testing.T) {
	svc := NewService("test-secret", time.Hour)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Username: "ghost"}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Validate(token); err != ErrInvalidToken {
		t.Fatalf("Validate(no subject) error = %v, want ErrInvalidToken", err)
	}
}

func TestValidate_Garbage(t *testing.T) {
	svc := NewService("test-secret", time.Hour)
	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := svc.Validate(token); err != ErrInvalidToken {
			t.Fatalf("Validate(%q) error = %v, want ErrInvalidToken", token, err)
		}
	}
}

func TestDisabledService(t *testing.T) {
	svc := NewService("   ", time.Hour)
	if svc.Enabled() {
		t.Fatal("Enabled() = true with blank secret")
	}
	if _, err := svc.Generate(models.User{ID: "u-1"}); err != ErrAuthDisabled {
		t.Fatalf("Generate() error = %v, want ErrAuthDisabled", err)
	}
	if _, err := svc.Validate("anything"); err != ErrAuthDisabled {
		t.Fatalf("Validate() error = %v, want ErrAuthDisabled", err)
	}
}

func TestGenerate_RequiresUserID(t *testing.T) {
	svc := NewService("test-secret", time.Hour)
	if _, err := svc.Generate(models.User{Username: "noid"}); err == nil {
		t.Fatal("Generate() accepted a user without id")
	}
}

func TestUserContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := UserFromContext(ctx); ok {
		t.Fatal("UserFromContext() found a user in an empty context")
	}
	if got := UsernameFromContext(ctx); got != "" {
		t.Fatalf("UsernameFromContext() = %q, want empty", got)
	}

	ctx = WithUser(ctx, models.User{ID: "u-1", Username: "alice"})
	user, ok := UserFromContext(ctx)
	if !ok || user.Username != "alice" {
		t.Fatalf("UserFromContext() = %+v, %v", user, ok)
	}
	if got := UsernameFromContext(ctx); got != "alice" {
		t.Fatalf("UsernameFromContext() = %q", got)
	}
}
