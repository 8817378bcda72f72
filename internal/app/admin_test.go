package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/ssogate/internal/model"
)

type mockAdminStore struct {
	existing *model.User
	err      error
	created  *model.User
}

func (m *mockAdminStore) CreateIfEmailAbsent(ctx context.Context, user *model.User) (*model.User, bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}
	if m.existing != nil {
		return m.existing, false, nil
	}
	m.created = user
	return user, true, nil
}

func TestCreateAdmin_CreatesAdminAccount(t *testing.T) {
	store := &mockAdminStore{}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	u, err := createAdmin(context.Background(), store, AdminInput{
		Email:    "  Admin@Example.com ",
		Password: "Str0ng@Pass",
	}, now)
	if err != nil {
		t.Fatalf("createAdmin() error = %v", err)
	}

	if store.created == nil {
		t.Fatal("user should be created")
	}
	if u.Email != "admin@example.com" {
		t.Errorf("Email = %q, want normalized", u.Email)
	}
	if u.Role != model.RoleAdmin {
		t.Errorf("Role = %q, want ADMIN", u.Role)
	}
	if !u.IsActive {
		t.Error("admin should be active")
	}
	if u.FullName != defaultAdminName {
		t.Errorf("FullName = %q, want %q", u.FullName, defaultAdminName)
	}
	if !strings.HasPrefix(u.HsscID, "ADMIN_") {
		t.Errorf("HsscID = %q, want ADMIN_ prefix", u.HsscID)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("Str0ng@Pass")); err != nil {
		t.Errorf("password hash does not match: %v", err)
	}
}

func TestCreateAdmin_ExistingUser_IsUnchanged(t *testing.T) {
	existing := &model.User{ID: "u-1", Email: "admin@example.com", Role: model.RoleStudent}
	store := &mockAdminStore{existing: existing}

	u, err := createAdmin(context.Background(), store, AdminInput{
		Email:    "admin@example.com",
		Password: "Str0ng@Pass",
	}, time.Now())
	if err != nil {
		t.Fatalf("createAdmin() error = %v", err)
	}
	if u != existing {
		t.Error("existing user should be returned")
	}
	if u.Role != model.RoleStudent {
		t.Error("existing user's role must not be changed")
	}
}

func TestCreateAdmin_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		in   AdminInput
	}{
		{"メール未指定", AdminInput{Password: "Str0ng@Pass"}},
		{"パスワード未指定", AdminInput{Email: "admin@example.com"}},
		{"メール形式不正", AdminInput{Email: "not-an-email", Password: "Str0ng@Pass"}},
		{"弱いパスワード", AdminInput{Email: "admin@example.com", Password: "password"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockAdminStore{}
			if _, err := createAdmin(context.Background(), store, tt.in, time.Now()); err == nil {
				t.Error("expected error")
			}
			if store.created != nil {
				t.Error("user must not be created")
			}
		})
	}
}

func TestCreateAdmin_StoreError(t *testing.T) {
	store := &mockAdminStore{err: errors.New("connection refused")}

	_, err := createAdmin(context.Background(), store, AdminInput{
		Email:    "admin@example.com",
		Password: "Str0ng@Pass",
	}, time.Now())
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("err = %v, want wrapped store error", err)
	}
}
