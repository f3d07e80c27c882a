package authpw

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/store"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users map[string]store.User // email -> user
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{users: make(map[string]store.User)}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if user, ok := m.users[email]; ok {
		return user, nil
	}
	return store.User{}, store.ErrNotFound
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) error {
	m.users[user.Email] = user
	return nil
}

type stubIssuer struct{}

func (stubIssuer) IssueToken(userID, name string) (string, error) {
	return "token-for-" + userID, nil
}

func newTestService() (*Service, *mockUserStore) {
	users := newMockUserStore()
	svc := NewService(users, stubIssuer{})
	svc.cost = bcrypt.MinCost
	return svc, users
}

func TestRegisterAndLogin(t *testing.T) {
	svc, users := newTestService()
	ctx := context.Background()

	userID, err := svc.Register(ctx, RegisterRequest{Email: " Ada@Example.com ", Password: "correct-horse", DisplayName: "Ada"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	stored, ok := users.users["ada@example.com"]
	if !ok || stored.ID != userID {
		t.Fatalf("expected user stored under normalised email, got %+v", users.users)
	}
	if stored.PasswordHash == "correct-horse" {
		t.Fatal("password stored in plain text")
	}

	result, err := svc.Login(ctx, "ADA@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if result.Token != "token-for-"+userID || result.User.DisplayName != "Ada" {
		t.Fatalf("unexpected login result: %+v", result)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterRequest{Email: "taken@example.com", Password: "password1", DisplayName: "T"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	cases := []struct {
		name string
		req  RegisterRequest
		want error
	}{
		{name: "missing name", req: RegisterRequest{Email: "a@example.com", Password: "password1"}, want: ErrInvalidInput},
		{name: "short password", req: RegisterRequest{Email: "a@example.com", Password: "short", DisplayName: "A"}, want: ErrInvalidInput},
		{name: "bad email", req: RegisterRequest{Email: "not-an-email", Password: "password1", DisplayName: "A"}, want: ErrInvalidInput},
		{name: "duplicate", req: RegisterRequest{Email: "Taken@example.com", Password: "password1", DisplayName: "A"}, want: ErrEmailTaken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Register(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("Register() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterRequest{Email: "a@example.com", Password: "password1", DisplayName: "A"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := svc.Login(ctx, "a@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Login() error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "password1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Login() error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(ctx, "", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Login() error = %v, want ErrInvalidInput", err)
	}
}
