package account

import (
	"context"
	"sync"
	"testing"

	"github.com/Daskott/safeguard/server/auth"
	"github.com/Daskott/safeguard/server/notifier"
	"github.com/Daskott/safeguard/server/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	auth.PasswordCost = bcrypt.MinCost

	bus := notifier.NewLocal()
	t.Cleanup(func() { bus.Close() })

	s := store.New(store.NewMemoryKV(), bus)
	return NewService(s), s
}

func register(t *testing.T, svc *Service, name, email string) *store.User {
	t.Helper()

	user, err := svc.Register(context.Background(), RegisterInput{
		FullName:        name,
		Email:           email,
		PhoneNumber:     "+212600000000",
		City:            "Agadir",
		Password:        "pass1234",
		ConfirmPassword: "pass1234",
	})
	require.Nil(t, err)
	return user
}

func TestRegister(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	asha := register(t, svc, "Asha", "asha@example.com")
	assert.NotEmpty(t, asha.ID)
	assert.Empty(t, asha.Password, "password should never be handed out")
	assert.False(t, asha.HasBracelet)

	stored, err := s.FindUser(ctx, asha.ID)
	require.Nil(t, err)
	assert.NotEqual(t, "pass1234", stored.Password, "password should be hashed")

	current, err := svc.CurrentUser(ctx)
	require.Nil(t, err)
	assert.Equal(t, asha.ID, current.ID)

	_, err = svc.Register(ctx, RegisterInput{
		FullName: "Other", Email: "ASHA@example.com", PhoneNumber: "1", City: "Rabat",
		Password: "pass1234", ConfirmPassword: "pass1234",
	})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)

	cases := []struct {
		name     string
		input    RegisterInput
		expected string
	}{
		{
			"missing fields",
			RegisterInput{Email: "a@b.com", Password: "pass1234", ConfirmPassword: "pass1234"},
			"FullName is required",
		},
		{
			"password mismatch",
			RegisterInput{FullName: "A", Email: "a@b.com", PhoneNumber: "1", City: "X", Password: "pass1234", ConfirmPassword: "pass12345"},
			"passwords do not match",
		},
		{
			"bad email",
			RegisterInput{FullName: "A", Email: "not-an-email", PhoneNumber: "1", City: "X", Password: "pass1234", ConfirmPassword: "pass1234"},
			"Email must be a valid email",
		},
	}

	for _, tcase := range cases {
		t.Run(tcase.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), tcase.input)

			validationErr := &ValidationError{}
			require.ErrorAs(t, err, &validationErr)
			assert.Contains(t, validationErr.Messages, tcase.expected)
		})
	}
}

func TestLoginAndLogout(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	asha := register(t, svc, "Asha", "asha@example.com")
	require.Nil(t, svc.Logout(ctx))

	current, err := svc.CurrentUser(ctx)
	require.Nil(t, err)
	assert.Nil(t, current)

	_, err = svc.Login(ctx, "nobody@example.com", "pass1234")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = svc.Login(ctx, "asha@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidPassword)

	user, err := svc.Login(ctx, " asha@example.com ", "pass1234")
	require.Nil(t, err)
	assert.Equal(t, asha.ID, user.ID)
	assert.Empty(t, user.Password)
}

func TestVerifyBracelet(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	asha := register(t, svc, "Asha", "asha@example.com")

	_, err := svc.VerifyBracelet(ctx, asha.ID, "AB12CD34")
	assert.ErrorIs(t, err, ErrNoBracelet)

	_, err = svc.SelectBracelet(ctx, asha.ID, true)
	require.Nil(t, err)

	for _, code := range []string{"AB1", "AB12CD345", "AB12-D34", ""} {
		t.Run("rejects "+code, func(t *testing.T) {
			_, err := svc.VerifyBracelet(ctx, asha.ID, code)
			assert.ErrorIs(t, err, ErrInvalidBraceletCode)

			user, _ := svc.User(ctx, asha.ID)
			assert.False(t, user.BraceletVerified)
		})
	}

	user, err := svc.VerifyBracelet(ctx, asha.ID, "AB12CD34")
	require.Nil(t, err)
	assert.True(t, user.BraceletVerified)
	assert.Equal(t, "AB12CD34", user.BraceletCode)
	assert.NotNil(t, user.BraceletVerifiedAt)

	current, _ := svc.CurrentUser(ctx)
	assert.True(t, current.BraceletVerified, "session user should be refreshed")

	user, err = svc.SelectBracelet(ctx, asha.ID, false)
	require.Nil(t, err)
	assert.False(t, user.BraceletVerified)
	assert.Empty(t, user.BraceletCode)
}

func TestUpdateProfile(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	asha := register(t, svc, "Asha", "asha@example.com")
	register(t, svc, "Mina", "mina@example.com")

	_, err := svc.UpdateProfile(ctx, asha.ID, ProfileInput{FullName: "Asha B", Email: "mina@example.com", PhoneNumber: "2", City: "Rabat"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	user, err := svc.UpdateProfile(ctx, asha.ID, ProfileInput{FullName: "Asha B", Email: "asha@example.com", PhoneNumber: "2", City: "Rabat", HasBracelet: true})
	require.Nil(t, err)
	assert.Equal(t, "Asha B", user.FullName)
	assert.Equal(t, "Rabat", user.City)
	assert.True(t, user.HasBracelet)
}

func TestConcurrentProfileEditsCannotShareEmail(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	asha := register(t, svc, "Asha", "asha@example.com")
	mina := register(t, svc, "Mina", "mina@example.com")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{asha.ID, mina.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = svc.UpdateProfile(ctx, id, ProfileInput{FullName: "Shared", Email: "shared@example.com", PhoneNumber: "2", City: "Rabat"})
		}(i, id)
	}
	wg.Wait()

	taken := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrEmailTaken)
			taken++
		}
	}
	assert.Equal(t, 1, taken, "exactly one edit should win the address")

	users, err := s.Users(ctx)
	require.Nil(t, err)
	owners := 0
	for _, user := range users {
		if user.Email == "shared@example.com" {
			owners++
		}
	}
	assert.Equal(t, 1, owners)
}

func TestTrustedContacts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	asha := register(t, svc, "Asha", "asha@example.com")
	mina := register(t, svc, "Mina", "mina@example.com")
	leo := register(t, svc, "Leo", "leo@example.com")

	results, err := svc.SearchUsers(ctx, asha.ID, "")
	require.Nil(t, err)
	assert.Len(t, results, 2, "empty search should list everyone but the viewer")

	results, err = svc.SearchUsers(ctx, asha.ID, "MINA")
	require.Nil(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, mina.ID, results[0].ID)

	owner, err := svc.AddTrustedContact(ctx, asha.ID, mina.ID)
	require.Nil(t, err)
	assert.Equal(t, []string{mina.ID}, owner.TrustedContacts)

	trustedBy, err := svc.TrustedBy(ctx, mina.ID)
	require.Nil(t, err)
	require.Len(t, trustedBy, 1)
	assert.Equal(t, asha.ID, trustedBy[0].ID)

	contacts, err := svc.TrustedContacts(ctx, asha.ID)
	require.Nil(t, err)
	require.Len(t, contacts, 1)
	assert.Empty(t, contacts[0].Password)

	results, _ = svc.SearchUsers(ctx, asha.ID, "")
	require.Len(t, results, 1, "existing contacts should not show up in search")
	assert.Equal(t, leo.ID, results[0].ID)

	_, err = svc.AddTrustedContact(ctx, asha.ID, asha.ID)
	assert.ErrorIs(t, err, store.ErrSelfContact)

	_, err = svc.RemoveTrustedContact(ctx, asha.ID, mina.ID)
	require.Nil(t, err)

	trustedBy, _ = svc.TrustedBy(ctx, mina.ID)
	assert.Empty(t, trustedBy)
}
