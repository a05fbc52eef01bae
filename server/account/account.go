// Package account manages registration, sessions, profiles, bracelet pairing
// and the trusted contact graph on top of the record store.
package account

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Daskott/safeguard/server/auth"
	"github.com/Daskott/safeguard/server/logger"
	"github.com/Daskott/safeguard/server/store"
	"github.com/Daskott/safeguard/utils"
	"github.com/go-playground/validator"
)

var (
	ErrUserNotFound        = store.ErrUserNotFound
	ErrInvalidPassword     = errors.New("invalid password")
	ErrEmailTaken          = errors.New("email already registered")
	ErrInvalidBraceletCode = errors.New("invalid bracelet code format, please enter the 8-character code from your bracelet")
	ErrNoBracelet          = errors.New("user has not selected a bracelet")

	braceletCodeRegex = regexp.MustCompile(`^[A-Za-z0-9]{8}$`)

	logg = logger.Component(logger.NewLogger(), "account", logger.Yellow)
)

// ValidationError lists every problem found in a submitted form.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Messages, "; ")
}

type RegisterInput struct {
	FullName        string `json:"fullName" validate:"required"`
	Email           string `json:"email" validate:"required,email"`
	PhoneNumber     string `json:"phoneNumber" validate:"required"`
	City            string `json:"city" validate:"required"`
	Password        string `json:"password" validate:"required,password"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=Password"`
}

type ProfileInput struct {
	FullName    string `json:"fullName" validate:"required"`
	Email       string `json:"email" validate:"required,email"`
	PhoneNumber string `json:"phoneNumber" validate:"required"`
	City        string `json:"city" validate:"required"`
	HasBracelet bool   `json:"hasBracelet"`
}

type Service struct {
	store    *store.Store
	validate *validator.Validate
}

func NewService(s *store.Store) *Service {
	return &Service{store: s, validate: NewValidator()}
}

// NewValidator returns a validator that knows the password and bracelet_code tags.
func NewValidator() *validator.Validate {
	validate := validator.New()

	_ = validate.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		password := fl.Field().String()
		return len(password) > 0 && !strings.ContainsAny(password, " \t\n")
	})

	_ = validate.RegisterValidation("bracelet_code", func(fl validator.FieldLevel) bool {
		return braceletCodeRegex.MatchString(fl.Field().String())
	})

	return validate
}

// Register creates an account and makes it the session user.
func (svc *Service) Register(ctx context.Context, input RegisterInput) (*store.User, error) {
	if err := svc.check(input); err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}

	user := store.User{
		ID:              utils.NewID(),
		FullName:        strings.TrimSpace(input.FullName),
		Email:           strings.TrimSpace(input.Email),
		PhoneNumber:     strings.TrimSpace(input.PhoneNumber),
		City:            strings.TrimSpace(input.City),
		Password:        hash,
		TrustedContacts: []string{},
		TrustedBy:       []string{},
		CreatedAt:       store.Now(),
	}

	err = svc.store.MutateUsers(ctx, func(users []store.User) ([]store.User, error) {
		for _, existing := range users {
			if strings.EqualFold(existing.Email, user.Email) {
				return nil, ErrEmailTaken
			}
		}
		return append(users, user), nil
	})
	if err != nil {
		return nil, err
	}

	if err := svc.store.SetCurrentUser(ctx, user); err != nil {
		return nil, err
	}

	logg.Infof("registered %v", user.ID)
	public := user.Public()
	return &public, nil
}

// Login checks the credentials and makes the account the session user.
func (svc *Service) Login(ctx context.Context, email, password string) (*store.User, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil, &ValidationError{Messages: []string{"please fill in all fields"}}
	}

	user, err := svc.store.FindUserByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, err
	}

	if !auth.CheckPasswordHash(password, user.Password) {
		return nil, ErrInvalidPassword
	}

	if err := svc.store.SetCurrentUser(ctx, *user); err != nil {
		return nil, err
	}

	public := user.Public()
	return &public, nil
}

func (svc *Service) Logout(ctx context.Context) error {
	return svc.store.ClearCurrentUser(ctx)
}

// CurrentUser returns the session user, or nil when nobody is logged in.
func (svc *Service) CurrentUser(ctx context.Context) (*store.User, error) {
	user, err := svc.store.CurrentUser(ctx)
	if err != nil || user == nil {
		return nil, err
	}

	public := user.Public()
	return &public, nil
}

func (svc *Service) User(ctx context.Context, id string) (*store.User, error) {
	user, err := svc.store.FindUser(ctx, id)
	if err != nil {
		return nil, err
	}

	public := user.Public()
	return &public, nil
}

func (svc *Service) UpdateProfile(ctx context.Context, id string, input ProfileInput) (*store.User, error) {
	if err := svc.check(input); err != nil {
		return nil, err
	}

	email := strings.TrimSpace(input.Email)
	user, err := svc.store.UpdateUser(ctx, id, func(user *store.User, users []store.User) error {
		for _, existing := range users {
			if existing.ID != id && strings.EqualFold(existing.Email, email) {
				return ErrEmailTaken
			}
		}

		user.FullName = strings.TrimSpace(input.FullName)
		user.Email = email
		user.PhoneNumber = strings.TrimSpace(input.PhoneNumber)
		user.City = strings.TrimSpace(input.City)
		if user.HasBracelet != input.HasBracelet {
			resetBracelet(user, input.HasBracelet)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	public := user.Public()
	return &public, nil
}

// SelectBracelet records whether the user owns a panic button device.
// Changing the answer drops any previous pairing.
func (svc *Service) SelectBracelet(ctx context.Context, id string, hasBracelet bool) (*store.User, error) {
	return svc.update(ctx, id, func(user *store.User) error {
		resetBracelet(user, hasBracelet)
		return nil
	})
}

// VerifyBracelet pairs the device with the given code. A malformed code
// leaves the user untouched.
func (svc *Service) VerifyBracelet(ctx context.Context, id, code string) (*store.User, error) {
	if err := svc.validate.Var(code, "bracelet_code"); err != nil {
		return nil, ErrInvalidBraceletCode
	}

	return svc.update(ctx, id, func(user *store.User) error {
		if !user.HasBracelet {
			return ErrNoBracelet
		}

		now := time.Now().UTC().Truncate(time.Millisecond)
		user.BraceletVerified = true
		user.BraceletCode = code
		user.BraceletVerifiedAt = &now
		return nil
	})
}

func (svc *Service) AddTrustedContact(ctx context.Context, ownerID, contactID string) (*store.User, error) {
	owner, err := svc.store.LinkContacts(ctx, ownerID, contactID)
	if err != nil {
		return nil, err
	}

	logg.Infof("%v now notifies %v", ownerID, contactID)
	public := owner.Public()
	return &public, nil
}

func (svc *Service) RemoveTrustedContact(ctx context.Context, ownerID, contactID string) (*store.User, error) {
	owner, err := svc.store.UnlinkContacts(ctx, ownerID, contactID)
	if err != nil {
		return nil, err
	}

	logg.Infof("%v no longer notifies %v", ownerID, contactID)
	public := owner.Public()
	return &public, nil
}

// TrustedContacts lists the users viewerID has chosen to notify.
func (svc *Service) TrustedContacts(ctx context.Context, viewerID string) ([]store.User, error) {
	return svc.related(ctx, viewerID, func(viewer *store.User) []string { return viewer.TrustedContacts })
}

// TrustedBy lists the users who chose to notify viewerID.
func (svc *Service) TrustedBy(ctx context.Context, viewerID string) ([]store.User, error) {
	return svc.related(ctx, viewerID, func(viewer *store.User) []string { return viewer.TrustedBy })
}

// SearchUsers matches term against names and emails, ignoring case. The
// viewer and their existing contacts are never returned.
func (svc *Service) SearchUsers(ctx context.Context, viewerID, term string) ([]store.User, error) {
	viewer, err := svc.store.FindUser(ctx, viewerID)
	if err != nil {
		return nil, err
	}

	users, err := svc.store.Users(ctx)
	if err != nil {
		return nil, err
	}

	term = strings.ToLower(strings.TrimSpace(term))
	results := []store.User{}
	for _, user := range users {
		if user.ID == viewerID || utils.ContainsString(viewer.TrustedContacts, user.ID) {
			continue
		}

		if term != "" &&
			!strings.Contains(strings.ToLower(user.FullName), term) &&
			!strings.Contains(strings.ToLower(user.Email), term) {
			continue
		}

		results = append(results, user.Public())
	}

	sort.SliceStable(results, func(i, j int) bool {
		return strings.ToLower(results[i].FullName) < strings.ToLower(results[j].FullName)
	})
	return results, nil
}

// ---------------------------------------------------------------------------------//
// Helper functions
// --------------------------------------------------------------------------------//

func (svc *Service) check(input interface{}) error {
	err := svc.validate.Struct(input)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	validationErr := &ValidationError{}
	for _, fieldErr := range fieldErrs {
		validationErr.Messages = append(validationErr.Messages, describe(fieldErr))
	}
	return validationErr
}

func describe(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return fmt.Sprintf("%v is required", fieldErr.Field())
	case "email":
		return fmt.Sprintf("%v must be a valid email", fieldErr.Field())
	case "eqfield":
		return "passwords do not match"
	case "password":
		return "password cannot contain whitespace"
	}
	return fmt.Sprintf("%v failed on %v", fieldErr.Field(), fieldErr.Tag())
}

func (svc *Service) update(ctx context.Context, id string, fn func(*store.User) error) (*store.User, error) {
	user, err := svc.store.UpdateUser(ctx, id, func(user *store.User, _ []store.User) error {
		return fn(user)
	})
	if err != nil {
		return nil, err
	}

	public := user.Public()
	return &public, nil
}

func (svc *Service) related(ctx context.Context, viewerID string, ids func(*store.User) []string) ([]store.User, error) {
	users, err := svc.store.Users(ctx)
	if err != nil {
		return nil, err
	}

	var viewer *store.User
	for i := range users {
		if users[i].ID == viewerID {
			viewer = &users[i]
			break
		}
	}
	if viewer == nil {
		return nil, ErrUserNotFound
	}

	wanted := ids(viewer)
	related := []store.User{}
	for _, user := range users {
		if utils.ContainsString(wanted, user.ID) {
			related = append(related, user.Public())
		}
	}
	return related, nil
}

func resetBracelet(user *store.User, hasBracelet bool) {
	user.HasBracelet = hasBracelet
	user.BraceletVerified = false
	user.BraceletCode = ""
	user.BraceletVerifiedAt = nil
}
