package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"shelfmark/internal/util"
	"shelfmark/pkg/auth"
	"shelfmark/pkg/domain"
)

// Register creates a user and issues a bearer token. Duplicate email is a
// validation failure and never creates a second record.
func (a *App) Register(ctx context.Context, name, email, password string) (domain.User, string, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(strings.ToLower(email))
	if name == "" || email == "" || password == "" {
		return domain.User{}, "", badRequest("name, email and password are required")
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, "", badRequest(err.Error())
	}
	sctx, cancel := a.storeCtx(ctx)
	defer cancel()
	exists, err := a.store.HasUserEmail(sctx, email)
	if err != nil {
		return domain.User{}, "", persistenceFailed("could not check email", err)
	}
	if exists {
		return domain.User{}, "", badRequest("email already registered")
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", persistenceFailed("could not register user", err)
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(sctx, user); err != nil {
		return domain.User{}, "", persistenceFailed("could not register user", err)
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", persistenceFailed("could not issue token", fmt.Errorf("new session: %w", err))
	}
	return user, token, nil
}

// Login validates credentials and issues a bearer token. The failure
// message never distinguishes unknown email from wrong password.
func (a *App) Login(ctx context.Context, email, password string) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domain.User{}, "", badRequest("email and password are required")
	}
	sctx, cancel := a.storeCtx(ctx)
	defer cancel()
	user, ok, err := a.store.GetUserByEmail(sctx, email)
	if err != nil {
		return domain.User{}, "", persistenceFailed("could not fetch user", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", unauthorized("incorrect email address or password")
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", persistenceFailed("could not issue token", fmt.Errorf("new session: %w", err))
	}
	return user, token, nil
}

// UserFromToken resolves a user from a bearer session token.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, bool) {
	uid, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	sctx, cancel := a.storeCtx(ctx)
	defer cancel()
	user, found, err := a.store.GetUserByID(sctx, uid)
	if err != nil || !found {
		return domain.User{}, false
	}
	return user, true
}
