package app

import (
	"context"
	"testing"

	"shelfmark/pkg/store"
)

func TestRegisterLoginRoundTrip(t *testing.T) {
	mem := store.NewMemoryStore()
	a := newTestApp(t, mem, newFakeObjectStore())

	user, token, err := a.Register(context.Background(), "Paul", "Paul@Example.com", "sandworms4ever")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Email != "paul@example.com" {
		t.Fatalf("email not normalized: %q", user.Email)
	}
	if token == "" {
		t.Fatal("expected a session token on registration")
	}
	if user.PasswordHash == "sandworms4ever" {
		t.Fatal("password stored in the clear")
	}

	resolved, ok := a.UserFromToken(context.Background(), token)
	if !ok || resolved.ID != user.ID {
		t.Fatalf("token did not resolve to the registered user: ok=%v id=%q", ok, resolved.ID)
	}

	again, loginToken, err := a.Login(context.Background(), "paul@example.com", "sandworms4ever")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if again.ID != user.ID || loginToken == "" {
		t.Fatalf("login mismatch: id=%q token=%q", again.ID, loginToken)
	}
}

func TestRegisterDuplicateEmailKeepsSingleRecord(t *testing.T) {
	mem := store.NewMemoryStore()
	a := newTestApp(t, mem, newFakeObjectStore())

	if _, _, err := a.Register(context.Background(), "Paul", "paul@example.com", "sandworms4ever"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, _, err := a.Register(context.Background(), "Impostor", "PAUL@example.com", "differentpass")
	mustStatus(t, err, 400)

	user, ok, _ := mem.GetUserByEmail(context.Background(), "paul@example.com")
	if !ok || user.Name != "Paul" {
		t.Fatalf("original record disturbed: ok=%v %+v", ok, user)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	a := newTestApp(t, store.NewMemoryStore(), newFakeObjectStore())
	_, _, err := a.Register(context.Background(), "Paul", "paul@example.com", "short")
	mustStatus(t, err, 400)
}

func TestLoginDoesNotRevealWhichCredentialFailed(t *testing.T) {
	mem := store.NewMemoryStore()
	a := newTestApp(t, mem, newFakeObjectStore())
	if _, _, err := a.Register(context.Background(), "Paul", "paul@example.com", "sandworms4ever"); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, _, badPass := a.Login(context.Background(), "paul@example.com", "wrongpassword")
	_, _, badEmail := a.Login(context.Background(), "nobody@example.com", "sandworms4ever")
	mustStatus(t, badPass, 401)
	mustStatus(t, badEmail, 401)
	if badPass.Error() != badEmail.Error() {
		t.Fatalf("error messages differ: %q vs %q", badPass.Error(), badEmail.Error())
	}
}

func TestUserFromTokenRejectsGarbage(t *testing.T) {
	a := newTestApp(t, store.NewMemoryStore(), newFakeObjectStore())
	if _, ok := a.UserFromToken(context.Background(), "not-a-jwt"); ok {
		t.Fatal("garbage token resolved to a user")
	}
	if _, ok := a.UserFromToken(context.Background(), ""); ok {
		t.Fatal("empty token resolved to a user")
	}
}
