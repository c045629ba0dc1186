package store

import (
	"context"

	"shelfmark/pkg/domain"
)

// Store defines persistence operations for users and books.
//
// Implementations normalize the book owner to a plain string identifier so
// callers can compare ownership without caring how the reference is stored.
type Store interface {
	// users
	SaveUser(ctx context.Context, u domain.User) error
	HasUserEmail(ctx context.Context, email string) (bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)

	// books
	SaveBook(ctx context.Context, b domain.Book) error
	GetBook(ctx context.Context, id string) (domain.Book, bool, error)
	ListBooks(ctx context.Context) ([]domain.Book, error)
	DeleteBook(ctx context.Context, id string) error
}

// SessionStore issues and validates bearer session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
}
