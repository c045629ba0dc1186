package domain

import "time"

// Book is a catalog record. CoverImageURL and FileURL always point at
// assets that were fully persisted in object storage before the record
// was saved; a record never references a partial upload.
type Book struct {
	ID            string            `json:"id"`
	OwnerID       string            `json:"author"`
	Title         string            `json:"title"`
	Genre         string            `json:"genre"`
	CoverImageURL string            `json:"coverImage"`
	FileURL       string            `json:"file"`
	CoverImageKey string            `json:"-"`
	FileKey       string            `json:"-"`
	AssetMeta     map[string]string `json:"-"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
