package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"shelfmark/internal/util"
	"shelfmark/pkg/domain"
	"shelfmark/pkg/storage"
	"shelfmark/pkg/store"
)

const (
	coverFolder = "covers"
	fileFolder  = "files"
)

// Config holds dependencies and tuning for the core application.
type Config struct {
	Store         store.Store
	Sessions      store.SessionStore
	Objects       storage.ObjectStore
	StoreTimeout  time.Duration
	UploadTimeout time.Duration
}

// App orchestrates catalog workflows: asset uploads, record persistence,
// ownership enforcement, and temp-file cleanup.
type App struct {
	store         store.Store
	sessions      store.SessionStore
	objects       storage.ObjectStore
	storeTimeout  time.Duration
	uploadTimeout time.Duration
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("record store required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store required")
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 60 * time.Second
	}
	return &App{
		store:         cfg.Store,
		sessions:      cfg.Sessions,
		objects:       cfg.Objects,
		storeTimeout:  cfg.StoreTimeout,
		uploadTimeout: cfg.UploadTimeout,
	}, nil
}

// TempFile describes an uploaded part spooled to local scratch storage by
// the HTTP layer. The file is owned by the current request and removed
// best-effort once the workflow finishes, whatever the outcome.
type TempFile struct {
	Path        string
	Name        string
	ContentType string
	Size        int64
}

// CreateBookInput carries the fields of a creation request.
type CreateBookInput struct {
	Title      string
	Genre      string
	CoverImage *TempFile
	BookFile   *TempFile
}

// CreateBook validates input, uploads both assets, and persists the record
// with the authenticated caller as author. Both uploads must succeed before
// anything is persisted; on any failure no record is left behind and the
// request's temp files are removed best-effort.
func (a *App) CreateBook(ctx context.Context, caller domain.User, in CreateBookInput) (domain.Book, error) {
	cleanup := newTempCleanup(in.CoverImage, in.BookFile)
	defer cleanup.run()

	in.Title = strings.TrimSpace(in.Title)
	in.Genre = strings.TrimSpace(in.Genre)
	if in.Title == "" || in.Genre == "" {
		return domain.Book{}, badRequest("title and genre are required")
	}
	if in.CoverImage == nil || in.BookFile == nil {
		return domain.Book{}, badRequest("coverImage and file are required")
	}
	if strings.TrimSpace(caller.ID) == "" {
		return domain.Book{}, unauthorized("unauthorized")
	}
	if err := checkPDF(in.BookFile.Path); err != nil {
		return domain.Book{}, badRequest("file must be a valid PDF")
	}

	id := util.NewID()
	coverKey := coverStorageKey(id, in.CoverImage.Name)
	fileKey := fileStorageKey(id, in.BookFile.Name)

	var coverURL, fileURL string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := a.uploadLocal(gctx, in.CoverImage, coverKey, coverContentType(in.CoverImage))
		if err != nil {
			return fmt.Errorf("upload cover image: %w", err)
		}
		coverURL = u
		return nil
	})
	g.Go(func() error {
		u, err := a.uploadLocal(gctx, in.BookFile, fileKey, "application/octet-stream")
		if err != nil {
			return fmt.Errorf("upload book file: %w", err)
		}
		fileURL = u
		return nil
	})
	if err := g.Wait(); err != nil {
		a.discardObjects(coverKey, fileKey)
		return domain.Book{}, badUpstream("asset upload failed", err)
	}
	if !isAbsoluteURL(coverURL) || !isAbsoluteURL(fileURL) {
		a.discardObjects(coverKey, fileKey)
		return domain.Book{}, badUpstream("asset upload failed", fmt.Errorf("upstream returned malformed asset URL"))
	}

	now := time.Now().UTC()
	book := domain.Book{
		ID:            id,
		OwnerID:       caller.ID,
		Title:         in.Title,
		Genre:         in.Genre,
		CoverImageURL: coverURL,
		FileURL:       fileURL,
		CoverImageKey: coverKey,
		FileKey:       fileKey,
		AssetMeta: map[string]string{
			"coverFilename":    filepath.Base(in.CoverImage.Name),
			"coverContentType": coverContentType(in.CoverImage),
			"fileFilename":     filepath.Base(in.BookFile.Name),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.saveBook(ctx, book); err != nil {
		a.discardObjects(coverKey, fileKey)
		return domain.Book{}, persistenceFailed("could not save book", err)
	}
	return book, nil
}

// UpdateBookInput carries the optional replacement fields of an update
// request. Empty strings and nil files leave the stored values untouched.
type UpdateBookInput struct {
	Title      string
	Genre      string
	CoverImage *TempFile
	BookFile   *TempFile
}

// UpdateBook mutates an existing record after an ownership check, uploading
// only the assets that were supplied. Absent fields retain their stored
// values; replaced assets are discarded from object storage best-effort.
func (a *App) UpdateBook(ctx context.Context, caller domain.User, id string, in UpdateBookInput) (domain.Book, error) {
	cleanup := newTempCleanup(in.CoverImage, in.BookFile)
	defer cleanup.run()

	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Book{}, badRequest("book id is required")
	}
	book, ok, err := a.getBook(ctx, id)
	if err != nil {
		return domain.Book{}, persistenceFailed("could not load book", err)
	}
	if !ok {
		return domain.Book{}, notFound("book not found")
	}
	if strings.TrimSpace(caller.ID) == "" {
		return domain.Book{}, unauthorized("unauthorized")
	}
	if book.OwnerID != caller.ID {
		return domain.Book{}, forbidden("you do not own this book")
	}
	if in.BookFile != nil {
		if err := checkPDF(in.BookFile.Path); err != nil {
			return domain.Book{}, badRequest("file must be a valid PDF")
		}
	}

	if book.AssetMeta == nil {
		book.AssetMeta = make(map[string]string)
	}
	var replaced []string
	if in.CoverImage != nil {
		key := coverStorageKey(book.ID, in.CoverImage.Name)
		u, err := a.uploadLocal(ctx, in.CoverImage, key, coverContentType(in.CoverImage))
		if err != nil {
			a.discardObjects(key)
			return domain.Book{}, badUpstream("asset upload failed", fmt.Errorf("upload cover image: %w", err))
		}
		if !isAbsoluteURL(u) {
			a.discardObjects(key)
			return domain.Book{}, badUpstream("asset upload failed", fmt.Errorf("upstream returned malformed asset URL"))
		}
		if book.CoverImageKey != "" && book.CoverImageKey != key {
			replaced = append(replaced, book.CoverImageKey)
		}
		book.CoverImageURL = u
		book.CoverImageKey = key
		book.AssetMeta["coverFilename"] = filepath.Base(in.CoverImage.Name)
		book.AssetMeta["coverContentType"] = coverContentType(in.CoverImage)
	}
	if in.BookFile != nil {
		key := fileStorageKey(book.ID, in.BookFile.Name)
		u, err := a.uploadLocal(ctx, in.BookFile, key, "application/octet-stream")
		if err != nil {
			a.discardObjects(key)
			return domain.Book{}, badUpstream("asset upload failed", fmt.Errorf("upload book file: %w", err))
		}
		if !isAbsoluteURL(u) {
			a.discardObjects(key)
			return domain.Book{}, badUpstream("asset upload failed", fmt.Errorf("upstream returned malformed asset URL"))
		}
		if book.FileKey != "" && book.FileKey != key {
			replaced = append(replaced, book.FileKey)
		}
		book.FileURL = u
		book.FileKey = key
		book.AssetMeta["fileFilename"] = filepath.Base(in.BookFile.Name)
	}
	if title := strings.TrimSpace(in.Title); title != "" {
		book.Title = title
	}
	if genre := strings.TrimSpace(in.Genre); genre != "" {
		book.Genre = genre
	}
	book.UpdatedAt = time.Now().UTC()

	if err := a.saveBook(ctx, book); err != nil {
		return domain.Book{}, persistenceFailed("could not update book", err)
	}
	a.discardObjects(replaced...)
	return book, nil
}

// GetBook retrieves a single record.
func (a *App) GetBook(ctx context.Context, id string) (domain.Book, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Book{}, badRequest("book id is required")
	}
	book, ok, err := a.getBook(ctx, id)
	if err != nil {
		return domain.Book{}, persistenceFailed("could not load book", err)
	}
	if !ok {
		return domain.Book{}, notFound("book not found")
	}
	return book, nil
}

// ListBooks returns all records.
func (a *App) ListBooks(ctx context.Context) ([]domain.Book, error) {
	ctx, cancel := a.storeCtx(ctx)
	defer cancel()
	books, err := a.store.ListBooks(ctx)
	if err != nil {
		return nil, persistenceFailed("could not list books", err)
	}
	return books, nil
}

// DeleteBook removes a record after an ownership check, then revokes both
// remote assets best-effort.
func (a *App) DeleteBook(ctx context.Context, caller domain.User, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return badRequest("book id is required")
	}
	book, ok, err := a.getBook(ctx, id)
	if err != nil {
		return persistenceFailed("could not load book", err)
	}
	if !ok {
		return notFound("book not found")
	}
	if strings.TrimSpace(caller.ID) == "" {
		return unauthorized("unauthorized")
	}
	if book.OwnerID != caller.ID {
		return forbidden("you do not own this book")
	}
	sctx, cancel := a.storeCtx(ctx)
	defer cancel()
	if err := a.store.DeleteBook(sctx, id); err != nil {
		return persistenceFailed("could not delete book", err)
	}
	a.discardObjects(book.CoverImageKey, book.FileKey)
	return nil
}

func (a *App) saveBook(ctx context.Context, book domain.Book) error {
	ctx, cancel := a.storeCtx(ctx)
	defer cancel()
	return a.store.SaveBook(ctx, book)
}

func (a *App) getBook(ctx context.Context, id string) (domain.Book, bool, error) {
	ctx, cancel := a.storeCtx(ctx)
	defer cancel()
	return a.store.GetBook(ctx, id)
}

func (a *App) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.storeTimeout)
}

// uploadLocal streams a scratch file into object storage under key and
// returns the durable URL.
func (a *App) uploadLocal(ctx context.Context, f *TempFile, key, contentType string) (string, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return "", fmt.Errorf("open temp file: %w", err)
	}
	defer file.Close()
	size := f.Size
	if size <= 0 {
		info, err := file.Stat()
		if err != nil {
			return "", fmt.Errorf("stat temp file: %w", err)
		}
		size = info.Size()
	}
	ctx, cancel := context.WithTimeout(ctx, a.uploadTimeout)
	defer cancel()
	return a.objects.Upload(ctx, key, file, size, contentType)
}

// discardObjects removes remote objects best-effort. Failures are logged
// and never escalate into the request's result.
func (a *App) discardObjects(keys ...string) {
	for _, key := range keys {
		if strings.TrimSpace(key) == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), a.uploadTimeout)
		if err := a.objects.Delete(ctx, key); err != nil {
			slog.Warn("discard remote asset", "key", key, "err", err)
		}
		cancel()
	}
}

// tempCleanup tracks every scratch file a request created so removal is
// exhaustive on all exit paths. Removal failures are logged, never surfaced.
type tempCleanup struct {
	paths []string
}

func newTempCleanup(files ...*TempFile) *tempCleanup {
	c := &tempCleanup{}
	for _, f := range files {
		if f != nil && f.Path != "" {
			c.paths = append(c.paths, f.Path)
		}
	}
	return c
}

func (c *tempCleanup) run() {
	for _, p := range c.paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("remove temp file", "path", p, "err", err)
		}
	}
}

// checkPDF verifies the scratch file parses as a PDF with at least one page.
func checkPDF(path string) error {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()
	if reader.NumPage() < 1 {
		return fmt.Errorf("pdf has no pages")
	}
	return nil
}

func coverContentType(f *TempFile) string {
	if ct := strings.TrimSpace(f.ContentType); ct != "" {
		return ct
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(f.Name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// coverStorageKey keeps the cover's original name and format.
func coverStorageKey(bookID, filename string) string {
	name := sanitizeFilename(filepath.Base(filename))
	if name == "" {
		name = "cover"
	}
	return path.Join(coverFolder, bookID, name)
}

// fileStorageKey forces the stored book file to the product's single
// supported document format.
func fileStorageKey(bookID, filename string) string {
	base := sanitizeFilename(strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)))
	if base == "" {
		base = "book"
	}
	return path.Join(fileFolder, bookID, base+".pdf")
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}
