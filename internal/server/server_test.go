package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"shelfmark/internal/app"
	"shelfmark/pkg/store"
)

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Upload(_ context.Context, key string, r io.Reader, _ int64, _ string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.objects[key] = data
	f.mu.Unlock()
	return f.PublicURL(key), nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	delete(f.objects, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeObjectStore) PublicURL(key string) string {
	return "https://assets.test/shelfmark/" + key
}

func minimalPDF() []byte {
	var buf bytes.Buffer
	offsets := make([]int, 4)
	buf.WriteString("%PDF-1.4\n")
	offsets[1] = buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	offsets[2] = buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")
	offsets[3] = buf.Len()
	buf.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>\nendobj\n")
	xref := buf.Len()
	buf.WriteString("xref\n0 4\n")
	buf.WriteString("0000000000 65535 f \n")
	for i := 1; i <= 3; i++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size 4 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xref)
	return buf.Bytes()
}

type testEnv struct {
	srv       *httptest.Server
	uploadDir string
	store     *store.MemoryStore
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	mem := store.NewMemoryStore()
	sessions, err := store.NewJWTSessionStore("test-secret", store.JWTOptions{})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	coreApp, err := app.New(app.Config{Store: mem, Sessions: sessions, Objects: newFakeObjectStore()})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	uploadDir := t.TempDir()
	cfg := Config{App: coreApp, UploadDir: uploadDir}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, uploadDir: uploadDir, store: mem}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any, out any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp
}

func (e *testEnv) register(t *testing.T, name, email string) string {
	t.Helper()
	var auth struct {
		Token string `json:"token"`
	}
	resp := e.postJSON(t, "/api/users/register", map[string]string{
		"name": name, "email": email, "password": "sandworms4ever",
	}, &auth)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	if auth.Token == "" {
		t.Fatal("empty token from register")
	}
	return auth.Token
}

func bookForm(t *testing.T, fields map[string]string, withCover, withFile bool) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if withCover {
		part, err := mw.CreateFormFile("coverImage", "dune-cover.png")
		if err != nil {
			t.Fatalf("create cover part: %v", err)
		}
		part.Write([]byte("png-bytes"))
	}
	if withFile {
		part, err := mw.CreateFormFile("file", "dune.pdf")
		if err != nil {
			t.Fatalf("create file part: %v", err)
		}
		part.Write(minimalPDF())
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (e *testEnv) createBook(t *testing.T, token string) string {
	t.Helper()
	body, ct := bookForm(t, map[string]string{"title": "Dune", "genre": "Scifi"}, true, true)
	resp := e.do(t, http.MethodPost, "/api/books", token, body, ct)
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("create status = %d, body %s", resp.StatusCode, raw)
	}
	var created struct {
		ID string `json:"id"`
	}
	decodeBody(t, resp, &created)
	if created.ID == "" {
		t.Fatal("empty book id in create response")
	}
	return created.ID
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCreateFetchDeleteBookEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "Paul", "paul@example.com")
	id := env.createBook(t, token)

	resp := env.do(t, http.MethodGet, "/api/books/"+id, "", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch status = %d", resp.StatusCode)
	}
	var book struct {
		Title      string `json:"title"`
		Genre      string `json:"genre"`
		CoverImage string `json:"coverImage"`
		File       string `json:"file"`
		Author     string `json:"author"`
	}
	decodeBody(t, resp, &book)
	if book.Title != "Dune" || book.Genre != "Scifi" {
		t.Fatalf("fetched book mismatch: %+v", book)
	}
	if !strings.HasPrefix(book.CoverImage, "https://") || !strings.HasPrefix(book.File, "https://") {
		t.Fatalf("asset URLs not durable: %+v", book)
	}

	entries, err := os.ReadDir(env.uploadDir)
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("upload scratch dir not cleaned: %d entries", len(entries))
	}

	resp = env.do(t, http.MethodDelete, "/api/books/"+id, token, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodGet, "/api/books/"+id, "", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("fetch after delete status = %d", resp.StatusCode)
	}
}

func TestListBooksIsPublic(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "Paul", "paul@example.com")
	env.createBook(t, token)

	resp := env.do(t, http.MethodGet, "/api/books", "", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var books []json.RawMessage
	decodeBody(t, resp, &books)
	if len(books) != 1 {
		t.Fatalf("expected one book, got %d", len(books))
	}
}

func TestMutatingRoutesRequireBearerToken(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "Paul", "paul@example.com")
	id := env.createBook(t, token)

	body, ct := bookForm(t, map[string]string{"title": "X", "genre": "Y"}, true, true)
	tests := []struct {
		method, path string
		body         io.Reader
		contentType  string
	}{
		{http.MethodPost, "/api/books", body, ct},
		{http.MethodPatch, "/api/books/" + id, nil, ""},
		{http.MethodDelete, "/api/books/" + id, nil, ""},
	}
	for _, tc := range tests {
		resp := env.do(t, tc.method, tc.path, "", tc.body, tc.contentType)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s %s without token: status = %d", tc.method, tc.path, resp.StatusCode)
		}
		var msg struct {
			Message string `json:"message"`
		}
		decodeBody(t, resp, &msg)
		if msg.Message == "" {
			t.Fatalf("%s %s: empty error message", tc.method, tc.path)
		}
	}
}

func TestUpdateByNonOwnerIsForbidden(t *testing.T) {
	env := newTestEnv(t, nil)
	ownerToken := env.register(t, "Paul", "paul@example.com")
	id := env.createBook(t, ownerToken)
	otherToken := env.register(t, "Feyd", "feyd@example.com")

	body, ct := bookForm(t, map[string]string{"title": "Hijacked"}, false, false)
	resp := env.do(t, http.MethodPatch, "/api/books/"+id, otherToken, body, ct)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestUpdateBookFieldsOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "Paul", "paul@example.com")
	id := env.createBook(t, token)

	body, ct := bookForm(t, map[string]string{"title": "Dune Messiah"}, false, false)
	resp := env.do(t, http.MethodPatch, "/api/books/"+id, token, body, ct)
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("update status = %d, body %s", resp.StatusCode, raw)
	}

	fetched := env.do(t, http.MethodGet, "/api/books/"+id, "", nil, "")
	var book struct {
		Title string `json:"title"`
		Genre string `json:"genre"`
	}
	decodeBody(t, fetched, &book)
	if book.Title != "Dune Messiah" || book.Genre != "Scifi" {
		t.Fatalf("update result mismatch: %+v", book)
	}
}

func TestCreateBookValidationError(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.register(t, "Paul", "paul@example.com")

	body, ct := bookForm(t, map[string]string{"genre": "Scifi"}, true, true)
	resp := env.do(t, http.MethodPost, "/api/books", token, body, ct)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var msg struct {
		Message string `json:"message"`
	}
	decodeBody(t, resp, &msg)
	if msg.Message == "" {
		t.Fatal("expected error message in body")
	}
}

func TestRegisterDuplicateEmailOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "Paul", "paul@example.com")

	resp := env.postJSON(t, "/api/users/register", map[string]string{
		"name": "Impostor", "email": "paul@example.com", "password": "differentpass",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "Paul", "paul@example.com")

	resp := env.postJSON(t, "/api/users/login", map[string]string{
		"email": "paul@example.com", "password": "wrongpassword",
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodPut, "/api/books", "", nil, "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestLoginRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RedisAddr = mr.Addr()
		cfg.LoginRateLimitPerMinute = 2
	})
	env.register(t, "Paul", "paul@example.com")

	creds := map[string]string{"email": "paul@example.com", "password": "sandworms4ever"}
	for i := 0; i < 2; i++ {
		resp := env.postJSON(t, "/api/users/login", creds, nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("login %d status = %d", i+1, resp.StatusCode)
		}
	}
	resp := env.postJSON(t, "/api/users/login", creds, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}
