// Package testutil provides a mock organization admin API for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"
)

// MockPage is the response served for one cursor.
type MockPage struct {
	// Records are encoded as the data array. Nil with OmitData false
	// serves an empty array.
	Records []any

	// NextCursor is embedded in links.next when non-empty.
	NextCursor string

	// OmitData drops the data key from the body.
	OmitData bool

	// StatusCode overrides 200.
	StatusCode int

	// RawBody replaces the JSON body entirely.
	RawBody string

	// Delay is applied before responding.
	Delay time.Duration
}

// MockAdminAPI is a configurable mock of GET /admin/v1/orgs/{org}/users.
// Pages are keyed by the cursor query parameter; the first page uses "".
type MockAdminAPI struct {
	server *httptest.Server
	orgID  string

	mu        sync.RWMutex
	pages     map[string]MockPage
	cursors   []string
	lastAuth  string
	inFlight  int
	maxFlight int
}

// NewMockAdminAPI starts a mock server for orgID.
func NewMockAdminAPI(orgID string) *MockAdminAPI {
	m := &MockAdminAPI{
		orgID: orgID,
		pages: make(map[string]MockPage),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the mock server base URL.
func (m *MockAdminAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAdminAPI) Close() {
	m.server.Close()
}

// SetPage configures the page served for cursor.
func (m *MockAdminAPI) SetPage(cursor string, page MockPage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[cursor] = page
}

// Cursors returns the cursors requested, in order.
func (m *MockAdminAPI) Cursors() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.cursors...)
}

// RequestCount returns the number of page requests received.
func (m *MockAdminAPI) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cursors)
}

// LastAuthorization returns the Authorization header of the last request.
func (m *MockAdminAPI) LastAuthorization() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastAuth
}

// MaxConcurrent returns the highest number of requests served at once.
func (m *MockAdminAPI) MaxConcurrent() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxFlight
}

func (m *MockAdminAPI) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != m.usersPath() {
		http.NotFound(w, r)
		return
	}

	cursor := r.URL.Query().Get("cursor")

	m.mu.Lock()
	m.cursors = append(m.cursors, cursor)
	m.lastAuth = r.Header.Get("Authorization")
	m.inFlight++
	if m.inFlight > m.maxFlight {
		m.maxFlight = m.inFlight
	}
	page, ok := m.pages[cursor]
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"errors":[{"title":"unknown cursor %q"}]}`, cursor)
		return
	}

	if page.Delay > 0 {
		time.Sleep(page.Delay)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	status := page.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	if page.RawBody != "" {
		w.WriteHeader(status)
		w.Write([]byte(page.RawBody))
		return
	}

	body := map[string]any{"links": map[string]any{}}
	if !page.OmitData {
		records := page.Records
		if records == nil {
			records = []any{}
		}
		body["data"] = records
	}
	if page.NextCursor != "" {
		next := m.server.URL + m.usersPath() + "?" + url.Values{"cursor": {page.NextCursor}}.Encode()
		body["links"] = map[string]any{"self": r.URL.String(), "next": next}
	}

	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (m *MockAdminAPI) usersPath() string {
	return "/admin/v1/orgs/" + m.orgID + "/users"
}

// Account builds a record in the admin API shape.
func Account(id, status string, products ...map[string]any) map[string]any {
	access := make([]any, 0, len(products))
	for _, p := range products {
		access = append(access, p)
	}
	return map[string]any{
		"account_id":      id,
		"account_type":    "atlassian",
		"account_status":  status,
		"name":            "User " + id,
		"email":           id + "@example.com",
		"access_billable": true,
		"last_active":     "2024-03-01T00:00:00.000Z",
		"product_access":  access,
	}
}

// Product builds a product access entry. An empty lastActive omits the
// field.
func Product(key, productURL, lastActive string) map[string]any {
	p := map[string]any{
		"key":  key,
		"name": key,
		"url":  productURL,
	}
	if lastActive != "" {
		p["last_active"] = lastActive
	}
	return p
}
