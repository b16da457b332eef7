package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wispberry-tech/wispy-access/license"
	"github.com/wispberry-tech/wispy-access/playback"
	"github.com/wispberry-tech/wispy-access/totp"
)

// TestAccessService_NewAccessService tests the AccessService constructor
func TestAccessService_NewAccessService(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid_config_with_defaults",
			config: Config{
				Storage:  mustCreateTestStorage(t),
				Licenses: newFakeLicenses(),
			},
		},
		{
			name: "valid_config_with_custom_sessions",
			config: Config{
				Storage:  mustCreateTestStorage(t),
				Licenses: newFakeLicenses(),
				SessionConfig: SessionConfig{
					SessionLifetime: 2 * time.Hour,
					SingleUseCodes:  true,
				},
				Issuer: "Test Issuer",
			},
		},
		{
			name:    "nil_storage",
			config:  Config{Licenses: newFakeLicenses()},
			wantErr: true,
			errMsg:  "storage is required",
		},
		{
			name:    "nil_license_validator",
			config:  Config{Storage: mustCreateTestStorage(t)},
			wantErr: true,
			errMsg:  "license validator is required",
		},
		{
			name: "unreachable_storage",
			config: Config{
				Storage:  &mockStorage{pingErr: errors.New("connection refused")},
				Licenses: newFakeLicenses(),
			},
			wantErr: true,
			errMsg:  "failed to connect to storage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewAccessService(tt.config)

			if tt.wantErr {
				if err == nil {
					t.Fatalf("NewAccessService() expected error but got none")
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("NewAccessService() error = %v, expected to contain %v", err, tt.errMsg)
				}
				return
			}

			if err != nil {
				t.Fatalf("NewAccessService() unexpected error = %v", err)
			}
			if svc.issuer == "" {
				t.Error("issuer should default when empty")
			}
			if svc.sessionConfig.CookieName != "session_id" {
				t.Errorf("cookie name = %q, want session_id", svc.sessionConfig.CookieName)
			}
		})
	}
}

func TestDefaultSessionConfig(t *testing.T) {
	cfg := DefaultSessionConfig()

	if cfg.SessionLifetime != time.Hour {
		t.Errorf("SessionLifetime = %v, want 1h", cfg.SessionLifetime)
	}
	if cfg.SweepInterval != 15*time.Minute {
		t.Errorf("SweepInterval = %v, want 15m", cfg.SweepInterval)
	}
	if cfg.SingleUseCodes {
		t.Error("SingleUseCodes should be off by default")
	}
	if cfg.PlaybackTTL != time.Hour {
		t.Errorf("PlaybackTTL = %v, want 1h", cfg.PlaybackTTL)
	}
	if cfg.InsecureCookies {
		t.Error("cookies should be Secure by default")
	}
}

func TestExtractIPFromRequest(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xRealIP    string
		want       string
	}{
		{"remote_addr_only", "203.0.113.7:51234", "", "", "203.0.113.7"},
		{"forwarded_first_hop", "10.0.0.1:80", "198.51.100.2, 10.0.0.5", "", "198.51.100.2"},
		{"real_ip_fallback", "10.0.0.1:80", "", "198.51.100.9", "198.51.100.9"},
		{"garbage_forwarded_falls_through", "10.0.0.1:80", "not-an-ip", "", "10.0.0.1"},
		{"ipv6_remote", "[2001:db8::1]:443", "", "", "2001:db8::1"},
		{"bare_ip_remote", "192.0.2.4", "", "", "192.0.2.4"},
		{"nothing_parses", "???", "", "", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractIPFromRequest(tt.remoteAddr, tt.xff, tt.xRealIP); got != tt.want {
				t.Errorf("extractIPFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGenerateSessionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := generateSessionID()
		if err != nil {
			t.Fatalf("generateSessionID: %v", err)
		}
		if len(id) != 64 {
			t.Fatalf("len(id) = %d, want 64", len(id))
		}
		if seen[id] {
			t.Fatal("duplicate session id")
		}
		seen[id] = true
	}
}

// Helper functions for tests

const (
	testLicenseKey = "ABC123"
	testEmail      = "buyer@example.com"
	testSlug       = "demo"
	testProductID  = "P1"
	testAddress    = "203.0.113.10"
	otherAddress   = "198.51.100.20"
)

// testClock is a settable time source shared by the service and signers under test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000010, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeLicenses is an in-memory licensing authority
type fakeLicenses struct {
	mu       sync.Mutex
	licenses map[string]*license.License
	err      error
	calls    int
}

func newFakeLicenses() *fakeLicenses {
	return &fakeLicenses{
		licenses: map[string]*license.License{
			testLicenseKey: {ProductID: testProductID, ProductName: "Demo", Email: testEmail, LicenseKey: testLicenseKey},
		},
	}
}

func (f *fakeLicenses) Validate(ctx context.Context, key, expectedProductID string) (*license.License, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if f.err != nil {
		return nil, f.err
	}
	lic, ok := f.licenses[key]
	if !ok {
		return nil, license.ErrInvalidLicense
	}
	if expectedProductID != "" && lic.ProductID != expectedProductID {
		return nil, license.ErrProductMismatch
	}
	copied := *lic
	return &copied, nil
}

// mockStorage implements the Storage interface for testing
type mockStorage struct {
	mu             sync.RWMutex
	projects       map[int64]*Project
	blocks         []ContentBlock
	accessCodes    map[string]*AccessCode
	sessions       map[string]*Session
	securityEvents []*SecurityEvent
	nextID         int64

	pingErr       error
	getSessionErr error
	sessionWrites int
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		projects:    make(map[int64]*Project),
		accessCodes: make(map[string]*AccessCode),
		sessions:    make(map[string]*Session),
		nextID:      1,
	}
}

func accessCodeKey(projectID int64, email string) string {
	return fmt.Sprintf("%d:%s", projectID, email)
}

func (m *mockStorage) GetProjectBySlug(ctx context.Context, slug string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.projects {
		if p.Slug == slug && p.Active {
			copied := *p
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *mockStorage) GetProjectByID(ctx context.Context, id int64) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.projects[id]; ok {
		copied := *p
		return &copied, nil
	}
	return nil, nil
}

func (m *mockStorage) CreateProject(ctx context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.projects {
		if existing.Slug == p.Slug {
			return ErrDuplicate
		}
	}
	p.ID = m.nextID
	m.nextID++
	copied := *p
	m.projects[p.ID] = &copied
	return nil
}

func (m *mockStorage) UpdateProject(ctx context.Context, id int64, u ProjectUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return ErrProjectNotFound
	}
	if u.Title != nil {
		p.Title = *u.Title
	}
	if u.Description != nil {
		p.Description = *u.Description
	}
	if u.ImageURL != nil {
		p.ImageURL = *u.ImageURL
	}
	if u.ProductID != nil {
		p.ProductID = *u.ProductID
	}
	if u.Active != nil {
		p.Active = *u.Active
	}
	return nil
}

func (m *mockStorage) CreateContentBlock(ctx context.Context, b ContentBlock) (int64, error) {
	if err := ValidateBlock(b); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row := RowFromBlock(b)
	row.Meta.ID = m.nextID
	m.nextID++
	stored, err := BlockFromRow(row)
	if err != nil {
		return 0, err
	}
	m.blocks = append(m.blocks, stored)
	return row.Meta.ID, nil
}

func (m *mockStorage) ListContentBlocks(ctx context.Context, projectID int64, activeOnly bool) ([]ContentBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ContentBlock
	for _, b := range m.blocks {
		meta := b.Meta()
		if meta.ProjectID != projectID || (activeOnly && !meta.Active) {
			continue
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Meta().OrderIndex < out[j].Meta().OrderIndex
	})
	return out, nil
}

func (m *mockStorage) GetAccessCode(ctx context.Context, projectID int64, email string) (*AccessCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ac, ok := m.accessCodes[accessCodeKey(projectID, email)]; ok {
		copied := *ac
		return &copied, nil
	}
	return nil, nil
}

func (m *mockStorage) CreateAccessCode(ctx context.Context, ac *AccessCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := accessCodeKey(ac.ProjectID, ac.Email)
	if _, exists := m.accessCodes[key]; exists {
		return ErrDuplicate
	}
	copied := *ac
	m.accessCodes[key] = &copied
	return nil
}

func (m *mockStorage) findAccessCode(id string) *AccessCode {
	for _, ac := range m.accessCodes {
		if ac.ID == id {
			return ac
		}
	}
	return nil
}

func (m *mockStorage) TouchAccessCode(ctx context.Context, id, ipAddress string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ac := m.findAccessCode(id); ac != nil {
		ac.IPAddress = ipAddress
		ac.LastUsedAt = &at
	}
	return nil
}

func (m *mockStorage) AdvanceTOTPStep(ctx context.Context, id string, step int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ac := m.findAccessCode(id)
	if ac == nil || ac.LastStep >= step {
		return false, nil
	}
	ac.LastStep = step
	return true, nil
}

func (m *mockStorage) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.sessions[s.ID] = &copied
	return nil
}

func (m *mockStorage) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.getSessionErr != nil {
		return nil, m.getSessionErr
	}
	if s, ok := m.sessions[id]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, nil
}

func (m *mockStorage) TouchSession(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionWrites++
	if s, ok := m.sessions[id]; ok {
		s.LastActivityAt = at
	}
	return nil
}

func (m *mockStorage) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionWrites++
	delete(m.sessions, id)
	return nil
}

func (m *mockStorage) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if !s.ExpiresAt.After(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *mockStorage) CreateSecurityEvent(ctx context.Context, e *SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.securityEvents) + 1)
	m.securityEvents = append(m.securityEvents, e)
	return nil
}

func (m *mockStorage) GetSecurityEvents(ctx context.Context, projectID *int64, eventType string, limit, offset int) ([]*SecurityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SecurityEvent
	for _, e := range m.securityEvents {
		if projectID != nil && (e.ProjectID == nil || *e.ProjectID != *projectID) {
			continue
		}
		if eventType != "" && e.EventType != eventType {
			continue
		}
		out = append(out, e)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStorage) sessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *mockStorage) Ping(ctx context.Context) error { return m.pingErr }
func (m *mockStorage) Close() error                   { return nil }

// mustCreateTestStorage creates a mock storage for testing
func mustCreateTestStorage(t *testing.T) *mockStorage {
	t.Helper()
	return newMockStorage()
}

// testEnv bundles a service with the fakes behind it
type testEnv struct {
	svc      *AccessService
	store    *mockStorage
	licenses *fakeLicenses
	clock    *testClock
	signer   *playback.Signer
	project  *Project
}

// mustCreateTestEnv creates an AccessService over mock storage with a "demo" project bound to P1
func mustCreateTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	store := mustCreateTestStorage(t)
	project := mustCreateTestProject(t, store, testSlug, testProductID)
	clock := newTestClock()
	licenses := newFakeLicenses()

	signer, err := playback.NewSigner("lib-1", "stream-key")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	signer.Now = clock.Now

	cfg := Config{
		Storage:       store,
		Licenses:      licenses,
		Playback:      signer,
		SessionConfig: DefaultSessionConfig(),
		Clock:         clock.Now,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	svc, err := NewAccessService(cfg)
	if err != nil {
		t.Fatalf("Failed to create test AccessService: %v", err)
	}

	return &testEnv{svc: svc, store: store, licenses: licenses, clock: clock, signer: signer, project: project}
}

func mustCreateTestProject(t *testing.T, store Storage, slug, productID string) *Project {
	t.Helper()
	p := &Project{Slug: slug, Title: strings.ToUpper(slug), ProductID: productID, Active: true}
	if err := store.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

// mustRedeem redeems the test license and returns the stored access code
func mustRedeem(t *testing.T, env *testEnv) *AccessCode {
	t.Helper()
	r, err := env.svc.RedeemLicense(context.Background(), RedeemRequest{
		LicenseKey: testLicenseKey,
		Slug:       testSlug,
		IPAddress:  testAddress,
	})
	if err != nil {
		t.Fatalf("RedeemLicense: %v", err)
	}
	return r.AccessCode
}

// currentCode returns the TOTP code for ac at the env clock
func currentCode(t *testing.T, env *testEnv, ac *AccessCode) string {
	t.Helper()
	code, err := totp.GenerateCode(ac.TOTPSecret, env.clock.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	return code
}

// mustLogin redeems, logs in from testAddress and returns the session
func mustLogin(t *testing.T, env *testEnv) *Session {
	t.Helper()
	ac := mustRedeem(t, env)
	s, err := env.svc.Login(context.Background(), LoginRequest{
		Slug:      testSlug,
		Email:     testEmail,
		Code:      currentCode(t, env, ac),
		IPAddress: testAddress,
		UserAgent: "test-agent",
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return s
}

// createTestRequest creates an HTTP request with JSON body for testing
func createTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, url, reader)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = testAddress + ":40000"
	return req
}
