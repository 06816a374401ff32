package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ignite/telegram-broadcaster/internal/domain"
	"github.com/ignite/telegram-broadcaster/internal/service/access"
	"github.com/ignite/telegram-broadcaster/internal/service/campaigns"
	"github.com/ignite/telegram-broadcaster/internal/service/groups"
)

// In-memory repositories so handler tests run against the real services.

type memGroupRepo struct{ byKey map[string]*domain.TargetGroup }

func (r *memGroupRepo) Upsert(ctx context.Context, g *domain.TargetGroup) error {
	cp := *g
	r.byKey[g.UserID+"|"+g.ID] = &cp
	return nil
}

func (r *memGroupRepo) Remove(ctx context.Context, userID, id string) error {
	k := userID + "|" + id
	if _, ok := r.byKey[k]; !ok {
		return groups.ErrNotFound
	}
	delete(r.byKey, k)
	return nil
}

func (r *memGroupRepo) ListActive(ctx context.Context, userID string) ([]domain.TargetGroup, error) {
	var out []domain.TargetGroup
	for _, g := range r.byKey {
		if g.UserID == userID {
			out = append(out, *g)
		}
	}
	return out, nil
}

type memCampaignRepo struct{ byUser map[string]*domain.Campaign }

func (r *memCampaignRepo) GetByUser(ctx context.Context, userID string) (*domain.Campaign, error) {
	c, ok := r.byUser[userID]
	if !ok {
		return nil, campaigns.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memCampaignRepo) Save(ctx context.Context, c *domain.Campaign) (*domain.Campaign, error) {
	cp := *c
	r.byUser[c.UserID] = &cp
	return &cp, nil
}

type memAccessRepo struct{ byUser map[string]*domain.AllowedUser }

func (r *memAccessRepo) Get(ctx context.Context, userID string) (*domain.AllowedUser, error) {
	u, ok := r.byUser[userID]
	if !ok {
		return nil, access.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memAccessRepo) Insert(ctx context.Context, u *domain.AllowedUser) error {
	cp := *u
	r.byUser[u.UserID] = &cp
	return nil
}

func (r *memAccessRepo) SetExpiry(ctx context.Context, userID string, expiresAt *time.Time) error {
	u, ok := r.byUser[userID]
	if !ok {
		return access.ErrNotFound
	}
	u.ExpiresAt = expiresAt
	u.IsActive = true
	return nil
}

func (r *memAccessRepo) SetActive(ctx context.Context, userID string, active bool) error {
	u, ok := r.byUser[userID]
	if !ok {
		return access.ErrNotFound
	}
	u.IsActive = active
	return nil
}

func testHandler(t *testing.T) http.Handler {
	t.Helper()
	deps := Deps{
		Groups:    groups.NewService(&memGroupRepo{byKey: map[string]*domain.TargetGroup{}}),
		Campaigns: campaigns.NewService(&memCampaignRepo{byUser: map[string]*domain.Campaign{}}),
		Access:    access.NewService(&memAccessRepo{byUser: map[string]*domain.AllowedUser{}}, "42", nil),
	}
	return SetupRoutes(NewHandlers(deps))
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	h := testHandler(t)
	w := doJSON(t, h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", resp["status"])
	}
}

func TestGroupLifecycle(t *testing.T) {
	h := testHandler(t)

	w := doJSON(t, h, http.MethodPost, "/api/groups",
		`{"user_id":"owner-1","id":"1234567","title":"Deals","type":"supergroup"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /api/groups = %d, want 201: %s", w.Code, w.Body.String())
	}
	var created domain.TargetGroup
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID != "-1001234567" {
		t.Errorf("created ID = %q, want normalized -1001234567", created.ID)
	}

	w = doJSON(t, h, http.MethodGet, "/api/groups?user_id=owner-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/groups = %d, want 200", w.Code)
	}
	var listResp struct {
		Groups []domain.TargetGroup `json:"groups"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listResp.Groups) != 1 {
		t.Fatalf("len(groups) = %d, want 1", len(listResp.Groups))
	}

	w = doJSON(t, h, http.MethodDelete, "/api/groups/-1001234567?user_id=owner-1", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("DELETE = %d, want 204", w.Code)
	}
	w = doJSON(t, h, http.MethodDelete, "/api/groups/-1001234567?user_id=owner-1", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second DELETE = %d, want 404", w.Code)
	}
}

func TestGroups_MissingUserID(t *testing.T) {
	h := testHandler(t)
	if w := doJSON(t, h, http.MethodGet, "/api/groups", ""); w.Code != http.StatusBadRequest {
		t.Errorf("GET without user_id = %d, want 400", w.Code)
	}
}

func TestCampaignValidation(t *testing.T) {
	h := testHandler(t)

	w := doJSON(t, h, http.MethodPut, "/api/campaign",
		`{"user_id":"owner-1","interval_seconds":30}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("PUT interval=30 = %d, want 400", w.Code)
	}

	w = doJSON(t, h, http.MethodPut, "/api/campaign",
		`{"user_id":"owner-1","is_active":true}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("PUT activate-without-setup = %d, want 400", w.Code)
	}

	w = doJSON(t, h, http.MethodPut, "/api/campaign",
		`{"user_id":"owner-1","message":"hello","interval_seconds":300,"is_active":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT full setup = %d, want 200: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodGet, "/api/campaign?user_id=owner-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/campaign = %d, want 200", w.Code)
	}
	var c domain.Campaign
	if err := json.Unmarshal(w.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !c.IsActive || c.IntervalSeconds != 300 {
		t.Errorf("campaign = %+v, want active with 300s interval", c)
	}
}

func TestCampaign_Unconfigured(t *testing.T) {
	h := testHandler(t)
	if w := doJSON(t, h, http.MethodGet, "/api/campaign?user_id=nobody", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET unconfigured campaign = %d, want 404", w.Code)
	}
}

func TestAccessCheck(t *testing.T) {
	h := testHandler(t)

	// Owner is always allowed.
	w := doJSON(t, h, http.MethodPost, "/api/access/check", `{"user_id":"42"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /api/access/check = %d, want 200", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["allowed"] != true {
		t.Errorf("owner allowed = %v, want true", resp["allowed"])
	}

	// Unknown user is recorded and denied.
	w = doJSON(t, h, http.MethodPost, "/api/access/check", `{"user_id":"555","username":"newbie"}`)
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["allowed"] != false || resp["reason"] != "not-registered" {
		t.Errorf("unknown user = %v, want denied not-registered", resp)
	}

	// Grant, then the same user passes.
	w = doJSON(t, h, http.MethodPost, "/api/access/grant", `{"user_id":"555","days":30}`)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /api/access/grant = %d, want 200", w.Code)
	}
	w = doJSON(t, h, http.MethodPost, "/api/access/check", `{"user_id":"555"}`)
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["allowed"] != true {
		t.Errorf("granted user allowed = %v, want true", resp["allowed"])
	}
}

func TestUnavailableCollaborators(t *testing.T) {
	h := testHandler(t)

	if w := doJSON(t, h, http.MethodGet, "/api/remote-groups?user_id=owner-1", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /api/remote-groups without pool = %d, want 503", w.Code)
	}
	if w := doJSON(t, h, http.MethodPost, "/api/login/start", `{"user_id":"owner-1","phone":"+15551234567"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("POST /api/login/start without manager = %d, want 503", w.Code)
	}
}
