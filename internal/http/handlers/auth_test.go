package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/taahir-samaai/rpa-orchestrator/internal/auth"
	"github.com/taahir-samaai/rpa-orchestrator/internal/http/handlers"
	"github.com/taahir-samaai/rpa-orchestrator/internal/security"
)

func postForm(r http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	return w
}

func TestToken(t *testing.T) {
	hash, err := security.HashPassword("s3cret")

	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	manager := auth.NewManager("test-secret", time.Hour)
	h := handlers.NewAuthHandler(manager, "operator", hash, 3600)
	r := setupRouter(http.MethodPost, "/token", h.Token)

	// wrong password
	w := postForm(r, "/token", url.Values{"username": {"operator"}, "password": {"wrong"}})

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password = %d, want 401", w.Code)
	}

	// wrong username
	w = postForm(r, "/token", url.Values{"username": {"intruder"}, "password": {"s3cret"}})

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong username = %d, want 401", w.Code)
	}

	// missing fields
	w = postForm(r, "/token", url.Values{})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty form = %d, want 400", w.Code)
	}

	// valid credentials
	w = postForm(r, "/token", url.Values{"username": {"operator"}, "password": {"s3cret"}})

	if w.Code != http.StatusOK {
		t.Fatalf("valid login = %d; body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}

	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp.TokenType != "bearer" || resp.ExpiresIn != 3600 {
		t.Fatalf("resp = %+v", resp)
	}

	claims, err := manager.VerifyAccessToken(resp.AccessToken)

	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.Username != "operator" || claims.Role != "admin" {
		t.Fatalf("claims = %+v", claims)
	}
}
