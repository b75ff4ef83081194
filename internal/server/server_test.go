package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/ckpay/platform/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing: in-memory storage,
// in-memory ledger, in-process unit host.
func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		LogFormat:             "text",
		RateLimitRPS:          1000,
		WebhookTimeoutSeconds: 10,
		WebhookMaxRetries:     3,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// doJSON performs a request with an optional caller principal and JSON body.
func doJSON(t *testing.T, s *Server, method, path, principal, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if principal != "" {
		req.Header.Set("X-Principal", principal)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func parseJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return resp
}

const provisionBody = `{
	"name": "Test Shop",
	"supportedTokens": [
		{"symbol": "ckBTC", "name": "Chain-key Bitcoin", "decimals": 8, "ledgerId": "mxzaz-hqaaa-aaaar-qaada-cai", "fee": 10, "active": true}
	]
}`

// provisionTestUnit provisions a unit for owner and returns its ID.
func provisionTestUnit(t *testing.T, s *Server, owner string) string {
	t.Helper()
	w := doJSON(t, s, "POST", "/v1/factory/units", owner, provisionBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 provisioning unit, got %d: %s", w.Code, w.Body.String())
	}
	resp := parseJSON(t, w)
	id, _ := resp["id"].(string)
	if id == "" {
		t.Fatal("Expected unit id in provision response")
	}
	return id
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	resp := parseJSON(t, w)
	if resp["healthy"] != true {
		t.Errorf("Expected healthy true, got %v", resp["healthy"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/live", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/ready", "", "")

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/factory/units",
		"GET:/v1/factory/units/:id/status",
		"PUT:/v1/factory/package",
		"GET:/v1/units/:id/config",
		"POST:/v1/units/:id/invoices",
		"POST:/v1/units/:id/payments",
		"POST:/v1/units/:id/withdrawals",
		"POST:/v1/units/:id/coupons",
		"POST:/v1/units/:id/plans",
		"POST:/v1/units/:id/subscriptions",
		"GET:/v1/units/:id/analytics",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/nonexistent", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Factory endpoint tests
// ---------------------------------------------------------------------------

func TestProvisionUnit(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/factory/units", "merchant-1", provisionBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	resp := parseJSON(t, w)
	if resp["owner"] != "merchant-1" {
		t.Errorf("Expected owner merchant-1, got %v", resp["owner"])
	}
	if resp["name"] != "Test Shop" {
		t.Errorf("Expected name Test Shop, got %v", resp["name"])
	}
	if resp["active"] != true {
		t.Error("Expected provisioned unit to be active")
	}
}

func TestProvisionRequiresPrincipal(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/factory/units", "", provisionBody)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for anonymous caller, got %d: %s", w.Code, w.Body.String())
	}
}

func TestProvisionRejectsInvalidConfig(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/factory/units", "merchant-1", `{"name":"No Tokens","supportedTokens":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for config without tokens, got %d", w.Code)
	}
}

func TestUnitStatusAndStats(t *testing.T) {
	s := newTestServer(t)
	id := provisionTestUnit(t, s, "merchant-1")

	w := doJSON(t, s, "GET", "/v1/factory/units/"+id+"/status", "merchant-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	status := parseJSON(t, w)
	if status["state"] != "running" {
		t.Errorf("Expected running unit, got %v", status["state"])
	}

	w = doJSON(t, s, "GET", "/v1/factory/stats", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	stats := parseJSON(t, w)
	if stats["totalUnits"] != float64(1) {
		t.Errorf("Expected 1 total unit, got %v", stats["totalUnits"])
	}
}

func TestUnitsByOwner(t *testing.T) {
	s := newTestServer(t)
	id := provisionTestUnit(t, s, "merchant-1")
	provisionTestUnit(t, s, "merchant-2")

	w := doJSON(t, s, "GET", "/v1/factory/owners/merchant-1/units", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	resp := parseJSON(t, w)
	units, _ := resp["units"].([]interface{})
	if len(units) != 1 {
		t.Fatalf("Expected 1 unit for merchant-1, got %d", len(units))
	}
	rec := units[0].(map[string]interface{})
	if rec["id"] != id {
		t.Errorf("Expected unit %s, got %v", id, rec["id"])
	}
}

// ---------------------------------------------------------------------------
// Hosted unit endpoint tests
// ---------------------------------------------------------------------------

func TestUnitConfigEndpoint(t *testing.T) {
	s := newTestServer(t)
	id := provisionTestUnit(t, s, "merchant-1")

	w := doJSON(t, s, "GET", "/v1/units/"+id+"/config", "merchant-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	resp := parseJSON(t, w)
	if resp["owner"] != "merchant-1" {
		t.Errorf("Expected owner merchant-1, got %v", resp["owner"])
	}
	if resp["version"] != float64(1) {
		t.Errorf("Expected version 1, got %v", resp["version"])
	}
}

func TestUnknownUnitReturns404(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/units/unit-999/config", "merchant-1", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestConfigUpdateRequiresOwner(t *testing.T) {
	s := newTestServer(t)
	id := provisionTestUnit(t, s, "merchant-1")

	body := `{"name":"Hijacked","supportedTokens":[{"symbol":"ckBTC","name":"Chain-key Bitcoin","decimals":8,"ledgerId":"mxzaz-hqaaa-aaaar-qaada-cai","fee":10,"active":true}]}`
	w := doJSON(t, s, "PUT", "/v1/units/"+id+"/config", "intruder", body)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-owner, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRejectsUnsafeWebhookURL(t *testing.T) {
	s := newTestServer(t)
	id := provisionTestUnit(t, s, "merchant-1")

	body := `{"name":"Shop","webhookUrl":"http://169.254.169.254/latest","supportedTokens":[{"symbol":"ckBTC","name":"Chain-key Bitcoin","decimals":8,"ledgerId":"mxzaz-hqaaa-aaaar-qaada-cai","fee":10,"active":true}]}`
	w := doJSON(t, s, "PUT", "/v1/units/"+id+"/config", "merchant-1", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for metadata endpoint webhook, got %d", w.Code)
	}
	resp := parseJSON(t, w)
	if resp["error"] != "invalid_webhook_url" {
		t.Errorf("Expected invalid_webhook_url error, got %v", resp["error"])
	}
}

func TestMalformedPrincipalRejected(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/factory/stats", "Not A Principal!", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed principal, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Settlement endpoint tests
// ---------------------------------------------------------------------------

func TestInvoiceLifecycle(t *testing.T) {
	s := newTestServer(t)
	id := provisionTestUnit(t, s, "merchant-1")

	w := doJSON(t, s, "POST", "/v1/units/"+id+"/invoices", "merchant-1",
		`{"amount":100000,"tokenSymbol":"ckBTC","description":"order 42"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	inv := parseJSON(t, w)
	invID, _ := inv["id"].(string)
	if invID == "" {
		t.Fatal("Expected invoice id")
	}

	w = doJSON(t, s, "GET", "/v1/units/"+id+"/invoices/"+invID, "buyer-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	fetched := parseJSON(t, w)
	if fetched["amount"] != float64(100000) {
		t.Errorf("Expected amount 100000, got %v", fetched["amount"])
	}
}

func TestInvoiceRejectsUnsupportedToken(t *testing.T) {
	s := newTestServer(t)
	id := provisionTestUnit(t, s, "merchant-1")

	w := doJSON(t, s, "POST", "/v1/units/"+id+"/invoices", "merchant-1",
		`{"amount":100000,"tokenSymbol":"DOGE"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unsupported token, got %d", w.Code)
	}
}

func TestBalancesEndpoint(t *testing.T) {
	s := newTestServer(t)
	id := provisionTestUnit(t, s, "merchant-1")

	w := doJSON(t, s, "GET", "/v1/units/"+id+"/balances", "merchant-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
}

func TestAnalyticsEndpoint(t *testing.T) {
	s := newTestServer(t)
	id := provisionTestUnit(t, s, "merchant-1")

	w := doJSON(t, s, "GET", "/v1/units/"+id+"/analytics", "merchant-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Coupon endpoint tests
// ---------------------------------------------------------------------------

func TestCouponOwnerOnly(t *testing.T) {
	s := newTestServer(t)
	id := provisionTestUnit(t, s, "merchant-1")

	body := `{"code":"SAVE10","description":"10% off everything","kind":"percentage","percent":10,"active":true}`

	w := doJSON(t, s, "POST", "/v1/units/"+id+"/coupons", "intruder", body)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-owner coupon create, got %d", w.Code)
	}

	w = doJSON(t, s, "POST", "/v1/units/"+id+"/coupons", "merchant-1", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := parseJSON(t, w)
	if resp["id"] == "" {
		t.Error("Expected coupon id")
	}
}

func TestCouponListingHidesInactiveFromPublic(t *testing.T) {
	s := newTestServer(t)
	id := provisionTestUnit(t, s, "merchant-1")

	active := `{"code":"LIVE","description":"live promo","kind":"percentage","percent":5,"active":true}`
	inactive := `{"code":"DRAFT","description":"unreleased promo","kind":"percentage","percent":50,"active":false}`
	for _, body := range []string{active, inactive} {
		w := doJSON(t, s, "POST", "/v1/units/"+id+"/coupons", "merchant-1", body)
		if w.Code != http.StatusCreated {
			t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
		}
	}

	w := doJSON(t, s, "GET", "/v1/units/"+id+"/coupons", "buyer-1", "")
	resp := parseJSON(t, w)
	coupons, _ := resp["coupons"].([]interface{})
	if len(coupons) != 1 {
		t.Errorf("Expected public listing of 1 active coupon, got %d", len(coupons))
	}

	w = doJSON(t, s, "GET", "/v1/units/"+id+"/coupons", "merchant-1", "")
	resp = parseJSON(t, w)
	coupons, _ = resp["coupons"].([]interface{})
	if len(coupons) != 2 {
		t.Errorf("Expected owner listing of 2 coupons, got %d", len(coupons))
	}
}

// ---------------------------------------------------------------------------
// Billing endpoint tests
// ---------------------------------------------------------------------------

func TestSubscriptionLifecycle(t *testing.T) {
	s := newTestServer(t)
	id := provisionTestUnit(t, s, "merchant-1")

	planBody := `{"name":"Pro","description":"pro tier","price":50000,"token":"ckBTC","interval":{"unit":"monthly"},"active":true}`
	w := doJSON(t, s, "POST", "/v1/units/"+id+"/plans", "merchant-1", planBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 creating plan, got %d: %s", w.Code, w.Body.String())
	}
	planID, _ := parseJSON(t, w)["id"].(string)
	if planID == "" {
		t.Fatal("Expected plan id")
	}

	w = doJSON(t, s, "POST", "/v1/units/"+id+"/subscriptions", "buyer-1",
		`{"planId":"`+planID+`"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 subscribing, got %d: %s", w.Code, w.Body.String())
	}
	subID, _ := parseJSON(t, w)["id"].(string)
	if subID == "" {
		t.Fatal("Expected subscription id")
	}

	// Duplicate subscription to the same plan conflicts
	w = doJSON(t, s, "POST", "/v1/units/"+id+"/subscriptions", "buyer-1",
		`{"planId":"`+planID+`"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate subscription, got %d", w.Code)
	}

	// Other subscribers cannot cancel
	w = doJSON(t, s, "POST", "/v1/units/"+id+"/subscriptions/"+subID+"/cancel", "intruder", "")
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 cancelling another's subscription, got %d", w.Code)
	}

	w = doJSON(t, s, "POST", "/v1/units/"+id+"/subscriptions/"+subID+"/cancel", "buyer-1",
		`{"immediately":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 cancelling, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "GET", "/v1/units/"+id+"/subscriptions/"+subID, "buyer-1", "")
	sub := parseJSON(t, w)
	if sub["status"] != "cancelled" {
		t.Errorf("Expected cancelled subscription, got %v", sub["status"])
	}
}

func TestBillingStatsOwnerOnly(t *testing.T) {
	s := newTestServer(t)
	id := provisionTestUnit(t, s, "merchant-1")

	w := doJSON(t, s, "GET", "/v1/units/"+id+"/billing/stats", "intruder", "")
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-owner stats, got %d", w.Code)
	}

	w = doJSON(t, s, "GET", "/v1/units/"+id+"/billing/stats", "merchant-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
}
