package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bcnelson/fight-tag-manager/internal/api"
	"github.com/bcnelson/fight-tag-manager/internal/domain"
	"github.com/bcnelson/fight-tag-manager/internal/hierarchy"
	"github.com/bcnelson/fight-tag-manager/internal/service"
	"github.com/bcnelson/fight-tag-manager/internal/storage/memory"
)

// testServer creates a test server with in-memory storage
type testServer struct {
	handler      http.Handler
	store        *memory.Store
	bootstrapKey string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	store.AddFight("f1")
	bootstrapKey := "test-bootstrap-key"

	rules, err := hierarchy.Default(domain.DefaultVoteThreshold)
	if err != nil {
		t.Fatalf("building rules: %v", err)
	}
	engine := service.NewEngine(store, rules, nil, nil)

	return &testServer{
		handler:      api.NewRouter(store, engine, bootstrapKey, nil),
		store:        store,
		bootstrapKey: bootstrapKey,
	}
}

type headers map[string]string

func bearer(key string) headers {
	return headers{"Authorization": "Bearer " + key}
}

func voter(session string) headers {
	return headers{"X-Voter-Session": session}
}

func (ts *testServer) request(method, path string, body any, h headers) *httptest.ResponseRecorder {
	var reqBody io.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h {
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rr.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[domain.StandardErrorResponse](t, rr).Error.Code
}

// propose opens a change request and returns it.
func (ts *testServer) propose(t *testing.T, tagType, value string) *domain.ChangeRequest {
	t.Helper()
	rr := ts.request("POST", "/api/v1/fights/f1/proposals", domain.ProposeTagRequest{TagType: tagType, Value: value}, voter("proposer-session"))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[domain.ProposeTagResponse](t, rr)
	if resp.ChangeRequest == nil {
		t.Fatalf("Expected a change request, got %s", rr.Body.String())
	}
	return resp.ChangeRequest
}

func (ts *testServer) vote(requestID, session string, dir domain.Direction) *httptest.ResponseRecorder {
	return ts.request("POST", "/api/v1/requests/"+requestID+"/votes", domain.CastVoteRequest{Direction: dir}, voter(session))
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.request("GET", "/health", nil, nil)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	var resp map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("Expected status ok, got %s", resp["status"])
	}
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t)

	// Reads need no credentials
	rr := ts.request("GET", "/api/v1/tag-types", nil, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	// Invalid auth header format
	rr = ts.request("GET", "/api/v1/tag-types", nil, headers{"Authorization": "Basic invalid"})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}

	// Unknown API key
	rr = ts.request("GET", "/api/v1/tag-types", nil, bearer("invalid-key"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}

	// Malformed voter session
	rr = ts.request("GET", "/api/v1/tag-types", nil, voter("x"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}

	// Key management needs an admin
	rr = ts.request("GET", "/api/v1/keys", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}
	rr = ts.request("GET", "/api/v1/keys", nil, voter("voter-session-1"))
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rr.Code)
	}
	rr = ts.request("GET", "/api/v1/keys", nil, bearer(ts.bootstrapKey))
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 with bootstrap key, got %d", rr.Code)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	ts := newTestServer(t)

	// Create a moderator key using the bootstrap key
	rr := ts.request("POST", "/api/v1/keys", domain.CreateAPIKeyRequest{Name: "Mod", Role: domain.RoleModerator}, bearer(ts.bootstrapKey))
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decode[domain.CreateAPIKeyResponse](t, rr)
	if created.Key == "" || created.Role != domain.RoleModerator {
		t.Fatalf("Unexpected key response: %+v", created)
	}

	// Bootstrap key stops working once a key exists
	rr = ts.request("GET", "/api/v1/keys", nil, bearer(ts.bootstrapKey))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 for bootstrap key, got %d", rr.Code)
	}

	// Moderators cannot manage keys
	rr = ts.request("GET", "/api/v1/keys", nil, bearer(created.Key))
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rr.Code)
	}

	// Invalid role
	ts2 := newTestServer(t)
	rr = ts2.request("POST", "/api/v1/keys", domain.CreateAPIKeyRequest{Name: "x", Role: "root"}, bearer(ts2.bootstrapKey))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rr.Code)
	}
}

func TestRegisterFight(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.request("POST", "/api/v1/fights", map[string]string{"id": "f2"}, bearer(ts.bootstrapKey))
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = ts.request("POST", "/api/v1/fights", map[string]string{"id": "f2"}, bearer(ts.bootstrapKey))
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", rr.Code)
	}

	rr = ts.request("POST", "/api/v1/fights", map[string]string{"id": "f3"}, voter("voter-session-1"))
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rr.Code)
	}

	rr = ts.request("GET", "/api/v1/fights/f2/tags", nil, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	rr = ts.request("GET", "/api/v1/fights/missing/tags", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestRegisterFightByRole(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.request("POST", "/api/v1/keys", domain.CreateAPIKeyRequest{Name: "Mod", Role: domain.RoleModerator}, bearer(ts.bootstrapKey))
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	mod := decode[domain.CreateAPIKeyResponse](t, rr)

	rr = ts.request("POST", "/api/v1/fights", map[string]string{"id": "f2"}, bearer(mod.Key))
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 for moderator, got %d: %s", rr.Code, rr.Body.String())
	}

	// The first key disables the bootstrap key, so the member key is made by
	// an admin key.
	ts2 := newTestServer(t)
	rr = ts2.request("POST", "/api/v1/keys", domain.CreateAPIKeyRequest{Name: "Admin", Role: domain.RoleAdmin}, bearer(ts2.bootstrapKey))
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	adminKey := decode[domain.CreateAPIKeyResponse](t, rr)
	rr = ts2.request("POST", "/api/v1/keys", domain.CreateAPIKeyRequest{Name: "Member", Role: domain.RoleMember}, bearer(adminKey.Key))
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	memberKey := decode[domain.CreateAPIKeyResponse](t, rr)

	rr = ts2.request("POST", "/api/v1/fights", map[string]string{"id": "f2"}, bearer(memberKey.Key))
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for member, got %d", rr.Code)
	}
}

func TestProposeAndVoteToAcceptance(t *testing.T) {
	ts := newTestServer(t)
	req := ts.propose(t, "category", "Duel")

	if req.Status != domain.StatusPending || req.Threshold != domain.DefaultVoteThreshold {
		t.Fatalf("Unexpected request: %+v", req)
	}

	// Pending lookup
	rr := ts.request("GET", "/api/v1/fights/f1/proposals/pending/category", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	rr = ts.request("GET", "/api/v1/fights/f1/proposals/pending/gender", nil, nil)
	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rr.Code)
	}

	// Second proposal for the slot conflicts
	rr = ts.request("POST", "/api/v1/fights/f1/proposals", domain.ProposeTagRequest{TagType: "category", Value: "Melee"}, voter("proposer-session"))
	if rr.Code != http.StatusConflict || errorCode(t, rr) != domain.ErrCodeDuplicatePending {
		t.Errorf("Expected 409 %s, got %d: %s", domain.ErrCodeDuplicatePending, rr.Code, rr.Body.String())
	}

	var last domain.VoteResult
	for i := 0; i < 10; i++ {
		dir := domain.DirectionFor
		if i >= 7 {
			dir = domain.DirectionAgainst
		}
		rr = ts.vote(req.ID, fmt.Sprintf("voter-session-%02d", i), dir)
		if rr.Code != http.StatusOK {
			t.Fatalf("Vote %d: expected status 200, got %d: %s", i, rr.Code, rr.Body.String())
		}
		last = decode[domain.VoteResult](t, rr)
		if i < 9 && last.Resolved {
			t.Fatalf("Resolved early at vote %d", i)
		}
	}
	if !last.Resolved || last.Status != domain.StatusAccepted || last.Tallies != (domain.Tallies{For: 7, Against: 3}) {
		t.Fatalf("Unexpected final vote result: %+v", last)
	}

	rr = ts.request("GET", "/api/v1/fights/f1/tags", nil, nil)
	tree := decode[[]*domain.TagNode](t, rr)
	if len(tree) != 1 || tree[0].Tag.Value != "Duel" {
		t.Errorf("Unexpected tree: %s", rr.Body.String())
	}

	// Voting after resolution
	rr = ts.vote(req.ID, "voter-session-late", domain.DirectionFor)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != domain.ErrCodeAlreadyResolved {
		t.Errorf("Expected 409 %s, got %d", domain.ErrCodeAlreadyResolved, rr.Code)
	}

	rr = ts.request("GET", "/api/v1/requests/"+req.ID+"/ballots", nil, nil)
	if ballots := decode[[]map[string]any](t, rr); len(ballots) != 10 {
		t.Errorf("Expected 10 ballots, got %d", len(ballots))
	} else if _, leaked := ballots[0]["voter_session"]; leaked {
		t.Error("Ballot listing exposes voter sessions")
	}

	rr = ts.request("GET", "/api/v1/requests/"+req.ID+"/tally", nil, nil)
	if tally := decode[domain.Tallies](t, rr); tally != (domain.Tallies{For: 7, Against: 3}) {
		t.Errorf("Unexpected tally: %+v", tally)
	}
}

func TestVoteErrors(t *testing.T) {
	ts := newTestServer(t)
	req := ts.propose(t, "gender", "Open")

	// No voter session
	rr := ts.request("POST", "/api/v1/requests/"+req.ID+"/votes", domain.CastVoteRequest{Direction: domain.DirectionFor}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}

	// Bad direction
	rr = ts.vote(req.ID, "voter-session-1", "sideways")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rr.Code)
	}

	// Duplicate
	ts.vote(req.ID, "voter-session-1", domain.DirectionFor)
	rr = ts.vote(req.ID, "voter-session-1", domain.DirectionAgainst)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != domain.ErrCodeDuplicateVote {
		t.Errorf("Expected 409 %s, got %d", domain.ErrCodeDuplicateVote, rr.Code)
	}

	// Unknown request
	rr = ts.vote("missing", "voter-session-1", domain.DirectionFor)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestProposalErrors(t *testing.T) {
	ts := newTestServer(t)
	one := 1

	tests := []struct {
		name   string
		body   domain.ProposeTagRequest
		status int
		code   string
	}{
		{"missing type", domain.ProposeTagRequest{Value: "Duel"}, http.StatusBadRequest, domain.ErrCodeValidationError},
		{"missing value", domain.ProposeTagRequest{TagType: "category"}, http.StatusBadRequest, domain.ErrCodeInvalidProposedValue},
		{"blank value", domain.ProposeTagRequest{TagType: "category", Value: "   "}, http.StatusBadRequest, domain.ErrCodeInvalidProposedValue},
		{"voter sets threshold", domain.ProposeTagRequest{TagType: "category", Value: "Duel", Threshold: &one}, http.StatusForbidden, domain.ErrCodeForbidden},
		{"unknown type", domain.ProposeTagRequest{TagType: "venue", Value: "x"}, http.StatusUnprocessableEntity, domain.ErrCodeUnknownTagType},
		{"orphan", domain.ProposeTagRequest{TagType: "weapon", Value: "Sabre"}, http.StatusUnprocessableEntity, domain.ErrCodeOrphanTag},
		{"bad value", domain.ProposeTagRequest{TagType: "gender", Value: "Robots"}, http.StatusBadRequest, domain.ErrCodeInvalidProposedValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.request("POST", "/api/v1/fights/f1/proposals", tt.body, voter("proposer-session"))
			if rr.Code != tt.status {
				t.Fatalf("Expected status %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
			if code := errorCode(t, rr); code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, code)
			}
		})
	}

	// Anonymous callers cannot propose
	rr := ts.request("POST", "/api/v1/fights/f1/proposals", domain.ProposeTagRequest{TagType: "gender", Value: "Open"}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}

	// Unknown fight
	rr = ts.request("POST", "/api/v1/fights/nope/proposals", domain.ProposeTagRequest{TagType: "gender", Value: "Open"}, voter("proposer-session"))
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestCustomTagIsCreatedImmediately(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.request("POST", "/api/v1/fights/f1/proposals", domain.ProposeTagRequest{TagType: "custom", Value: "double hit"}, voter("proposer-session"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[domain.ProposeTagResponse](t, rr)
	if resp.Tag == nil || resp.ChangeRequest != nil {
		t.Fatalf("Expected a tag only, got %s", rr.Body.String())
	}

	rr = ts.request("GET", "/api/v1/fights/f1/tags/history", nil, nil)
	if history := decode[[]*domain.Tag](t, rr); len(history) != 1 {
		t.Errorf("Expected 1 tag in history, got %d", len(history))
	}
}

func TestCancelWithIfMatch(t *testing.T) {
	ts := newTestServer(t)
	req := ts.propose(t, "category", "Duel")

	rr := ts.request("GET", "/api/v1/requests/"+req.ID, nil, nil)
	etag := rr.Header().Get("ETag")
	if etag == "" {
		t.Fatal("Expected an ETag header")
	}

	// A ballot changes the ETag
	ts.vote(req.ID, "voter-session-1", domain.DirectionFor)

	h := voter("proposer-session")
	h["If-Match"] = etag
	rr = ts.request("POST", "/api/v1/requests/"+req.ID+"/cancel", nil, h)
	if rr.Code != http.StatusPreconditionFailed {
		t.Fatalf("Expected status 412, got %d: %s", rr.Code, rr.Body.String())
	}

	// Someone else's request
	rr = ts.request("POST", "/api/v1/requests/"+req.ID+"/cancel", nil, voter("bystander-session"))
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rr.Code)
	}

	rr = ts.request("GET", "/api/v1/requests/"+req.ID, nil, nil)
	h["If-Match"] = rr.Header().Get("ETag")
	rr = ts.request("POST", "/api/v1/requests/"+req.ID+"/cancel", nil, h)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if cancelled := decode[domain.ChangeRequest](t, rr); cancelled.Status != domain.StatusCancelled {
		t.Errorf("Expected cancelled, got %s", cancelled.Status)
	}
}

func TestAdminOverride(t *testing.T) {
	ts := newTestServer(t)
	req := ts.propose(t, "gender", "Women")

	rr := ts.request("POST", "/api/v1/requests/"+req.ID+"/resolve", domain.ResolveRequest{Outcome: domain.StatusAccepted}, voter("proposer-session"))
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rr.Code)
	}

	rr = ts.request("POST", "/api/v1/requests/"+req.ID+"/resolve", domain.ResolveRequest{Outcome: "maybe"}, bearer(ts.bootstrapKey))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rr.Code)
	}

	rr = ts.request("POST", "/api/v1/requests/"+req.ID+"/resolve", domain.ResolveRequest{Outcome: domain.StatusAccepted}, bearer(ts.bootstrapKey))
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resolved := decode[domain.ChangeRequest](t, rr)
	if resolved.Status != domain.StatusAccepted || resolved.Resolution == nil || *resolved.Resolution != domain.ResolutionOverride {
		t.Errorf("Unexpected resolution: %+v", resolved)
	}

	rr = ts.request("POST", "/api/v1/requests/"+req.ID+"/resolve", domain.ResolveRequest{Outcome: domain.StatusRejected}, bearer(ts.bootstrapKey))
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", rr.Code)
	}
}
