package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mediguard/mediguard/internal/platform/anchor"
	"github.com/mediguard/mediguard/internal/platform/auth"
)

// ---------------------------------------------------------------------------
// Anchor fake
// ---------------------------------------------------------------------------

type fakeAnchor struct {
	mu       sync.Mutex
	position int64
	commits  map[string]string // reference -> raw committed data

	commitErr error
	verifyErr error
	statusErr error
}

func newFakeAnchor() *fakeAnchor {
	return &fakeAnchor{commits: map[string]string{}}
}

func (f *fakeAnchor) Commit(ctx context.Context, headHash string, meta anchor.Metadata) (*anchor.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	f.position++
	ref := fmt.Sprintf("0xtest%04d", f.position)
	f.commits[ref] = headHash
	return &anchor.Receipt{Reference: ref, Position: f.position}, nil
}

func (f *fakeAnchor) Verify(ctx context.Context, reference string) (*anchor.Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	data, ok := f.commits[reference]
	if !ok {
		return &anchor.Verification{Reference: reference, Found: false}, nil
	}
	return &anchor.Verification{Reference: reference, Found: true, Position: f.position, RawData: data}, nil
}

func (f *fakeAnchor) Status(ctx context.Context) (*anchor.ServiceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &anchor.ServiceStatus{Mode: "simulated", Position: f.position, Reachable: true}, nil
}

func (f *fakeAnchor) Close() error { return nil }

// ---------------------------------------------------------------------------
// HTTP harness
// ---------------------------------------------------------------------------

type chainAPI struct {
	echo      *echo.Echo
	svc       *Service
	repo      *fakeLedgerRepo
	records   *fakeRecords
	anchors   *fakeAnchor
	committer *anchor.Committer
}

func newChainAPI(t *testing.T) *chainAPI {
	t.Helper()
	records := newFakeRecords()
	repo := newFakeLedgerRepo(records)
	svc := NewService(repo, records, zerolog.Nop())
	anchors := newFakeAnchor()
	committer := anchor.NewCommitter(svc, anchors, time.Hour, 100, zerolog.Nop())

	e := echo.New()
	api := e.Group("/api/v1")
	NewHandler(svc, committer, anchors).RegisterRoutes(api)

	return &chainAPI{echo: e, svc: svc, repo: repo, records: records, anchors: anchors, committer: committer}
}

// request performs an authenticated request against the chain routes.
func (a *chainAPI) request(t *testing.T, method, target, userID, role string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if userID != "" {
		ctx := context.WithValue(req.Context(), auth.UserIDKey, userID)
		ctx = context.WithValue(ctx, auth.UserRoleKey, role)
		req = req.WithContext(ctx)
	}
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// ---------------------------------------------------------------------------
// GET /api/v1/chain/entries
// ---------------------------------------------------------------------------

func TestListEntries_NewestFirstWithPagination(t *testing.T) {
	api := newChainAPI(t)
	appendRecords(t, api.svc, api.records, 5)

	rec := api.request(t, http.MethodGet, "/api/v1/chain/entries?limit=2&offset=0", "u-1", "user")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Data []struct {
			ID           int64  `json:"id"`
			PredictionID string `json:"prediction_id"`
			CurrentHash  string `json:"current_hash"`
			Prediction   *struct {
				UserID string `json:"user_id"`
			} `json:"prediction"`
		} `json:"data"`
		Total   int  `json:"total"`
		Limit   int  `json:"limit"`
		Offset  int  `json:"offset"`
		HasMore bool `json:"has_more"`
	}
	decodeBody(t, rec, &body)

	if body.Total != 5 || body.Limit != 2 || body.Offset != 0 || !body.HasMore {
		t.Errorf("unexpected envelope: total=%d limit=%d offset=%d has_more=%v",
			body.Total, body.Limit, body.Offset, body.HasMore)
	}
	if len(body.Data) != 2 {
		t.Fatalf("expected 2 items, got %d", len(body.Data))
	}
	if body.Data[0].PredictionID != "p-5" || body.Data[1].PredictionID != "p-4" {
		t.Errorf("expected newest first, got %s then %s", body.Data[0].PredictionID, body.Data[1].PredictionID)
	}
	if body.Data[0].CurrentHash == "" {
		t.Error("expected entry hash in listing")
	}
	if body.Data[0].Prediction == nil || body.Data[0].Prediction.UserID != "u-1" {
		t.Errorf("expected joined prediction summary, got %+v", body.Data[0].Prediction)
	}
}

func TestListEntries_DefaultPageSize(t *testing.T) {
	api := newChainAPI(t)

	rec := api.request(t, http.MethodGet, "/api/v1/chain/entries", "u-1", "user")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Total int `json:"total"`
		Limit int `json:"limit"`
	}
	decodeBody(t, rec, &body)
	if body.Limit != 20 {
		t.Errorf("expected default limit 20, got %d", body.Limit)
	}
	if body.Total != 0 {
		t.Errorf("expected empty ledger, got total %d", body.Total)
	}
}

// ---------------------------------------------------------------------------
// GET /api/v1/chain/verify
// ---------------------------------------------------------------------------

func TestVerifyEndpoint_ValidChain(t *testing.T) {
	api := newChainAPI(t)
	appendRecords(t, api.svc, api.records, 3)

	rec := api.request(t, http.MethodGet, "/api/v1/chain/verify", "u-1", "user")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var report VerifyReport
	decodeBody(t, rec, &report)
	if !report.Valid {
		t.Errorf("expected valid report, errors: %v", report.Errors)
	}
	if report.Entries != 3 {
		t.Errorf("expected 3 entries checked, got %d", report.Entries)
	}
}

func TestVerifyEndpoint_ReportsTamperingWithOK(t *testing.T) {
	api := newChainAPI(t)
	appendRecords(t, api.svc, api.records, 3)

	stored, err := api.records.Get(context.Background(), "p-2")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	stored.InputFeatures["age"] = 1.0

	rec := api.request(t, http.MethodGet, "/api/v1/chain/verify", "u-1", "user")
	if rec.Code != http.StatusOK {
		t.Fatalf("discrepancies are response data, expected 200, got %d", rec.Code)
	}

	var report VerifyReport
	decodeBody(t, rec, &report)
	if report.Valid {
		t.Error("expected invalid report")
	}
	if len(report.Errors) == 0 || !strings.Contains(report.Errors[0], "Hash mismatch") {
		t.Errorf("expected hash mismatch in errors, got %v", report.Errors)
	}
}

// ---------------------------------------------------------------------------
// GET /api/v1/chain/status
// ---------------------------------------------------------------------------

func TestStatusEndpoint(t *testing.T) {
	api := newChainAPI(t)
	appendRecords(t, api.svc, api.records, 2)

	rec := api.request(t, http.MethodGet, "/api/v1/chain/status", "u-1", "user")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Ledger struct {
			TotalEntries  int64   `json:"total_entries"`
			PendingAnchor int64   `json:"pending_anchor"`
			HeadHash      *string `json:"head_hash"`
		} `json:"ledger"`
		Anchor struct {
			Mode      string `json:"mode"`
			Reachable bool   `json:"reachable"`
		} `json:"anchor"`
		CommitterRunning bool `json:"committer_running"`
	}
	decodeBody(t, rec, &body)

	if body.Ledger.TotalEntries != 2 || body.Ledger.PendingAnchor != 2 {
		t.Errorf("unexpected ledger status: %+v", body.Ledger)
	}
	if body.Ledger.HeadHash == nil || *body.Ledger.HeadHash == "" {
		t.Error("expected head hash in status")
	}
	if body.Anchor.Mode != "simulated" || !body.Anchor.Reachable {
		t.Errorf("unexpected anchor status: %+v", body.Anchor)
	}
	if body.CommitterRunning {
		t.Error("expected committer to be reported stopped")
	}
}

func TestStatusEndpoint_AnchorUnreachable(t *testing.T) {
	api := newChainAPI(t)
	api.anchors.statusErr = errors.New("rpc down")

	rec := api.request(t, http.MethodGet, "/api/v1/chain/status", "u-1", "user")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// POST /api/v1/chain/anchor
// ---------------------------------------------------------------------------

func TestTriggerAnchor_RequiresAdminRole(t *testing.T) {
	api := newChainAPI(t)
	appendRecords(t, api.svc, api.records, 2)

	rec := api.request(t, http.MethodPost, "/api/v1/chain/anchor", "u-1", "user")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rec.Code)
	}

	st, err := api.svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if st.PendingAnchor != 2 {
		t.Errorf("expected nothing anchored, pending %d", st.PendingAnchor)
	}
}

func TestTriggerAnchor_AnchorsPendingEntries(t *testing.T) {
	api := newChainAPI(t)
	appendRecords(t, api.svc, api.records, 3)

	rec := api.request(t, http.MethodPost, "/api/v1/chain/anchor", "admin-1", auth.RoleAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result anchor.CycleResult
	decodeBody(t, rec, &result)
	if result.Skipped {
		t.Fatal("expected a commit, got skipped cycle")
	}
	if result.Pending != 3 || result.Anchored != 3 {
		t.Errorf("expected 3 pending and 3 anchored, got %d and %d", result.Pending, result.Anchored)
	}
	if result.Reference == "" || result.Position == 0 {
		t.Errorf("expected receipt fields, got %+v", result)
	}

	st, err := api.svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if st.PendingAnchor != 0 {
		t.Errorf("expected no pending entries, got %d", st.PendingAnchor)
	}
	if st.LastAnchoredRef == nil || *st.LastAnchoredRef != result.Reference {
		t.Errorf("expected anchor reference %s recorded, got %v", result.Reference, st.LastAnchoredRef)
	}
}

func TestTriggerAnchor_NothingPending(t *testing.T) {
	api := newChainAPI(t)

	rec := api.request(t, http.MethodPost, "/api/v1/chain/anchor", "admin-1", auth.RoleAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result anchor.CycleResult
	decodeBody(t, rec, &result)
	if !result.Skipped {
		t.Error("expected skipped cycle for empty ledger")
	}
	if result.Anchored != 0 {
		t.Errorf("expected nothing anchored, got %d", result.Anchored)
	}
}

func TestTriggerAnchor_BackendFailure(t *testing.T) {
	api := newChainAPI(t)
	appendRecords(t, api.svc, api.records, 1)
	api.anchors.commitErr = errors.New("gas estimation failed")

	rec := api.request(t, http.MethodPost, "/api/v1/chain/anchor", "admin-1", auth.RoleAdmin)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}

	st, err := api.svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if st.PendingAnchor != 1 {
		t.Errorf("expected entry to stay pending after failed commit, pending %d", st.PendingAnchor)
	}
}

// ---------------------------------------------------------------------------
// GET /api/v1/chain/anchor/:reference
// ---------------------------------------------------------------------------

func TestGetAnchor_ReportsCoveredEntries(t *testing.T) {
	api := newChainAPI(t)
	appendRecords(t, api.svc, api.records, 3)

	result, err := api.committer.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle returned error: %v", err)
	}

	rec := api.request(t, http.MethodGet, "/api/v1/chain/anchor/"+result.Reference, "u-1", "user")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Reference string `json:"reference"`
		Found     bool   `json:"found"`
		Entries   int64  `json:"entries"`
	}
	decodeBody(t, rec, &body)
	if !body.Found || body.Reference != result.Reference {
		t.Errorf("expected found commitment %s, got %+v", result.Reference, body)
	}
	if body.Entries != 3 {
		t.Errorf("expected 3 covered entries, got %d", body.Entries)
	}
}

func TestGetAnchor_UnknownReference(t *testing.T) {
	api := newChainAPI(t)

	rec := api.request(t, http.MethodGet, "/api/v1/chain/anchor/0xdeadbeef", "u-1", "user")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetAnchor_BackendFailure(t *testing.T) {
	api := newChainAPI(t)
	api.anchors.verifyErr = errors.New("rpc timeout")

	rec := api.request(t, http.MethodGet, "/api/v1/chain/anchor/0xabc", "u-1", "user")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}
