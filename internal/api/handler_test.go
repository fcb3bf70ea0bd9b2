package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"docmd/internal/auth"
	"docmd/internal/convert"
	"docmd/internal/health"
)

// newTestHandler wires a Handler over in-memory Store/Queue backends and a
// stub Converter/Splitter, with the MemoryQueue's Run loop driven in the
// background so submitted jobs actually progress.
func newTestHandler(t *testing.T) *Handler {
	t.Helper()

	store := convert.NewMemoryStore(convert.MemoryStoreConfig{})
	queue := convert.NewMemoryQueue(convert.MemoryQueueConfig{BufferSize: 64, Workers: 2})

	orch := convert.New(
		store,
		queue,
		convert.NewStubConverter(),
		convert.NewStubSplitter(),
		convert.NewLocalFetcher(0),
		nil,
		nil,
		convert.OrchestratorConfig{},
	)
	queue.Handle(orch.HandleWorkItem)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go queue.Run(ctx)

	svc := convert.NewService(orch, store, convert.ServiceConfig{})
	readiness := &convert.Readiness{Store: store, Queue: queue}
	healthChecker := health.NewChecker(readiness)

	return NewHandler(svc, nil, healthChecker, readiness, t.TempDir(), 10<<20)
}

func withOwner(r *http.Request) *http.Request {
	return r.WithContext(auth.WithOwnerID(r.Context(), "owner-1"))
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{health: health.NewChecker(&convert.Readiness{})}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()
	handler.Livez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var response health.Response
	_ = json.NewDecoder(w.Body).Decode(&response)
	if response.Status != health.StatusHealthy {
		t.Errorf("expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz(t *testing.T) {
	t.Parallel()
	store := convert.NewMemoryStore(convert.MemoryStoreConfig{})
	queue := convert.NewMemoryQueue(convert.MemoryQueueConfig{})
	handler := &Handler{health: health.NewChecker(&convert.Readiness{Store: store, Queue: queue})}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	handler.Readyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestHandler_Convert_InvalidURLSource(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	body, _ := json.Marshal(map[string]any{
		"source_type": "url",
		"source":      "not-a-valid-url",
	})
	req := withOwner(httptest.NewRequest(http.MethodPost, "/convert", bytes.NewReader(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.Convert(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid url source, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_Upload_Lifecycle(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "doc.html")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write([]byte("<html><body>hello</body></html>"))
	_ = mw.WriteField("name", "my doc")
	_ = mw.Close()

	req := withOwner(httptest.NewRequest(http.MethodPost, "/upload", &buf))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.Upload(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created uploadResponse
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.JobID == "" {
		t.Fatal("expected a job ID")
	}

	// GetJob for the owner that submitted it succeeds.
	getReq := withOwner(httptest.NewRequest(http.MethodGet, "/jobs/"+created.JobID, nil))
	getReq.SetPathValue("id", created.JobID)
	getW := httptest.NewRecorder()
	h.GetJob(getW, getReq)
	if getW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getW.Code, getW.Body.String())
	}

	// A different owner gets 404, not the other owner's job (ownership
	// isolation, spec.md §8 property 3).
	otherReq := httptest.NewRequest(http.MethodGet, "/jobs/"+created.JobID, nil)
	otherReq = otherReq.WithContext(auth.WithOwnerID(otherReq.Context(), "owner-2"))
	otherReq.SetPathValue("id", created.JobID)
	otherW := httptest.NewRecorder()
	h.GetJob(otherW, otherReq)
	if otherW.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign owner, got %d: %s", otherW.Code, otherW.Body.String())
	}
}

func TestHandler_GetResult_NotReady(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "doc.html")
	_, _ = part.Write([]byte("<html></html>"))
	_ = mw.Close()

	req := withOwner(httptest.NewRequest(http.MethodPost, "/upload", &buf))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.Upload(w, req)
	var created uploadResponse
	_ = json.NewDecoder(w.Body).Decode(&created)

	resultReq := withOwner(httptest.NewRequest(http.MethodGet, "/jobs/"+created.JobID+"/result", nil))
	resultReq.SetPathValue("id", created.JobID)
	resultW := httptest.NewRecorder()
	h.GetResult(resultW, resultReq)

	// The stub converter may finish before this request lands; either
	// outcome (400 not yet ready, or 200 with a result) is valid here.
	if resultW.Code != http.StatusBadRequest && resultW.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resultW.Code, resultW.Body.String())
	}
}

func TestHandler_PageResult_NotReady(t *testing.T) {
	t.Parallel()
	store := convert.NewMemoryStore(convert.MemoryStoreConfig{})
	queue := convert.NewMemoryQueue(convert.MemoryQueueConfig{BufferSize: 64, Workers: 2})
	orch := convert.New(store, queue, convert.NewStubConverter(), convert.NewStubSplitter(), convert.NewLocalFetcher(0), nil, nil, convert.OrchestratorConfig{})
	queue.Handle(orch.HandleWorkItem)
	svc := convert.NewService(orch, store, convert.ServiceConfig{})
	h := NewHandler(svc, nil, health.NewChecker(&convert.Readiness{Store: store, Queue: queue}), &convert.Readiness{Store: store, Queue: queue}, t.TempDir(), 10<<20)

	main := &convert.Job{ID: "main-1", OwnerID: "owner-1", Type: convert.TypeMain, Status: convert.StatusProcessing}
	if err := store.PutJob(context.Background(), main); err != nil {
		t.Fatal(err)
	}
	page := &convert.Job{ID: "page-1", OwnerID: "owner-1", Type: convert.TypePage, ParentID: "main-1", PageNumber: 1, Status: convert.StatusProcessing}
	if err := store.PutJob(context.Background(), page); err != nil {
		t.Fatal(err)
	}
	if err := store.AddChild(context.Background(), "main-1", convert.TypePage, "page-1"); err != nil {
		t.Fatal(err)
	}

	req := withOwner(httptest.NewRequest(http.MethodGet, "/jobs/main-1/pages/1/result", nil))
	req.SetPathValue("id", "main-1")
	req.SetPathValue("n", "1")
	w := httptest.NewRecorder()
	h.PageResult(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a not-yet-complete page, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_DeleteJob_EmptyID(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	req := withOwner(httptest.NewRequest(http.MethodDelete, "/jobs/", nil))
	req.SetPathValue("id", "")
	w := httptest.NewRecorder()
	h.DeleteJob(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandler_ListJobs_Empty(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	req := withOwner(httptest.NewRequest(http.MethodGet, "/jobs", nil))
	w := httptest.NewRecorder()
	h.ListJobs(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var page convert.PagedJobs
	if err := json.NewDecoder(w.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 0 {
		t.Errorf("expected zero jobs for a fresh owner, got %d", page.Total)
	}
}

func TestHandler_RetryPage_InvalidPageNumber(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t)

	req := withOwner(httptest.NewRequest(http.MethodPost, "/jobs/abc/pages/x/retry", nil))
	req.SetPathValue("id", "abc")
	req.SetPathValue("n", "not-a-number")
	w := httptest.NewRecorder()
	h.RetryPage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	handler := ContentTypeMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/convert", nil)
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("expected 415, got %d", w.Code)
	}
}

func TestMiddleware_ContentType_MultipartAllowed(t *testing.T) {
	t.Parallel()
	handler := ContentTypeMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/upload", nil)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	handler := RecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	handler := CORSMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS header to be set")
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	t.Parallel()
	verifier := auth.NewVerifier("")
	var gotOwner string
	handler := auth.Middleware(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOwner = auth.OwnerIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gotOwner == "" {
		t.Error("expected an anonymous owner ID when auth is disabled")
	}
}

func TestAuthMiddleware_MissingHeader(t *testing.T) {
	t.Parallel()
	verifier := auth.NewVerifier("test-secret")
	handler := auth.Middleware(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}
