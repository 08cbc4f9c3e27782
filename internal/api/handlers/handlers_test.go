package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/knowledgepitt/server/internal/core"
	"github.com/knowledgepitt/server/internal/db"
	"github.com/knowledgepitt/server/internal/llm"
	"github.com/knowledgepitt/server/internal/notify"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []core.Job
	err  error
	// err is returned once this many jobs were accepted
	failAfter int
}

func (q *fakeQueue) Submit(sourceRef string) (core.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil && len(q.jobs) >= q.failAfter {
		return core.Job{}, q.err
	}
	job := core.Job{
		ID:        fmt.Sprintf("job-%d", len(q.jobs)+1),
		SourceRef: sourceRef,
		Status:    core.JobStatusQueued,
		CreatedAt: time.Now(),
	}
	q.jobs = append(q.jobs, job)
	return job, nil
}

func (q *fakeQueue) Get(id string) (core.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.ID == id {
			return j, true
		}
	}
	return core.Job{}, false
}

func (q *fakeQueue) List(status core.JobStatus) []core.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []core.Job
	for _, j := range q.jobs {
		if status == "" || j.Status == status {
			out = append(out, j)
		}
	}
	return out
}

func (q *fakeQueue) Stats() core.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return core.QueueStats{Queued: len(q.jobs), Total: len(q.jobs)}
}

type fakeQuerier struct {
	chunks []string
	err    error
	midErr error
	delay  time.Duration
}

func (f *fakeQuerier) Query(ctx context.Context, question, mode string) (<-chan llm.Chunk, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan llm.Chunk, len(f.chunks)+1)
	for _, c := range f.chunks {
		ch <- llm.Chunk{Text: c}
	}
	if f.midErr != nil {
		ch <- llm.Chunk{Err: f.midErr}
	}
	close(ch)
	return ch, nil
}

func (f *fakeQuerier) Answer(ctx context.Context, question, mode string) (string, error) {
	ch, err := f.Query(ctx, question, mode)
	if err != nil {
		return "", err
	}
	return llm.Collect(ch)
}

type fakeStore struct {
	err  error
	docs []*db.Document
}

func (f *fakeStore) Stats(ctx context.Context) (db.StoreStats, error) {
	return db.StoreStats{Documents: 2, Chunks: 7}, f.err
}

func (f *fakeStore) Document(ctx context.Context, token string) (*db.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, d := range f.docs {
		if d.Token == token {
			return d, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeStore) Documents(ctx context.Context) ([]*db.Document, error) {
	return f.docs, f.err
}

func newJobRouter(q JobQueue, uploadDir string) *gin.Engine {
	r := gin.New()
	NewJobHandler(q, uploadDir, 1).RegisterRoutes(r.Group("/api"))
	return r
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func multipartBody(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("files[]", name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		fw.Write([]byte(content))
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestCreateJobsFromPaths(t *testing.T) {
	q := &fakeQueue{}
	r := newJobRouter(q, t.TempDir())

	w := doJSON(r, http.MethodPost, "/api/jobs", SubmitPathsRequest{Paths: []string{"/data/a.pdf", "/data/b.md"}})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var jobs []SubmittedJob
	if err := json.Unmarshal(w.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(jobs) != 2 || jobs[0].Status != core.JobStatusQueued || jobs[1].ID != "job-2" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	if q.jobs[0].SourceRef != "/data/a.pdf" {
		t.Fatalf("unexpected source %s", q.jobs[0].SourceRef)
	}
}

func TestCreateJobsRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"no paths", SubmitPathsRequest{}},
		{"empty path", SubmitPathsRequest{Paths: []string{" "}}},
		{"unsupported type", SubmitPathsRequest{Paths: []string{"ok.txt", "photo.png"}}},
		{"not json", "just a string"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{}
			w := doJSON(newJobRouter(q, t.TempDir()), http.MethodPost, "/api/jobs", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			if len(q.jobs) != 0 {
				t.Fatalf("jobs submitted for rejected request: %+v", q.jobs)
			}
		})
	}
}

func TestCreateJobsPoolStopped(t *testing.T) {
	q := &fakeQueue{err: fmt.Errorf("%w: %w", core.ErrSubmission, core.ErrPoolStopped)}
	w := doJSON(newJobRouter(q, t.TempDir()), http.MethodPost, "/api/jobs", SubmitPathsRequest{Paths: []string{"a.txt"}})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestCreateJobsFromUpload(t *testing.T) {
	q := &fakeQueue{}
	dir := filepath.Join(t.TempDir(), "uploads")
	r := newJobRouter(q, dir)

	body, contentType := multipartBody(t, map[string]string{"notes.md": "# hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(q.jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(q.jobs))
	}

	saved := q.jobs[0].SourceRef
	if filepath.Dir(saved) != dir || !strings.HasSuffix(saved, "_notes.md") {
		t.Fatalf("unexpected saved path %s", saved)
	}
	data, err := os.ReadFile(saved)
	if err != nil || string(data) != "# hello" {
		t.Fatalf("saved file content %q, err %v", data, err)
	}
}

func TestCreateJobsUploadValidation(t *testing.T) {
	q := &fakeQueue{}
	dir := filepath.Join(t.TempDir(), "uploads")
	r := newJobRouter(q, dir)

	body, contentType := multipartBody(t, map[string]string{"a.txt": "fine", "b.exe": "MZ"})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if len(q.jobs) != 0 {
		t.Fatal("job submitted for rejected upload")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("upload directory written for rejected upload")
	}
}

func TestCreateJobsUploadTooLarge(t *testing.T) {
	q := &fakeQueue{}
	r := newJobRouter(q, t.TempDir())

	body, contentType := multipartBody(t, map[string]string{"big.txt": strings.Repeat("x", 2<<20)})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized upload, got %d", w.Code)
	}
}

func TestCreateJobsUploadDirFailureIsServerError(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	q := &fakeQueue{}
	r := newJobRouter(q, filepath.Join(blocker, "uploads"))

	body, contentType := multipartBody(t, map[string]string{"a.txt": "fine"})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}
	if len(q.jobs) != 0 {
		t.Fatal("job submitted although the upload was not saved")
	}
}

func TestCreateJobsRemovesUnsubmittedUploads(t *testing.T) {
	q := &fakeQueue{err: errors.New("registry unavailable"), failAfter: 1}
	dir := filepath.Join(t.TempDir(), "uploads")
	r := newJobRouter(q, dir)

	body, contentType := multipartBody(t, map[string]string{"a.txt": "one", "b.txt": "two", "c.md": "three"})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", w.Code, w.Body.String())
	}
	if len(q.jobs) != 1 {
		t.Fatalf("expected 1 accepted job, got %d", len(q.jobs))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read upload dir: %v", err)
	}
	if len(entries) != 1 || filepath.Join(dir, entries[0].Name()) != q.jobs[0].SourceRef {
		t.Fatalf("upload dir should only hold the submitted file, got %d entries", len(entries))
	}
}

func TestGetAndListJobs(t *testing.T) {
	q := &fakeQueue{}
	q.Submit("a.txt")
	q.Submit("b.txt")
	q.jobs[1].Status = core.JobStatusFailed
	q.jobs[1].Error = "no text found"
	r := newJobRouter(q, t.TempDir())

	w := doJSON(r, http.MethodGet, "/api/jobs/job-2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var job core.Job
	json.Unmarshal(w.Body.Bytes(), &job)
	if job.Status != core.JobStatusFailed || job.Error != "no text found" {
		t.Fatalf("unexpected job %+v", job)
	}

	if w := doJSON(r, http.MethodGet, "/api/jobs/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w = doJSON(r, http.MethodGet, "/api/jobs?status=failed", nil)
	var list struct {
		Jobs []core.Job `json:"jobs"`
	}
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Jobs) != 1 || list.Jobs[0].ID != "job-2" {
		t.Fatalf("unexpected filtered list %+v", list.Jobs)
	}

	if w := doJSON(r, http.MethodGet, "/api/jobs?status=paused", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", w.Code)
	}

	w = doJSON(r, http.MethodGet, "/api/jobs/stats", nil)
	var stats core.QueueStats
	json.Unmarshal(w.Body.Bytes(), &stats)
	if stats.Total != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func newQueryRouter(store Querier) *gin.Engine {
	r := gin.New()
	NewQueryHandler(store, "", nil).RegisterRoutes(r.Group("/api"), r.Group("/ws"))
	return r
}

func TestQueryEndpoint(t *testing.T) {
	r := newQueryRouter(&fakeQuerier{chunks: []string{"forty", "-two"}})

	w := doJSON(r, http.MethodPost, "/api/query", QueryRequest{Query: "meaning?"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp QueryResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Answer != "forty-two" || resp.Mode != "hybrid" {
		t.Fatalf("unexpected response %+v", resp)
	}

	if w := doJSON(r, http.MethodPost, "/api/query", QueryRequest{}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing query: expected 400, got %d", w.Code)
	}
	if w := doJSON(r, http.MethodPost, "/api/query", QueryRequest{Query: "q", Mode: "psychic"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad mode: expected 400, got %d", w.Code)
	}

	failing := newQueryRouter(&fakeQuerier{err: fmt.Errorf("%w: upstream 503", core.ErrQuery)})
	if w := doJSON(failing, http.MethodPost, "/api/query", QueryRequest{Query: "q"}); w.Code != http.StatusBadGateway {
		t.Fatalf("query failure: expected 502, got %d", w.Code)
	}
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readFrames(t *testing.T, conn *websocket.Conn, until string) []ChatFrame {
	t.Helper()
	var frames []ChatFrame
	for {
		var f ChatFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read frame: %v (got %+v)", err, frames)
		}
		frames = append(frames, f)
		if f.Type == until {
			return frames
		}
	}
}

func TestChatStreamsChunksThenEnd(t *testing.T) {
	srv := httptest.NewServer(newQueryRouter(&fakeQuerier{chunks: []string{"a", "b", "c"}}))
	defer srv.Close()
	conn := dialWS(t, srv, "/ws/chat")

	for round := 0; round < 2; round++ {
		if err := conn.WriteJSON(QueryRequest{Query: "letters?", Mode: "naive"}); err != nil {
			t.Fatalf("write: %v", err)
		}
		frames := readFrames(t, conn, FrameEnd)
		if len(frames) != 4 {
			t.Fatalf("round %d: unexpected frames %+v", round, frames)
		}
		var sb strings.Builder
		for _, f := range frames[:3] {
			if f.Type != FrameChunk {
				t.Fatalf("expected chunk frame, got %+v", f)
			}
			sb.WriteString(f.Content)
		}
		if sb.String() != "abc" {
			t.Fatalf("content %q, want abc", sb.String())
		}
	}
}

func TestChatSurvivesAnswerLongerThanReadDeadline(t *testing.T) {
	h := NewQueryHandler(&fakeQuerier{chunks: []string{"slow"}, delay: 400 * time.Millisecond}, "", nil)
	h.pongWait = 150 * time.Millisecond
	r := gin.New()
	h.RegisterRoutes(r.Group("/api"), r.Group("/ws"))
	srv := httptest.NewServer(r)
	defer srv.Close()
	conn := dialWS(t, srv, "/ws/chat")

	for round := 0; round < 2; round++ {
		if err := conn.WriteJSON(QueryRequest{Query: "take your time"}); err != nil {
			t.Fatalf("round %d: write: %v", round, err)
		}
		frames := readFrames(t, conn, FrameEnd)
		if len(frames) != 2 || frames[0].Content != "slow" {
			t.Fatalf("round %d: unexpected frames %+v", round, frames)
		}
	}
}

func TestChatErrorsKeepConnectionOpen(t *testing.T) {
	q := &fakeQuerier{chunks: []string{"partial"}, midErr: errors.New("stream reset")}
	srv := httptest.NewServer(newQueryRouter(q))
	defer srv.Close()
	conn := dialWS(t, srv, "/ws/chat")

	conn.WriteMessage(websocket.TextMessage, []byte("{broken"))
	if f := readFrames(t, conn, FrameError); len(f) != 1 {
		t.Fatalf("expected a single error frame, got %+v", f)
	}

	conn.WriteJSON(QueryRequest{Query: "q", Mode: "telepathy"})
	if f := readFrames(t, conn, FrameError); !strings.Contains(f[0].Error, "invalid mode") {
		t.Fatalf("unexpected frames %+v", f)
	}

	conn.WriteJSON(QueryRequest{Query: "q"})
	frames := readFrames(t, conn, FrameError)
	if len(frames) != 2 || frames[0].Content != "partial" || frames[1].Error != "stream reset" {
		t.Fatalf("unexpected frames %+v", frames)
	}

	conn.WriteJSON(QueryRequest{})
	if f := readFrames(t, conn, FrameError); f[0].Error != "query is required" {
		t.Fatalf("unexpected frames %+v", f)
	}
}

func waitObservers(t *testing.T, hub *notify.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("observer count %d, want %d", hub.Count(), want)
}

func TestJobEventsSocket(t *testing.T) {
	hub := notify.NewHub(8, nil)
	defer hub.Close()

	r := gin.New()
	NewEventsHandler(hub, nil).RegisterRoutes(r.Group("/ws"))
	srv := httptest.NewServer(r)
	defer srv.Close()

	first := dialWS(t, srv, "/ws/jobs")
	second := dialWS(t, srv, "/ws/jobs")
	waitObservers(t, hub, 2)

	events := []core.StatusEvent{
		{JobID: "j1", Status: core.JobStatusQueued},
		{JobID: "j1", Status: core.JobStatusProcessing},
		{JobID: "j1", Status: core.JobStatusFailed, Error: "no text"},
	}
	for _, e := range events {
		hub.Broadcast(e)
	}

	for _, conn := range []*websocket.Conn{first, second} {
		for i, want := range events {
			var got core.StatusEvent
			if err := conn.ReadJSON(&got); err != nil {
				t.Fatalf("read event %d: %v", i, err)
			}
			if got != want {
				t.Fatalf("event %d = %+v, want %+v", i, got, want)
			}
		}
	}

	first.Close()
	waitObservers(t, hub, 1)
}

func TestHealth(t *testing.T) {
	hub := notify.NewHub(1, nil)
	defer hub.Close()

	r := gin.New()
	NewHealthHandler(&fakeQueue{}, &fakeStore{}, hub).RegisterRoutes(r, r.Group("/api"))

	w := doJSON(r, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health response %d %s", w.Code, w.Body.String())
	}

	r = gin.New()
	NewHealthHandler(&fakeQueue{}, &fakeStore{err: errors.New("disk I/O error")}, hub).RegisterRoutes(r, r.Group("/api"))
	if w := doJSON(r, http.MethodGet, "/health", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestDocumentEndpoints(t *testing.T) {
	store := &fakeStore{docs: []*db.Document{{ID: "d1", Token: "tok-1", SourceCount: 2, ChunkCount: 5}}}
	r := gin.New()
	NewDocumentHandler(store).RegisterRoutes(r.Group("/api"))

	w := doJSON(r, http.MethodGet, "/api/documents/tok-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var doc db.Document
	json.Unmarshal(w.Body.Bytes(), &doc)
	if doc.ID != "d1" || doc.ChunkCount != 5 {
		t.Fatalf("unexpected document %+v", doc)
	}

	if w := doJSON(r, http.MethodGet, "/api/documents/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown token: expected 404, got %d", w.Code)
	}

	w = doJSON(r, http.MethodGet, "/api/documents", nil)
	var list DocumentListResponse
	json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 1 || list.Documents[0].Token != "tok-1" {
		t.Fatalf("unexpected list %+v", list)
	}

	broken := gin.New()
	NewDocumentHandler(&fakeStore{err: errors.New("database is locked")}).RegisterRoutes(broken.Group("/api"))
	if w := doJSON(broken, http.MethodGet, "/api/documents/tok-1", nil); w.Code != http.StatusInternalServerError {
		t.Fatalf("store failure: expected 500, got %d", w.Code)
	}
}
