package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/icdmap/icdmap/internal/platform/auth"
	"github.com/icdmap/icdmap/pkg/pagination"
)

func newTestHandler(cfg Config) (*Handler, *mockRepo, *echo.Echo) {
	repo := newMockRepo()
	proc := newTestProcessor(repo, &recordingCodes{}, nil, cfg)
	return NewHandler(repo, proc), repo, echo.New()
}

func newContext(e *echo.Echo, req *http.Request, userID string) (echo.Context, *httptest.ResponseRecorder) {
	req = req.WithContext(auth.WithUserID(req.Context(), userID))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func httpCode(err error) int {
	if he, ok := err.(*echo.HTTPError); ok {
		return he.Code
	}
	return 0
}

func TestHandler_Create(t *testing.T) {
	h, repo, e := newTestHandler(Config{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/batch/jobs",
		strings.NewReader(`{"codes":["E10.10","428.0"],"system":"auto"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c, rec := newContext(e, req, "user-1")

	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
	var job Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Status != StatusPending || job.Total != 2 || job.UserID != "user-1" {
		t.Errorf("unexpected job %+v", job)
	}
	if _, err := repo.GetByID(context.Background(), job.ID); err != nil {
		t.Errorf("expected job persisted: %v", err)
	}
}

func TestHandler_Create_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		cfg  Config
		want int
	}{
		{"no codes", `{"codes":[]}`, Config{}, http.StatusBadRequest},
		{"bad system", `{"codes":["E10"],"system":"snomed"}`, Config{}, http.StatusBadRequest},
		{"too many", `{"codes":["A00","A01"]}`, Config{MaxCodes: 1}, http.StatusRequestEntityTooLarge},
		{"malformed", `{"codes":`, Config{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, e := newTestHandler(tt.cfg)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/batch/jobs", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			c, _ := newContext(e, req, "user-1")
			if code := httpCode(h.Create(c)); code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, code)
			}
		})
	}
}

func TestHandler_Create_QueueFull(t *testing.T) {
	h, _, e := newTestHandler(Config{QueueSize: 1})
	for i, want := range []int{0, http.StatusServiceUnavailable} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/batch/jobs", strings.NewReader(`{"codes":["E10"]}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		c, _ := newContext(e, req, "user-1")
		if code := httpCode(h.Create(c)); code != want {
			t.Errorf("request %d: expected %d, got %d", i, want, code)
		}
	}
}

func TestHandler_Upload(t *testing.T) {
	h, _, e := newTestHandler(Config{})

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("file", "codes.csv")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("code\nE1010\nI509\n"))
	w.WriteField("system", "icd10")
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/batch/jobs/upload", body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	c, rec := newContext(e, req, "user-1")

	if err := h.Upload(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var job Job
	json.Unmarshal(rec.Body.Bytes(), &job)
	if job.OriginalFilename != "codes.csv" || job.System != "icd10" || job.Total != 2 {
		t.Errorf("unexpected job %+v", job)
	}
}

func TestHandler_Upload_Errors(t *testing.T) {
	h, _, e := newTestHandler(Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/batch/jobs/upload", strings.NewReader(""))
	c, _ := newContext(e, req, "user-1")
	if code := httpCode(h.Upload(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 without file, got %d", code)
	}

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, _ := w.CreateFormFile("file", "codes.txt")
	part.Write([]byte("E1010"))
	w.Close()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/batch/jobs/upload", body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	c, _ = newContext(e, req, "user-1")
	if code := httpCode(h.Upload(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for unsupported file, got %d", code)
	}
}

func TestHandler_List(t *testing.T) {
	h, repo, e := newTestHandler(Config{})
	ctx := context.Background()
	repo.Create(ctx, NewJob("user-1", "", "auto", []string{"E10"}))
	repo.Create(ctx, NewJob("user-1", "", "auto", []string{"I10"}))
	repo.Create(ctx, NewJob("user-2", "", "auto", []string{"I50"}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/batch/jobs?limit=1", nil)
	c, rec := newContext(e, req, "user-1")
	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp struct {
		pagination.Response
		Data []*Job `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 2 || len(resp.Data) != 1 || !resp.HasMore {
		t.Errorf("unexpected page total=%d len=%d hasMore=%v", resp.Total, len(resp.Data), resp.HasMore)
	}
	if resp.Data[0].UserID != "user-1" {
		t.Errorf("listed another user's job")
	}
}

func TestHandler_List_Empty(t *testing.T) {
	h, _, e := newTestHandler(Config{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/batch/jobs", nil)
	c, rec := newContext(e, req, "nobody")
	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected empty data array, got %s", rec.Body.String())
	}
}

func TestHandler_Get(t *testing.T) {
	h, repo, e := newTestHandler(Config{})
	job := NewJob("user-1", "", "auto", []string{"E10"})
	repo.Create(context.Background(), job)

	get := func(id, userID string) (*httptest.ResponseRecorder, error) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/batch/jobs/"+id, nil)
		c, rec := newContext(e, req, userID)
		c.SetParamNames("id")
		c.SetParamValues(id)
		return rec, h.Get(c)
	}

	rec, err := get(job.ID.String(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	if _, err := get(job.ID.String(), "user-2"); httpCode(err) != http.StatusNotFound {
		t.Errorf("expected 404 for another user's job, got %v", err)
	}
	if _, err := get("00000000-0000-0000-0000-000000000001", "user-1"); httpCode(err) != http.StatusNotFound {
		t.Errorf("expected 404 for missing job, got %v", err)
	}
	if _, err := get("not-a-uuid", "user-1"); httpCode(err) != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %v", err)
	}
}
