package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-optimizer-go/internal/batch"
	"image-optimizer-go/internal/config"
	"image-optimizer-go/internal/logger"
	"image-optimizer-go/internal/statistics"
	"image-optimizer-go/internal/store"
)

type fakeBulk struct {
	initRes batch.InitResult
	stepRes batch.StepResult
	err     error
}

func (f *fakeBulk) Init(ctx context.Context) (batch.InitResult, error) { return f.initRes, f.err }
func (f *fakeBulk) Step(ctx context.Context) (batch.StepResult, error) { return f.stepRes, f.err }

type fakeUploads struct {
	st        *store.MemoryStore
	gotPath   string
	gotType   string
	optimized bool
}

func (f *fakeUploads) HandleUpload(ctx context.Context, path, mediaType string) *store.Notice {
	f.gotPath, f.gotType = path, mediaType
	if !f.optimized {
		return nil
	}
	n := store.Notice{OriginalSizeLabel: "2.00 KB", CompressedSizeLabel: "1.00 KB", SavingsBytes: 1024}
	_ = f.st.PutNotice(ctx, n, time.Minute)
	return &n
}

func (f *fakeUploads) TakeNotice(ctx context.Context) (*store.Notice, error) {
	return f.st.TakeNotice(ctx)
}

type testEnv struct {
	srv     *Server
	bulk    *fakeBulk
	uploads *fakeUploads
	store   *store.MemoryStore
	cfg     *config.Config
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Library.RootDirectory = t.TempDir()

	st := store.NewMemoryStore()
	env := &testEnv{
		bulk:    &fakeBulk{},
		uploads: &fakeUploads{st: st, optimized: true},
		store:   st,
		cfg:     cfg,
	}
	env.srv = NewServer(cfg, logger.Discard(), Dependencies{
		Bulk:     env.bulk,
		Progress: batch.NewReporter(st),
		Stats:    statistics.NewAccumulator(st),
		Uploads:  env.uploads,
	})
	return env
}

func do(t *testing.T, h http.Handler, method, target string, body *bytes.Buffer, contentType string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func TestBulkInitAndStep(t *testing.T) {
	env := newEnv(t)
	env.bulk.initRes = batch.InitResult{JobID: "j", Total: 3}
	env.bulk.stepRes = batch.StepResult{Total: 3, Processed: 1, Percentage: 33, CurrentItemLabel: "a.jpg"}

	rec, resp := do(t, env.srv.Handler(), http.MethodPost, "/api/bulk/init", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, "3 images queued", resp.Message)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(3), data["total"])
	assert.Equal(t, false, data["already_optimized"])

	rec, resp = do(t, env.srv.Handler(), http.MethodPost, "/api/bulk/step", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	data = resp.Data.(map[string]interface{})
	assert.Equal(t, false, data["done"])
	assert.Equal(t, float64(33), data["percentage"])
	assert.Equal(t, "a.jpg", data["current_item_label"])
}

func TestBulkErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"busy", batch.ErrBusy, http.StatusConflict},
		{"store", errors.New("store update failed: save job: timeout"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			env.bulk.err = tt.err

			for _, path := range []string{"/api/bulk/init", "/api/bulk/step"} {
				rec, resp := do(t, env.srv.Handler(), http.MethodPost, path, nil, "")
				assert.Equal(t, tt.code, rec.Code)
				assert.False(t, resp.Success)
				assert.Equal(t, "error", resp.Status)
				assert.True(t, strings.HasPrefix(resp.Error, "Error"))
			}
		})
	}
}

func TestBulkProgressAndFailures(t *testing.T) {
	env := newEnv(t)
	h := env.srv.Handler()

	_, resp := do(t, h, http.MethodGet, "/api/bulk/progress", nil, "")
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "idle", data["state"])
	assert.Equal(t, float64(0), data["percentage"])

	job := &store.Job{
		ID:        "j",
		Total:     4,
		Processed: 2,
		Pending:   []string{"c.jpg", "d.jpg"},
		Skipped:   []store.Skip{{ItemID: "b.jpg", Reason: "encode failed", At: time.Now()}},
	}
	require.NoError(t, env.store.SaveJob(context.Background(), job))

	_, resp = do(t, h, http.MethodGet, "/api/bulk/progress", nil, "")
	data = resp.Data.(map[string]interface{})
	assert.Equal(t, "running", data["state"])
	assert.Equal(t, float64(50), data["percentage"])
	assert.Equal(t, float64(1), data["skipped"])

	_, resp = do(t, h, http.MethodGet, "/api/bulk/failures", nil, "")
	failures := resp.Data.([]interface{})
	require.Len(t, failures, 1)
	assert.Equal(t, "b.jpg", failures[0].(map[string]interface{})["item_id"])
}

func TestStatistics(t *testing.T) {
	env := newEnv(t)
	_, err := statistics.NewAccumulator(env.store).Record(context.Background(), 4096, 1024)
	require.NoError(t, err)

	_, resp := do(t, env.srv.Handler(), http.MethodGet, "/api/statistics", nil, "")
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(1), data["count"])
	assert.Equal(t, "3.00 KB", data["saved_size_label"])
	assert.Equal(t, float64(75), data["saved_percent"])
}

func multipartBody(t *testing.T, field, name string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 4, 4)), imaging.PNG))
	return buf.Bytes()
}

func TestUploadThenNotice(t *testing.T) {
	env := newEnv(t)
	h := env.srv.Handler()

	body, ct := multipartBody(t, "file", "shot.png", pngBytes(t))
	rec, resp := do(t, h, http.MethodPost, "/api/uploads", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, resp.Error)

	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "shot.png", data["file"])
	assert.Equal(t, "image/png", data["media_type"])
	assert.Equal(t, true, data["optimized"])
	assert.Equal(t, filepath.Join(env.cfg.UploadPath(), "shot.png"), env.uploads.gotPath)
	assert.FileExists(t, env.uploads.gotPath)

	_, resp = do(t, h, http.MethodGet, "/api/notice", nil, "")
	require.NotNil(t, resp.Data)
	assert.Equal(t, "Image optimized: 2.00 KB -> 1.00 KB", resp.Message)

	_, resp = do(t, h, http.MethodGet, "/api/notice", nil, "")
	assert.Nil(t, resp.Data, "notice is shown once")
}

func TestUploadKeepsExistingFile(t *testing.T) {
	env := newEnv(t)
	h := env.srv.Handler()

	for i := 0; i < 2; i++ {
		body, ct := multipartBody(t, "file", "shot.png", pngBytes(t))
		rec, _ := do(t, h, http.MethodPost, "/api/uploads", body, ct)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	entries, err := os.ReadDir(env.cfg.UploadPath())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestUploadRejectsBadRequests(t *testing.T) {
	env := newEnv(t)
	h := env.srv.Handler()

	body, ct := multipartBody(t, "other", "shot.png", pngBytes(t))
	rec, resp := do(t, h, http.MethodPost, "/api/uploads", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "File is required", resp.Error)

	body, ct = multipartBody(t, "file", ".hidden", []byte("x"))
	rec, _ = do(t, h, http.MethodPost, "/api/uploads", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/uploads", bytes.NewBufferString("nope"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebSocketReceivesSteps(t *testing.T) {
	env := newEnv(t)
	env.bulk.stepRes = batch.StepResult{Done: true, Total: 1, Processed: 1, Percentage: 100}

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.srv.clientCount() == 1 }, time.Second, 10*time.Millisecond)

	resp, err := http.Post(ts.URL+"/api/bulk/step", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var types []string
	for i := 0; i < 2; i++ {
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		types = append(types, msg.Type)
	}
	assert.Equal(t, []string{"bulk_step", "bulk_completed"}, types)
}
