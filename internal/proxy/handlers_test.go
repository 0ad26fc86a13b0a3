package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datadove/tryon-preview-engine/internal/access"
	"github.com/datadove/tryon-preview-engine/internal/config"
	"github.com/datadove/tryon-preview-engine/internal/fault"
	"github.com/datadove/tryon-preview-engine/internal/metrics"
	"github.com/datadove/tryon-preview-engine/internal/preview"
	"github.com/datadove/tryon-preview-engine/internal/relay"
)

type fakeService struct {
	lastReq  preview.Request
	result   *preview.Result
	err      error
	images   []string
	deleted  bool
	imageRaw []byte
}

func (f *fakeService) Generate(_ context.Context, req preview.Request) (*preview.Result, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeService) ListImages(context.Context, access.Identity) ([]string, error) {
	return f.images, f.err
}

func (f *fakeService) DeleteImage(context.Context, access.Identity, string) (bool, error) {
	return f.deleted, f.err
}

func (f *fakeService) FetchImage(context.Context, string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.imageRaw, nil
}

type fakeLicense struct {
	status *relay.LicenseStatus
	err    error
}

func (f *fakeLicense) ValidateLicense(context.Context) (*relay.LicenseStatus, error) {
	return f.status, f.err
}

type fakeSessions struct {
	logins  []int64
	logouts []int64
}

func (f *fakeSessions) MarkLogin(ownerID int64, _ string, _ time.Time) error {
	f.logins = append(f.logins, ownerID)
	return nil
}

func (f *fakeSessions) MarkLogout(ownerID int64, _ string, _ time.Time) error {
	f.logouts = append(f.logouts, ownerID)
	return nil
}

type passNormalizer struct{}

func (passNormalizer) Normalize(data []byte) ([]byte, error) { return data, nil }

func newTestServer(svc Service, license LicenseValidator, sessions SessionTracker) *Server {
	s := &Server{
		config: &config.Config{
			Server:     config.ServerConfig{MaxBodySize: 20 << 20},
			Monitoring: config.MonitoringConfig{MetricsEnabled: true},
		},
		svc:        svc,
		license:    license,
		sessions:   sessions,
		normalizer: passNormalizer{},
		router:     mux.NewRouter(),
		metrics:    metrics.NewMetrics("test"),
	}
	s.setupRoutes()
	return s
}

func TestHandlePreviewJSON(t *testing.T) {
	svc := &fakeService{result: &preview.Result{PreviewURL: "https://cdn.test/out.jpg"}}
	s := newTestServer(svc, &fakeLicense{}, &fakeSessions{})

	body, _ := json.Marshal(map[string]interface{}{
		"photo":          "data:image/jpeg;base64,aGVsbG8=",
		"photo_filename": "me.jpg",
		"garment_url":    "https://shop.example.com/garment.jpg",
		"category":       "tops",
		"consent_given":  true,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/preview", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Owner-Id", "42")
	req.Header.Set("X-Owner-Email", "a@b.test")
	req.Header.Set("X-Owner-Roles", "customer, subscriber")
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "https://cdn.test/out.jpg", resp["preview_url"])

	assert.Equal(t, int64(42), svc.lastReq.Identity.ID)
	assert.Equal(t, []string{"customer", "subscriber"}, svc.lastReq.Identity.Roles)
	assert.Equal(t, []byte("hello"), svc.lastReq.PhotoData)
	assert.True(t, svc.lastReq.ConsentGiven)
}

func TestHandlePreviewMultipart(t *testing.T) {
	svc := &fakeService{result: &preview.Result{PreviewURL: "https://cdn.test/out.jpg"}}
	s := newTestServer(svc, &fakeLicense{}, &fakeSessions{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("photo", "me.png")
	require.NoError(t, err)
	_, _ = part.Write([]byte("rawphoto"))
	require.NoError(t, mw.WriteField("garment_url", "https://shop.example.com/garment.jpg"))
	require.NoError(t, mw.WriteField("category", "bottoms"))
	require.NoError(t, mw.WriteField("consent_given", "1"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/preview", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Owner-Id", "42")
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []byte("rawphoto"), svc.lastReq.PhotoData)
	assert.Equal(t, "me.png", svc.lastReq.PhotoFilename)
	assert.True(t, svc.lastReq.ConsentGiven)
}

func TestHandlePreviewMissingGarment(t *testing.T) {
	s := newTestServer(&fakeService{}, &fakeLicense{}, &fakeSessions{})

	req := httptest.NewRequest(http.MethodPost, "/api/preview", strings.NewReader(`{"photo":"aGVsbG8="}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePreviewFailureStatus(t *testing.T) {
	tests := []struct {
		cat  fault.Category
		want int
	}{
		{fault.AccessDenied, http.StatusForbidden},
		{fault.ConsentRequired, http.StatusForbidden},
		{fault.QuotaExceeded, http.StatusTooManyRequests},
		{fault.QuotaExhausted, http.StatusTooManyRequests},
		{fault.ImageNotFound, http.StatusNotFound},
		{fault.UnsupportedImageFormat, http.StatusBadRequest},
		{fault.UpstreamTimeout, http.StatusGatewayTimeout},
		{fault.RelayUnreachable, http.StatusBadGateway},
		{fault.LicenseExpired, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(string(tt.cat), func(t *testing.T) {
			svc := &fakeService{err: fault.New(tt.cat, nil)}
			s := newTestServer(svc, &fakeLicense{}, &fakeSessions{})

			req := httptest.NewRequest(http.MethodPost, "/api/preview",
				strings.NewReader(`{"photo":"aGVsbG8=","garment_url":"https://x.test/g.jpg"}`))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()

			s.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)

			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, string(tt.cat), resp["code"])
			assert.NotEmpty(t, resp["error"])
		})
	}
}

func TestHandleListImages(t *testing.T) {
	svc := &fakeService{images: []string{"https://s3.test/previews/a.jpg"}}
	s := newTestServer(svc, &fakeLicense{}, &fakeSessions{})

	req := httptest.NewRequest(http.MethodGet, "/api/images", nil)
	req.Header.Set("X-Owner-Id", "42")
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"https://s3.test/previews/a.jpg"}, resp["images"])
}

func TestHandleDeleteImage(t *testing.T) {
	svc := &fakeService{deleted: true}
	s := newTestServer(svc, &fakeLicense{}, &fakeSessions{})

	req := httptest.NewRequest(http.MethodDelete, "/api/images",
		strings.NewReader(`{"image_url":"https://s3.test/previews/a.jpg"}`))
	req.Header.Set("X-Owner-Id", "42")
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":true}`, rec.Body.String())
}

func TestHandleDeleteImageMissingURL(t *testing.T) {
	s := newTestServer(&fakeService{}, &fakeLicense{}, &fakeSessions{})

	req := httptest.NewRequest(http.MethodDelete, "/api/images", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleValidateLicense(t *testing.T) {
	license := &fakeLicense{status: &relay.LicenseStatus{Status: "active", Credits: 7}}
	s := newTestServer(&fakeService{}, license, &fakeSessions{})

	req := httptest.NewRequest(http.MethodPost, "/api/license/validate", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp relay.LicenseStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "active", resp.Status)
	assert.Equal(t, 7, resp.Credits)
}

func TestHandleSessionEndpoints(t *testing.T) {
	sessions := &fakeSessions{}
	s := newTestServer(&fakeService{}, &fakeLicense{}, sessions)

	req := httptest.NewRequest(http.MethodPost, "/api/session/login",
		strings.NewReader(`{"owner_id":42,"email":"a@b.test"}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/session/logout",
		strings.NewReader(`{"owner_id":42,"email":"a@b.test"}`))
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []int64{42}, sessions.logins)
	assert.Equal(t, []int64{42}, sessions.logouts)

	req = httptest.NewRequest(http.MethodPost, "/api/session/login", strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleImageProxy(t *testing.T) {
	svc := &fakeService{imageRaw: []byte("jpegbytes")}
	s := newTestServer(svc, &fakeLicense{}, &fakeSessions{})

	req := httptest.NewRequest(http.MethodGet,
		"/wasabi-image?key=shop.example.com/42-a@b.test/1_me.jpg", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "jpegbytes", rec.Body.String())
}

func TestHandleImageProxyRejectsTraversal(t *testing.T) {
	s := newTestServer(&fakeService{}, &fakeLicense{}, &fakeSessions{})

	req := httptest.NewRequest(http.MethodGet, "/wasabi-image?key=shop/../other/secret.jpg", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(&fakeService{}, &fakeLicense{}, &fakeSessions{})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	s.SetShuttingDown()
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(&fakeService{}, &fakeLicense{}, &fakeSessions{})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}
