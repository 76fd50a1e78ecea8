// Copyright 2024 The drinkup-image authors.
// SPDX-License-Identifier: Apache-2.0

package drinkup

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/drinkup-app/drinkup-image/cache"
)

// testPNG is an 8x8 red PNG used as the source image throughout.
func testPNG(t *testing.T) []byte {
	t.Helper()
	return encodePNG(t, newImage(8, 8, red))
}

func newTestServer(t *testing.T, backend Backend) *Server {
	t.Helper()
	s := NewServer(NewFetcher(backend, backend, 1<<20), cache.New(1<<20, nil))
	return s
}

func TestServer_ServeImage(t *testing.T) {
	backend := &fakeBackend{data: testPNG(t)}
	s := newTestServer(t, backend)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", "/4x4/a.png", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", resp.StatusCode, w.Body.String())
	}
	if got := resp.Header.Get("Content-Type"); got != "image/png" {
		t.Errorf("got content type %q, want image/png", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "public, max-age=3600" {
		t.Errorf("got cache control %q", got)
	}

	m, format, err := image.Decode(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("error decoding response image: %v", err)
	}
	if format != "png" {
		t.Errorf("response decoded as %q, want png", format)
	}
	if b := m.Bounds(); b.Dx() != 4 || b.Dy() != 4 {
		t.Errorf("response image is %v, want 4x4", b)
	}
}

func TestServer_RepeatRequestIsCached(t *testing.T) {
	backend := &fakeBackend{data: testPNG(t)}
	s := newTestServer(t, backend)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest("GET", "/4x4/a.png", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: got status %d", i, w.Code)
		}
	}

	if calls := atomic.LoadInt32(&backend.calls); calls != 1 {
		t.Errorf("backend fetched %d times, want 1", calls)
	}
	if _, _, entries := s.Cache.Stats(); entries != 1 {
		t.Errorf("cache holds %d entries, want 1", entries)
	}
}

func TestServer_Errors(t *testing.T) {
	backend := &fakeBackend{
		results: []error{errKind(KindSourceNotFound, "no such source")},
		data:    testPNG(t),
	}
	s := newTestServer(t, backend)

	tests := []struct {
		path   string
		status int
	}{
		{"/4x4/missing.png", http.StatusNotFound},   // scripted backend miss
		{"/nosource", http.StatusBadRequest},        // too few path segments
		{"/cx9000,cy9000,cw10,ch10/a.png", http.StatusBadRequest}, // crop outside source
		{"/9999999x9999999/a.png", http.StatusBadRequest},         // beyond upscale limit
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest("GET", tt.path, nil))
		if w.Code != tt.status {
			t.Errorf("GET %s returned status %d, want %d: %s", tt.path, w.Code, tt.status, w.Body.String())
		}
	}
}

func TestServer_UndecodableSource(t *testing.T) {
	s := newTestServer(t, &fakeBackend{data: []byte("not an image")})

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", "/4x4/a.bin", nil))
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("undecodable source returned status %d, want 422", w.Code)
	}
}

func TestServer_AllowHosts(t *testing.T) {
	s := newTestServer(t, &fakeBackend{data: testPNG(t)})
	s.AllowHosts = []string{"good.example.com", "*.trusted.org"}

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", "/x/http://evil.example.com/a.png", nil))
	if w.Code != http.StatusForbidden {
		t.Errorf("disallowed host returned status %d, want 403", w.Code)
	}

	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", "/x/http://good.example.com/a.png", nil))
	if w.Code == http.StatusForbidden {
		t.Error("allowed host returned 403")
	}

	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", "/x/http://sub.trusted.org/a.png", nil))
	if w.Code == http.StatusForbidden {
		t.Error("wildcard-allowed host returned 403")
	}
}

func TestServer_Allowed(t *testing.T) {
	s := &Server{AllowHosts: []string{"a.com", "*.b.com"}}

	tests := []struct {
		source string
		want   bool
	}{
		{"local.png", true}, // local refs always pass
		{"http://a.com/x.png", true},
		{"http://bad.com/x.png", false},
		{"http://sub.b.com/x.png", true},
		{"http://b.com/x.png", false},
		{"http://deep.sub.b.com/x.png", true},
	}
	for _, tt := range tests {
		ref, err := ParseSourceRef(tt.source)
		if err != nil {
			t.Fatalf("ParseSourceRef(%q) returned error: %v", tt.source, err)
		}
		if got := s.allowed(ref); got != tt.want {
			t.Errorf("allowed(%q) returned %v, want %v", tt.source, got, tt.want)
		}
	}
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t, &fakeBackend{data: testPNG(t)})

	for _, path := range []string{"/", "/health"} {
		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("GET %s returned status %d, want 200", path, w.Code)
		}

		var resp struct {
			Data    map[string]string `json:"data"`
			Message string            `json:"message"`
			Code    int               `json:"code"`
		}
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("error decoding health response: %v", err)
		}
		if resp.Code != 0 || resp.Data["status"] != "ok" {
			t.Errorf("GET %s returned %+v, want code 0 and status ok", path, resp)
		}
		if resp.Data["service"] != "drinkup-image" {
			t.Errorf("health reported service %q", resp.Data["service"])
		}
	}
}

func TestServer_HealthDegraded(t *testing.T) {
	s := newTestServer(t, &fakeBackend{data: testPNG(t)})
	s.Health.Budget = stuckBudget{2 * DefaultHealthWindow}

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded health returned status %d, want 503", w.Code)
	}
}

func TestServer_CORS(t *testing.T) {
	s := newTestServer(t, &fakeBackend{data: testPNG(t)})

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("OPTIONS", "/4x4/a.png", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight returned status %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("got allow-origin %q, want *", got)
	}

	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("GET response missing CORS header, got %q", got)
	}
}

type processResp struct {
	Data struct {
		ProcessedImage string `json:"processedImage"`
		Format         string `json:"format"`
	} `json:"data"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func TestServer_Process(t *testing.T) {
	s := newTestServer(t, &fakeBackend{data: testPNG(t)})

	body, _ := json.Marshal(map[string]string{
		"imageData":    base64.StdEncoding.EncodeToString(testPNG(t)),
		"outputFormat": "jpeg",
		"options":      "4x4",
	})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("POST", "/process", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", w.Code, w.Body.String())
	}

	var resp processResp
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("error decoding response: %v", err)
	}
	if resp.Code != 0 {
		t.Errorf("got code %d, want 0", resp.Code)
	}
	if resp.Data.Format != "jpeg" {
		t.Errorf("got format %q, want jpeg", resp.Data.Format)
	}

	out, err := base64.StdEncoding.DecodeString(resp.Data.ProcessedImage)
	if err != nil {
		t.Fatalf("error decoding processed image: %v", err)
	}
	m, format, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("error decoding result bytes: %v", err)
	}
	if format != "jpeg" {
		t.Errorf("result decoded as %q, want jpeg", format)
	}
	if b := m.Bounds(); b.Dx() != 4 || b.Dy() != 4 {
		t.Errorf("result image is %v, want 4x4", b)
	}
}

// with no outputFormat the process endpoints re-encode to png
func TestServer_ProcessDefaultFormat(t *testing.T) {
	s := newTestServer(t, &fakeBackend{data: testPNG(t)})

	src := new(bytes.Buffer)
	if err := jpeg.Encode(src, newImage(4, 4, red), nil); err != nil {
		t.Fatalf("error encoding source image: %v", err)
	}

	body, _ := json.Marshal(map[string]string{
		"imageData": base64.StdEncoding.EncodeToString(src.Bytes()),
	})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("POST", "/process", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", w.Code, w.Body.String())
	}

	var resp processResp
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("error decoding response: %v", err)
	}
	if resp.Data.Format != "png" {
		t.Errorf("got format %q, want png", resp.Data.Format)
	}

	out, err := base64.StdEncoding.DecodeString(resp.Data.ProcessedImage)
	if err != nil {
		t.Fatalf("error decoding processed image: %v", err)
	}
	if _, format, err := image.Decode(bytes.NewReader(out)); err != nil || format != "png" {
		t.Errorf("result decoded as %q (err %v), want png", format, err)
	}
}

func TestServer_ProcessByURL(t *testing.T) {
	s := newTestServer(t, &fakeBackend{data: testPNG(t)})

	body, _ := json.Marshal(map[string]string{
		"imageUrl": "http://example.com/a.png",
		"options":  "4x4",
	})
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("POST", "/process", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", w.Code, w.Body.String())
	}
}

func TestServer_ProcessValidation(t *testing.T) {
	s := newTestServer(t, &fakeBackend{data: testPNG(t)})

	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{"wrong method", "GET", "", http.StatusMethodNotAllowed},
		{"invalid json", "POST", "{", http.StatusBadRequest},
		{"neither source", "POST", `{}`, http.StatusBadRequest},
		{"both sources", "POST", `{"imageUrl":"http://example.com/a.png","imageData":"aGk="}`, http.StatusBadRequest},
		{"bad base64", "POST", `{"imageData":"!!!"}`, http.StatusBadRequest},
		{"relative url", "POST", `{"imageUrl":"a.png"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest(tt.method, "/process", strings.NewReader(tt.body)))
		if w.Code != tt.status {
			t.Errorf("%s: got status %d, want %d: %s", tt.name, w.Code, tt.status, w.Body.String())
		}

		var resp processResp
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Errorf("%s: error response is not the JSON envelope: %v", tt.name, err)
			continue
		}
		if resp.Code != -1 {
			t.Errorf("%s: got code %d, want -1", tt.name, resp.Code)
		}
	}
}

func TestServer_ProcessForm(t *testing.T) {
	s := newTestServer(t, &fakeBackend{data: testPNG(t)})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", "a.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(testPNG(t))
	mw.WriteField("format", "png")
	mw.WriteField("options", "2x2")
	mw.Close()

	r := httptest.NewRequest("POST", "/process-form", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())

	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d: %s", w.Code, w.Body.String())
	}

	var resp processResp
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("error decoding response: %v", err)
	}
	if resp.Code != 0 || resp.Data.Format != "png" {
		t.Errorf("got code %d format %q, want 0 and png", resp.Code, resp.Data.Format)
	}
}

// identical concurrent requests must fetch and transform exactly once
func TestServer_ConcurrentRequests(t *testing.T) {
	backend := &fakeBackend{data: testPNG(t)}
	s := newTestServer(t, backend)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			s.ServeHTTP(w, httptest.NewRequest("GET", "/4x4/a.png", nil))
			if w.Code != http.StatusOK {
				t.Errorf("got status %d, want 200", w.Code)
			}
		}()
	}
	wg.Wait()

	if calls := atomic.LoadInt32(&backend.calls); calls != 1 {
		t.Errorf("backend fetched %d times, want 1", calls)
	}
}

func TestServer_Favicon(t *testing.T) {
	s := newTestServer(t, &fakeBackend{data: testPNG(t)})

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest("GET", "/favicon.ico", nil))
	if w.Code != http.StatusOK || w.Body.Len() != 0 {
		t.Errorf("favicon request returned status %d with %d bytes", w.Code, w.Body.Len())
	}
}
