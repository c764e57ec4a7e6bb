package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"html"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/chriskillpack/tabib"
	"github.com/chriskillpack/tabib/disclaimer"
	"github.com/chriskillpack/tabib/internal/config"
	"github.com/chriskillpack/tabib/locale"
)

func newTestServer(t *testing.T, fd *fakeDescriber, db *tabib.DB) http.Handler {
	t.Helper()

	logger := zaptest.NewLogger(t)
	a := tabib.NewAnalyzer(fd, tabib.AnalyzerOptions{DB: db, Logger: logger})
	return NewServer(a, db, config.ServerConfig{Port: "0"}, logger).hs.Handler
}

// analyzeRequest builds a multipart form post. image is omitted when nil.
func analyzeRequest(t *testing.T, path string, fields map[string]string, image []byte) *http.Request {
	t.Helper()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if image != nil {
		fw, err := mw.CreateFormFile("image", "scan.png")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(image)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

type apiResult struct {
	State   string   `json:"state"`
	History []string `json:"history"`
	Result  *struct {
		Language   string `json:"language"`
		Text       string `json:"text"`
		Disclaimer string `json:"disclaimer"`
	} `json:"result"`
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind"`
}

func decodeAPI(t *testing.T, rec *httptest.ResponseRecorder) *apiResult {
	t.Helper()

	res := &apiResult{}
	if err := json.NewDecoder(rec.Body).Decode(res); err != nil {
		t.Fatal(err)
	}
	return res
}

func TestAPIAnalyze(t *testing.T) {
	fd := &fakeDescriber{answer: "The lungs appear clear."}
	h := newTestServer(t, fd, nil)

	for _, l := range locale.Languages() {
		entry := locale.Resolve(l)
		t.Run(entry.Code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, analyzeRequest(t, "/api/analyze", map[string]string{
				"lang":     entry.Code,
				"modality": "xray",
			}, testPNG(t)))

			if rec.Code != http.StatusOK {
				t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body)
			}
			res := decodeAPI(t, rec)
			if expected, actual := "displaying_result", res.State; expected != actual {
				t.Errorf("Expected state %q, got %q", expected, actual)
			}
			history := []string{"idle", "awaiting_submission", "processing", "displaying_result"}
			if !slices.Equal(history, res.History) {
				t.Errorf("Expected history %v, got %v", history, res.History)
			}
			if res.Result == nil {
				t.Fatal("Expected a result")
			}
			if !strings.HasSuffix(res.Result.Text, disclaimer.Separator+entry.Disclaimer) {
				t.Errorf("Text does not end with the disclaimer: %q", res.Result.Text)
			}
			if expected, actual := entry.Code, res.Result.Language; expected != actual {
				t.Errorf("Expected language %q, got %q", expected, actual)
			}
		})
	}
}

func TestAPIAnalyzeErrors(t *testing.T) {
	en := locale.Resolve(locale.English)
	ar := locale.Resolve(locale.EgyptianArabic)

	cases := []struct {
		name   string
		fd     *fakeDescriber
		fields map[string]string
		image  []byte
		valid  bool // send a decodable image

		status int
		kind   string
		msg    string
		calls  int
	}{
		{
			name:   "no image",
			fd:     &fakeDescriber{answer: "unused"},
			fields: map[string]string{"lang": "en"},
			status: http.StatusBadRequest,
			kind:   "invalid_image",
			msg:    en.Labels.ErrInvalidImage,
		},
		{
			name:   "corrupt image arabic",
			fd:     &fakeDescriber{answer: "unused"},
			fields: map[string]string{"lang": "ar"},
			image:  []byte("not an image"),
			status: http.StatusBadRequest,
			kind:   "invalid_image",
			msg:    ar.Labels.ErrInvalidImage,
		},
		{
			name:   "too many pixels",
			fd:     &fakeDescriber{answer: "unused"},
			fields: map[string]string{"lang": "en"},
			image:  hugePNG(),
			status: http.StatusBadRequest,
			kind:   "invalid_image",
			msg:    en.Labels.ErrInvalidImage,
		},
		{
			name:   "unknown language",
			fd:     &fakeDescriber{answer: "unused"},
			fields: map[string]string{"lang": "fr"},
			status: http.StatusBadRequest,
			kind:   "unknown_language",
			msg:    en.Labels.ErrUnknownLanguage,
		},
		{
			name:   "model failure",
			fd:     &fakeDescriber{err: errors.New("connection refused")},
			fields: map[string]string{"lang": "en"},
			valid:  true,
			status: http.StatusBadGateway,
			kind:   "model_failure",
			msg:    en.Labels.ErrModelFailure,
			calls:  1,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			img := c.image
			if c.valid {
				img = testPNG(t)
			}
			h := newTestServer(t, c.fd, nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, analyzeRequest(t, "/api/analyze", c.fields, img))

			if expected, actual := c.status, rec.Code; expected != actual {
				t.Fatalf("Expected status %d, got %d", expected, actual)
			}
			res := decodeAPI(t, rec)
			if expected, actual := "displaying_error", res.State; expected != actual {
				t.Errorf("Expected state %q, got %q", expected, actual)
			}
			if expected, actual := c.kind, res.ErrorKind; expected != actual {
				t.Errorf("Expected kind %q, got %q", expected, actual)
			}
			if expected, actual := c.msg, res.Error; expected != actual {
				t.Errorf("Expected message %q, got %q", expected, actual)
			}
			if res.Result != nil {
				t.Errorf("Expected no result, got %q", res.Result.Text)
			}
			if expected, actual := c.calls, c.fd.Calls(); expected != actual {
				t.Errorf("Expected %d describer calls, got %d", expected, actual)
			}
		})
	}
}

func TestAnalyzePage(t *testing.T) {
	fd := &fakeDescriber{answer: "No fracture is visible."}
	h := newTestServer(t, fd, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, analyzeRequest(t, "/analyze", map[string]string{
		"lang":     "ar",
		"modality": "xray",
		"question": "فيه كسر؟",
	}, testPNG(t)))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
	body := rec.Body.String()
	ar := locale.Resolve(locale.EgyptianArabic)
	for _, want := range []string{
		`dir="rtl"`,
		"state-displaying_result",
		html.EscapeString(ar.Disclaimer),
		"فيه كسر؟",
		ar.ModalityName("xray"),
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Page does not contain %q", want)
		}
	}
}

func TestAnalyzePageError(t *testing.T) {
	h := newTestServer(t, &fakeDescriber{answer: "unused"}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, analyzeRequest(t, "/analyze", map[string]string{"lang": "en"}, []byte{}))

	if expected, actual := http.StatusBadRequest, rec.Code; expected != actual {
		t.Fatalf("Expected status %d, got %d", expected, actual)
	}
	body := rec.Body.String()
	if !strings.Contains(body, html.EscapeString(locale.Resolve(locale.English).Labels.ErrInvalidImage)) {
		t.Error("Page does not show the invalid image message")
	}
	if strings.Contains(body, `class="result"`) {
		t.Error("Page should not show a result")
	}
	if !strings.Contains(body, `class="output"`) {
		t.Error("Page should have an output region")
	}
}

func TestRootPage(t *testing.T) {
	h := newTestServer(t, &fakeDescriber{}, nil)

	cases := []struct {
		target string
		accept string
		dir    string
	}{
		{"/", "", `dir="ltr"`},
		{"/", "ar-EG,ar;q=0.9", `dir="rtl"`},
		{"/?lang=en", "ar-EG", `dir="ltr"`},
		{"/?lang=ar", "", `dir="rtl"`},
		{"/?lang=xx", "", `dir="ltr"`},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodGet, c.target, nil)
		if c.accept != "" {
			req.Header.Set("Accept-Language", c.accept)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected status %d, got %d", c.target, http.StatusOK, rec.Code)
		}
		body := rec.Body.String()
		if !strings.Contains(body, c.dir) {
			t.Errorf("%s (%s): expected %s", c.target, c.accept, c.dir)
		}
		if !strings.Contains(body, "state-idle") {
			t.Errorf("%s: expected idle state", c.target)
		}
		if strings.Contains(body, `class="output"`) {
			t.Errorf("%s: idle page should have no output region", c.target)
		}
	}
}

func TestPageHealthIsCached(t *testing.T) {
	fd := &fakeDescriber{answer: "normal"}
	h := newTestServer(t, fd, nil)

	for range 3 {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), analyzeRequest(t, "/analyze", map[string]string{"lang": "en"}, testPNG(t)))
	if expected, actual := int32(1), fd.healthChecks.Load(); expected != actual {
		t.Errorf("Expected %d health check for page renders, got %d", expected, actual)
	}

	// /healthz always asks the backend.
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if expected, actual := int32(2), fd.healthChecks.Load(); expected != actual {
		t.Errorf("Expected %d health checks, got %d", expected, actual)
	}
}

func TestHealthCacheExpires(t *testing.T) {
	fd := &fakeDescriber{}
	clock := time.Unix(1_700_000_000, 0)
	hc := newHealthCache(fd, time.Minute)
	hc.now = func() time.Time { return clock }

	if !hc.IsHealthy(t.Context()) {
		t.Fatal("Expected healthy")
	}
	fd.unhealthy = true
	clock = clock.Add(30 * time.Second)
	if !hc.IsHealthy(t.Context()) {
		t.Error("Expected the cached result within the ttl")
	}
	clock = clock.Add(30 * time.Second)
	if hc.IsHealthy(t.Context()) {
		t.Error("Expected a fresh check after the ttl")
	}
	if expected, actual := int32(2), fd.healthChecks.Load(); expected != actual {
		t.Errorf("Expected %d checks, got %d", expected, actual)
	}
}

func TestHealthz(t *testing.T) {
	for _, unhealthy := range []bool{false, true} {
		h := newTestServer(t, &fakeDescriber{unhealthy: unhealthy}, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		status := http.StatusOK
		if unhealthy {
			status = http.StatusServiceUnavailable
		}
		if expected, actual := status, rec.Code; expected != actual {
			t.Errorf("Expected status %d, got %d", expected, actual)
		}

		var got struct {
			Describer string
			Healthy   bool
		}
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		if got.Describer != "fake" || got.Healthy == unhealthy {
			t.Errorf("Unexpected health %+v", got)
		}
	}
}

func TestStats(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(t, &fakeDescriber{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if expected, actual := http.StatusNotFound, rec.Code; expected != actual {
		t.Errorf("Expected status %d without a ledger, got %d", expected, actual)
	}

	db, err := tabib.NewDB(t.Context(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	h := newTestServer(t, &fakeDescriber{answer: "normal"}, db)
	h.ServeHTTP(httptest.NewRecorder(), analyzeRequest(t, "/api/analyze", map[string]string{"lang": "en"}, testPNG(t)))
	h.ServeHTTP(httptest.NewRecorder(), analyzeRequest(t, "/api/analyze", map[string]string{"lang": "en"}, nil))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var got struct {
		Total    int
		Outcomes map[string]int
		Recent   []struct {
			Outcome   string
			ErrorKind string `json:"error_kind"`
		}
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if expected, actual := 2, got.Total; expected != actual {
		t.Errorf("Expected %d analyses, got %d", expected, actual)
	}
	if got.Outcomes[tabib.OutcomeSuccess] != 1 || got.Outcomes[tabib.OutcomeFailure] != 1 {
		t.Errorf("Unexpected outcomes %v", got.Outcomes)
	}
	if expected, actual := 2, len(got.Recent); expected != actual {
		t.Fatalf("Expected %d recent rows, got %d", expected, actual)
	}
}

func TestStatic(t *testing.T) {
	h := newTestServer(t, &fakeDescriber{}, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/style.css", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/css") {
		t.Errorf("Unexpected content type %q", ct)
	}
}
