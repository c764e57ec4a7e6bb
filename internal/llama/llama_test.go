package llama

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestDescribeImage(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/completion" || req.Method != http.MethodPost {
			t.Errorf("Unexpected request %s %s", req.Method, req.URL.Path)
		}
		if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.Write([]byte(`{"content":"  Clear lung fields. ","stop":true}`))
	}))
	defer srv.Close()

	l := Init(srv.URL+"/", 42, srv.Client())
	desc, err := l.DescribeImage(t.Context(), []byte{0xff, 0xd8}, "Describe the chest X-ray.")
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}
	if expected, actual := "Clear lung fields.", desc; expected != actual {
		t.Errorf("Expected %q, got %q", expected, actual)
	}

	prompt, _ := got["prompt"].(string)
	if !strings.Contains(prompt, "[img-10]Describe the chest X-ray.") {
		t.Errorf("Prompt does not reference the image: %q", prompt)
	}
	if expected, actual := float64(42), got["seed"]; expected != actual {
		t.Errorf("Expected seed %v, got %v", expected, actual)
	}
	images, _ := got["image_data"].([]any)
	if len(images) != 1 {
		t.Fatalf("Expected 1 image, got %d", len(images))
	}
	img := images[0].(map[string]any)
	if expected, actual := base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8}), img["data"]; expected != actual {
		t.Errorf("Expected image data %v, got %v", expected, actual)
	}
}

func TestDescribeImageServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "out of memory", http.StatusInternalServerError)
	}))
	defer srv.Close()

	l := Init(srv.URL, 0, srv.Client())
	if _, err := l.DescribeImage(t.Context(), []byte{1}, "x"); err == nil {
		t.Error("Expected error")
	}
}

func TestIsHealthy(t *testing.T) {
	var unhealthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/health" {
			t.Errorf("Unexpected path %s", req.URL.Path)
		}
		if unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	l := Init(srv.URL, 0, srv.Client())
	if !l.IsHealthy(t.Context()) {
		t.Error("Expected healthy")
	}
	unhealthy.Store(true)
	if l.IsHealthy(t.Context()) {
		t.Error("Expected unhealthy")
	}
}
