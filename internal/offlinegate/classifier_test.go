package offlinegate

import (
	"net/http/httptest"
	"testing"
)

func TestClassifyAssignsExactlyOneStrategy(t *testing.T) {
	classifier := NewClassifier(ClassifierOptions{Origin: "http://app.local"})
	cases := []struct {
		name   string
		method string
		url    string
		want   Strategy
	}{
		{"api namespace", "GET", "http://app.local/api/creations", StrategyNetworkFirst},
		{"api nested", "GET", "http://app.local/api/canvas/latest", StrategyNetworkFirst},
		{"script", "GET", "http://app.local/assets/app.js", StrategyCacheFirst},
		{"stylesheet", "GET", "http://app.local/styles/main.css", StrategyCacheFirst},
		{"font", "GET", "http://app.local/fonts/sans.woff2", StrategyCacheFirst},
		{"image", "GET", "http://app.local/gallery/piece.png", StrategyCacheFirst},
		{"icon", "GET", "http://app.local/favicon.ico", StrategyCacheFirst},
		{"navigation root", "GET", "http://app.local/", StrategyStaleWhileRevalidate},
		{"navigation page", "GET", "http://app.local/studio", StrategyStaleWhileRevalidate},
		{"html document", "GET", "http://app.local/about.html", StrategyStaleWhileRevalidate},
		{"post passthrough", "POST", "http://app.local/api/canvas/save", StrategyPassthrough},
		{"cross origin passthrough", "GET", "http://cdn.example.com/lib.js", StrategyPassthrough},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.url, nil)
		if got := classifier.Classify(req); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestClassifyRelativeRequestsAreSameOrigin(t *testing.T) {
	classifier := NewClassifier(ClassifierOptions{Origin: "http://app.local"})
	req := httptest.NewRequest("GET", "/api/creations", nil)
	req.URL.Host = ""
	req.URL.Scheme = ""
	if got := classifier.Classify(req); got != StrategyNetworkFirst {
		t.Fatalf("expected relative request to classify network-first, got %s", got)
	}
}

func TestClassifierCustomAPIPrefix(t *testing.T) {
	classifier := NewClassifier(ClassifierOptions{APIPrefix: "/v2/"})
	req := httptest.NewRequest("GET", "http://app.local/v2/things", nil)
	if got := classifier.Classify(req); got != StrategyNetworkFirst {
		t.Fatalf("expected custom prefix to classify network-first, got %s", got)
	}
	req = httptest.NewRequest("GET", "http://app.local/api/things", nil)
	if got := classifier.Classify(req); got != StrategyStaleWhileRevalidate {
		t.Fatalf("expected default prefix to lose custom classification, got %s", got)
	}
}

func TestIsImageRequest(t *testing.T) {
	if !IsImageRequest("/gallery/piece.webp") {
		t.Fatalf("expected webp to be an image asset")
	}
	if IsImageRequest("/assets/app.js") {
		t.Fatalf("expected js not to be an image asset")
	}
}
