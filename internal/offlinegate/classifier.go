package offlinegate

import (
	"net/http"
	"path"
	"strings"
)

// Strategy is the serving policy assigned to an intercepted request.
type Strategy string

const (
	// StrategyPassthrough marks a request the gateway does not intercept:
	// non-GET methods and requests addressed to another origin.
	StrategyPassthrough          Strategy = "passthrough"
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyCacheFirst           Strategy = "cache-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
)

const DefaultAPIPrefix = "/api/"

var staticAssetExtensions = map[string]struct{}{
	".js":    {},
	".mjs":   {},
	".css":   {},
	".woff":  {},
	".woff2": {},
	".ttf":   {},
	".otf":   {},
	".png":   {},
	".jpg":   {},
	".jpeg":  {},
	".gif":   {},
	".webp":  {},
	".svg":   {},
	".ico":   {},
}

var imageAssetExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".gif":  {},
	".webp": {},
	".svg":  {},
	".ico":  {},
}

// Classifier maps an intercepted request to exactly one strategy. The
// assignment is a pure function of method, origin, path, and extension;
// nothing is stored.
type Classifier struct {
	origin    string
	apiPrefix string
}

type ClassifierOptions struct {
	// Origin is the application origin ("scheme://host[:port]") whose
	// requests are intercepted. Empty means every relative request is
	// treated as same-origin.
	Origin string
	// APIPrefix is the path namespace routed network-first. Defaults to
	// DefaultAPIPrefix.
	APIPrefix string
}

func NewClassifier(opts ClassifierOptions) *Classifier {
	prefix := strings.TrimSpace(opts.APIPrefix)
	if prefix == "" {
		prefix = DefaultAPIPrefix
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return &Classifier{
		origin:    strings.TrimRight(strings.TrimSpace(opts.Origin), "/"),
		apiPrefix: prefix,
	}
}

// Classify decides the serving policy for r. First match wins: API
// namespace, then static-asset extension, then everything else
// (navigational/HTML-like requests).
func (c *Classifier) Classify(r *http.Request) Strategy {
	if r.Method != http.MethodGet {
		return StrategyPassthrough
	}
	if !c.sameOrigin(r) {
		return StrategyPassthrough
	}
	requestPath := r.URL.Path
	if strings.HasPrefix(requestPath, c.apiPrefix) {
		return StrategyNetworkFirst
	}
	ext := strings.ToLower(path.Ext(requestPath))
	if _, ok := staticAssetExtensions[ext]; ok {
		return StrategyCacheFirst
	}
	return StrategyStaleWhileRevalidate
}

func (c *Classifier) sameOrigin(r *http.Request) bool {
	if c.origin == "" {
		return true
	}
	if r.URL.Host == "" {
		return true
	}
	target := r.URL.Scheme + "://" + r.URL.Host
	return strings.EqualFold(strings.TrimRight(target, "/"), c.origin)
}

// IsImageRequest reports whether the request targets an image asset;
// cache-first failures for images fall back to a placeholder graphic.
func IsImageRequest(requestPath string) bool {
	_, ok := imageAssetExtensions[strings.ToLower(path.Ext(requestPath))]
	return ok
}
