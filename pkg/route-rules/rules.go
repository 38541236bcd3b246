package routerules

import (
	"fmt"
	"net/http"
	"path"
	"strings"
)

// Strategy is the caching policy applied to a request.
type Strategy string

const (
	// Try the network, use the cache only when the network fails.
	NetworkFirst Strategy = "network-first"
	// Use the cache when it has the response, the network otherwise.
	CacheFirst Strategy = "cache-first"
)

// Fallback selects what a network-first rule serves when the network fails.
type Fallback string

const (
	FallbackNone            Fallback = "none"
	FallbackRequest         Fallback = "request"
	FallbackRoot            Fallback = "root"
	FallbackRequestThenRoot Fallback = "request-then-root"
)

// Destinations as sent by browsers in the Sec-Fetch-Dest request header.
const (
	DestinationDocument = "document"
	DestinationImage    = "image"
	DestinationScript   = "script"
	DestinationStyle    = "style"
	DestinationEmpty    = "empty"
)

type Rules []Rule

type Rule struct {
	Name         string   `yaml:"name"`
	Prefix       string   `yaml:"prefix"`
	Path         string   `yaml:"path"`
	Method       string   `yaml:"method"`
	Destinations []string `yaml:"destinations"`
	Strategy     Strategy `yaml:"strategy"`
	Fallback     Fallback `yaml:"fallback"`
}

// Default returns the rules of the offline worker:
// API requests network-first, static assets cache-first,
// everything else network-first falling back to the cached request and then the app shell.
func Default(apiPrefix string, apiFallback Fallback, staticDestinations []string) Rules {
	rules := Rules{
		{Name: "api", Prefix: apiPrefix, Strategy: NetworkFirst, Fallback: apiFallback},
	}
	// a rule without destinations would match every request
	if len(staticDestinations) > 0 {
		rules = append(rules, Rule{Name: "static", Destinations: staticDestinations, Strategy: CacheFirst, Fallback: FallbackNone})
	}
	return append(rules, Rule{Name: "document", Strategy: NetworkFirst, Fallback: FallbackRequestThenRoot})
}

// Find returns the first rule matching the request, or nil.
func (r Rules) Find(req *http.Request) *Rule {
	dest := Destination(req)
	for i := range r {
		rule := &r[i]
		if rule.Method != "" && !strings.EqualFold(rule.Method, req.Method) {
			continue
		}
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Destinations) > 0 && !contains(rule.Destinations, dest) {
			continue
		}
		return rule
	}
	return nil
}

// Validate checks strategies and fallbacks of all rules.
func (r Rules) Validate() error {
	for i, rule := range r {
		switch rule.Strategy {
		case NetworkFirst, CacheFirst:
		default:
			return fmt.Errorf("rule %d (%s): unknown strategy %q", i, rule.Name, rule.Strategy)
		}
		switch rule.Fallback {
		case "", FallbackNone, FallbackRequest, FallbackRoot, FallbackRequestThenRoot:
		default:
			return fmt.Errorf("rule %d (%s): unknown fallback %q", i, rule.Name, rule.Fallback)
		}
	}
	return nil
}

var extensionDestinations = map[string]string{
	".png":  DestinationImage,
	".jpg":  DestinationImage,
	".jpeg": DestinationImage,
	".gif":  DestinationImage,
	".svg":  DestinationImage,
	".webp": DestinationImage,
	".ico":  DestinationImage,
	".js":   DestinationScript,
	".mjs":  DestinationScript,
	".css":  DestinationStyle,
}

// Destination returns the kind of resource requested.
// The Sec-Fetch-Dest header is used when the client sends it,
// otherwise the kind is guessed from the path extension.
// Requests without a recognizable extension are documents.
func Destination(req *http.Request) string {
	if dest := strings.ToLower(req.Header.Get("Sec-Fetch-Dest")); dest != "" {
		return dest
	}
	if dest, ok := extensionDestinations[strings.ToLower(path.Ext(req.URL.Path))]; ok {
		return dest
	}
	return DestinationDocument
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
