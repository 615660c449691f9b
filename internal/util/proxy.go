package util

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// NewProxyFunc builds an http.Transport proxy selector from explicit proxy
// settings, falling back to the process environment when none are set.
func NewProxyFunc(httpProxy, httpsProxy, noProxy string) func(*http.Request) (*url.URL, error) {
	if httpProxy == "" && httpsProxy == "" {
		return http.ProxyFromEnvironment
	}

	skip := splitNoProxy(noProxy)

	return func(req *http.Request) (*url.URL, error) {
		host := req.URL.Hostname()
		for _, pattern := range skip {
			if pattern == "*" || host == pattern || strings.HasSuffix(host, "."+strings.TrimPrefix(pattern, ".")) {
				return nil, nil
			}
		}

		raw := httpProxy
		if req.URL.Scheme == "https" && httpsProxy != "" {
			raw = httpsProxy
		}
		if raw == "" {
			return nil, nil
		}
		proxyURL, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse proxy URL: %w", err)
		}
		return proxyURL, nil
	}
}

func splitNoProxy(noProxy string) []string {
	if noProxy == "" {
		return nil
	}
	parts := strings.Split(noProxy, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
