package dispatch

import (
	"net"
	"net/url"
	"strings"

	"github.com/harun/steer/pkg/apierr"
	"github.com/rs/zerolog"
)

// PolicyConfig restricts where goto may navigate
type PolicyConfig struct {
	AllowFileURLs      bool     `json:"allow_file_urls" mapstructure:"allow_file_urls"`
	AllowLocalhostURLs bool     `json:"allow_localhost_urls" mapstructure:"allow_localhost_urls"`
	AllowedDomains     []string `json:"allowed_domains" mapstructure:"allowed_domains"`
	BlockedDomains     []string `json:"blocked_domains" mapstructure:"blocked_domains"`
}

// URLPolicy validates navigation targets
type URLPolicy struct {
	config PolicyConfig
	logger zerolog.Logger
}

// NewURLPolicy creates a policy
func NewURLPolicy(config PolicyConfig, logger zerolog.Logger) *URLPolicy {
	return &URLPolicy{
		config: config,
		logger: logger.With().Str("component", "url_policy").Logger(),
	}
}

// Config returns the policy's configuration
func (p *URLPolicy) Config() PolicyConfig {
	return p.config
}

// Check returns an InvalidRequest error when rawURL may not be visited
func (p *URLPolicy) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return apierr.Wrap(apierr.KindInvalidRequest, err, "invalid url %q", rawURL)
	}

	if strings.EqualFold(u.Scheme, "file") {
		if !p.config.AllowFileURLs {
			return p.violation("file_url_blocked", rawURL, "file:// URLs are not allowed")
		}
		return nil
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		// about:blank, data: and friends carry no host to check.
		return nil
	}

	if isLocalhost(host) && !p.config.AllowLocalhostURLs {
		return p.violation("localhost_url_blocked", rawURL, "localhost URLs are not allowed")
	}

	if len(p.config.AllowedDomains) > 0 && !matchAny(host, p.config.AllowedDomains) {
		return p.violation("domain_not_allowed", rawURL, "domain not in allowed list: "+host)
	}

	if matchAny(host, p.config.BlockedDomains) {
		return p.violation("domain_blocked", rawURL, "domain is blocked: "+host)
	}

	return nil
}

func (p *URLPolicy) violation(reason, rawURL, msg string) error {
	p.logger.Warn().
		Str("reason", reason).
		Str("url", rawURL).
		Msg("Navigation blocked by URL policy")
	return apierr.New(apierr.KindInvalidRequest, "%s", msg)
}

func isLocalhost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

func matchAny(host string, patterns []string) bool {
	for _, pattern := range patterns {
		if matchDomain(host, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// matchDomain matches host against "example.com" or "*.example.com"
func matchDomain(host, pattern string) bool {
	if host == pattern {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return false
}
