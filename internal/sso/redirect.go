package sso

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/hitoshi/ssogate/internal/model"
)

// RedirectPolicy はSSO後のリダイレクト先をLMSのホストに制限する。
type RedirectPolicy struct {
	defaultURL string
	hosts      map[string]struct{}
}

// NewRedirectPolicy はRedirectPolicyを生成する。
// lmsURLのホストと、allowedHostsに列挙したホストへのリダイレクトを許可する。
func NewRedirectPolicy(lmsURL string, allowedHosts []string) *RedirectPolicy {
	p := &RedirectPolicy{
		defaultURL: strings.TrimRight(lmsURL, "/"),
		hosts:      make(map[string]struct{}),
	}
	if u, err := url.Parse(lmsURL); err == nil && u.Hostname() != "" {
		p.hosts[strings.ToLower(u.Hostname())] = struct{}{}
	}
	for _, h := range allowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			p.hosts[h] = struct{}{}
		}
	}
	return p
}

// Resolve はリダイレクト先を検証して返す。空の場合はLMSのURLを返す。
// 許可されていない場合はmodel.ErrInvalidRedirectをラップしたエラーを返す。
func (p *RedirectPolicy) Resolve(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if p.defaultURL == "" {
			return "", fmt.Errorf("%w: LMS URL is not configured", model.ErrConfiguration)
		}
		return p.defaultURL, nil
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil {
		return "", fmt.Errorf("%w: %q", model.ErrInvalidRedirect, raw)
	}
	host := strings.ToLower(u.Hostname())
	switch u.Scheme {
	case "https":
	case "http":
		if host != "localhost" && host != "127.0.0.1" {
			return "", fmt.Errorf("%w: insecure scheme", model.ErrInvalidRedirect)
		}
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", model.ErrInvalidRedirect, u.Scheme)
	}
	if _, ok := p.hosts[host]; !ok {
		return "", fmt.Errorf("%w: host %q is not allowed", model.ErrInvalidRedirect, host)
	}
	return raw, nil
}
