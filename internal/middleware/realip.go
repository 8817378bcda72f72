package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ParseTrustedProxies はTRUSTED_PROXIESの各要素（CIDRまたは単一IP）を解析する。
func ParseTrustedProxies(entries []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", e)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", e, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// NewRealIPMiddleware は接続元が信頼済みプロキシの場合に限り、
// X-Forwarded-For（なければX-Real-IP）からクライアントIPを求めてRemoteAddrを書き換える。
// X-Forwarded-Forは右端から見て最初の信頼済みでないアドレスを採用する。
// 信頼済みプロキシ以外からの転送ヘッダーは無視するため、レート制限やログイン履歴のIPは偽装できない。
func NewRealIPMiddleware(trusted []*net.IPNet) func(next http.Handler) http.Handler {
	isTrusted := func(ip net.IP) bool {
		for _, n := range trusted {
			if n.Contains(ip) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(trusted) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			host, port, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host, port = r.RemoteAddr, "0"
			}
			peer := net.ParseIP(host)
			if peer == nil || !isTrusted(peer) {
				next.ServeHTTP(w, r)
				return
			}

			if client := forwardedClient(r.Header, isTrusted); client != nil {
				r.RemoteAddr = net.JoinHostPort(client.String(), port)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedClient(h http.Header, isTrusted func(net.IP) bool) net.IP {
	var hops []string
	for _, v := range h.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil {
			// 解析できない要素より左はクライアントが自由に書ける
			return nil
		}
		if !isTrusted(ip) {
			return ip
		}
	}
	if len(hops) == 0 {
		return net.ParseIP(strings.TrimSpace(h.Get("X-Real-IP")))
	}
	return nil
}
