package middleware

import "net/http"

// apiContentSecurityPolicy はJSONとXMLだけを返すエンドポイント向けのCSP。
// HTMLを返すハンドラー（SAML ACS）は自身でnonce付きのポリシーに上書きする。
const apiContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"

// gatewayHeaders は全レスポンスに付与するヘッダー。
// トークンを含むレスポンスが中間キャッシュに残らないようCache-Controlはno-storeとする。
var gatewayHeaders = [][2]string{
	{"Content-Security-Policy", apiContentSecurityPolicy},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"Cache-Control", "no-store"},
}

// NewSecurityHeadersMiddleware はgatewayHeadersを付与するミドルウェアを返す。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, kv := range gatewayHeaders {
				h.Set(kv[0], kv[1])
			}
			next.ServeHTTP(w, r)
		})
	}
}
