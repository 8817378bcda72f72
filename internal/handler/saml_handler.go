package handler

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/hitoshi/ssogate/internal/metrics"
	"github.com/hitoshi/ssogate/internal/middleware"
	"github.com/hitoshi/ssogate/internal/model"
	"github.com/hitoshi/ssogate/internal/saml"
)

// maxSAMLFormSize はACSで受け付けるフォームの最大サイズ。
const maxSAMLFormSize = 1 << 20

// SAMLBridge はSAMLハンドラーが必要とするインターフェース。
type SAMLBridge interface {
	HandleACS(ctx context.Context, samlResponse, relayState string, meta model.RequestMeta) (*saml.ACSResult, error)
	GenerateMetadata() ([]byte, error)
}

// acsPage はトークンをlocalStorageに保存してリダイレクトするページ。
// 値はhtml/templateがJavaScript文字列としてエスケープする。
var acsPage = template.Must(template.New("acs").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="robots" content="noindex">
<title>Signing in</title>
</head>
<body>
<p>Signing in...</p>
<script nonce="{{.Nonce}}">
localStorage.setItem("accessToken", {{.AccessToken}});
localStorage.setItem("refreshToken", {{.RefreshToken}});
window.location.replace({{.RedirectTarget}});
</script>
<noscript><a href="{{.RedirectTarget}}">Continue</a></noscript>
</body>
</html>
`))

// acsView はacsPageの描画データ。
type acsView struct {
	*saml.ACSResult
	Nonce string
}

// SAMLHandler はSAML SPのHTTPハンドラー。
type SAMLHandler struct {
	bridge  SAMLBridge
	metrics metrics.MetricsCollector
}

// NewSAMLHandler はSAMLHandlerを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewSAMLHandler(bridge SAMLBridge, collector metrics.MetricsCollector) *SAMLHandler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &SAMLHandler{bridge: bridge, metrics: collector}
}

// ACS はIdPからPOSTされたSAMLレスポンスを処理する。
// POST /api/saml/acs
func (h *SAMLHandler) ACS(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSAMLFormSize)
	if err := r.ParseForm(); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewMalformedSAMLError())
		return
	}

	samlResponse := r.PostForm.Get("SAMLResponse")
	if samlResponse == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewMalformedSAMLError())
		return
	}

	result, err := h.bridge.HandleACS(r.Context(), samlResponse, r.PostForm.Get("RelayState"), requestMeta(r))
	h.metrics.RecordLogin(string(model.LoginMethodSAML), err == nil)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	nonce, err := randomToken()
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// APIレスポンス用のCSPを、このページのインラインスクリプトだけ許可するものに差し替える
	w.Header().Set("Content-Security-Policy", "default-src 'none'; script-src 'nonce-"+nonce+"'; frame-ancestors 'none'")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if err := acsPage.Execute(w, acsView{ACSResult: result, Nonce: nonce}); err != nil {
		slog.Error("failed to render acs page", slog.String("error", err.Error()))
	}
}

// Metadata はSPメタデータを返す。
// GET /api/saml/metadata
func (h *SAMLHandler) Metadata(w http.ResponseWriter, r *http.Request) {
	body, err := h.bridge.GenerateMetadata()
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
