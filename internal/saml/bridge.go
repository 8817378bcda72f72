// Package saml は機関IdPからのSAML 2.0レスポンスを検証し、
// ゲートウェイのトークン発行につなぐ。
package saml

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/hitoshi/ssogate/internal/auth"
	"github.com/hitoshi/ssogate/internal/events"
	"github.com/hitoshi/ssogate/internal/model"
	"github.com/hitoshi/ssogate/internal/security"
)

const (
	nsProtocol  = "urn:oasis:names:tc:SAML:2.0:protocol"
	nsAssertion = "urn:oasis:names:tc:SAML:2.0:assertion"
	nsDSig      = "http://www.w3.org/2000/09/xmldsig#"

	statusSuccess = "urn:oasis:names:tc:SAML:2.0:status:Success"
	cmBearer      = "urn:oasis:names:tc:SAML:2.0:cm:bearer"

	// clockSkew はConditionsとSubjectConfirmationDataの時刻検証で許容するずれ。
	clockSkew = 2 * time.Minute

	// DefaultRedirect はRelayStateが使えない場合のリダイレクト先。
	DefaultRedirect = "/dashboard"
)

// emailAttributes はメールアドレスとして扱う属性名。
var emailAttributes = []string{"email", "mail", "urn:oid:0.9.2342.19200300.100.1.3"}

// nameAttributes は表示名として扱う属性名。
var nameAttributes = []string{"displayName", "name", "urn:oid:2.16.840.1.113730.3.1.241"}

// Config はSAML SPの設定。
type Config struct {
	EntityID   string
	ACSURL     string
	SLOURL     string
	IdPCertPEM string
	SPCertPEM  string // 任意。メタデータのKeyDescriptorに掲載する
	AppOrigin  string // RelayStateとして許可するアプリのオリジン（BASE_URL）
}

// UserStore はSAMLログインで使うユーザーの検索・作成インターフェース。
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	CreateIfEmailAbsent(ctx context.Context, user *model.User) (*model.User, bool, error)
}

// SessionStarter は認証済みユーザーにトークンを発行する。
type SessionStarter interface {
	StartSession(ctx context.Context, user *model.User, method model.LoginMethod, meta model.RequestMeta) (*auth.LoginResult, error)
}

// AuditRecorder はSAMLログインの監査ログの記録先。
type AuditRecorder interface {
	LoginFailed(ctx context.Context, user *model.User, email string, method model.LoginMethod, reason string, meta model.RequestMeta)
	Event(ctx context.Context, typ events.Type, userID string, meta model.RequestMeta)
}

// ACSResult はACS処理の結果。
type ACSResult struct {
	AccessToken    string
	RefreshToken   string
	RedirectTarget string
	User           *model.User
}

// Bridge はSAMLレスポンスの検証からトークン発行までを担う。
type Bridge struct {
	cfg       Config
	certStore *dsig.MemoryX509CertificateStore
	spCert    string // base64 DER
	appOrigin string
	users     UserStore
	sessions  SessionStarter
	recorder  AuditRecorder
	sanitizer *security.TextSanitizer
	now       func() time.Time
}

// NewBridge はBridgeを生成する。IdP証明書を解析できない場合はエラーを返す。
func NewBridge(cfg Config, users UserStore, sessions SessionStarter, recorder AuditRecorder) (*Bridge, error) {
	idpCert, err := parseCertificate(cfg.IdPCertPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse IdP certificate: %w", err)
	}

	var spCert string
	if strings.TrimSpace(cfg.SPCertPEM) != "" {
		c, err := parseCertificate(cfg.SPCertPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SP certificate: %w", err)
		}
		spCert = base64.StdEncoding.EncodeToString(c.Raw)
	}

	var appOrigin string
	if u, err := url.Parse(cfg.AppOrigin); err == nil && u.Scheme != "" && u.Host != "" {
		appOrigin = u.Scheme + "://" + u.Host
	}

	return &Bridge{
		cfg:       cfg,
		certStore: &dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{idpCert}},
		spCert:    spCert,
		appOrigin: appOrigin,
		users:     users,
		sessions:  sessions,
		recorder:  recorder,
		sanitizer: security.NewTextSanitizer(),
		now:       time.Now,
	}, nil
}

// HandleACS はIdPからPOSTされたSAMLレスポンスを処理し、トークンを発行する。
// 形式不正・署名不正・条件違反はmodel.ErrMalformedSAMLResponseをラップして返し、
// その場合ユーザーは作成しない。
func (b *Bridge) HandleACS(ctx context.Context, samlResponse, relayState string, meta model.RequestMeta) (*ACSResult, error) {
	// 1. デコードとパース
	resp, err := decodeResponse(samlResponse)
	if err != nil {
		slog.Warn("invalid saml response", slog.String("error", err.Error()), slog.String("ip", meta.IPAddress))
		return nil, err
	}

	// 2. ステータス
	if err := checkStatus(resp); err != nil {
		slog.Warn("saml response status is not success", slog.String("error", err.Error()))
		return nil, err
	}

	// 3. 署名検証。以降は検証済みのアサーションのみを参照する
	assertion, err := b.verifiedAssertion(resp)
	if err != nil {
		slog.Warn("saml signature verification failed", slog.String("error", err.Error()), slog.String("ip", meta.IPAddress))
		return nil, err
	}

	// 4-5. 有効期間とAudience
	if err := b.checkConditions(assertion); err != nil {
		slog.Warn("saml conditions not satisfied", slog.String("error", err.Error()))
		return nil, err
	}

	// 6. ユーザー情報の抽出
	email, name, err := b.extractIdentity(assertion)
	if err != nil {
		return nil, err
	}

	// 7. ユーザーの検索または作成
	user, err := b.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		user, err = b.provision(ctx, email, name, meta)
		if err != nil {
			return nil, err
		}
	}

	// 8. 無効化されたユーザーは拒否
	if !user.IsActive {
		b.recorder.LoginFailed(ctx, user, user.Email, model.LoginMethodSAML, model.CredentialFailureReason(model.ErrAccountInactive), meta)
		return nil, model.ErrAccountInactive
	}

	// 9. トークン発行
	result, err := b.sessions.StartSession(ctx, user, model.LoginMethodSAML, meta)
	if err != nil {
		return nil, err
	}

	return &ACSResult{
		AccessToken:    result.Tokens.AccessToken,
		RefreshToken:   result.Tokens.RefreshToken,
		RedirectTarget: b.RedirectTarget(relayState),
		User:           result.User,
	}, nil
}

// RedirectTarget はRelayStateからログイン後のリダイレクト先を決める。
// 同一オリジンの相対パスか設定済みのアプリのオリジンのみ許可し、それ以外はDefaultRedirectを返す。
func (b *Bridge) RedirectTarget(relayState string) string {
	rs := strings.TrimSpace(relayState)
	if rs == "" || strings.ContainsAny(rs, "\\\r\n\t") {
		return DefaultRedirect
	}

	u, err := url.Parse(rs)
	if err != nil || u.User != nil {
		return DefaultRedirect
	}
	if strings.HasPrefix(rs, "/") && !strings.HasPrefix(rs, "//") && u.Scheme == "" && u.Host == "" {
		return rs
	}
	if b.appOrigin != "" && u.Scheme+"://"+u.Host == b.appOrigin {
		return rs
	}
	return DefaultRedirect
}

// provision はSAMLで初めてログインしたユーザーをSTUDENTとして作成する。
// 同時に同じメールアドレスで作成された場合は既存のユーザーを返す。
func (b *Bridge) provision(ctx context.Context, email, name string, meta model.RequestMeta) (*model.User, error) {
	now := b.now()
	hsscID, err := auth.ExternalHsscID("SAML", now)
	if err != nil {
		return nil, err
	}

	stored, created, err := b.users.CreateIfEmailAbsent(ctx, &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: model.ExternalPasswordSentinel,
		Role:         model.RoleStudent,
		FullName:     name,
		HsscID:       hsscID,
		IsActive:     true,
		IsVerified:   true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create saml user: %w", err)
	}

	if created {
		b.recorder.Event(ctx, events.TypeUserProvisioned, stored.ID, meta)
		slog.Info("new user created",
			slog.String("user_id", stored.ID),
			slog.String("provider", string(model.LoginMethodSAML)),
		)
	}
	return stored, nil
}

// decodeResponse はbase64エンコードされたSAMLレスポンスをデコードし、ルート要素を返す。
func decodeResponse(encoded string) (*etree.Element, error) {
	compact := strings.Join(strings.Fields(encoded), "")
	if compact == "" {
		return nil, fmt.Errorf("%w: empty response", model.ErrMalformedSAMLResponse)
	}
	raw, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", model.ErrMalformedSAMLResponse, err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("%w: invalid xml: %v", model.ErrMalformedSAMLResponse, err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "Response" || root.NamespaceURI() != nsProtocol {
		return nil, fmt.Errorf("%w: root element is not a SAML Response", model.ErrMalformedSAMLResponse)
	}
	return root, nil
}

// checkStatus はStatusCodeがSuccessであることを確認する。
func checkStatus(resp *etree.Element) error {
	status := child(resp, nsProtocol, "Status")
	if status == nil {
		return fmt.Errorf("%w: missing Status", model.ErrMalformedSAMLResponse)
	}
	code := child(status, nsProtocol, "StatusCode")
	if code == nil {
		return fmt.Errorf("%w: missing StatusCode", model.ErrMalformedSAMLResponse)
	}
	if v := code.SelectAttrValue("Value", ""); v != statusSuccess {
		return fmt.Errorf("%w: status %q", model.ErrMalformedSAMLResponse, v)
	}
	return nil
}

// verifiedAssertion は署名を検証し、検証済みのAssertion要素を返す。
// Responseが署名されていればResponseを、そうでなければAssertionを検証する。
func (b *Bridge) verifiedAssertion(resp *etree.Element) (*etree.Element, error) {
	vctx := dsig.NewDefaultValidationContext(b.certStore)

	if child(resp, nsDSig, "Signature") != nil {
		verified, err := vctx.Validate(resp)
		if err != nil {
			return nil, fmt.Errorf("%w: response signature: %v", model.ErrMalformedSAMLResponse, err)
		}
		return singleAssertion(verified)
	}

	assertion, err := singleAssertion(resp)
	if err != nil {
		return nil, err
	}
	if child(assertion, nsDSig, "Signature") == nil {
		return nil, fmt.Errorf("%w: response is not signed", model.ErrMalformedSAMLResponse)
	}
	verified, err := vctx.Validate(assertion)
	if err != nil {
		return nil, fmt.Errorf("%w: assertion signature: %v", model.ErrMalformedSAMLResponse, err)
	}
	return verified, nil
}

// singleAssertion はResponse直下のAssertionがちょうど1つであることを確認して返す。
func singleAssertion(resp *etree.Element) (*etree.Element, error) {
	var found []*etree.Element
	for _, c := range resp.ChildElements() {
		if c.Tag == "Assertion" && c.NamespaceURI() == nsAssertion {
			found = append(found, c)
		}
	}
	if len(found) != 1 {
		return nil, fmt.Errorf("%w: expected one Assertion, found %d", model.ErrMalformedSAMLResponse, len(found))
	}
	return found[0], nil
}

// checkConditions はアサーションの有効期間、AudienceRestriction、SubjectConfirmationDataを検証する。
// 有効期限はConditionsかbearerのSubjectConfirmationDataのNotOnOrAfterで必ず示されていること。
func (b *Bridge) checkConditions(assertion *etree.Element) error {
	now := b.now()
	hasExpiry := false

	if conds := child(assertion, nsAssertion, "Conditions"); conds != nil {
		if v := conds.SelectAttrValue("NotBefore", ""); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return fmt.Errorf("%w: invalid NotBefore", model.ErrMalformedSAMLResponse)
			}
			if now.Add(clockSkew).Before(t) {
				return fmt.Errorf("%w: assertion is not yet valid", model.ErrMalformedSAMLResponse)
			}
		}
		if v := conds.SelectAttrValue("NotOnOrAfter", ""); v != "" {
			if err := checkNotOnOrAfter(v, now); err != nil {
				return err
			}
			hasExpiry = true
		}

		for _, restriction := range children(conds, nsAssertion, "AudienceRestriction") {
			matched := false
			for _, aud := range children(restriction, nsAssertion, "Audience") {
				if strings.TrimSpace(aud.Text()) == b.cfg.EntityID {
					matched = true
					break
				}
			}
			if !matched {
				return fmt.Errorf("%w: audience does not match %q", model.ErrMalformedSAMLResponse, b.cfg.EntityID)
			}
		}
	}

	confirmed, err := b.checkSubjectConfirmation(assertion, now)
	if err != nil {
		return err
	}
	if !hasExpiry && !confirmed {
		return fmt.Errorf("%w: assertion has no expiry", model.ErrMalformedSAMLResponse)
	}
	return nil
}

// checkSubjectConfirmation はbearerのSubjectConfirmationDataのRecipientとNotOnOrAfterを検証する。
// SubjectConfirmationDataがあれば、少なくとも1つがACS URL宛てで期限内でなければならない。
// 期限付きのものが有効であればexpiringにtrueを返す。
func (b *Bridge) checkSubjectConfirmation(assertion *etree.Element, now time.Time) (expiring bool, err error) {
	subject := child(assertion, nsAssertion, "Subject")
	if subject == nil {
		return false, nil
	}

	var lastErr error
	seen := false
	for _, sc := range children(subject, nsAssertion, "SubjectConfirmation") {
		if m := sc.SelectAttrValue("Method", ""); m != "" && m != cmBearer {
			continue
		}
		data := child(sc, nsAssertion, "SubjectConfirmationData")
		if data == nil {
			continue
		}
		seen = true

		if r := strings.TrimSpace(data.SelectAttrValue("Recipient", "")); r != "" && b.cfg.ACSURL != "" && r != b.cfg.ACSURL {
			lastErr = fmt.Errorf("%w: recipient %q does not match ACS URL", model.ErrMalformedSAMLResponse, r)
			continue
		}
		v := data.SelectAttrValue("NotOnOrAfter", "")
		if v == "" {
			return false, nil
		}
		if err := checkNotOnOrAfter(v, now); err != nil {
			lastErr = err
			continue
		}
		return true, nil
	}
	if seen {
		return false, lastErr
	}
	return false, nil
}

// checkNotOnOrAfter はclockSkewを考慮して期限切れでないことを確認する。
func checkNotOnOrAfter(v string, now time.Time) error {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return fmt.Errorf("%w: invalid NotOnOrAfter", model.ErrMalformedSAMLResponse)
	}
	if !now.Add(-clockSkew).Before(t) {
		return fmt.Errorf("%w: assertion has expired", model.ErrMalformedSAMLResponse)
	}
	return nil
}

// extractIdentity はNameIDまたは属性からメールアドレスと表示名を取り出す。
func (b *Bridge) extractIdentity(assertion *etree.Element) (email, name string, err error) {
	attrs := attributes(assertion)

	if subject := child(assertion, nsAssertion, "Subject"); subject != nil {
		if nameID := child(subject, nsAssertion, "NameID"); nameID != nil {
			if v := model.NormalizeEmail(nameID.Text()); auth.ValidEmail(v) {
				email = v
			}
		}
	}
	if email == "" {
		for _, key := range emailAttributes {
			if v := model.NormalizeEmail(attrs[key]); auth.ValidEmail(v) {
				email = v
				break
			}
		}
	}
	if email == "" {
		return "", "", fmt.Errorf("%w: no email in assertion", model.ErrMalformedSAMLResponse)
	}

	for _, key := range nameAttributes {
		if v := b.sanitizer.Sanitize(attrs[key]); v != "" {
			name = v
			break
		}
	}
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}
	return email, name, nil
}

// attributes はAttributeStatementの属性名と最初の値の対応を返す。
func attributes(assertion *etree.Element) map[string]string {
	out := make(map[string]string)
	for _, stmt := range children(assertion, nsAssertion, "AttributeStatement") {
		for _, attr := range children(stmt, nsAssertion, "Attribute") {
			key := attr.SelectAttrValue("Name", "")
			if key == "" {
				continue
			}
			if _, ok := out[key]; ok {
				continue
			}
			if v := child(attr, nsAssertion, "AttributeValue"); v != nil {
				out[key] = strings.TrimSpace(v.Text())
			}
		}
	}
	return out
}

func child(el *etree.Element, ns, tag string) *etree.Element {
	for _, c := range el.ChildElements() {
		if c.Tag == tag && c.NamespaceURI() == ns {
			return c
		}
	}
	return nil
}

func children(el *etree.Element, ns, tag string) []*etree.Element {
	var out []*etree.Element
	for _, c := range el.ChildElements() {
		if c.Tag == tag && c.NamespaceURI() == ns {
			out = append(out, c)
		}
	}
	return out
}

// parseCertificate はPEMまたはヘッダーなしのbase64 DERから証明書を読み込む。
func parseCertificate(s string) (*x509.Certificate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("certificate is empty")
	}
	var der []byte
	if block, _ := pem.Decode([]byte(s)); block != nil {
		der = block.Bytes
	} else {
		b, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(s), ""))
		if err != nil {
			return nil, fmt.Errorf("invalid certificate encoding: %w", err)
		}
		der = b
	}
	return x509.ParseCertificate(der)
}
