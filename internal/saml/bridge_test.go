package saml

import (
	"context"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/hitoshi/ssogate/internal/auth"
	"github.com/hitoshi/ssogate/internal/events"
	"github.com/hitoshi/ssogate/internal/model"
	"github.com/hitoshi/ssogate/internal/token"
)

const (
	testEntityID = "https://gateway.example.com/api/saml/metadata"
	testEmail    = "student@univ.example.edu"
	testACSURL   = "https://gateway.example.com/api/saml/acs"
)

// --- テスト用のモック ---

type fakeUsers struct {
	mu      sync.Mutex
	byEmail map[string]*model.User
	created int
}

func newFakeUsers(users ...*model.User) *fakeUsers {
	f := &fakeUsers{byEmail: make(map[string]*model.User)}
	for _, u := range users {
		f.byEmail[u.Email] = u
	}
	return f
}

func (f *fakeUsers) FindByEmail(_ context.Context, email string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byEmail[email], nil
}

func (f *fakeUsers) CreateIfEmailAbsent(_ context.Context, user *model.User) (*model.User, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.byEmail[user.Email]; ok {
		return existing, false, nil
	}
	f.byEmail[user.Email] = user
	f.created++
	return user, true, nil
}

type fakeSessions struct {
	calls []model.LoginMethod
}

func (f *fakeSessions) StartSession(_ context.Context, user *model.User, method model.LoginMethod, _ model.RequestMeta) (*auth.LoginResult, error) {
	f.calls = append(f.calls, method)
	return &auth.LoginResult{
		User: user,
		Tokens: &token.Pair{
			AccessToken:  "access-" + user.ID,
			RefreshToken: "refresh-" + user.ID,
		},
	}, nil
}

type fakeRecorder struct {
	failures []string
	events   []events.Type
}

func (f *fakeRecorder) LoginFailed(_ context.Context, _ *model.User, _ string, _ model.LoginMethod, reason string, _ model.RequestMeta) {
	f.failures = append(f.failures, reason)
}

func (f *fakeRecorder) Event(_ context.Context, typ events.Type, _ string, _ model.RequestMeta) {
	f.events = append(f.events, typ)
}

// コンパイル時にインターフェースの実装を検証
var (
	_ UserStore      = (*fakeUsers)(nil)
	_ SessionStarter = (*fakeSessions)(nil)
	_ AuditRecorder  = (*fakeRecorder)(nil)
	_ SessionStarter = (*auth.Service)(nil)
	_ AuditRecorder  = (*auth.Recorder)(nil)
)

// --- テスト用IdP ---

type testIdP struct {
	ks      dsig.X509KeyStore
	certPEM string
}

func newTestIdP(t *testing.T) *testIdP {
	t.Helper()
	ks := dsig.RandomKeyStoreForTest()
	_, der, err := ks.GetKeyPair()
	if err != nil {
		t.Fatalf("failed to get key pair: %v", err)
	}
	return &testIdP{
		ks:      ks,
		certPEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
	}
}

type assertionOptions struct {
	nameID        string
	attrs         map[string]string
	status        string
	notBefore     time.Time
	notOnOrAfter  time.Time
	audience      string
	noConditions  bool
	recipient     string    // 空ならSubjectConfirmationを付けない
	confirmUntil  time.Time // SubjectConfirmationDataのNotOnOrAfter。ゼロ値なら省略
	signResponse  bool
	unsigned      bool
	extraUnsigned bool
}

func defaultOptions() assertionOptions {
	now := time.Now().UTC()
	return assertionOptions{
		nameID:       testEmail,
		attrs:        map[string]string{"displayName": "Asha Verma"},
		status:       statusSuccess,
		notBefore:    now.Add(-time.Minute),
		notOnOrAfter: now.Add(5 * time.Minute),
		audience:     testEntityID,
		recipient:    testACSURL,
		confirmUntil: now.Add(5 * time.Minute),
	}
}

func (idp *testIdP) newAssertion(id string, opts assertionOptions) *etree.Element {
	a := etree.NewElement("saml:Assertion")
	a.CreateAttr("xmlns:saml", nsAssertion)
	a.CreateAttr("ID", id)
	a.CreateAttr("Version", "2.0")
	a.CreateAttr("IssueInstant", time.Now().UTC().Format(time.RFC3339))
	a.CreateElement("saml:Issuer").SetText("https://idp.univ.example.edu")

	subject := a.CreateElement("saml:Subject")
	nameID := subject.CreateElement("saml:NameID")
	nameID.CreateAttr("Format", nameIDEmailAddress)
	nameID.SetText(opts.nameID)
	if opts.recipient != "" {
		sc := subject.CreateElement("saml:SubjectConfirmation")
		sc.CreateAttr("Method", cmBearer)
		data := sc.CreateElement("saml:SubjectConfirmationData")
		data.CreateAttr("Recipient", opts.recipient)
		if !opts.confirmUntil.IsZero() {
			data.CreateAttr("NotOnOrAfter", opts.confirmUntil.Format(time.RFC3339))
		}
	}

	if !opts.noConditions {
		conds := a.CreateElement("saml:Conditions")
		conds.CreateAttr("NotBefore", opts.notBefore.Format(time.RFC3339))
		conds.CreateAttr("NotOnOrAfter", opts.notOnOrAfter.Format(time.RFC3339))
		if opts.audience != "" {
			conds.CreateElement("saml:AudienceRestriction").CreateElement("saml:Audience").SetText(opts.audience)
		}
	}

	if len(opts.attrs) > 0 {
		stmt := a.CreateElement("saml:AttributeStatement")
		for name, value := range opts.attrs {
			attr := stmt.CreateElement("saml:Attribute")
			attr.CreateAttr("Name", name)
			attr.CreateElement("saml:AttributeValue").SetText(value)
		}
	}
	return a
}

func (idp *testIdP) sign(t *testing.T, el *etree.Element) *etree.Element {
	t.Helper()
	signer := dsig.NewDefaultSigningContext(idp.ks)
	signer.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
	signed, err := signer.SignEnveloped(el)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	return signed
}

// responseXML はSAMLレスポンスのXML文字列を生成する。
func (idp *testIdP) responseXML(t *testing.T, opts assertionOptions) string {
	t.Helper()

	resp := etree.NewElement("samlp:Response")
	resp.CreateAttr("xmlns:samlp", nsProtocol)
	resp.CreateAttr("xmlns:saml", nsAssertion)
	resp.CreateAttr("ID", "_response-1")
	resp.CreateAttr("Version", "2.0")
	resp.CreateAttr("IssueInstant", time.Now().UTC().Format(time.RFC3339))
	resp.CreateElement("saml:Issuer").SetText("https://idp.univ.example.edu")
	resp.CreateElement("samlp:Status").CreateElement("samlp:StatusCode").CreateAttr("Value", opts.status)

	assertion := idp.newAssertion("_assertion-1", opts)
	if !opts.signResponse && !opts.unsigned {
		assertion = idp.sign(t, assertion)
	}
	resp.AddChild(assertion)
	if opts.extraUnsigned {
		forged := opts
		forged.nameID = "attacker@evil.example.com"
		resp.AddChild(idp.newAssertion("_assertion-2", forged))
	}
	if opts.signResponse {
		resp = idp.sign(t, resp)
	}

	doc := etree.NewDocument()
	doc.SetRoot(resp)
	out, err := doc.WriteToString()
	if err != nil {
		t.Fatalf("failed to write response: %v", err)
	}
	return out
}

func (idp *testIdP) response(t *testing.T, opts assertionOptions) string {
	t.Helper()
	return base64.StdEncoding.EncodeToString([]byte(idp.responseXML(t, opts)))
}

type bridgeEnv struct {
	bridge   *Bridge
	users    *fakeUsers
	sessions *fakeSessions
	recorder *fakeRecorder
}

func newBridgeEnv(t *testing.T, idp *testIdP, users ...*model.User) *bridgeEnv {
	t.Helper()
	env := &bridgeEnv{
		users:    newFakeUsers(users...),
		sessions: &fakeSessions{},
		recorder: &fakeRecorder{},
	}
	b, err := NewBridge(Config{
		EntityID:   testEntityID,
		ACSURL:     testACSURL,
		SLOURL:     "https://gateway.example.com/api/saml/slo",
		IdPCertPEM: idp.certPEM,
		AppOrigin:  "https://app.example.com/",
	}, env.users, env.sessions, env.recorder)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	env.bridge = b
	return env
}

func (env *bridgeEnv) assertRejected(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, model.ErrMalformedSAMLResponse) {
		t.Fatalf("error = %v, want ErrMalformedSAMLResponse", err)
	}
	if env.users.created != 0 {
		t.Error("no user should be provisioned when verification fails")
	}
	if len(env.sessions.calls) != 0 {
		t.Error("no tokens should be issued when verification fails")
	}
}

// --- HandleACS ---

func TestBridge_HandleACS_SignedAssertion_ProvisionsStudent(t *testing.T) {
	idp := newTestIdP(t)
	env := newBridgeEnv(t, idp)

	result, err := env.bridge.HandleACS(context.Background(), idp.response(t, defaultOptions()), "/courses/42", model.RequestMeta{})
	if err != nil {
		t.Fatalf("HandleACS() error = %v", err)
	}

	u := result.User
	if u.Email != testEmail {
		t.Errorf("Email = %q", u.Email)
	}
	if u.Role != model.RoleStudent {
		t.Errorf("Role = %q, want STUDENT", u.Role)
	}
	if !strings.HasPrefix(u.HsscID, "SAML_") {
		t.Errorf("HsscID = %q, want SAML_ prefix", u.HsscID)
	}
	if u.PasswordHash != model.ExternalPasswordSentinel {
		t.Errorf("PasswordHash = %q, want sentinel", u.PasswordHash)
	}
	if !u.IsVerified || !u.IsActive {
		t.Error("provisioned user should be active and verified")
	}
	if u.FullName != "Asha Verma" {
		t.Errorf("FullName = %q", u.FullName)
	}
	if result.AccessToken != "access-"+u.ID || result.RefreshToken != "refresh-"+u.ID {
		t.Errorf("tokens = %q / %q", result.AccessToken, result.RefreshToken)
	}
	if result.RedirectTarget != "/courses/42" {
		t.Errorf("RedirectTarget = %q", result.RedirectTarget)
	}
	if len(env.sessions.calls) != 1 || env.sessions.calls[0] != model.LoginMethodSAML {
		t.Errorf("session calls = %v, want [saml]", env.sessions.calls)
	}
	if len(env.recorder.events) != 1 || env.recorder.events[0] != events.TypeUserProvisioned {
		t.Errorf("events = %v", env.recorder.events)
	}
}

func TestBridge_HandleACS_SignedResponse_MapsExistingUser(t *testing.T) {
	idp := newTestIdP(t)
	existing := &model.User{ID: "user-1", Email: testEmail, Role: model.RoleTeacher, IsActive: true}
	env := newBridgeEnv(t, idp, existing)

	opts := defaultOptions()
	opts.signResponse = true
	result, err := env.bridge.HandleACS(context.Background(), idp.response(t, opts), "", model.RequestMeta{})
	if err != nil {
		t.Fatalf("HandleACS() error = %v", err)
	}
	if result.User.ID != "user-1" || result.User.Role != model.RoleTeacher {
		t.Errorf("User = %+v, want existing teacher", result.User)
	}
	if env.users.created != 0 {
		t.Error("existing user should not be re-created")
	}
	if result.RedirectTarget != DefaultRedirect {
		t.Errorf("RedirectTarget = %q, want %q", result.RedirectTarget, DefaultRedirect)
	}
}

func TestBridge_HandleACS_RepeatedLoginCreatesOneUser(t *testing.T) {
	idp := newTestIdP(t)
	env := newBridgeEnv(t, idp)
	encoded := idp.response(t, defaultOptions())

	for i := 0; i < 3; i++ {
		if _, err := env.bridge.HandleACS(context.Background(), encoded, "", model.RequestMeta{}); err != nil {
			t.Fatalf("HandleACS() #%d error = %v", i+1, err)
		}
	}
	if env.users.created != 1 {
		t.Errorf("created = %d, want 1", env.users.created)
	}
}

func TestBridge_HandleACS_AcceptsWrappedBase64(t *testing.T) {
	idp := newTestIdP(t)
	env := newBridgeEnv(t, idp)

	encoded := idp.response(t, defaultOptions())
	var wrapped strings.Builder
	for i := 0; i < len(encoded); i += 76 {
		end := min(i+76, len(encoded))
		wrapped.WriteString(encoded[i:end])
		wrapped.WriteString("\r\n")
	}

	if _, err := env.bridge.HandleACS(context.Background(), wrapped.String(), "", model.RequestMeta{}); err != nil {
		t.Fatalf("HandleACS() error = %v", err)
	}
}

func TestBridge_HandleACS_EmailFromAttribute(t *testing.T) {
	idp := newTestIdP(t)
	env := newBridgeEnv(t, idp)

	opts := defaultOptions()
	opts.nameID = "opaque-subject-123"
	opts.attrs = map[string]string{"mail": "  Student@Univ.Example.EDU "}
	result, err := env.bridge.HandleACS(context.Background(), idp.response(t, opts), "", model.RequestMeta{})
	if err != nil {
		t.Fatalf("HandleACS() error = %v", err)
	}
	if result.User.Email != testEmail {
		t.Errorf("Email = %q, want %q", result.User.Email, testEmail)
	}
	if result.User.FullName != "student" {
		t.Errorf("FullName = %q, want local part", result.User.FullName)
	}
}

func TestBridge_HandleACS_SanitizesDisplayName(t *testing.T) {
	idp := newTestIdP(t)
	env := newBridgeEnv(t, idp)

	opts := defaultOptions()
	opts.attrs = map[string]string{"displayName": "<b>Asha</b> Verma"}
	result, err := env.bridge.HandleACS(context.Background(), idp.response(t, opts), "", model.RequestMeta{})
	if err != nil {
		t.Fatalf("HandleACS() error = %v", err)
	}
	if strings.Contains(result.User.FullName, "<") {
		t.Errorf("FullName = %q, should not contain markup", result.User.FullName)
	}
}

func TestBridge_HandleACS_InactiveUserRejected(t *testing.T) {
	idp := newTestIdP(t)
	existing := &model.User{ID: "user-1", Email: testEmail, Role: model.RoleStudent, IsActive: false}
	env := newBridgeEnv(t, idp, existing)

	_, err := env.bridge.HandleACS(context.Background(), idp.response(t, defaultOptions()), "", model.RequestMeta{})
	if !errors.Is(err, model.ErrAccountInactive) {
		t.Fatalf("error = %v, want ErrAccountInactive", err)
	}
	if len(env.sessions.calls) != 0 {
		t.Error("inactive user should not receive tokens")
	}
	if len(env.recorder.failures) != 1 || env.recorder.failures[0] != "account_inactive" {
		t.Errorf("failures = %v", env.recorder.failures)
	}
}

func TestBridge_HandleACS_TamperedAssertionRejected(t *testing.T) {
	idp := newTestIdP(t)
	env := newBridgeEnv(t, idp)

	xml := idp.responseXML(t, defaultOptions())
	tampered := strings.Replace(xml, testEmail, "admin@univ.example.edu", 1)
	if tampered == xml {
		t.Fatal("test setup: email not found in response")
	}

	_, err := env.bridge.HandleACS(context.Background(), base64.StdEncoding.EncodeToString([]byte(tampered)), "", model.RequestMeta{})
	env.assertRejected(t, err)
}

func TestBridge_HandleACS_Rejections(t *testing.T) {
	idp := newTestIdP(t)
	otherIdP := newTestIdP(t)
	now := time.Now().UTC()

	tests := []struct {
		name    string
		encoded func(t *testing.T) string
	}{
		{"未署名", func(t *testing.T) string {
			opts := defaultOptions()
			opts.unsigned = true
			return idp.response(t, opts)
		}},
		{"別のIdPの署名", func(t *testing.T) string {
			return otherIdP.response(t, defaultOptions())
		}},
		{"ステータスが失敗", func(t *testing.T) string {
			opts := defaultOptions()
			opts.status = "urn:oasis:names:tc:SAML:2.0:status:Requester"
			return idp.response(t, opts)
		}},
		{"期限切れ", func(t *testing.T) string {
			opts := defaultOptions()
			opts.notBefore = now.Add(-time.Hour)
			opts.notOnOrAfter = now.Add(-3 * time.Minute)
			return idp.response(t, opts)
		}},
		{"有効期間前", func(t *testing.T) string {
			opts := defaultOptions()
			opts.notBefore = now.Add(10 * time.Minute)
			opts.notOnOrAfter = now.Add(time.Hour)
			return idp.response(t, opts)
		}},
		{"Audience不一致", func(t *testing.T) string {
			opts := defaultOptions()
			opts.audience = "https://other-sp.example.com"
			return idp.response(t, opts)
		}},
		{"ConditionsもSubjectConfirmationDataの期限もない", func(t *testing.T) string {
			opts := defaultOptions()
			opts.noConditions = true
			opts.recipient = ""
			return idp.response(t, opts)
		}},
		{"Conditionsがなく確認期限もない", func(t *testing.T) string {
			opts := defaultOptions()
			opts.noConditions = true
			opts.confirmUntil = time.Time{}
			return idp.response(t, opts)
		}},
		{"SubjectConfirmationDataが期限切れ", func(t *testing.T) string {
			opts := defaultOptions()
			opts.confirmUntil = now.Add(-3 * time.Minute)
			return idp.response(t, opts)
		}},
		{"Recipientが別のACS", func(t *testing.T) string {
			opts := defaultOptions()
			opts.recipient = "https://other-sp.example.com/saml/acs"
			return idp.response(t, opts)
		}},
		{"未署名のAssertionが追加されている", func(t *testing.T) string {
			opts := defaultOptions()
			opts.extraUnsigned = true
			return idp.response(t, opts)
		}},
		{"メールアドレスなし", func(t *testing.T) string {
			opts := defaultOptions()
			opts.nameID = "opaque"
			opts.attrs = nil
			return idp.response(t, opts)
		}},
		{"base64でない", func(t *testing.T) string { return "%%%not-base64%%%" }},
		{"空", func(t *testing.T) string { return "   " }},
		{"XMLでない", func(t *testing.T) string {
			return base64.StdEncoding.EncodeToString([]byte("not xml at all <"))
		}},
		{"ルートがResponseでない", func(t *testing.T) string {
			return base64.StdEncoding.EncodeToString([]byte(`<samlp:AuthnRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"/>`))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newBridgeEnv(t, idp)
			_, err := env.bridge.HandleACS(context.Background(), tt.encoded(t), "", model.RequestMeta{})
			env.assertRejected(t, err)
		})
	}
}

func TestBridge_HandleACS_ToleratesClockSkew(t *testing.T) {
	idp := newTestIdP(t)
	env := newBridgeEnv(t, idp)
	now := time.Now().UTC()

	opts := defaultOptions()
	opts.notBefore = now.Add(time.Minute)
	opts.notOnOrAfter = now.Add(time.Hour)
	if _, err := env.bridge.HandleACS(context.Background(), idp.response(t, opts), "", model.RequestMeta{}); err != nil {
		t.Fatalf("assertion within skew should be accepted: %v", err)
	}
}

func TestBridge_HandleACS_ConditionsOptionalWithConfirmationExpiry(t *testing.T) {
	idp := newTestIdP(t)
	env := newBridgeEnv(t, idp)

	opts := defaultOptions()
	opts.noConditions = true
	if _, err := env.bridge.HandleACS(context.Background(), idp.response(t, opts), "", model.RequestMeta{}); err != nil {
		t.Fatalf("assertion bounded by SubjectConfirmationData should be accepted: %v", err)
	}
}

func TestBridge_HandleACS_WithoutSubjectConfirmation_UsesConditions(t *testing.T) {
	idp := newTestIdP(t)
	env := newBridgeEnv(t, idp)

	opts := defaultOptions()
	opts.recipient = ""
	if _, err := env.bridge.HandleACS(context.Background(), idp.response(t, opts), "", model.RequestMeta{}); err != nil {
		t.Fatalf("assertion bounded by Conditions should be accepted: %v", err)
	}
}

// --- RedirectTarget ---

func TestBridge_RedirectTarget(t *testing.T) {
	idp := newTestIdP(t)
	env := newBridgeEnv(t, idp)

	tests := []struct {
		relayState string
		want       string
	}{
		{"", DefaultRedirect},
		{"/courses/42?tab=intro", "/courses/42?tab=intro"},
		{"https://app.example.com/profile", "https://app.example.com/profile"},
		{"https://evil.example.net/", DefaultRedirect},
		{"//evil.example.net/", DefaultRedirect},
		{"/\\evil.example.net", DefaultRedirect},
		{"javascript:alert(1)", DefaultRedirect},
		{"https://user@app.example.com/", DefaultRedirect},
		{"http://app.example.com/", DefaultRedirect},
		{"courses", DefaultRedirect},
	}

	for _, tt := range tests {
		t.Run(tt.relayState, func(t *testing.T) {
			if got := env.bridge.RedirectTarget(tt.relayState); got != tt.want {
				t.Errorf("RedirectTarget(%q) = %q, want %q", tt.relayState, got, tt.want)
			}
		})
	}
}

// --- NewBridge ---

func TestNewBridge_InvalidCertificate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"IdP証明書が空", Config{}},
		{"IdP証明書が不正", Config{IdPCertPEM: "-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----"}},
		{"SP証明書が不正", Config{IdPCertPEM: newTestIdP(t).certPEM, SPCertPEM: "not a cert"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridge(tt.cfg, newFakeUsers(), &fakeSessions{}, &fakeRecorder{}); err == nil {
				t.Error("NewBridge() should fail")
			}
		})
	}
}

func TestNewBridge_AcceptsBareBase64Certificate(t *testing.T) {
	idp := newTestIdP(t)
	block, _ := pem.Decode([]byte(idp.certPEM))
	bare := base64.StdEncoding.EncodeToString(block.Bytes)

	if _, err := NewBridge(Config{IdPCertPEM: bare}, newFakeUsers(), &fakeSessions{}, &fakeRecorder{}); err != nil {
		t.Errorf("NewBridge() error = %v", err)
	}
}
