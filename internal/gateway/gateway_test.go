package gateway

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylark-labs/credgate/internal/credentials"
	"github.com/skylark-labs/credgate/internal/mapping"
	"github.com/skylark-labs/credgate/internal/principal"
)

type fakeIdentity struct {
	uid         uint32
	ok          bool
	lastPurpose principal.Purpose
	principals  map[uint32]principal.Principal
}

func (f *fakeIdentity) Identify(_ context.Context, _ string, _ int, _ string, _ int, _ int, purpose principal.Purpose) (uint32, bool) {
	f.lastPurpose = purpose
	return f.uid, f.ok
}

func (f *fakeIdentity) Resolve(_ context.Context, uid uint32) principal.Principal {
	return f.principals[uid]
}

type fakeMapper struct {
	mappings map[string]mapping.RoleRequest
}

func (f *fakeMapper) Mapping(_ context.Context, username string) (mapping.RoleRequest, bool) {
	req, ok := f.mappings[username]
	return req, ok
}

type fakeCreds struct {
	cred *credentials.Credential
	err  error
}

func (f *fakeCreds) CredentialsFor(context.Context, mapping.RoleRequest) (*credentials.Credential, error) {
	return f.cred, f.err
}

type fakeUpstream struct {
	data  string
	items []string
	err   error
}

func (f *fakeUpstream) Data(context.Context, string) (string, error) {
	return f.data, f.err
}

func (f *fakeUpstream) Items(context.Context, string) ([]string, error) {
	return f.items, f.err
}

func testCredential() *credentials.Credential {
	return &credentials.Credential{
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "token",
		Expiration:      time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC),
		LastUpdated:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

// testGateway wires a gateway where uid 509 resolves to user u1 mapped to
// role u1.
func testGateway() (*Gateway, *fakeIdentity) {
	identity := &fakeIdentity{
		uid: 509,
		ok:  true,
		principals: map[uint32]principal.Principal{
			509: {Uid: 509, Username: "u1", Groups: []string{"dev"}},
		},
	}
	g := New(Options{
		Identity: identity,
		Mapper: &fakeMapper{mappings: map[string]mapping.RoleRequest{
			"u1": {RoleArn: "arn:aws:iam::123:role/u1", SessionName: "u1"},
			"u9": {RoleArn: "arn:aws:iam::123:role/u9", SessionName: "u9"},
		}},
		Credentials:   &fakeCreds{cred: testCredential()},
		Upstream:      &fakeUpstream{data: "i-0abc123", items: []string{"ami-id", "instance-id"}},
		ProxyPort:     9944,
		Impersonators: []string{"svc-deploy"},
	})
	return g, identity
}

func get(t *testing.T, g *Gateway, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func TestListReturnsMappedRoleName(t *testing.T) {
	g, identity := testGateway()

	rec := get(t, g, "/latest/meta-data/iam/security-credentials/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", rec.Body.String())
	assert.Equal(t, principal.PurposeIntercepted, identity.lastPurpose)
}

func TestVendMatchingRoleName(t *testing.T) {
	g, _ := testGateway()

	rec := get(t, g, "/latest/meta-data/iam/security-credentials/u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"Code": "Success"`)
	assert.Contains(t, rec.Body.String(), `"AccessKeyId": "AKIAEXAMPLE"`)
}

// A wrong role name is indistinguishable from an absent mapping.
func TestVendWrongNameEmpty(t *testing.T) {
	g, _ := testGateway()

	rec := get(t, g, "/latest/meta-data/iam/security-credentials/u2")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestUnmappedCallerListEmpty(t *testing.T) {
	g, identity := testGateway()
	identity.principals[509] = principal.Principal{Uid: 509, Username: "nobody"}

	rec := get(t, g, "/latest/meta-data/iam/security-credentials/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestUnidentifiedCallerListEmpty(t *testing.T) {
	g, identity := testGateway()
	identity.ok = false

	rec := get(t, g, "/latest/meta-data/iam/security-credentials/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestImpersonationAllowed(t *testing.T) {
	g, identity := testGateway()
	identity.principals[509] = principal.Principal{Uid: 509, Username: "svc-deploy"}

	rec := get(t, g, "/latest/meta-data/iam/security-credentials/impersonation/u9")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Code": "Success"`)
	assert.Equal(t, principal.PurposeDirect, identity.lastPurpose)
}

// Refused impersonation has the same shape as an absent mapping, even though
// the target has a valid one.
func TestImpersonationNotAllowListedEmpty(t *testing.T) {
	g, _ := testGateway()

	rec := get(t, g, "/latest/meta-data/iam/security-credentials/impersonation/u9")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestImpersonationUnmappedTargetEmpty(t *testing.T) {
	g, identity := testGateway()
	identity.principals[509] = principal.Principal{Uid: 509, Username: "svc-deploy"}

	rec := get(t, g, "/latest/meta-data/iam/security-credentials/impersonation/ghost")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestSensitivePathRejected(t *testing.T) {
	g, _ := testGateway()

	for _, path := range []string{
		"/latest/user-data",
		"/latest/%75ser-data",
		"/latest/%2575ser-data",
		"//latest///user-data",
	} {
		rec := get(t, g, path)
		assert.Equal(t, http.StatusForbidden, rec.Code, "path %s", path)
		assert.Empty(t, rec.Body.String())
	}
}

// Encoded separators must not smuggle a credential path past route matching.
func TestEncodedCredentialPathStillRouted(t *testing.T) {
	g, _ := testGateway()

	rec := get(t, g, "/latest/meta-data/iam/security-credentials%2Fu2")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestPassthroughData(t *testing.T) {
	g, _ := testGateway()

	rec := get(t, g, "/latest/meta-data/instance-id")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "i-0abc123", rec.Body.String())
}

func TestPassthroughListing(t *testing.T) {
	g, _ := testGateway()

	rec := get(t, g, "/latest/meta-data/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ami-id\ninstance-id", rec.Body.String())
}

func TestPassthroughUpstreamError(t *testing.T) {
	g, _ := testGateway()
	g.upstream = &fakeUpstream{err: errors.New("connection refused")}

	rec := get(t, g, "/latest/meta-data/instance-id")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestVendBackendRejection(t *testing.T) {
	g, _ := testGateway()
	g.creds = &fakeCreds{err: &smithy.GenericAPIError{Code: "AccessDenied"}}

	rec := get(t, g, "/latest/meta-data/iam/security-credentials/u1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// A transient backend failure yields the uniform empty shape, not an error.
func TestVendTransientFailureEmpty(t *testing.T) {
	g, _ := testGateway()
	g.creds = &fakeCreds{}

	rec := get(t, g, "/latest/meta-data/iam/security-credentials/u1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func selfSignedCert(t *testing.T, ou string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:         "host.internal",
			OrganizationalUnit: []string{ou},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(der)
}

func TestCertVend(t *testing.T) {
	g, _ := testGateway()

	rec := get(t, g, "/latest/meta-data/iam/security-credentials/ps/",
		certHeader, selfSignedCert(t, "u1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Code": "Success"`)
}

func TestCertVendUnmappedOUEmpty(t *testing.T) {
	g, _ := testGateway()

	rec := get(t, g, "/latest/meta-data/iam/security-credentials/ps/",
		certHeader, selfSignedCert(t, "stranger"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestCertVendBadHeaderEmpty(t *testing.T) {
	g, _ := testGateway()

	for _, header := range []string{"", "not-base64!", base64.StdEncoding.EncodeToString([]byte("not-der"))} {
		rec := get(t, g, "/latest/meta-data/iam/security-credentials/ps/", certHeader, header)
		assert.Equal(t, http.StatusOK, rec.Code, "header %q", header)
		assert.Empty(t, rec.Body.String())
	}
}

func TestCertificateOUStripsPEMArmor(t *testing.T) {
	raw := selfSignedCert(t, "u1")
	pemish := "-----BEGIN CERTIFICATE----- " + raw + " -----END CERTIFICATE-----"

	ou, err := certificateOU(pemish)
	require.NoError(t, err)
	assert.Equal(t, "u1", ou)
}
