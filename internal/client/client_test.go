package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atinyakov/GophSSO/internal/certgen"
	"github.com/atinyakov/GophSSO/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method, path, query, appCtx, contentType string
	body                                     string
}

// newTestClient serves every request with handler and records the last one.
func newTestClient(t *testing.T, status int, response string) (*Client, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		*rec = recorded{
			method:      r.Method,
			path:        r.URL.EscapedPath(),
			query:       r.URL.RawQuery,
			appCtx:      r.Header.Get("X-Application-Context"),
			contentType: r.Header.Get("Content-Type"),
			body:        string(b),
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", srv.Client()), rec
}

func TestStoreIdentity_Create(t *testing.T) {
	c, rec := newTestClient(t, http.StatusCreated, `{"id":12}`)
	c.AppContext = "inbox"

	id, err := c.StoreIdentity(context.Background(), &models.Identity{Caption: "imap"}, true)
	require.NoError(t, err)
	assert.Equal(t, uint32(12), id)
	assert.Equal(t, http.MethodPost, rec.method)
	assert.Equal(t, "/api/identities", rec.path)
	assert.Equal(t, "inbox", rec.appCtx)
	assert.Equal(t, "application/json", rec.contentType)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(rec.body), &body))
	assert.JSONEq(t, "true", string(body["storeSecret"]))
}

func TestStoreIdentity_Update(t *testing.T) {
	c, rec := newTestClient(t, http.StatusNoContent, "")
	id, err := c.StoreIdentity(context.Background(), &models.Identity{ID: 4, Caption: "imap"}, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), id)
	assert.Equal(t, http.MethodPut, rec.method)
	assert.Equal(t, "/api/identities/4", rec.path)
}

func TestStatusError(t *testing.T) {
	c, _ := newTestClient(t, http.StatusForbidden, "permission denied\n")
	_, err := c.Identity(context.Background(), 1, true)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusForbidden))
	assert.Contains(t, err.Error(), "permission denied")
}

func TestIdentityAndList(t *testing.T) {
	c, rec := newTestClient(t, http.StatusOK, `{"id":3,"caption":"imap","password":"pw"}`)
	ident, err := c.Identity(context.Background(), 3, true)
	require.NoError(t, err)
	assert.Equal(t, "pw", ident.Password)
	assert.Equal(t, "secrets=true", rec.query)

	c, rec = newTestClient(t, http.StatusOK, `[{"id":1},{"id":2}]`)
	list, err := c.ListIdentities(context.Background(), models.TypeWeb)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, "type=2", rec.query)

	_, err = c.ListIdentities(context.Background(), -1)
	require.NoError(t, err)
	assert.Empty(t, rec.query)
}

func TestDataPaths(t *testing.T) {
	c, rec := newTestClient(t, http.StatusOK, `{"token":"abc"}`)
	data, err := c.LoadData(context.Background(), 1, "oauth 2")
	require.NoError(t, err)
	assert.Equal(t, "abc", data["token"])
	assert.Equal(t, "/api/identities/1/data/oauth%202", rec.path)

	require.NoError(t, c.RemoveData(context.Background(), 1, ""))
	assert.Equal(t, http.MethodDelete, rec.method)
	assert.Equal(t, "/api/identities/1/data", rec.path)
}

func TestReferencesAndVerify(t *testing.T) {
	c, rec := newTestClient(t, http.StatusOK, `{"removed":true,"valid":true}`)

	removed, err := c.RemoveReference(context.Background(), 2, "a&b")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, "reference=a%26b", rec.query)

	valid, err := c.VerifyUser(context.Background(), 2, "john", "pw")
	require.NoError(t, err)
	assert.True(t, valid)
	assert.JSONEq(t, `{"username":"john","password":"pw"}`, rec.body)
}

func TestRegisterApplication(t *testing.T) {
	c, rec := newTestClient(t, http.StatusCreated, `{"cert":"C","key":"K"}`)
	cert, key, err := c.RegisterApplication(context.Background(), "AID::chat")
	require.NoError(t, err)
	assert.Equal(t, "C", string(cert))
	assert.Equal(t, "K", string(key))
	assert.JSONEq(t, `{"appId":"AID::chat"}`, rec.body)

	c, _ = newTestClient(t, http.StatusCreated, `{"cert":"C"}`)
	_, _, err = c.RegisterApplication(context.Background(), "AID::chat")
	assert.Error(t, err)
}

func TestLoadClientCertificate(t *testing.T) {
	dir := t.TempDir()
	caPEM, caKeyPEM, err := certgen.GenerateCA("Test CA")
	require.NoError(t, err)
	require.NoError(t, certgen.WritePair(dir, "ca", caPEM, caKeyPEM))
	issuer, err := certgen.NewIssuer(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key"))
	require.NoError(t, err)
	certPEM, keyPEM, err := issuer.Issue("AID::mail")
	require.NoError(t, err)
	require.NoError(t, certgen.WritePair(dir, "client", certPEM, keyPEM))

	hc, err := LoadClientCertificate(filepath.Join(dir, "client.crt"), filepath.Join(dir, "client.key"), filepath.Join(dir, "ca.crt"))
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, hc.Timeout)

	_, err = LoadClientCertificate(filepath.Join(dir, "client.crt"), filepath.Join(dir, "client.key"), filepath.Join(dir, "missing.crt"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.crt")
	require.NoError(t, os.WriteFile(bad, []byte("invalid pem"), 0o600))
	_, err = LoadClientCertificate(filepath.Join(dir, "client.crt"), filepath.Join(dir, "client.key"), bad)
	assert.ErrorContains(t, err, "failed to parse CA cert")
}

func TestPrompterIdentity(t *testing.T) {
	var out strings.Builder
	p := NewPrompter(strings.NewReader("imap\njohn\ns3cret\n2\nexample.com, mail.example.com\n"), &out)

	ident, err := p.Identity()
	require.NoError(t, err)
	assert.Equal(t, "imap", ident.Caption)
	assert.Equal(t, "john", ident.Username)
	assert.Equal(t, "s3cret", ident.Password)
	assert.True(t, ident.StorePassword())
	assert.Equal(t, models.TypeWeb, ident.Type)
	assert.Equal(t, []string{"example.com", "mail.example.com"}, ident.Realms)
	assert.Contains(t, out.String(), "Caption: ")
}

func TestPrompterSecretOnTerminal(t *testing.T) {
	var out strings.Builder
	p := NewPrompter(strings.NewReader(""), &out)
	p.inFD = 7
	p.isTerm = func(fd int) bool { return fd == 7 }
	p.readPwd = func(int) ([]byte, error) { return []byte("hidden"), nil }

	s, err := p.Secret("Key: ")
	require.NoError(t, err)
	assert.Equal(t, "hidden", s)
	assert.Equal(t, "Key: \n", out.String())
}

func TestPrompterBadType(t *testing.T) {
	p := NewPrompter(strings.NewReader("c\nu\n\n9\n"), io.Discard)
	_, err := p.Identity()
	assert.Error(t, err)
}
