// Package client is the HTTP client of the single sign-on daemon. Requests
// are authenticated with an application client certificate.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atinyakov/GophSSO/internal/cam"
	"github.com/atinyakov/GophSSO/internal/models"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 10 * time.Second

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Client talks to the daemon.
type Client struct {
	baseURL string
	http    *http.Client
	// AppContext is sent as X-Application-Context when not empty.
	AppContext string
}

// New returns a client for baseURL using hc.
func New(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// LoadClientCertificate builds an HTTP client that presents the
// certificate in certFile/keyFile and trusts the CA in caFile.
func LoadClientCertificate(certFile, keyFile, caFile string) (*http.Client, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert/key: %w", err)
	}
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA cert: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to parse CA cert")
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      caPool,
			MinVersion:   tls.VersionTLS12,
		},
	}
	return &http.Client{Transport: transport, Timeout: DefaultTimeout}, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AppContext != "" {
		req.Header.Set("X-Application-Context", c.AppContext)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func identityPath(id uint32, rest ...string) string {
	p := "/api/identities/" + strconv.FormatUint(uint64(id), 10)
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

// ListIdentities returns the identities the application may use. A
// negative typ lists every type.
func (c *Client) ListIdentities(ctx context.Context, typ models.IdentityType) ([]models.Identity, error) {
	path := "/api/identities"
	if typ >= 0 {
		path += "?type=" + strconv.Itoa(int(typ))
	}
	var list []models.Identity
	err := c.do(ctx, http.MethodGet, path, nil, &list)
	return list, err
}

// Identity fetches one identity. The password is only returned to owners.
func (c *Client) Identity(ctx context.Context, id uint32, withSecrets bool) (*models.Identity, error) {
	path := identityPath(id)
	if withSecrets {
		path += "?secrets=true"
	}
	var ident models.Identity
	if err := c.do(ctx, http.MethodGet, path, nil, &ident); err != nil {
		return nil, err
	}
	return &ident, nil
}

type storeRequest struct {
	Identity    *models.Identity `json:"identity"`
	StoreSecret bool             `json:"storeSecret"`
}

// StoreIdentity creates ident when its ID is 0 and updates it otherwise.
// It returns the identity id.
func (c *Client) StoreIdentity(ctx context.Context, ident *models.Identity, storeSecret bool) (uint32, error) {
	req := storeRequest{Identity: ident, StoreSecret: storeSecret}
	if ident.ID == models.NewIdentityID {
		var resp struct {
			ID uint32 `json:"id"`
		}
		if err := c.do(ctx, http.MethodPost, "/api/identities", req, &resp); err != nil {
			return 0, err
		}
		return resp.ID, nil
	}
	return ident.ID, c.do(ctx, http.MethodPut, identityPath(ident.ID), req, nil)
}

// RemoveIdentity deletes an identity.
func (c *Client) RemoveIdentity(ctx context.Context, id uint32) error {
	return c.do(ctx, http.MethodDelete, identityPath(id), nil, nil)
}

// VerifyUser checks a username and password against the identity.
func (c *Client) VerifyUser(ctx context.Context, id uint32, username, password string) (bool, error) {
	var resp struct {
		Valid bool `json:"valid"`
	}
	err := c.do(ctx, http.MethodPost, identityPath(id, "verify"),
		map[string]string{"username": username, "password": password}, &resp)
	return resp.Valid, err
}

// LoadData returns the blobs stored for method.
func (c *Client) LoadData(ctx context.Context, id uint32, method string) (map[string]any, error) {
	var data map[string]any
	err := c.do(ctx, http.MethodGet, identityPath(id, "data", method), nil, &data)
	return data, err
}

// StoreData merges data into the blobs of method. Nil values delete keys.
func (c *Client) StoreData(ctx context.Context, id uint32, method string, data map[string]any) error {
	return c.do(ctx, http.MethodPut, identityPath(id, "data", method), data, nil)
}

// RemoveData deletes the blobs of method, or of every method when it is empty.
func (c *Client) RemoveData(ctx context.Context, id uint32, method string) error {
	if method == "" {
		return c.do(ctx, http.MethodDelete, identityPath(id, "data"), nil, nil)
	}
	return c.do(ctx, http.MethodDelete, identityPath(id, "data", method), nil, nil)
}

// AddReference records a reference of the application on the identity.
func (c *Client) AddReference(ctx context.Context, id uint32, ref string) error {
	return c.do(ctx, http.MethodPost, identityPath(id, "references"), map[string]string{"reference": ref}, nil)
}

// RemoveReference drops one reference, or all of the application's
// references when ref is empty.
func (c *Client) RemoveReference(ctx context.Context, id uint32, ref string) (bool, error) {
	path := identityPath(id, "references")
	if ref != "" {
		path += "?reference=" + url.QueryEscape(ref)
	}
	var resp struct {
		Removed bool `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, path, nil, &resp)
	return resp.Removed, err
}

// References lists the application's references on the identity.
func (c *Client) References(ctx context.Context, id uint32) ([]string, error) {
	var refs []string
	err := c.do(ctx, http.MethodGet, identityPath(id, "references"), nil, &refs)
	return refs, err
}

// StorageStatus reports the daemon's storage state.
func (c *Client) StorageStatus(ctx context.Context) (cam.Status, error) {
	var st cam.Status
	err := c.do(ctx, http.MethodGet, "/api/storage", nil, &st)
	return st, err
}

// SetMasterKey replaces the storage key. Only the keychain widget may do this.
func (c *Client) SetMasterKey(ctx context.Context, newKey, existingKey []byte) error {
	return c.do(ctx, http.MethodPost, "/api/storage/key",
		map[string]string{"newKey": string(newKey), "existingKey": string(existingKey)}, nil)
}

// RegisterApplication asks the daemon to issue a client certificate for
// appID and returns the PEM-encoded certificate and key.
func (c *Client) RegisterApplication(ctx context.Context, appID string) (certPEM, keyPEM []byte, err error) {
	var resp map[string]string
	if err := c.do(ctx, http.MethodPost, "/api/applications", map[string]string{"appId": appID}, &resp); err != nil {
		return nil, nil, err
	}
	if resp["cert"] == "" || resp["key"] == "" {
		return nil, nil, errors.New("incomplete certificate response")
	}
	return []byte(resp["cert"]), []byte(resp["key"]), nil
}
