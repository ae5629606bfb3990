package client

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

func newTestStorageClient(at time.Time) *StorageClient {
	c := NewStorageClient("https://storage.test", "dossiers", "signing-secret")
	c.now = func() time.Time { return at }
	return c
}

func parseSignedURL(t *testing.T, raw string) (resource string, expires int64, signature string) {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("invalid signed URL %q: %v", raw, err)
	}
	expires, err = strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	if err != nil {
		t.Fatalf("invalid expires in %q: %v", raw, err)
	}
	return u.Path, expires, u.Query().Get("signature")
}

func TestSignedUploadURLRoundTrip(t *testing.T) {
	now := time.Now()
	c := newTestStorageClient(now)

	raw := c.SignedUploadURL("dossiers/d1/documents/doc1/factuur.pdf", 15*time.Minute)
	resource, expires, signature := parseSignedURL(t, raw)

	if !strings.HasPrefix(raw, "https://storage.test/dossiers/") {
		t.Fatalf("unexpected URL: %s", raw)
	}
	if expires != now.Add(15*time.Minute).Unix() {
		t.Fatalf("unexpected expiry: %d", expires)
	}
	if !c.VerifySignature(http.MethodPut, resource, expires, signature) {
		t.Fatal("signature must verify for PUT")
	}
	if c.VerifySignature(http.MethodGet, resource, expires, signature) {
		t.Fatal("upload signature must not authorize GET")
	}
}

func TestSignedURLExpires(t *testing.T) {
	issued := time.Now()
	c := newTestStorageClient(issued)

	raw := c.SignedDownloadURL("dossiers/d1/documents/doc1/factuur.pdf", time.Minute)
	resource, expires, signature := parseSignedURL(t, raw)

	if !c.VerifySignature(http.MethodGet, resource, expires, signature) {
		t.Fatal("fresh signature must verify")
	}

	c.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if c.VerifySignature(http.MethodGet, resource, expires, signature) {
		t.Fatal("expired signature must be rejected")
	}
}

func TestSignedURLTamperRejected(t *testing.T) {
	c := newTestStorageClient(time.Now())

	raw := c.SignedDownloadURL("dossiers/d1/documents/doc1/factuur.pdf", time.Minute)
	resource, expires, signature := parseSignedURL(t, raw)

	other := strings.Replace(resource, "doc1", "doc2", 1)
	if c.VerifySignature(http.MethodGet, other, expires, signature) {
		t.Fatal("signature must be bound to the object path")
	}
	if c.VerifySignature(http.MethodGet, resource, expires+60, signature) {
		t.Fatal("signature must be bound to the expiry")
	}
}

func TestSignedURLEscapesPath(t *testing.T) {
	c := newTestStorageClient(time.Now())

	raw := c.SignedUploadURL("dossiers/d1/documents/doc1/foto meterkast.jpg", time.Minute)
	if strings.Contains(strings.SplitN(raw, "?", 2)[0], " ") {
		t.Fatalf("path not escaped: %s", raw)
	}
}
