package client

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StorageClient talks to the object store. Uploads never pass through this
// service: callers receive a short-lived HMAC-signed URL and PUT the bytes
// directly; this client later re-downloads the object to verify its hash.
type StorageClient struct {
	baseURL string
	bucket  string
	secret  []byte
	client  *http.Client
	now     func() time.Time
}

// NewStorageClient creates a new storage client.
func NewStorageClient(baseURL, bucket, signingSecret string) *StorageClient {
	return &StorageClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		bucket:  bucket,
		secret:  []byte(signingSecret),
		client:  &http.Client{Timeout: 60 * time.Second},
		now:     time.Now,
	}
}

// SignedUploadURL returns a URL authorizing one PUT of the object until ttl
// elapses.
func (c *StorageClient) SignedUploadURL(objectPath string, ttl time.Duration) string {
	return c.signedURL(http.MethodPut, objectPath, ttl)
}

// SignedDownloadURL returns a URL authorizing GETs of the object until ttl
// elapses.
func (c *StorageClient) SignedDownloadURL(objectPath string, ttl time.Duration) string {
	return c.signedURL(http.MethodGet, objectPath, ttl)
}

func (c *StorageClient) signedURL(method, objectPath string, ttl time.Duration) string {
	expires := c.now().Add(ttl).Unix()
	resource := "/" + c.bucket + "/" + strings.TrimLeft(objectPath, "/")
	signature := c.sign(method, resource, expires)

	return fmt.Sprintf("%s%s?expires=%d&signature=%s",
		c.baseURL, escapePath(resource), expires, signature)
}

func (c *StorageClient) sign(method, resource string, expires int64) string {
	mac := hmac.New(sha256.New, c.secret)
	fmt.Fprintf(mac, "%s\n%s\n%d", method, resource, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by signedURL. Used by tests and
// by the local development storage stub.
func (c *StorageClient) VerifySignature(method, resource string, expires int64, signature string) bool {
	if c.now().Unix() > expires {
		return false
	}
	expected := c.sign(method, resource, expires)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Download fetches the object's bytes for server-side hash verification.
func (c *StorageClient) Download(ctx context.Context, objectPath string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.signedURL(http.MethodGet, objectPath, 2*time.Minute), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("storage download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("storage download failed: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Delete removes the object. Callers treat failures as best-effort cleanup.
func (c *StorageClient) Delete(ctx context.Context, objectPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.signedURL(http.MethodDelete, objectPath, 2*time.Minute), nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("storage delete failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("storage delete failed: status %d", resp.StatusCode)
	}
	return nil
}

func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
