package client

import (
	"context"
	"time"
)

// GeocoderClientInterface defines the interface for the address-lookup client.
type GeocoderClientInterface interface {
	Lookup(ctx context.Context, postalCode, houseNumber string) (*AddressResult, bool, error)
}

// MailClientInterface defines the interface for the mail provider client.
type MailClientInterface interface {
	Send(ctx context.Context, recipient, subject, body string) (string, error)
}

// StorageClientInterface defines the interface for the object storage client.
type StorageClientInterface interface {
	SignedUploadURL(objectPath string, ttl time.Duration) string
	SignedDownloadURL(objectPath string, ttl time.Duration) string
	Download(ctx context.Context, objectPath string) ([]byte, error)
	Delete(ctx context.Context, objectPath string) error
}
