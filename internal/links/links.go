// Package links issues time-limited download URLs for package archives and
// checks whether an issued URL still works.
package links

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/shipment-bundler/internal/blob"
	"github.com/fpang/shipment-bundler/internal/config"
	"github.com/fpang/shipment-bundler/internal/fault"
)

// TTL bounds in hours.
const (
	MinTTLHours     = 1
	MaxTTLHours     = 24
	DefaultTTLHours = 2
)

// SignedLink is a time-limited URL for one archive.
type SignedLink struct {
	ArchiveRef string    `json:"archive_ref"`
	URL        string    `json:"url"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the link is past its expiry at t.
func (l SignedLink) Expired(t time.Time) bool {
	return !t.Before(l.ExpiresAt)
}

// ObjectSigner is the slice of blob storage the issuer needs.
type ObjectSigner interface {
	Head(ctx context.Context, bucket, key string) (blob.ObjectInfo, error)
	blob.Presigner
}

// Issuer signs archive URLs.
type Issuer struct {
	store ObjectSigner
	now   func() time.Time
}

// NewIssuer returns an Issuer backed by store.
func NewIssuer(store ObjectSigner) *Issuer {
	return &Issuer{store: store, now: time.Now}
}

// Issue signs bucket/key for ttlHours, clamped to [1, 24]. Zero means unset
// and uses the default. The archive must exist.
func (i *Issuer) Issue(ctx context.Context, bucket, key string, ttlHours int, filename string) (SignedLink, error) {
	if ttlHours == 0 {
		ttlHours = DefaultTTLHours
	}
	hours := config.ClampHours(ttlHours, MinTTLHours, MaxTTLHours)
	if hours != ttlHours {
		log.Warn().Int("requested", ttlHours).Int("applied", hours).Msg("Link TTL clamped")
	}
	ttl := time.Duration(hours) * time.Hour

	ref := blob.URI(bucket, key)
	if _, err := i.store.Head(ctx, bucket, key); err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return SignedLink{}, fault.Resource(ref, "archive_missing", err)
		}
		return SignedLink{}, fault.Transient("head archive", err)
	}

	issued := i.now().UTC()
	url, err := i.store.PresignGet(ctx, bucket, key, ttl, filename)
	if err != nil {
		return SignedLink{}, fault.Transient("presign archive", err)
	}
	link := SignedLink{ArchiveRef: ref, URL: url, IssuedAt: issued, ExpiresAt: issued.Add(ttl)}
	log.Debug().
		Str("archive", ref).
		Time("expiresAt", link.ExpiresAt).
		Msg("Download link issued")
	return link, nil
}

// Validity is the outcome of probing a link.
type Validity string

const (
	Valid    Validity = "valid"
	Expired  Validity = "expired"
	NotFound Validity = "not_found"
)

// Prober checks links with HEAD requests.
type Prober struct {
	client *http.Client
}

// NewProber returns a Prober. client may be nil.
func NewProber(client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Prober{client: client}
}

// Probe issues a HEAD for url. 2xx is valid, 400/401/403 is expired and 404
// is not found. Anything else is a transient error.
func (p *Prober) Probe(ctx context.Context, url string) (Validity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fault.Transient("probe link", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Valid, nil
	case resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusBadRequest:
		return Expired, nil
	case resp.StatusCode == http.StatusNotFound:
		return NotFound, nil
	}
	return "", fault.Transient("probe link", fmt.Errorf("unexpected status %d", resp.StatusCode))
}
