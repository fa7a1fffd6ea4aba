// Package manifest fetches firmware manifests from one of two independently
// configured metadata sources, failing over automatically when the preferred
// source cannot produce a usable manifest.
package manifest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/glowdeck/glowdeck/pkg/types"
)

const (
	// manifests are small JSON documents; anything larger is malformed.
	maxManifestBytes = 64 << 10

	defaultTimeout    = 10 * time.Second
	transientRetries  = 2
	retryBaseInterval = 500 * time.Millisecond
)

// Source is one configured metadata endpoint. FirmwareURL is the
// source-specific download location used when the manifest itself does not
// carry one.
type Source struct {
	Name        string
	ManifestURL string
	FirmwareURL string
}

// Client fetches manifests with primary/secondary failover.
type Client struct {
	http      *http.Client
	primary   Source
	secondary Source
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every fetch, including redirects and body read.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithRootCAs pins the certificate pool used to validate source endpoints.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(c *Client) {
		c.http.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		}
	}
}

// LoadRootCAs reads a PEM bundle for WithRootCAs.
func LoadRootCAs(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in CA bundle %s", path)
	}
	return pool, nil
}

// NewClient builds a client over the two configured sources. The preferred
// source is chosen per fetch so a persisted preference can reorder them.
func NewClient(primary, secondary Source, opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{Timeout: defaultTimeout},
		primary:   primary,
		secondary: secondary,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Sources returns the configured sources, preferred first. An unknown or
// empty preference keeps the configured order.
func (c *Client) Sources(preferred string) (Source, Source) {
	if preferred == c.secondary.Name {
		return c.secondary, c.primary
	}
	return c.primary, c.secondary
}

// FetchWithFailover fetches the manifest from the preferred source, retrying
// exactly once against the other source on any failure. Each attempt starts
// from a clean buffer. It returns the manifest and the source that actually
// produced it.
func (c *Client) FetchWithFailover(ctx context.Context, preferred string) (*types.Manifest, Source, error) {
	first, second := c.Sources(preferred)
	return tryWithFailover(first, second, func(src Source) (*types.Manifest, error) {
		return c.fetchOne(ctx, src)
	})
}

// tryWithFailover runs fn against the primary source, then once against the
// secondary on failure. Shared by the manifest fetch and any future
// firmware-fetch failover.
func tryWithFailover[T any](primary, secondary Source, fn func(Source) (T, error)) (T, Source, error) {
	v, err := fn(primary)
	if err == nil {
		return v, primary, nil
	}
	log.Warnf("Source %s failed, trying %s: %v", primary.Name, secondary.Name, err)
	v2, err2 := fn(secondary)
	if err2 == nil {
		return v2, secondary, nil
	}
	var zero T
	merr := multierror.Append(nil,
		fmt.Errorf("%s: %w", primary.Name, err),
		fmt.Errorf("%s: %w", secondary.Name, err2),
	)
	code := types.CodeManifestUnreachable
	if isNetworkErr(err) && isNetworkErr(err2) {
		code = types.CodeNoNetwork
	}
	return zero, Source{}, types.E(code, merr.ErrorOrNil())
}

// fetchOne fetches and parses the manifest from a single source, retrying
// transient transport errors a bounded number of times.
func (c *Client) fetchOne(ctx context.Context, src Source) (*types.Manifest, error) {
	var m *types.Manifest
	op := func() error {
		var err error
		m, err = c.fetch(ctx, src)
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBaseInterval
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, transientRetries), ctx))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Client) fetch(ctx context.Context, src Source) (*types.Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.ManifestURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request for %s: %w", src.Name, err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest from %s: %w", src.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("manifest fetch from %s: status %d", src.Name, resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("read manifest body from %s: %w", src.Name, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty manifest body from %s", src.Name)
	}

	var m types.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", types.ErrManifestMalformed, err))
	}
	if err := m.Validate(); err != nil {
		return nil, backoff.Permanent(err)
	}
	if m.FirmwareURL == "" {
		m.FirmwareURL = src.FirmwareURL
	}
	log.Debugf("Fetched manifest from %s: version %s, %d bytes", src.Name, m.Version, m.SizeBytes)
	return &m, nil
}

func isNetworkErr(err error) bool {
	var op *net.OpError
	if errors.As(err, &op) {
		return true
	}
	var dns *net.DNSError
	return errors.As(err, &dns)
}
