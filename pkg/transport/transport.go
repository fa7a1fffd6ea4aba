// Package transport streams firmware bytes into a writable sink in fixed-size
// chunks with coarse progress reporting.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

const (
	// ChunkSize is the unit of transfer and of cancellation granularity: an
	// in-flight chunk write always completes before cancellation is observed.
	ChunkSize = 4096

	// progressStepPercent throttles progress callbacks so downstream
	// consumers are not flooded.
	progressStepPercent = 10

	defaultTimeout  = 15 * time.Minute
	connectRetries  = 2
	connectInterval = time.Second
)

// Errors distinguished by the orchestrator.
var (
	// ErrSizeMismatch reports more or fewer bytes than the manifest declared.
	ErrSizeMismatch = errors.New("downloaded size does not match declared size")
	// ErrBadImageHeader reports a malformed image header, detected on the
	// first chunk before committing to the full download.
	ErrBadImageHeader = errors.New("malformed firmware image header")
)

// imageMagic opens every valid firmware image. The chip bootloader rejects
// anything else, so a download that does not start with it can be abandoned
// immediately.
var imageMagic = [4]byte{0xE9, 0x47, 0x4C, 0x57}

// ValidateImageHeader checks the leading bytes of a firmware image.
func ValidateImageHeader(b []byte) error {
	if len(b) < len(imageMagic) {
		return fmt.Errorf("%w: image shorter than header", ErrBadImageHeader)
	}
	for i, m := range imageMagic {
		if b[i] != m {
			return fmt.Errorf("%w: magic %x", ErrBadImageHeader, b[:len(imageMagic)])
		}
	}
	return nil
}

// ProgressFunc receives coarse-grained byte progress.
type ProgressFunc func(done, total int64)

// Downloader streams firmware over a certificate-validated, timeout-bounded
// HTTP transport.
type Downloader struct {
	http        *http.Client
	headerCheck func([]byte) error
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithTimeout bounds the whole download.
func WithTimeout(d time.Duration) Option {
	return func(dl *Downloader) { dl.http.Timeout = d }
}

// WithRootCAs pins the certificate pool used to validate the firmware host.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(dl *Downloader) {
		dl.http.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		}
	}
}

// WithHeaderCheck replaces the default image-header validation.
func WithHeaderCheck(fn func([]byte) error) Option {
	return func(dl *Downloader) { dl.headerCheck = fn }
}

// NewDownloader builds a Downloader.
func NewDownloader(opts ...Option) *Downloader {
	dl := &Downloader{
		http:        &http.Client{Timeout: defaultTimeout},
		headerCheck: ValidateImageHeader,
	}
	for _, o := range opts {
		o(dl)
	}
	return dl
}

// Download streams exactly size bytes from url into sink in ChunkSize chunks.
// onProgress fires roughly every 10% and once at completion. Establishing the
// connection is retried a bounded number of times; once the first byte
// arrives, errors surface to the caller untouched.
func (dl *Downloader) Download(ctx context.Context, url string, size int64, sink io.Writer, onProgress ProgressFunc) error {
	resp, err := dl.connect(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.ContentLength >= 0 && resp.ContentLength != size {
		return fmt.Errorf("%w: server reports %d bytes, manifest declares %d",
			ErrSizeMismatch, resp.ContentLength, size)
	}

	var (
		buf         [ChunkSize]byte
		done        int64
		nextPercent = int64(progressStepPercent)
		first       = true
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := io.ReadFull(resp.Body, buf[:])
		if n > 0 {
			if first {
				first = false
				if err := dl.headerCheck(buf[:n]); err != nil {
					return err
				}
			}
			if done+int64(n) > size {
				return fmt.Errorf("%w: stream exceeds declared %d bytes", ErrSizeMismatch, size)
			}
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write firmware chunk at %d: %w", done, werr)
			}
			done += int64(n)
			if onProgress != nil && size > 0 {
				if pct := done * 100 / size; pct >= nextPercent || done == size {
					onProgress(done, size)
					nextPercent = pct + progressStepPercent
				}
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("firmware stream failed at %d/%d bytes: %w", done, size, rerr)
		}
	}
	if done != size {
		return fmt.Errorf("%w: got %d bytes, declared %d", ErrSizeMismatch, done, size)
	}
	log.Debugf("Downloaded %d bytes from %s", done, url)
	return nil
}

// connect issues the GET, retrying transient connection failures before any
// payload byte has been consumed.
func (dl *Downloader) connect(ctx context.Context, url string) (*http.Response, error) {
	var resp *http.Response
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build firmware request: %w", err))
		}
		resp, err = dl.http.Do(req) //nolint:bodyclose // closed by Download
		if err != nil {
			return fmt.Errorf("connect to firmware host: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			err := fmt.Errorf("firmware fetch: status %d", resp.StatusCode)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = connectInterval
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, connectRetries), ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}
