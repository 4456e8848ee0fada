package yank

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/yankbank/internal/gem"
	"github.com/mirrorctl/yankbank/internal/manifest"
)

const (
	// SpecsFile is the upstream index of every released identity.
	SpecsFile = "specs.4.8.gz"

	httpRetries  = 5
	retryBackoff = time.Second
	userAgent    = "yankbank (+https://github.com/mirrorctl/yankbank)"
)

// errClientStatus is returned for 4xx responses, which are not retried.
var errClientStatus = errors.New("client error")

// FetchOptions configures a Fetcher.
type FetchOptions struct {
	// From is the mirror base URL.
	From string

	TLS *TLSConfig

	// PGPKeyPath enables verification of SpecsFile.asc when set.
	PGPKeyPath string

	// Quiet disables the progress bar.
	Quiet bool

	// Backoff overrides the pause between attempts.
	Backoff time.Duration
}

// Fetcher downloads the upstream specs index.
type Fetcher struct {
	from       string
	client     *http.Client
	pgp        *crypto.PGPHandle
	pgpKeyPath string
	quiet      bool
	backoff    time.Duration
}

// NewFetcher constructs a Fetcher.
func NewFetcher(opts FetchOptions) (*Fetcher, error) {
	client, err := newHTTPClient(opts.TLS)
	if err != nil {
		return nil, err
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = retryBackoff
	}
	from := opts.From
	if from == "" {
		from = DefaultMirror
	}
	return &Fetcher{
		from:       from,
		client:     client,
		pgp:        crypto.PGP(),
		pgpKeyPath: opts.PGPKeyPath,
		quiet:      opts.Quiet,
		backoff:    backoff,
	}, nil
}

func newHTTPClient(tlsConfig *TLSConfig) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 10
	tr.IdleConnTimeout = 90 * time.Second

	if tlsConfig != nil {
		customTLSConfig, err := tlsConfig.BuildTLSConfig()
		if err != nil {
			return nil, configError(errors.Wrap(err, "tls"))
		}
		tr.TLSClientConfig = customTLSConfig
	}

	return &http.Client{
		Transport: tr,
		Timeout:   0, // no timeout; timeout is controlled by context
	}, nil
}

// Fetch downloads, verifies and decodes the current upstream snapshot.
func (f *Fetcher) Fetch(ctx context.Context) ([]gem.Identity, error) {
	specsURL := f.from + "/" + SpecsFile

	tempfile, err := os.CreateTemp("", "yankbank-specs-")
	if err != nil {
		return nil, errors.Wrap(err, "Fetch")
	}
	defer closeAndRemoveFile(tempfile)

	slog.Info("downloading snapshot", "url", specsURL)
	if err := f.download(ctx, specsURL, tempfile, !f.quiet); err != nil {
		return nil, err
	}
	if _, err := tempfile.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "tempfile.Seek failed")
	}
	data, err := io.ReadAll(tempfile)
	if err != nil {
		return nil, errors.Wrap(err, "read snapshot")
	}

	if f.pgpKeyPath != "" {
		if err := f.verify(ctx, specsURL, data); err != nil {
			return nil, err
		}
	}

	ids, err := manifest.Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", specsURL)
	}
	slog.Info("snapshot downloaded", "url", specsURL, "identities", len(ids), "bytes", len(data))
	return ids, nil
}

// download writes the body of target to w, retrying transport errors and
// 5xx responses. w must be an *os.File so failed attempts can be rewound.
func (f *Fetcher) download(ctx context.Context, target string, w *os.File, progress bool) error {
	var lastErr error
	for attempt := 0; attempt < httpRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying download", "url", target, "attempt", attempt+1, "max_attempts", httpRetries, "error", lastErr)
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "download "+target)
			case <-time.After(f.backoff):
			}
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "download "+target)
		}

		if err := w.Truncate(0); err != nil {
			return errors.Wrap(err, "truncate tempfile")
		}
		if _, err := w.Seek(0, io.SeekStart); err != nil {
			return errors.Wrap(err, "tempfile.Seek failed")
		}

		lastErr = f.get(ctx, target, w, progress)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, errClientStatus) {
			return lastErr
		}
	}
	return errors.Wrapf(lastErr, "download failed for %s after %d attempts", target, httpRetries)
}

func (f *Fetcher) get(ctx context.Context, target string, w io.Writer, progress bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "request"), errClientStatus)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Cache-Control", "max-age=0")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer closeRespBody(resp)

	switch {
	case resp.StatusCode >= 500:
		return errors.Newf("server error %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return errors.Mark(errors.Newf("GET %s: status %d", target, resp.StatusCode), errClientStatus)
	}

	var body io.Reader = resp.Body
	if progress && resp.ContentLength > 0 {
		bar := pb.Full.Start64(resp.ContentLength)
		bar.SetWriter(os.Stderr)
		defer bar.Finish()
		body = bar.NewProxyReader(resp.Body)
	}

	if _, err := io.Copy(w, body); err != nil {
		return errors.Wrap(err, "read body")
	}
	return nil
}

// verify checks the armored detached signature published next to the
// snapshot.
func (f *Fetcher) verify(ctx context.Context, specsURL string, data []byte) error {
	keyring, err := os.ReadFile(f.pgpKeyPath)
	if err != nil {
		return errors.Wrapf(err, "failed to read PGP keyring from: %s", f.pgpKeyPath)
	}
	publicKey, err := crypto.NewKeyFromArmored(string(keyring))
	if err != nil {
		return errors.Wrapf(err, "failed to parse PGP keyring from: %s", f.pgpKeyPath)
	}

	sigFile, err := os.CreateTemp("", "yankbank-specs-sig-")
	if err != nil {
		return errors.Wrap(err, "verify")
	}
	defer closeAndRemoveFile(sigFile)

	sigURL := specsURL + ".asc"
	if err := f.download(ctx, sigURL, sigFile, false); err != nil {
		return errors.Wrap(err, "PGP verification is configured but the signature could not be fetched")
	}
	if _, err := sigFile.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "tempfile.Seek failed")
	}
	sig, err := io.ReadAll(sigFile)
	if err != nil {
		return errors.Wrap(err, "read signature")
	}

	verifier, err := f.pgp.Verify().VerificationKey(publicKey).New()
	if err != nil {
		return errors.Wrap(err, "failed to create verifier")
	}
	result, err := verifier.VerifyDetached(data, sig, crypto.Armor)
	if err != nil {
		return errors.Wrapf(err, "PGP signature verification failed for %s", specsURL)
	}
	if sigErr := result.SignatureError(); sigErr != nil {
		return errors.Wrapf(sigErr, "PGP signature verification failed for %s", specsURL)
	}

	slog.Info("PGP signature is valid", "url", specsURL, "key_id", publicKey.GetHexKeyID())
	return nil
}

func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

func closeAndRemoveFile(f *os.File) {
	filename := f.Name()
	if err := f.Close(); err != nil {
		slog.Warn("failed to close temp file", "file", filename, "error", err)
	}
	if err := os.Remove(filename); err != nil {
		slog.Warn("failed to remove temp file", "file", filename, "error", err)
	}
}
