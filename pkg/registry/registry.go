package registry

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wasmcloud/lattice/pkg/log"
	"github.com/wasmcloud/lattice/pkg/types"
)

// FetchError wraps any failure to resolve an artifact reference
type FetchError struct {
	Ref string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s: %v", e.Ref, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Config holds resolver configuration
type Config struct {
	AllowFileLoad bool
	// AdditionalCAPaths are extra PEM files trusted for registry TLS
	AdditionalCAPaths []string
	// BindleURL is the bindle server base URL, from BINDLE_URL when empty
	BindleURL string
	// BindleKeyringPath names a bindle keyring, from BINDLE_KEYRING_PATH
	// when empty. It is only checked for readability, bindle invoices are
	// not verified against it.
	BindleKeyringPath string
	// CacheDir holds downloaded provider binaries and the cache index
	CacheDir string
}

// Resolver maps artifact references to bytes across the file, OCI and
// bindle backends
type Resolver struct {
	cfg    Config
	cache  *artifactCache
	logger zerolog.Logger

	credsMu sync.RWMutex
	creds   map[string]types.RegistryCredential
}

// NewResolver creates a resolver and opens the provider binary cache
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.BindleURL == "" {
		cfg.BindleURL = os.Getenv("BINDLE_URL")
	}
	if cfg.BindleKeyringPath == "" {
		cfg.BindleKeyringPath = os.Getenv("BINDLE_KEYRING_PATH")
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "lattice-artifacts")
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create artifact cache dir: %w", err)
	}
	cache, err := openArtifactCache(filepath.Join(cfg.CacheDir, "artifacts.db"))
	if err != nil {
		return nil, err
	}
	return &Resolver{
		cfg:    cfg,
		cache:  cache,
		logger: log.WithComponent("registry"),
		creds:  make(map[string]types.RegistryCredential),
	}, nil
}

// Close releases the cache index
func (r *Resolver) Close() error {
	return r.cache.Close()
}

// MergeCredentials merges credential updates into the registry config.
// Existing entries have their auth replaced, new entries are inserted.
func (r *Resolver) MergeCredentials(creds map[string]types.RegistryCredential) {
	r.credsMu.Lock()
	defer r.credsMu.Unlock()
	for reg, cred := range creds {
		r.creds[reg] = cred
	}
}

func (r *Resolver) credentialFor(registry string) (types.RegistryCredential, bool) {
	r.credsMu.RLock()
	defer r.credsMu.RUnlock()
	cred, ok := r.creds[registry]
	return cred, ok
}

// FetchComponent resolves a component artifact reference to its bytes
func (r *Resolver) FetchComponent(ctx context.Context, ref string) ([]byte, error) {
	data, err := r.fetch(ctx, ref)
	if err != nil {
		return nil, &FetchError{Ref: ref, Err: err}
	}
	return data, nil
}

func (r *Resolver) fetch(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "bindle://"):
		return r.fetchBindle(ctx, ref)
	case strings.HasPrefix(ref, "oci://"):
		return r.fetchOCI(ctx, strings.TrimPrefix(ref, "oci://"))
	case strings.HasPrefix(ref, "file://"):
		if !r.cfg.AllowFileLoad {
			return nil, errors.New("file loading is not enabled on this host")
		}
		return os.ReadFile(strings.TrimPrefix(ref, "file://"))
	case looksLikePath(ref):
		if !r.cfg.AllowFileLoad {
			return nil, errors.New("file loading is not enabled on this host")
		}
		return os.ReadFile(ref)
	default:
		return r.fetchOCI(ctx, ref)
	}
}

// FetchProvider resolves a provider artifact reference to its claims token
// and an on-disk binary for this host's architecture and OS. The token is
// not verified here, only its subject is read for the cache key.
// Binaries are cached keyed by (claims subject, link name) and only
// re-downloaded on cache miss.
func (r *Resolver) FetchProvider(ctx context.Context, ref, linkName string) (string, string, error) {
	if entry, ok := r.cache.lookupRef(ref, linkName); ok {
		if _, err := os.Stat(entry.Path); err == nil {
			r.logger.Debug().Str("ref", ref).Str("path", entry.Path).Msg("provider binary cache hit")
			return entry.JWT, entry.Path, nil
		}
	}

	archive, err := r.fetch(ctx, ref)
	if err != nil {
		return "", "", &FetchError{Ref: ref, Err: err}
	}
	jwtToken, binary, err := extractProviderArchive(archive)
	if err != nil {
		return "", "", &FetchError{Ref: ref, Err: err}
	}

	subject, err := subjectOf(jwtToken)
	if err != nil {
		return "", "", &FetchError{Ref: ref, Err: err}
	}
	path := filepath.Join(r.cfg.CacheDir, fmt.Sprintf("%s_%s", subject, linkName))
	if runtime.GOOS == "windows" {
		path += ".exe"
	}
	if err := os.WriteFile(path, binary, 0o700); err != nil {
		return "", "", fmt.Errorf("failed to write provider binary: %w", err)
	}
	if err := r.cache.store(ref, subject, linkName, jwtToken, path); err != nil {
		r.logger.Warn().Err(err).Str("ref", ref).Msg("failed to index cached provider binary")
	}
	return jwtToken, path, nil
}

// extractProviderArchive pulls the claims token and the binary matching this
// host out of a gzipped provider archive
func extractProviderArchive(archive []byte) (string, []byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return "", nil, fmt.Errorf("provider artifact is not a gzipped archive: %w", err)
	}
	defer gz.Close()

	want := fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
	var jwtToken string
	var binary []byte

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("failed to read provider archive: %w", err)
		}
		name := filepath.Base(hdr.Name)
		switch {
		case name == "claims.jwt":
			raw, err := io.ReadAll(tr)
			if err != nil {
				return "", nil, fmt.Errorf("failed to read archive claims: %w", err)
			}
			jwtToken = strings.TrimSpace(string(raw))
		case name == want || strings.TrimSuffix(name, ".exe") == want:
			raw, err := io.ReadAll(tr)
			if err != nil {
				return "", nil, fmt.Errorf("failed to read provider binary: %w", err)
			}
			binary = raw
		}
	}
	if jwtToken == "" {
		return "", nil, errors.New("provider archive has no claims token")
	}
	if binary == nil {
		return "", nil, fmt.Errorf("provider archive has no binary for %s", want)
	}
	return jwtToken, binary, nil
}

// fetchBindle retrieves a parcel from a bindle server. References look like
// bindle://<id>@<server>, the server falls back to BINDLE_URL.
func (r *Resolver) fetchBindle(ctx context.Context, ref string) ([]byte, error) {
	id := strings.TrimPrefix(ref, "bindle://")
	server := r.cfg.BindleURL
	if at := strings.LastIndex(id, "@"); at >= 0 {
		server = id[at+1:]
		id = id[:at]
	}
	if server == "" {
		return nil, errors.New("no bindle server configured, set BINDLE_URL")
	}
	u, err := url.JoinPath(server, "v1", "_i", id)
	if err != nil {
		return nil, fmt.Errorf("invalid bindle reference: %w", err)
	}
	if r.cfg.BindleKeyringPath != "" {
		if _, err := os.Stat(r.cfg.BindleKeyringPath); err != nil {
			r.logger.Warn().Err(err).
				Str("path", r.cfg.BindleKeyringPath).
				Msg("bindle keyring is not readable, invoice verification disabled")
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("bindle request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bindle server returned %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func looksLikePath(ref string) bool {
	if strings.HasPrefix(ref, "/") || strings.HasPrefix(ref, "./") || strings.HasPrefix(ref, "../") {
		return true
	}
	_, err := os.Stat(ref)
	return err == nil
}
