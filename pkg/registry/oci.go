package registry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/containerd/containerd/remotes"
	"github.com/containerd/containerd/remotes/docker"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fetchOCI pulls the artifact layer for ref from an OCI registry.
// Component and provider artifacts are single-layer images, more than one
// layer is an error.
func (r *Resolver) fetchOCI(ctx context.Context, ref string) ([]byte, error) {
	resolver := docker.NewResolver(docker.ResolverOptions{
		Hosts: docker.ConfigureDefaultRegistries(
			docker.WithClient(r.httpClient()),
			docker.WithAuthorizer(docker.NewDockerAuthorizer(
				docker.WithAuthCreds(r.authCreds),
			)),
		),
	})

	name, desc, err := resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", ref, err)
	}
	fetcher, err := resolver.Fetcher(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetcher for %s: %w", name, err)
	}

	manifest, err := resolveManifest(ctx, fetcher, desc)
	if err != nil {
		return nil, err
	}
	if len(manifest.Layers) != 1 {
		return nil, fmt.Errorf("expected exactly one artifact layer, found %d", len(manifest.Layers))
	}
	return fetchBlob(ctx, fetcher, manifest.Layers[0])
}

// resolveManifest follows an index descriptor down to a concrete manifest
func resolveManifest(ctx context.Context, fetcher remotes.Fetcher, desc ocispec.Descriptor) (*ocispec.Manifest, error) {
	raw, err := fetchBlob(ctx, fetcher, desc)
	if err != nil {
		return nil, err
	}
	switch desc.MediaType {
	case ocispec.MediaTypeImageIndex, "application/vnd.docker.distribution.manifest.list.v2+json":
		var index ocispec.Index
		if err := json.Unmarshal(raw, &index); err != nil {
			return nil, fmt.Errorf("failed to decode image index: %w", err)
		}
		if len(index.Manifests) == 0 {
			return nil, fmt.Errorf("image index has no manifests")
		}
		return resolveManifest(ctx, fetcher, index.Manifests[0])
	default:
		var manifest ocispec.Manifest
		if err := json.Unmarshal(raw, &manifest); err != nil {
			return nil, fmt.Errorf("failed to decode manifest: %w", err)
		}
		return &manifest, nil
	}
}

func fetchBlob(ctx context.Context, fetcher remotes.Fetcher, desc ocispec.Descriptor) ([]byte, error) {
	rc, err := fetcher.Fetch(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", desc.Digest, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// authCreds looks up credentials for a registry host
func (r *Resolver) authCreds(host string) (string, string, error) {
	cred, ok := r.credentialFor(host)
	if !ok {
		return "", "", nil
	}
	if cred.Token != "" {
		return "", cred.Token, nil
	}
	return cred.Username, cred.Password, nil
}

// httpClient builds a client trusting the system pool plus any additional
// CA paths from configuration
func (r *Resolver) httpClient() *http.Client {
	if len(r.cfg.AdditionalCAPaths) == 0 {
		return http.DefaultClient
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	for _, path := range r.cfg.AdditionalCAPaths {
		pem, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("failed to read additional CA")
			continue
		}
		if !pool.AppendCertsFromPEM(pem) {
			r.logger.Warn().Str("path", path).Msg("no certificates parsed from additional CA")
		}
	}
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}
}

// subjectOf reads the subject out of a token without verifying it. The
// token is verified separately before the provider is started.
func subjectOf(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed claims token")
	}
	raw, err := decodeSegment(parts[1])
	if err != nil {
		return "", fmt.Errorf("malformed claims payload: %w", err)
	}
	var payload struct {
		Subject string `json:"sub"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("malformed claims payload: %w", err)
	}
	if payload.Subject == "" {
		return "", fmt.Errorf("claims token has no subject")
	}
	return payload.Subject, nil
}
