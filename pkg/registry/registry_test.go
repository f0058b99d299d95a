package registry

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/nats-io/nkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmcloud/lattice/pkg/claims"
	"github.com/wasmcloud/lattice/pkg/types"
)

func testResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(Config{
		AllowFileLoad: true,
		CacheDir:      filepath.Join(t.TempDir(), "cache"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func providerToken(t *testing.T) (string, string) {
	t.Helper()
	issuer, err := nkeys.CreateAccount()
	require.NoError(t, err)
	issuerPub, err := issuer.PublicKey()
	require.NoError(t, err)
	subjectKP, err := nkeys.CreateUser()
	require.NoError(t, err)
	subject, err := subjectKP.PublicKey()
	require.NoError(t, err)
	token, err := claims.SignToken(&types.Claims{
		Subject:  subject,
		Issuer:   issuerPub,
		Name:     "httpserver",
		Provider: true,
	}, issuer)
	require.NoError(t, err)
	return token, subject
}

func providerArchive(t *testing.T, token string, binary []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	writeEntry := func(name string, data []byte) {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o755,
			Size: int64(len(data)),
		}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	writeEntry("claims.jwt", []byte(token))
	writeEntry(fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH), binary)
	writeEntry("other-arch", []byte("wrong binary"))

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestFetchComponentFromFile(t *testing.T) {
	r := testResolver(t)
	path := filepath.Join(t.TempDir(), "c.wasm")
	require.NoError(t, os.WriteFile(path, []byte("wasm-bytes"), 0o600))

	data, err := r.FetchComponent(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []byte("wasm-bytes"), data)
}

func TestFetchComponentFileLoadDisabled(t *testing.T) {
	r, err := NewResolver(Config{CacheDir: filepath.Join(t.TempDir(), "cache")})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.FetchComponent(context.Background(), "/tmp/anything.wasm")
	require.Error(t, err)
	var fetchErr *FetchError
	assert.ErrorAs(t, err, &fetchErr)
}

func TestFetchProviderExtractsAndCaches(t *testing.T) {
	r := testResolver(t)
	token, subject := providerToken(t)
	archivePath := filepath.Join(t.TempDir(), "p.par.gz")
	require.NoError(t, os.WriteFile(archivePath, providerArchive(t, token, []byte("the binary")), 0o600))

	gotToken, binPath, err := r.FetchProvider(context.Background(), archivePath, "default")
	require.NoError(t, err)
	assert.Equal(t, token, gotToken)
	assert.Contains(t, binPath, subject)

	content, err := os.ReadFile(binPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("the binary"), content)

	// A repeat fetch hits the cache even after the archive disappears
	require.NoError(t, os.Remove(archivePath))
	gotToken2, binPath2, err := r.FetchProvider(context.Background(), archivePath, "default")
	require.NoError(t, err)
	assert.Equal(t, gotToken, gotToken2)
	assert.Equal(t, binPath, binPath2)
}

func TestFetchProviderMissingBinaryForHost(t *testing.T) {
	r := testResolver(t)
	token, _ := providerToken(t)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "claims.jwt", Mode: 0o644, Size: int64(len(token))}))
	_, err := tw.Write([]byte(token))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	path := filepath.Join(t.TempDir(), "p.par.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	_, _, err = r.FetchProvider(context.Background(), path, "default")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no binary")
}

func TestSubjectOf(t *testing.T) {
	token, subject := providerToken(t)
	got, err := subjectOf(token)
	require.NoError(t, err)
	assert.Equal(t, subject, got)

	_, err = subjectOf("garbage")
	assert.Error(t, err)
}

func TestLooksLikePath(t *testing.T) {
	assert.True(t, looksLikePath("/abs/path.wasm"))
	assert.True(t, looksLikePath("./rel.wasm"))
	assert.False(t, looksLikePath("registry.example.com/echo:1"))
}

func TestMergeCredentials(t *testing.T) {
	r := testResolver(t)
	r.MergeCredentials(map[string]types.RegistryCredential{
		"registry.example.com": {Username: "u", Password: "p"},
	})
	cred, ok := r.credentialFor("registry.example.com")
	require.True(t, ok)
	assert.Equal(t, "u", cred.Username)

	// Updates replace existing auth
	r.MergeCredentials(map[string]types.RegistryCredential{
		"registry.example.com": {Token: "tok"},
	})
	cred, _ = r.credentialFor("registry.example.com")
	assert.Equal(t, "tok", cred.Token)
	assert.Empty(t, cred.Username)
}
