package claims

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/nats-io/nkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmcloud/lattice/pkg/types"
)

func signedToken(t *testing.T, c *types.Claims) string {
	t.Helper()
	issuer, err := nkeys.CreateAccount()
	require.NoError(t, err)
	issuerPub, err := issuer.PublicKey()
	require.NoError(t, err)
	c.Issuer = issuerPub
	token, err := SignToken(c, issuer)
	require.NoError(t, err)
	return token
}

func subjectKey(t *testing.T) string {
	t.Helper()
	kp, err := nkeys.CreateUser()
	require.NoError(t, err)
	pub, err := kp.PublicKey()
	require.NoError(t, err)
	return pub
}

func TestSignAndParseToken(t *testing.T) {
	subject := subjectKey(t)
	token := signedToken(t, &types.Claims{
		Subject:  subject,
		Name:     "echo",
		Revision: 2,
		Version:  "0.1.0",
		Tags:     []string{"example"},
	})

	parsed, err := ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, subject, parsed.Subject)
	assert.Equal(t, "echo", parsed.Name)
	assert.Equal(t, int32(2), parsed.Revision)
	assert.Equal(t, "0.1.0", parsed.Version)
	assert.False(t, parsed.Provider)
}

func TestParseTokenTampered(t *testing.T) {
	token := signedToken(t, &types.Claims{Subject: subjectKey(t), Name: "echo"})

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	payload := []byte(parts[1])
	mid := len(payload) / 2
	if payload[mid] == 'A' {
		payload[mid] = 'B'
	} else {
		payload[mid] = 'A'
	}
	tampered := parts[0] + "." + string(payload) + "." + parts[2]

	_, err := ParseToken(tampered)
	assert.Error(t, err)
}

func TestParseTokenWrongIssuerSignature(t *testing.T) {
	// Token claims one issuer but is signed by another key
	issuer, err := nkeys.CreateAccount()
	require.NoError(t, err)
	otherPub := subjectKey(t)
	token, err := SignToken(&types.Claims{Subject: subjectKey(t), Issuer: otherPub}, issuer)
	require.NoError(t, err)

	_, err = ParseToken(token)
	assert.Error(t, err)
}

// wasmModule builds a minimal module, optionally with a jwt custom section
func wasmModule(sections ...[]byte) []byte {
	module := append([]byte{}, wasmMagic...)
	module = append(module, 0x01, 0x00, 0x00, 0x00)
	for _, s := range sections {
		module = append(module, s...)
	}
	return module
}

func customSection(name string, payload []byte) []byte {
	var body []byte
	body = binary.AppendUvarint(body, uint64(len(name)))
	body = append(body, name...)
	body = append(body, payload...)

	section := []byte{0x00}
	section = binary.AppendUvarint(section, uint64(len(body)))
	return append(section, body...)
}

func TestExtractComponentNoClaims(t *testing.T) {
	token, err := ExtractComponent(wasmModule())
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestExtractComponentEmbedded(t *testing.T) {
	subject := subjectKey(t)
	raw := signedToken(t, &types.Claims{Subject: subject, Name: "echo"})

	token, err := ExtractComponent(wasmModule(customSection("jwt", []byte(raw))))
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, subject, token.Claims.Subject)
	assert.Equal(t, raw, token.JWT)
}

func TestExtractComponentInvalidEmbedded(t *testing.T) {
	_, err := ExtractComponent(wasmModule(customSection("jwt", []byte("not.a.token"))))
	assert.Error(t, err)
}

func TestExtractComponentNotWasm(t *testing.T) {
	_, err := ExtractComponent([]byte("plain text"))
	assert.Error(t, err)
}

func TestExtractComponentSkipsOtherSections(t *testing.T) {
	subject := subjectKey(t)
	raw := signedToken(t, &types.Claims{Subject: subject})
	module := wasmModule(
		customSection("name", []byte("something else")),
		customSection("jwt", []byte(raw)),
	)

	token, err := ExtractComponent(module)
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, subject, token.Claims.Subject)
}
