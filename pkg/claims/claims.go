package claims

import (
	"encoding/base64"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
	"github.com/nats-io/nkeys"

	"github.com/wasmcloud/lattice/pkg/types"
)

// AlgEd25519 is the JWT algorithm name used by artifact tokens. Signatures
// are ed25519 over the signing string, keyed by the issuer's nkey.
const AlgEd25519 = "Ed25519"

func init() {
	jwt.RegisterSigningMethod(AlgEd25519, func() jwt.SigningMethod {
		return SigningMethodNkey
	})
}

// SigningMethodNkey verifies and signs JWTs with nkeys. The verification key
// is the issuer's public key string, the signing key is an nkeys.KeyPair.
var SigningMethodNkey = &signingMethodNkey{}

type signingMethodNkey struct{}

func (m *signingMethodNkey) Alg() string { return AlgEd25519 }

func (m *signingMethodNkey) Verify(signingString, signature string, key interface{}) error {
	pub, ok := key.(string)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	kp, err := nkeys.FromPublicKey(pub)
	if err != nil {
		return fmt.Errorf("invalid issuer public key: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("malformed token signature: %w", err)
	}
	return kp.Verify([]byte(signingString), sig)
}

func (m *signingMethodNkey) Sign(signingString string, key interface{}) (string, error) {
	kp, ok := key.(nkeys.KeyPair)
	if !ok {
		return "", jwt.ErrInvalidKeyType
	}
	sig, err := kp.Sign([]byte(signingString))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// wascapMetadata is the artifact metadata section embedded in tokens
type wascapMetadata struct {
	Name     string   `json:"name,omitempty"`
	Revision int32    `json:"rev,omitempty"`
	Version  string   `json:"ver,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Provider bool     `json:"prov,omitempty"`
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Wascap wascapMetadata `json:"wascap"`
}

// ParseToken verifies a raw artifact token and returns its claims. The token
// is self-describing, the issuer public key inside it is the verification
// key. Expired or tampered tokens fail.
func ParseToken(raw string) (*types.Claims, error) {
	var claims tokenClaims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{AlgEd25519}))
	_, err := parser.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		tc, ok := token.Claims.(*tokenClaims)
		if !ok || tc.Issuer == "" {
			return nil, fmt.Errorf("token has no issuer")
		}
		return tc.Issuer, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	out := &types.Claims{
		Subject:  claims.Subject,
		Issuer:   claims.Issuer,
		Name:     claims.Wascap.Name,
		Revision: claims.Wascap.Revision,
		Version:  claims.Wascap.Version,
		Tags:     claims.Wascap.Tags,
		Provider: claims.Wascap.Provider,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Unix()
	}
	if claims.NotBefore != nil {
		out.NotBefore = claims.NotBefore.Unix()
	}
	if claims.ExpiresAt != nil {
		out.Expires = claims.ExpiresAt.Unix()
	}
	return out, nil
}

// SignToken produces a token for the given claims signed by the issuer key
// pair. Used for the host's self-signed identity token.
func SignToken(c *types.Claims, issuer nkeys.KeyPair) (string, error) {
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: c.Subject,
			Issuer:  c.Issuer,
		},
		Wascap: wascapMetadata{
			Name:     c.Name,
			Revision: c.Revision,
			Version:  c.Version,
			Tags:     c.Tags,
			Provider: c.Provider,
		},
	}
	token := jwt.NewWithClaims(SigningMethodNkey, claims)
	signed, err := token.SignedString(issuer)
	if err != nil {
		return "", fmt.Errorf("failed to sign claims for %s: %w", c.Subject, err)
	}
	return signed, nil
}
