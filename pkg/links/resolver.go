package links

import (
	"context"
	"strings"

	"github.com/wasmcloud/lattice/pkg/config"
	"github.com/wasmcloud/lattice/pkg/secrets"
	"github.com/wasmcloud/lattice/pkg/types"
)

// Resolver turns link definitions into resolved links: config names become
// values and secret references become ciphertext sealed for the receiving
// provider's exchange key
type Resolver struct {
	configs *config.Generator
	secrets *secrets.Manager
	hostJWT string
}

// NewResolver creates a link resolver
func NewResolver(configs *config.Generator, sm *secrets.Manager, hostJWT string) *Resolver {
	return &Resolver{configs: configs, secrets: sm, hostJWT: hostJWT}
}

// SplitSecretNames partitions a config name list into secret references and
// plain config names
func SplitSecretNames(names []string) (secretNames, configNames []string) {
	for _, name := range names {
		if strings.HasPrefix(name, types.SecretPrefix) {
			secretNames = append(secretNames, name)
		} else {
			configNames = append(configNames, name)
		}
	}
	return secretNames, configNames
}

// FetchConfigAndSecrets assembles the config bundle and plaintext secrets
// for a list of names. Names carrying the secret prefix resolve through the
// secrets backend, the rest through the config bucket.
func (r *Resolver) FetchConfigAndSecrets(ctx context.Context, names []string, entityJWT, application string) (*config.Bundle, map[string]secrets.Value, error) {
	secretNames, configNames := SplitSecretNames(names)

	bundle, err := r.configs.Generate(configNames)
	if err != nil {
		return nil, nil, err
	}
	values, err := r.secrets.Fetch(ctx, secretNames, entityJWT, r.hostJWT, application)
	if err != nil {
		bundle.Close()
		return nil, nil, err
	}
	return bundle, values, nil
}

// Resolve produces the resolved link delivered to a provider. The recipient
// exchange public key seals both secret maps, empty maps seal to nothing.
func (r *Resolver) Resolve(ctx context.Context, link *types.Link, providerJWT, application, recipientXKey string) (*types.ResolvedLink, error) {
	sourceBundle, sourceSecrets, err := r.FetchConfigAndSecrets(ctx, link.SourceConfig, providerJWT, application)
	if err != nil {
		return nil, err
	}
	defer sourceBundle.Close()
	targetBundle, targetSecrets, err := r.FetchConfigAndSecrets(ctx, link.TargetConfig, providerJWT, application)
	if err != nil {
		return nil, err
	}
	defer targetBundle.Close()

	sealedSource, err := r.secrets.SealMap(sourceSecrets, recipientXKey)
	if err != nil {
		return nil, err
	}
	sealedTarget, err := r.secrets.SealMap(targetSecrets, recipientXKey)
	if err != nil {
		return nil, err
	}

	return &types.ResolvedLink{
		SourceID:      link.SourceID,
		Target:        link.Target,
		WitNamespace:  link.WitNamespace,
		WitPackage:    link.WitPackage,
		Name:          link.Name,
		Interfaces:    link.Interfaces,
		SourceConfig:  sourceBundle.Get(),
		TargetConfig:  targetBundle.Get(),
		SourceSecrets: sealedSource,
		TargetSecrets: sealedTarget,
	}, nil
}
