package claims

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/wasmcloud/lattice/pkg/types"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// jwtSectionName is the custom section artifact signers embed the token in
const jwtSectionName = "jwt"

// ExtractComponent inspects a component artifact for an embedded signed
// token. No embedded token is a valid state and returns nil. An embedded
// token that fails verification is an error.
func ExtractComponent(wasm []byte) (*types.ClaimsToken, error) {
	raw, err := readCustomSection(wasm, jwtSectionName)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	c, err := ParseToken(raw)
	if err != nil {
		return nil, fmt.Errorf("embedded claims are invalid: %w", err)
	}
	return &types.ClaimsToken{Claims: c, JWT: raw}, nil
}

// ParseProviderToken verifies the claims token shipped alongside a provider
// binary in its archive
func ParseProviderToken(raw string) (*types.ClaimsToken, error) {
	c, err := ParseToken(raw)
	if err != nil {
		return nil, fmt.Errorf("provider claims are invalid: %w", err)
	}
	c.Provider = true
	return &types.ClaimsToken{Claims: c, JWT: raw}, nil
}

// readCustomSection walks the module's section table looking for a custom
// section with the given name. Returns "" when the module has none.
func readCustomSection(wasm []byte, name string) (string, error) {
	if len(wasm) < 8 || !bytes.Equal(wasm[:4], wasmMagic) {
		return "", fmt.Errorf("artifact is not a WebAssembly module")
	}
	r := bytes.NewReader(wasm[8:])
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("truncated module section table: %w", err)
		}
		size, err := binary.ReadUvarint(r)
		if err != nil || uint64(r.Len()) < size {
			return "", fmt.Errorf("truncated module section")
		}
		payload := make([]byte, size)
		if _, err := r.Read(payload); err != nil {
			return "", fmt.Errorf("failed to read module section: %w", err)
		}
		if id != 0 {
			continue
		}
		pr := bytes.NewReader(payload)
		nameLen, err := binary.ReadUvarint(pr)
		if err != nil || uint64(pr.Len()) < nameLen {
			return "", fmt.Errorf("malformed custom section name")
		}
		sectionName := make([]byte, nameLen)
		if _, err := pr.Read(sectionName); err != nil {
			return "", fmt.Errorf("failed to read custom section name: %w", err)
		}
		if string(sectionName) != name {
			continue
		}
		rest := make([]byte, pr.Len())
		if _, err := pr.Read(rest); err != nil {
			return "", fmt.Errorf("failed to read custom section payload: %w", err)
		}
		return string(rest), nil
	}
	return "", nil
}
