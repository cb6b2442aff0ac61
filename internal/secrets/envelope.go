package secrets

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	envelopeVersion   = 1
	envelopeAlgorithm = "AES-256-GCM"
)

// CredentialEnvelope is the versioned, encrypted bundle of per-agent
// credential files (".env", ".mcp.json", gcloud service account JSON, ...)
// that gets injected into a container at agent start. Unlike the named
// secret vault (see models.go/service.go), an envelope is an opaque blob
// tied to a single agent and is never listed or partially revealed — it is
// decrypted wholesale and written to the agent's workspace.
type CredentialEnvelope struct {
	Version    int    `json:"version"`
	Algorithm  string `json:"algorithm"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// EnvelopeCipher seals and opens credential envelopes under a single
// master key.
type EnvelopeCipher struct {
	key []byte
}

// NewEnvelopeCipher returns a cipher that encrypts and decrypts envelopes
// with key, which must be the 32-byte AES-256 master key.
func NewEnvelopeCipher(key []byte) *EnvelopeCipher {
	return &EnvelopeCipher{key: key}
}

// Seal encrypts files (a map of workspace-relative file path to file
// contents) into a serialized envelope.
func (c *EnvelopeCipher) Seal(files map[string]string) (string, error) {
	plaintext, err := json.Marshal(files)
	if err != nil {
		return "", fmt.Errorf("marshal credential files: %w", err)
	}

	ciphertext, nonce, err := Encrypt(plaintext, c.key)
	if err != nil {
		return "", fmt.Errorf("encrypt credential envelope: %w", err)
	}

	env := CredentialEnvelope{
		Version:    envelopeVersion,
		Algorithm:  envelopeAlgorithm,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}

	out, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(out), nil
}

// Open decrypts a serialized envelope back into its file map.
func (c *EnvelopeCipher) Open(serialized string) (map[string]string, error) {
	var env CredentialEnvelope
	if err := json.Unmarshal([]byte(serialized), &env); err != nil {
		return nil, fmt.Errorf("invalid encrypted data format: %w", err)
	}

	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported encryption version: %d", env.Version)
	}
	if env.Algorithm != envelopeAlgorithm {
		return nil, fmt.Errorf("unsupported algorithm: %s", env.Algorithm)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid encrypted data structure: nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("invalid encrypted data structure: ciphertext: %w", err)
	}

	plaintext, err := Decrypt(ciphertext, nonce, c.key)
	if err != nil {
		return nil, fmt.Errorf("decryption failed - wrong key or corrupted data: %w", err)
	}

	var files map[string]string
	if err := json.Unmarshal(plaintext, &files); err != nil {
		return nil, fmt.Errorf("decrypted data is not valid JSON: %w", err)
	}

	return files, nil
}
