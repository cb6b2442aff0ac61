package credentials

import (
	"context"
	"fmt"
)

// MapProvider serves credentials supplied inline by a caller -- the
// per-request credentials map the Control API accepts when provisioning an
// agent, as opposed to the platform's own vaulted secrets.
type MapProvider struct {
	values map[string]string
}

// NewMapProvider wraps values as a CredentialProvider.
func NewMapProvider(values map[string]string) *MapProvider {
	return &MapProvider{values: values}
}

func (p *MapProvider) Name() string { return "request" }

func (p *MapProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	v, ok := p.values[key]
	if !ok {
		return nil, fmt.Errorf("credential not found: %s", key)
	}
	return &Credential{Key: key, Value: v, Source: "request"}, nil
}

func (p *MapProvider) ListAvailable(ctx context.Context) ([]string, error) {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	return keys, nil
}
