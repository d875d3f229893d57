// Package auth loads the API keys that price sources send with each request.
package auth

import (
	"fmt"
	"os"
	"strings"

	"github.com/rickgao/mcap-resolver/internal/api"
)

// APIKey is a credential for one upstream.
type APIKey struct {
	Source string // upstream name, used in errors
	Header string // request header that carries the key
	Value  string
}

// LoadAPIKey resolves a key from an inline value or, when value is empty, from
// the file at path. A missing key is an error: sources that need a key must
// not start without one.
func LoadAPIKey(source, header, value, path string) (*APIKey, error) {
	if header == "" {
		return nil, fmt.Errorf("%s: api key header is required", source)
	}

	key := strings.TrimSpace(value)
	if key == "" && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: read key file: %w", source, err)
		}
		key = strings.TrimSpace(string(data))
	}
	if key == "" {
		return nil, fmt.Errorf("%s: api key is required", source)
	}

	return &APIKey{
		Source: source,
		Header: header,
		Value:  key,
	}, nil
}

// ClientOption returns the api option that attaches the key to requests.
func (k *APIKey) ClientOption() api.ClientOption {
	return api.WithAPIKey(k.Header, k.Value)
}

// Redacted returns the key with all but the last four characters masked.
func (k *APIKey) Redacted() string {
	if len(k.Value) <= 4 {
		return strings.Repeat("*", len(k.Value))
	}
	return strings.Repeat("*", len(k.Value)-4) + k.Value[len(k.Value)-4:]
}

// String implements fmt.Stringer without exposing the key.
func (k *APIKey) String() string {
	return fmt.Sprintf("%s:%s=%s", k.Source, k.Header, k.Redacted())
}
