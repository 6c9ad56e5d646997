package api

import (
	"crypto/subtle"
	"errors"
	"slices"
	"strings"

	"migranthub/internal/config"
)

const (
	apiKeyHeaderDefault   = "x-api-key"
	apiExtraHeaderDefault = "x-api-extra"
	clientKeyUnknown      = "unknown"

	permReadStatus      = "read:status"
	permReadOperations  = "read:operations"
	permWriteSync       = "write:sync"
	permWriteMutations  = "write:mutations"
	permWriteOperations = "write:operations"
)

var (
	errMissingCredentials = errors.New("missing api key headers")
	errUnknownKey         = errors.New("invalid api key")
	errBadExtra           = errors.New("invalid extra header")
	errPermissionDenied   = errors.New("permission denied")
	errRateLimited        = errors.New("rate limit exceeded")
)

// keyring resolves the configured API clients. Both the HTTP middleware and the
// gRPC interceptor read credentials from their own transport and ask the keyring.
type keyring struct {
	keyHeader   string
	extraHeader string
	clients     map[string]config.APIClientKey
}

func newKeyring(cfg config.APIAuthConfig) *keyring {
	k := &keyring{
		keyHeader:   headerName(cfg.HeaderAPIKey, apiKeyHeaderDefault),
		extraHeader: headerName(cfg.HeaderExtra, apiExtraHeaderDefault),
		clients:     make(map[string]config.APIClientKey, len(cfg.APIKeys)),
	}
	for _, c := range cfg.APIKeys {
		k.clients[c.Key] = c
	}
	return k
}

func headerName(configured, fallback string) string {
	if h := strings.ToLower(strings.TrimSpace(configured)); h != "" {
		return h
	}
	return fallback
}

func (k *keyring) authenticate(key, extra string) (config.APIClientKey, error) {
	if key == "" || extra == "" {
		return config.APIClientKey{}, errMissingCredentials
	}
	client, ok := k.clients[key]
	if !ok {
		return config.APIClientKey{}, errUnknownKey
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return config.APIClientKey{}, errBadExtra
	}
	return client, nil
}

// authorize accepts an empty requirement, and a client with no permissions
// listed may do anything.
func authorize(client config.APIClientKey, required string) error {
	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	if slices.ContainsFunc(client.Permissions, func(p string) bool {
		return strings.TrimSpace(p) == required
	}) {
		return nil
	}
	return errPermissionDenied
}
