package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/velomart/commerce-security-core/internal/domain"
)

// Vault source states reported on the health endpoint. A nil *VaultSource
// reports StateDisabled.
const (
	StateOK       = "ok"
	StateDegraded = "degraded"
	StateDisabled = "disabled"
)

const (
	// tokenRenewInterval is how often the background loop renews the Vault
	// token and re-reads the secret.
	tokenRenewInterval = 30 * time.Minute

	// tokenRenewIncrement is the lease extension requested on each renewal,
	// in seconds. Twice the renewal interval so a single missed cycle does
	// not expire the token.
	tokenRenewIncrement = int(time.Hour / time.Second)
)

// VaultSource reads secrets from a Vault KV v2 engine and keeps the token
// alive. Secrets are applied once at startup; the renewal loop detects
// drift but never hot-applies it.
type VaultSource struct {
	client   *api.Client
	mount    string
	path     string
	interval time.Duration
	logger   *slog.Logger

	degraded atomic.Bool

	mu       sync.Mutex
	lastHash string

	bgWG sync.WaitGroup
}

// NewVaultSource builds a Vault client for the configured address and
// token. It does not contact Vault; the first Fetch does.
func NewVaultSource(cfg VaultConfig, logger *slog.Logger) (*VaultSource, error) {
	if cfg.Addr == "" || cfg.SecretPath == "" {
		return nil, fmt.Errorf("%w: vault.addr and vault.secret_path", domain.ErrConfigRequired)
	}

	client, err := api.NewClient(&api.Config{Address: cfg.Addr})
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(cfg.Token.Expose())

	mount, path := splitSecretPath(cfg.SecretPath)
	return &VaultSource{
		client:   client,
		mount:    mount,
		path:     path,
		interval: tokenRenewInterval,
		logger:   logger,
	}, nil
}

// splitSecretPath splits "secret/commerce-security" into the KV v2 mount
// and the secret path within it. A bare path uses the default mount.
func splitSecretPath(p string) (mount, path string) {
	parts := strings.SplitN(strings.Trim(p, "/"), "/", 2)
	if len(parts) < 2 {
		return "secret", parts[0]
	}
	return parts[0], parts[1]
}

// Fetch reads the secret and returns its string fields keyed by the
// environment variable spelling. Non-string fields are skipped. A changed
// payload since the previous fetch is logged; the running process keeps
// its startup values.
func (s *VaultSource) Fetch(ctx context.Context) (map[string]string, error) {
	secret, err := s.client.KVv2(s.mount).Get(ctx, s.path)
	if err != nil {
		s.degraded.Store(true)
		return nil, fmt.Errorf("read vault secret %s/%s: %w", s.mount, s.path, err)
	}

	secrets := make(map[string]string, len(secret.Data))
	for key, value := range secret.Data {
		if str, ok := value.(string); ok {
			secrets[key] = str
		}
	}
	s.degraded.Store(false)

	next := fingerprint(secrets)
	s.mu.Lock()
	drifted := s.lastHash != "" && s.lastHash != next
	s.lastHash = next
	s.mu.Unlock()
	if drifted {
		s.logger.WarnContext(ctx, "vault secrets changed since startup; restart to apply",
			"path", s.mount+"/"+s.path)
	}

	return secrets, nil
}

// Start launches the renewal loop: every interval the Vault token is
// renewed and the secret re-read. Failures mark the source degraded until
// a cycle succeeds. Call Wait after cancelling ctx.
func (s *VaultSource) Start(ctx context.Context) {
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.renew(ctx)
			}
		}
	}()
}

// renew extends the token lease and re-reads the secret for drift
// detection. Either step failing leaves the source degraded; startup
// values keep serving.
func (s *VaultSource) renew(ctx context.Context) {
	if _, err := s.client.Auth().Token().RenewSelfWithContext(ctx, tokenRenewIncrement); err != nil {
		s.degraded.Store(true)
		s.logger.ErrorContext(ctx, "vault token renewal failed", "error", err)
		return
	}

	if _, err := s.Fetch(ctx); err != nil {
		s.logger.ErrorContext(ctx, "vault secret re-read failed", "error", err)
		return
	}
}

// Wait blocks until the renewal loop has exited.
func (s *VaultSource) Wait() {
	s.bgWG.Wait()
}

// State reports the source health for the health endpoint. Safe on a nil
// receiver so callers need not special-case a disabled Vault.
func (s *VaultSource) State() string {
	if s == nil {
		return StateDisabled
	}
	if s.degraded.Load() {
		return StateDegraded
	}
	return StateOK
}

// fingerprint hashes the secret payload for drift comparison without
// retaining the values.
func fingerprint(secrets map[string]string) string {
	keys := make([]string, 0, len(secrets))
	for k := range secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(secrets[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
