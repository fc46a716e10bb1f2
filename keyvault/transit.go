package keyvault

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/kelseyhightower/envconfig"
	zlog "github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"
)

// TransitConfig configures the connection to the Vault transit engine that
// backs the key vault in production deployments.
type TransitConfig struct {
	Address string `envconfig:"OM_VAULT_ADDR" default:"http://127.0.0.1:8200"`
	Token   string `envconfig:"OM_VAULT_TOKEN"`
	Mount   string `envconfig:"OM_VAULT_TRANSIT_MOUNT" default:"transit"`
}

func LoadTransitConfig() (TransitConfig, error) {
	var cfg TransitConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return TransitConfig{}, fmt.Errorf("failed to process transit config: %w", err)
	}
	return cfg, nil
}

// tokenValidityWindow bounds how long a successful token self-lookup is
// trusted before re-checking, to reduce round-trips on the hot path.
const tokenValidityWindow = 30 * time.Second

// TransitVault implements KeyVault against the HashiCorp Vault transit
// secrets engine. KEKs are created as derived aes256-gcm96 keys so every
// transit call carries the derivation context; DEKs come from the datakey
// endpoint and only their wrapped form ever leaves this process.
type TransitVault struct {
	client *api.Client
	mount  string

	mu             sync.Mutex
	tokenCheckedAt time.Time
}

func NewTransitVault(cfg TransitConfig) (*TransitVault, error) {
	apiConfig := api.DefaultConfig()
	apiConfig.Address = cfg.Address
	client, err := api.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	return &TransitVault{client: client, mount: cfg.Mount}, nil
}

var _ KeyVault = (*TransitVault)(nil)

func (v *TransitVault) ensureTokenValid(ctx context.Context) error {
	v.mu.Lock()
	checkedAt := v.tokenCheckedAt
	v.mu.Unlock()
	if time.Since(checkedAt) < tokenValidityWindow {
		return nil
	}

	_, err := v.client.Auth().Token().LookupSelfWithContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: token lookup failed: %v", ErrKVUnavailable, err)
	}

	v.mu.Lock()
	v.tokenCheckedAt = time.Now()
	v.mu.Unlock()
	return nil
}

func (v *TransitVault) CreateUserKey(ctx context.Context) (string, error) {
	if err := v.ensureTokenValid(ctx); err != nil {
		return "", err
	}

	keyId := "user_" + ksuid.New().String()
	path := fmt.Sprintf("%s/keys/%s", v.mount, keyId)
	_, err := v.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"type":    "aes256-gcm96",
		"derived": true,
	})
	if err != nil {
		return "", translateVaultError(err)
	}

	return keyId, nil
}

func (v *TransitVault) Encrypt(ctx context.Context, plaintext []byte, keyId string, derivationContext []byte) (string, error) {
	if err := v.ensureTokenValid(ctx); err != nil {
		return "", err
	}

	path := fmt.Sprintf("%s/datakey/plaintext/%s", v.mount, keyId)
	resp, err := v.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"context": base64.StdEncoding.EncodeToString(derivationContext),
	})
	if err != nil {
		return "", translateVaultError(err)
	}
	if resp == nil {
		return "", fmt.Errorf("%w: nil response from vault, path=%s", ErrKVUnavailable, path)
	}

	dekB64, _ := resp.Data["plaintext"].(string)
	wrappedDek, _ := resp.Data["ciphertext"].(string)
	if dekB64 == "" || wrappedDek == "" {
		return "", fmt.Errorf("%w: malformed datakey response, path=%s", ErrKVUnavailable, path)
	}
	dek, err := base64.StdEncoding.DecodeString(dekB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode datakey plaintext: %w", err)
	}

	keyVersion := 1
	if versionNumber, ok := resp.Data["key_version"].(interface{ Int64() (int64, error) }); ok {
		if version, err := versionNumber.Int64(); err == nil {
			keyVersion = int(version)
		}
	}

	nonce, sealed, err := Seal(dek, plaintext, derivationContext)
	if err != nil {
		return "", err
	}

	return EncodeEnvelope(Envelope{
		KeyVersion: keyVersion,
		Nonce:      nonce,
		Ciphertext: sealed,
		WrappedDEK: []byte(wrappedDek),
	})
}

func (v *TransitVault) Decrypt(ctx context.Context, ciphertext string, keyId string, derivationContext []byte) ([]byte, error) {
	if err := v.ensureTokenValid(ctx); err != nil {
		return nil, err
	}

	envelope, err := DecodeEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}

	// Transit resolves the wrapping key version from the "vault:vN:" prefix
	// of the wrapped DEK, so historical KEK versions keep decrypting.
	path := fmt.Sprintf("%s/decrypt/%s", v.mount, keyId)
	resp, err := v.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"ciphertext": string(envelope.WrappedDEK),
		"context":    base64.StdEncoding.EncodeToString(derivationContext),
	})
	if err != nil {
		return nil, translateVaultError(err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: nil response from vault, path=%s", ErrKVUnavailable, path)
	}

	dekB64, _ := resp.Data["plaintext"].(string)
	dek, err := base64.StdEncoding.DecodeString(dekB64)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	return Open(dek, envelope.Nonce, envelope.Ciphertext, derivationContext)
}

func (v *TransitVault) HMAC(ctx context.Context, plaintext []byte, hmacKeyId string) (string, error) {
	if err := v.ensureTokenValid(ctx); err != nil {
		return "", err
	}

	path := fmt.Sprintf("%s/hmac/%s/sha2-256", v.mount, hmacKeyId)
	resp, err := v.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"input": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return "", translateVaultError(err)
	}
	if resp == nil {
		return "", fmt.Errorf("%w: nil response from vault, path=%s", ErrKVUnavailable, path)
	}

	digest, _ := resp.Data["hmac"].(string)
	if digest == "" {
		return "", fmt.Errorf("%w: malformed hmac response, path=%s", ErrKVUnavailable, path)
	}
	return digest, nil
}

func (v *TransitVault) Verify(ctx context.Context, plaintext []byte, digest string, hmacKeyId string) (bool, error) {
	if err := v.ensureTokenValid(ctx); err != nil {
		return false, err
	}

	// Transit performs the comparison server-side in constant time.
	path := fmt.Sprintf("%s/verify/%s/sha2-256", v.mount, hmacKeyId)
	resp, err := v.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"input": base64.StdEncoding.EncodeToString(plaintext),
		"hmac":  digest,
	})
	if err != nil {
		return false, translateVaultError(err)
	}
	if resp == nil {
		return false, fmt.Errorf("%w: nil response from vault, path=%s", ErrKVUnavailable, path)
	}

	valid, _ := resp.Data["valid"].(bool)
	return valid, nil
}

func translateVaultError(err error) error {
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return ErrKeyNotFound
		case http.StatusBadRequest:
			return ErrInvalidCiphertext
		}
		zlog.Warn().Int("status", respErr.StatusCode).Msg("Unexpected vault response status")
	}
	return fmt.Errorf("%w: %v", ErrKVUnavailable, err)
}
