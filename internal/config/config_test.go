package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	cfg.Chain.AnchorAddress = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	return cfg
}

func TestValidateAcceptsDefaultsPlusRequired(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	cfg.Wallet.PrivateKey = ""
	cfg.Chain.AnchorAddress = "not-an-address"
	cfg.Operator.RoundSource = "oracle"
	cfg.Operator.CommitRetries = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "private_key or encrypted_key_path")
	assert.Contains(t, err.Error(), "not-an-address")
	assert.Contains(t, err.Error(), "round_source")
	assert.Contains(t, err.Error(), "commit_retries")
}

func TestValidateOptionalSections(t *testing.T) {
	cfg := validConfig()
	cfg.Redis.Addr = "" // in-process cache, no pool checks
	cfg.Redis.PoolSize = 0
	assert.NoError(t, cfg.Validate())

	cfg = validConfig()
	cfg.S3.Bucket = "anchorhub-rounds"
	cfg.S3.Endpoint = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3: endpoint")

	cfg = validConfig()
	cfg.Wallet.PrivateKey = ""
	cfg.Wallet.EncryptedKeyPath = "/keys/operator.json"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key_password")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[chain]
rpc_url = "http://geth:8545"
chain_id = 137
anchor_address = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

[operator]
poll_interval = "250ms"
commit_retries = 3
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "http://geth:8545", cfg.Chain.RPCURL)
	assert.Equal(t, int64(137), cfg.Chain.ChainID)
	assert.Equal(t, 250*time.Millisecond, cfg.Operator.PollInterval.Duration)
	assert.Equal(t, 3, cfg.Operator.CommitRetries)

	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost", cfg.Postgres.Host)
	assert.Equal(t, "anchorhub:operator", cfg.Operator.LeaseKey)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("ANCHORHUB_CHAIN_RPC_URL", "http://override:8545")
	t.Setenv("ANCHORHUB_CHAIN_ID", "42161")
	t.Setenv("ANCHORHUB_POSTGRES_RUN_MIGRATIONS", "false")
	t.Setenv("ANCHORHUB_OPERATOR_POLL_INTERVAL", "1s")
	t.Setenv("ANCHORHUB_NOTIFY_EVENTS", "halted, round_committed")

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[chain]
rpc_url = "http://file:8545"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://override:8545", cfg.Chain.RPCURL)
	assert.Equal(t, int64(42161), cfg.Chain.ChainID)
	assert.False(t, cfg.Postgres.RunMigrations)
	assert.Equal(t, time.Second, cfg.Operator.PollInterval.Duration)
	assert.Equal(t, []string{"halted", "round_committed"}, cfg.Notify.Events)
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Wallet.KeyPassword = "hunter2"
	cfg.Postgres.Password = "pgpass"
	cfg.Redis.Password = "redispass"
	cfg.S3.SecretKey = "s3secret"
	cfg.Notify.TelegramToken = "tg-token"

	s := fmt.Sprintf("%+v", RedactedConfig(&cfg))
	for _, secret := range []string{cfg.Wallet.PrivateKey, "hunter2", "pgpass", "redispass", "s3secret", "tg-token"} {
		assert.NotContains(t, s, secret)
	}
	assert.Contains(t, s, cfg.Chain.RPCURL)
}
