// Package config loads, validates, and hot-reloads the relayer's JSON
// configuration file. Struct tags drive both defaulting
// (github.com/creasty/defaults) and validation
// (github.com/go-playground/validator/v10).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/creasty/defaults"
	validator "github.com/go-playground/validator/v10"

	"github.com/atomicbridge/htlc-relayer/internal/relayererr"
)

// Environment is the deployment tier.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// NearConfig holds the NEAR-side connection and signing parameters.
type NearConfig struct {
	NetworkID         string `json:"networkId" validate:"required"`
	NodeURL           string `json:"nodeUrl" validate:"required,url"`
	WalletURL         string `json:"walletUrl,omitempty"`
	HelperURL         string `json:"helperUrl,omitempty"`
	ExplorerURL       string `json:"explorerUrl,omitempty"`
	AccountID         string `json:"accountId" validate:"required"`
	PrivateKey        string `json:"privateKey" validate:"required"`
	EscrowContractID  string `json:"escrowContractId" validate:"required"`
	KeyStore          *NearKeyStore `json:"keyStore,omitempty"`
}

// NearKeyStore describes where NEAR signing keys are held.
type NearKeyStore struct {
	Type string `json:"type" validate:"omitempty,oneof=file memory browser"`
	Path string `json:"path,omitempty"`
}

// EthereumNetwork describes the Ethereum RPC endpoint and confirmation
// policy.
type EthereumNetwork struct {
	Name               string `json:"name" validate:"required"`
	RPCURL             string `json:"rpcUrl" validate:"required,url"`
	ChainID            int64  `json:"chainId" validate:"required,gt=0"`
	BlockConfirmations int    `json:"blockConfirmations" validate:"gte=1" default:"12"`
	GasLimit           uint64 `json:"gasLimit,omitempty"`
	GasPrice           string `json:"gasPrice,omitempty"`
}

// EthereumConfig holds the Ethereum-side connection and signing parameters.
type EthereumConfig struct {
	Network                  EthereumNetwork `json:"network" validate:"required"`
	PrivateKey               string          `json:"privateKey" validate:"required,startswith=0x,len=66"`
	EscrowContractAddress    string          `json:"escrowContractAddress" validate:"required,startswith=0x,len=42"`
	BridgeContractAddress    string          `json:"bridgeContractAddress" validate:"required,startswith=0x,len=42"`
	EscrowFactoryAddress     string          `json:"escrowFactoryAddress,omitempty" validate:"omitempty,startswith=0x,len=42"`
	MaxGasPrice              string          `json:"maxGasPrice,omitempty"`
	PriorityFee              string          `json:"priorityFee,omitempty"`
}

// RelayerConfig holds the Work Executor / listener tuning parameters.
type RelayerConfig struct {
	PollingInterval int    `json:"pollingInterval" validate:"gte=1000,lte=60000" default:"5000"`
	MaxRetries      int    `json:"maxRetries" validate:"gte=1,lte=10" default:"3"`
	RetryDelay      int    `json:"retryDelay" validate:"gte=100,lte=10000" default:"1000"`
	BatchSize       int    `json:"batchSize" validate:"gte=1,lte=100" default:"10"`
	StorageDir      string `json:"storageDir" validate:"required"`
	LogLevel        string `json:"logLevel" validate:"omitempty,oneof=error warn info debug" default:"info"`
	EnableMetrics   bool   `json:"enableMetrics" default:"false"`
	MetricsPort     int    `json:"metricsPort" validate:"gte=1000,lte=65535" default:"3001"`
	ConcurrencyLimit int   `json:"concurrencyLimit" validate:"gte=1" default:"4"`
	MaxBlocksPerTick int   `json:"maxBlocksPerTick" validate:"gte=1" default:"1000"`
	MaxReconnectAttempts int `json:"maxReconnectAttempts" validate:"gte=1" default:"5"`
	SafetyMarginSeconds  int64 `json:"safetyMarginSeconds" validate:"gte=0" default:"3600"`
	TimelockDeltaSeconds int64 `json:"timelockDeltaSeconds" validate:"gte=0" default:"1800"`
	RefundGraceSeconds   int64 `json:"refundGraceSeconds" validate:"gte=0" default:"60"`
	ShutdownTimeoutSeconds int `json:"shutdownTimeoutSeconds" validate:"gte=1" default:"30"`

	// RPCTimeoutMS bounds each individual chain-adapter RPC call
	// (get_block_number, get_logs, call_view, ...). ReceiptTimeoutMS bounds
	// how long send_tx waits for a mined, sufficiently-confirmed receipt —
	// a separate, longer deadline since confirmation naturally takes many
	// block intervals. Both yield a retryable error on expiry rather than
	// blocking indefinitely.
	RPCTimeoutMS     int `json:"rpcTimeoutMs" validate:"gte=1000" default:"15000"`
	ReceiptTimeoutMS int `json:"receiptTimeoutMs" validate:"gte=1000" default:"120000"`
}

// RateLimiting bounds request volume.
type RateLimiting struct {
	Enabled               bool `json:"enabled" default:"false"`
	MaxRequestsPerMinute  int  `json:"maxRequestsPerMinute" validate:"omitempty,gte=1,lte=1000"`
	MaxRequestsPerHour    int  `json:"maxRequestsPerHour" validate:"omitempty,gte=1,lte=10000"`
}

// SecurityConfig holds the relayer's security posture knobs.
type SecurityConfig struct {
	EnableTeeValidation  bool          `json:"enableTeeValidation" default:"false"`
	AllowedTeeTypes      []string      `json:"allowedTeeTypes,omitempty"`
	SignatureValidation  bool          `json:"signatureValidation" default:"true"`
	EncryptSecrets       bool          `json:"encryptSecrets" default:"false"`
	SecretEncryptionKey  string        `json:"secretEncryptionKey,omitempty" validate:"omitempty,min=32"`
	RateLimiting         *RateLimiting `json:"rateLimiting,omitempty"`
}

// HealthCheck holds the monitoring.healthCheck settings. They are loaded,
// defaulted and validated; no other component reads them.
type HealthCheck struct {
	Enabled  bool   `json:"enabled" default:"true"`
	Interval string `json:"interval" default:"30s"`
	Timeout  string `json:"timeout" default:"5s"`
}

// Alerts configures optional alert sinks; none are required.
type Alerts struct {
	WebhookURL string `json:"webhookUrl,omitempty"`
	SlackToken string `json:"slackToken,omitempty"`
}

// MonitoringConfig groups health-check and alerting settings.
type MonitoringConfig struct {
	HealthCheck HealthCheck `json:"healthCheck"`
	Alerts      *Alerts     `json:"alerts,omitempty"`
}

// Config is the top-level, fully-validated relayer configuration.
type Config struct {
	Environment Environment      `json:"environment" validate:"omitempty,oneof=development staging production" default:"development"`
	Near        NearConfig       `json:"near" validate:"required"`
	Ethereum    EthereumConfig   `json:"ethereum" validate:"required"`
	Relayer     RelayerConfig    `json:"relayer" validate:"required"`
	Security    SecurityConfig   `json:"security"`
	Monitoring  MonitoringConfig `json:"monitoring"`
}

var validate = validator.New()

// Load reads, env-overlays, defaults, and validates the config file at
// path. Returns a ConfigurationError if validation fails.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &relayererr.ConfigurationError{ConfigKey: path, Reason: err.Error()}
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &relayererr.ConfigurationError{ConfigKey: path, Reason: fmt.Sprintf("malformed JSON: %s", err)}
	}

	applyEnvOverlay(&cfg)

	if err := defaults.Set(&cfg); err != nil {
		return nil, &relayererr.ConfigurationError{ConfigKey: path, Reason: fmt.Sprintf("defaulting failed: %s", err)}
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, &relayererr.ConfigurationError{ConfigKey: path, Reason: err.Error()}
	}

	return &cfg, nil
}

// applyEnvOverlay overlays deployment environment variables on top of
// the file-loaded config. Present variables always win.
func applyEnvOverlay(cfg *Config) {
	strOverlay := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	intOverlay := func(dst *int, key string) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	int64Overlay := func(dst *int64, key string) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}

	strOverlay(&cfg.Near.NetworkID, "NEAR_NETWORK_ID")
	strOverlay(&cfg.Near.NodeURL, "NEAR_NODE_URL")
	strOverlay(&cfg.Near.AccountID, "NEAR_ACCOUNT_ID")
	strOverlay(&cfg.Near.PrivateKey, "NEAR_PRIVATE_KEY")
	strOverlay(&cfg.Near.EscrowContractID, "NEAR_ESCROW_CONTRACT_ID")

	strOverlay(&cfg.Ethereum.Network.RPCURL, "ETHEREUM_RPC_URL")
	int64Overlay(&cfg.Ethereum.Network.ChainID, "ETHEREUM_CHAIN_ID")
	strOverlay(&cfg.Ethereum.PrivateKey, "ETHEREUM_PRIVATE_KEY")
	strOverlay(&cfg.Ethereum.EscrowContractAddress, "ETHEREUM_ESCROW_CONTRACT")
	strOverlay(&cfg.Ethereum.BridgeContractAddress, "ETHEREUM_BRIDGE_CONTRACT")
	strOverlay(&cfg.Ethereum.EscrowFactoryAddress, "ETHEREUM_ESCROW_FACTORY_ADDRESS")

	intOverlay(&cfg.Relayer.PollingInterval, "POLLING_INTERVAL")
	intOverlay(&cfg.Relayer.PollingInterval, "RELAYER_POLL_INTERVAL")
	strOverlay(&cfg.Relayer.StorageDir, "STORAGE_DIR")
	strOverlay(&cfg.Relayer.LogLevel, "LOG_LEVEL")
}
