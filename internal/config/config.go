package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Addresses of the mainnet deployment the interface was built against.
const (
	DefaultPaymentContract = "0x6B061bAe16E702c76C0D0537c8bf1928F2D7D2ec"
	DefaultRewardToken     = "0xE66b3AA360bB78468c00Bebe163630269DB3324F"
	DefaultUSDC            = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	DefaultUSDT            = "0xdAC17F958D2ee523a2206206994597C13D831ec7"

	// DefaultTokenDecimals is used when a token does not answer decimals().
	DefaultTokenDecimals = 6
	// DefaultRewardDecimals matches the 18-decimal MTO reward token.
	DefaultRewardDecimals = 18
)

// ContractAddresses lists the fixed contracts the orchestrator binds to.
type ContractAddresses struct {
	MerchantProtocol string `json:"merchantProtocol" yaml:"merchantProtocol"`
	RewardToken      string `json:"rewardToken" yaml:"rewardToken"`
}

// DeploymentConfig represents deployments.json (or .yaml).
type DeploymentConfig struct {
	Network         string            `json:"network" yaml:"network"`
	ChainID         int64             `json:"chainId" yaml:"chainId"`
	Contracts       ContractAddresses `json:"contracts" yaml:"contracts"`
	Tokens          map[string]string `json:"tokens" yaml:"tokens"`
	RewardSymbol    string            `json:"rewardSymbol" yaml:"rewardSymbol"`
	DefaultDecimals uint8             `json:"defaultDecimals" yaml:"defaultDecimals"`
	RewardDecimals  uint8             `json:"rewardDecimals" yaml:"rewardDecimals"`
}

// AppConfig ties together deployment info and runtime settings.
type AppConfig struct {
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Wallet     WalletConfig
	Log        LogConfig
}

type ServiceConfig struct {
	HTTPPort            int
	HMACSecret          string
	HMACClockSkew       time.Duration
	IdempotencyWindow   time.Duration
	IdempotencyStore    string
	RateLimitPerMinute  int
	ConfirmPollInterval time.Duration
}

type ChainConfig struct {
	RPCURL              string
	NetworkPollInterval time.Duration
}

// WalletConfig selects the wallet provider. A private key wins over a keystore.
type WalletConfig struct {
	PrivateKey  string
	KeystoreDir string
	Account     string
	Passphrase  string
}

type LogConfig struct {
	Level string
	File  string
}

const defaultRPCURL = "http://127.0.0.1:8545"

// Defaults returns the deployment compiled into the binary.
func Defaults() DeploymentConfig {
	return DeploymentConfig{
		Network: "mainnet",
		ChainID: 1,
		Contracts: ContractAddresses{
			MerchantProtocol: DefaultPaymentContract,
			RewardToken:      DefaultRewardToken,
		},
		Tokens: map[string]string{
			"USDC": DefaultUSDC,
			"USDT": DefaultUSDT,
		},
		RewardSymbol:    "MTO",
		DefaultDecimals: DefaultTokenDecimals,
		RewardDecimals:  DefaultRewardDecimals,
	}
}

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	deployment := Defaults()
	if path := envOr("DEPLOYMENTS_PATH", ""); path != "" {
		fileCfg, err := loadDeployments(path)
		if err != nil {
			return nil, fmt.Errorf("load deployments: %w", err)
		}
		deployment = merge(deployment, *fileCfg)
	}
	if err := deployment.Validate(); err != nil {
		return nil, fmt.Errorf("deployments: %w", err)
	}

	serviceCfg := ServiceConfig{
		HTTPPort:            envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:          envOr("API_HMAC_SECRET", ""),
		HMACClockSkew:       time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:   time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 86400)) * time.Second,
		IdempotencyStore:    envOr("IDEMPOTENCY_STORE", "file:"+filepath.Join(os.TempDir(), "merchantrails-idem.json")),
		RateLimitPerMinute:  envOrInt("RATE_LIMIT_PER_MINUTE", 30),
		ConfirmPollInterval: time.Duration(envOrInt("CONFIRM_POLL_MS", 2000)) * time.Millisecond,
	}

	chainCfg := ChainConfig{
		RPCURL:              envOr("CHAIN_RPC_URL", defaultRPCURL),
		NetworkPollInterval: time.Duration(envOrInt("NETWORK_POLL_MS", 15000)) * time.Millisecond,
	}

	walletCfg := WalletConfig{
		PrivateKey:  envOr("CHAIN_PRIVATE_KEY", ""),
		KeystoreDir: envOr("WALLET_KEYSTORE_DIR", ""),
		Account:     envOr("WALLET_ACCOUNT", ""),
		Passphrase:  envOr("WALLET_PASSPHRASE", ""),
	}

	logCfg := LogConfig{
		Level: envOr("LOG_LEVEL", "info"),
		File:  envOr("LOG_FILE", ""),
	}

	return &AppConfig{
		Deployment: deployment,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Wallet:     walletCfg,
		Log:        logCfg,
	}, nil
}

// Validate checks that every configured address is usable.
func (d DeploymentConfig) Validate() error {
	if !common.IsHexAddress(d.Contracts.MerchantProtocol) {
		return fmt.Errorf("invalid merchant protocol address %q", d.Contracts.MerchantProtocol)
	}
	if !common.IsHexAddress(d.Contracts.RewardToken) {
		return fmt.Errorf("invalid reward token address %q", d.Contracts.RewardToken)
	}
	if len(d.Tokens) == 0 {
		return errors.New("at least one payment token is required")
	}
	for symbol, addr := range d.Tokens {
		if strings.TrimSpace(symbol) == "" {
			return errors.New("empty token symbol")
		}
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("invalid address %q for token %s", addr, symbol)
		}
	}
	return nil
}

// TokenAddresses returns the supported payment tokens keyed by upper-case symbol.
func (d DeploymentConfig) TokenAddresses() map[string]common.Address {
	out := make(map[string]common.Address, len(d.Tokens))
	for symbol, addr := range d.Tokens {
		out[strings.ToUpper(strings.TrimSpace(symbol))] = common.HexToAddress(addr)
	}
	return out
}

// TokenSymbols lists the supported payment tokens in a stable order.
func (d DeploymentConfig) TokenSymbols() []string {
	out := make([]string, 0, len(d.Tokens))
	for symbol := range d.TokenAddresses() {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

func merge(base, override DeploymentConfig) DeploymentConfig {
	if override.Network != "" {
		base.Network = override.Network
	}
	if override.ChainID != 0 {
		base.ChainID = override.ChainID
	}
	if override.Contracts.MerchantProtocol != "" {
		base.Contracts.MerchantProtocol = override.Contracts.MerchantProtocol
	}
	if override.Contracts.RewardToken != "" {
		base.Contracts.RewardToken = override.Contracts.RewardToken
	}
	if len(override.Tokens) > 0 {
		base.Tokens = override.Tokens
	}
	if override.RewardSymbol != "" {
		base.RewardSymbol = override.RewardSymbol
	}
	if override.DefaultDecimals != 0 {
		base.DefaultDecimals = override.DefaultDecimals
	}
	if override.RewardDecimals != 0 {
		base.RewardDecimals = override.RewardDecimals
	}
	return base
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
