package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// defaultContractAddress is the Verbeth messaging contract this indexer
// watches when CONTRACT_ADDRESS is not set.
const defaultContractAddress = "0x82C9c5475D63e4C9e959280e9066aBb24973a663"

// defaultCreationBlock is the earliest block worth considering when
// CREATION_BLOCK is not set.
const defaultCreationBlock = uint64(37097547)

// Config holds all runtime configuration for the indexer, loaded from
// environment variables per the RPC_WS_URL / CONTRACT_ADDRESS / ... table.
type Config struct {
	RPCWsURL        string
	RPCHTTPURL      string
	ContractAddress common.Address
	CreationBlock   uint64
	DatabasePath    string
	ServerPort      int
	BackfillDays    int
	RetentionDays   int
	RPCChunkSize    uint64
}

// Load reads configuration from the environment. RPC_WS_URL is required;
// every other variable falls back to a documented default.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("contract_address", defaultContractAddress)
	v.SetDefault("creation_block", defaultCreationBlock)
	v.SetDefault("database_path", "./data/indexer.db")
	v.SetDefault("server_port", 3000)
	v.SetDefault("backfill_days", 7)
	v.SetDefault("retention_days", 7)
	v.SetDefault("rpc_chunk_size", 10)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	wsURL := v.GetString("rpc_ws_url")
	if wsURL == "" {
		return Config{}, fmt.Errorf("config: RPC_WS_URL is required")
	}

	httpURL := v.GetString("rpc_http_url")
	if httpURL == "" {
		httpURL = deriveHTTPURL(wsURL)
	}

	addrStr := v.GetString("contract_address")
	if !common.IsHexAddress(addrStr) {
		return Config{}, fmt.Errorf("config: invalid CONTRACT_ADDRESS %q", addrStr)
	}

	return Config{
		RPCWsURL:        wsURL,
		RPCHTTPURL:      httpURL,
		ContractAddress: common.HexToAddress(addrStr),
		CreationBlock:   v.GetUint64("creation_block"),
		DatabasePath:    v.GetString("database_path"),
		ServerPort:      v.GetInt("server_port"),
		BackfillDays:    v.GetInt("backfill_days"),
		RetentionDays:   v.GetInt("retention_days"),
		RPCChunkSize:    v.GetUint64("rpc_chunk_size"),
	}, nil
}

// deriveHTTPURL maps a WebSocket JSON-RPC endpoint to its HTTP counterpart
// when RPC_HTTP_URL is not set explicitly.
func deriveHTTPURL(wsURL string) string {
	switch {
	case strings.HasPrefix(wsURL, "wss://"):
		return "https://" + strings.TrimPrefix(wsURL, "wss://")
	case strings.HasPrefix(wsURL, "ws://"):
		return "http://" + strings.TrimPrefix(wsURL, "ws://")
	default:
		return wsURL
	}
}
