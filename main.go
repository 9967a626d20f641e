package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go-passport-reader/logging"
	"go-passport-reader/metrics"
	"go-passport-reader/reader"
	redis "go-passport-reader/redis"
	"go-passport-reader/session"
)

type Config struct {
	ServerConfig ServerConfig `json:"server_config"`
	LogLevel     string       `json:"log_level,omitempty"`

	// Empty selects the master list bundled with gmrtd.
	MasterListUrl         string `json:"master_list_url,omitempty"`
	ScanTimeoutSeconds    int    `json:"scan_timeout_seconds,omitempty"`
	PresentPassportPrompt string `json:"present_passport_prompt,omitempty"`
	ExportDir             string `json:"export_dir,omitempty"`

	// Hand-off is disabled when no key is configured.
	JwtPrivateKeyPath string `json:"jwt_private_key_path,omitempty"`
	IrmaServerUrl     string `json:"irma_server_url,omitempty"`
	IssuerId          string `json:"issuer_id,omitempty"`
	FullCredential    string `json:"full_credential,omitempty"`
	SdJwtBatchSize    uint   `json:"sd_jwt_batch_size,omitempty"`

	StorageType         string                    `json:"storage_type"`
	RedisConfig         redis.RedisConfig         `json:"redis_config,omitempty"`
	RedisSentinelConfig redis.RedisSentinelConfig `json:"redis_sentinel_config,omitempty"`
}

func main() {
	configPath := flag.String("config", "", "Path for the config.json to use")
	flag.Parse()

	if *configPath == "" {
		fatal("please provide a config path using the --config flag", nil)
	}

	config, err := readConfigFile(*configPath)
	if err != nil {
		fatal("failed to read config file", err)
	}

	logging.InitLogger(config.LogLevel)
	slog.Info("using config", "path", *configPath)
	slog.Info("hosting", "host", config.ServerConfig.Host, "port", config.ServerConfig.Port)

	shareStorage, err := createShareStorage(&config)
	if err != nil {
		fatal("failed to instantiate share storage", err)
	}

	jwtCreator, err := createJwtCreator(&config)
	if err != nil {
		fatal("failed to instantiate jwt creator", err)
	}

	chipReader := reader.NewChipReader()
	// load the trust anchors up front so a broken master list fails at startup
	if err := chipReader.SetMasterListURL(config.MasterListUrl); err != nil {
		fatal("failed to load master list", err)
	}

	logs := logging.Capture()
	controller := session.NewController(chipReader, logs, session.Config{
		MasterListURL:         config.MasterListUrl,
		ScanTimeout:           time.Duration(config.ScanTimeoutSeconds) * time.Second,
		PresentPassportPrompt: config.PresentPassportPrompt,
	}, metrics.NewSessionObserver())

	serverState := ServerState{
		controller:    controller,
		receiver:      chipReader,
		logs:          logs,
		shareStorage:  shareStorage,
		jwtCreator:    jwtCreator,
		irmaServerURL: config.IrmaServerUrl,
		exportDir:     config.ExportDir,
	}

	server, err := NewServer(&serverState, config.ServerConfig)
	if err != nil {
		fatal("failed to create server", err)
	}

	err = server.ListenAndServe()
	if err != nil {
		fatal("failed to listen and serve", err)
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func readConfigFile(path string) (Config, error) {
	configBytes, err := os.ReadFile(path)

	if err != nil {
		return Config{}, err
	}

	var config Config
	err = json.Unmarshal(configBytes, &config)

	if err != nil {
		return Config{}, err
	}

	return config, nil
}

// createJwtCreator returns nil when hand-off is not configured.
func createJwtCreator(config *Config) (JwtCreator, error) {
	if config.JwtPrivateKeyPath == "" {
		slog.Info("No jwt private key configured, hand-off is disabled")
		return nil, nil
	}
	jc, err := NewIrmaJwtCreator(
		config.JwtPrivateKeyPath,
		config.IssuerId,
		config.FullCredential,
		config.SdJwtBatchSize,
	)
	if err != nil {
		return nil, err
	}
	return jc, nil
}

func createShareStorage(config *Config) (ShareStorage, error) {
	if config.StorageType == "redis" {
		slog.Info("Using redis share storage")
		client, err := redis.NewRedisClient(&config.RedisConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisShareStorage(client, config.RedisConfig.Namespace), nil
	}
	if config.StorageType == "redis_sentinel" {
		slog.Info("Using redis sentinel share storage")
		client, err := redis.NewRedisSentinelClient(&config.RedisSentinelConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisShareStorage(client, config.RedisSentinelConfig.Namespace), nil
	}
	if config.StorageType == "memory" || config.StorageType == "" {
		slog.Info("Using in memory share storage")
		return NewInMemoryShareStorage(), nil
	}
	return nil, fmt.Errorf("%v is not a valid storage type", config.StorageType)
}
