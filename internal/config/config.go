package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/jellydator/validation"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ClickHouse holds columnar store connection settings.
type ClickHouse struct {
	Addr     []string
	Database string
	Username string
	Password string
}

// Pipeline holds configuration for the index and aggregate commands, merged
// from flags, environment, and config file.
type Pipeline struct {
	RPCURL       string
	Addresses    []string
	FromBlock    uint64
	ToBlock      uint64
	BatchSize    uint64
	PollInterval time.Duration
	ReorgDepth   int
	MaxRetries   int
	RetryBackoff time.Duration

	SchemaFile string
	RawOut     string

	CursorBackend string
	CursorPath    string
	CursorDSN     string
	CursorName    string

	ClickHouse ClickHouse
	LogLevel   string
}

// Validate rejects malformed configuration before any I/O happens.
func (c Pipeline) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.RPCURL, validation.Required),
		validation.Field(&c.Addresses, validation.Required),
		validation.Field(&c.BatchSize, validation.Min(uint64(1))),
		validation.Field(&c.CursorBackend, validation.In("file", "postgres")),
		validation.Field(&c.CursorDSN, validation.Required.When(c.CursorBackend == "postgres")),
	)
}

// LoadPipeline merges config file, environment variables, and flags.
func LoadPipeline(cfgFile string, flags *pflag.FlagSet) (Pipeline, error) {
	v := newViper()

	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("poll-interval", 5*time.Second)
	v.SetDefault("reorg-depth", 64)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("cursor-backend", "file")
	v.SetDefault("cursor", "./data/cursor.json")
	v.SetDefault("cursor-name", "marketscope")
	v.SetDefault("ch-addr", "localhost:9000")
	v.SetDefault("ch-database", "default")
	v.SetDefault("ch-username", "default")
	v.SetDefault("log-level", "info")

	if err := bind(v, cfgFile, flags); err != nil {
		return Pipeline{}, err
	}

	cfg := Pipeline{
		RPCURL:        v.GetString("rpc"),
		Addresses:     getStringSlice(v, "address"),
		FromBlock:     v.GetUint64("from"),
		ToBlock:       v.GetUint64("to"),
		BatchSize:     v.GetUint64("batch-size"),
		PollInterval:  v.GetDuration("poll-interval"),
		ReorgDepth:    v.GetInt("reorg-depth"),
		MaxRetries:    v.GetInt("max-retries"),
		RetryBackoff:  v.GetDuration("retry-backoff"),
		SchemaFile:    v.GetString("schema-file"),
		RawOut:        v.GetString("raw-out"),
		CursorBackend: v.GetString("cursor-backend"),
		CursorPath:    v.GetString("cursor"),
		CursorDSN:     v.GetString("cursor-dsn"),
		CursorName:    v.GetString("cursor-name"),
		ClickHouse: ClickHouse{
			Addr:     getStringSlice(v, "ch-addr"),
			Database: v.GetString("ch-database"),
			Username: v.GetString("ch-username"),
			Password: v.GetString("ch-password"),
		},
		LogLevel: v.GetString("log-level"),
	}

	return cfg, nil
}

// Serve holds configuration for the HTTP API command.
type Serve struct {
	Listen     string
	ClickHouse ClickHouse
	LogLevel   string
}

func (c Serve) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Listen, validation.Required),
	)
}

// LoadServe merges config file, environment variables, and flags.
func LoadServe(cfgFile string, flags *pflag.FlagSet) (Serve, error) {
	v := newViper()

	v.SetDefault("listen", ":8080")
	v.SetDefault("ch-addr", "localhost:9000")
	v.SetDefault("ch-database", "default")
	v.SetDefault("ch-username", "default")
	v.SetDefault("log-level", "info")

	if err := bind(v, cfgFile, flags); err != nil {
		return Serve{}, err
	}

	cfg := Serve{
		Listen: v.GetString("listen"),
		ClickHouse: ClickHouse{
			Addr:     getStringSlice(v, "ch-addr"),
			Database: v.GetString("ch-database"),
			Username: v.GetString("ch-username"),
			Password: v.GetString("ch-password"),
		},
		LogLevel: v.GetString("log-level"),
	}

	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("MARKETSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func bind(v *viper.Viper, cfgFile string, flags *pflag.FlagSet) error {
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		return nil
	}

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
