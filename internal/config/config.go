package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	BookingEvents    string `mapstructure:"booking-events"`
	SettlementEvents string `mapstructure:"settlement-events"`
}

type KafkaReader struct {
	GroupID string `mapstructure:"group-id"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
	Reader KafkaReader `mapstructure:"reader"`
}

type AutoRelease struct {
	Enabled bool          `mapstructure:"enabled"`
	Window  time.Duration `mapstructure:"window"`
}

type Settlement struct {
	HoldingWindow        time.Duration `mapstructure:"holding-window"`
	AutoRelease          AutoRelease   `mapstructure:"auto-release"`
	ReleaseInterval      time.Duration `mapstructure:"release-interval"`
	PayoutInterval       time.Duration `mapstructure:"payout-interval"`
	FetchSize            int           `mapstructure:"fetch-size"`
	StaleProcessingAfter time.Duration `mapstructure:"stale-processing-after"`
}

type Payment struct {
	PlatformFeeRate string `mapstructure:"platform-fee-rate"`
	DefaultCurrency string `mapstructure:"default-currency"`
}

// FeeRate parses PlatformFeeRate. Validate has already rejected bad input.
func (p Payment) FeeRate() decimal.Decimal {
	rate, err := decimal.NewFromString(p.PlatformFeeRate)
	if err != nil {
		return decimal.Zero
	}
	return rate
}

type Transfer struct {
	URL       string `mapstructure:"url"`
	APIKey    string `mapstructure:"api-key"`
	TimeoutMs int    `mapstructure:"timeout-ms"`
}

type Outbox struct {
	PollingIntervalMs int `mapstructure:"polling-interval-ms"`
	FetchSize         int `mapstructure:"fetch-size"`
}

type Server struct {
	Port       string `mapstructure:"port"`
	AdminToken string `mapstructure:"admin-token"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL string `mapstructure:"url"`
}

type Config struct {
	Database   Database   `mapstructure:"database"`
	Kafka      Kafka      `mapstructure:"kafka"`
	Settlement Settlement `mapstructure:"settlement"`
	Payment    Payment    `mapstructure:"payment"`
	Transfer   Transfer   `mapstructure:"transfer"`
	Outbox     Outbox     `mapstructure:"outbox"`
	Server     Server     `mapstructure:"server"`
	Metrics    Metrics    `mapstructure:"metrics"`
	Logs       Logs       `mapstructure:"logs"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.ssl-mode", "disable")

	v.SetDefault("kafka.broker.url", "localhost:9092")
	v.SetDefault("kafka.topic.booking-events", "booking-events")
	v.SetDefault("kafka.topic.settlement-events", "settlement-events")
	v.SetDefault("kafka.reader.group-id", "settlement-service")
	v.SetDefault("kafka.writer.batch-size", 100)
	v.SetDefault("kafka.writer.batch-timeout-ms", 100)

	v.SetDefault("settlement.holding-window", 14*24*time.Hour)
	v.SetDefault("settlement.auto-release.enabled", true)
	v.SetDefault("settlement.auto-release.window", 72*time.Hour)
	v.SetDefault("settlement.release-interval", time.Minute)
	v.SetDefault("settlement.payout-interval", time.Hour)
	v.SetDefault("settlement.fetch-size", 100)
	v.SetDefault("settlement.stale-processing-after", 30*time.Minute)

	v.SetDefault("payment.platform-fee-rate", "0.10")
	v.SetDefault("payment.default-currency", "USD")

	v.SetDefault("transfer.url", "http://localhost:8085/always-success")
	v.SetDefault("transfer.api-key", "")
	v.SetDefault("transfer.timeout-ms", 10_000)

	v.SetDefault("outbox.polling-interval-ms", 500)
	v.SetDefault("outbox.fetch-size", 200)

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.admin-token", "")

	v.SetDefault("metrics.url", "")
	v.SetDefault("metrics.interval-ms", 10_000)
	v.SetDefault("metrics.common-labels", "")

	v.SetDefault("logs.url", "")
}

// LoadConfig reads config.yaml from path. Every key can be overridden from
// the environment, e.g. settlement.auto-release.window is read from
// SETTLEMENT_AUTO_RELEASE_WINDOW. A missing file leaves defaults in place.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Host == "" || c.Database.Name == "" {
		return errors.New("database host and name are required")
	}
	if c.Settlement.HoldingWindow < 0 {
		return errors.Errorf("settlement.holding-window must not be negative, got %s", c.Settlement.HoldingWindow)
	}
	if c.Settlement.AutoRelease.Enabled && c.Settlement.AutoRelease.Window <= 0 {
		return errors.Errorf("settlement.auto-release.window must be positive, got %s", c.Settlement.AutoRelease.Window)
	}
	if c.Settlement.ReleaseInterval <= 0 || c.Settlement.PayoutInterval <= 0 {
		return errors.New("settlement intervals must be positive")
	}
	if c.Settlement.FetchSize <= 0 {
		return errors.Errorf("settlement.fetch-size must be positive, got %d", c.Settlement.FetchSize)
	}
	if c.Settlement.StaleProcessingAfter <= 0 {
		return errors.Errorf("settlement.stale-processing-after must be positive, got %s", c.Settlement.StaleProcessingAfter)
	}
	rate, err := decimal.NewFromString(c.Payment.PlatformFeeRate)
	if err != nil {
		return errors.Wrapf(err, "payment.platform-fee-rate %q", c.Payment.PlatformFeeRate)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return errors.Errorf("payment.platform-fee-rate must be in [0, 1), got %s", rate)
	}
	if c.Transfer.URL == "" {
		return errors.New("transfer.url is required")
	}
	if c.Transfer.TimeoutMs <= 0 {
		return errors.Errorf("transfer.timeout-ms must be positive, got %d", c.Transfer.TimeoutMs)
	}
	// A claim must not be reclaimed while its transfer can still be in flight.
	if timeout := time.Duration(c.Transfer.TimeoutMs) * time.Millisecond; timeout >= c.Settlement.StaleProcessingAfter {
		return errors.Errorf("transfer.timeout-ms (%s) must be shorter than settlement.stale-processing-after (%s)",
			timeout, c.Settlement.StaleProcessingAfter)
	}
	return nil
}
