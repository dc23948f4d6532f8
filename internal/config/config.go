package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Network struct {
		PollIntervalMs     int `yaml:"poll_interval_ms"`
		WSKeepAliveSeconds int `yaml:"ws_keepalive_seconds"`
	} `yaml:"network"`
	Logging struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`
	Server struct {
		Addr                string   `yaml:"addr"`
		Pprof               bool     `yaml:"pprof"`
		ReadTimeoutSeconds  int      `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds int      `yaml:"write_timeout_seconds"`
		IdleTimeoutSeconds  int      `yaml:"idle_timeout_seconds"`
		AdminAllowCIDRs     []string `yaml:"admin_allow_cidrs"`
	} `yaml:"server"`
	Trading struct {
		BaseCurrency       string  `yaml:"base_currency"`
		QuoteCurrency      string  `yaml:"quote_currency"`
		MarkupPct          float64 `yaml:"markup_pct"`
		MinQuoteBalance    float64 `yaml:"min_quote_balance"`
		MinBaseBalance     float64 `yaml:"min_base_balance"`
		MinDestOrderSize   float64 `yaml:"min_dest_order_size"`
		MinSourceOrderSize float64 `yaml:"min_source_order_size"`
	} `yaml:"trading"`
	Exchanges struct {
		Source struct {
			BaseURL string `yaml:"base_url"`
			Market  string `yaml:"market"`
			APIKey  string `yaml:"api_key"`
			Secret  string `yaml:"secret"`
		} `yaml:"source"`
		Dest struct {
			BaseURL   string `yaml:"base_url"`
			Market    string `yaml:"market"`
			AccessKey string `yaml:"access_key"`
			SecretKey string `yaml:"secret_key"`
		} `yaml:"dest"`
	} `yaml:"exchanges"`
}

// Pair returns the destination trading pair in BASE/QUOTE notation.
func (c Config) Pair() string {
	return c.Trading.BaseCurrency + "/" + c.Trading.QuoteCurrency
}

func defaultConfig() Config {
	var c Config
	c.Network.PollIntervalMs = 1000
	c.Network.WSKeepAliveSeconds = 90
	c.Logging.Level = "info"
	c.Logging.Pretty = false
	c.Server.Addr = ":9090"
	c.Server.Pprof = false
	c.Server.ReadTimeoutSeconds = 5
	c.Server.WriteTimeoutSeconds = 10
	c.Server.IdleTimeoutSeconds = 60
	c.Server.AdminAllowCIDRs = []string{"127.0.0.0/8", "::1/128"}
	c.Trading.BaseCurrency = "GBYTE"
	c.Trading.QuoteCurrency = "BTC"
	c.Trading.MarkupPct = 2.0
	c.Trading.MinQuoteBalance = 0.001
	c.Trading.MinBaseBalance = 0.01
	c.Trading.MinDestOrderSize = 0.25
	c.Trading.MinSourceOrderSize = 0.25
	c.Exchanges.Source.BaseURL = "https://api.bittrex.com"
	c.Exchanges.Source.Market = "GBYTE-BTC"
	c.Exchanges.Dest.BaseURL = "https://id-api.upbit.com"
	c.Exchanges.Dest.Market = "BTC-GBYTE"
	return c
}

func Load() Config {
	// credentials usually live in a .env next to the binary
	_ = godotenv.Load()
	c := defaultConfig()
	if path := os.Getenv("MIRROR_CONFIG"); path != "" {
		if b, err := os.ReadFile(path); err == nil {
			_ = yaml.Unmarshal(b, &c)
		}
	}
	if v := os.Getenv("MIRROR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MIRROR_LOG_PRETTY"); v == "1" || v == "true" {
		c.Logging.Pretty = true
	}
	if v := os.Getenv("MIRROR_HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("MIRROR_PPROF"); v == "1" || v == "true" {
		c.Server.Pprof = true
	}
	if v := os.Getenv("MIRROR_ADMIN_ALLOW_CIDRS"); v != "" {
		c.Server.AdminAllowCIDRs = splitCSV(v)
	}
	if v := os.Getenv("MIRROR_MARKUP"); v != "" {
		var f float64
		_, _ = fmt.Sscan(v, &f)
		if f >= 0 {
			c.Trading.MarkupPct = f
		}
	}
	if v := os.Getenv("MIRROR_MIN_QUOTE_BALANCE"); v != "" {
		var f float64
		_, _ = fmt.Sscan(v, &f)
		if f >= 0 {
			c.Trading.MinQuoteBalance = f
		}
	}
	if v := os.Getenv("MIRROR_MIN_BASE_BALANCE"); v != "" {
		var f float64
		_, _ = fmt.Sscan(v, &f)
		if f >= 0 {
			c.Trading.MinBaseBalance = f
		}
	}
	if v := os.Getenv("MIRROR_MIN_DEST_ORDER_SIZE"); v != "" {
		var f float64
		_, _ = fmt.Sscan(v, &f)
		if f > 0 {
			c.Trading.MinDestOrderSize = f
		}
	}
	if v := os.Getenv("MIRROR_MIN_SOURCE_ORDER_SIZE"); v != "" {
		var f float64
		_, _ = fmt.Sscan(v, &f)
		if f > 0 {
			c.Trading.MinSourceOrderSize = f
		}
	}
	if v := os.Getenv("MIRROR_BASE_CURRENCY"); v != "" {
		c.Trading.BaseCurrency = v
	}
	if v := os.Getenv("MIRROR_QUOTE_CURRENCY"); v != "" {
		c.Trading.QuoteCurrency = v
	}
	if v := os.Getenv("MIRROR_SOURCE_MARKET"); v != "" {
		c.Exchanges.Source.Market = v
	}
	if v := os.Getenv("MIRROR_DEST_MARKET"); v != "" {
		c.Exchanges.Dest.Market = v
	}
	if v := os.Getenv("MIRROR_POLL_INTERVAL_MS"); v != "" {
		var n int
		_, _ = fmt.Sscan(v, &n)
		if n > 0 {
			c.Network.PollIntervalMs = n
		}
	}
	// API keys only from env; names kept compatible with the old bot's .env
	if v := os.Getenv("sourceApiKey"); v != "" {
		c.Exchanges.Source.APIKey = v
	}
	if v := os.Getenv("sourceApiSecret"); v != "" {
		c.Exchanges.Source.Secret = v
	}
	if v := os.Getenv("destApiKey"); v != "" {
		c.Exchanges.Dest.AccessKey = v
	}
	if v := os.Getenv("destApiSecret"); v != "" {
		c.Exchanges.Dest.SecretKey = v
	}
	// Allow overriding base URLs via env to switch between regional endpoints easily
	if v := os.Getenv("MIRROR_SOURCE_BASE_URL"); v != "" {
		c.Exchanges.Source.BaseURL = v
	}
	if v := os.Getenv("MIRROR_DEST_BASE_URL"); v != "" {
		c.Exchanges.Dest.BaseURL = v
	}
	return c
}

func splitCSV(s string) []string {
	var out []string
	buf := []rune{}
	for _, r := range s {
		if r == ',' {
			if len(buf) > 0 {
				out = append(out, string(buf))
				buf = buf[:0]
			}
			continue
		}
		buf = append(buf, r)
	}
	if len(buf) > 0 {
		out = append(out, string(buf))
	}
	return out
}
