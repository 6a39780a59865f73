package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     Server      `mapstructure:"server"`
	Peer       Peer        `mapstructure:"peer"`
	Mesh       Mesh        `mapstructure:"mesh"`
	ICEServers []ICEServer `mapstructure:"ice_servers"`
	LogLevel   string      `mapstructure:"log_level"`
}

// Server configures the relay server.
type Server struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	// PushRate and PushBurst bound writes per client connection.
	PushRate  float64 `mapstructure:"push_rate"`
	PushBurst int     `mapstructure:"push_burst"`
}

// Peer configures the headless participant.
type Peer struct {
	RelayURL    string `mapstructure:"relay_url"`
	Session     string `mapstructure:"session"`
	User        string `mapstructure:"user"`
	DisplayName string `mapstructure:"display_name"`
	Host        bool   `mapstructure:"host"`
	PortMin     uint16 `mapstructure:"port_min"`
	PortMax     uint16 `mapstructure:"port_max"`
}

type Mesh struct {
	OfferGrace         time.Duration `mapstructure:"offer_grace"`
	MaxOfferRequests   int           `mapstructure:"max_offer_requests"`
	ResyncInterval     time.Duration `mapstructure:"resync_interval"`
	CandidateQueueSize int           `mapstructure:"candidate_queue_size"`
	EventBuffer        int           `mapstructure:"event_buffer"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// setDefaults registers every key, including empty ones, so AutomaticEnv
// can override them during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.static_path", "./web")
	v.SetDefault("server.read_limit", 32768)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.push_rate", 50)
	v.SetDefault("server.push_burst", 100)
	v.SetDefault("server.secret", "")

	v.SetDefault("peer.relay_url", "ws://localhost:8080/api/ws/store")
	v.SetDefault("peer.session", "default")
	v.SetDefault("peer.display_name", "headless")
	v.SetDefault("peer.user", "")
	v.SetDefault("peer.host", false)
	v.SetDefault("peer.port_min", 0)
	v.SetDefault("peer.port_max", 0)

	v.SetDefault("mesh.offer_grace", "3s")
	v.SetDefault("mesh.max_offer_requests", 3)
	v.SetDefault("mesh.resync_interval", "30s")
	v.SetDefault("mesh.candidate_queue_size", 50)
	v.SetDefault("mesh.event_buffer", 64)
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("VOICEMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Static: %s\n", cfg.Server.Mode, cfg.Server.Port, cfg.Server.StaticPath)
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Mesh.CandidateQueueSize <= 0 {
		return fmt.Errorf("mesh.candidate_queue_size must be positive, got %d", c.Mesh.CandidateQueueSize)
	}
	if c.Mesh.OfferGrace <= 0 {
		return fmt.Errorf("mesh.offer_grace must be positive, got %s", c.Mesh.OfferGrace)
	}
	if c.Peer.PortMax < c.Peer.PortMin {
		return fmt.Errorf("peer.port_max %d below peer.port_min %d", c.Peer.PortMax, c.Peer.PortMin)
	}
	return nil
}
