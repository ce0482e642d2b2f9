package fleetgw

/*------------------------------------------------------------------
 *
 * Purpose:	Runtime configuration.
 *
 * Description: Credentials and upstream endpoints come from the
 *		environment (the deployment keeps them in the service
 *		unit).  The listener table has sensible defaults and can
 *		be overridden from a small YAML file for fleets that
 *		remap ports.
 *
 *------------------------------------------------------------------*/

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoint is one (protocol, transport, port) listening socket.
type Endpoint struct {
	Protocol  string        `yaml:"protocol"`
	Transport string        `yaml:"transport"`
	Port      int           `yaml:"port"`
	// TimeOffset shifts device-local clocks to UTC for protocols
	// whose wire format has no timezone (GPS103).
	TimeOffset time.Duration `yaml:"time_offset"`
}

// DefaultEndpoints is the port map the fleet's trackers are provisioned
// with.
func DefaultEndpoints() []Endpoint {
	return []Endpoint{
		{Protocol: ProtocolGPS103, Transport: "tcp", Port: 6001, TimeOffset: DefaultGPS103TimeOffset},
		{Protocol: ProtocolH02, Transport: "tcp", Port: 6013},
		{Protocol: ProtocolTeltonika, Transport: "tcp", Port: 6027},
		{Protocol: ProtocolTeltonika, Transport: "udp", Port: 6027},
		{Protocol: ProtocolOsmAnd, Transport: "tcp", Port: 6055},
	}
}

// Config is everything the gateway needs to run.
type Config struct {
	// Relational store (traccar schema).
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string

	// Upstream HTTP services.
	TraccarURL    string // credential validation
	AdminURL      string // device metadata, push tokens, support users
	WhatsAppURL   string
	WhatsAppToken string

	// Listening sockets.
	Endpoints   []Endpoint
	HTTPAddr    string // control surface + WebSocket hub
	OsmAndQuiet bool   // suppress the HTTP 200 reply to OsmAnd clients

	// RawLogDir enables raw-frame capture when non-empty.
	RawLogDir string

	// Outbound behavior.
	UpstreamTimeout time.Duration
}

// LoadConfig reads the environment and, when path is non-empty, the
// YAML endpoint override file.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		DBHost:          os.Getenv("DB_HOST_TRACCAR"),
		DBUser:          os.Getenv("DB_USER_TRACCAR"),
		DBPassword:      os.Getenv("DB_PASSWORD_TRACCAR"),
		DBName:          os.Getenv("DB_NAME_TRACCAR"),
		DBPort:          envOr("DB_PORT_TRACCAR", "3306"),
		TraccarURL:      os.Getenv("URL_HOST_TRACCAR"),
		AdminURL:        os.Getenv("URL_HOST_ADMIN_NWPERU"),
		WhatsAppURL:     os.Getenv("URL_HOST_API_WHATSAPP"),
		WhatsAppToken:   os.Getenv("TOKEN_API_WHATSAPP"),
		Endpoints:       DefaultEndpoints(),
		HTTPAddr:        envOr("FLEETGW_HTTP_ADDR", ":7006"),
		RawLogDir:       os.Getenv("FLEETGW_RAWLOG_DIR"),
		UpstreamTimeout: 10 * time.Second,
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		var file struct {
			Endpoints   []Endpoint `yaml:"endpoints"`
			HTTPAddr    string     `yaml:"http_addr"`
			OsmAndQuiet bool       `yaml:"osmand_quiet"`
			RawLogDir   string     `yaml:"raw_log_dir"`
		}
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		if len(file.Endpoints) > 0 {
			cfg.Endpoints = file.Endpoints
		}
		if file.HTTPAddr != "" {
			cfg.HTTPAddr = file.HTTPAddr
		}
		if file.OsmAndQuiet {
			cfg.OsmAndQuiet = true
		}
		if file.RawLogDir != "" {
			cfg.RawLogDir = file.RawLogDir
		}
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	for _, ep := range c.Endpoints {
		if ep.Port <= 0 || ep.Port > 65535 {
			return fmt.Errorf("endpoint %s/%s: bad port %d", ep.Protocol, ep.Transport, ep.Port)
		}
		switch ep.Protocol {
		case ProtocolGPS103, ProtocolH02, ProtocolTeltonika, ProtocolOsmAnd:
		default:
			return fmt.Errorf("endpoint port %d: unknown protocol %q", ep.Port, ep.Protocol)
		}
		switch ep.Transport {
		case "tcp", "udp":
		default:
			return fmt.Errorf("endpoint %s port %d: unknown transport %q", ep.Protocol, ep.Port, ep.Transport)
		}
	}
	return nil
}

// DSN builds the MySQL connection string for the relational store.
func (c Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&loc=UTC",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
