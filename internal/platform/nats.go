package platform

import (
	"os"

	"github.com/nats-io/nats.go"
)

type NatsConfig struct {
	URL   string
	Token string
	Name  string
}

// NatsConfigFromEnv reads NATS_URL and NATS_TOKEN. An empty URL disables the broadcaster.
func NatsConfigFromEnv() NatsConfig {
	return NatsConfig{
		URL:   os.Getenv("NATS_URL"),
		Token: os.Getenv("NATS_TOKEN"),
		Name:  "service-wallet-go",
	}
}

func ConnectNats(cfg NatsConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	return nats.Connect(cfg.URL, opts...)
}
