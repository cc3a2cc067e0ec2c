package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/tileforge/internal/core/config"
)

type TLSConfig struct {
	Enable     bool
	CaFile     string
	SkipVerify bool
}

type SASLConfig struct {
	Enable    bool
	Mechanism string
	Username  string
	Password  string
}

type InvalidationConfig struct {
	Enabled bool

	Brokers []string
	Topic   string
	GroupID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	InitialOldest    bool

	TLS  TLSConfig
	SASL SASLConfig
}

// FromConfig fills the consumer settings the server config does not
// expose with sarama-friendly defaults.
func FromConfig(c config.InvalidationCfg) InvalidationConfig {
	return InvalidationConfig{
		Enabled:          c.Enabled,
		Brokers:          c.Brokers,
		Topic:            c.Topic,
		GroupID:          c.GroupID,
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		InitialOldest:    c.InitialOldest,
		TLS:              TLSConfig{Enable: c.TLS, CaFile: c.TLSCAFile, SkipVerify: c.TLSSkipVerify},
		SASL: SASLConfig{
			Enable:    c.SASLUsername != "",
			Mechanism: c.SASLMechanism,
			Username:  c.SASLUsername,
			Password:  c.SASLPassword,
		},
	}
}

func (c InvalidationConfig) sarama() (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = c.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.RebalanceTimeout
	if c.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	if c.TLS.Enable {
		tc := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.TLS.SkipVerify}
		if c.TLS.CaFile != "" {
			pem, err := os.ReadFile(c.TLS.CaFile)
			if err != nil {
				return nil, fmt.Errorf("read kafka CA: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, errors.New("kafka CA file has no certificates")
			}
			tc.RootCAs = pool
		}
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = tc
	}

	if c.SASL.Enable {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.User = c.SASL.Username
		cfg.Net.SASL.Password = c.SASL.Password
		switch c.SASL.Mechanism {
		case "", sarama.SASLTypePlaintext:
			cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		default:
			return nil, fmt.Errorf("unsupported SASL mechanism %q", c.SASL.Mechanism)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka config: %w", err)
	}
	return cfg, nil
}
