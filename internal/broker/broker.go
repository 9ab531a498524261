package broker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/etx-iot/etx/internal/logger"
)

// Handler receives one inbound message.
type Handler func(topic string, payload []byte, retained bool)

// Client is the narrow broker surface the pipeline uses. Concrete
// implementation is paho; tests substitute fakes.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(filter string, qos byte, h Handler) error
	Close(quiesce time.Duration)
}

// Options describes one broker connection.
type Options struct {
	Host        string
	Port        int
	ClientID    string
	Username    string
	Password    string
	TLSEnabled  bool
	CACert      string
	ClientCert  string
	ClientKey   string
	TLSInsecure bool
	Keepalive   time.Duration
}

type pahoClient struct {
	c mqtt.Client

	mu   sync.Mutex
	subs map[string]subscription // re-applied after reconnect
}

type subscription struct {
	qos byte
	h   Handler
}

// Connect dials the broker and blocks until connected, retrying failed
// attempts every 2s, for at most 30s. Reconnects afterwards are automatic; subscriptions are restored
// on every reconnect.
func Connect(o Options) (Client, error) {
	pc := &pahoClient{subs: make(map[string]subscription)}

	scheme := "tcp"
	if o.TLSEnabled {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, o.Host, o.Port)).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)
	if o.Keepalive > 0 {
		opts.SetKeepAlive(o.Keepalive)
	} else {
		opts.SetKeepAlive(30 * time.Second)
	}
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	if o.TLSEnabled {
		tc, err := tlsConfig(o)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tc)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("broker connected", "host", o.Host, "port", o.Port, "client_id", o.ClientID)
		pc.resubscribe()
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		logger.Warn("broker connection lost", "err", err)
	})

	pc.c = mqtt.NewClient(opts)
	tok := pc.c.Connect()
	if !tok.WaitTimeout(30 * time.Second) {
		pc.c.Disconnect(0)
		return nil, fmt.Errorf("broker connect %s:%d: timeout", o.Host, o.Port)
	}
	if err := tok.Error(); err != nil {
		pc.c.Disconnect(0)
		return nil, fmt.Errorf("broker connect %s:%d: %w", o.Host, o.Port, err)
	}
	return pc, nil
}

func tlsConfig(o Options) (*tls.Config, error) {
	tc := &tls.Config{InsecureSkipVerify: o.TLSInsecure}
	if o.CACert != "" {
		pem, err := os.ReadFile(o.CACert)
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", o.CACert)
		}
		tc.RootCAs = pool
	}
	if o.ClientCert != "" && o.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(o.ClientCert, o.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

func (p *pahoClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	tok := p.c.Publish(topic, qos, retained, payload)
	if !tok.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	return tok.Error()
}

func (p *pahoClient) Subscribe(filter string, qos byte, h Handler) error {
	p.mu.Lock()
	p.subs[filter] = subscription{qos: qos, h: h}
	p.mu.Unlock()

	tok := p.c.Subscribe(filter, qos, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload(), msg.Retained())
	})
	if !tok.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("subscribe %s: timeout", filter)
	}
	return tok.Error()
}

func (p *pahoClient) resubscribe() {
	p.mu.Lock()
	subs := make(map[string]subscription, len(p.subs))
	for f, s := range p.subs {
		subs[f] = s
	}
	p.mu.Unlock()

	for filter, s := range subs {
		h := s.h
		tok := p.c.Subscribe(filter, s.qos, func(_ mqtt.Client, msg mqtt.Message) {
			h(msg.Topic(), msg.Payload(), msg.Retained())
		})
		if tok.WaitTimeout(10*time.Second) && tok.Error() != nil {
			logger.Warn("resubscribe failed", "filter", filter, "err", tok.Error())
		}
	}
}

func (p *pahoClient) Close(quiesce time.Duration) {
	p.c.Disconnect(uint(quiesce / time.Millisecond))
}
