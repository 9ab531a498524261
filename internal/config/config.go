package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized option for the etx pipeline binaries.
// Resolution order: built-in defaults, then the YAML config file, then
// environment variables.
type Config struct {
	// Logging
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file,omitempty"`

	// UDP ingress
	UDPListenPort int    `yaml:"udp_listen_port"`
	UDPBufBytes   int    `yaml:"udp_buf_bytes"`
	SORcvbufBytes int    `yaml:"so_rcvbuf_bytes"`
	ForwardAddr   string `yaml:"forward_addr,omitempty"` // mirror every datagram here (debugging)

	// Ingress queue / batcher
	QueueSize      int    `yaml:"queue_size"`
	DropPolicy     string `yaml:"drop_policy"` // drop_oldest | drop_new
	BatchMaxItems  int    `yaml:"batch_max_items"`
	BatchMaxMS     int    `yaml:"batch_max_ms"`
	BatchSeparator string `yaml:"batch_separator"` // NONE | NL

	// Broker
	BrokerHost  string `yaml:"broker_host"`
	BrokerPort  int    `yaml:"broker_port"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TLSEnabled  bool   `yaml:"tls_enabled"`
	CACert      string `yaml:"ca_cert,omitempty"`
	ClientCert  string `yaml:"client_cert,omitempty"`
	ClientKey   string `yaml:"client_key,omitempty"`
	TLSInsecure bool   `yaml:"tls_insecure"`

	// Publish topology
	TopicRaw          string `yaml:"topic_raw"`
	TopicParsedPrefix string `yaml:"topic_parsed_prefix"`
	PublishRaw        bool   `yaml:"publish_raw"`
	PublishParsed     bool   `yaml:"publish_parsed"`
	MQTTQoS           int    `yaml:"mqtt_qos"`

	// Control plane
	CmdTopic           string `yaml:"cmd_topic"`
	ResultTopic        string `yaml:"result_topic"`
	AgentTopic         string `yaml:"agent_topic"`
	AgentID            string `yaml:"agent_id"`
	ControlTopic       string `yaml:"control_topic"`
	RegistryTTLSec     int    `yaml:"registry_ttl_sec"`
	RegistryPublishSec int    `yaml:"registry_publish_sec"`
	HistoryDB          string `yaml:"history_db"`
	LicenseKeyPath     string `yaml:"license_key_path,omitempty"`

	// Device TCP client
	DeviceTCPPort    int     `yaml:"device_tcp_port"`
	DeviceTCPTimeout float64 `yaml:"device_tcp_timeout"` // seconds

	// Discovery
	DiscoverPort       int      `yaml:"discover_port"`
	DiscoverMagic      string   `yaml:"discover_magic"`
	DiscoverAttempts   int      `yaml:"discover_attempts"`
	DiscoverGap        float64  `yaml:"discover_gap"`     // seconds
	DiscoverTimeout    float64  `yaml:"discover_timeout"` // seconds
	DiscoverBroadcasts []string `yaml:"discover_broadcasts,omitempty"`

	// GCU handshake
	GCUEnabled         bool   `yaml:"gcu_enabled"`
	GCUSubscribeToken  string `yaml:"gcu_subscribe_token"`
	GCUAckToken        string `yaml:"gcu_ack_token"`
	GCUBroadcastToken  string `yaml:"gcu_broadcast_token"`
	GCUHeartbeatSec    int    `yaml:"gcu_heartbeat_sec"`
	GCUFallbackSec     int    `yaml:"gcu_fallback_sec"`
	GCUBroadcastOnExit bool   `yaml:"gcu_broadcast_on_exit"`

	// Session store
	RootDir        string   `yaml:"root_dir"`
	FlushEveryRows int      `yaml:"flush_every_rows"`
	InactTimeout   float64  `yaml:"inact_timeout_sec"`
	RecordDNs      []string `yaml:"record_dns,omitempty"` // selector preload

	// Sink
	SinkSubTopic string `yaml:"sink_sub_topic"`

	// Inbound JSON field mapping
	FieldDN    string `yaml:"f_dn"`
	FieldSN    string `yaml:"f_sn"`
	FieldTS    string `yaml:"f_ts"`
	FieldTSMS  string `yaml:"f_tsms"`
	FieldPress string `yaml:"f_press"`
	FieldMag   string `yaml:"f_mag"`
	FieldGyro  string `yaml:"f_gyro"`
	FieldAcc   string `yaml:"f_acc"`
	TSUnit     string `yaml:"ts_unit"` // s | ms

	// Bridge
	BridgePort int `yaml:"bridge_port"`

	// Stats
	PrintEveryMS int `yaml:"print_every_ms"`
	MetricsPort  int `yaml:"metrics_port"` // 0 disables the agent /metrics endpoint
}

// Default returns the built-in defaults before file/env overlay.
func Default() *Config {
	return &Config{
		LogLevel: "info",

		UDPListenPort: 13250,
		UDPBufBytes:   65535,
		SORcvbufBytes: 4 << 20,

		QueueSize:      2000,
		DropPolicy:     "drop_oldest",
		BatchMaxItems:  20,
		BatchMaxMS:     200,
		BatchSeparator: "NONE",

		BrokerHost: "127.0.0.1",
		BrokerPort: 1883,
		ClientID:   "etx-agent",

		TopicRaw:          "etx/v1/raw",
		TopicParsedPrefix: "etx/v1/parsed",
		PublishRaw:        false,
		PublishParsed:     true,
		MQTTQoS:           1,

		CmdTopic:           "etx/v1/config/cmd",
		ResultTopic:        "etx/v1/config/result",
		AgentTopic:         "etx/v1/config/agents",
		AgentID:            defaultAgentID(),
		ControlTopic:       "etx/v1/control/record",
		RegistryTTLSec:     300,
		RegistryPublishSec: 5,
		HistoryDB:          "etx-history.db",

		DeviceTCPPort:    22345,
		DeviceTCPTimeout: 10,

		DiscoverPort:     22346,
		DiscoverMagic:    "GCU_DISCOVER",
		DiscoverAttempts: 2,
		DiscoverGap:      0.15,
		DiscoverTimeout:  5,

		GCUEnabled:         true,
		GCUSubscribeToken:  "SUBSCRIBE",
		GCUAckToken:        "ACK",
		GCUBroadcastToken:  "BROADCAST",
		GCUHeartbeatSec:    2,
		GCUFallbackSec:     10,
		GCUBroadcastOnExit: true,

		RootDir:        "./data",
		FlushEveryRows: 200,
		InactTimeout:   10,

		SinkSubTopic: "etx/v1/parsed/#",

		FieldDN:    "dn",
		FieldSN:    "sn",
		FieldTS:    "ts",
		FieldTSMS:  "timems",
		FieldPress: "p",
		FieldMag:   "mag",
		FieldGyro:  "gyro",
		FieldAcc:   "acc",
		TSUnit:     "s",

		BridgePort: 5001,

		PrintEveryMS: 2000,
	}
}

// Load builds the effective config: defaults, overlaid by the YAML file at
// path (a missing file is not an error), overlaid by environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that must not reach the event loop.
func (c *Config) Validate() error {
	if c.BrokerPort == 8883 && !c.TLSEnabled {
		return fmt.Errorf("broker_port 8883 requires tls_enabled")
	}
	if c.TLSEnabled && c.CACert == "" && !c.TLSInsecure {
		return fmt.Errorf("tls_enabled requires ca_cert (or tls_insecure)")
	}
	switch c.DropPolicy {
	case "drop_oldest", "drop_new":
	default:
		return fmt.Errorf("drop_policy must be drop_oldest or drop_new, got %q", c.DropPolicy)
	}
	switch c.BatchSeparator {
	case "NONE", "NL":
	default:
		return fmt.Errorf("batch_separator must be NONE or NL, got %q", c.BatchSeparator)
	}
	switch c.TSUnit {
	case "s", "ms":
	default:
		return fmt.Errorf("ts_unit must be s or ms, got %q", c.TSUnit)
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return fmt.Errorf("mqtt_qos must be 0..2, got %d", c.MQTTQoS)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be positive")
	}
	if c.GCUEnabled {
		if c.GCUHeartbeatSec < 1 {
			return fmt.Errorf("gcu_heartbeat_sec must be >= 1")
		}
		if c.GCUFallbackSec <= c.GCUHeartbeatSec {
			return fmt.Errorf("gcu_fallback_sec must exceed gcu_heartbeat_sec")
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	envStr(&c.LogLevel, "LOG_LEVEL")
	envStr(&c.LogFile, "LOG_FILE")

	envInt(&c.UDPListenPort, "UDP_LISTEN_PORT")
	envInt(&c.UDPBufBytes, "UDP_BUF_BYTES")
	envInt(&c.SORcvbufBytes, "SO_RCVBUF_BYTES")
	envStr(&c.ForwardAddr, "FORWARD_ADDR")

	envInt(&c.QueueSize, "BRIDGE_QUEUE_SIZE")
	envStr(&c.DropPolicy, "DROP_POLICY")
	envInt(&c.BatchMaxItems, "BATCH_MAX_ITEMS")
	envInt(&c.BatchMaxMS, "BATCH_MAX_MS")
	envStr(&c.BatchSeparator, "BATCH_SEPARATOR")

	envStr(&c.BrokerHost, "MQTT_BROKER_HOST")
	envInt(&c.BrokerPort, "MQTT_BROKER_PORT")
	envStr(&c.ClientID, "CLIENT_ID")
	envStr(&c.Username, "USERNAME")
	envStr(&c.Password, "PASSWORD")
	envBool(&c.TLSEnabled, "TLS_ENABLED")
	envStr(&c.CACert, "CA_CERT")
	envStr(&c.ClientCert, "CLIENT_CERT")
	envStr(&c.ClientKey, "CLIENT_KEY")
	envBool(&c.TLSInsecure, "TLS_INSECURE")

	envStr(&c.TopicRaw, "TOPIC_RAW")
	envStr(&c.TopicParsedPrefix, "TOPIC_PARSED_PREFIX")
	envBool(&c.PublishRaw, "PUBLISH_RAW")
	envBool(&c.PublishParsed, "PUBLISH_PARSED")
	envInt(&c.MQTTQoS, "MQTT_QOS")

	envStr(&c.CmdTopic, "CONFIG_CMD_TOPIC")
	envStr(&c.ResultTopic, "CONFIG_RESULT_TOPIC")
	envStr(&c.AgentTopic, "CONFIG_AGENT_TOPIC")
	envStr(&c.AgentID, "CONFIG_AGENT_ID")
	envStr(&c.ControlTopic, "CONTROL_TOPIC")
	envInt(&c.RegistryTTLSec, "REGISTRY_TTL")
	envInt(&c.RegistryPublishSec, "REGISTRY_PUBLISH_SEC")
	envStr(&c.HistoryDB, "HISTORY_DB")
	envStr(&c.LicenseKeyPath, "LICENSE_KEY_PATH")

	envInt(&c.DeviceTCPPort, "DEVICE_TCP_PORT")
	envFloat(&c.DeviceTCPTimeout, "DEVICE_TCP_TIMEOUT")

	envInt(&c.DiscoverPort, "DISCOVER_PORT")
	envStr(&c.DiscoverMagic, "DISCOVER_MAGIC")
	envInt(&c.DiscoverAttempts, "DISCOVER_ATTEMPTS")
	envFloat(&c.DiscoverGap, "DISCOVER_GAP")
	envFloat(&c.DiscoverTimeout, "DISCOVER_TIMEOUT")
	envList(&c.DiscoverBroadcasts, "DISCOVER_BROADCASTS")

	envBool(&c.GCUEnabled, "GCU_ENABLED")
	envStr(&c.GCUSubscribeToken, "GCU_SUBSCRIBE_TOKEN")
	envStr(&c.GCUAckToken, "GCU_ACK_TOKEN")
	envStr(&c.GCUBroadcastToken, "GCU_BROADCAST_TOKEN")
	envInt(&c.GCUHeartbeatSec, "GCU_HEARTBEAT_SEC")
	envInt(&c.GCUFallbackSec, "GCU_FALLBACK_SEC")
	envBool(&c.GCUBroadcastOnExit, "GCU_BROADCAST_ON_EXIT")

	envStr(&c.RootDir, "ROOT_DIR")
	envInt(&c.FlushEveryRows, "FLUSH_EVERY_ROWS")
	envFloat(&c.InactTimeout, "INACT_TIMEOUT_SEC")
	envList(&c.RecordDNs, "RECORD_DNS")

	envStr(&c.SinkSubTopic, "SINK_SUB_TOPIC")

	envStr(&c.FieldDN, "F_DN")
	envStr(&c.FieldSN, "F_SN")
	envStr(&c.FieldTS, "F_TS")
	envStr(&c.FieldTSMS, "F_TSMS")
	envStr(&c.FieldPress, "F_PRESS")
	envStr(&c.FieldMag, "F_MAG")
	envStr(&c.FieldGyro, "F_GYRO")
	envStr(&c.FieldAcc, "F_ACC")
	envStr(&c.TSUnit, "TS_UNIT")

	envInt(&c.BridgePort, "BRIDGE_PORT")
	envInt(&c.PrintEveryMS, "PRINT_EVERY_MS")
	envInt(&c.MetricsPort, "METRICS_PORT")
}

func defaultAgentID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "etx-agent"
	}
	return "etx-" + strings.ToLower(host)
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

func envList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}
