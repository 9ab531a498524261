package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/etx-iot/etx/internal/batch"
	"github.com/etx-iot/etx/internal/broker"
	"github.com/etx-iot/etx/internal/codec"
	"github.com/etx-iot/etx/internal/devtcp"
	"github.com/etx-iot/etx/internal/discovery"
	"github.com/etx-iot/etx/internal/license"
	"github.com/etx-iot/etx/internal/logger"
	"github.com/etx-iot/etx/internal/registry"
)

// Config for the command dispatcher.
type Config struct {
	CmdTopic    string
	ResultTopic string
	AgentTopic  string
	AgentID     string
	QoS         byte
	Discover    discovery.Options
}

// Command is the inbound envelope. Unknown top-level fields are discarded;
// control payload detection inspects the keys of Payload.
type Command struct {
	CommandID   string         `json:"command_id"`
	TargetDN    string         `json:"target_dn"`
	DN          string         `json:"dn"` // alias for target_dn
	IP          string         `json:"ip"`
	TargetIP    string         `json:"target_ip"`
	Port        int            `json:"port"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	RequestedBy string         `json:"requested_by"`

	// Top-level pin shorthand accepted alongside payload.{analog,select}.
	Analog any    `json:"analog"`
	Select any    `json:"select"`
	Model  string `json:"model"`
}

// Result is the outbound envelope published per command.
type Result struct {
	AgentID     string              `json:"agent_id"`
	Timestamp   string              `json:"timestamp"`
	CommandID   string              `json:"command_id"`
	DN          string              `json:"dn,omitempty"`
	IP          string              `json:"ip,omitempty"`
	Status      string              `json:"status"`
	Error       string              `json:"error,omitempty"`
	Payload     any                 `json:"payload,omitempty"`
	Reply       any                 `json:"reply,omitempty"`
	RequestedBy string              `json:"requested_by,omitempty"`
	SourceTopic string              `json:"source_topic,omitempty"`
	Discoveries *[]discovery.Device `json:"discoveries,omitempty"`
	Broadcast   []string            `json:"broadcast,omitempty"`
}

// DeviceSender is the TCP round-trip the dispatcher performs; devtcp.Client
// satisfies it, tests substitute fakes.
type DeviceSender interface {
	Send(ctx context.Context, host string, payload any) (devtcp.Reply, error)
	SendRaw(ctx context.Context, host string, data []byte) (devtcp.Reply, error)
}

// DiscoverFunc runs one discovery sweep; tests substitute fakes.
type DiscoverFunc func(ctx context.Context, o discovery.Options) ([]discovery.Device, []string, error)

// Dispatcher consumes the command topic and executes commands one at a time.
// Per-DN configuration is therefore linearizable; a crash in one command is
// caught, reported, and never takes the worker down.
type Dispatcher struct {
	cfg    Config
	client broker.Client
	reg    *registry.Registry
	tcp    DeviceSender
	signer license.Signer // nil when no key is configured
	hist   *History       // nil disables history

	discover DiscoverFunc
	cmds     chan inbound
}

type inbound struct {
	topic   string
	payload []byte
}

func New(cfg Config, client broker.Client, reg *registry.Registry, tcp DeviceSender, signer license.Signer, hist *History) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		client:   client,
		reg:      reg,
		tcp:      tcp,
		signer:   signer,
		hist:     hist,
		discover: discovery.Discover,
		cmds:     make(chan inbound, 64),
	}
}

// Start subscribes the listener. Commands queue for the worker; overflow is
// dropped with a log line rather than blocking the broker callback.
func (d *Dispatcher) Start() error {
	return d.client.Subscribe(d.cfg.CmdTopic, d.cfg.QoS, func(topic string, payload []byte, retained bool) {
		if retained {
			return
		}
		cp := make([]byte, len(payload))
		copy(cp, payload)
		select {
		case d.cmds <- inbound{topic: topic, payload: cp}:
		default:
			logger.Warn("command queue full, dropping", "topic", topic)
		}
	})
}

// Run is the worker loop.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-d.cmds:
			d.Execute(ctx, in.topic, in.payload)
		}
	}
}

// Execute handles one command end to end and publishes its result.
func (d *Dispatcher) Execute(ctx context.Context, sourceTopic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("command handler panicked", "panic", r)
		}
	}()

	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		res := d.newResult(uuid.NewString(), "", "", sourceTopic)
		d.fail(res, "", "bad_json", err.Error())
		return
	}
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	dn := cmd.TargetDN
	if dn == "" {
		dn = cmd.DN
	}
	if dn != "" && dn != codec.BroadcastDN {
		hex, err := codec.NormalizeDNHex(dn)
		if err != nil {
			res := d.newResult(cmd.CommandID, dn, cmd.RequestedBy, sourceTopic)
			d.fail(res, cmd.Type, "dn_invalid", err.Error())
			return
		}
		dn = hex
	}

	res := d.newResult(cmd.CommandID, dn, cmd.RequestedBy, sourceTopic)

	switch cmd.Type {
	case "discover", "discover_only":
		d.runDiscover(ctx, res, &cmd)
		return
	}

	ip, devices, targets := d.resolveIP(ctx, &cmd, dn)
	if ip == "" {
		if devices == nil {
			devices = []discovery.Device{}
		}
		res.Discoveries = &devices
		res.Broadcast = targets
		d.fail(res, cmd.Type, "ip_unresolved", fmt.Sprintf("no IP for dn %s", dn))
		return
	}
	res.IP = ip
	if cmd.Port > 0 {
		ip = fmt.Sprintf("%s:%d", ip, cmd.Port)
	}

	sendPayload, rawBody, err := d.buildPayload(&cmd, dn)
	if err != nil {
		kind := "command_failed"
		if _, ok := err.(*ValidationError); ok {
			kind = "validation_failed"
		} else if err == errLicenseUnavailable {
			kind = "license_unavailable"
		}
		d.fail(res, cmd.Type, kind, err.Error())
		return
	}
	res.Payload = sendPayload

	var reply devtcp.Reply
	if rawBody != nil {
		reply, err = d.tcp.SendRaw(ctx, ip, rawBody)
	} else {
		reply, err = d.tcp.Send(ctx, ip, sendPayload)
	}
	if err != nil {
		d.fail(res, cmd.Type, "tcp_failed", err.Error())
		return
	}
	res.Status = "ok"
	res.Reply = reply
	d.publish(res, cmd.Type)
}

func (d *Dispatcher) newResult(commandID, dn, requestedBy, sourceTopic string) *Result {
	return &Result{
		AgentID:     d.cfg.AgentID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		CommandID:   commandID,
		DN:          dn,
		RequestedBy: requestedBy,
		SourceTopic: sourceTopic,
	}
}

func (d *Dispatcher) runDiscover(ctx context.Context, res *Result, cmd *Command) {
	devices, targets, err := d.discover(ctx, d.cfg.Discover)
	if err != nil {
		d.fail(res, cmd.Type, "discover_failed", err.Error())
		return
	}
	for _, dev := range devices {
		mac, _ := dev["mac"].(string)
		ip, _ := dev["ip"].(string)
		if ip == "" {
			ip, _ = dev["from"].(string)
		}
		if mac != "" && ip != "" {
			d.reg.Update(mac, ip)
		}
	}
	if err := batch.PublishRegistry(d.client, d.cfg.AgentTopic, d.cfg.AgentID, d.reg, d.cfg.QoS); err != nil {
		logger.Warn("registry publish after discover failed", "err", err)
	}
	res.Status = "ok"
	res.Discoveries = &devices
	res.Broadcast = targets
	res.Reply = map[string]any{"count": len(devices), "items": devices}
	d.publish(res, cmd.Type)
}

// resolveIP walks explicit field → registry → discovery (DN match, then
// single-result fallback).
func (d *Dispatcher) resolveIP(ctx context.Context, cmd *Command, dn string) (string, []discovery.Device, []string) {
	if cmd.IP != "" {
		return cmd.IP, nil, nil
	}
	if cmd.TargetIP != "" {
		return cmd.TargetIP, nil, nil
	}
	if dn != "" && dn != codec.BroadcastDN {
		if ip, ok := d.reg.Resolve(dn); ok {
			return ip, nil, nil
		}
	}
	devices, targets, err := d.discover(ctx, d.cfg.Discover)
	if err != nil {
		logger.Warn("discovery during resolution failed", "err", err)
		return "", nil, nil
	}
	return discovery.MatchDN(dn, devices), devices, targets
}

var errLicenseUnavailable = fmt.Errorf("license signing key not configured")

// controlSections are payload keys that mark a pass-through control command.
var controlSections = []string{"standby", "filter", "calibration", "spiffs", "log"}

// buildPayload maps the command type to the on-wire request. The second
// return carries pre-encoded bytes when the size-validated form must go out
// exactly as built.
func (d *Dispatcher) buildPayload(cmd *Command, dn string) (any, []byte, error) {
	switch cmd.Type {
	case "license", "license_apply":
		token, _ := cmd.Payload["license"].(string)
		if token == "" {
			var err error
			token, err = d.generateToken(cmd, dn)
			if err != nil {
				return nil, nil, err
			}
		}
		return map[string]any{"license": token}, nil, nil
	case "license_query":
		return map[string]any{"license": "?"}, nil, nil
	case "raw", "custom", "control":
		if cmd.Payload == nil {
			return nil, nil, validationErrorf("type %q requires a payload object", cmd.Type)
		}
		return cmd.Payload, nil, nil
	}
	// Untyped commands whose payload carries a control section pass through
	// verbatim too.
	for _, key := range controlSections {
		if _, ok := cmd.Payload[key]; ok {
			return cmd.Payload, nil, nil
		}
	}
	return d.buildConfig(cmd)
}

func (d *Dispatcher) buildConfig(cmd *Command) (any, []byte, error) {
	analogRaw := cmd.Analog
	selectRaw := cmd.Select
	model := cmd.Model
	if cmd.Payload != nil {
		if analogRaw == nil {
			analogRaw = cmd.Payload["analog"]
		}
		if selectRaw == nil {
			selectRaw = cmd.Payload["select"]
		}
		if model == "" {
			model, _ = cmd.Payload["model"].(string)
		}
	}
	analog, err := parsePins(analogRaw)
	if err != nil {
		return nil, nil, err
	}
	sel, err := parsePins(selectRaw)
	if err != nil {
		return nil, nil, err
	}
	if analog == nil || sel == nil {
		return nil, nil, validationErrorf("config requires analog and select pins")
	}
	payload, encoded, err := BuildConfigPayload(analog, sel, model)
	if err != nil {
		return nil, nil, err
	}
	return payload, encoded, nil
}

// generateToken builds a license token locally when the operator supplied
// days/tier instead of a pre-signed token.
func (d *Dispatcher) generateToken(cmd *Command, dn string) (string, error) {
	if d.signer == nil {
		return "", errLicenseUnavailable
	}
	days := 365
	if v, ok := cmd.Payload["days"].(float64); ok && v > 0 {
		days = int(v)
	}
	tierName, _ := cmd.Payload["tier"].(string)
	if tierName == "" {
		tierName = "basic"
	}
	tier, err := license.ParseTier(tierName)
	if err != nil {
		return "", &ValidationError{msg: err.Error()}
	}
	mac := dn
	if v, ok := cmd.Payload["mac"].(string); ok && v != "" {
		mac = v
	}
	if mac == "" || mac == codec.BroadcastDN {
		return "", validationErrorf("license requires a target dn or mac")
	}
	expiry, err := license.Expiry(days)
	if err != nil {
		return "", &ValidationError{msg: err.Error()}
	}
	token, err := license.MakeToken(mac, tier, expiry, d.signer)
	if err != nil {
		return "", err
	}
	if d.hist != nil {
		if err := d.hist.AppendLicense(LicenseEntry{
			Token:      token,
			DeviceCode: mac,
			Tier:       license.TierName(tier),
			Expiry:     expiry.Format(time.RFC3339),
		}); err != nil {
			logger.Warn("license history append failed", "err", err)
		}
	}
	return token, nil
}

func (d *Dispatcher) fail(res *Result, cmdType, code, detail string) {
	res.Status = "error"
	res.Error = code
	if detail != "" {
		res.Reply = map[string]any{"detail": detail}
	}
	d.publish(res, cmdType)
}

func (d *Dispatcher) publish(res *Result, cmdType string) {
	topic := fmt.Sprintf("%s/%s/%s", d.cfg.ResultTopic, d.cfg.AgentID, res.CommandID)
	body, err := json.Marshal(res)
	if err != nil {
		logger.Error("result marshal failed", "err", err)
		return
	}
	if err := d.client.Publish(topic, d.cfg.QoS, false, body); err != nil {
		logger.Warn("result publish failed", "topic", topic, "err", err)
	}
	if d.hist != nil {
		if err := d.hist.Append(res, cmdType); err != nil {
			logger.Warn("history append failed", "err", err)
		}
	}
	logger.Info("command finished", "command_id", res.CommandID, "dn", res.DN, "status", res.Status, "error", res.Error)
}
