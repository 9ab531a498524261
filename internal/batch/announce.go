package batch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/etx-iot/etx/internal/broker"
	"github.com/etx-iot/etx/internal/logger"
	"github.com/etx-iot/etx/internal/registry"
)

// RegistrySnapshot is the retained agent announcement body.
type RegistrySnapshot struct {
	AgentID     string                   `json:"agent_id"`
	DeviceCount int                      `json:"device_count"`
	Devices     []registry.SnapshotEntry `json:"devices"`
	Timestamp   string                   `json:"timestamp"`
}

// PublishRegistry publishes the retained registry snapshot for agentID under
// agentTopic. Shared by the periodic announcer and the discover command.
func PublishRegistry(client broker.Client, agentTopic, agentID string, reg *registry.Registry, qos byte) error {
	devices := reg.Snapshot()
	body := RegistrySnapshot{
		AgentID:     agentID,
		DeviceCount: len(devices),
		Devices:     devices,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return client.Publish(agentTopic+"/"+agentID, qos, true, payload)
}

// Announcer periodically publishes the retained registry snapshot.
type Announcer struct {
	Client     broker.Client
	AgentTopic string
	AgentID    string
	Registry   *registry.Registry
	QoS        byte
	Interval   time.Duration
}

func (a *Announcer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := PublishRegistry(a.Client, a.AgentTopic, a.AgentID, a.Registry, a.QoS); err != nil {
				logger.Warn("registry publish failed", "err", err)
			}
		}
	}
}
