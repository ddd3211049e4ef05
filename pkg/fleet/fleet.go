// Package fleet describes the read-only configuration snapshot the scheduler
// consults: which pool serves each agent type of a stream, which nodes are
// paused, and how many agents each pool has.
package fleet

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Snapshot is an immutable view of stream and pool configuration.
type Snapshot struct {
	Streams []Stream `yaml:"streams" mapstructure:"streams"`
	Pools   []Pool   `yaml:"pools" mapstructure:"pools"`
}

// Stream maps agent types to pools and records paused nodes.
type Stream struct {
	ID         string            `yaml:"id" mapstructure:"id"`
	AgentTypes map[string]string `yaml:"agentTypes" mapstructure:"agentTypes"`
	// PausedNodes maps a node name to the user that paused it.
	PausedNodes map[string]string `yaml:"pausedNodes" mapstructure:"pausedNodes"`
}

// Pool describes a set of interchangeable agents.
type Pool struct {
	ID                string             `yaml:"id" mapstructure:"id"`
	AgentCount        int                `yaml:"agentCount" mapstructure:"agentCount"`
	OnlineCount       int                `yaml:"onlineCount" mapstructure:"onlineCount"`
	EnableAutoscaling bool               `yaml:"enableAutoscaling" mapstructure:"enableAutoscaling"`
	SizeStrategies    []PoolSizeStrategy `yaml:"sizeStrategies" mapstructure:"sizeStrategies"`
}

// PoolSizeStrategy is stored and returned opaquely. The condition expression
// and settings are interpreted by the autoscaler, not by the scheduler.
type PoolSizeStrategy struct {
	Type      string                 `yaml:"type" mapstructure:"type"`
	Condition string                 `yaml:"condition" mapstructure:"condition"`
	Settings  map[string]interface{} `yaml:"settings" mapstructure:"settings"`
}

// DecodeSettings decodes the free-form settings into out.
func (s PoolSizeStrategy) DecodeSettings(out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(s.Settings); err != nil {
		return fmt.Errorf("decoding %s strategy settings: %w", s.Type, err)
	}
	return nil
}

// FromMap decodes a snapshot from a generic map, as produced by YAML or JSON
// decoders and by viper sub-trees.
func FromMap(m map[string]interface{}) (*Snapshot, error) {
	var s Snapshot
	if err := mapstructure.Decode(m, &s); err != nil {
		return nil, fmt.Errorf("decoding fleet snapshot: %w", err)
	}
	return &s, nil
}

// Stream returns the stream with the given id.
func (s *Snapshot) Stream(id string) (*Stream, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.Streams {
		if s.Streams[i].ID == id {
			return &s.Streams[i], true
		}
	}
	return nil, false
}

// Pool returns the pool with the given id.
func (s *Snapshot) Pool(id string) (*Pool, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.Pools {
		if s.Pools[i].ID == id {
			return &s.Pools[i], true
		}
	}
	return nil, false
}

// PoolForAgentType resolves the pool serving an agent type in a stream.
func (st *Stream) PoolForAgentType(agentType string) (string, bool) {
	if st == nil {
		return "", false
	}
	pool, ok := st.AgentTypes[agentType]
	return pool, ok && pool != ""
}

// IsPaused reports whether a node has been paused, and by whom.
func (st *Stream) IsPaused(nodeName string) (string, bool) {
	if st == nil {
		return "", false
	}
	user, ok := st.PausedNodes[nodeName]
	return user, ok
}

// HasNoAgents reports whether the pool has no agents and cannot gain any.
func (p *Pool) HasNoAgents() bool {
	return p.AgentCount == 0 && !p.EnableAutoscaling
}

// HasAgentsOnline reports whether at least one agent is currently online.
func (p *Pool) HasAgentsOnline() bool {
	return p.OnlineCount > 0
}
