package config

import (
	"fmt"
	"strings"
)

// InvalidField describes one rejected configuration value.
type InvalidField struct {
	Key    string
	Value  any
	Reason string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	InvalidFields []InvalidField
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.InvalidFields) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, f := range e.InvalidFields {
		sb.WriteString(fmt.Sprintf("  - %s=%v: %s\n", f.Key, f.Value, f.Reason))
	}
	return sb.String()
}

func (e *ValidationErrors) add(key string, value any, reason string) {
	e.InvalidFields = append(e.InvalidFields, InvalidField{Key: key, Value: value, Reason: reason})
}

var lostContextPolicies = map[string]bool{
	"continue": true,
	"lose_all": true,
	"exit":     true,
}

var notifyPriorities = map[string]bool{
	"min": true, "low": true, "default": true, "high": true, "urgent": true,
}

var probeSubprotocols = map[string]bool{
	"binary.gpuchannel.v1": true,
	"json.gpuchannel.v1":   true,
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if c.Server.Addr == "" {
		errs.add("server.addr", c.Server.Addr, "must not be empty")
	}

	if c.Transport.CompressThreshold < 0 {
		errs.add("transport.compress_threshold", c.Transport.CompressThreshold, "must be >= 0")
	}
	if c.Transport.SendBufferSize < 1 {
		errs.add("transport.send_buffer_size", c.Transport.SendBufferSize, "must be >= 1")
	}
	if c.Transport.MaxMessageSize < 1024 {
		errs.add("transport.max_message_size", c.Transport.MaxMessageSize, "must be >= 1024")
	}

	p := c.Preemption
	if p.WaitBeforePreempt <= 0 {
		errs.add("preemption.wait_before_preempt", p.WaitBeforePreempt, "must be positive")
	}
	if p.MaxPreemptTime <= 0 {
		errs.add("preemption.max_preempt_time", p.MaxPreemptTime, "must be positive")
	}
	if p.StopPreemptThreshold <= 0 {
		errs.add("preemption.stop_preempt_threshold", p.StopPreemptThreshold, "must be positive")
	}
	if p.StopPreemptThreshold > p.WaitBeforePreempt {
		errs.add("preemption.stop_preempt_threshold", p.StopPreemptThreshold, "must not exceed wait_before_preempt")
	}

	if c.Channel.EstablishRate <= 0 {
		errs.add("channel.establish_rate", c.Channel.EstablishRate, "must be positive")
	}
	if c.Channel.EstablishBurst < 1 {
		errs.add("channel.establish_burst", c.Channel.EstablishBurst, "must be >= 1")
	}

	if c.Executor.CommandsPerFlush < 0 {
		errs.add("executor.commands_per_flush", c.Executor.CommandsPerFlush, "must be >= 0")
	}
	if c.Executor.MaxPendingCommands < 0 {
		errs.add("executor.max_pending_commands", c.Executor.MaxPendingCommands, "must be >= 0")
	}
	if c.Executor.MaxContexts < 0 {
		errs.add("executor.max_contexts", c.Executor.MaxContexts, "must be >= 0")
	}
	if !lostContextPolicies[c.Executor.LostContextPolicy] {
		errs.add("executor.lost_context_policy", c.Executor.LostContextPolicy, "must be one of continue, lose_all, exit")
	}

	if c.Status.Enabled && c.Status.Interval <= 0 {
		errs.add("status.interval", c.Status.Interval, "must be positive when status is enabled")
	}

	if c.Notify.Enabled {
		if c.Notify.Topic == "" {
			errs.add("notify.topic", c.Notify.Topic, "is required when notify is enabled")
		}
		if !notifyPriorities[c.Notify.Priority] {
			errs.add("notify.priority", c.Notify.Priority, "must be one of min, low, default, high, urgent")
		}
		if c.Notify.QueueSize < 1 {
			errs.add("notify.queue_size", c.Notify.QueueSize, "must be >= 1")
		}
	}

	if c.Probe.Workers < 1 {
		errs.add("probe.workers", c.Probe.Workers, "must be >= 1")
	}
	if c.Probe.RatePerSecond < 1 {
		errs.add("probe.rate_per_second", c.Probe.RatePerSecond, "must be >= 1")
	}
	if !probeSubprotocols[c.Probe.Subprotocol] {
		errs.add("probe.subprotocol", c.Probe.Subprotocol, "must be binary.gpuchannel.v1 or json.gpuchannel.v1")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
