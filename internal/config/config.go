// Package config loads the uniform, typed configuration object that drives
// every component's defaults (spec.md §6/§9): file + environment variable
// sources via spf13/viper, validated at startup with unknown keys rejected
// and invalid values surfaced as a structured apperr naming the offending
// key.
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/swarmguard/taskorch/internal/agents"
	"github.com/swarmguard/taskorch/internal/apperr"
	"github.com/swarmguard/taskorch/internal/jobs"
	"github.com/swarmguard/taskorch/internal/lifecycle"
)

const component = "config"

// Config is the process-wide configuration object. Every field has a
// default supplied by DefaultConfig; Load overlays a config file and
// TASKORCH_-prefixed environment variables on top.
type Config struct {
	HTTPAddr     string `mapstructure:"http_addr"`
	StoreDir     string `mapstructure:"store_dir"`
	IDCounterDir string `mapstructure:"id_counter_dir"`
	IDMaxRetries int    `mapstructure:"id_max_retries"`

	NATSURL     string `mapstructure:"nats_url"`
	NATSSubject string `mapstructure:"nats_subject"`

	JobBaseIntervalMs int `mapstructure:"job_base_interval_ms"`
	JobMaxIntervalMs  int `mapstructure:"job_max_interval_ms"`
	JobMinIntervalMs  int `mapstructure:"job_min_interval_ms"`
	JobMinPollGapMs   int `mapstructure:"job_min_poll_gap_ms"`
	JobMaxDelayMs     int `mapstructure:"job_max_delay_ms"`
	JobMaxViolation   int `mapstructure:"job_max_violation"`

	AgentBaseHeartbeatMs       int `mapstructure:"agent_base_heartbeat_ms"`
	AgentGracePeriodMs         int `mapstructure:"agent_grace_period_ms"`
	AgentMaxGracePeriods       int `mapstructure:"agent_max_grace_periods"`
	AgentWorkflowCriticalExtMs int `mapstructure:"agent_workflow_critical_ext_ms"`
	AgentClaimTTLMs            int `mapstructure:"agent_claim_ttl_ms"`
	AgentMaxConcurrentTasksCap int `mapstructure:"agent_max_concurrent_tasks_cap"`

	LifecycleMaxConcurrentExecutions int `mapstructure:"lifecycle_max_concurrent_executions"`
	LifecycleExecutionTimeoutMs      int `mapstructure:"lifecycle_execution_timeout_ms"`
	LifecycleAgentCommTimeoutMs      int `mapstructure:"lifecycle_agent_comm_timeout_ms"`
	LifecycleCancelAckTimeoutMs      int `mapstructure:"lifecycle_cancel_ack_timeout_ms"`
	LifecycleBackupIntervalMs        int `mapstructure:"lifecycle_backup_interval_ms"`
	LifecycleResultCacheSize         int `mapstructure:"lifecycle_result_cache_size"`
	LifecycleResultCacheTTLMs        int `mapstructure:"lifecycle_result_cache_ttl_ms"`
}

// knownKeys is the allow-list used to reject unrecognized configuration
// keys, since viper itself does not refuse surplus entries.
var knownKeys = func() map[string]bool {
	known := make(map[string]bool)
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		if tag := t.Field(i).Tag.Get("mapstructure"); tag != "" {
			known[tag] = true
		}
	}
	return known
}()

func DefaultConfig() Config {
	jc := jobs.DefaultConfig()
	ac := agents.DefaultConfig()
	lc := lifecycle.DefaultConfig()
	return Config{
		HTTPAddr:     ":8080",
		StoreDir:     "./data/store",
		IDCounterDir: "./data",
		IDMaxRetries: 50,

		NATSURL:     "",
		NATSSubject: "jobs",

		JobBaseIntervalMs: int(jc.BaseInterval / time.Millisecond),
		JobMaxIntervalMs:  int(jc.MaxInterval / time.Millisecond),
		JobMinIntervalMs:  int(jc.MinInterval / time.Millisecond),
		JobMinPollGapMs:   int(jc.MinPollGap / time.Millisecond),
		JobMaxDelayMs:     int(jc.MaxDelay / time.Millisecond),
		JobMaxViolation:   jc.MaxViolation,

		AgentBaseHeartbeatMs:       int(ac.BaseHeartbeatInterval / time.Millisecond),
		AgentGracePeriodMs:         int(ac.GracePeriodDuration / time.Millisecond),
		AgentMaxGracePeriods:       ac.MaxGracePeriods,
		AgentWorkflowCriticalExtMs: int(ac.WorkflowCriticalExtension / time.Millisecond),
		AgentClaimTTLMs:            int(ac.ClaimTTL / time.Millisecond),
		AgentMaxConcurrentTasksCap: ac.MaxConcurrentTasksCap,

		LifecycleMaxConcurrentExecutions: lc.MaxConcurrentExecutions,
		LifecycleExecutionTimeoutMs:      int(lc.ExecutionTimeout / time.Millisecond),
		LifecycleAgentCommTimeoutMs:      int(lc.AgentCommTimeout / time.Millisecond),
		LifecycleCancelAckTimeoutMs:      int(lc.CancelAckTimeout / time.Millisecond),
		LifecycleBackupIntervalMs:        int(lc.BackupInterval / time.Millisecond),
		LifecycleResultCacheSize:         lc.ResultCacheSize,
		LifecycleResultCacheTTLMs:        int(lc.ResultCacheTTL / time.Millisecond),
	}
}

// Load builds the configuration from (in ascending precedence) defaults, an
// optional config file at path, and TASKORCH_-prefixed environment
// variables, then validates it.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("TASKORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper knows about, so bind each one to its
	// TASKORCH_<KEY> environment variable explicitly.
	for key := range knownKeys {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, apperr.Wrap(apperr.Validation, component, "Load", err)
		}
		for _, key := range v.AllKeys() {
			if !knownKeys[key] {
				return Config{}, apperr.New(apperr.Validation, component, "Load", "unknown configuration key").WithMetadata("key", key)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, apperr.Wrap(apperr.Validation, component, "Load", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects an empty store or ID-counter directory and a non-positive
// value for each key listed in checks, naming the offending key in the
// returned apperr. Keys outside that list are not checked.
func (c Config) Validate() error {
	checks := []struct {
		key string
		val int
	}{
		{"store_dir_set", boolToInt(c.StoreDir != "")},
		{"id_counter_dir_set", boolToInt(c.IDCounterDir != "")},
		{"id_max_retries", c.IDMaxRetries},
		{"job_base_interval_ms", c.JobBaseIntervalMs},
		{"job_max_interval_ms", c.JobMaxIntervalMs},
		{"agent_base_heartbeat_ms", c.AgentBaseHeartbeatMs},
		{"agent_max_grace_periods", c.AgentMaxGracePeriods},
		{"lifecycle_max_concurrent_executions", c.LifecycleMaxConcurrentExecutions},
		{"lifecycle_result_cache_size", c.LifecycleResultCacheSize},
	}
	for _, chk := range checks {
		if chk.val <= 0 {
			return apperr.New(apperr.Validation, component, "Validate", "must be positive").WithMetadata("key", chk.key, "value", chk.val)
		}
	}
	return nil
}

func (c Config) JobsConfig() jobs.Config {
	return jobs.Config{
		BaseInterval: time.Duration(c.JobBaseIntervalMs) * time.Millisecond,
		MaxInterval:  time.Duration(c.JobMaxIntervalMs) * time.Millisecond,
		MinInterval:  time.Duration(c.JobMinIntervalMs) * time.Millisecond,
		MinPollGap:   time.Duration(c.JobMinPollGapMs) * time.Millisecond,
		MaxDelay:     time.Duration(c.JobMaxDelayMs) * time.Millisecond,
		MaxViolation: c.JobMaxViolation,
	}
}

func (c Config) AgentsConfig() agents.Config {
	return agents.Config{
		BaseHeartbeatInterval:     time.Duration(c.AgentBaseHeartbeatMs) * time.Millisecond,
		GracePeriodDuration:       time.Duration(c.AgentGracePeriodMs) * time.Millisecond,
		MaxGracePeriods:           c.AgentMaxGracePeriods,
		WorkflowCriticalExtension: time.Duration(c.AgentWorkflowCriticalExtMs) * time.Millisecond,
		ClaimTTL:                  time.Duration(c.AgentClaimTTLMs) * time.Millisecond,
		MaxConcurrentTasksCap:     c.AgentMaxConcurrentTasksCap,
	}
}

func (c Config) LifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		MaxConcurrentExecutions: c.LifecycleMaxConcurrentExecutions,
		ExecutionTimeout:        time.Duration(c.LifecycleExecutionTimeoutMs) * time.Millisecond,
		AgentCommTimeout:        time.Duration(c.LifecycleAgentCommTimeoutMs) * time.Millisecond,
		CancelAckTimeout:        time.Duration(c.LifecycleCancelAckTimeoutMs) * time.Millisecond,
		BackupInterval:          time.Duration(c.LifecycleBackupIntervalMs) * time.Millisecond,
		ResultCacheSize:         c.LifecycleResultCacheSize,
		ResultCacheTTL:          time.Duration(c.LifecycleResultCacheTTLMs) * time.Millisecond,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
