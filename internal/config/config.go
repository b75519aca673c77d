// Package config loads and validates the proxbal configuration file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/proxbal/proxbal/internal/domain"
)

// DefaultPath is consulted when no -c/--config flag is given.
const DefaultPath = "/etc/proxlb/proxlb.yaml"

// Config holds all configuration for the rebalancer.
type Config struct {
	ProxmoxAPI     APIConfig     `mapstructure:"proxmox_api"`
	ProxmoxCluster ClusterConfig `mapstructure:"proxmox_cluster"`
	Balancing      Balancing     `mapstructure:"balancing"`
	Service        Service       `mapstructure:"service"`
}

// APIConfig holds hypervisor API connection settings.
type APIConfig struct {
	Hosts           []string `mapstructure:"hosts"`
	User            string   `mapstructure:"user"`
	Pass            string   `mapstructure:"pass"`
	TokenID         string   `mapstructure:"token_id"`
	TokenSecret     string   `mapstructure:"token_secret"`
	SSLVerification bool     `mapstructure:"ssl_verification"`
	Timeout         int      `mapstructure:"timeout"`
	Retries         int      `mapstructure:"retries"`
	WaitTime        int      `mapstructure:"wait_time"`
}

// HasToken reports whether token authentication is configured.
func (c APIConfig) HasToken() bool {
	return c.TokenID != "" && c.TokenSecret != ""
}

// ClusterConfig holds cluster-level node filters.
type ClusterConfig struct {
	MaintenanceNodes []string `mapstructure:"maintenance_nodes"`
	IgnoreNodes      []string `mapstructure:"ignore_nodes"`
	Overprovisioning bool     `mapstructure:"overprovisioning"`
}

// Balancing holds the placement policy.
type Balancing struct {
	Enable                  bool                   `mapstructure:"enable"`
	Method                  string                 `mapstructure:"method"`
	Mode                    string                 `mapstructure:"mode"`
	Balanciness             int                    `mapstructure:"balanciness"`
	MemoryThreshold         int                    `mapstructure:"memory_threshold"`
	BalanceTypes            []string               `mapstructure:"balance_types"`
	BalanceLargerFirst      bool                   `mapstructure:"balance_larger_guests_first"`
	EnforceAffinity         bool                   `mapstructure:"enforce_affinity"`
	EnforcePinning          bool                   `mapstructure:"enforce_pinning"`
	Parallel                bool                   `mapstructure:"parallel"`
	ParallelJobs            int                    `mapstructure:"parallel_jobs"`
	Live                    bool                   `mapstructure:"live"`
	WithLocalDisks          bool                   `mapstructure:"with_local_disks"`
	WithConntrackState      bool                   `mapstructure:"with_conntrack_state"`
	MaxJobValidation        int                    `mapstructure:"max_job_validation"`
	NodeResourceReserve     map[string]Reserve     `mapstructure:"node_resource_reserve"`
	Pools                   map[string]PoolRule    `mapstructure:"pools"`
	PSI                     map[string]PSIThreshold `mapstructure:"psi"`
}

// Reserve is per-node resource headroom. Memory is in GiB.
type Reserve struct {
	Memory int `mapstructure:"memory"`
}

// PoolRule binds all members of a hypervisor pool to a placement rule.
type PoolRule struct {
	Type   string   `mapstructure:"type"`
	Pin    []string `mapstructure:"pin"`
	Strict bool     `mapstructure:"strict"`
}

// PSIThreshold holds pressure thresholds for one dimension.
type PSIThreshold struct {
	Some   float64 `mapstructure:"some"`
	Full   float64 `mapstructure:"full"`
	Spikes float64 `mapstructure:"spikes"`
}

// Service holds daemon and logging settings.
type Service struct {
	Daemon   bool     `mapstructure:"daemon"`
	Schedule Schedule `mapstructure:"schedule"`
	Delay    Delay    `mapstructure:"delay"`
	LogLevel string   `mapstructure:"log_level"`
}

// Schedule is the daemon tick interval.
type Schedule struct {
	Interval int    `mapstructure:"interval"`
	Format   string `mapstructure:"format"`
}

// Delay is an optional startup delay before the first cycle.
type Delay struct {
	Enable bool   `mapstructure:"enable"`
	Time   int    `mapstructure:"time"`
	Format string `mapstructure:"format"`
}

// MethodDimension returns the balancing method as a typed dimension.
func (b Balancing) MethodDimension() domain.Dimension {
	return domain.Dimension(b.Method)
}

// ModeValue returns the balancing mode as a typed mode.
func (b Balancing) ModeValue() domain.Mode {
	return domain.Mode(b.Mode)
}

// ReserveBytes returns the memory reserve for a node in bytes, falling back
// to the "defaults" entry when the node has no entry of its own.
func (b Balancing) ReserveBytes(node string) int64 {
	if r, ok := b.NodeResourceReserve[node]; ok {
		return int64(r.Memory) << 30
	}
	if r, ok := b.NodeResourceReserve["defaults"]; ok {
		return int64(r.Memory) << 30
	}
	return 0
}

// BalancesKind reports whether the given guest kind participates in
// balancing.
func (b Balancing) BalancesKind(kind domain.GuestKind) bool {
	for _, t := range b.BalanceTypes {
		if t == string(kind) {
			return true
		}
	}
	return false
}

// Load reads the configuration file, applies defaults and validates the
// result. Unknown keys fail validation.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, &domain.ConfigError{Reason: fmt.Sprintf("cannot read %s: %v", path, err)}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, &domain.ConfigError{Reason: fmt.Sprintf("cannot decode %s: %v", path, err)}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("proxmox_api.ssl_verification", true)
	v.SetDefault("proxmox_api.timeout", 10)
	v.SetDefault("proxmox_api.retries", 1)
	v.SetDefault("proxmox_api.wait_time", 1)

	v.SetDefault("proxmox_cluster.maintenance_nodes", []string{})
	v.SetDefault("proxmox_cluster.ignore_nodes", []string{})
	v.SetDefault("proxmox_cluster.overprovisioning", false)

	v.SetDefault("balancing.enable", true)
	v.SetDefault("balancing.method", "memory")
	v.SetDefault("balancing.mode", "used")
	v.SetDefault("balancing.balanciness", 10)
	v.SetDefault("balancing.balance_types", []string{"vm", "ct"})
	v.SetDefault("balancing.balance_larger_guests_first", true)
	v.SetDefault("balancing.enforce_affinity", false)
	v.SetDefault("balancing.enforce_pinning", false)
	v.SetDefault("balancing.parallel", false)
	v.SetDefault("balancing.parallel_jobs", 5)
	v.SetDefault("balancing.live", true)
	v.SetDefault("balancing.with_local_disks", true)
	v.SetDefault("balancing.with_conntrack_state", true)
	v.SetDefault("balancing.max_job_validation", 1800)

	v.SetDefault("service.daemon", true)
	v.SetDefault("service.schedule.interval", 24)
	v.SetDefault("service.schedule.format", "hours")
	v.SetDefault("service.log_level", "INFO")
}

// Validate enforces cross-field rules. It returns a ConfigError on the first
// violation.
func (c *Config) Validate() error {
	if len(c.ProxmoxAPI.Hosts) == 0 {
		return &domain.ConfigError{Field: "proxmox_api.hosts", Reason: "at least one endpoint is required"}
	}
	if c.ProxmoxAPI.User == "" {
		return &domain.ConfigError{Field: "proxmox_api.user", Reason: "user is required"}
	}
	if c.ProxmoxAPI.Pass == "" && !c.ProxmoxAPI.HasToken() {
		return &domain.ConfigError{Field: "proxmox_api", Reason: "either pass or token_id/token_secret must be set"}
	}
	if c.ProxmoxAPI.TokenID != "" && strings.Contains(c.ProxmoxAPI.TokenID, "!") {
		return &domain.ConfigError{Field: "proxmox_api.token_id", Reason: "token_id must be the bare token name, not user@realm!token"}
	}

	switch c.Balancing.Method {
	case "memory", "cpu", "disk":
	default:
		return &domain.ConfigError{Field: "balancing.method", Reason: fmt.Sprintf("unknown method %q", c.Balancing.Method)}
	}
	switch c.Balancing.Mode {
	case "used", "assigned", "psi":
	default:
		return &domain.ConfigError{Field: "balancing.mode", Reason: fmt.Sprintf("unknown mode %q", c.Balancing.Mode)}
	}
	if c.Balancing.Mode == "psi" && len(c.Balancing.PSI) == 0 {
		return &domain.ConfigError{Field: "balancing.psi", Reason: "psi thresholds are required when mode=psi"}
	}
	if c.Balancing.Balanciness < 0 {
		return &domain.ConfigError{Field: "balancing.balanciness", Reason: "must not be negative"}
	}
	if len(c.Balancing.BalanceTypes) == 0 {
		return &domain.ConfigError{Field: "balancing.balance_types", Reason: "must contain vm, ct or both"}
	}
	for _, t := range c.Balancing.BalanceTypes {
		if t != "vm" && t != "ct" {
			return &domain.ConfigError{Field: "balancing.balance_types", Reason: fmt.Sprintf("unknown guest type %q", t)}
		}
	}
	if c.Balancing.ParallelJobs < 1 {
		return &domain.ConfigError{Field: "balancing.parallel_jobs", Reason: "must be at least 1"}
	}
	for name, rule := range c.Balancing.Pools {
		if rule.Type != "affinity" && rule.Type != "anti-affinity" {
			return &domain.ConfigError{Field: "balancing.pools." + name, Reason: fmt.Sprintf("unknown pool rule type %q", rule.Type)}
		}
	}

	if c.Service.Daemon {
		if c.Service.Schedule.Format != "hours" && c.Service.Schedule.Format != "minutes" {
			return &domain.ConfigError{Field: "service.schedule.format", Reason: "must be hours or minutes"}
		}
		if c.Service.Schedule.Interval < 1 {
			return &domain.ConfigError{Field: "service.schedule.interval", Reason: "must be at least 1"}
		}
	}
	if c.Service.Delay.Enable {
		if c.Service.Delay.Format != "hours" && c.Service.Delay.Format != "minutes" {
			return &domain.ConfigError{Field: "service.delay.format", Reason: "must be hours or minutes"}
		}
	}
	switch strings.ToUpper(c.Service.LogLevel) {
	case "DEBUG", "INFO", "WARNING", "CRITICAL":
	default:
		return &domain.ConfigError{Field: "service.log_level", Reason: fmt.Sprintf("unknown log level %q", c.Service.LogLevel)}
	}

	return nil
}

// Redacted returns a copy safe for logging: credentials are masked.
func (c *Config) Redacted() Config {
	out := *c
	if out.ProxmoxAPI.Pass != "" {
		out.ProxmoxAPI.Pass = "********"
	}
	if out.ProxmoxAPI.TokenSecret != "" {
		out.ProxmoxAPI.TokenSecret = "********"
	}
	return out
}
