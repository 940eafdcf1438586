// Package am holds relay's core configuration ("am" as in "I am configured
// like this"), loaded with viper from TOML files and RELAY_* variables.
package am

import "time"

// Config represents the core relay configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	RPC      RPCConfig      `mapstructure:"rpc" yaml:"rpc"`
	Pulse    PulseConfig    `mapstructure:"pulse" yaml:"pulse"`
	Workers  WorkersConfig  `mapstructure:"workers" yaml:"workers"`
	Notes    NotesConfig    `mapstructure:"notes" yaml:"notes"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ServerConfig configures the HTTP surface (health, metrics, run endpoints, event stream)
type ServerConfig struct {
	Port           *int     `mapstructure:"port" yaml:"port"` // nil = DefaultServerPort, 0 is invalid
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// RPCConfig configures the callback server workers register with, and the
// client side of calls into workers.
type RPCConfig struct {
	Host             string        `mapstructure:"host" yaml:"host"`
	Port             int           `mapstructure:"port" yaml:"port"` // 0 = pick a free port
	CallTimeout      time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	HealthTimeout    time.Duration `mapstructure:"health_timeout" yaml:"health_timeout"`
	SelfHealInterval time.Duration `mapstructure:"self_heal_interval" yaml:"self_heal_interval"`
}

// PulseConfig configures the scheduling loop
type PulseConfig struct {
	// Tick intervals of the four periodic tasks
	DispatchInterval  time.Duration `mapstructure:"dispatch_interval" yaml:"dispatch_interval"`
	AbortInterval     time.Duration `mapstructure:"abort_interval" yaml:"abort_interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" yaml:"reconcile_interval"`
	CronInterval      time.Duration `mapstructure:"cron_interval" yaml:"cron_interval"`

	// Dispatch retry policy. 0 attempts = retry forever.
	DispatchMaxAttempts    int           `mapstructure:"dispatch_max_attempts" yaml:"dispatch_max_attempts"`
	DispatchBackoffInitial time.Duration `mapstructure:"dispatch_backoff_initial" yaml:"dispatch_backoff_initial"`
	DispatchBackoffMax     time.Duration `mapstructure:"dispatch_backoff_max" yaml:"dispatch_backoff_max"`

	// Worker launch throttling per selector
	LaunchInterval time.Duration `mapstructure:"launch_interval" yaml:"launch_interval"`
	LaunchBurst    int           `mapstructure:"launch_burst" yaml:"launch_burst"`

	AbortTimeout          time.Duration `mapstructure:"abort_timeout" yaml:"abort_timeout"`                     // 0 = wait forever for ABORTING jobs
	ResultLookupTimeout   time.Duration `mapstructure:"result_lookup_timeout" yaml:"result_lookup_timeout"`     // wait for a job to be bound to a worker job id
	FenceTTL              time.Duration `mapstructure:"fence_ttl" yaml:"fence_ttl"`                             // how long dropped instances stay fenced
	HealthCheckParallel   int           `mapstructure:"health_check_parallel" yaml:"health_check_parallel"`     // concurrent health checks per sweep
	PartialOutputLimit    int           `mapstructure:"partial_output_limit" yaml:"partial_output_limit"`       // characters kept per job, 0 = unbounded

	DisabledWorkerShortCircuit bool `mapstructure:"disabled_worker_short_circuit" yaml:"disabled_worker_short_circuit"`
	CronAdvanceOnSkip          bool `mapstructure:"cron_advance_on_skip" yaml:"cron_advance_on_skip"`
}

// WorkersConfig configures where worker configurations and artifacts live
type WorkersConfig struct {
	Dir        string `mapstructure:"dir" yaml:"dir"`                 // one <selector>.toml per worker
	InstallDir string `mapstructure:"install_dir" yaml:"install_dir"` // artifacts land in <install_dir>/<selector>/<version>
	Java       string `mapstructure:"java" yaml:"java"`               // java executable for runtime "java"
	Watch      bool   `mapstructure:"watch" yaml:"watch"`             // hot reload worker configuration
}

// NotesConfig configures the YAML note source
type NotesConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// Server port constants
const (
	DefaultServerPort = 7710
	DefaultRPCPort    = 0
)

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// GetServerPort returns the configured HTTP port or DefaultServerPort
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "relay.db"
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed websocket origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}
