package am

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	relayDir := RelayDir()

	// Database defaults
	v.SetDefault("database.path", "relay.db")

	// Server configuration defaults
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	// Callback server and worker RPC
	v.SetDefault("rpc.host", "127.0.0.1")
	v.SetDefault("rpc.port", DefaultRPCPort)
	v.SetDefault("rpc.call_timeout", "10s")
	v.SetDefault("rpc.health_timeout", "3s")
	v.SetDefault("rpc.self_heal_interval", "10s")

	// Scheduling loop
	v.SetDefault("pulse.dispatch_interval", "1s")
	v.SetDefault("pulse.abort_interval", "1s")
	v.SetDefault("pulse.reconcile_interval", "5s")
	v.SetDefault("pulse.cron_interval", "10s")
	v.SetDefault("pulse.dispatch_max_attempts", 20)
	v.SetDefault("pulse.dispatch_backoff_initial", "1s")
	v.SetDefault("pulse.dispatch_backoff_max", "1m")
	v.SetDefault("pulse.launch_interval", "5s")
	v.SetDefault("pulse.launch_burst", 2)
	v.SetDefault("pulse.abort_timeout", "5m")
	v.SetDefault("pulse.result_lookup_timeout", "2m")
	v.SetDefault("pulse.fence_ttl", "1h")
	v.SetDefault("pulse.health_check_parallel", 8)
	v.SetDefault("pulse.partial_output_limit", 1<<20)
	v.SetDefault("pulse.disabled_worker_short_circuit", false)
	v.SetDefault("pulse.cron_advance_on_skip", false)

	// Workers
	v.SetDefault("workers.dir", filepath.Join(relayDir, "workers"))
	v.SetDefault("workers.install_dir", filepath.Join(relayDir, "artifacts"))
	v.SetDefault("workers.java", "java")
	v.SetDefault("workers.watch", true)

	// Notes
	v.SetDefault("notes.dir", filepath.Join(relayDir, "notes"))
}

// BindSensitiveEnvVars explicitly binds configuration commonly overridden per deployment
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.path", "RELAY_DATABASE_PATH")
	_ = v.BindEnv("rpc.port", "RELAY_RPC_PORT")
	_ = v.BindEnv("workers.java", "RELAY_JAVA", "JAVA_BIN")
}

// RelayDir returns ~/.relay, or .relay in the working directory when the
// home directory cannot be determined.
func RelayDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".relay"
	}
	return filepath.Join(home, ".relay")
}
