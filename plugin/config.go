package plugin

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/teranos/relay/am"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
)

// InstallStatus tracks a worker artifact on disk
type InstallStatus string

const (
	InstallNotInstalled InstallStatus = "not_installed"
	InstallInstalling   InstallStatus = "installing"
	InstallInstalled    InstallStatus = "installed"
	InstallFailed       InstallStatus = "failed"
)

// Runtime selects how the launcher starts a worker
type Runtime string

const (
	// RuntimeJava runs StartupClass from the jars in the install path
	RuntimeJava Runtime = "java"
	// RuntimeExec runs Entrypoint (or the install path itself) directly
	RuntimeExec Runtime = "exec"
)

// Property is one configurable worker setting
type Property struct {
	Value       interface{} `toml:"value,omitempty" json:"value,omitempty"`
	Default     interface{} `toml:"default,omitempty" json:"default,omitempty"`
	Description string      `toml:"description,omitempty" json:"description,omitempty"`
}

// WorkerConfig is the configuration of one worker selector. It is stored
// as <workers.dir>/<selector>.toml.
type WorkerConfig struct {
	Selector string `toml:"selector" json:"selector"`
	Enabled  bool   `toml:"enabled" json:"enabled"`

	// Source is a go-getter address of the worker artifact
	Source string `toml:"source,omitempty" json:"source,omitempty"`
	// Version of the artifact (semver)
	Version string `toml:"version,omitempty" json:"version,omitempty"`
	// Engine is a semver constraint on the relay version, e.g. ">= 0.4"
	Engine string `toml:"engine,omitempty" json:"engine,omitempty"`

	InstallPath   string        `toml:"install_path,omitempty" json:"install_path,omitempty"`
	InstallStatus InstallStatus `toml:"install_status" json:"install_status"`
	InstallError  string        `toml:"install_error,omitempty" json:"install_error,omitempty"`

	Runtime      Runtime `toml:"runtime" json:"runtime"`
	StartupClass string  `toml:"startup_class,omitempty" json:"startup_class,omitempty"`
	Entrypoint   string  `toml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	JVMOptions   string  `toml:"jvm_options,omitempty" json:"jvm_options,omitempty"`
	Concurrency  int     `toml:"concurrency" json:"concurrency"`

	Properties map[string]Property `toml:"properties,omitempty" json:"properties,omitempty"`
}

var selectorPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidSelector reports whether selector can name a worker and its file
func ValidSelector(selector string) bool {
	return selectorPattern.MatchString(selector) && !strings.Contains(selector, "..")
}

// Validate checks the fields the launcher depends on
func (c *WorkerConfig) Validate() error {
	if !ValidSelector(c.Selector) {
		return errors.NewInvalidRequestError("invalid worker selector %q", c.Selector)
	}
	switch c.Runtime {
	case RuntimeJava:
		if c.StartupClass == "" {
			return errors.NewInvalidRequestError("worker %s: runtime java needs a startup_class", c.Selector)
		}
	case RuntimeExec:
	default:
		return errors.NewInvalidRequestError("worker %s: unknown runtime %q", c.Selector, c.Runtime)
	}
	if c.Concurrency < 0 {
		return errors.NewInvalidRequestError("worker %s: concurrency must be >= 0", c.Selector)
	}
	return nil
}

// IsInstalled reports whether the artifact is ready to launch
func (c *WorkerConfig) IsInstalled() bool {
	return c.InstallStatus == InstallInstalled && c.InstallPath != ""
}

// ArtifactPath is the path handed to the launcher
func (c *WorkerConfig) ArtifactPath() string {
	if c.Runtime == RuntimeExec && c.Entrypoint != "" {
		return filepath.Join(c.InstallPath, c.Entrypoint)
	}
	return c.InstallPath
}

// FlattenProperties maps every property to its value, or its default when
// no value is set.
func (c *WorkerConfig) FlattenProperties() map[string]interface{} {
	out := make(map[string]interface{}, len(c.Properties))
	for name, p := range c.Properties {
		if p.Value != nil {
			out[name] = p.Value
		} else {
			out[name] = p.Default
		}
	}
	return out
}

func (c WorkerConfig) clone() WorkerConfig {
	if c.Properties != nil {
		props := make(map[string]Property, len(c.Properties))
		for k, v := range c.Properties {
			props[k] = v
		}
		c.Properties = props
	}
	return c
}

// ConfigStore holds the worker configurations of a directory. Lookups are
// served from memory; Reload rereads the directory.
type ConfigStore struct {
	dir     string
	logger  *zap.SugaredLogger
	mu      sync.RWMutex
	configs map[string]WorkerConfig
	watcher *am.ConfigWatcher
}

// NewConfigStore creates the directory if needed and loads it
func NewConfigStore(dir string, log *zap.SugaredLogger) (*ConfigStore, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(dir, am.DefaultDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to create worker directory %s", dir)
	}

	s := &ConfigStore{
		dir:     dir,
		logger:  log,
		configs: make(map[string]WorkerConfig),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the directory the store reads
func (s *ConfigStore) Dir() string {
	return s.dir
}

func (s *ConfigStore) path(selector string) string {
	return filepath.Join(s.dir, selector+".toml")
}

// Reload rereads every <selector>.toml in the directory. Files that do not
// parse or validate are logged and skipped.
func (s *ConfigStore) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Wrapf(err, "failed to read worker directory %s", s.dir)
	}

	configs := make(map[string]WorkerConfig)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".toml" {
			continue
		}

		var cfg WorkerConfig
		path := filepath.Join(s.dir, name)
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			s.logger.Warnw("Skipping unreadable worker configuration", "file", path, logger.FieldError, err)
			continue
		}
		if cfg.Selector == "" {
			cfg.Selector = strings.TrimSuffix(name, ".toml")
		}
		if cfg.Runtime == "" {
			cfg.Runtime = RuntimeExec
		}
		if cfg.InstallStatus == "" {
			cfg.InstallStatus = InstallNotInstalled
		}
		if err := cfg.Validate(); err != nil {
			s.logger.Warnw("Skipping invalid worker configuration", "file", path, logger.FieldError, err)
			continue
		}
		configs[cfg.Selector] = cfg
	}

	s.mu.Lock()
	s.configs = configs
	s.mu.Unlock()

	s.logger.Debugw("Worker configurations loaded", "dir", s.dir, logger.FieldCount, len(configs))
	return nil
}

// Lookup returns a copy of the configuration of selector
func (s *ConfigStore) Lookup(selector string) (WorkerConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[selector]
	if !ok {
		return WorkerConfig{}, false
	}
	return cfg.clone(), true
}

// List returns copies of all configurations sorted by selector
func (s *ConfigStore) List() []WorkerConfig {
	s.mu.RLock()
	out := make([]WorkerConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Selector < out[j].Selector })
	return out
}

// Save validates cfg and writes it to its file
func (s *ConfigStore) Save(cfg WorkerConfig) error {
	if cfg.Runtime == "" {
		cfg.Runtime = RuntimeExec
	}
	if cfg.InstallStatus == "" {
		cfg.InstallStatus = InstallNotInstalled
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.RLock()
	watcher := s.watcher
	s.mu.RUnlock()

	if err := am.WriteTOML(s.path(cfg.Selector), cfg, watcher); err != nil {
		return errors.Wrapf(err, "failed to save worker %s", cfg.Selector)
	}

	s.mu.Lock()
	s.configs[cfg.Selector] = cfg.clone()
	s.mu.Unlock()
	return nil
}

// Update applies fn to the stored configuration of selector and saves it
func (s *ConfigStore) Update(selector string, fn func(*WorkerConfig)) (WorkerConfig, error) {
	cfg, ok := s.Lookup(selector)
	if !ok {
		return WorkerConfig{}, errors.NewNotFoundError("worker %s", selector)
	}
	fn(&cfg)
	cfg.Selector = selector
	if err := s.Save(cfg); err != nil {
		return WorkerConfig{}, err
	}
	return cfg, nil
}

// Delete removes the configuration file of selector
func (s *ConfigStore) Delete(selector string) error {
	if !ValidSelector(selector) {
		return errors.NewInvalidRequestError("invalid worker selector %q", selector)
	}
	if err := os.Remove(s.path(selector)); err != nil {
		if os.IsNotExist(err) {
			return errors.NewNotFoundError("worker %s", selector)
		}
		return errors.Wrapf(err, "failed to delete worker %s", selector)
	}

	s.mu.Lock()
	delete(s.configs, selector)
	s.mu.Unlock()
	return nil
}

// Watch reloads the store whenever files in its directory change
func (s *ConfigStore) Watch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher != nil {
		return nil
	}

	watcher, err := am.NewConfigWatcher(s.dir)
	if err != nil {
		return errors.Wrap(err, "failed to watch worker directory")
	}
	watcher.OnReload(func(string) error {
		return s.Reload()
	})
	watcher.Start()
	s.watcher = watcher

	s.logger.Infow("Watching worker configurations", "dir", s.dir)
	return nil
}

// Close stops watching
func (s *ConfigStore) Close() error {
	s.mu.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if watcher == nil {
		return nil
	}
	return watcher.Stop()
}
