package plugin

import (
	"context"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"
	"github.com/hashicorp/go-getter"
	"go.uber.org/zap"

	"github.com/teranos/relay/am"
	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
)

// Installer downloads worker artifacts into <dir>/<selector>/<version> and
// records the outcome in the worker's configuration.
type Installer struct {
	store         *ConfigStore
	dir           string
	engineVersion string
	logger        *zap.SugaredLogger
}

// NewInstaller creates an installer. engineVersion is the running relay
// version that worker engine constraints are checked against.
func NewInstaller(store *ConfigStore, dir, engineVersion string, log *zap.SugaredLogger) *Installer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Installer{store: store, dir: dir, engineVersion: engineVersion, logger: log}
}

// Install fetches the artifact of selector. The configuration is marked
// installing while the download runs, then installed or failed.
func (i *Installer) Install(ctx context.Context, selector string) (WorkerConfig, error) {
	cfg, ok := i.store.Lookup(selector)
	if !ok {
		return WorkerConfig{}, errors.WithHint(
			errors.NewNotFoundError("worker %s", selector),
			"create "+filepath.Join(i.store.Dir(), selector+".toml")+" first")
	}
	if cfg.Source == "" {
		return WorkerConfig{}, errors.NewInvalidRequestError("worker %s has no artifact source", selector)
	}

	version, err := i.checkVersions(cfg)
	if err != nil {
		return WorkerConfig{}, err
	}

	dst := filepath.Join(i.dir, selector, version.String())

	if _, err := i.store.Update(selector, func(c *WorkerConfig) {
		c.InstallStatus = InstallInstalling
		c.InstallError = ""
	}); err != nil {
		return WorkerConfig{}, err
	}

	i.logger.Infow("Installing worker",
		logger.FieldSelector, selector,
		"source", cfg.Source,
		"version", version.String(),
		"destination", dst)

	if err := i.fetch(ctx, cfg.Source, dst); err != nil {
		_, _ = i.store.Update(selector, func(c *WorkerConfig) {
			c.InstallStatus = InstallFailed
			c.InstallError = err.Error()
		})
		return WorkerConfig{}, errors.Wrapf(err, "failed to install worker %s", selector)
	}

	return i.store.Update(selector, func(c *WorkerConfig) {
		c.InstallStatus = InstallInstalled
		c.InstallPath = dst
		c.InstallError = ""
	})
}

// Uninstall removes the installed artifact of selector
func (i *Installer) Uninstall(selector string) (WorkerConfig, error) {
	cfg, ok := i.store.Lookup(selector)
	if !ok {
		return WorkerConfig{}, errors.NewNotFoundError("worker %s", selector)
	}

	if cfg.InstallPath != "" {
		if err := os.RemoveAll(cfg.InstallPath); err != nil {
			return WorkerConfig{}, errors.Wrapf(err, "failed to remove %s", cfg.InstallPath)
		}
	}

	return i.store.Update(selector, func(c *WorkerConfig) {
		c.InstallStatus = InstallNotInstalled
		c.InstallPath = ""
		c.InstallError = ""
	})
}

// checkVersions parses the artifact version and checks the engine
// constraint. An unparseable relay version (a dev build) skips the check.
func (i *Installer) checkVersions(cfg WorkerConfig) (*semver.Version, error) {
	if cfg.Version == "" {
		return nil, errors.NewInvalidRequestError("worker %s has no version", cfg.Selector)
	}
	version, err := semver.NewVersion(cfg.Version)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "worker %s: invalid version %q: %v", cfg.Selector, cfg.Version, err)
	}

	if cfg.Engine == "" {
		return version, nil
	}
	constraint, err := semver.NewConstraint(cfg.Engine)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "worker %s: invalid engine constraint %q: %v", cfg.Selector, cfg.Engine, err)
	}

	engine, err := semver.NewVersion(i.engineVersion)
	if err != nil {
		i.logger.Debugw("Skipping engine constraint check", "engine_version", i.engineVersion, logger.FieldSelector, cfg.Selector)
		return version, nil
	}
	if !constraint.Check(engine) {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("worker %s requires relay %s, running %s", cfg.Selector, cfg.Engine, i.engineVersion),
			"upgrade relay or pin an older worker version")
	}
	return version, nil
}

// fetch downloads src into dst with go-getter. dst must not exist because
// local directory sources are linked rather than copied.
func (i *Installer) fetch(ctx context.Context, src, dst string) error {
	pwd, err := os.Getwd()
	if err != nil {
		pwd = "."
	}

	if err := os.RemoveAll(dst); err != nil {
		return errors.Wrapf(err, "failed to clear %s", dst)
	}
	if err := os.MkdirAll(filepath.Dir(dst), am.DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(dst))
	}

	client := &getter.Client{
		Ctx:       ctx,
		Src:       src,
		Dst:       dst,
		Pwd:       pwd,
		Mode:      getter.ClientModeAny,
		Detectors: getter.Detectors,
		Getters:   getter.Getters,
	}
	if err := client.Get(); err != nil {
		return errors.Wrapf(err, "failed to fetch %s", src)
	}
	return nil
}
