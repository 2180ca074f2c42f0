// Package svc provides cross-platform system service support for the
// vault daemon.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// RunFunc runs the vault daemon until its context is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface for the kardianos/service library.
type Program struct {
	ConfigPath string
	RunServe   RunFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start is called by the service manager. It must not block, so the
// daemon runs in a goroutine.
func (p *Program) Start(_ service.Service) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		if p.RunServe == nil {
			p.done <- fmt.Errorf("serve function not configured")
			return
		}
		p.done <- p.RunServe(p.ctx, p.ConfigPath)
	}()

	return nil
}

// Stop signals the daemon to shut down and waits for it.
func (p *Program) Stop(_ service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		err := <-p.done
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string // service name (default "filevault")
	DisplayName string
	Description string
	ConfigPath  string // vault config file path
	UserName    string // user to run as (Linux/macOS only)
}

// DefaultServiceName returns the default service name.
func DefaultServiceName() string { return "filevault" }

// DefaultDisplayName returns a human-readable display name.
func DefaultDisplayName() string { return "FileVault Storage Daemon" }

// DefaultDescription returns the service description.
func DefaultDescription() string {
	return "FileVault content-addressed deduplicating file store"
}

// DefaultConfigPath returns the system-wide config file path.
func DefaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "FileVault", "config.yaml")
	default: // linux, darwin
		return "/etc/filevault/config.yaml"
	}
}

// NewServiceConfig builds the service manager config for the daemon.
func NewServiceConfig(cfg *ServiceConfig) *service.Config {
	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   []string{"serve", "--config", cfg.ConfigPath},
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		if cfg.UserName != "" {
			svcCfg.UserName = cfg.UserName
		}
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive":     true,
			"RunAtLoad":     true,
			"SessionCreate": true,
		}
		if cfg.UserName != "" {
			svcCfg.UserName = cfg.UserName
		}
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}

	return svcCfg
}

// CreateService creates a new service instance.
func CreateService(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	return service.New(prg, NewServiceConfig(cfg))
}

func newService(cfg *ServiceConfig) (service.Service, error) {
	prg := &Program{ConfigPath: cfg.ConfigPath}
	return CreateService(prg, cfg)
}

// Install installs the service.
func Install(cfg *ServiceConfig, force bool) error {
	svc, err := newService(cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	status, err := svc.Status()
	if err == nil {
		switch status {
		case service.StatusRunning:
			if !force {
				return fmt.Errorf("service %q is running; stop it first or use --force", cfg.Name)
			}
			if err := svc.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
			if err := svc.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		case service.StatusStopped:
			if !force {
				return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
			}
			if err := svc.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		}
	}

	if err := svc.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall removes the service, stopping it first if needed.
func Uninstall(cfg *ServiceConfig) error {
	svc, err := newService(cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	status, _ := svc.Status()
	if status == service.StatusRunning {
		if err := svc.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}

	if err := svc.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Start starts the installed service.
func Start(cfg *ServiceConfig) error {
	svc, err := newService(cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	return nil
}

// Stop stops the installed service.
func Stop(cfg *ServiceConfig) error {
	svc, err := newService(cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if err := svc.Stop(); err != nil {
		return fmt.Errorf("stop service: %w", err)
	}
	return nil
}

// Restart restarts the installed service.
func Restart(cfg *ServiceConfig) error {
	svc, err := newService(cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if err := svc.Restart(); err != nil {
		return fmt.Errorf("restart service: %w", err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg *ServiceConfig) (service.Status, error) {
	svc, err := newService(cfg)
	if err != nil {
		return service.StatusUnknown, fmt.Errorf("create service: %w", err)
	}
	return svc.Status()
}

// StatusString renders a status for display.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands the process to the service manager. The Windows SCM requires
// the daemon to report its lifecycle this way; on Unix platforms Run
// behaves like calling prg.RunServe directly.
func Run(prg *Program, cfg *ServiceConfig) error {
	svc, err := CreateService(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return svc.Run()
}

// Interactive reports whether the process was started from a terminal
// rather than by the service manager.
func Interactive() bool {
	return service.Interactive()
}

// CheckPrivileges reports whether the current user can manage services.
func CheckPrivileges() error {
	switch runtime.GOOS {
	case "windows":
		// The install itself fails with a clearer error when not admin.
		return nil
	default:
		if os.Geteuid() != 0 {
			return fmt.Errorf("root privileges required (use sudo)")
		}
		return nil
	}
}
