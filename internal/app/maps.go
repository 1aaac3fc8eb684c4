package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"dotpush/internal/automation"
	"dotpush/internal/config"
	"dotpush/internal/delivery"
	"dotpush/internal/notify"
	"dotpush/internal/storage"
	logx "dotpush/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapAutomationConfig(cfg *config.Config) (automation.Config, error) {
	ac := cfg.Automation
	if ac.LogRetention < 0 {
		return automation.Config{}, errors.New("automation.log_retention must be >= 0")
	}
	if tz := strings.TrimSpace(ac.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return automation.Config{}, fmt.Errorf("automation.timezone: invalid %q: %w", tz, err)
		}
	}
	timeout, err := config.ParseDurationOrDefault("automation.exec_timeout", ac.ExecTimeout, 30*time.Second)
	if err != nil {
		return automation.Config{}, err
	}
	return automation.Config{
		Timezone:     strings.TrimSpace(ac.Timezone),
		ExecTimeout:  timeout,
		LogRetention: ac.LogRetention,
		Credentials:  ac.Credentials,
	}, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	dc := cfg.Delivery
	if dc.RatePerSec < 0 {
		return delivery.Config{}, errors.New("delivery.rate_per_sec must be >= 0")
	}
	timeout, err := config.ParseDurationOrDefault("delivery.timeout", dc.Timeout, 15*time.Second)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		BaseURL:    strings.TrimRight(strings.TrimSpace(dc.BaseURL), "/"),
		Timeout:    timeout,
		RatePerSec: dc.RatePerSec,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	retention := cfg.Automation.LogRetention
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory", LogRetention: retention}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory", "none":
		return storage.Config{Driver: "memory", LogRetention: retention}, nil
	case "file":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path, LogRetention: retention}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, LogRetention: retention}, nil
	default:
		return storage.Config{}, fmt.Errorf("%w: %s", storage.ErrUnknownDriver, sc.Driver)
	}
}

type httpSettings struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Pprof        bool
}

func mapHTTPConfig(cfg *config.Config) (httpSettings, error) {
	read, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpSettings{}, err
	}
	// manual executions wait on the device API, so writes get more room
	write, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, time.Minute)
	if err != nil {
		return httpSettings{}, err
	}
	return httpSettings{
		Addr:         strings.TrimSpace(cfg.HTTP.Addr),
		ReadTimeout:  read,
		WriteTimeout: write,
		Pprof:        cfg.HTTP.Pprof,
	}, nil
}

// mapNotifyConfig returns enabled=false when the section is omitted or has
// no token.
func mapNotifyConfig(cfg *config.Config) (notify.Config, notify.TelegramConfig, error) {
	nc := cfg.Notify
	if nc == nil {
		return notify.Config{}, notify.TelegramConfig{}, nil
	}
	if nc.RatePerSec < 0 {
		return notify.Config{}, notify.TelegramConfig{}, errors.New("notify.rate_per_sec must be >= 0")
	}
	if nc.RetryMax < 0 {
		return notify.Config{}, notify.TelegramConfig{}, errors.New("notify.retry_max must be >= 0")
	}
	retryBase, err := config.ParseDurationOrDefault("notify.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notify.Config{}, notify.TelegramConfig{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notify.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notify.Config{}, notify.TelegramConfig{}, err
	}
	dedup, err := config.ParseDurationOrDefault("notify.dedup_window", nc.DedupWindow, time.Minute)
	if err != nil {
		return notify.Config{}, notify.TelegramConfig{}, err
	}
	token := strings.TrimSpace(nc.Token)
	enabled := nc.Enabled && token != ""
	if enabled && nc.ChatID == 0 {
		return notify.Config{}, notify.TelegramConfig{}, errors.New("notify.chat_id is required when notify is enabled")
	}
	nCfg := notify.Config{
		Enabled:       enabled,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		DedupWindow:   dedup,
		Events:        nc.Events,
	}
	return nCfg, notify.TelegramConfig{Token: token, ChatID: nc.ChatID, ThreadID: nc.ThreadID}, nil
}

// validate rejects configs a hot reload must not commit.
func validate(cfg *config.Config) error {
	if _, err := mapAutomationConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapNotifyConfig(cfg); err != nil {
		return err
	}
	return nil
}
