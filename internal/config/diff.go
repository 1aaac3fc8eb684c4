package config

import (
	"maps"
	"reflect"
	"slices"
	"strings"

	logx "dotpush/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Tokens and API keys are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oa, na := oldCfg.Automation, newCfg.Automation
	if strings.TrimSpace(oa.Timezone) != strings.TrimSpace(na.Timezone) ||
		strings.TrimSpace(oa.ExecTimeout) != strings.TrimSpace(na.ExecTimeout) ||
		oa.LogRetention != na.LogRetention ||
		!maps.Equal(oa.Credentials, na.Credentials) {
		changed = append(changed, "automation")
		attrs = append(attrs,
			logx.String("automation.timezone", strings.TrimSpace(na.Timezone)),
			logx.String("automation.exec_timeout", strings.TrimSpace(na.ExecTimeout)),
			logx.Int("automation.log_retention", na.LogRetention),
			logx.Strings("automation.devices", slices.Sorted(maps.Keys(na.Credentials))),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.base_url", strings.TrimSpace(newCfg.Delivery.BaseURL)),
			logx.String("delivery.timeout", strings.TrimSpace(newCfg.Delivery.Timeout)),
			logx.Int("delivery.rate_per_sec", newCfg.Delivery.RatePerSec),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)))
	}

	var oN, nN NotifyConfig
	if oldCfg.Notify != nil {
		oN = *oldCfg.Notify
	}
	if newCfg.Notify != nil {
		nN = *newCfg.Notify
	}
	if !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", nN.Enabled),
			logx.Bool("notify.token_set", strings.TrimSpace(nN.Token) != ""),
			logx.Int64("notify.chat_id", nN.ChatID),
			logx.Strings("notify.events", nN.Events),
		)
	}

	slices.Sort(changed)
	return changed, attrs
}

// RestartRequired reports sections whose changes only apply after restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "http", "notify":
			out = append(out, s)
		}
	}
	return out
}
