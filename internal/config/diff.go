package config

import (
	"reflect"
	"sort"
	"strings"

	logx "moontele/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes the bot token),
// and (3) the names of forward rules that were added, removed or edited.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		ot.PollTimeout.String() != nt.PollTimeout.String() ||
		ot.RatePerSec != nt.RatePerSec ||
		strings.TrimSpace(ot.APIURL) != strings.TrimSpace(nt.APIURL) ||
		ot.UpdatesBuffer != nt.UpdatesBuffer {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.poll_timeout", nt.PollTimeout.String()),
			logx.Any("telegram.rate_per_sec", nt.RatePerSec),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if oldCfg.Templates != newCfg.Templates {
		changed = append(changed, "templates")
		attrs = append(attrs,
			logx.String("templates.path", newCfg.Templates.Path),
			logx.String("templates.account", newCfg.Templates.Account),
		)
	}

	rules := changedRules(oldCfg.Forward.Rules, newCfg.Forward.Rules)
	if len(rules) > 0 {
		changed = append(changed, "forward")
		attrs = append(attrs,
			logx.Int("forward.rules", len(newCfg.Forward.Rules)),
			logx.Strings("forward.changed", rules),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.String("broadcast.mode", newCfg.Broadcast.Mode),
			logx.String("broadcast.delay", newCfg.Broadcast.Delay.String()),
		)
	}

	if oldCfg.Harvest != newCfg.Harvest {
		changed = append(changed, "harvest")
	}

	oa, na := oldCfg.Autocast, newCfg.Autocast
	if oa.Enabled != na.Enabled ||
		strings.TrimSpace(oa.Timezone) != strings.TrimSpace(na.Timezone) ||
		!reflect.DeepEqual(oa.Schedules, na.Schedules) {
		changed = append(changed, "autocast")
		attrs = append(attrs,
			logx.Bool("autocast.enabled", na.Enabled),
			logx.String("autocast.timezone", strings.TrimSpace(na.Timezone)),
			logx.Int("autocast.schedules", len(na.Schedules)),
		)
	}

	return changed, attrs, rules
}

func changedRules(oldRules, newRules []ForwardRule) []string {
	byName := func(rules []ForwardRule) map[string]ForwardRule {
		m := make(map[string]ForwardRule, len(rules))
		for _, r := range rules {
			m[r.Name] = r
		}
		return m
	}
	om, nm := byName(oldRules), byName(newRules)

	var out []string
	for name, n := range nm {
		if o, ok := om[name]; !ok || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	for name := range om {
		if _, ok := nm[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
