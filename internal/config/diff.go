package config

import (
	"reflect"
)

// Change describes what differs between two configs.
//
// Live lists sections that are re-applied at runtime. Restart lists sections
// whose new values only take effect after a restart (credentials, channel,
// storage, ops listener).
type Change struct {
	Live    []string
	Restart []string
}

func (c Change) Empty() bool { return len(c.Live) == 0 && len(c.Restart) == 0 }

// SummarizeChange compares two configs section by section. Secrets are never
// part of the result, only section names.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	live := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			ch.Live = append(ch.Live, name)
		}
	}
	restart := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			ch.Restart = append(ch.Restart, name)
		}
	}

	restart("telegram", oldCfg.Telegram, newCfg.Telegram)
	restart("provider", oldCfg.Provider, newCfg.Provider)
	live("orders", oldCfg.Orders, newCfg.Orders)
	live("announce.refresh_interval", oldCfg.Announce.RefreshInterval, newCfg.Announce.RefreshInterval)
	live("announce.scan_limit", oldCfg.Announce.ScanLimit, newCfg.Announce.ScanLimit)
	restart("announce.embed", [2]string{oldCfg.Announce.Author, oldCfg.Announce.URL}, [2]string{newCfg.Announce.Author, newCfg.Announce.URL})
	live("logging", oldCfg.Logging, newCfg.Logging)
	restart("storage", oldCfg.Storage, newCfg.Storage)
	restart("ops", oldCfg.Ops, newCfg.Ops)
	return ch
}
