package config

import (
	"fmt"
	"reflect"
)

// Change is one setting that differs between two configurations.
type Change struct {
	Key string
	Old any
	New any

	// Live is set when a running application applies the change. Other
	// keys take effect on the next start.
	Live bool
}

// String returns the change in key: old -> new form.
func (c Change) String() string {
	return fmt.Sprintf("%s: %v -> %v", c.Key, c.Old, c.New)
}

// Diff lists the settings that differ between oldConfig and newConfig, in
// a fixed key order.
func Diff(oldConfig, newConfig *Config) []Change {
	var changes []Change
	add := func(key string, o, n any, live bool) {
		if !reflect.DeepEqual(o, n) {
			changes = append(changes, Change{Key: key, Old: o, New: n, Live: live})
		}
	}

	add("app.name", oldConfig.App.Name, newConfig.App.Name, false)
	add("app.version", oldConfig.App.Version, newConfig.App.Version, false)
	add("app.environment", oldConfig.App.Environment, newConfig.App.Environment, false)
	add("app.metadata", oldConfig.App.Metadata, newConfig.App.Metadata, false)

	add("log.level", oldConfig.Log.Level, newConfig.Log.Level, true)
	add("log.output", oldConfig.Log.Output, newConfig.Log.Output, true)

	o, n := oldConfig.Runtime, newConfig.Runtime
	add("runtime.default_capacity", o.DefaultCapacity, n.DefaultCapacity, true)
	add("runtime.main_capacity", o.MainCapacity, n.MainCapacity, false)
	add("runtime.max_workers", o.MaxWorkers, n.MaxWorkers, true)
	add("runtime.lock_os_thread", o.LockOSThread, n.LockOSThread, true)
	add("runtime.max_depth", o.MaxDepth, n.MaxDepth, true)
	add("runtime.shutdown_timeout", o.ShutdownTimeout, n.ShutdownTimeout, true)
	return changes
}

// HasChange reports whether changes contains key.
func HasChange(changes []Change, key string) bool {
	for _, c := range changes {
		if c.Key == key {
			return true
		}
	}
	return false
}
