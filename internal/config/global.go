package config

import "sync/atomic"

var current atomic.Value

func init() {
	c := Default()
	current.Store(&c)
}

// Load returns the current config. Treat the result as read-only; callers
// that need to mutate should go through Update.
func Load() *Config {
	return current.Load().(*Config)
}

// Init resets the global config to spec defaults. Safe to call more than
// once (e.g. at the top of a test).
func Init() {
	c := Default()
	current.Store(&c)
}

// Update applies mut to a copy of the current config and swaps it in
// atomically, returning the new value.
func Update(mut func(*Config)) *Config {
	c := *Load()
	mut(&c)
	current.Store(&c)
	return &c
}

// Swap replaces the global config outright.
func Swap(next Config) *Config {
	current.Store(&next)
	return &next
}
