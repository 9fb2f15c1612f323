package main

import "voicechat/client/internal/config"

// Re-export types and functions from the config sub-package for convenient
// use from the rest of package main.

// Config holds all persistent user preferences.
type Config = config.Config

// ServerEntry is a saved server shown in the server browser.
type ServerEntry = config.ServerEntry

// LoadConfig loads the config from disk, returning defaults on any error.
func LoadConfig() Config { return config.Load() }

// SaveConfig persists cfg to disk.
func SaveConfig(cfg Config) error { return config.Save(cfg) }
