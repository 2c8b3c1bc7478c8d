package cli

import (
	"github.com/zot/chatproxy/internal/config"
	"github.com/zot/chatproxy/internal/server"
)

// Re-export config types for public API
type (
	Config          = config.Config
	ServerConfig    = config.ServerConfig
	LoggingConfig   = config.LoggingConfig
	SessionPool     = config.SessionPool
	HTTPDestination = config.HTTPDestination
	Chat            = config.Chat
	Duration        = config.Duration
	Server          = server.Server
)

// Re-export constructors for public API
var (
	DefaultConfig = config.DefaultConfig
	Load          = config.Load
	NewServer     = server.New
)
