// Package config provides type-safe environment variable loading with caching
// using Go generics. Each configuration type is loaded once and cached for
// subsequent calls.
//
// The package automatically loads .env files on first use and uses the
// caarlos0/env library for parsing environment variables into struct fields.
//
// Basic usage:
//
//	import "github.com/dmitrymomot/cloudagent/core/config"
//
//	type ChannelConfig struct {
//		ServerURL         string        `env:"CLOUD_SERVER_URL,required"`
//		HeartbeatInterval time.Duration `env:"CLOUD_HEARTBEAT_INTERVAL" envDefault:"55s"`
//	}
//
//	func main() {
//		var cfg ChannelConfig
//
//		// Load with error handling
//		if err := config.Load(&cfg); err != nil {
//			log.Fatal(err)
//		}
//
//		// Or panic on failure (useful for startup)
//		config.MustLoad(&cfg)
//	}
//
// # Caching Behavior
//
// Each configuration type is loaded only once per application lifetime:
//
//	var cfg1 ChannelConfig
//	config.Load(&cfg1) // Loads from environment
//
//	var cfg2 ChannelConfig
//	config.Load(&cfg2) // Returns cached value, cfg1 == cfg2
package config
