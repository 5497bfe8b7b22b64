// Package config provides type-safe environment variable loading with caching
// using Go generics. Each configuration type is loaded once and cached for
// subsequent calls.
//
// A .env file in the working directory is loaded on first use (joho/godotenv)
// and struct fields are parsed with caarlos0/env.
//
// Basic usage:
//
//	import "github.com/dmitrymomot/sessionkit/core/config"
//
//	cfg := session.DefaultConfig()
//	if err := config.Load(&cfg); err != nil {
//		log.Fatal(err)
//	}
//
//	// Or panic on failure (useful for startup)
//	var redisCfg redis.Config
//	config.MustLoad(&redisCfg)
//
// Each configuration type is parsed only once per process; later calls for the
// same type receive the cached value. Use Reset in tests that change the environment.
package config
