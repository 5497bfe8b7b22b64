package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	// ErrNilConfig is returned when Load receives a nil pointer.
	ErrNilConfig = errors.New("config: nil target")
	// ErrParsingConfig wraps environment parsing failures.
	ErrParsingConfig = errors.New("config: failed to parse environment")
)

var (
	dotenvOnce sync.Once
	cache      sync.Map // reflect.Type -> cached value
	loadMu     sync.Mutex
)

// loadDotenv loads .env from the working directory once. A missing file is fine.
func loadDotenv() {
	dotenvOnce.Do(func() {
		_ = godotenv.Load()
	})
}

// Load fills cfg from environment variables. Each struct type is parsed once;
// later calls for the same type copy the cached value into cfg.
// Fields without envDefault keep their current value when the variable is unset.
func Load[T any](cfg *T) error {
	if cfg == nil {
		return ErrNilConfig
	}
	typ := reflect.TypeFor[T]()

	if v, ok := cache.Load(typ); ok {
		*cfg = v.(T)
		return nil
	}

	loadMu.Lock()
	defer loadMu.Unlock()
	if v, ok := cache.Load(typ); ok {
		*cfg = v.(T)
		return nil
	}

	loadDotenv()
	parsed := *cfg
	if err := env.Parse(&parsed); err != nil {
		return errors.Join(ErrParsingConfig, fmt.Errorf("%s: %w", typ, err))
	}
	cache.Store(typ, parsed)
	*cfg = parsed
	return nil
}

// MustLoad is like Load but panics on failure. Intended for program startup.
func MustLoad[T any](cfg *T) {
	if err := Load(cfg); err != nil {
		panic(err)
	}
}

// Reset drops every cached configuration. Intended for tests.
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	cache.Range(func(k, _ any) bool {
		cache.Delete(k)
		return true
	})
}
