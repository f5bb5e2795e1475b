package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// cacheEntry holds one parsed configuration type. The once guards parsing so
// concurrent first loads of the same type parse the environment only once.
type cacheEntry struct {
	once  sync.Once
	value any
	err   error
}

var (
	cacheMu sync.Mutex
	cache   = map[reflect.Type]*cacheEntry{}

	dotenvOnce sync.Once
)

// Load parses environment variables into v using its `env` struct tags.
//
// The first call of the process reads ./.env if present. Each configuration
// type is parsed once; later calls copy the cached value. A failed parse is
// not cached, so fixing the environment and calling Load again works.
//
//	var cfg deferred.Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
func Load[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}

	dotenvOnce.Do(func() {
		// A missing .env file is fine.
		_ = godotenv.Load()
	})

	entry := entryFor[T]()
	entry.once.Do(func() {
		var parsed T
		if err := env.Parse(&parsed); err != nil {
			entry.err = errors.Join(ErrParsingConfig, err)
			return
		}
		entry.value = parsed
	})

	if entry.err != nil {
		forget[T](entry)
		return entry.err
	}

	cached, ok := entry.value.(T)
	if !ok {
		return ErrInvalidConfigType
	}
	*v = cached
	return nil
}

// MustLoad is Load that panics on failure. Use it for settings the process
// cannot start without.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}

// Reload drops the cached value of T and parses the environment again.
func Reload[T any](v *T) error {
	cacheMu.Lock()
	delete(cache, typeOf[T]())
	cacheMu.Unlock()
	return Load(v)
}

// LoadEnv reads the given .env files into the process environment, later
// files overriding earlier ones. Without paths it reads ./.env. Variables
// already set in the environment are overwritten.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Overload(p); err != nil {
			return errors.Join(ErrLoadingEnvFile, fmt.Errorf("%s: %w", p, err))
		}
	}
	return nil
}

// MustLoadEnv is LoadEnv that panics on failure.
func MustLoadEnv(paths ...string) {
	if err := LoadEnv(paths...); err != nil {
		panic(err)
	}
}

// ResetCache forgets every parsed configuration. Intended for tests.
func ResetCache() {
	cacheMu.Lock()
	cache = map[reflect.Type]*cacheEntry{}
	cacheMu.Unlock()
}

func entryFor[T any]() *cacheEntry {
	t := typeOf[T]()

	cacheMu.Lock()
	defer cacheMu.Unlock()

	entry, ok := cache[t]
	if !ok {
		entry = &cacheEntry{}
		cache[t] = entry
	}
	return entry
}

// forget removes entry if it is still the cached one for T.
func forget[T any](entry *cacheEntry) {
	t := typeOf[T]()

	cacheMu.Lock()
	defer cacheMu.Unlock()

	if cache[t] == entry {
		delete(cache, t)
	}
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}
