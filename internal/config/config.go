// Package config reads xylem's environment settings.
package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

const (
	EnvDataDir   = "XYLEM_DATA_DIR"
	EnvLog       = "XYLEM_LOG"
	EnvWorkers   = "XYLEM_WORKERS"
	EnvCacheSize = "XYLEM_CACHE_SIZE"

	DefaultCacheSize = 16
)

// Int reads an integer variable, falling back to def when unset or malformed.
func Int(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// Workers is the MEU candidate concurrency; defaults to GOMAXPROCS.
func Workers() int {
	n := Int(EnvWorkers, runtime.GOMAXPROCS(0))
	if n < 1 {
		return 1
	}
	return n
}

// CacheSize is how many compiled networks the server keeps.
func CacheSize() int {
	n := Int(EnvCacheSize, DefaultCacheSize)
	if n < 1 {
		return 1
	}
	return n
}
