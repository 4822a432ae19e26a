package main

import (
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/sarchlab/vmcore/mem/phys"
)

// Environment variables read as defaults. Flags override them.
const (
	envMemory      = "VMKIT_MEMORY"
	envMinFree     = "VMKIT_MIN_FREE"
	envRecord      = "VMKIT_RECORD"
	envMonitorPort = "VMKIT_MONITOR_PORT"
)

func loadEnv(path string) error {
	if path == "" {
		return nil
	}

	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "loading %s", path)
	}

	return nil
}

// parseSize reads a byte count with an optional K, M or G suffix.
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	s = strings.TrimSuffix(s, "B")
	s = strings.TrimSuffix(s, "I")

	shift := 0

	switch {
	case strings.HasSuffix(s, "K"):
		shift = 10
	case strings.HasSuffix(s, "M"):
		shift = 20
	case strings.HasSuffix(s, "G"):
		shift = 30
	}

	if shift > 0 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size %q", s)
	}

	return n << shift, nil
}

// sizeToPages converts a size to whole pages, rounding down.
func sizeToPages(s string) (uint64, error) {
	n, err := parseSize(s)
	if err != nil {
		return 0, err
	}

	return n / phys.PageSize, nil
}

type simConfig struct {
	memory      uint64
	minFree     int64
	record      string
	monitorPort int
}

// envSimConfig returns the simulation defaults found in the environment.
// minFree is negative when the allocator default applies. monitorPort is
// negative when no monitor is started.
func envSimConfig() (simConfig, error) {
	c := simConfig{
		memory:      16 << 20,
		minFree:     -1,
		record:      os.Getenv(envRecord),
		monitorPort: -1,
	}

	if v := os.Getenv(envMemory); v != "" {
		n, err := parseSize(v)
		if err != nil {
			return c, errors.Wrap(err, envMemory)
		}

		c.memory = n
	}

	if v := os.Getenv(envMinFree); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c, errors.Wrap(err, envMinFree)
		}

		c.minFree = n
	}

	if v := os.Getenv(envMonitorPort); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, errors.Wrap(err, envMonitorPort)
		}

		c.monitorPort = n
	}

	return c, nil
}
