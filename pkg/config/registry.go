package config

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/quorumsync/reconciler/pkg/driver"
	"github.com/quorumsync/reconciler/pkg/keys"
)

// DefaultTimeout is the driver call timeout spec.md §5 defaults to when a
// source does not set timeout_seconds.
const DefaultTimeout = 30 * time.Second

// ToDriverConfig flattens s into the string bag pkg/driver.Config expects.
func (s SourceConfig) ToDriverConfig() driver.Config {
	cfg := driver.Config{}
	if s.BaseURL != "" {
		cfg["base_url"] = s.BaseURL
	}
	if s.CookieJar != "" {
		cfg["cookie_jar"] = s.CookieJar
	}
	if s.TimeoutSecond != 0 {
		cfg["timeout_seconds"] = strconv.Itoa(s.TimeoutSecond)
	}
	return cfg
}

// BuildRegistry builds the static driver registry from f's entities tree
// (spec.md §4.3): one registration per enabled source, entities in sorted
// name order and sources within an entity in the declared order of
// Enabled, so Init/Finalize sequencing is reproducible across runs of the
// same file — f.Entities is a Go map and iterates in randomised order on
// its own.
func BuildRegistry(f *File) (*driver.Registry, error) {
	entityNames := make([]string, 0, len(f.Entities))
	for entityName := range f.Entities {
		entityNames = append(entityNames, entityName)
	}
	sort.Strings(entityNames)

	var regs []driver.Registration
	for _, entityName := range entityNames {
		ec := f.Entities[entityName]
		for _, sourceName := range ec.Enabled {
			sc, ok := ec.Sources[sourceName]
			if !ok {
				return nil, fmt.Errorf("entities.%s.enabled names source %q with no configuration", entityName, sourceName)
			}
			d, err := buildDriver(sc)
			if err != nil {
				return nil, fmt.Errorf("entities.%s.%s: %w", entityName, sourceName, err)
			}
			regs = append(regs, driver.Registration{
				Entity: keys.Entity(entityName),
				Source: keys.Source(sourceName),
				Driver: d,
				Config: sc.ToDriverConfig(),
			})
		}
	}
	return driver.NewRegistry(regs...), nil
}

func buildDriver(sc SourceConfig) (driver.Driver, error) {
	switch sc.DriverType() {
	case "shell":
		return driver.NewShellDriver(sc.Create, sc.Read, sc.Update, sc.Delete, sc.NotFoundPattern)
	case "http":
		timeout := DefaultTimeout
		if sc.TimeoutSecond != 0 {
			timeout = time.Duration(sc.TimeoutSecond) * time.Second
		}
		// BaseURL/CookieJarPath are left for Registry.Init to pull from
		// Config, keeping Init/Finalize sequencing the single place
		// drivers come online.
		return &driver.HTTPDriver{Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unknown source type %q", sc.Type)
	}
}
