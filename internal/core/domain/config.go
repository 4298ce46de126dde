package domain

import (
	"runtime"
	"strconv"
)

// BuildConfig is the build-session configuration handed to every stage.
// It is a value type; the With methods return modified copies.
type BuildConfig struct {
	nonInteractive bool
	locale         string
	timezone       string
	parallelism    int
	contextDir     string
	noCache        bool
	strictLock     bool
}

// DefaultBuildConfig returns the configuration used when nothing is overridden:
// non-interactive installs, UTC timezone, C.UTF-8 locale and one job per processor.
func DefaultBuildConfig() BuildConfig {
	return BuildConfig{
		nonInteractive: true,
		locale:         "C.UTF-8",
		timezone:       "Etc/UTC",
		parallelism:    runtime.NumCPU(),
		contextDir:     ".",
	}
}

// NonInteractive reports whether package installs must never prompt.
func (c BuildConfig) NonInteractive() bool { return c.nonInteractive }

// Locale returns the system locale of assembled environments.
func (c BuildConfig) Locale() string { return c.locale }

// Timezone returns the system timezone of assembled environments.
func (c BuildConfig) Timezone() string { return c.timezone }

// Parallelism returns the number of parallel jobs and pipelines.
func (c BuildConfig) Parallelism() int { return c.parallelism }

// ContextDir returns the directory build context paths are relative to.
func (c BuildConfig) ContextDir() string { return c.contextDir }

// NoCache reports whether stored stage results are ignored.
func (c BuildConfig) NoCache() bool { return c.noCache }

// StrictLock reports whether every installed package must be pinned in the lockfile.
func (c BuildConfig) StrictLock() bool { return c.strictLock }

// WithNonInteractive sets the package manager policy.
func (c BuildConfig) WithNonInteractive(v bool) BuildConfig {
	c.nonInteractive = v
	return c
}

// WithLocale sets the locale; an empty value keeps the current one.
func (c BuildConfig) WithLocale(v string) BuildConfig {
	if v != "" {
		c.locale = v
	}
	return c
}

// WithTimezone sets the timezone; an empty value keeps the current one.
func (c BuildConfig) WithTimezone(v string) BuildConfig {
	if v != "" {
		c.timezone = v
	}
	return c
}

// WithParallelism sets the job count; values below one keep the current setting.
func (c BuildConfig) WithParallelism(v int) BuildConfig {
	if v > 0 {
		c.parallelism = v
	}
	return c
}

// WithContextDir sets the build context directory; an empty value keeps the current one.
func (c BuildConfig) WithContextDir(v string) BuildConfig {
	if v != "" {
		c.contextDir = v
	}
	return c
}

// WithNoCache bypasses the stage cache.
func (c BuildConfig) WithNoCache(v bool) BuildConfig {
	c.noCache = v
	return c
}

// WithStrictLock requires a lockfile entry for every installed package.
func (c BuildConfig) WithStrictLock(v bool) BuildConfig {
	c.strictLock = v
	return c
}

// Jobs returns the parallel job count for a compile instruction.
func (c BuildConfig) Jobs(in Compile) int {
	if in.Jobs > 0 {
		return in.Jobs
	}
	return max(c.parallelism, 1)
}

// Environment returns the variables a stage process sees for the given system settings.
func (c BuildConfig) Environment(settings ...SystemSetting) map[string]string {
	env := make(map[string]string)
	for _, s := range settings {
		switch s {
		case SettingNonInteractive:
			if c.nonInteractive {
				env["DEBIAN_FRONTEND"] = "noninteractive"
			}
		case SettingTimezone:
			env["TZ"] = c.timezone
		case SettingLocale:
			env["LANG"] = c.locale
			env["LC_ALL"] = c.locale
		}
	}
	return env
}

// Canonical returns the fields that influence stage contents, used for hashing.
// Parallelism and caching do not change what a stage produces and are left out.
func (c BuildConfig) Canonical() []string {
	return []string{
		strconv.FormatBool(c.nonInteractive),
		c.locale,
		c.timezone,
		strconv.FormatBool(c.strictLock),
	}
}
