// Package config loads kallocctl settings from an optional file and the
// environment.
package config

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/shenjiangwei/kalloc/kalloc"
	"github.com/shenjiangwei/kalloc/logger"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. KALLOC_PAGE_SIZE
const EnvPrefix = "KALLOC"

// auto asks for the host value
const auto = "auto"

// Config is the loaded configuration
type Config struct {
	Kalloc   kalloc.Config
	LogLevel logger.LogLevel
	// Listen is the RPC address of serve
	Listen string
	// MetricsListen is the HTTP address serving /metrics
	MetricsListen string
}

func setDefaults(v *viper.Viper) {
	def := kalloc.DefaultConfig()
	v.SetDefault("physical_memory", humanize.IBytes(def.PhysicalMemory))
	v.SetDefault("page_size", def.PageSize)
	v.SetDefault("constrained_address_space", false)
	v.SetDefault("profile", string(def.Profile))
	v.SetDefault("sizes", []string{})
	v.SetDefault("maxima", []string{})
	v.SetDefault("alignment", 0)
	v.SetDefault("kernel_map.base", "0x"+strconv.FormatUint(def.KernelMapBase, 16))
	v.SetDefault("kernel_map.size", humanize.IBytes(def.KernelMapSize))
	v.SetDefault("log_level", "info")
	v.SetDefault("serve.listen", "127.0.0.1:7070")
	v.SetDefault("serve.metrics", "127.0.0.1:9090")
}

// Load reads path, if not empty, and applies KALLOC_* environment
// overrides on top of the defaults. Byte quantities accept humanized
// strings such as "8GiB"; physical_memory and page_size accept "auto".
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}
		logger.Debug("Reading configuration from %s", v.ConfigFileUsed())
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Kalloc:        kalloc.DefaultConfig(),
		Listen:        v.GetString("serve.listen"),
		MetricsListen: v.GetString("serve.metrics"),
	}
	k := &cfg.Kalloc
	var err error

	if k.PhysicalMemory, err = hostOrBytes(v, "physical_memory", HostPhysicalMemory); err != nil {
		return nil, err
	}
	if k.PageSize, err = hostOrBytes(v, "page_size", HostPageSize); err != nil {
		return nil, err
	}
	k.ConstrainedAddressSpace = v.GetBool("constrained_address_space")
	k.Profile = kalloc.Profile(v.GetString("profile"))

	if k.Sizes, err = byteList(v, "sizes"); err != nil {
		return nil, err
	}
	if k.Maxima, err = countList(v, "maxima"); err != nil {
		return nil, err
	}
	k.Alignment = uint64(v.GetInt64("alignment"))

	if k.KernelMapBase, err = strconv.ParseUint(v.GetString("kernel_map.base"), 0, 64); err != nil {
		return nil, errors.Wrap(err, "kernel_map.base")
	}
	if k.KernelMapSize, err = byteSize(v, "kernel_map.size"); err != nil {
		return nil, err
	}
	if cfg.LogLevel, err = ParseLogLevel(v.GetString("log_level")); err != nil {
		return nil, err
	}
	return cfg, nil
}

func byteSize(v *viper.Viper, key string) (uint64, error) {
	n, err := humanize.ParseBytes(v.GetString(key))
	if err != nil {
		return 0, errors.Wrapf(err, "%s", key)
	}
	return n, nil
}

func hostOrBytes(v *viper.Viper, key string, host func() (uint64, error)) (uint64, error) {
	if strings.EqualFold(v.GetString(key), auto) {
		n, err := host()
		if err != nil {
			return 0, errors.Wrapf(err, "%s: detecting host value", key)
		}
		return n, nil
	}
	return byteSize(v, key)
}

func byteList(v *viper.Viper, key string) ([]uint64, error) {
	var out []uint64
	for _, s := range v.GetStringSlice(key) {
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", key)
		}
		out = append(out, n)
	}
	return out, nil
}

func countList(v *viper.Viper, key string) ([]uint64, error) {
	var out []uint64
	for _, s := range v.GetStringSlice(key) {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", key)
		}
		out = append(out, n)
	}
	return out, nil
}

// ParseLogLevel parses a level name: none, fatal, error, warning, info or debug
func ParseLogLevel(s string) (logger.LogLevel, error) {
	switch strings.ToLower(s) {
	case "none":
		return logger.LogLevelNone, nil
	case "fatal":
		return logger.LogLevelFatal, nil
	case "error":
		return logger.LogLevelError, nil
	case "warning", "warn":
		return logger.LogLevelWarning, nil
	case "info":
		return logger.LogLevelInfo, nil
	case "debug":
		return logger.LogLevelDebug, nil
	}
	return 0, errors.Newf("unknown log level %q", s)
}
