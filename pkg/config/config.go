// Package config loads pulseworm settings from defaults, an optional
// config file, PULSEWORM_* environment variables and bound CLI flags.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"pulseworm/pkg/evasion"
	engine "pulseworm/pkg/fuzzer-engine"
	"pulseworm/pkg/oracle"
	"pulseworm/pkg/scan"
)

const EnvPrefix = "PULSEWORM"

var ErrInvalid = errors.New("config: invalid")

type ScanConfig struct {
	Workers   int
	Timeout   time.Duration
	TCPPorts  []int
	UDP       bool
	UDPPorts  []int
	Intensity int
}

type EvasionConfig struct {
	Enabled      bool
	StealthLevel int
	ProfileFile  string
}

type FuzzConfig struct {
	Enabled          bool
	PopulationSize   int
	MutationRate     float64
	Generations      int
	Timeout          time.Duration
	ReadSize         int
	AnomalyThreshold float64
	CrashDir         string
	Seed             int64
}

type StoreConfig struct {
	PostgresDSN  string
	RedisAddr    string
	RedisChannel string
}

type APIConfig struct {
	Listen    string
	JWTSecret string
}

type LogConfig struct {
	Level  string
	Format string
}

type Config struct {
	Scan    ScanConfig
	Evasion EvasionConfig
	Fuzz    FuzzConfig
	Store   StoreConfig
	API     APIConfig
	Log     LogConfig
}

// SetDefaults registers every key with its default.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("scan.workers", engine.DefaultWorkers)
	v.SetDefault("scan.timeout", scan.DefaultTimeout)
	v.SetDefault("scan.tcp_ports", []int{})
	v.SetDefault("scan.udp", true)
	v.SetDefault("scan.udp_ports", []int{})
	v.SetDefault("scan.intensity", 3)

	v.SetDefault("evasion.enabled", true)
	v.SetDefault("evasion.stealth_level", 2)
	v.SetDefault("evasion.profile_file", "")

	v.SetDefault("fuzz.enabled", false)
	v.SetDefault("fuzz.population_size", engine.DefaultPopulationSize)
	v.SetDefault("fuzz.mutation_rate", engine.DefaultMutationRate)
	v.SetDefault("fuzz.generations", engine.DefaultGenerations)
	v.SetDefault("fuzz.timeout", engine.DefaultTimeout)
	v.SetDefault("fuzz.read_size", oracle.DefaultReadSize)
	v.SetDefault("fuzz.anomaly_threshold", 50.0)
	v.SetDefault("fuzz.crash_dir", "")
	v.SetDefault("fuzz.seed", 0)

	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.redis_addr", "")
	v.SetDefault("store.redis_channel", "pulseworm:runs")

	v.SetDefault("api.listen", "")
	v.SetDefault("api.jwt_secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads file (if any) into v and returns the validated config.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	ports, err := intList(v, "scan.tcp_ports")
	if err != nil {
		return nil, err
	}
	udpPorts, err := intList(v, "scan.udp_ports")
	if err != nil {
		return nil, err
	}

	c := &Config{
		Scan: ScanConfig{
			Workers:   v.GetInt("scan.workers"),
			Timeout:   v.GetDuration("scan.timeout"),
			TCPPorts:  ports,
			UDP:       v.GetBool("scan.udp"),
			UDPPorts:  udpPorts,
			Intensity: v.GetInt("scan.intensity"),
		},
		Evasion: EvasionConfig{
			Enabled:      v.GetBool("evasion.enabled"),
			StealthLevel: v.GetInt("evasion.stealth_level"),
			ProfileFile:  v.GetString("evasion.profile_file"),
		},
		Fuzz: FuzzConfig{
			Enabled:          v.GetBool("fuzz.enabled"),
			PopulationSize:   v.GetInt("fuzz.population_size"),
			MutationRate:     v.GetFloat64("fuzz.mutation_rate"),
			Generations:      v.GetInt("fuzz.generations"),
			Timeout:          v.GetDuration("fuzz.timeout"),
			ReadSize:         v.GetInt("fuzz.read_size"),
			AnomalyThreshold: v.GetFloat64("fuzz.anomaly_threshold"),
			CrashDir:         v.GetString("fuzz.crash_dir"),
			Seed:             v.GetInt64("fuzz.seed"),
		},
		Store: StoreConfig{
			PostgresDSN:  v.GetString("store.postgres_dsn"),
			RedisAddr:    v.GetString("store.redis_addr"),
			RedisChannel: v.GetString("store.redis_channel"),
		},
		API: APIConfig{
			Listen:    v.GetString("api.listen"),
			JWTSecret: v.GetString("api.jwt_secret"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// intList accepts a YAML list or a comma separated string (from env).
func intList(v *viper.Viper, key string) ([]int, error) {
	raw := v.Get(key)
	s, ok := raw.(string)
	if !ok {
		return v.GetIntSlice(key), nil
	}
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %q is not a port", ErrInvalid, key, f)
		}
		out = append(out, n)
	}
	return out, nil
}

func (c *Config) Validate() error {
	var errs []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Sprintf(format, args...))
		}
	}
	check(c.Scan.Workers > 0, "scan.workers must be positive, got %d", c.Scan.Workers)
	check(c.Scan.Timeout > 0, "scan.timeout must be positive")
	check(c.Scan.Intensity >= 1 && c.Scan.Intensity <= 5, "scan.intensity must be 1-5, got %d", c.Scan.Intensity)
	for _, p := range c.Scan.TCPPorts {
		check(p > 0 && p < 65536, "scan.tcp_ports: %d out of range", p)
	}
	for _, p := range c.Scan.UDPPorts {
		check(p > 0 && p < 65536, "scan.udp_ports: %d out of range", p)
	}
	check(c.Evasion.StealthLevel >= evasion.MinStealthLevel && c.Evasion.StealthLevel <= evasion.MaxStealthLevel,
		"evasion.stealth_level must be %d-%d, got %d", evasion.MinStealthLevel, evasion.MaxStealthLevel, c.Evasion.StealthLevel)
	check(c.Fuzz.PopulationSize >= 2, "fuzz.population_size must be at least 2, got %d", c.Fuzz.PopulationSize)
	check(c.Fuzz.MutationRate > 0 && c.Fuzz.MutationRate <= 1, "fuzz.mutation_rate must be in (0, 1], got %g", c.Fuzz.MutationRate)
	check(c.Fuzz.Generations >= 1, "fuzz.generations must be at least 1, got %d", c.Fuzz.Generations)
	check(c.Fuzz.Timeout > 0, "fuzz.timeout must be positive")
	check(c.Fuzz.ReadSize > 0, "fuzz.read_size must be positive")
	check(c.Fuzz.AnomalyThreshold >= 0, "fuzz.anomaly_threshold must not be negative")
	_, err := logrus.ParseLevel(c.Log.Level)
	check(err == nil, "log.level %q unknown", c.Log.Level)
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json, got %q", c.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// Params are the genetic search settings.
func (c *Config) Params() engine.Params {
	return engine.Params{
		PopulationSize:   c.Fuzz.PopulationSize,
		MutationRate:     c.Fuzz.MutationRate,
		Generations:      c.Fuzz.Generations,
		Timeout:          c.Fuzz.Timeout,
		AnomalyThreshold: c.Fuzz.AnomalyThreshold,
	}
}

// Profile is the evasion profile, or nil when evasion is disabled.
func (c *Config) Profile() (*evasion.Profile, error) {
	if !c.Evasion.Enabled {
		return nil, nil
	}
	var (
		p   evasion.Profile
		err error
	)
	if c.Evasion.ProfileFile != "" {
		p, err = evasion.LoadProfile(c.Evasion.ProfileFile, c.Evasion.StealthLevel)
	} else {
		p, err = evasion.DefaultProfile(c.Evasion.StealthLevel)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Ports are the configured TCP ports or the defaults for the intensity.
func (c *Config) Ports() []int {
	if len(c.Scan.TCPPorts) > 0 {
		return append([]int(nil), c.Scan.TCPPorts...)
	}
	return scan.DefaultTCPPorts(c.Scan.Intensity)
}

// UDPPorts are the configured UDP ports, the defaults for the intensity, or
// nil when UDP probing is off.
func (c *Config) UDPPorts() []int {
	if !c.Scan.UDP {
		return nil
	}
	if len(c.Scan.UDPPorts) > 0 {
		return append([]int(nil), c.Scan.UDPPorts...)
	}
	return scan.DefaultUDPPorts(c.Scan.Intensity)
}

// ConfigureLogger applies level and format to log.
func (c LogConfig) ConfigureLogger(log *logrus.Logger) error {
	lvl, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	if c.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
