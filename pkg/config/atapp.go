package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BusConfig describes the process's own identity and reachability, the
// mirror image of a discovered PeerRecord.
type BusConfig struct {
	ID       uint64            `yaml:"id"`
	Name     string            `yaml:"name"`
	TypeID   uint64            `yaml:"type_id"`
	TypeName string            `yaml:"type_name"`
	Area     AreaConfig        `yaml:"area"`
	Version  string            `yaml:"version"`
	Listen   []string          `yaml:"listen"`
	Labels   map[string]string `yaml:"labels"`
}

// AreaConfig is the region/district/zone triple carried on PeerRecord.Area.
type AreaConfig struct {
	Region   string `yaml:"region"`
	District string `yaml:"district"`
	Zone     string `yaml:"zone"`
}

// EtcdConfig configures the Registry Client.
type EtcdConfig struct {
	Enable           bool          `yaml:"enable"`
	Hosts            []string      `yaml:"hosts"`
	Path             string        `yaml:"path"`
	Authorization    string        `yaml:"authorization"` // "user:pass", empty disables auth
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	AutoUpdateMembers bool         `yaml:"auto_update_members"`
	MemberUpdateInterval time.Duration `yaml:"member_update_interval"`
	MaxKeepaliveFailures int        `yaml:"max_keepalive_failures"`
}

// WithDefaults fills in the Registry Client's connection and retry
// defaults.
func (c EtcdConfig) WithDefaults() EtcdConfig {
	if c.Path == "" {
		c.Path = "/atapp/services/"
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = 16 * time.Second
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 5 * time.Second
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 1 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.MemberUpdateInterval == 0 {
		c.MemberUpdateInterval = 5 * time.Minute
	}
	if c.MaxKeepaliveFailures == 0 {
		c.MaxKeepaliveFailures = 3
	}
	return c
}

// TimerConfig configures the Application Core's tick loop.
type TimerConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	TickRoundTimeout  time.Duration `yaml:"tick_round_timeout"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
	ReservePermille   int           `yaml:"reserve_permille"`
	ReserveIntervalMin time.Duration `yaml:"reserve_interval_min"`
	ReserveIntervalMax time.Duration `yaml:"reserve_interval_max"`
}

// WithDefaults fills in tick-loop defaults.
func (c TimerConfig) WithDefaults() TimerConfig {
	if c.TickInterval == 0 {
		c.TickInterval = 32 * time.Millisecond
	}
	if c.TickRoundTimeout == 0 {
		c.TickRoundTimeout = 128 * time.Millisecond
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.ReservePermille == 0 {
		c.ReservePermille = 200
	}
	if c.ReserveIntervalMin == 0 {
		c.ReserveIntervalMin = 1 * time.Millisecond
	}
	if c.ReserveIntervalMax == 0 {
		c.ReserveIntervalMax = 64 * time.Millisecond
	}
	return c
}

// TopologyConfig configures reconnect/policy behavior for the Topology
// Connector.
type TopologyConfig struct {
	AllowDirectConnection bool              `yaml:"allow_direct_connection"`
	RequireSameUpstream   bool              `yaml:"require_same_upstream"`
	RequireSameHost       bool              `yaml:"require_same_host"`
	RequireSameProcess    bool              `yaml:"require_same_process"`
	RequireLabelValues    map[string]string `yaml:"require_label_values"`
	ReconnectStartInterval time.Duration    `yaml:"reconnect_start_interval"`
	ReconnectMaxInterval   time.Duration    `yaml:"reconnect_max_interval"`
	ReconnectMaxTryTimes   int              `yaml:"reconnect_max_try_times"`
	WaitTopologyDeadline   time.Duration    `yaml:"wait_topology_deadline"`
}

// WithDefaults fills in topology defaults.
func (c TopologyConfig) WithDefaults() TopologyConfig {
	if c.ReconnectStartInterval == 0 {
		c.ReconnectStartInterval = 8 * time.Second
	}
	if c.ReconnectMaxInterval == 0 {
		c.ReconnectMaxInterval = 60 * time.Second
	}
	if c.WaitTopologyDeadline == 0 {
		c.WaitTopologyDeadline = 120 * time.Second
	}
	return c
}

// EndpointConfig bounds a single Endpoint's pending queue.
type EndpointConfig struct {
	MaxMessageCount  int           `yaml:"max_message_count"`
	MaxTotalBytes    int64         `yaml:"max_total_bytes"`
	MessageTimeout   time.Duration `yaml:"message_timeout"`
	RetryMaxPerTick  int           `yaml:"retry_max_per_tick"`
	ShortBackoff     time.Duration `yaml:"short_backoff"`
}

// WithDefaults fills in endpoint defaults.
func (c EndpointConfig) WithDefaults() EndpointConfig {
	if c.MaxMessageCount == 0 {
		c.MaxMessageCount = 256
	}
	if c.MaxTotalBytes == 0 {
		c.MaxTotalBytes = 8 << 20
	}
	if c.MessageTimeout == 0 {
		c.MessageTimeout = 5 * time.Second
	}
	if c.RetryMaxPerTick == 0 {
		c.RetryMaxPerTick = 32
	}
	if c.ShortBackoff == 0 {
		c.ShortBackoff = 50 * time.Millisecond
	}
	return c
}

// TransportConfig configures the gRPC connection pool backing the
// network transport, mirroring the idle-eviction/health-sweep shape
// this module's other connection pools use.
type TransportConfig struct {
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	MaxIdleTime         time.Duration `yaml:"max_idle_time"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	UseTLS              bool          `yaml:"use_tls"`
	LoopbackMaxMessageCount int       `yaml:"loopback_max_message_count"`
	LoopbackMaxTotalBytes   int64     `yaml:"loopback_max_total_bytes"`
}

// WithDefaults fills in pool defaults.
func (c TransportConfig) WithDefaults() TransportConfig {
	if c.DialTimeout == 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.MaxIdleTime == 0 {
		c.MaxIdleTime = 10 * time.Minute
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.LoopbackMaxMessageCount == 0 {
		c.LoopbackMaxMessageCount = 256
	}
	if c.LoopbackMaxTotalBytes == 0 {
		c.LoopbackMaxTotalBytes = 8 << 20
	}
	return c
}

// RedisConfig configures the optional Discovery Set snapshot cache and
// watch-stream leader lease shared by replicas of the same logical node
// process, a convenience for multi-replica deployments.
type RedisConfig struct {
	Enable      bool          `yaml:"enable"`
	Addr        string        `yaml:"addr"`
	Namespace   string        `yaml:"namespace"`
	LeaseTTL    time.Duration `yaml:"lease_ttl"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
}

// WithDefaults fills in the snapshot-cache defaults.
func (c RedisConfig) WithDefaults() RedisConfig {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 15 * time.Second
	}
	if c.SnapshotTTL == 0 {
		c.SnapshotTTL = 30 * time.Second
	}
	return c
}

// Config is the top-level atapp.yaml document.
type Config struct {
	Bus            BusConfig      `yaml:"bus"`
	Etcd           EtcdConfig     `yaml:"etcd"`
	Redis          RedisConfig    `yaml:"redis"`
	Timer          TimerConfig    `yaml:"timer"`
	Topology       TopologyConfig `yaml:"topology"`
	Endpoint       EndpointConfig `yaml:"endpoint"`
	Transport      TransportConfig `yaml:"transport"`
	DisableBusFallback bool       `yaml:"disable_bus_fallback"`
}

// LoadFile reads and unmarshals a YAML config file, then applies ATAPP_*
// environment overrides: every configuration key that is not map-valued
// has an ATAPP_* upper-snake-case equivalent that overrides the file.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.Etcd = cfg.Etcd.WithDefaults()
	cfg.Redis = cfg.Redis.WithDefaults()
	cfg.Timer = cfg.Timer.WithDefaults()
	cfg.Topology = cfg.Topology.WithDefaults()
	cfg.Endpoint = cfg.Endpoint.WithDefaults()
	cfg.Transport = cfg.Transport.WithDefaults()
	overrideFromEnv("ATAPP", reflect.ValueOf(cfg).Elem())
	return cfg, nil
}

// overrideFromEnv walks a struct by reflection and, for every leaf field,
// checks for an ATAPP_<PATH>_<TO>_<FIELD> environment variable, each
// segment being the field's yaml key in upper case (etcd.keepalive_timeout
// becomes ATAPP_ETCD_KEEPALIVE_TIMEOUT). This keeps config keys
// env-overridable without hand-maintaining a parallel list; map-valued
// fields are not overridden.
func overrideFromEnv(prefix string, v reflect.Value) {
	if v.Kind() != reflect.Struct {
		return
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		name := strings.Split(field.Tag.Get("yaml"), ",")[0]
		if name == "" || name == "-" {
			name = field.Name
		}
		envKey := prefix + "_" + strings.ToUpper(name)
		switch fv.Kind() {
		case reflect.Struct:
			overrideFromEnv(envKey, fv)
		case reflect.String:
			if val, ok := os.LookupEnv(envKey); ok {
				fv.SetString(val)
			}
		case reflect.Bool:
			if val, ok := os.LookupEnv(envKey); ok {
				if parsed, err := strconv.ParseBool(val); err == nil {
					fv.SetBool(parsed)
				}
			}
		case reflect.Int, reflect.Int64:
			if val, ok := os.LookupEnv(envKey); ok {
				// time.Duration is int64-backed; accept Go duration syntax first.
				if fv.Type() == reflect.TypeOf(time.Duration(0)) {
					if d, err := time.ParseDuration(val); err == nil {
						fv.SetInt(int64(d))
						continue
					}
				}
				if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
					fv.SetInt(parsed)
				}
			}
		case reflect.Uint64, reflect.Uint:
			if val, ok := os.LookupEnv(envKey); ok {
				if parsed, err := strconv.ParseUint(val, 10, 64); err == nil {
					fv.SetUint(parsed)
				}
			}
		case reflect.Slice:
			if val, ok := os.LookupEnv(envKey); ok && fv.Type().Elem().Kind() == reflect.String {
				parts := strings.Split(val, ",")
				out := reflect.MakeSlice(fv.Type(), len(parts), len(parts))
				for i, p := range parts {
					out.Index(i).SetString(strings.TrimSpace(p))
				}
				fv.Set(out)
			}
		}
	}
}
