package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/schoolpsy/psyhelper/internal/util"
)

// EnvPrefix is the prefix for environment overrides, e.g. PSY_CLOUD_URI.
const EnvPrefix = "PSY"

type Config struct {
	Paths  Paths  `json:"paths" mapstructure:"paths"`
	Cloud  Cloud  `json:"cloud" mapstructure:"cloud"`
	Sync   Sync   `json:"sync" mapstructure:"sync"`
	Call   Call   `json:"call" mapstructure:"call"`
	Viewer Viewer `json:"viewer" mapstructure:"viewer"`
	Log    Log    `json:"log" mapstructure:"log"`
}

type Paths struct {
	// Directory holding data.db. Relative to the app directory.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Optional questionnaire bundle (JSON array of {text, category}).
	// Empty or missing file means the embedded bundle is used.
	QuestionBank string `json:"question_bank" mapstructure:"question_bank"`
}

type Cloud struct {
	// "mongo" or "memory". The memory driver keeps documents in-process and
	// is meant for development and single-device use.
	Driver     string `json:"driver" mapstructure:"driver"`
	URI        string `json:"uri" mapstructure:"uri"`
	Database   string `json:"database" mapstructure:"database"`
	TimeoutSec int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

type Sync struct {
	Enabled        bool `json:"enabled" mapstructure:"enabled"`
	IntervalSec    int  `json:"interval_seconds" mapstructure:"interval_seconds"`
	OnlineCheckSec int  `json:"online_check_seconds" mapstructure:"online_check_seconds"`
}

type Call struct {
	ICEServers            []string `json:"ice_servers" mapstructure:"ice_servers"`
	NegotiationTimeoutSec int      `json:"negotiation_timeout_seconds" mapstructure:"negotiation_timeout_seconds"`
	IncomingFreshSec      int      `json:"incoming_fresh_seconds" mapstructure:"incoming_fresh_seconds"`
	VideoWidth            int      `json:"video_width" mapstructure:"video_width"`
	VideoHeight           int      `json:"video_height" mapstructure:"video_height"`
	PreferredCam          string   `json:"preferred_cam" mapstructure:"preferred_cam"`
	PreferredMic          string   `json:"preferred_mic" mapstructure:"preferred_mic"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr" mapstructure:"http_addr"`
	Debug    bool   `json:"debug" mapstructure:"debug"`
}

type Log struct {
	Level  string `json:"level" mapstructure:"level"`
	Format string `json:"format" mapstructure:"format"` // color, nocolor or json
	// Number of log lines kept for /api/logs.
	BufferLines int `json:"buffer_lines" mapstructure:"buffer_lines"`
}

func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:      "data",
			QuestionBank: "questions.json",
		},
		Cloud: Cloud{
			Driver:     "memory",
			Database:   "psyhelper",
			TimeoutSec: 10,
		},
		Sync: Sync{
			Enabled:        true,
			IntervalSec:    60,
			OnlineCheckSec: 3,
		},
		Call: Call{
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
				"stun:global.stun.twilio.com:3478",
			},
			NegotiationTimeoutSec: 45,
			IncomingFreshSec:      60,
			VideoWidth:            640,
			VideoHeight:           480,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Log: Log{
			Level:       "info",
			Format:      "color",
			BufferLines: 500,
		},
	}
}

func (c *Config) Validate() error {
	// Paths
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	// Cloud
	switch c.Cloud.Driver {
	case "memory":
	case "mongo":
		if strings.TrimSpace(c.Cloud.URI) == "" {
			return errors.New("cloud.uri is required when cloud.driver is mongo")
		}
		u, err := url.Parse(c.Cloud.URI)
		if err != nil {
			return fmt.Errorf("cloud.uri: %w", err)
		}
		if u.Scheme != "mongodb" && u.Scheme != "mongodb+srv" {
			return errors.New("cloud.uri scheme must be mongodb or mongodb+srv")
		}
	default:
		return fmt.Errorf("cloud.driver must be mongo or memory, got %q", c.Cloud.Driver)
	}
	if strings.TrimSpace(c.Cloud.Database) == "" {
		return errors.New("cloud.database is required")
	}
	if c.Cloud.TimeoutSec <= 0 {
		return errors.New("cloud.timeout_seconds must be > 0")
	}

	// Sync
	if c.Sync.Enabled && c.Sync.IntervalSec < 5 {
		return errors.New("sync.interval_seconds must be >= 5 when sync is enabled")
	}
	if c.Sync.OnlineCheckSec <= 0 {
		return errors.New("sync.online_check_seconds must be > 0")
	}

	// Call
	if len(c.Call.ICEServers) == 0 {
		return errors.New("call.ice_servers must list at least one server")
	}
	for _, s := range c.Call.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("call.ice_servers: %q must start with stun:, turn: or turns:", s)
		}
	}
	if c.Call.NegotiationTimeoutSec < 5 || c.Call.NegotiationTimeoutSec > 600 {
		return errors.New("call.negotiation_timeout_seconds must be 5..600")
	}
	if c.Call.IncomingFreshSec <= 0 {
		return errors.New("call.incoming_fresh_seconds must be > 0")
	}
	if c.Call.VideoWidth <= 0 || c.Call.VideoHeight <= 0 {
		return errors.New("call.video_width and call.video_height must be > 0")
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Log
	switch c.Log.Format {
	case "", "color", "nocolor", "json":
	default:
		return errors.New("log.format must be color, nocolor or json")
	}

	return nil
}

// newViper prepares a viper instance seeded with every default key so that
// PSY_* variables also override keys absent from the file.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	b, err := json.Marshal(Default())
	if err != nil {
		return nil, err
	}
	var defaults map[string]any
	if err := json.Unmarshal(b, &defaults); err != nil {
		return nil, err
	}
	setDefaults(v, "", defaults)
	return v, nil
}

func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

func decode(b []byte) (Config, error) {
	v, err := newViper()
	if err != nil {
		return Config{}, err
	}
	if err := v.ReadConfig(bytes.NewReader(stripBOM(b))); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg, err := decode(b)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without validation. Useful for reading
// individual fields (like the log level) when full validation may fail.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return decode(b)
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
