// Package demagnetize holds the configuration for converting magnet links
// into torrent files.
package demagnetize

import (
	"os"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	yaml "gopkg.in/yaml.v2"
)

// Duration is a time.Duration that unmarshals from yaml strings such as
// "30s" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Config holds every tunable of a fetch session.
type Config struct {
	// Port announced to trackers. No listening socket is opened.
	Port int `yaml:"port"`
	// NumWant is the number of peers requested per announce.
	NumWant int `yaml:"numwant"`
	// CreatedBy is written into composed torrent files and sent as the
	// extension handshake client version.
	CreatedBy string `yaml:"created_by"`
	// Database is the path of the info blob cache. Empty disables caching.
	Database string `yaml:"database"`
	// BatchJobs bounds the number of magnets fetched in parallel by the
	// batch command.
	BatchJobs int `yaml:"batch_jobs"`

	FetchTimeout    Duration `yaml:"fetch_timeout"`
	MaxAnnounces    int      `yaml:"max_announces"`
	MaxPeerSessions int      `yaml:"max_peer_sessions"`

	TrackerHTTPTimeout   Duration `yaml:"tracker_http_timeout"`
	TrackerHTTPUserAgent string   `yaml:"tracker_http_user_agent"`
	TrackerUDPAttempts   int      `yaml:"tracker_udp_attempts"`

	PeerConnectTimeout   Duration `yaml:"peer_connect_timeout"`
	PeerHandshakeTimeout Duration `yaml:"peer_handshake_timeout"`
	PeerReadTimeout      Duration `yaml:"peer_read_timeout"`
	PeerSessionTimeout   Duration `yaml:"peer_session_timeout"`
	RequestQueueLength   int      `yaml:"request_queue_length"`
	MaxMetadataSize      uint32   `yaml:"max_metadata_size"`
	MaxMessageLength     uint32   `yaml:"max_message_length"`
}

// DefaultConfig is the set of defaults used when no config file is present.
var DefaultConfig = Config{
	Port:      6881,
	NumWant:   50,
	CreatedBy: "demagnetize",
	Database:  "~/.demagnetize/infos.db",
	BatchJobs: 50,

	FetchTimeout:    Duration{5 * time.Minute},
	MaxAnnounces:    20,
	MaxPeerSessions: 30,

	TrackerHTTPTimeout:   Duration{30 * time.Second},
	TrackerHTTPUserAgent: "demagnetize",
	TrackerUDPAttempts:   4,

	PeerConnectTimeout:   Duration{10 * time.Second},
	PeerHandshakeTimeout: Duration{10 * time.Second},
	PeerReadTimeout:      Duration{30 * time.Second},
	PeerSessionTimeout:   Duration{60 * time.Second},
	RequestQueueLength:   5,
	MaxMetadataSize:      100 << 20,
	MaxMessageLength:     2 << 20,
}

// LoadConfig reads a yaml config file. A missing file yields the defaults.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DatabasePath expands the configured cache path.
func (c *Config) DatabasePath() (string, error) {
	if c.Database == "" {
		return "", nil
	}
	return homedir.Expand(c.Database)
}
