package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"

	"github.com/BioHazard786/Huddle/internal/netutil"
	"github.com/BioHazard786/Huddle/internal/roomcode"
)

// Defaults. The rendezvous default points at a local `huddle serve`.
const (
	DefaultServer           = "ws://127.0.0.1:8765/ws"
	DefaultSTUN             = "stun:stun.l.google.com:19302"
	DefaultPingInterval     = 3 * time.Second
	DefaultHostTimeout      = 10 * time.Second
	DefaultJoinTimeout      = 15 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultReconnectDelay   = 2 * time.Second
	DefaultFailoverDelay    = time.Second
	DefaultReconnectTries   = 5
)

// Setting keys, as they appear in the config file.
const (
	KeyServers          = "servers"
	KeySTUN             = "stun"
	KeyTURN             = "turn"
	KeyTURNUser         = "turn_user"
	KeyTURNPass         = "turn_pass"
	KeyRelay            = "relay"
	KeyUsername         = "username"
	KeyLastRoom         = "last_room"
	KeyPingInterval     = "ping_interval"
	KeyHostTimeout      = "host_timeout"
	KeyJoinTimeout      = "join_timeout"
	KeyHandshakeTimeout = "handshake_timeout"
	KeyReconnectDelay   = "reconnect_base_delay"
	KeyFailoverDelay    = "reconnect_failover_delay"
	KeyReconnectTries   = "reconnect_max_attempts"
)

// Config holds application configuration
type Config struct {
	// Servers lists rendezvous WebSocket URLs in failover order.
	Servers []string

	STUNServers []string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	ForceRelay  bool

	Username string
	LastRoom string

	PingInterval         time.Duration
	HostTimeout          time.Duration
	JoinTimeout          time.Duration
	HandshakeTimeout     time.Duration
	ReconnectBaseDelay   time.Duration
	FailoverDelay        time.Duration
	ReconnectMaxAttempts int

	// Path is the config file the persisted settings live in.
	Path string

	detectRelay func() bool
}

// Options carries CLI flag values; zero values mean "not given".
type Options struct {
	ConfigFile string
	Servers    []string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
	Username   string
}

// DefaultPath returns $XDG_CONFIG_HOME/huddle/config.yaml or the platform
// equivalent.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, "huddle", "config.yaml"), nil
}

// Load resolves every setting with the following priority:
// 1. CLI flags (passed via Options)
// 2. Environment variables (HUDDLE_*, plus the older STUN_SERVER style names)
// 3. The config file
// 4. Defaults
func Load(opts Options) (*Config, error) {
	path, err := homedir.Expand(opts.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("config path: %w", err)
	}
	if path == "" {
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil && !notFound(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if len(opts.Servers) > 0 {
		v.Set(KeyServers, opts.Servers)
	}
	setIf(v, KeySTUN, opts.STUNServer)
	setIf(v, KeyTURN, opts.TURNServer)
	setIf(v, KeyTURNUser, opts.TURNUser)
	setIf(v, KeyTURNPass, opts.TURNPass)
	setIf(v, KeyUsername, opts.Username)
	if opts.ForceRelay {
		v.Set(KeyRelay, true)
	}

	cfg := &Config{
		Servers:              splitList(v.GetStringSlice(KeyServers)),
		STUNServers:          splitList(v.GetStringSlice(KeySTUN)),
		TURNServer:           v.GetString(KeyTURN),
		TURNUser:             v.GetString(KeyTURNUser),
		TURNPass:             v.GetString(KeyTURNPass),
		ForceRelay:           v.GetBool(KeyRelay),
		Username:             v.GetString(KeyUsername),
		LastRoom:             v.GetString(KeyLastRoom),
		PingInterval:         v.GetDuration(KeyPingInterval),
		HostTimeout:          v.GetDuration(KeyHostTimeout),
		JoinTimeout:          v.GetDuration(KeyJoinTimeout),
		HandshakeTimeout:     v.GetDuration(KeyHandshakeTimeout),
		ReconnectBaseDelay:   v.GetDuration(KeyReconnectDelay),
		FailoverDelay:        v.GetDuration(KeyFailoverDelay),
		ReconnectMaxAttempts: v.GetInt(KeyReconnectTries),
		Path:                 path,
		detectRelay:          netutil.ShouldForceRelay,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyServers, []string{DefaultServer})
	v.SetDefault(KeySTUN, []string{DefaultSTUN})
	v.SetDefault(KeyRelay, false)
	v.SetDefault(KeyPingInterval, DefaultPingInterval)
	v.SetDefault(KeyHostTimeout, DefaultHostTimeout)
	v.SetDefault(KeyJoinTimeout, DefaultJoinTimeout)
	v.SetDefault(KeyHandshakeTimeout, DefaultHandshakeTimeout)
	v.SetDefault(KeyReconnectDelay, DefaultReconnectDelay)
	v.SetDefault(KeyFailoverDelay, DefaultFailoverDelay)
	v.SetDefault(KeyReconnectTries, DefaultReconnectTries)
}

func bindEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		KeyServers:          {"HUDDLE_SERVERS", "SIGNALING_SERVERS"},
		KeySTUN:             {"HUDDLE_STUN", "STUN_SERVER"},
		KeyTURN:             {"HUDDLE_TURN", "TURN_SERVER"},
		KeyTURNUser:         {"HUDDLE_TURN_USER", "TURN_USERNAME"},
		KeyTURNPass:         {"HUDDLE_TURN_PASS", "TURN_PASSWORD"},
		KeyRelay:            {"HUDDLE_RELAY"},
		KeyUsername:         {"HUDDLE_USERNAME"},
		KeyPingInterval:     {"HUDDLE_PING_INTERVAL"},
		KeyHostTimeout:      {"HUDDLE_HOST_TIMEOUT"},
		KeyJoinTimeout:      {"HUDDLE_JOIN_TIMEOUT"},
		KeyHandshakeTimeout: {"HUDDLE_HANDSHAKE_TIMEOUT"},
		KeyReconnectDelay:   {"HUDDLE_RECONNECT_BASE_DELAY"},
		KeyFailoverDelay:    {"HUDDLE_RECONNECT_FAILOVER_DELAY"},
		KeyReconnectTries:   {"HUDDLE_RECONNECT_MAX_ATTEMPTS"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return errors.New("config: at least one rendezvous server is required")
	}
	for _, s := range c.Servers {
		u, err := url.Parse(s)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("config: rendezvous server %q must be a ws:// or wss:// URL", s)
		}
	}
	if c.LastRoom != "" {
		c.LastRoom = roomcode.Normalize(c.LastRoom)
	}
	if c.ReconnectMaxAttempts < 1 {
		c.ReconnectMaxAttempts = DefaultReconnectTries
	}
	return nil
}

// RoomLink returns a share link for code on the primary rendezvous host.
func (c *Config) RoomLink(code string) string {
	u, err := url.Parse(c.Servers[0])
	if err != nil {
		return roomcode.Normalize(code)
	}
	scheme := "https"
	if u.Scheme == "ws" {
		scheme = "http"
	}
	return roomcode.Link(scheme+"://"+u.Host, code)
}

// TURNServers expands the configured TURN host into the usual transports.
func (c *Config) TURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	host := strings.TrimPrefix(strings.TrimPrefix(c.TURNServer, "turns:"), "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// ICEServers builds the pion server list from the STUN and TURN settings.
func (c *Config) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(c.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNServers})
	}
	if turn := c.TURNServers(); turn != nil {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}
	return servers
}

// ICETransportPolicy forces relay when asked to, or when a TURN server is
// available and the host looks like it is behind a VPN or carrier NAT.
func (c *Config) ICETransportPolicy() webrtc.ICETransportPolicy {
	if c.TURNServer == "" {
		return webrtc.ICETransportPolicyAll
	}
	if c.ForceRelay || (c.detectRelay != nil && c.detectRelay()) {
		return webrtc.ICETransportPolicyRelay
	}
	return webrtc.ICETransportPolicyAll
}

// WebRTC returns the peer connection configuration.
func (c *Config) WebRTC() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers:         c.ICEServers(),
		ICETransportPolicy: c.ICETransportPolicy(),
	}
}

// Store returns the persisted settings backing this config.
func (c *Config) Store() *Store {
	return NewStore(c.Path)
}

func setIf(v *viper.Viper, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}

// splitList flattens comma separated entries, which is how lists arrive
// from environment variables.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func notFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf) || errors.Is(err, fs.ErrNotExist)
}
