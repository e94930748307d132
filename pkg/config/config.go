// Package config loads and validates the resolver's JSON configuration file
// (§4.3 / §6 of the specification) and carries the ambient settings
// (logging, telemetry, listener addresses) that don't live in that file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// IPv6Mode is the tri-state replacement for the source's Optional[bool].
type IPv6Mode int

const (
	IPv6Unset IPv6Mode = iota
	IPv6Enabled
	IPv6Disabled
)

// Protocol is an upstream's wire transport.
type Protocol string

const (
	ProtoUnspecified Protocol = ""
	ProtoUDP         Protocol = "udp"
	ProtoTCP         Protocol = "tcp"
	ProtoTLS         Protocol = "tls"
	ProtoHTTPS       Protocol = "https"
)

func parseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case ProtoUDP, ProtoTCP, ProtoTLS, ProtoHTTPS:
		return Protocol(s), nil
	default:
		return "", fmt.Errorf("preferred_protocol %q should be one of (udp, tcp, tls, https)", s)
	}
}

// Upstream is a named resolver with one or more IPs and a preferred
// transport. Immutable after load.
type Upstream struct {
	Name              string
	IPv4              []string
	IPv6              []string
	PreferredProtocol Protocol // ProtoUnspecified defaults to HTTPS at dispatch time
}

// RuleFileSlot maps a rule group name to the list of files supplying it.
type RuleFileSlot map[string][]string

// RuleFiles names the six rule-file slots from the configuration.
type RuleFiles struct {
	AllowedIPs      RuleFileSlot
	AllowedNames    RuleFileSlot
	BlockedIPs      RuleFileSlot
	BlockedNames    RuleFileSlot
	CloakingRules   RuleFileSlot
	ForwardingRules RuleFileSlot
}

// Config is the normalized, validated configuration. Immutable once
// returned from Load.
type Config struct {
	IPv6      IPv6Mode
	Default   []string
	Upstreams map[string]*Upstream
	Rules     RuleFiles
}

// LoggingConfig controls the ambient slog wrapper.
type LoggingConfig struct {
	Level     string
	Format    string // json, text
	Output    string // stdout, stderr, file
	FilePath  string
	AddSource bool
}

// TelemetryConfig controls the otel metrics exporter.
type TelemetryConfig struct {
	Enabled           bool
	ServiceName       string
	ServiceVersion    string
	PrometheusEnabled bool
	PrometheusPort    int
}

// ServerConfig holds listener addresses and ports.
type ServerConfig struct {
	Port     int
	DataDir  string
	DBPath   string
}

// rawConfig mirrors the JSON shape of data/config.json exactly (§6).
type rawConfig struct {
	IPv6     *bool                      `json:"ipv6"`
	Default  []string                   `json:"default"`
	Upstream map[string]json.RawMessage `json:"upstream"`
	Rules    map[string]json.RawMessage `json:"rules"`
}

// rawUpstreamObject is the object shape a value in "upstream" may take,
// {ip: [...], preferred_protocol: "..."}; parseUpstream also accepts the
// other shape, a bare list of IPs.
type rawUpstreamObject struct {
	IP                []string `json:"ip"`
	PreferredProtocol string   `json:"preferred_protocol"`
}

// DefaultConfigJSON is the built-in configuration used when data/config.json
// is absent, mirroring original_source/simple/config.py's
// __default_config_object__.
const DefaultConfigJSON = `{
  "ipv6": false,
  "default": ["cloudflare", "google"],
  "upstream": {
    "cloudflare": ["1.0.0.1", "1.1.1.1", "2606:4700:4700::1001", "2606:4700:4700::1111"],
    "adguard": ["94.140.14.140", "94.140.14.141", "2a10:50c0::1:ff", "2a10:50c0::2:ff"],
    "opendns": ["208.67.220.220", "208.67.222.222", "2620:119:35::35", "2620:119:53::53"],
    "quad9": ["9.9.9.10", "149.112.112.10", "2620:fe::10", "2620:fe::fe:10"],
    "google": {"ip": ["8.8.8.8", "8.8.4.4", "2001:4860:4860::8888", "2001:4860:4860::8844"], "preferred_protocol": "udp"}
  },
  "rules": {
    "allowed_ips": "allowed-ips.txt",
    "allowed_names": "allowed-names.txt",
    "blocked_ips": "blocked-ips.txt",
    "blocked_names": {"default": "blocked-names.txt", "temp": "blocked-names-temp.txt"},
    "cloaking_rules": "cloaking-rules.txt",
    "forwarding_rules": {"google": "forwarding-rules.txt"}
  }
}`

// Load reads data/config.json under dataDir, or falls back to
// DefaultConfigJSON if the file doesn't exist, then normalizes and
// validates it (§4.3).
func Load(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		data = []byte(DefaultConfigJSON)
	}
	return ParseConfig(data)
}

// ParseConfig normalizes and validates a JSON document in the shape of
// §6's config.json, rejecting malformed input with a descriptive error
// naming the offending path.
func ParseConfig(data []byte) (*Config, error) {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: invalid JSON: %w", err)
	}

	cfg := &Config{Upstreams: make(map[string]*Upstream)}

	switch {
	case raw.IPv6 == nil:
		cfg.IPv6 = IPv6Unset
	case *raw.IPv6:
		cfg.IPv6 = IPv6Enabled
	default:
		cfg.IPv6 = IPv6Disabled
	}

	for name, rawVal := range raw.Upstream {
		up, err := parseUpstream(name, rawVal)
		if err != nil {
			return nil, fmt.Errorf("config: upstream -> %s: %w", name, err)
		}
		cfg.Upstreams[name] = up
	}
	if len(cfg.Upstreams) == 0 {
		return nil, fmt.Errorf("config: no upstream server set")
	}

	for _, name := range raw.Default {
		if _, ok := cfg.Upstreams[name]; !ok {
			return nil, fmt.Errorf("config: default -> upstream %q not found", name)
		}
		cfg.Default = append(cfg.Default, name)
	}
	if len(cfg.Default) == 0 {
		return nil, fmt.Errorf("config: no default upstream set")
	}

	slots := [...]struct {
		key  string
		dest *RuleFileSlot
	}{
		{"allowed_ips", &cfg.Rules.AllowedIPs},
		{"allowed_names", &cfg.Rules.AllowedNames},
		{"blocked_ips", &cfg.Rules.BlockedIPs},
		{"blocked_names", &cfg.Rules.BlockedNames},
		{"cloaking_rules", &cfg.Rules.CloakingRules},
		{"forwarding_rules", &cfg.Rules.ForwardingRules},
	}
	for _, s := range slots {
		slot, err := parseRuleSlot(raw.Rules[s.key])
		if err != nil {
			return nil, fmt.Errorf("config: rules -> %s: %w", s.key, err)
		}
		*s.dest = slot
	}

	for name := range cfg.Rules.ForwardingRules {
		if _, ok := cfg.Upstreams[name]; !ok {
			return nil, fmt.Errorf("config: rules -> forwarding_rules: upstream server %q not found", name)
		}
	}

	return cfg, nil
}

func parseUpstream(name string, rawVal json.RawMessage) (*Upstream, error) {
	var ips []string
	var protoStr string

	if err := json.Unmarshal(rawVal, &ips); err == nil {
		// bare list form
	} else {
		var obj rawUpstreamObject
		if err := json.Unmarshal(rawVal, &obj); err != nil {
			return nil, fmt.Errorf("wrong value")
		}
		ips = obj.IP
		protoStr = obj.PreferredProtocol
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no ip set")
	}

	proto := ProtoUnspecified
	if protoStr != "" {
		p, err := parseProtocol(protoStr)
		if err != nil {
			return nil, err
		}
		proto = p
	}

	up := &Upstream{Name: name, PreferredProtocol: proto}
	for _, ip := range ips {
		if strings.Contains(ip, ":") {
			up.IPv6 = append(up.IPv6, ip)
		} else {
			up.IPv4 = append(up.IPv4, ip)
		}
	}
	return up, nil
}

// parseRuleSlot normalizes a <slot> value: a filename string, a list of
// filenames (both mapped to group "default"), or a {group: filename|list}
// object. Every referenced file name must end in .txt.
func parseRuleSlot(rawVal json.RawMessage) (RuleFileSlot, error) {
	slot := make(RuleFileSlot)
	if len(rawVal) == 0 {
		return slot, nil
	}

	var s string
	if err := json.Unmarshal(rawVal, &s); err == nil {
		slot["default"] = []string{s}
	} else {
		var list []string
		if err := json.Unmarshal(rawVal, &list); err == nil {
			slot["default"] = list
		} else {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(rawVal, &obj); err != nil {
				return nil, fmt.Errorf("wrong value")
			}
			for group, v := range obj {
				var one string
				if err := json.Unmarshal(v, &one); err == nil {
					slot[group] = []string{one}
					continue
				}
				var many []string
				if err := json.Unmarshal(v, &many); err != nil {
					return nil, fmt.Errorf("%s: wrong value", group)
				}
				slot[group] = many
			}
		}
	}

	for group, files := range slot {
		if group == "" || len(files) == 0 {
			return nil, fmt.Errorf("%s: %v", group, files)
		}
		for _, f := range files {
			if !strings.HasSuffix(f, ".txt") {
				return nil, fmt.Errorf("%s: %v", group, files)
			}
		}
	}
	return slot, nil
}

// SortedGroups returns a slot's group names in a stable order, for
// deterministic rule-loading order.
func (s RuleFileSlot) SortedGroups() []string {
	out := make([]string, 0, len(s))
	for g := range s {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
