// Package inventory loads the TOML description of the machines rusers can
// query: connection defaults, query settings and named host groups.
package inventory

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/liliang-cn/rusers/pkg/machine"
)

// Provider names accepted in [query].provider.
const (
	ProviderSSH   = "ssh"
	ProviderAgent = "agent"
)

// Config represents the complete configuration for rusers
type Config struct {
	SSH   SSHConfig            `toml:"ssh"`
	Query QueryConfig          `toml:"query"`
	Log   LogConfig            `toml:"log"`
	Hosts map[string]HostGroup `toml:"hosts"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level    string `toml:"level"`     // debug, info, warn, error
	Output   string `toml:"output"`    // stdout, stderr, or file path
	NoColor  bool   `toml:"no_color"`  // disable colored output
	ShowTime bool   `toml:"show_time"` // show timestamp
}

// SSHConfig contains default settings for SSH connections
type SSHConfig struct {
	User           string `toml:"user"`
	Port           int    `toml:"port"`
	KeyPath        string `toml:"key_path"`
	Timeout        string `toml:"timeout"`         // Parsed as duration
	KnownHostsPath string `toml:"known_hosts"`     // Path to known_hosts file
	StrictHostKey  bool   `toml:"strict_host_key"` // Strict host key checking (reject unknown hosts)
}

// QueryConfig contains defaults for fan-out queries
type QueryConfig struct {
	Provider  string `toml:"provider"`   // ssh or agent
	Command   string `toml:"command"`    // remote command for the ssh provider
	Parallel  int    `toml:"parallel"`   // max in-flight hosts, 0 for unlimited
	Timeout   string `toml:"timeout"`    // per-host timeout, parsed as duration
	Retries   int    `toml:"retries"`    // total attempts per host
	AgentPort int    `toml:"agent_port"` // rusersd port for the agent provider
}

// HostGroup represents a host group. A group keyed by a single address acts
// as a per-host override.
type HostGroup struct {
	Addresses []string `toml:"addresses"`
	User      string   `toml:"user"`
	Port      int      `toml:"port"`
	KeyPath   string   `toml:"key_path"`
	OS        string   `toml:"os"`
	Use       string   `toml:"use"`
}

// Host is one selected machine with its connection settings resolved.
type Host struct {
	Name    string // as written in the inventory or on the command line
	Address string // where to connect, after ~/.ssh/config HostName
	Group   string // group the host was selected through
	OS      string
	Role    string
	User    string
	Port    int
	KeyPath string
}

// Machine returns the identity the query engine reports the host under.
func (h Host) Machine() machine.Machine {
	return machine.Machine{
		Name:  h.Name,
		Group: h.Group,
		OS:    h.OS,
		Role:  h.Role,
	}
}

// Inventory manages host inventory
type Inventory struct {
	mu     sync.RWMutex
	config *Config
	path   string
}

// DefaultConfig returns the settings used when no file is loaded.
func DefaultConfig() *Config {
	return &Config{
		SSH: SSHConfig{
			User:           "", // Empty means use current system user
			Port:           22,
			KeyPath:        "", // Empty means try default key locations
			Timeout:        "10s",
			KnownHostsPath: "~/.ssh/known_hosts",
			StrictHostKey:  false,
		},
		Query: QueryConfig{
			Provider: ProviderSSH,
			Command:  "who",
			Parallel: 0,
			Timeout:  "15s",
			Retries:  1,
		},
		Log: LogConfig{
			Level:    "info",
			Output:   "stderr",
			NoColor:  false,
			ShowTime: false,
		},
		Hosts: make(map[string]HostGroup),
	}
}

// New creates a new Inventory. An empty configPath, or a path that does not
// exist, yields the defaults. Any other failure to stat the file is returned.
func New(configPath string) (*Inventory, error) {
	inv := &Inventory{
		config: DefaultConfig(),
		path:   configPath,
	}

	if configPath == "" {
		return inv, nil
	}

	if _, err := os.Stat(configPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return inv, nil
		}
		return nil, fmt.Errorf("failed to stat config: %w", err)
	}
	if err := inv.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return inv, nil
}

// Load loads configuration from file, layered over the defaults.
func (inv *Inventory) Load() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	data, err := os.ReadFile(inv.path)
	if err != nil {
		return err
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return err
	}
	if config.Hosts == nil {
		config.Hosts = make(map[string]HostGroup)
	}

	switch config.Query.Provider {
	case ProviderSSH, ProviderAgent:
	case "":
		config.Query.Provider = ProviderSSH
	default:
		return fmt.Errorf("unknown query provider %q", config.Query.Provider)
	}
	if _, err := parseDuration(config.SSH.Timeout); err != nil {
		return fmt.Errorf("ssh.timeout: %w", err)
	}
	if _, err := parseDuration(config.Query.Timeout); err != nil {
		return fmt.Errorf("query.timeout: %w", err)
	}

	inv.config = config
	return nil
}

// Save saves configuration to file
func (inv *Inventory) Save() error {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	if inv.path == "" {
		return fmt.Errorf("inventory has no file path")
	}

	dir := filepath.Dir(inv.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(inv.config); err != nil {
		return err
	}

	return os.WriteFile(inv.path, []byte(buf.String()), 0644)
}

// GetHosts resolves patterns to hosts. A pattern is a group name, a
// name@group pair, a wildcard over inventory and ~/.ssh/config names, or a
// plain host name.
func (inv *Inventory) GetHosts(patterns []string) ([]Host, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	var hosts []Host
	seen := make(map[string]bool)
	add := func(name, group string) {
		if !seen[name] {
			hosts = append(hosts, inv.buildHost(name, group))
			seen[name] = true
		}
	}

	for _, pattern := range patterns {
		if group, ok := inv.config.Hosts[pattern]; ok && len(group.Addresses) > 0 {
			for _, addr := range group.Addresses {
				add(addr, pattern)
			}
		} else if strings.ContainsAny(pattern, "*?[") {
			matches := inv.expandWildcard(pattern)
			for _, match := range matches {
				add(match.name, match.group)
			}
			if len(matches) == 0 {
				return nil, fmt.Errorf("no hosts found for wildcard pattern: %s", pattern)
			}
		} else {
			m := machine.Parse(pattern)
			add(m.Name, m.Group)
		}
	}

	if len(hosts) == 0 {
		return nil, fmt.Errorf("no hosts found for patterns: %v", patterns)
	}

	return hosts, nil
}

type namedHost struct {
	name  string
	group string
}

// expandWildcard matches pattern against group members, then ~/.ssh/config
// aliases. Results are sorted by name.
func (inv *Inventory) expandWildcard(pattern string) []namedHost {
	var out []namedHost
	seen := make(map[string]bool)

	for _, groupName := range inv.sortedGroups() {
		for _, addr := range inv.config.Hosts[groupName].Addresses {
			if ok, _ := path.Match(pattern, addr); ok && !seen[addr] {
				out = append(out, namedHost{name: addr, group: groupName})
				seen[addr] = true
			}
		}
	}
	for _, alias := range ExpandWildcardFromSSHConfig(pattern) {
		if !seen[alias] {
			out = append(out, namedHost{name: alias})
			seen[alias] = true
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (inv *Inventory) sortedGroups() []string {
	names := make([]string, 0, len(inv.config.Hosts))
	for name := range inv.config.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// settings is one layer of per-host connection settings. Zero fields defer
// to the next layer.
type settings struct {
	user    string
	port    int
	keyPath string
	os      string
	role    string
}

func groupSettings(g HostGroup) settings {
	return settings{user: g.User, port: g.Port, keyPath: g.KeyPath, os: g.OS, role: g.Use}
}

// under fills the fields s leaves unset from lower.
func (s *settings) under(lower settings) {
	if s.user == "" {
		s.user = lower.user
	}
	if s.port == 0 {
		s.port = lower.port
	}
	if s.keyPath == "" {
		s.keyPath = lower.keyPath
	}
	if s.os == "" {
		s.os = lower.os
	}
	if s.role == "" {
		s.role = lower.role
	}
}

// buildHost merges the settings that apply to name, highest first:
// a [hosts.<name>] table, the group's table, ~/.ssh/config, then [ssh].
// A HostName from ~/.ssh/config becomes the address.
func (inv *Inventory) buildHost(name string, group string) Host {
	var s settings
	if hc, ok := inv.config.Hosts[name]; ok {
		s.under(groupSettings(hc))
	}
	if gc, ok := inv.config.Hosts[group]; ok && group != "" {
		s.under(groupSettings(gc))
	}

	address := name
	if e, ok := GetSSHConfigEntry(name); ok {
		if e.HostName != "" {
			address = e.HostName
		}
		s.under(settings{user: e.User, port: e.Port, keyPath: e.KeyPath})
	}

	d := inv.config.SSH
	s.under(settings{user: d.User, port: d.Port, keyPath: d.KeyPath})

	return Host{
		Name:    name,
		Address: address,
		Group:   group,
		OS:      s.os,
		Role:    s.role,
		User:    s.user,
		Port:    s.port,
		KeyPath: s.keyPath,
	}
}

// AllHosts returns every host named in a group with addresses, ordered by
// group then by position within the group.
func (inv *Inventory) AllHosts() []Host {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	var hosts []Host
	seen := make(map[string]bool)
	for _, name := range inv.sortedGroups() {
		for _, addr := range inv.config.Hosts[name].Addresses {
			if !seen[addr] {
				hosts = append(hosts, inv.buildHost(addr, name))
				seen[addr] = true
			}
		}
	}
	return hosts
}

// GetAllGroups returns all groups that list addresses
func (inv *Inventory) GetAllGroups() map[string][]string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	groups := make(map[string][]string)
	for name, group := range inv.config.Hosts {
		if len(group.Addresses) > 0 {
			groups[name] = group.Addresses
		}
	}
	return groups
}

// GetDefaultParallel returns default parallel count
func (inv *Inventory) GetDefaultParallel() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.config.Query.Parallel
}

// QueryTimeout returns the per-host query timeout, zero when disabled.
func (inv *Inventory) QueryTimeout() time.Duration {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	d, _ := parseDuration(inv.config.Query.Timeout)
	return d
}

// SSHTimeout returns the SSH connect timeout.
func (inv *Inventory) SSHTimeout() time.Duration {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	d, _ := parseDuration(inv.config.SSH.Timeout)
	return d
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
}

// GetConfig returns complete configuration
func (inv *Inventory) GetConfig() *Config {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.config
}
