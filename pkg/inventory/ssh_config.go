package inventory

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	sshconfig "github.com/kevinburke/ssh_config"
)

// SSHConfigEntry is the resolved ~/.ssh/config view of one alias.
type SSHConfigEntry struct {
	HostPatterns []string // patterns of the Host block that selected the alias
	HostName     string
	User         string
	Port         int
	KeyPath      string
}

var (
	sshConfigMu     sync.Mutex
	sshConfigPath   string // overrides ~/.ssh/config when set
	sshConfigLoaded *sshconfig.Config
)

// SetSSHConfigPath points alias lookups at another file and drops the cache.
// An empty path restores ~/.ssh/config.
func SetSSHConfigPath(p string) {
	sshConfigMu.Lock()
	sshConfigPath = p
	sshConfigMu.Unlock()
	ReloadSSHConfig()
}

// ReloadSSHConfig drops the cached file so the next lookup reads it again.
func ReloadSSHConfig() {
	sshConfigMu.Lock()
	sshConfigLoaded = nil
	sshConfigMu.Unlock()
}

// loadSSHConfig returns the decoded file. A missing file decodes as empty.
func loadSSHConfig() (*sshconfig.Config, error) {
	sshConfigMu.Lock()
	defer sshConfigMu.Unlock()

	if sshConfigLoaded != nil {
		return sshConfigLoaded, nil
	}

	p := sshConfigPath
	if p == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home dir: %w", err)
		}
		p = filepath.Join(home, ".ssh", "config")
	}

	f, err := os.Open(p)
	if os.IsNotExist(err) {
		sshConfigLoaded = &sshconfig.Config{}
		return sshConfigLoaded, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh config: %w", err)
	}
	defer f.Close()

	cfg, err := sshconfig.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh config %s: %w", p, err)
	}
	sshConfigLoaded = cfg
	return cfg, nil
}

func patternStrings(h *sshconfig.Host) []string {
	out := make([]string, len(h.Patterns))
	for i, p := range h.Patterns {
		out[i] = p.String()
	}
	return out
}

// hostValue returns the first value of key set directly in h.
func hostValue(h *sshconfig.Host, key string) string {
	for _, n := range h.Nodes {
		if kv, ok := n.(*sshconfig.KV); ok && strings.EqualFold(kv.Key, key) {
			return kv.Value
		}
	}
	return ""
}

// onlyCatchAll reports whether every pattern of h is "*".
func onlyCatchAll(h *sshconfig.Host) bool {
	for _, p := range h.Patterns {
		if p.String() != "*" {
			return false
		}
	}
	return true
}

// GetSSHConfigEntry resolves an alias the way ssh does, first value wins
// across matching Host blocks. A name that only appears as some block's
// HostName resolves to that block. Blocks matching everything ("Host *")
// alone do not make a name known.
func GetSSHConfigEntry(hostOrAlias string) (SSHConfigEntry, bool) {
	cfg, err := loadSSHConfig()
	if err != nil {
		return SSHConfigEntry{}, false
	}

	for _, h := range cfg.Hosts {
		if onlyCatchAll(h) {
			continue
		}
		if h.Matches(hostOrAlias) {
			return resolveAlias(cfg, h, hostOrAlias), true
		}
		if hostValue(h, "HostName") == hostOrAlias {
			e := SSHConfigEntry{
				HostPatterns: patternStrings(h),
				HostName:     hostOrAlias,
				User:         hostValue(h, "User"),
				KeyPath:      hostValue(h, "IdentityFile"),
			}
			e.Port, _ = strconv.Atoi(hostValue(h, "Port"))
			return e, true
		}
	}

	return SSHConfigEntry{}, false
}

func resolveAlias(cfg *sshconfig.Config, h *sshconfig.Host, alias string) SSHConfigEntry {
	get := func(key string) string {
		v, _ := cfg.Get(alias, key)
		return v
	}

	e := SSHConfigEntry{
		HostPatterns: patternStrings(h),
		HostName:     get("HostName"),
		User:         get("User"),
		KeyPath:      get("IdentityFile"),
	}
	e.Port, _ = strconv.Atoi(get("Port"))
	return e
}

// ExpandWildcardFromSSHConfig returns the concrete Host aliases in
// ~/.ssh/config that match a shell-style pattern, sorted.
func ExpandWildcardFromSSHConfig(pattern string) []string {
	cfg, err := loadSSHConfig()
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	for _, h := range cfg.Hosts {
		for _, alias := range patternStrings(h) {
			if strings.ContainsAny(alias, "*?[!") || seen[alias] {
				continue
			}
			if ok, _ := path.Match(pattern, alias); ok {
				out = append(out, alias)
				seen[alias] = true
			}
		}
	}
	sort.Strings(out)
	return out
}
