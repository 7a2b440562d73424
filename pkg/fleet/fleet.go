// Package fleet is the library entry point: it resolves inventory patterns to
// machines, builds the configured provider and runs rusers queries over them.
//
// Example:
//
//	f, err := fleet.New(&fleet.Config{ConfigPath: "rusers.toml"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	outcomes, err := f.HostsInfo(ctx, []string{"lab"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for out, err := range outcomes {
//	    ...
//	}
package fleet

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/liliang-cn/rusers/pkg/agent"
	"github.com/liliang-cn/rusers/pkg/inventory"
	"github.com/liliang-cn/rusers/pkg/logger"
	"github.com/liliang-cn/rusers/pkg/machine"
	"github.com/liliang-cn/rusers/pkg/provider"
	"github.com/liliang-cn/rusers/pkg/rusers"
	"github.com/liliang-cn/rusers/pkg/ssh"
)

// Fleet is the main client, usable from the CLI or as a library.
type Fleet struct {
	inv      *inventory.Inventory
	logger   *logger.Logger
	provider rusers.HostInfoProvider
	mu       sync.RWMutex
}

// Config overrides values from the inventory file.
type Config struct {
	ConfigPath string       // inventory file, empty for defaults only
	SSH        *SSHConfig   // SSH overrides
	Query      *QueryConfig // query overrides
	Logger     *logger.Logger
}

// SSHConfig holds SSH overrides.
type SSHConfig struct {
	User    string
	Port    int
	KeyPath string
	Timeout time.Duration
}

// QueryConfig holds query overrides.
type QueryConfig struct {
	Provider  string // inventory.ProviderSSH or inventory.ProviderAgent
	Command   string
	Parallel  int
	Timeout   time.Duration
	Retries   int
	AgentPort int
}

// Option configures a Fleet built with NewWithInventory.
type Option func(*Fleet)

// WithLogger sets the logger handed to query connections.
func WithLogger(l *logger.Logger) Option {
	return func(f *Fleet) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithProvider bypasses provider selection from the inventory.
// Timeout and retry settings still apply.
func WithProvider(p rusers.HostInfoProvider) Option {
	return func(f *Fleet) {
		f.provider = p
	}
}

// New creates a Fleet from an inventory file plus overrides.
func New(cfg *Config) (*Fleet, error) {
	configPath := ""
	if cfg != nil {
		configPath = cfg.ConfigPath
	}

	inv, err := inventory.New(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create inventory: %w", err)
	}

	if cfg != nil && cfg.SSH != nil {
		invCfg := inv.GetConfig()
		if cfg.SSH.User != "" {
			invCfg.SSH.User = cfg.SSH.User
		}
		if cfg.SSH.Port > 0 {
			invCfg.SSH.Port = cfg.SSH.Port
		}
		if cfg.SSH.KeyPath != "" {
			invCfg.SSH.KeyPath = cfg.SSH.KeyPath
		}
		if cfg.SSH.Timeout > 0 {
			invCfg.SSH.Timeout = cfg.SSH.Timeout.String()
		}
	}

	if cfg != nil && cfg.Query != nil {
		invCfg := inv.GetConfig()
		switch cfg.Query.Provider {
		case "":
		case inventory.ProviderSSH, inventory.ProviderAgent:
			invCfg.Query.Provider = cfg.Query.Provider
		default:
			return nil, fmt.Errorf("unknown query provider %q", cfg.Query.Provider)
		}
		if cfg.Query.Command != "" {
			invCfg.Query.Command = cfg.Query.Command
		}
		if cfg.Query.Parallel > 0 {
			invCfg.Query.Parallel = cfg.Query.Parallel
		}
		if cfg.Query.Timeout > 0 {
			invCfg.Query.Timeout = cfg.Query.Timeout.String()
		}
		if cfg.Query.Retries > 0 {
			invCfg.Query.Retries = cfg.Query.Retries
		}
		if cfg.Query.AgentPort > 0 {
			invCfg.Query.AgentPort = cfg.Query.AgentPort
		}
	}

	var opts []Option
	if cfg != nil {
		opts = append(opts, WithLogger(cfg.Logger))
	}
	return NewWithInventory(inv, opts...), nil
}

// NewWithInventory creates a Fleet over an existing inventory.
func NewWithInventory(inv *inventory.Inventory, opts ...Option) *Fleet {
	f := &Fleet{
		inv:    inv,
		logger: logger.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetLogger replaces the logger used by later connections.
func (f *Fleet) SetLogger(l *logger.Logger) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l != nil {
		f.logger = l
	}
}

// Machines resolves patterns to machines. No patterns selects every host
// in the inventory.
func (f *Fleet) Machines(patterns []string) ([]machine.Machine, error) {
	hosts, err := f.hosts(patterns)
	if err != nil {
		return nil, err
	}
	machines := make([]machine.Machine, len(hosts))
	for i, h := range hosts {
		machines[i] = h.Machine()
	}
	return machines, nil
}

func (f *Fleet) hosts(patterns []string) ([]inventory.Host, error) {
	if len(patterns) == 0 {
		hosts := f.inv.AllHosts()
		if len(hosts) == 0 {
			return nil, fmt.Errorf("no hosts given and the inventory defines none")
		}
		return hosts, nil
	}
	return f.inv.GetHosts(patterns)
}

// Connect builds a query connection over the hosts patterns select.
func (f *Fleet) Connect(patterns []string) (*rusers.Connection, error) {
	hosts, err := f.hosts(patterns)
	if err != nil {
		return nil, err
	}

	p, err := f.providerFor(hosts)
	if err != nil {
		return nil, err
	}

	targets := make([]machine.Target, len(hosts))
	for i, h := range hosts {
		targets[i] = h.Machine()
	}

	f.mu.RLock()
	l := f.logger
	f.mu.RUnlock()

	return rusers.New(p, targets,
		rusers.WithLogger(l),
		rusers.WithParallel(f.inv.GetDefaultParallel()),
	), nil
}

// HostsInfo queries the selected hosts. See rusers.Connection.HostsInfo.
func (f *Fleet) HostsInfo(ctx context.Context, patterns []string) (iter.Seq2[rusers.Outcome, error], error) {
	conn, err := f.Connect(patterns)
	if err != nil {
		return nil, err
	}
	return conn.HostsInfo(ctx), nil
}

// FindUser searches the selected hosts for users. See rusers.Connection.FindUser.
func (f *Fleet) FindUser(ctx context.Context, patterns, users []string, opts ...rusers.SearchOption) (iter.Seq2[rusers.Match, error], error) {
	conn, err := f.Connect(patterns)
	if err != nil {
		return nil, err
	}
	return conn.FindUser(ctx, users, opts...)
}

// providerFor builds the configured provider for hosts, decorated with the
// configured timeout and retries.
func (f *Fleet) providerFor(hosts []inventory.Host) (rusers.HostInfoProvider, error) {
	cfg := f.inv.GetConfig()

	byName := make(map[string]inventory.Host, len(hosts))
	for _, h := range hosts {
		byName[h.Name] = h
	}
	lookup := func(name string) inventory.Host {
		if h, ok := byName[name]; ok {
			return h
		}
		return inventory.Host{Name: name, Address: name, Port: cfg.SSH.Port, User: cfg.SSH.User}
	}

	p := f.provider
	if p == nil {
		switch cfg.Query.Provider {
		case inventory.ProviderAgent:
			p = agent.NewClient(
				agent.WithPort(cfg.Query.AgentPort),
				agent.WithTarget(func(name string, port int) string {
					return agent.Target(lookup(name).Address, port)
				}),
			)
		default:
			client, err := ssh.NewClient(inventory.ExpandPath(cfg.SSH.KeyPath),
				ssh.WithKnownHosts(cfg.SSH.KnownHostsPath),
				ssh.WithStrictHostKey(cfg.SSH.StrictHostKey),
				ssh.WithDialTimeout(f.inv.SSHTimeout()),
			)
			if err != nil {
				return nil, fmt.Errorf("failed to create ssh client: %w", err)
			}
			p = provider.NewSSH(client,
				provider.WithCommand(cfg.Query.Command),
				provider.WithResolver(func(name string) ssh.HostSpec {
					h := lookup(name)
					return ssh.HostSpec{
						Address: h.Address,
						User:    h.User,
						Port:    h.Port,
						KeyPath: h.KeyPath,
					}
				}),
			)
		}
	}

	p = provider.WithTimeout(p, f.inv.QueryTimeout())
	if cfg.Query.Retries > 1 {
		p = provider.WithRetry(p, uint(cfg.Query.Retries), 200*time.Millisecond)
	}
	return p, nil
}

// GetInventory returns the underlying inventory.
func (f *Fleet) GetInventory() *inventory.Inventory {
	return f.inv
}

// GetHosts resolves patterns to inventory hosts.
func (f *Fleet) GetHosts(patterns []string) ([]inventory.Host, error) {
	return f.inv.GetHosts(patterns)
}

// GetAllGroups returns every group and its addresses.
func (f *Fleet) GetAllGroups() map[string][]string {
	return f.inv.GetAllGroups()
}
