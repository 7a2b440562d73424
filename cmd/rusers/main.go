package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/liliang-cn/rusers/pkg/fleet"
	"github.com/liliang-cn/rusers/pkg/logger"
	"github.com/liliang-cn/rusers/pkg/machine"
	"github.com/liliang-cn/rusers/pkg/rusers"
	"github.com/liliang-cn/rusers/pkg/tui"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	Version = "dev" // Set at build time

	configPath   string
	providerName string
	parallel     int
	timeout      time.Duration
	retries      int
	logLevel     string
	noTUI        bool // Disable TUI mode, use text output
	showAll      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "rusers [HOST|GROUP|PATTERN...]",
		Short:   "Show who is logged in on a fleet of machines",
		Version: Version,
		Long: `rusers - Ask every machine who is logged in and aggregate the answers

Hosts are inventory groups, name@group pairs, wildcards over the inventory
and ~/.ssh/config, or plain host names. Without arguments every host in the
inventory is queried.

Examples:
  rusers lab
  rusers --all ws1 ws2 "gw*"
  rusers find alice --hosts lab,office
  rusers find adm --substring`,
		RunE: runList,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default: ~/.rusers/config.toml)")
	rootCmd.PersistentFlags().StringVar(&providerName, "provider", "", "Query provider: ssh or agent (default from config)")
	rootCmd.PersistentFlags().IntVarP(&parallel, "parallel", "p", 0, "Max hosts queried at once (default: all)")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 0, "Per-host timeout (default: 15s)")
	rootCmd.PersistentFlags().IntVar(&retries, "retries", 0, "Attempts per unreachable host (default: 1)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().BoolVar(&noTUI, "no-tui", false, "Disable TUI mode, use text output")
	rootCmd.Flags().BoolVarP(&showAll, "all", "a", false, "Also list hosts with nobody logged in and hosts that failed")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(findCmd())
	rootCmd.AddCommand(hostsCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// defaultConfigPath is ~/.rusers/config.toml.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".rusers", "config.toml")
}

// getFleet loads the inventory, applies flag overrides and sets up logging.
func getFleet() (*fleet.Fleet, error) {
	path := configPath
	if path == "" {
		path = defaultConfigPath()
	}

	f, err := fleet.New(&fleet.Config{
		ConfigPath: path,
		Query: &fleet.QueryConfig{
			Provider: providerName,
			Parallel: parallel,
			Timeout:  timeout,
			Retries:  retries,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory: %w", err)
	}

	logCfg := f.GetInventory().GetConfig().Log
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	l := logger.New(&logger.Config{
		Level:    logCfg.Level,
		Output:   logCfg.Output,
		NoColor:  logCfg.NoColor,
		ShowTime: logCfg.ShowTime,
	})
	logger.SetDefault(l)
	f.SetLogger(l)

	return f, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runList queries hosts and prints the sessions found.
func runList(cmd *cobra.Command, args []string) error {
	f, err := getFleet()
	if err != nil {
		return err
	}

	conn, err := f.Connect(args)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	hosts := conn.Hosts()
	useTUI := !noTUI && len(hosts) > 1 && isatty.IsTerminal(os.Stdout.Fd())

	var outcomes []rusers.Outcome
	if useTUI {
		outcomes, err = collectWithTUI(ctx, cancel, conn, hosts)
	} else {
		outcomes, err = conn.Collect(ctx)
	}
	if err != nil {
		return err
	}

	fmt.Print(tui.RenderOutcomes(outcomes, tui.TableOptions{All: showAll}))
	return nil
}

// collectWithTUI drains the query while a live view shows per-host progress.
func collectWithTUI(ctx context.Context, cancel context.CancelFunc, conn *rusers.Connection, hosts []machine.Machine) ([]rusers.Outcome, error) {
	model := tui.NewQueryModel(fmt.Sprintf("Querying %d hosts", len(hosts)), hosts)
	program := tea.NewProgram(model, tea.WithoutSignalHandler())

	type result struct {
		outcomes []rusers.Outcome
		err      error
	}
	done := make(chan result, 1)

	go func() {
		var r result
		for out, err := range conn.HostsInfo(ctx) {
			if err != nil {
				r.err = err
				break
			}
			r.outcomes = append(r.outcomes, out)
			program.Send(tui.HostDoneMsg{Outcome: out})
		}
		program.Send(tui.DoneMsg{Err: r.err})
		done <- r
	}()

	if _, err := program.Run(); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("tui: %w", err)
	}
	if model.Aborted() {
		cancel()
		<-done
		return nil, fmt.Errorf("interrupted")
	}

	r := <-done
	sort.SliceStable(r.outcomes, func(i, j int) bool {
		return r.outcomes[i].Host.Less(r.outcomes[j].Host)
	})
	return r.outcomes, r.err
}

// findCmd searches the fleet for users.
func findCmd() *cobra.Command {
	var hosts []string
	var substring bool

	cmd := &cobra.Command{
		Use:   "find USER...",
		Short: "Find which machines users are logged in on",
		Long: `Find which machines users are logged in on.

Each USER is a regular expression. By default it must match the whole login
name; with --substring it may match any part of it.`,
		Example: `  rusers find alice --hosts lab
  rusers find "adm.*" root --hosts "ws*"
  rusers find ops --substring`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := getFleet()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			seq, err := f.FindUser(ctx, hosts, args, rusers.WithExactNames(!substring))
			if err != nil {
				return err
			}

			var matches []rusers.Match
			for m, err := range seq {
				if err != nil {
					return err
				}
				matches = append(matches, m)
			}
			sort.SliceStable(matches, func(i, j int) bool {
				return matches[i].Host.Less(matches[j].Host)
			})

			fmt.Print(tui.RenderMatches(matches))
			if len(matches) == 0 {
				return fmt.Errorf("no sessions for %s", strings.Join(args, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&hosts, "hosts", "H", nil, "Hosts, groups or patterns to search (default: whole inventory)")
	cmd.Flags().BoolVarP(&substring, "substring", "s", false, "Match anywhere in the login name")

	return cmd
}

// hostsCmd lists the inventory.
func hostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hosts [PATTERN...]",
		Short: "List hosts and groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := getFleet()
			if err != nil {
				return err
			}

			machines, err := f.Machines(args)
			if err != nil {
				return err
			}
			fmt.Print(tui.RenderHosts(machines))

			groups := f.GetAllGroups()
			names := make([]string, 0, len(groups))
			for name := range groups {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Println()
			fmt.Println("Groups:")
			for _, name := range names {
				fmt.Printf("  [%s] %s\n", name, strings.Join(groups[name], ", "))
			}

			config := f.GetInventory().GetConfig()
			fmt.Println()
			fmt.Printf("Query Config:\n")
			fmt.Printf("  Provider: %s\n", config.Query.Provider)
			fmt.Printf("  Command: %s\n", config.Query.Command)
			fmt.Printf("  Parallel: %d\n", config.Query.Parallel)
			fmt.Printf("  Timeout: %s\n", config.Query.Timeout)

			return nil
		},
	}
}

// versionCmd returns version command
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of rusers",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rusers version %s\n", Version)
		},
	}
}
