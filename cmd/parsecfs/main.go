package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/marmos91/parsecfs/internal/logger"
	"github.com/marmos91/parsecfs/pkg/config"
	"github.com/marmos91/parsecfs/pkg/core"
	grpcremote "github.com/marmos91/parsecfs/pkg/remote/grpc"
)

const usage = `parsecfs - encrypted workspace filesystem client

Usage:
  parsecfs [global flags] <command> [arguments]

Commands:
  serve                          Run the background sync until interrupted
  config sample [path]           Write a commented sample configuration
  config schema                  Print the configuration JSON schema
  ls [workspace[:/path]]         List workspaces, or a folder of a workspace
  mkdir <workspace[:/path]>      Create a workspace, or a folder in it
  put <file|-> <workspace:/path> Upload a local file (- reads stdin)
  cat <workspace:/path>          Print a file
  rm <workspace:/path>           Remove a file or an empty folder
  mv <workspace:/src> </dst>     Move an entry inside a workspace
  rename <workspace> <name>      Rename a workspace
  sync [workspace]               Synchronize and process new messages
  fetch <workspace>              Download every block of a workspace
  share <workspace> <user> <role>
                                 Set a user's role (OWNER, MANAGER,
                                 CONTRIBUTOR, READER or none)
  roles <workspace>              Show the roles of a workspace

Workspaces are addressed by name or id.

Global flags:
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// globals holds the flags shared by every command.
type globals struct {
	flags      *pflag.FlagSet
	configPath string
	local      bool
}

func newGlobalFlags(g *globals) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("parsecfs", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVarP(&g.configPath, "config", "c", "", "Path to config file (default: $XDG_CONFIG_HOME/parsecfs/config.yaml)")
	flagSet.String("log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	flagSet.String("log-format", "", "Log format (text, json)")
	flagSet.String("remote", "", "Server address (host:port)")
	flagSet.Bool("insecure", false, "Connect without TLS")
	flagSet.String("key-file", "", "Device key file")
	flagSet.String("store", "", "Local store type (badger, memory)")
	flagSet.BoolVar(&g.local, "local", false, "Do not synchronize after a change")
	flagSet.BoolP("help", "h", false, "Show help")
	flagSet.Usage = func() { printHelp(flagSet) }
	return flagSet
}

func run(args []string) error {
	g := &globals{}
	g.flags = newGlobalFlags(g)
	flagSet := g.flags

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help || flagSet.NArg() == 0 {
		printHelp(flagSet)
		return nil
	}

	cmd, rest := flagSet.Arg(0), flagSet.Args()[1:]
	switch cmd {
	case "serve":
		return runServe(g, rest)
	case "config":
		return runConfig(rest)
	case "help":
		printHelp(flagSet)
		return nil
	}
	if fn, ok := fsCommands[cmd]; ok {
		return runFS(g, cmd, fn, rest)
	}
	return fmt.Errorf("unknown command %q (see parsecfs --help)", cmd)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprint(os.Stderr, usage)
	fmt.Fprint(os.Stderr, flagSet.FlagUsages())
}

// loadConfig reads the configuration with command-line flags on top.
func (g *globals) loadConfig() (*config.Config, error) {
	v := viper.New()
	for key, flag := range map[string]string{
		"logging.level":   "log-level",
		"logging.format":  "log-format",
		"remote.address":  "remote",
		"remote.insecure": "insecure",
		"device.key_file": "key-file",
		"store.type":      "store",
	} {
		if f := g.flags.Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag --%s: %w", flag, err)
			}
		}
	}
	return config.LoadWith(v, g.configPath)
}

// openCore loads the configuration and device, dials the server and builds
// the filesystem stack. release stops the stack and closes the connection.
func (g *globals) openCore(ctx context.Context) (*core.Core, func() error, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	d, err := cfg.Device.LoadDevice(afero.NewOsFs())
	if err != nil {
		return nil, nil, err
	}
	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.LogOutput(d)); err != nil {
		return nil, nil, fmt.Errorf("failed to configure logging: %w", err)
	}

	creds := insecure.NewCredentials()
	if !cfg.Remote.Insecure {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	client, err := grpcremote.Dial(cfg.Remote.Address, d.DeviceID, d.SigningKey, nil, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, nil, err
	}

	c, err := core.New(ctx, cfg, d, client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	release := func() error {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(c.Stop(stopCtx), client.Close())
	}
	return c, release, nil
}

func runConfig(args []string) error {
	flagSet := pflag.NewFlagSet("config", pflag.ContinueOnError)
	force := flagSet.BoolP("force", "f", false, "Overwrite an existing file")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() == 0 {
		return errors.New("usage: parsecfs config sample [--force] [path] | parsecfs config schema")
	}

	switch flagSet.Arg(0) {
	case "sample":
		path := flagSet.Arg(1)
		if path == "" {
			written, err := config.InitConfig(*force)
			if err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s\n", written)
			return nil
		}
		if err := config.InitConfigToPath(path, *force); err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", path)
		return nil
	case "schema":
		schema, err := config.Schema()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(append(schema, '\n'))
		return err
	}
	return fmt.Errorf("unknown config command %q", flagSet.Arg(0))
}

// splitTarget splits "workspace:/path" into its workspace and path. A bare
// workspace addresses its root.
func splitTarget(target string) (workspace, path string, err error) {
	workspace, path, found := strings.Cut(target, ":")
	if workspace == "" {
		return "", "", fmt.Errorf("missing workspace in %q", target)
	}
	if !found || path == "" {
		return workspace, "/", nil
	}
	if !strings.HasPrefix(path, "/") {
		return "", "", fmt.Errorf("path must be absolute in %q", target)
	}
	return workspace, path, nil
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}
