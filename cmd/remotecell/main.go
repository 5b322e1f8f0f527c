package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"remotecell/internal/channel"
	"remotecell/internal/config"
	"remotecell/internal/kernel"
	"remotecell/internal/sync"
)

type rootOptions struct {
	configPath string
	source     string
	clusterID  string
	logLevel   string

	config *config.Config
	log    *slog.Logger
}

func (r *rootOptions) prepare() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(r.logLevel)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	r.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(r.configPath)
	if err != nil {
		return err
	}
	if r.clusterID != "" {
		cfg.ClusterID = r.clusterID
	}
	if r.source != "" {
		cfg.Sync.Source = r.source
	}
	r.config = cfg
	return nil
}

// newKernel validates the resolved config and wires the REST transport.
func (r *rootOptions) newKernel() (*kernel.Kernel, error) {
	if problems := r.config.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("configuration: %s", strings.Join(problems, "; "))
	}
	ch, err := channel.NewRESTFromEnv(r.log)
	if err != nil {
		return nil, err
	}
	return kernel.New(r.config, ch, r.log)
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "remotecell",
		Short: "Run local project code on a remote compute cluster",
	}
	defaultConfig := os.Getenv("REMOTECELL_CONFIG")
	if defaultConfig == "" {
		defaultConfig = config.DefaultConfigPath()
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to the remotecell config file")
	rootCmd.PersistentFlags().StringVar(&opts.source, "source", "", "sync source directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&opts.clusterID, "cluster", "", "target cluster id (overrides config and env)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return opts.prepare()
	}

	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newSyncCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))
	rootCmd.AddCommand(newCleanCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRunCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run [file]",
		Short: "Sync the project and execute a code file on the cluster ('-' reads stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var code []byte
			var err error
			if len(args) == 0 || args[0] == "-" {
				code, err = io.ReadAll(cmd.InOrStdin())
			} else {
				code, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}

			k, err := root.newKernel()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			defer k.Shutdown(context.WithoutCancel(ctx))

			res, err := k.Execute(ctx, string(code))
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res)
		},
	}
}

func newSyncCmd(root *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Ship pending local changes to the cluster without executing anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := root.newKernel()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shipped, err := k.Sync(ctx, force)
			if err != nil {
				return err
			}
			if shipped {
				fmt.Fprintln(cmd.OutOrStdout(), "synced")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "up to date")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-ship the full project even when nothing changed")
	return cmd
}

func newDoctorCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config_path=%s\n", root.configPath)
			fmt.Fprintf(out, "cluster_id=%s\n", root.config.ClusterID)
			src, err := root.config.SourceRoot()
			if err != nil {
				fmt.Fprintf(out, "source_error=%s\n", err.Error())
			} else {
				fmt.Fprintf(out, "source=%s\n", src)
			}
			fmt.Fprintf(out, "sync_enabled=%t\n", root.config.Sync.SyncEnabled())
			fmt.Fprintf(out, "use_gitignore=%t\n", root.config.Sync.GitignoreEnabled())
			fmt.Fprintf(out, "host_set=%t\n", os.Getenv(channel.EnvHost) != "")
			fmt.Fprintf(out, "token_set=%t\n", os.Getenv(channel.EnvToken) != "")
			for _, p := range root.config.Validate() {
				fmt.Fprintf(out, "problem=%s\n", p)
			}
			return nil
		},
	}
}

func newCleanCmd(root *rootOptions) *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove local sync metadata, and with --remote the cluster staging area",
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := root.config.SourceRoot()
			if err != nil {
				return err
			}
			dir := filepath.Join(src, config.MetadataDirName)
			if err := os.RemoveAll(dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", dir)

			if remote {
				ch, err := channel.NewRESTFromEnv(root.log)
				if err != nil {
					return err
				}
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				if err := ch.Delete(ctx, sync.StagingRoot, true); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s on the cluster\n", sync.StagingRoot)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "also delete the staging area for all past sessions on the cluster")
	return cmd
}
