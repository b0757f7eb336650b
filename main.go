package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/ini.v1"

	"pstnbridge/matrix"
	"pstnbridge/rooms"
	"pstnbridge/telephony/pstream"
)

const appServiceID = "pstnbridge"

type app struct {
	configPath string

	cfg      *ini.File
	settings *Settings
	logs     *Loggers
}

// load reads settings.ini and sets up logging.
func (a *app) load() error {
	cfg, err := ini.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	settings, err := LoadSettings(cfg)
	if err != nil {
		return fmt.Errorf("failed to parse settings: %w", err)
	}
	a.cfg, a.settings = cfg, settings
	a.logs = initLogging(cfg)
	a.logs.Core.Info("settings loaded from ", a.configPath)
	return nil
}

func (a *app) close() {
	if a.logs != nil {
		a.logs.Close()
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "pstnbridge",
		Short:         "Bridge chat room calls to telephone numbers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.load()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.close()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "settings.ini", "path to settings file")
	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start the bridge (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.run(cmd.Context())
			},
		},
		a.registerCommand(),
		a.linkCommand(),
		a.unlinkCommand(),
		a.dialCommand(),
	)
	return root
}

func (a *app) run(ctx context.Context) error {
	secrets, err := LoadSecrets()
	if err != nil {
		return err
	}
	reg, err := matrix.LoadRegistration(a.settings.RegistrationPath())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("registration: %w", err)
		}
		a.logs.Core.Warnf("no registration at %s, using tokens from the environment", a.settings.RegistrationPath())
	}

	gw, err := NewGateway(a.settings, secrets, reg, a.logs)
	if err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := gw.Start(ctx); err != nil {
		a.logs.Core.Errorf("gateway stopped: %v", err)
		return err
	}
	a.logs.Core.Info("gateway stopped")
	return nil
}

func (a *app) registerCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Write the application service registration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.settings.RegistrationPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to replace it", path)
			}
			reg := matrix.NewRegistration(appServiceID, a.settings.AppServiceURL(), namespace(a.settings))
			if err := reg.Save(path); err != nil {
				return fmt.Errorf("write registration: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registration written to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing registration")
	return cmd
}

// directory opens the configured store for the link commands. With
// withClient set, rooms are created on the homeserver. The caller closes
// its store.
func (a *app) directory(withClient bool) (*rooms.Directory, error) {
	secrets, err := LoadSecrets()
	if err != nil {
		return nil, err
	}
	var creator rooms.RoomCreator
	if withClient {
		reg, err := matrix.LoadRegistration(a.settings.RegistrationPath())
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("registration: %w", err)
		}
		asToken, _, err := appTokens(secrets, reg)
		if err != nil {
			return nil, err
		}
		creator = matrix.NewClient(a.settings.HomeserverURL(), asToken, namespace(a.settings), a.logs.HTTP)
	}
	store, err := openStore(a.settings, secrets, a.logs)
	if err != nil {
		return nil, err
	}
	modules, _, _ := newModules(a.settings, nil, "", a.logs)
	return rooms.NewDirectory(store, modules, creator, a.logs.Engine), nil
}

// parseData turns key=value arguments into module data.
func parseData(args []string) (map[string]string, error) {
	data := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		data[k] = v
	}
	return data, nil
}

func (a *app) linkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "link <control-room> <module> <number> [key=value...]",
		Short: "Link a control room to a telephony module and number",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseData(args[3:])
			if err != nil {
				return err
			}
			dir, err := a.directory(false)
			if err != nil {
				return err
			}
			defer dir.Store().Close()

			token, err := dir.Link(cmd.Context(), args[0], rooms.ControlConfig{Module: args[1], Number: args[2], Data: data})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "linked %s to %s via %s\n", args[0], args[2], args[1])
			if args[1] == pstream.Name {
				fmt.Fprintf(out, "webhook: %s/webhook/pstream/%s\n", a.settings.PublicURL(), token)
			}
			return nil
		},
	}
}

func (a *app) unlinkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <control-room>",
		Short: "Remove a control room link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.directory(false)
			if err != nil {
				return err
			}
			defer dir.Store().Close()
			if err := dir.Unlink(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unlinked %s\n", args[0])
			return nil
		},
	}
}

func (a *app) dialCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dial <control-room> <number>",
		Short: "Open a bridged room for a phone number",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.directory(true)
			if err != nil {
				return err
			}
			defer dir.Store().Close()

			room, created, err := dir.Dial(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "created %s for %s\n", room, args[1])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "bridge already open under %s\n", room)
			}
			return nil
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
