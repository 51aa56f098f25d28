package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/specstorm/internal/plugin"
	"github.com/dshills/specstorm/internal/version"
)

func newPluginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Manage plugins",
	}

	cmd.AddCommand(newPluginInstallCmd())
	cmd.AddCommand(newPluginUninstallCmd())
	cmd.AddCommand(newPluginUpdateCmd())
	cmd.AddCommand(newPluginEnableCmd())
	cmd.AddCommand(newPluginDisableCmd())
	cmd.AddCommand(newPluginListCmd())
	cmd.AddCommand(newPluginInfoCmd())
	cmd.AddCommand(newPluginSearchCmd())
	cmd.AddCommand(newPluginNewCmd())
	cmd.AddCommand(newPluginValidateCmd())
	cmd.AddCommand(newPluginConfigCmd())
	cmd.AddCommand(newPluginDevCmd())
	return cmd
}

func newPluginInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <name|path>",
		Short: "Install a plugin from the registry or a local directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			if err := rt.manager.Install(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Installed %s\n", args[0])
			return nil
		},
	}
}

func newPluginUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <name>",
		Short: "Uninstall a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			if err := rt.manager.Uninstall(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Uninstalled %s\n", args[0])
			return nil
		},
	}
}

func newPluginUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <name>",
		Short: "Update a plugin to its latest version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			if err := rt.manager.Update(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Updated %s\n", args[0])
			return nil
		},
	}
}

func newPluginEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <name>",
		Short: "Enable an installed plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			return rt.manager.Enable(cmd.Context(), args[0])
		},
	}
}

func newPluginDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <name>",
		Short: "Disable an installed plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			return rt.manager.Disable(cmd.Context(), args[0])
		},
	}
}

func newPluginListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			plugins, err := rt.manager.List()
			if err != nil {
				return err
			}
			if len(plugins) == 0 {
				fmt.Println("No plugins installed.")
				return nil
			}
			for _, p := range plugins {
				status := "disabled"
				if p.Enabled {
					status = "enabled"
				}
				fmt.Printf("  %-24s %-10s %-9s %-6s %s\n", p.Name, p.Version, status, p.Source, p.Description)
			}
			return nil
		},
	}
}

func newPluginInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Short: "Show plugin details, local or from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			info, err := rt.manager.Info(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if info == nil {
				fmt.Printf("Plugin %q not found.\n", args[0])
				return nil
			}
			fmt.Printf("Name:        %s\n", info.Name)
			fmt.Printf("Version:     %s\n", info.Version)
			fmt.Printf("Author:      %s\n", info.Author)
			fmt.Printf("Description: %s\n", info.Description)
			if info.Installed {
				status := "disabled"
				if info.Enabled {
					status = "enabled"
				}
				fmt.Printf("Status:      installed, %s\n", status)
			}
			return nil
		},
	}
}

func newPluginSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search [query]",
		Short: "Search the registry for plugins",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			results := rt.manager.Search(cmd.Context(), query)
			if len(results) == 0 {
				fmt.Println("No plugins found.")
				return nil
			}
			for _, r := range results {
				fmt.Printf("  %-24s %-10s %s\n", r.Name, r.Version, r.Description)
			}
			return nil
		},
	}
}

func newPluginNewCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "new <name>",
		Short: "Scaffold a new plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			target := dir
			if target == "" {
				target = name
			}
			res := plugin.Scaffold(target, name)
			if res.Error != nil {
				return res.Error
			}
			fmt.Printf("Created plugin %s:\n", name)
			for _, f := range res.CreatedFiles {
				fmt.Printf("  %s\n", f)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "target directory (default ./<name>)")
	return cmd
}

func newPluginValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a plugin directory without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := plugin.ValidatePluginDir(args[0])
			if res.Valid {
				fmt.Printf("%s is a valid plugin (%s@%s)\n", args[0], res.Manifest.Name, res.Manifest.Version)
				return nil
			}
			for _, e := range res.Errors {
				fmt.Printf("  %s: %s\n", e.Field, e.Message)
			}
			return fmt.Errorf("%s failed validation", args[0])
		},
	}
}

func newPluginConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write plugin configuration",
	}
	cmd.AddCommand(newPluginConfigGetCmd())
	cmd.AddCommand(newPluginConfigSetCmd())
	return cmd
}

func newPluginConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <plugin> [key]",
		Short: "Show a plugin's effective configuration or one key",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}

			if len(args) == 2 {
				value, ok, err := rt.configs.GetKey(args[0], args[1])
				if err != nil {
					return err
				}
				if !ok {
					fmt.Printf("%s is not set\n", args[1])
					return nil
				}
				return printJSON(value)
			}

			manifest, err := rt.manifestFor(args[0])
			if err != nil {
				return err
			}
			cfg, err := rt.configs.PluginConfig(manifest)
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func newPluginConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <plugin> <key> <value>",
		Short: "Set a plugin configuration value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			manifest, err := rt.manifestFor(args[0])
			if err != nil {
				return err
			}
			if err := rt.configs.Set(manifest, args[1], parseValue(args[2])); err != nil {
				return err
			}
			fmt.Printf("Set %s.%s\n", args[0], args[1])
			return nil
		},
	}
}

func newPluginDevCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dev <path>",
		Short: "Run a local plugin with hot reload on file changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			res := plugin.ValidatePluginDir(dir)
			if !res.Valid {
				for _, e := range res.Errors {
					fmt.Printf("  %s: %s\n", e.Field, e.Message)
				}
				return fmt.Errorf("%s failed validation", dir)
			}
			name := res.Manifest.Name

			registry := plugin.NewRegistry(
				plugin.WithReservedCommands(reservedCommands...),
				plugin.WithReservedAgents(reservedAgents...),
				plugin.WithProtectedServices(protectedServices...),
				plugin.WithRegistryLogger(log),
			)
			loader := plugin.NewLoader(registry,
				plugin.WithPluginDirs(dir),
				plugin.WithHostVersion(version.Version),
				plugin.WithLoaderLogger(log),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := loader.LoadPlugin(ctx, name); err != nil {
				return err
			}
			fmt.Printf("Loaded %s; watching %s (ctrl-c to stop)\n", name, dir)

			watcher, err := plugin.NewDevWatcher(loader, log)
			if err != nil {
				return err
			}
			defer watcher.Close()
			if err := watcher.Watch(name, dir); err != nil {
				return err
			}

			watcher.Run(ctx)
			loader.UnloadPlugin(cmd.Context(), name)
			return nil
		},
	}
}

// parseValue interprets a CLI value as JSON when possible, otherwise as
// a plain string, so `set p retries 3` stores a number.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
