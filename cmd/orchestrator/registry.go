package main

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/toolserver"
	"github.com/haasonsaas/nexus/pkg/protocol"
)

func buildRegistryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect and mutate the tool server registry",
	}
	cmd.AddCommand(
		buildRegistryListCmd(),
		buildRegistryAddCmd(),
		buildRegistryRemoveCmd(),
	)
	return cmd
}

func registryFlag(cmd *cobra.Command) *string {
	path := cmd.Flags().StringP("registry", "r", "tool-servers.json", "path to tool-servers.json")
	return path
}

func buildRegistryListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured tool servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("registry")
			registry, err := toolserver.NewRegistry(path, slog.Default())
			if err != nil {
				return err
			}
			servers := registry.All()
			names := make([]string, 0, len(servers))
			for name := range servers {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				cfg := servers[name]
				fmt.Printf("%s\ttransport=%s\tenabled=%t\n", name, cfg.Transport, cfg.Enabled)
			}
			return nil
		},
	}
	registryFlag(cmd)
	return cmd
}

func buildRegistryAddCmd() *cobra.Command {
	var (
		transport   string
		command     string
		url         string
		image       string
		description string
		enabled     bool
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a new tool server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("registry")
			registry, err := toolserver.NewRegistry(path, slog.Default())
			if err != nil {
				return err
			}
			cfg := protocol.ServerConfig{
				Transport:      protocol.Transport(transport),
				Enabled:        enabled,
				Description:    description,
				Command:        command,
				URL:            url,
				ContainerImage: image,
			}
			if err := registry.Add(args[0], cfg); err != nil {
				return err
			}
			fmt.Printf("added tool server %q\n", args[0])
			return nil
		},
	}
	registryFlag(cmd)
	cmd.Flags().StringVar(&transport, "transport", string(protocol.TransportLocalStdio), "transport: sandbox-stdio|local-stdio|http|sse")
	cmd.Flags().StringVar(&command, "command", "", "command to run (local-stdio)")
	cmd.Flags().StringVar(&url, "url", "", "endpoint URL (http|sse)")
	cmd.Flags().StringVar(&image, "image", "", "container image (sandbox-stdio)")
	cmd.Flags().StringVar(&description, "description", "", "human-readable description")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "enable the server immediately")
	return cmd
}

func buildRegistryRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a tool server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("registry")
			registry, err := toolserver.NewRegistry(path, slog.Default())
			if err != nil {
				return err
			}
			if err := registry.Remove(args[0]); err != nil {
				return err
			}
			fmt.Printf("removed tool server %q\n", args[0])
			return nil
		},
	}
	registryFlag(cmd)
	return cmd
}
