package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"dingbridge/internal/config"
	"dingbridge/internal/tool"

	"github.com/spf13/cobra"
)

func toolsCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List built-in tools and the agents that declare them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				cfg = config.Defaults()
			}

			reg := tool.NewRegistry(tool.RegistryConfig{Logger: logger})
			if err := registerTools(reg, cfg); err != nil {
				return err
			}
			usedBy := make(map[string][]string)
			for _, a := range cfg.Agents {
				for _, t := range a.Tools {
					usedBy[t] = append(usedBy[t], a.Name)
				}
			}

			names := reg.Names()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL\tAGENTS\tDESCRIPTION")
			for _, def := range reg.Definitions(names) {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", def.Name, strings.Join(usedBy[def.Name], ","), def.Description)
				if verbose {
					schema, _ := json.Marshal(def.Parameters)
					fmt.Fprintf(tw, "\t\t%s\n", schema)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print input schemas")
	return cmd
}
