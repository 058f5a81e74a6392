package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chatgate/chatgate/pkg/completion"
	"github.com/chatgate/chatgate/pkg/ollama"
)

func newModelsCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models installed on the inference service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			upstream, err := ollama.NewFromConfig(cfg.Inference, nil).ListModels(cmd.Context())
			if err != nil {
				return err
			}
			if len(upstream) == 0 {
				fmt.Println("No models installed.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIZE")
			for _, m := range completion.Summarize(upstream) {
				fmt.Fprintf(w, "%s\t%s\n", m.Name, m.Size)
			}
			return w.Flush()
		},
	}
}
