package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/techno-archive/enrich-cli/internal/pipeline"
)

var runParams string

var runCmd = &cobra.Command{
	Use:   "run <action>",
	Short: "Run a single pipeline action",
	Long:  "Runs one action (status, ingest, verify, enrich, generate_outreach, export, run_all) and prints the JSON response.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var params map[string]any
		if runParams != "" {
			if err := json.Unmarshal([]byte(runParams), &params); err != nil {
				return eris.Wrap(err, "parse --params")
			}
		}

		resp, err := env.Runner.Do(ctx, pipeline.Request{Action: args[0], Params: params})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	},
}

func init() {
	runCmd.Flags().StringVar(&runParams, "params", "", "action parameters as a JSON object")
	rootCmd.AddCommand(runCmd)
}
