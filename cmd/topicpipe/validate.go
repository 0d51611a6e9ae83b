package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dcshock/topicpipe/config"
)

func newValidateCmd(_ *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definitions-file>",
		Short: "Validate a topic and pipeline definitions file",
		Long: `Parse the definitions, resolve topics, compile every expression and
validate every pipeline.

Exit codes:
  0 - Definitions are valid
  1 - Parse or validation errors`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d topics, %d pipelines\n", len(cat.Topics()), len(cat.PipelineIDs()))
			return nil
		},
	}
}

// loadCatalog reads and builds a definitions file. Errors are validationErrors.
func loadCatalog(path string) (*config.Catalog, error) {
	def, err := config.LoadFile(path)
	if err != nil {
		return nil, &validationError{err}
	}
	cat, err := config.Build(def)
	if err != nil {
		return nil, &validationError{fmt.Errorf("%s: %w", path, err)}
	}
	return cat, nil
}
