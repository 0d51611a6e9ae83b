package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/dcshock/topicpipe/config"
	"github.com/dcshock/topicpipe/observer"
	"github.com/dcshock/topicpipe/pipeline"
	"github.com/dcshock/topicpipe/topicstore"
)

type dispatchFlags struct {
	topic    string
	kind     string
	newJSON  string
	oldJSON  string
	store    bool
	maxDepth int
}

func newDispatchCmd(root *rootFlags) *cobra.Command {
	f := &dispatchFlags{}
	cmd := &cobra.Command{
		Use:   "dispatch <definitions-file>",
		Short: "Run one write through the pipelines using an in-memory store",
		Long: `Dispatch one insert or update to the pipelines of a topic and print the
status of every run in the cascade as JSON lines. With --store the record
is inserted first and the stored record (with its key) is dispatched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := config.LoadFile(args[0])
			if err != nil {
				return &validationError{err}
			}
			cat, err := config.Build(def)
			if err != nil {
				return &validationError{err}
			}
			var payload pipeline.Payload
			if err := json.Unmarshal([]byte(f.newJSON), &payload.New); err != nil {
				return fmt.Errorf("--new: %w", err)
			}
			if f.oldJSON != "" {
				if err := json.Unmarshal([]byte(f.oldJSON), &payload.Old); err != nil {
					return fmt.Errorf("--old: %w", err)
				}
			}

			logger := root.logger(cmd.ErrOrStderr(), "info", "text")
			printer := &statusPrinter{enc: json.NewEncoder(cmd.OutOrStdout())}
			store := topicstore.NewMemory()
			opts := pipeline.Options{
				Topics:    cat,
				Pipelines: cat,
				Store:     store,
				Recorder:  observer.MultiRecorder{observer.NewLogRecorder(logger), printer},
				Logger:    logger,
			}
			def.Engine.Apply(&opts)
			if f.maxDepth > 0 {
				opts.MaxDepth = f.maxDepth
			}
			eng, err := pipeline.NewEngine(opts)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			kind := pipeline.TriggerKind(f.kind)
			if f.store {
				rec, err := store.InsertRecord(ctx, f.topic, payload.New)
				if err != nil {
					return err
				}
				payload.New = rec.Data
			}
			return eng.Dispatch(ctx, f.topic, kind, payload)
		},
	}
	cmd.Flags().StringVar(&f.topic, "topic", "", "Topic name (required)")
	cmd.Flags().StringVar(&f.kind, "kind", string(pipeline.TriggerInsert), "Trigger kind: insert or update")
	cmd.Flags().StringVar(&f.newJSON, "new", "{}", "New record as a JSON object")
	cmd.Flags().StringVar(&f.oldJSON, "old", "", "Old record as a JSON object (updates)")
	cmd.Flags().BoolVar(&f.store, "store", false, "Insert the record before dispatching")
	cmd.Flags().IntVar(&f.maxDepth, "max-depth", 0, "Cascade depth ceiling (default 16)")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

// statusPrinter is a recorder writing each status as one JSON line.
type statusPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *statusPrinter) RecordRunStatus(_ context.Context, s *pipeline.RunStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(s)
}
