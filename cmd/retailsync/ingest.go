package main

import (
	"context"
	"fmt"
	"time"

	"retailsync/internal/ingest"
	"retailsync/internal/source"

	"github.com/spf13/cobra"
)

type ingestOptions struct {
	chunk   int
	replace bool

	group string
	topic string
	max   int
	idle  time.Duration
}

func newIngestCmd(a *app) *cobra.Command {
	var opts ingestOptions
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Stage raw records into the document store",
	}
	cmd.PersistentFlags().IntVar(&opts.chunk, "chunk", ingest.DefaultChunkSize, "records per durable append")
	cmd.PersistentFlags().BoolVar(&opts.replace, "replace", false, "clear staged records first")

	fileCmd := func(use, short string, load func(context.Context, string, ingest.Sink, ingest.Options) (ingest.Result, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " FILE...",
			Short: short,
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withDocStore(cmd.Context(), opts, func(ctx context.Context, ds *source.DocStore, lo ingest.Options) ([]ingest.Result, error) {
					var results []ingest.Result
					for _, path := range args {
						res, err := load(ctx, path, ds, lo)
						results = append(results, res)
						if err != nil {
							return results, err
						}
					}
					return results, nil
				})
			},
		}
	}

	kafkaCmd := &cobra.Command{
		Use:   "kafka",
		Short: "Stage raw records consumed from a Kafka topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.KafkaBootstrap == "" {
				return withCode(exitUsage, fmt.Errorf("--kafka-bootstrap is required"))
			}
			return a.withDocStore(cmd.Context(), opts, func(ctx context.Context, ds *source.DocStore, lo ingest.Options) ([]ingest.Result, error) {
				k, err := ingest.NewKafkaIngestor(a.cfg.KafkaBootstrap, opts.group, opts.topic, ds, lo)
				if err != nil {
					return nil, err
				}
				defer k.Close()
				res, err := k.Run(ctx, opts.max, opts.idle)
				return []ingest.Result{res}, err
			})
		},
	}
	kafkaCmd.Flags().StringVar(&opts.group, "group-id", a.cfg.GroupID, "consumer group id")
	kafkaCmd.Flags().StringVar(&opts.topic, "topic", a.cfg.TopicRaw, "topic carrying raw records as JSON")
	kafkaCmd.Flags().IntVar(&opts.max, "max", 0, "stop after this many messages (0 = no limit)")
	kafkaCmd.Flags().DurationVar(&opts.idle, "idle", 10*time.Second, "stop after this long without messages")

	cmd.AddCommand(
		fileCmd("csv", "Stage CSV exports (delimiter detected from the header)", ingest.LoadCSVFile),
		fileCmd("jsonl", "Stage JSON lines collection dumps", ingest.LoadJSONLFile),
		kafkaCmd,
	)
	return cmd
}

func (a *app) withDocStore(ctx context.Context, opts ingestOptions, fn func(context.Context, *source.DocStore, ingest.Options) ([]ingest.Result, error)) error {
	ds, err := a.openDocStore()
	if err != nil {
		return err
	}
	defer ds.Close()
	if opts.replace {
		if err := ds.Clear(ctx); err != nil {
			return fmt.Errorf("clear staged records: %w", err)
		}
	}
	results, err := fn(ctx, ds, ingest.Options{ChunkSize: opts.chunk, Logger: a.log})
	_ = printJSON(results)
	return err
}
