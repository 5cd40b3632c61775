package cli

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/ingest"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/repository"
	"github.com/united-manufacturing-hub/uns-metadata-sync/internal/sparkplug"
)

// fixtureRecord is one line of an ingest-fixture file: a captured
// Sparkplug frame, topic and payload verbatim, replayed through the
// pipeline without a live broker. Payload is base64 because Sparkplug
// frames are Protobuf, not JSON.
type fixtureRecord struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

func newIngestFixtureCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "ingest-fixture",
		Short: "Replay a captured batch of Sparkplug frames through the ingest pipeline, no broker required.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				return fmt.Errorf("ingest-fixture: --path is required")
			}

			settings, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, settings)
			if err != nil {
				return err
			}
			defer pool.Close()

			repo := repository.New(pool, settings.Identity.IncludeChecksum)
			aliases := sparkplug.NewAliasCache("", 0, nil)
			defer aliases.Close()

			pipeline := ingest.NewPipeline(ingest.Dependencies{
				Aliases:         aliases,
				Repo:            repo,
				IncludeChecksum: settings.Identity.IncludeChecksum,
				Fallback: ingest.FallbackClassification{
					Country:      settings.Identity.Country,
					BusinessUnit: settings.Identity.BusinessUnit,
					Plant:        settings.Identity.Plant,
				},
			})

			file, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open fixture: %w", err)
			}
			defer file.Close()

			var processed, skipped int
			scanner := bufio.NewScanner(file)
			scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
			for scanner.Scan() {
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}
				var record fixtureRecord
				if err := json.Unmarshal(line, &record); err != nil {
					return fmt.Errorf("decode fixture line: %w", err)
				}
				payload, err := base64.StdEncoding.DecodeString(record.Payload)
				if err != nil {
					return fmt.Errorf("decode fixture payload for topic %q: %w", record.Topic, err)
				}
				if err := pipeline.Process(ctx, record.Topic, payload); err != nil {
					fmt.Fprintf(os.Stderr, "skipping %s: %v\n", record.Topic, err)
					skipped++
					continue
				}
				processed++
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read fixture: %w", err)
			}

			fmt.Printf("processed=%d skipped=%d\n", processed, skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "path to a JSON-lines fixture file of {topic, payload} records (payload is base64-encoded Sparkplug protobuf)")
	return cmd
}
