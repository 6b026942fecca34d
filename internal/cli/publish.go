package cli

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/rescale/gridscan/internal/progress"
	"github.com/rescale/gridscan/internal/publish"
	"github.com/rescale/gridscan/internal/ratelimit"
)

// newPublishCmd creates the 'publish' command.
func newPublishCmd() *cobra.Command {
	var superphotos bool
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Upload the collected store to S3 or Azure Blob Storage",
		Long: `Upload the collected array store to the URL of the project's publish
block. Credentials are read from the environment:

  s3://bucket/prefix                 GRIDSCAN_S3_ACCESS_KEY_ID, GRIDSCAN_S3_SECRET_ACCESS_KEY
                                     (optional GRIDSCAN_S3_SESSION_TOKEN), otherwise the
                                     default AWS credential chain
  azblob://account/container/prefix  AZURE_STORAGE_SAS_TOKEN or AZURE_STORAGE_KEY

Examples:
  gridscan publish -c scan.hcl
  gridscan publish -c scan.hcl --superphotos --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetLogger()
			ctx := GetContext()

			p, err := loadProject()
			if err != nil {
				return err
			}
			pub := p.Publish()
			if pub == nil {
				return fmt.Errorf("project %s has no publish block", p.Tag())
			}
			target, err := publish.ParseTarget(pub.URL)
			if err != nil {
				return err
			}

			storePath := p.StorePath(superphotos)
			if _, err := os.Stat(storePath); err != nil {
				return fmt.Errorf("no collected store at %s, run collect first: %w", storePath, err)
			}
			files, err := publish.Walk(storePath, target)
			if err != nil {
				return err
			}

			if dryRun {
				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.SetStyle(table.StyleLight)
				t.AppendHeader(table.Row{"File", "Key", "Bytes"})
				var total int64
				for _, f := range files {
					t.AppendRow(table.Row{f.LocalPath, f.Key, f.Size})
					total += f.Size
				}
				t.AppendFooter(table.Row{"Total", len(files), total})
				t.Render()
				return nil
			}

			uploader, err := publish.NewUploader(ctx, pub, target, logger)
			if err != nil {
				return err
			}
			publisher := &publish.Publisher{
				Uploader:    uploader,
				Concurrency: pub.Concurrency,
				Limiter:     ratelimit.ForRequestsPerSecond(pub.RateLimit, logger),
				UI:          progress.NewTransferUI(len(files)),
				Logger:      logger,
			}
			summary, err := publisher.Publish(ctx, storePath, target)
			if err != nil {
				return err
			}

			logger.Info().
				Str("target", summary.Target.String()).
				Int("files", summary.Files).
				Int64("bytes", summary.Bytes).
				Dur("duration", summary.Duration).
				Msg("Published")
			return nil
		},
	}

	cmd.Flags().BoolVar(&superphotos, "superphotos", false, "Publish the superphotospheric fireball store")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List the objects that would be uploaded")

	return cmd
}
