package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	pubconfig "github.com/rescale/gridscan/internal/config"
	"github.com/rescale/gridscan/internal/logging"
	"github.com/rescale/gridscan/internal/progress"
	"github.com/rescale/gridscan/internal/ratelimit"
	"github.com/rescale/gridscan/internal/transport"
)

// Uploader stores one object.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.ReadSeeker, size int64) error
}

// Summary reports a publish run.
type Summary struct {
	Target   Target
	Files    int
	Bytes    int64
	Duration time.Duration
}

// Publisher uploads the files of a store with a fixed number of workers.
type Publisher struct {
	Uploader    Uploader
	Concurrency int
	Retry       transport.RetryConfig
	// Limiter paces upload attempts. A nil limiter does not pace.
	Limiter *ratelimit.RateLimiter
	// UI is optional; without it nothing is drawn.
	UI     *progress.TransferUI
	Logger *logging.Logger
}

// NewUploader builds the uploader for target from the publish settings.
// Credentials come from the environment.
func NewUploader(ctx context.Context, pub *pubconfig.Publish, target Target, logger *logging.Logger) (Uploader, error) {
	httpClient, err := transport.NewClient(pub.Proxy, logger)
	if err != nil {
		return nil, err
	}
	switch target.Scheme {
	case SchemeS3:
		return NewS3Uploader(ctx, target.Bucket, pub.Region, S3Credentials{
			AccessKeyID:  os.Getenv(EnvS3AccessKey),
			SecretKey:    os.Getenv(EnvS3SecretKey),
			SessionToken: os.Getenv(EnvS3SessionToken),
		}, httpClient)
	case SchemeAzBlob:
		return NewAzureUploader(target.Account, target.Bucket, AzureCredentials{
			SASToken:   os.Getenv(EnvAzureSASToken),
			AccountKey: os.Getenv(EnvAzureAccountKey),
		}, httpClient)
	default:
		return nil, fmt.Errorf("unsupported publish scheme %q", target.Scheme)
	}
}

// Publish uploads every file below root. The first failure cancels the
// remaining uploads.
func (p *Publisher) Publish(ctx context.Context, root string, target Target) (Summary, error) {
	logger := logging.OrNop(p.Logger)
	start := time.Now()

	files, err := Walk(root, target)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{Target: target, Files: len(files)}
	for _, f := range files {
		summary.Bytes += f.Size
	}
	logger.Info().Str("store", root).Str("target", target.String()).Int("files", len(files)).
		Int64("bytes", summary.Bytes).Msg("Publishing store")

	workers := p.Concurrency
	if workers < 1 {
		workers = 1
	}
	retry := p.Retry
	if retry.MaxRetries < 1 {
		retry = transport.DefaultRetryConfig()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan File)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobs {
				if err := p.uploadFile(ctx, f, retry, logger); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
						cancel()
					}
					mu.Unlock()
				}
			}
		}()
	}

feed:
	for _, f := range files {
		select {
		case jobs <- f:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	if p.UI != nil {
		p.UI.Wait()
	}

	if firstErr != nil {
		return summary, firstErr
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return summary, err
	}
	summary.Duration = time.Since(start)
	logger.Info().Int("files", summary.Files).Dur("duration", summary.Duration).Msg("Publish finished")
	return summary, nil
}

func (p *Publisher) uploadFile(ctx context.Context, f File, retry transport.RetryConfig, logger *logging.Logger) error {
	var bar *progress.FileBar
	if p.UI != nil {
		bar = p.UI.AddFileBar(f.LocalPath, f.Key, f.Size)
	}

	retry.OnRetry = func(attempt int, err error, errType transport.ErrorType) {
		logger.Warn().Err(err).Str("key", f.Key).Int("attempt", attempt).
			Str("type", transport.ErrorTypeName(errType)).Msg("Retrying upload")
		if errType == transport.ErrorTypeRetryable {
			p.Limiter.Cooldown(transport.CalculateBackoff(attempt, retry.InitialDelay, retry.MaxDelay))
		}
	}
	err := transport.ExecuteWithRetry(ctx, retry, func() error {
		if err := p.Limiter.Wait(ctx); err != nil {
			return err
		}
		file, err := os.Open(f.LocalPath)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", f.LocalPath, err)
		}
		defer file.Close()

		var body io.ReadSeeker = file
		if bar != nil {
			body = bar.ReadSeeker(file)
		}
		return p.Uploader.Upload(ctx, f.Key, body, f.Size)
	})
	if bar != nil {
		bar.Complete(err)
	}
	if err != nil {
		logger.Error().Err(err).Str("path", f.LocalPath).Str("key", f.Key).Msg("Upload failed")
		return err
	}
	logger.Debug().Str("key", f.Key).Int64("bytes", f.Size).Msg("Uploaded")
	return nil
}
