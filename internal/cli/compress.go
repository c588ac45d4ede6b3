package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"squeeze/internal/client"
	"squeeze/internal/client/input"
	"squeeze/internal/protocol"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newCompressCmd(a *app) *cobra.Command {
	var (
		algorithm string
		encrypt   bool
		key       string
		stopAfter time.Duration
	)

	cmd := &cobra.Command{
		Use:   "compress <path>...",
		Short: "Compress files on the server and follow the job live",
		Long: `Upload a file for compression and follow the job until it finishes.

Directories and multiple paths are bundled into one zip archive first.
Press Ctrl-C to stop the job; the server confirms the stop.

Examples:
  squeeze compress report.csv --algorithm huffman
  squeeze compress ./photos --algorithm zip --encrypt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := protocol.ParseAlgorithm(algorithm)
			if err != nil {
				return err
			}
			if key != "" {
				encrypt = true
			}

			paths, err := input.ParseArgs(args)
			if err != nil {
				return err
			}
			tree, err := input.BuildFiletree(paths)
			if err != nil {
				return err
			}
			payload, err := input.NewPayload(tree, "")
			if err != nil {
				return err
			}
			defer func() {
				if err := payload.Cleanup(); err != nil {
					a.logger.Warn("removing bundle", "error", err)
				}
			}()
			if payload.Bundled {
				fmt.Fprintf(cmd.ErrOrStderr(), "Bundled %d files into %s (%s)\n",
					payload.Files, payload.Name, humanize.IBytes(uint64(payload.Size)))
			}

			f, err := payload.Open()
			if err != nil {
				return err
			}
			defer f.Close()

			api, err := a.api()
			if err != nil {
				return err
			}
			dialer, err := client.NewWSDialer(a.server, client.DefaultConnectTimeout)
			if err != nil {
				return err
			}
			keys, closeKeys, err := a.keys()
			if err != nil {
				return err
			}
			defer closeKeys()

			ui := newJobUI(cmd.ErrOrStderr(), payload.Name, payload.Size)
			orch := client.New(api, dialer, keys, client.Options{
				Logger:   a.logger,
				OnUpdate: ui.update,
			})

			src := client.Source{Name: payload.Name, Size: payload.Size, Reader: f}
			job, err := runJob(cmd.Context(), orch, a.logger, src, alg, encrypt, key, stopAfter)
			ui.finish(job)
			printJob(cmd.OutOrStdout(), job, key == "")
			return err
		},
	}

	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", string(protocol.AlgorithmZip), "Algorithm: zip, huffman, lz77 or combined")
	cmd.Flags().BoolVarP(&encrypt, "encrypt", "e", false, "Encrypt the artifact (a key is generated when --key is omitted)")
	cmd.Flags().StringVarP(&key, "key", "k", "", "Encryption key (implies --encrypt)")
	cmd.Flags().DurationVar(&stopAfter, "stop-after", 0, "Stop the job after this long (0 = never)")

	return cmd
}

// jobRunner is the part of the orchestrator a single CLI job needs.
type jobRunner interface {
	Start(ctx context.Context, src client.Source, algorithm protocol.Algorithm, encrypt bool, key string) (string, error)
	Stop(jobID string) error
	Wait(ctx context.Context, jobID string) (client.Job, error)
	Job(jobID string) (client.Job, bool)
}

// runJob starts a job and waits for its terminal state. Cancelling ctx or
// reaching stopAfter requests a stop; the job then ends STOPPED once the
// server confirms or the grace period lapses. A confirmed stop is not an
// error.
func runJob(ctx context.Context, r jobRunner, log *slog.Logger, src client.Source, alg protocol.Algorithm, encrypt bool, key string, stopAfter time.Duration) (client.Job, error) {
	id, err := r.Start(ctx, src, alg, encrypt, key)
	if err != nil {
		job, _ := r.Job(id)
		return job, err
	}

	var deadline <-chan time.Time
	if stopAfter > 0 {
		t := time.NewTimer(stopAfter)
		defer t.Stop()
		deadline = t.C
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-deadline:
		case <-done:
			return
		}
		if err := r.Stop(id); err != nil && !errors.Is(err, client.ErrUnknownJob) {
			log.Warn("stop request failed", "job_id", id, "error", err)
		}
	}()

	job, err := r.Wait(context.WithoutCancel(ctx), id)
	if job.Status == client.StatusStopped && job.StopConfirmed {
		return job, nil
	}
	return job, err
}

// printJob summarises a finished job. The key is printed only when the
// server generated it.
func printJob(w io.Writer, j client.Job, showKey bool) {
	switch j.Status {
	case client.StatusCompleted:
		fmt.Fprintf(w, "✓ %s → %s\n", j.Filename, j.ArtifactName)
		fmt.Fprintf(w, "  %s → %s (%.1f%% smaller) in %.1fs\n",
			humanize.IBytes(uint64(j.OriginalSize)),
			humanize.IBytes(uint64(j.CurrentSize)),
			j.CompressionRatio, j.ElapsedSeconds)
		switch {
		case j.EncryptionRequested && showKey && j.EncryptionKey != "":
			fmt.Fprintf(w, "  encryption key: %s (remembered locally)\n", j.EncryptionKey)
		case j.EncryptionRequested:
			fmt.Fprintln(w, "  encryption key remembered locally")
		}
	case client.StatusStopped:
		if j.StopConfirmed {
			fmt.Fprintf(w, "■ %s stopped\n", j.ID)
		} else {
			fmt.Fprintf(w, "■ %s stopped locally; the server did not confirm\n", j.ID)
		}
	default:
		fmt.Fprintf(w, "✗ %s %s\n", j.ID, j.Status)
	}
}
