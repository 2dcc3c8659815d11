package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/shipment-bundler/internal/archive"
	"github.com/fpang/shipment-bundler/internal/blob"
	"github.com/fpang/shipment-bundler/internal/cli"
	"github.com/fpang/shipment-bundler/internal/events"
	"github.com/fpang/shipment-bundler/internal/jobs"
	"github.com/fpang/shipment-bundler/internal/links"
)

var (
	localFlag    bool
	ttlHoursFlag int
)

var partitionCmd = &cobra.Command{
	Use:   "partition <file | s3://bucket/key>",
	Short: "Partition a batch into packages and publish them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := cli.ResolveSource(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		env := cli.InitEnv(envFileFlag)

		var data []byte
		if src.Remote() {
			data, err = blob.ReadAll(ctx, env.Blobs(), src.Bucket, src.Key)
		} else {
			data, err = os.ReadFile(src.Path)
		}
		if err != nil {
			return fmt.Errorf("read batch: %w", err)
		}

		res, err := env.Partitioner(ctx).Partition(ctx, src.String(), data)
		if res != nil {
			if rerr := render(cmd, res); rerr != nil {
				return rerr
			}
		}
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's state and counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env := cli.InitEnv(envFileFlag)
		st, err := env.Status.Job(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		end := time.Now()
		if st.FinishedAt != nil {
			end = *st.FinishedAt
		}
		log.Debug().Str("jobId", st.JobID).Str("elapsed", cli.FormatDurationShort(end.Sub(st.StartedAt))).Msg("Job status")
		return render(cmd, st)
	},
}

var packagesCmd = &cobra.Command{
	Use:   "packages <job-id>",
	Short: "Show the per-package completeness report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env := cli.InitEnv(envFileFlag)
		report, err := env.Status.Packages(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd, report)
	},
}

var packageCmd = &cobra.Command{
	Use:   "package <job-id> <number>",
	Short: "Re-drive one package",
	Long: `Re-drive one package. By default the package message is published again
and the deployed runner picks it up. With --local the package is bundled in
this process. Either way only pending packages, or running packages whose
lease has expired, are processed.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := cli.ParsePackageNumber(args[1])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		env := cli.InitEnv(envFileFlag)

		job, err := env.State.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		pkg, err := env.State.GetPackage(ctx, job.ID, number)
		if err != nil {
			return err
		}
		msg := events.PackageMessage{
			JobID:         job.ID,
			OriginalFile:  job.SourceObject,
			PackageURI:    blob.URI(env.Config.Buckets.Package, pkg.ObjectKey),
			PackageNumber: pkg.Number,
			PackageCount:  pkg.Count,
		}

		if !localFlag {
			if err := env.Publisher.Publish(ctx, events.NewPackageEvent(msg)); err != nil {
				return fmt.Errorf("publish package message: %w", err)
			}
			log.Info().Str("jobId", job.ID).Int("packageNumber", number).Msg("Package message published")
			return render(cmd, msg)
		}

		out, err := env.Runner().Run(ctx, msg)
		if err != nil {
			return err
		}
		return render(cmd, out)
	},
}

var linkCmd = &cobra.Command{
	Use:   "link <job-id> <number>",
	Short: "Issue a fresh download link for a package archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := cli.ParsePackageNumber(args[1])
		if err != nil {
			return err
		}
		env := cli.InitEnv(envFileFlag)
		ttl := ttlHoursFlag
		if ttl == 0 {
			ttl = env.Config.Links.TTLHours
		}
		link, err := env.Issuer.Issue(cmd.Context(), env.Config.Buckets.Archive,
			jobs.ArchiveKey(args[0], number), ttl, jobs.ArchiveFilename(args[0], number))
		if err != nil {
			return err
		}
		return render(cmd, link)
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe <url>",
	Short: "Check whether a download link still works",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		validity, err := links.NewProber(nil).Probe(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := map[string]any{"url": args[0], "validity": validity}
		if exp, err := blob.ExpiryFromURL(args[0]); err == nil {
			out["expires_at"] = exp
		}
		return render(cmd, out)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <job-id>",
	Short: "Delete a job's archives, package documents and work files now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !yesFlag && !cli.Confirm(cmd.InOrStdin(), cmd.ErrOrStderr(), "Delete all artifacts for job "+args[0]+"?") {
			log.Info().Str("jobId", args[0]).Msg("Cleanup cancelled")
			return nil
		}
		env := cli.InitEnv(envFileFlag)
		res, err := env.Scheduler.Execute(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		log.Info().Str("jobId", res.JobID).Str("freed", cli.FormatBytes(res.FreedBytes)).Msg("Cleanup executed")
		return render(cmd, res)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Execute every cleanup that is due",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env := cli.InitEnv(envFileFlag)
		res, err := env.Scheduler.SweepDue(cmd.Context())
		if err != nil {
			return err
		}
		log.Info().Int("executed", res.Executed).Str("freed", cli.FormatBytes(res.FreedBytes)).Msg("Sweep complete")
		return render(cmd, res)
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <archive.zip>",
	Short: "Check a downloaded archive's integrity and print its manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := cli.ResolveSource(args[0])
		if err != nil {
			return err
		}
		if src.Remote() {
			return fmt.Errorf("verify takes a local file; download %s first", src)
		}
		manifest, err := archive.Verify(src.Path, "")
		if err != nil {
			return err
		}
		return render(cmd, manifest)
	},
}
