package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lodestone-registry/lodestone/internal/core"
	"github.com/lodestone-registry/lodestone/internal/data"
	"github.com/lodestone-registry/lodestone/internal/domain/model"
	"github.com/lodestone-registry/lodestone/internal/service"
)

const defaultCommandTimeout = 2 * time.Minute

type addPackageOptions struct {
	Name         string
	Repository   string
	SubDirectory string
}

type listPackagesOptions struct {
	Limit int
}

type scheduleUpdateOptions struct {
	Package         string
	Force           bool
	DeleteBefore    bool
	UpdateEqualRefs bool
	Delay           time.Duration
}

type jobStatusOptions struct {
	JobID      string
	Maintainer bool
}

func runAddPackage(cmdCtx *commandContext, args []string) error {
	opts, err := parseAddPackageFlags(args)
	if err != nil {
		return err
	}

	req := model.CreatePackageRequest{
		Name:       opts.Name,
		Repository: opts.Repository,
	}
	if opts.SubDirectory != "" {
		sub := opts.SubDirectory
		req.SubDirectory = &sub
	}
	if err = req.Validate(); err != nil {
		return err
	}

	return withDatabase(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		pkg, createErr := data.NewPackageRepo(db).Create(ctx, &req)
		if createErr != nil {
			return fmt.Errorf("create package: %w", createErr)
		}
		return writef(os.Stdout, "created package %s (id %d)\n", pkg.Name, pkg.ID)
	})
}

func runListPackages(cmdCtx *commandContext, args []string) error {
	opts, err := parseListPackagesFlags(args)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, defaultCommandTimeout, func(ctx context.Context, db *sql.DB) error {
		rows, queryErr := db.QueryContext(ctx, `
			SELECT name, repository, disabled, archived, remote_gone_at, crawled_at
			FROM packages
			ORDER BY name
			LIMIT $1`, opts.Limit)
		if queryErr != nil {
			return fmt.Errorf("list packages: %w", queryErr)
		}
		defer rows.Close()

		count := 0
		for rows.Next() {
			var p model.Package
			if scanErr := rows.Scan(
				&p.Name, &p.Repository, &p.Disabled, &p.Archived, &p.RemoteGoneAt, &p.CrawledAt,
			); scanErr != nil {
				return fmt.Errorf("scan package row: %w", scanErr)
			}
			if writeErr := writeln(os.Stdout, formatPackageRow(&p)); writeErr != nil {
				return writeErr
			}
			count++
		}
		if rowsErr := rows.Err(); rowsErr != nil {
			return fmt.Errorf("iterate package rows: %w", rowsErr)
		}
		return writef(os.Stdout, "\n%d package(s)\n", count)
	})
}

// formatPackageRow renders one list-packages line: name, repository, and any
// state flags that affect scheduling.
func formatPackageRow(p *model.Package) string {
	var flags []string
	if p.Disabled {
		flags = append(flags, "disabled")
	}
	if p.Archived {
		flags = append(flags, "archived")
	}
	if p.RemoteGoneAt != nil {
		flags = append(flags, "remote-gone")
	}

	state := "never-synced"
	if p.CrawledAt != nil {
		state = "synced " + p.CrawledAt.UTC().Format(time.RFC3339)
	}
	if len(flags) > 0 {
		state += " [" + strings.Join(flags, ",") + "]"
	}
	return fmt.Sprintf("%-40s %-60s %s", p.Name, p.Repository, state)
}

func runScheduleUpdate(cmdCtx *commandContext, args []string) error {
	opts, err := parseScheduleUpdateFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	db, redisClient, err := connectInfra(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeInfra(db, redisClient, cmdCtx.Logger)

	if redisClient == nil {
		return errors.New("schedule-update requires a redis configuration for the dispatch queue")
	}

	pkg, err := data.NewPackageRepo(db).GetByName(ctx, opts.Package)
	if err != nil {
		return fmt.Errorf("load package %q: %w", opts.Package, err)
	}

	scheduler := service.MustNewSchedulerService(service.SchedulerOptions{
		Jobs:   data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger}),
		Queue:  data.NewRedisDispatchQueue(redisClient, ""),
		Logger: cmdCtx.Logger,
	})

	scheduleOpts := service.ScheduleOptions{
		UpdateEqualRefs: opts.UpdateEqualRefs,
		DeleteBefore:    opts.DeleteBefore,
		Force:           opts.Force,
	}
	if opts.Delay > 0 {
		at := time.Now().Add(opts.Delay)
		scheduleOpts.ExecuteAfter = &at
	}

	job, err := scheduler.ScheduleUpdate(ctx, pkg, scheduleOpts)
	if err != nil {
		return fmt.Errorf("schedule update: %w", err)
	}

	return writef(os.Stdout, "job %s (%s) %s for package %s\n", job.ID, job.Type, job.Status, pkg.Name)
}

func runJobStatus(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobStatusFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	db, redisClient, err := connectInfra(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeInfra(db, redisClient, cmdCtx.Logger)

	var cache core.StatusCache
	if redisClient != nil {
		cache = data.NewRedisCacheRepo(redisClient)
	}

	status := service.MustNewStatusService(service.StatusOptions{
		Jobs:   data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger}),
		Cache:  cache,
		Logger: cmdCtx.Logger,
	})

	resp, err := status.GetStatus(ctx, opts.JobID, opts.Maintainer)
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	if err := writef(os.Stdout, "status:  %s\n", resp.Status); err != nil {
		return err
	}
	if resp.Message != "" {
		if err := writef(os.Stdout, "message: %s\n", resp.Message); err != nil {
			return err
		}
	}
	if resp.Details != "" {
		if err := writef(os.Stdout, "details: %s\n", resp.Details); err != nil {
			return err
		}
	}
	return nil
}

func parseAddPackageFlags(args []string) (addPackageOptions, error) {
	fs := flag.NewFlagSet("add-package", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts addPackageOptions
	fs.StringVar(&opts.Name, "name", "", "Package name (vendor/name)")
	fs.StringVar(&opts.Repository, "repo", "", "Repository URL; append #monorepo to mark a mono-repo root")
	fs.StringVar(&opts.SubDirectory, "sub-directory", "", "Restrict the package to a repository subdirectory")

	if err := fs.Parse(args); err != nil {
		return addPackageOptions{}, err
	}

	if opts.Name == "" {
		return addPackageOptions{}, errors.New("--name is required")
	}
	if opts.Repository == "" {
		return addPackageOptions{}, errors.New("--repo is required")
	}

	return opts, nil
}

func parseListPackagesFlags(args []string) (listPackagesOptions, error) {
	fs := flag.NewFlagSet("list-packages", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := listPackagesOptions{Limit: 50}
	fs.IntVar(&opts.Limit, "limit", 50, "Maximum number of packages to list")

	if err := fs.Parse(args); err != nil {
		return listPackagesOptions{}, err
	}

	if opts.Limit <= 0 {
		return listPackagesOptions{}, errors.New("--limit must be greater than zero")
	}

	return opts, nil
}

func parseScheduleUpdateFlags(args []string) (scheduleUpdateOptions, error) {
	fs := flag.NewFlagSet("schedule-update", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts scheduleUpdateOptions
	fs.StringVar(&opts.Package, "package", "", "Package name to update (vendor/name)")
	fs.BoolVar(&opts.Force, "force", false, "Bypass remote-gone scheduling suppression")
	fs.BoolVar(&opts.DeleteBefore, "delete-before", false, "Wipe stored versions before syncing")
	fs.BoolVar(&opts.UpdateEqualRefs, "update-equal-refs", false, "Rewrite versions even when source refs are unchanged")
	fs.DurationVar(&opts.Delay, "delay", 0, "Delay job execution by this duration; zero runs immediately")

	if err := fs.Parse(args); err != nil {
		return scheduleUpdateOptions{}, err
	}

	if opts.Package == "" {
		return scheduleUpdateOptions{}, errors.New("--package is required")
	}
	if opts.Delay < 0 {
		return scheduleUpdateOptions{}, errors.New("--delay must not be negative")
	}

	return opts, nil
}

func parseJobStatusFlags(args []string) (jobStatusOptions, error) {
	fs := flag.NewFlagSet("job-status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts jobStatusOptions
	fs.StringVar(&opts.JobID, "job", "", "Job identifier returned by schedule-update")
	fs.BoolVar(&opts.Maintainer, "maintainer", false, "Include diagnostic details reserved for package maintainers")

	if err := fs.Parse(args); err != nil {
		return jobStatusOptions{}, err
	}

	if opts.JobID == "" {
		return jobStatusOptions{}, errors.New("--job is required")
	}

	return opts, nil
}
