// Package devseed populates a development database with a handful of packages
// so the worker and admin tooling have something to chew on.
package devseed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lodestone-registry/lodestone/internal/data"
	"github.com/lodestone-registry/lodestone/internal/domain/model"
	apperrors "github.com/lodestone-registry/lodestone/internal/errors"
)

// Services bundles the dependencies needed for development seeding.
type Services struct {
	DB       *sql.DB
	packages *data.PackageRepo
}

// NewServices constructs the repositories needed for seeding using the provided DB.
func NewServices(db *sql.DB) Services {
	return Services{
		DB:       db,
		packages: data.NewPackageRepo(db),
	}
}

// Run executes the full development seeding workflow against the provided DB.
func Run(ctx context.Context, svcs Services, logger *slog.Logger) error {
	failures := seedPackages(ctx, svcs.packages, logger)
	if failures > 0 {
		return fmt.Errorf("%d seed errors; check logs", failures)
	}
	return nil
}

func seedPackages(ctx context.Context, repo *data.PackageRepo, logger *slog.Logger) int {
	packages := []model.CreatePackageRequest{
		{
			Name:       "acme/http-client",
			Repository: "https://github.com/acme/http-client.git",
		},
		{
			Name:       "acme/config",
			Repository: "https://github.com/acme/config.git",
		},
		// Mono-repo root: the fragment flags it for the mono-repo sync path.
		{
			Name:       "acme/platform",
			Repository: "https://github.com/acme/platform.git#monorepo",
		},
	}

	failures := 0
	for _, req := range packages {
		created, err := createPackage(ctx, repo, req)
		if err != nil {
			if logger != nil {
				logger.ErrorContext(ctx, "failed to create package", "name", req.Name, "error", err)
			}
			failures++
			continue
		}
		if logger != nil {
			msg := "package already exists"
			if created {
				msg = "created package"
			}
			logger.InfoContext(ctx, msg, "name", req.Name)
		}
	}

	return failures
}

func createPackage(ctx context.Context, repo *data.PackageRepo, req model.CreatePackageRequest) (bool, error) {
	if err := req.Validate(); err != nil {
		return false, err
	}
	if _, err := repo.Create(ctx, &req); err != nil {
		if apperrors.IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
