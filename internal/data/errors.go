package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// Job repository sentinels.
	ErrJobNotFound = errors.New("job not found")

	// Package repository sentinels.
	ErrPackageNotFound = errors.New("package not found")

	// Version repository sentinels.
	ErrVersionNotFound = errors.New("version not found")
)
