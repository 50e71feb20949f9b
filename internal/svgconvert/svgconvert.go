// Package svgconvert rasterizes an SVG watermark into a standalone PDF
// page via an external rsvg-convert process, bounded by a worker
// semaphore and a per-call timeout the way the teacher bounds
// LibreOffice conversions.
package svgconvert

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Converter wraps a bounded pool of rsvg-convert invocations.
type Converter struct {
	binary     string
	maxWorkers int
	semaphore  chan struct{}
}

// Job is one SVG-to-PDF conversion request.
type Job struct {
	SVGPath    string
	OutputPath string
	Timeout    time.Duration
}

// Result is the outcome of a conversion.
type Result struct {
	Success    bool
	OutputPath string
	Error      string
	Duration   time.Duration
}

// New builds a Converter bounded to maxWorkers concurrent conversions.
// binary defaults to "rsvg-convert" when empty.
func New(binary string, maxWorkers int) *Converter {
	if binary == "" {
		binary = "rsvg-convert"
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Converter{binary: binary, maxWorkers: maxWorkers, semaphore: make(chan struct{}, maxWorkers)}
}

// CheckInstallation verifies the converter binary is on PATH, for
// inclusion in the deep health check.
func (c *Converter) CheckInstallation() error {
	cmd := exec.Command(c.binary, "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", c.binary, err)
	}
	return nil
}

// ConvertToPDF rasterizes job.SVGPath into job.OutputPath as a
// single-page PDF, scoped to a unique temp profile directory so
// concurrent conversions never collide on rsvg-convert's working files.
func (c *Converter) ConvertToPDF(ctx context.Context, job Job) Result {
	start := time.Now()

	c.semaphore <- struct{}{}
	defer func() { <-c.semaphore }()

	if err := c.validateInput(job.SVGPath); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("input validation failed: %v", err), Duration: time.Since(start)}
	}

	profileDir := filepath.Join(os.TempDir(), fmt.Sprintf("svgconvert_%s", uuid.New().String()))
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("failed to create profile directory: %v", err), Duration: time.Since(start)}
	}
	defer os.RemoveAll(profileDir)

	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o755); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("failed to create output directory: %v", err), Duration: time.Since(start)}
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.binary,
		"--format=pdf",
		"-o", job.OutputPath,
		job.SVGPath,
	)
	cmd.Env = append(os.Environ(), "HOME="+profileDir)

	log.Debug().Str("svg", job.SVGPath).Str("out", job.OutputPath).Msg("svgconvert: starting conversion")

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return Result{Success: false, Error: fmt.Sprintf("conversion timeout after %v", timeout), Duration: time.Since(start)}
		}
		return Result{Success: false, Error: fmt.Sprintf("conversion failed: %v", err), Duration: time.Since(start)}
	}

	if _, err := os.Stat(job.OutputPath); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("output file not created: %v", err), Duration: time.Since(start)}
	}

	log.Info().Str("out", job.OutputPath).Dur("duration", time.Since(start)).Msg("svgconvert: conversion successful")
	return Result{Success: true, OutputPath: job.OutputPath, Duration: time.Since(start)}
}

func (c *Converter) validateInput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file not found: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("path is a directory, not a file")
	}
	if info.Size() == 0 {
		return fmt.Errorf("file is empty")
	}
	return nil
}
