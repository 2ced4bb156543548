// Package containerrt treats the container runtime as an opaque
// subprocess executor (spec.md §1, §6): it resolves image references to
// digests and invokes `<runtime> run --rm -v ... -e ... <image>` as a
// child process, never via an SDK or daemon socket.
package containerrt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Runtime names the container CLI binary (e.g. "docker", "podman").
type Runtime struct {
	Bin     string
	Timeout time.Duration
}

func New(bin string) *Runtime {
	if bin == "" {
		bin = "docker"
	}
	return &Runtime{Bin: bin}
}

// MountPair is one -v host:container argument.
type MountPair struct {
	Host      string
	Container string
}

// EnvPair is one -e NAME=VALUE argument.
type EnvPair struct {
	Name  string
	Value string
}

// Invocation is the fully materialized command the run executor hands
// to Run.
type Invocation struct {
	Image  string
	Mounts []MountPair
	Env    []EnvPair
}

// Result captures what spec.md §4.6.1 requires be logged: the full
// command line plus captured stdout/stderr.
type Result struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Success  bool
}

// Run invokes the runtime synchronously. It never returns an error for a
// nonzero exit or a process failure — per spec.md §7 the run executor
// must not see child-process failure as an exception, only as
// Result.Success == false. Run only returns an error if the command
// could not even be constructed (never, in practice) or the context
// mount-path preflight fails before exec.
func (r *Runtime) Run(ctx context.Context, inv Invocation) (Result, error) {
	for _, m := range inv.Mounts {
		info, err := os.Stat(m.Host)
		if err != nil {
			return Result{}, fmt.Errorf("containerrt: mount source %q: %w", m.Host, err)
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return Result{}, fmt.Errorf("containerrt: mount source %q is neither a regular file nor a directory", m.Host)
		}
	}

	args := []string{"run", "--rm"}
	for _, m := range inv.Mounts {
		args = append(args, "-v", m.Host+":"+m.Container)
	}
	for _, e := range inv.Env {
		args = append(args, "-e", e.Name+"="+e.Value)
	}
	args = append(args, inv.Image)

	cmd := exec.CommandContext(ctx, r.Bin, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	exitCode := 0
	success := true
	if runErr != nil {
		success = false
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	return Result{
		Command:  r.Bin + " " + joinArgs(args),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Success:  success,
	}, nil
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

// ResolveDigest resolves a name:version (or bare name) reference to its
// registry digest, pulling registry metadata if needed, retrying up to
// three times on transient failure (spec.md §4.4). A missing image after
// retries is reported as the caller's (user-facing) responsibility to
// classify.
func ResolveDigest(ctx context.Context, nameVersion string) (string, error) {
	var digest string

	operation := func() error {
		d, err := resolveOnce(ctx, nameVersion)
		if err != nil {
			return err
		}
		digest = d
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3) // 3 retries, 4 attempts total
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", fmt.Errorf("containerrt: resolve digest for %q: %w", nameVersion, err)
	}

	return digest, nil
}
