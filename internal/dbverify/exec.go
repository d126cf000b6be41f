package dbverify

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// RunCommand runs name with args, folding stderr into the error.
func RunCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// ExecClient shells out to psql in tuple-only, unaligned mode.
type ExecClient struct {
	name string
	run  Runner
	bin  string
	args []string
}

// NewPsqlClient runs the local psql binary against url.
func NewPsqlClient(run Runner, psqlPath, url string) *ExecClient {
	return &ExecClient{name: "psql", run: run, bin: psqlPath, args: []string{url}}
}

// NewContainerClient runs psql inside the compose database service.
func NewContainerClient(run Runner, dockerPath, service, user, database string) *ExecClient {
	return &ExecClient{
		name: "container",
		run:  run,
		bin:  dockerPath,
		args: []string{"compose", "exec", "-T", service, "psql", "-U", user, "-d", database},
	}
}

func (c *ExecClient) Name() string { return c.name }

func (c *ExecClient) Close() {}

func (c *ExecClient) Query(ctx context.Context, sql string) (string, error) {
	args := append(append([]string(nil), c.args...), "-t", "-A", "-c", sql)
	out, err := c.run(ctx, c.bin, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
