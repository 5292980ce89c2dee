package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"stageflow/internal/log"
)

// InputsDirEnv names the environment variable that points a command at the
// directory holding its input payloads.
const InputsDirEnv = "STAGEFLOW_INPUTS"

const (
	inputsDir      = ".inputs"
	stderrTailSize = 2048
)

// Command runs a shell command in a fresh workspace.
//
// Environment isolation uses an allowlist: the process sees only the
// variables declared in Env plus InputsDirEnv. Host variables, PATH included,
// are not passed through.
//
//	procedure: command
//	with:
//	  run: "cdk synth -o cdk.out"
//	  env: {PATH: /usr/local/bin:/usr/bin:/bin}
//	  extract: [source_output]
//	  outputs: {CdkSynthOutput: cdk.out}
type Command struct {
	Run string
	Env map[string]string

	// Extract lists tar.gz inputs unpacked into the workspace root before the
	// command starts. Every input is also written to .inputs/<name>.
	Extract []string

	// Outputs maps artifact names to workspace-relative paths. A directory
	// is emitted as a tar.gz archive; a missing path is simply not emitted.
	Outputs map[string]string

	// Stdout, when set, names an artifact that receives the captured stdout.
	Stdout string

	// KeepWorkspace leaves the workspace on disk after the run.
	KeepWorkspace bool

	workRoot string
	logger   *log.Logger
}

// NewCommand builds a Command from its parameters.
func NewCommand(with map[string]any, workRoot string, logger *log.Logger) (Procedure, error) {
	run, err := stringParam(with, "run", true)
	if err != nil {
		return nil, err
	}
	env, err := stringMapParam(with, "env")
	if err != nil {
		return nil, err
	}
	extract, err := stringSliceParam(with, "extract")
	if err != nil {
		return nil, err
	}
	outputs, err := stringMapParam(with, "outputs")
	if err != nil {
		return nil, err
	}
	for name, p := range outputs {
		if _, err := workspacePath("/", p); err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
	}
	stdout, err := stringParam(with, "stdout", false)
	if err != nil {
		return nil, err
	}
	keep, err := boolParam(with, "keep_workspace")
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Command{
		Run:           run,
		Env:           env,
		Extract:       extract,
		Outputs:       outputs,
		Stdout:        stdout,
		KeepWorkspace: keep,
		workRoot:      workRoot,
		logger:        logger,
	}, nil
}

func (c *Command) Execute(ctx context.Context, inputs map[string][]byte) (map[string][]byte, error) {
	workspace, err := os.MkdirTemp(c.workRoot, "stageflow-action-")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	if !c.KeepWorkspace {
		defer os.RemoveAll(workspace)
	}

	if err := c.stage(workspace, inputs); err != nil {
		return nil, err
	}

	cmd := exec.Command("sh", "-c", c.Run)
	cmd.Dir = workspace
	cmd.Env = buildIsolatedEnv(c.Env, filepath.Join(workspace, inputsDir))
	// Own process group so cancellation reaches the whole process tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return nil, fmt.Errorf("command interrupted: %w", context.Cause(ctx))
	case err = <-done:
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("command exited with code %d: %s", exitErr.ExitCode(), tail(stderr.Bytes()))
		}
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}
	c.logger.Debug("command finished", "workspace", workspace, "stdout_bytes", stdout.Len(), "stderr_bytes", stderr.Len())

	return c.collect(workspace, stdout.Bytes())
}

// stage writes inputs into the workspace and unpacks requested archives.
func (c *Command) stage(workspace string, inputs map[string][]byte) error {
	dir := filepath.Join(workspace, inputsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating inputs directory: %w", err)
	}
	for _, name := range sortedKeys(inputs) {
		if err := os.WriteFile(filepath.Join(dir, name), inputs[name], 0o644); err != nil {
			return fmt.Errorf("writing input %q: %w", name, err)
		}
	}
	for _, name := range c.Extract {
		payload, ok := inputs[name]
		if !ok {
			return fmt.Errorf("extract: input %q was not provided", name)
		}
		if err := Unpack(payload, workspace); err != nil {
			return fmt.Errorf("extract %q: %w", name, err)
		}
	}
	return nil
}

// collect reads the declared output paths, in sorted artifact order.
func (c *Command) collect(workspace string, stdout []byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(c.Outputs)+1)
	for _, name := range sortedKeys(c.Outputs) {
		p, err := workspacePath(workspace, c.Outputs[name])
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		var data []byte
		if info.IsDir() {
			data, err = PackDir(p)
		} else {
			data, err = os.ReadFile(p)
		}
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", name, err)
		}
		out[name] = data
	}
	if c.Stdout != "" {
		out[c.Stdout] = append([]byte(nil), stdout...)
	}
	return out, nil
}

// workspacePath resolves a relative output path under workspace.
func workspacePath(workspace, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be relative to the workspace", rel)
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return filepath.Join(workspace, clean), nil
}

// buildIsolatedEnv constructs the process environment from the allowlist.
// The result is never nil: a nil Env on exec.Cmd would inherit the host's.
func buildIsolatedEnv(env map[string]string, inputs string) []string {
	result := make([]string, 0, len(env)+1)
	for _, key := range sortedKeys(env) {
		result = append(result, key+"="+env[key])
	}
	return append(result, InputsDirEnv+"="+inputs)
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrTailSize {
		s = "..." + s[len(s)-stderrTailSize:]
	}
	if s == "" {
		return "(no stderr)"
	}
	return s
}
