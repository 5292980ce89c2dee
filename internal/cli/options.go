package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"stageflow/internal/orchestrator"
)

const (
	storeMemory = "memory"
	storeFile   = "file"
	storeS3     = "s3"
)

// options holds every flag of the stageflow commands. Paths are resolved
// under WorkDir by resolve.
type options struct {
	LogLevel  string
	LogFormat string

	WorkDir     string
	File        string
	StateDir    string
	Store       string
	ArtifactDir string

	Bucket   string
	Prefix   string
	Region   string
	Endpoint string

	DeployDir    string
	DeployBucket string
	DeployPrefix string

	Parallelism int
	Retain      string
	MetricsAddr string
	TraceOut    string

	FromRun   string
	FromStage string

	RunID string
	JSON  bool

	retention orchestrator.RetentionPolicy
}

func (o *options) addGlobalFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&o.LogLevel, "log-level", "info", "log level: debug, info, warn or error")
	f.StringVar(&o.LogFormat, "log-format", "text", "log format: text or json")
	f.StringVar(&o.WorkDir, "workdir", "", "absolute directory relative paths are resolved under (default: current directory)")
}

func (o *options) addFileFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.File, "file", "f", "", "pipeline definition (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
}

func (o *options) addStateFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.StateDir, "state-dir", ".", "directory holding .stageflow/runs")
}

func (o *options) addRunFlags(cmd *cobra.Command) {
	o.addFileFlag(cmd)
	o.addStateFlag(cmd)
	f := cmd.Flags()
	f.StringVar(&o.Store, "store", storeFile, "artifact backend: memory, file or s3")
	f.StringVar(&o.ArtifactDir, "artifact-dir", "", "file backend root (default: <state-dir>/.stageflow/artifacts)")
	f.StringVar(&o.Bucket, "bucket", "", "s3 backend bucket")
	f.StringVar(&o.Prefix, "prefix", "", "s3 backend key prefix")
	f.StringVar(&o.Region, "region", "", "AWS region for s3 access")
	f.StringVar(&o.Endpoint, "endpoint", "", "custom S3 endpoint, e.g. LocalStack")
	f.StringVar(&o.DeployDir, "deploy-dir", "", "directory the dir provisioner writes templates to (default: <state-dir>/.stageflow/deploy)")
	f.StringVar(&o.DeployBucket, "deploy-bucket", "", "bucket the s3 provisioner uploads templates to")
	f.StringVar(&o.DeployPrefix, "deploy-prefix", "", "key prefix for the s3 provisioner")
	f.IntVar(&o.Parallelism, "parallelism", 0, "maximum concurrent actions in a parallel stage (default 4)")
	f.StringVar(&o.Retain, "retain", "keep", `artifact retention after the run: "keep" or a duration ("0" releases immediately)`)
	f.StringVar(&o.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	f.StringVar(&o.TraceOut, "trace-out", "", "write the canonical run trace to this file")
}

// resolve canonicalizes paths and checks flag values. Errors are invalid
// invocations.
func (o *options) resolve() error {
	if o.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}
		o.WorkDir = wd
	}
	if !filepath.IsAbs(o.WorkDir) {
		return invalidInvocationf("--workdir must be an absolute path")
	}
	o.WorkDir = filepath.Clean(o.WorkDir)

	var err error
	if o.File != "" {
		if o.File, err = resolveUnderWorkDir(o.WorkDir, o.File); err != nil {
			return err
		}
	}
	if o.StateDir != "" {
		if o.StateDir, err = resolveDirUnderWorkDir(o.WorkDir, o.StateDir); err != nil {
			return err
		}
	}
	for _, p := range []*string{&o.ArtifactDir, &o.DeployDir, &o.TraceOut} {
		if *p == "" {
			continue
		}
		if *p, err = resolveUnderWorkDir(o.WorkDir, *p); err != nil {
			return err
		}
	}
	if o.ArtifactDir == "" && o.StateDir != "" {
		o.ArtifactDir = filepath.Join(o.StateDir, ".stageflow", "artifacts")
	}
	if o.DeployDir == "" && o.StateDir != "" {
		o.DeployDir = filepath.Join(o.StateDir, ".stageflow", "deploy")
	}

	switch o.Store {
	case "", storeMemory, storeFile:
	case storeS3:
		if o.Bucket == "" {
			return invalidInvocationf("--bucket is required with --store s3")
		}
	default:
		return invalidInvocationf("invalid --store %q (want memory, file or s3)", o.Store)
	}
	if o.Parallelism < 0 {
		return invalidInvocationf("--parallelism must not be negative")
	}
	if o.retention, err = parseRetention(o.Retain); err != nil {
		return err
	}
	return nil
}

func parseRetention(raw string) (orchestrator.RetentionPolicy, error) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "", "keep":
		return orchestrator.RetentionPolicy{Keep: true}, nil
	case "0":
		return orchestrator.RetentionPolicy{}, nil
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil || ttl < 0 {
		return orchestrator.RetentionPolicy{}, invalidInvocationf(`invalid --retain %q (want "keep" or a duration)`, raw)
	}
	return orchestrator.RetentionPolicy{TTL: ttl}, nil
}

func resolveUnderWorkDir(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if clean == "." {
		return "", invalidInvocationf("path must not be '.'")
	}
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	// WorkDir is absolute, so Join does not consult the process CWD.
	return filepath.Clean(filepath.Join(workDir, clean)), nil
}

// resolveDirUnderWorkDir is resolveUnderWorkDir for directories, where "."
// names the work dir itself.
func resolveDirUnderWorkDir(workDir, p string) (string, error) {
	if filepath.Clean(p) == "." {
		return workDir, nil
	}
	return resolveUnderWorkDir(workDir, p)
}
