package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stageflow/internal/action"
	"stageflow/internal/config"
	"stageflow/internal/core"
	"stageflow/internal/dag"
	"stageflow/internal/log"
	"stageflow/internal/metrics"
	"stageflow/internal/orchestrator"
	"stageflow/internal/state"
)

// runtime is everything a run or rerun command needs, built from options.
type runtime struct {
	logger       *log.Logger
	graph        *dag.PipelineGraph
	orchestrator *orchestrator.Orchestrator
	registry     *prometheus.Registry
	server       *http.Server
}

// loadGraph reads and validates the definition. Every failure is a
// configuration error.
func loadGraph(path string) (*dag.PipelineGraph, error) {
	def, err := config.LoadFile(path)
	if err != nil {
		if errors.Is(err, core.ErrValidation) {
			return nil, configError(err)
		}
		return nil, configError(fmt.Errorf("load %s: %w", path, err))
	}
	g, err := dag.Build(def)
	if err != nil {
		return nil, configError(fmt.Errorf("%s: %w", path, err))
	}
	return g, nil
}

func newS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// newRuntime wires the artifact store, procedures, state store and
// orchestrator, and registers the pipeline.
func newRuntime(ctx context.Context, opts *options, logger *log.Logger) (*runtime, error) {
	g, err := loadGraph(opts.File)
	if err != nil {
		return nil, err
	}

	var s3c *s3.Client
	if opts.Store == storeS3 || opts.DeployBucket != "" {
		if s3c, err = newS3Client(ctx, opts.Region, opts.Endpoint); err != nil {
			return nil, err
		}
	}

	var backend core.Backend
	switch opts.Store {
	case storeMemory:
		backend = core.NewMemoryBackend()
	case storeS3:
		backend = core.NewS3Backend(s3c, opts.Bucket, opts.Prefix)
	default:
		backend = core.NewFileBackend(opts.ArtifactDir)
	}

	provisioners := map[string]action.Provisioner{
		"dir": action.DirProvisioner{Dir: opts.DeployDir},
	}
	if opts.DeployBucket != "" {
		provisioners["s3"] = action.S3Provisioner{Client: s3c, Bucket: opts.DeployBucket, Prefix: opts.DeployPrefix}
	}
	registry := action.DefaultRegistry(action.Deps{
		Provisioners: provisioners,
		Logger:       logger,
	})

	stateStore, err := state.NewStore(opts.StateDir)
	if err != nil {
		return nil, invalidInvocationf("--state-dir: %v", err)
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	o, err := orchestrator.New(orchestrator.Config{
		Store:       core.NewStore(backend),
		Registry:    registry,
		State:       stateStore,
		Parallelism: opts.Parallelism,
		Retention:   opts.retention,
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		return nil, err
	}
	if err := o.Register(g); err != nil {
		return nil, configError(err)
	}
	return &runtime{
		logger:       logger,
		graph:        g,
		orchestrator: o,
		registry:     promReg,
	}, nil
}

// serveMetrics exposes the runtime's registry until close is called.
func (rt *runtime) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return invalidInvocationf("--metrics-addr: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	rt.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := rt.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.WithError(err).Warn("metrics server stopped")
		}
	}()
	rt.logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rt.orchestrator.Close(ctx); err != nil {
		rt.logger.WithError(err).Warn("orchestrator did not shut down cleanly")
	}
	if rt.server != nil {
		_ = rt.server.Shutdown(ctx)
	}
}
