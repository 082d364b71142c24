package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"EggDetServer/config"
	"EggDetServer/controller"
	"EggDetServer/engine"
	rpc "EggDetServer/gRPC"
	"EggDetServer/httpapi"
	"EggDetServer/labelfile"
	"EggDetServer/logger"
	"EggDetServer/monitor"
	"EggDetServer/notify"
	"EggDetServer/taskpool"
)

const shutdownTimeout = 10 * time.Second

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Value:   "config.yaml",
	Usage:   "path to the YAML configuration",
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())
	app := &cli.App{
		Name:  "eggdet",
		Usage: "count fertilized and unfertilized eggs in a directory of images",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "serve the HTTP, gRPC health and metrics endpoints",
				Flags:  []cli.Flag{configFlag},
				Action: serve,
			},
			{
				Name:  "run",
				Usage: "detect and annotate one directory, then exit",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "image directory, overrides workDir"},
					&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "model name, defaults to detection.defaultModel"},
					&cli.StringFlag{Name: "csv", Usage: "also write " + labelfile.CSVFileName + " into this directory"},
					&cli.BoolFlag{Name: "skip-annotation", Usage: "only detect and count"},
				},
				Action: run,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// service holds the components shared by both commands.
type service struct {
	cfg     config.Config
	log     *zap.Logger
	models  *engine.Registry
	pool    *taskpool.Pool
	metrics *monitor.Metrics
	ctrl    *controller.Controller
}

func newService(cfg config.Config, log *zap.Logger) (*service, error) {
	annotate, err := cfg.AnnotateOptions()
	if err != nil {
		return nil, err
	}
	models, err := engine.Build(cfg.Models, cfg.Detection.DefaultModel, log)
	if err != nil {
		return nil, err
	}
	if err := models.Ready(); err != nil {
		return nil, multierr.Append(
			errors.Wrap(err, "opencv models need a build with -tags gocv, or set detection.defaultModel to a remote or replay model"),
			models.Close())
	}

	s := &service{
		cfg:     cfg,
		log:     log,
		models:  models,
		pool:    taskpool.New(cfg.Workers(), cfg.QueueSize, log.Named("pool")),
		metrics: monitor.New(),
	}
	opts := []controller.Option{controller.WithMetrics(s.metrics)}
	if cfg.NotifyURL != "" {
		opts = append(opts, controller.WithNotifier(notify.NewWebhook(cfg.NotifyURL, log)))
	}
	s.ctrl = controller.New(s.pool, models, controller.Options{
		Workspace:      labelfile.Workspace{Root: cfg.WorkDir},
		Detect:         cfg.DetectOptions(),
		Annotate:       annotate,
		SkipAnnotation: cfg.Annotation.Skip,
		NotifyTimeout:  notify.TimeOutSeconds * time.Second,
	}, log.Named("controller"), opts...)

	if err := s.ctrl.LoadResults(); err != nil && !errors.Is(err, labelfile.ErrNotExist) {
		log.Warn("previous results ignored", zap.Error(err))
	}
	log.Info("service ready",
		zap.String("workDir", cfg.WorkDir),
		zap.Int("workers", s.pool.Size()),
		zap.Strings("models", models.Names()),
		zap.String("defaultModel", models.Default()),
	)
	return s, nil
}

// Close cancels the active job, waits for it and releases every detector.
func (s *service) Close() error {
	if err := s.ctrl.Cancel(); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if _, err := s.ctrl.Wait(ctx); err != nil {
			s.log.Warn("job did not stop in time", zap.Error(err))
		}
		cancel()
	}
	s.pool.Close()
	return s.models.Close()
}

func setup(c *cli.Context) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, nil, cli.Exit(err.Error(), 1)
	}
	if dir := c.String("dir"); dir != "" {
		cfg.WorkDir = dir
	}
	if c.Bool("skip-annotation") {
		cfg.Annotation.Skip = true
	}
	if err := logger.Init(cfg.Log); err != nil {
		return config.Config{}, nil, errors.Wrap(err, "init logger")
	}
	return cfg, logger.Log(), nil
}

func serve(c *cli.Context) (err error) {
	cfg, log, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	svc, err := newService(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, svc.Close())
	}()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		router := httpapi.NewRouter(svc.ctrl, svc.models, svc.metrics.APITotal, log.Named("http"))
		return httpapi.ListenAndServe(gctx, cfg.HTTPPort, router, log)
	})
	g.Go(func() error {
		return rpc.NewServer(svc.ctrl, svc.metrics.APITotal, log.Named("rpc")).ListenAndServe(gctx, cfg.RPCPort)
	})
	g.Go(func() error {
		return svc.metrics.StartMon(gctx, cfg.MetricsPort, log)
	})

	err = g.Wait()
	log.Info("shutting down", zap.Error(err))
	return err
}

func run(c *cli.Context) (err error) {
	cfg, log, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	svc, err := newService(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, svc.Close())
	}()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, unsubscribe := svc.ctrl.Subscribe(64)
	go logEvents(log, events)
	defer unsubscribe()

	if _, err := svc.ctrl.Start(c.String("model")); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	final, err := svc.ctrl.Wait(ctx)
	if err != nil {
		// Interrupted; Close cancels the job.
		return cli.Exit("interrupted", 1)
	}
	if final.LastError != "" {
		return cli.Exit(final.LastError, 1)
	}

	results := svc.ctrl.Results()
	fmt.Println(results.String())
	totals := results.Totals()
	log.Info("run finished",
		zap.Int("images", len(results)),
		zap.Int("fertilized", totals.Fertilized),
		zap.Int("unfertilized", totals.Unfertilized),
	)

	if dir := c.String("csv"); dir != "" {
		path, err := labelfile.SaveCSV(dir, results)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		log.Info("csv written", zap.String("path", path))
	}
	return nil
}

func logEvents(log *zap.Logger, events <-chan controller.Event) {
	for ev := range events {
		fields := []zap.Field{
			zap.String("stage", string(ev.Stage)),
			zap.String("kind", string(ev.Kind)),
			zap.Int("count", ev.Count),
			zap.Int("total", ev.Total),
		}
		if ev.Error != "" {
			fields = append(fields, zap.String("error", ev.Error))
		}
		log.Info(fmt.Sprintf("%s %.0f%%", ev.Stage, ev.Percent), fields...)
	}
}
