package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"parking-anpr/internal/config"
	"parking-anpr/internal/db"
	"parking-anpr/internal/domain/anpr"
	apihttp "parking-anpr/internal/http"
	"parking-anpr/internal/logger"
	"parking-anpr/internal/ocr"
	"parking-anpr/internal/pipeline"
	"parking-anpr/internal/repository"
	"parking-anpr/internal/service"
	"parking-anpr/internal/vision"
	"parking-anpr/internal/vision/imgproc"
)

type options struct {
	configPath string
	video      string
}

func main() {
	v := viper.New()
	opts, err := parseFlags(v, os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(v, opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "anpr-ledger",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, log); err != nil {
		log.Error().Err(err).Msg("anpr-ledger stopped with error")
		stop()
		os.Exit(1)
	}
}

func parseFlags(v *viper.Viper, args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("anpr-ledger", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to a config file (default ./config.yaml if present)")
	fs.StringVar(&opts.video, "video", "", "process one video file, print the session summary and exit")
	fs.Int("port", 0, "HTTP port")
	fs.String("db-driver", "", "ledger backend: postgres or memory")
	fs.String("log-level", "", "log level")
	fs.String("camera", "", "camera index or stream URL to start with the server")
	fs.Int("frame-skip", 0, "analyse every n-th frame")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if rest := fs.Args(); len(rest) > 0 && rest[0] != "serve" {
		return opts, fmt.Errorf("unknown command %q", rest[0])
	}

	bindings := map[string]string{
		"server.port":         "port",
		"database.driver":     "db-driver",
		"log.level":           "log-level",
		"camera.url":          "camera",
		"pipeline.frame_skip": "frame-skip",
	}
	for key, name := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return opts, err
		}
	}
	if fs.Changed("camera") {
		v.Set("camera.auto_start", true)
	}
	return opts, nil
}

type components struct {
	ledger   *service.LedgerService
	sessions *service.SessionManager
	live     *apihttp.LiveHub
	closers  []func() error
}

func (c *components) close(log zerolog.Logger) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			log.Warn().Err(err).Msg("failed to release resource")
		}
	}
}

func build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*components, error) {
	c := &components{}
	fail := func(err error) (*components, error) {
		c.close(log)
		return nil, err
	}

	var ledger anpr.Ledger
	switch cfg.Database.Driver {
	case config.DriverMemory:
		log.Warn().Msg("using in-memory ledger; movements are lost on exit")
		ledger = repository.NewMemoryLedger()
	default:
		gdb, err := db.Connect(ctx, cfg.Database, logger.Named(log, "db"))
		if err != nil {
			return fail(err)
		}
		c.closers = append(c.closers, func() error { return db.Close(gdb) })
		ledger = repository.NewLedgerRepository(gdb)
	}
	c.ledger = service.NewLedgerService(ledger, logger.Named(log, "ledger"))

	detector, err := vision.NewYOLODetector(vision.DetectorOptions{
		ModelPath:    cfg.Detector.ModelPath,
		InputSize:    cfg.Detector.InputSize,
		NMSThreshold: cfg.Detector.NMSThreshold,
		ClassNames:   cfg.Detector.ClassNames,
	})
	if err != nil {
		return fail(fmt.Errorf("load detector: %w", err))
	}
	c.closers = append(c.closers, detector.Close)

	recognizer, err := ocr.NewTesseractRecognizer(ocr.Options{
		Language:  cfg.OCR.Language,
		Whitelist: cfg.OCR.Whitelist,
	})
	if err != nil {
		return fail(fmt.Errorf("init ocr: %w", err))
	}
	c.closers = append(c.closers, recognizer.Close)

	var (
		enhancer anpr.Enhancer
		renderer apihttp.FrameRenderer
	)
	if cfg.Enhancer.Kind == config.EnhancerPure {
		enhancer = imgproc.NewEnhancer(cfg.Enhancer.Scale)
		renderer = imgproc.NewRenderer(cfg.Live.JPEGQuality)
	} else {
		enhancer = vision.NewEnhancer(cfg.Enhancer.Scale)
		renderer = vision.NewRenderer(cfg.Live.JPEGQuality)
	}

	candidates := pipeline.NewCandidatePipeline(detector, recognizer, enhancer, pipeline.CandidateOptions{
		MinConfidence: cfg.Pipeline.MinConfidence,
		PlateLabels:   cfg.Pipeline.PlateLabels,
	}, logger.Named(log, "candidates"))

	var observers service.Observers
	if cfg.Live.Enabled {
		c.live = apihttp.NewLiveHub(renderer, cfg.Live.BufferSize, logger.Named(log, "live"))
		observers.OnFrame = c.live.OnFrame
		observers.OnConfirmed = c.live.OnConfirmed
	}

	c.sessions = service.NewSessionManager(
		vision.OpenSource,
		candidates,
		c.ledger,
		cfg.Pipeline,
		observers,
		logger.Named(log, "sessions"),
	)
	return c, nil
}

func run(ctx context.Context, cfg *config.Config, opts options, log zerolog.Logger) error {
	c, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.close(log)

	if opts.video != "" {
		return runVideo(ctx, c.sessions, cfg, opts.video, os.Stdout, log)
	}
	return serve(ctx, c, cfg, log)
}

// runVideo processes one recorded file to completion. Ctrl-C stops it early.
func runVideo(ctx context.Context, sessions *service.SessionManager, cfg *config.Config, path string, out io.Writer, log zerolog.Logger) error {
	info, err := sessions.Start(ctx, service.SessionRequest{Source: path, CameraID: cfg.Camera.ID})
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if _, err := sessions.Stop(stopCtx, info.ID); err != nil {
				log.Warn().Err(err).Msg("failed to stop session")
			}
		case <-done:
		}
	}()

	final, err := sessions.Wait(context.Background(), info.ID)
	close(done)
	if err != nil {
		return err
	}

	printSummary(out, final)
	if final.State == service.SessionFailed {
		return fmt.Errorf("session %s failed: %s", final.ID, final.Error)
	}
	return nil
}

func printSummary(w io.Writer, info service.SessionInfo) {
	fmt.Fprintf(w, "session %s %s: %d frames read, %d analysed, %d candidates\n",
		info.ID, info.State, info.Stats.FramesRead, info.Stats.FramesAnalysed, info.Stats.Candidates)
	if len(info.Confirmed) == 0 {
		fmt.Fprintln(w, "no plates confirmed")
		return
	}
	fmt.Fprintf(w, "confirmed plates (%d):\n", len(info.Confirmed))
	for _, p := range info.Confirmed {
		fmt.Fprintf(w, "  %s\n", p)
	}
	if n := info.Stats.PersistenceFailures; n > 0 {
		fmt.Fprintf(w, "%d movement(s) could not be recorded\n", n)
	}
}

func serve(ctx context.Context, c *components, cfg *config.Config, log zerolog.Logger) error {
	handler := apihttp.NewHandler(c.ledger, c.sessions, c.live, logger.Named(log, "http"))
	router := apihttp.NewRouter(cfg.Server, handler, apihttp.NewAuthMiddleware(cfg.Auth, log), logger.Named(log, "http"))
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if c.live != nil {
		g.Go(func() error { return c.live.Run(gctx) })
	}

	if cfg.Camera.AutoStart && cfg.Camera.URL != "" {
		info, err := c.sessions.Start(gctx, service.SessionRequest{Source: cfg.Camera.URL, CameraID: cfg.Camera.ID})
		if err != nil {
			// the API stays up so an operator can retry
			log.Error().Err(err).Str("source", cfg.Camera.URL).Msg("camera auto-start failed")
		} else {
			log.Info().Str("session_id", info.ID).Str("source", info.Source).Msg("camera session started")
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		log.Info().Msg("shutting down")
		var errs []error
		if err := c.sessions.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
