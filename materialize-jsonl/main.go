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

	cerrors "github.com/estuary/loadcore/go/connector-errors"
	"github.com/estuary/loadcore/go/metrics"
	"github.com/estuary/loadcore/go/pipeline"
	schemagen "github.com/estuary/loadcore/go/schema-gen"
	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/segmentio/encoding/json"
	log "github.com/sirupsen/logrus"
)

type logConfig struct {
	Level  string `long:"log.level" env:"LOG_LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Format string `long:"log.format" env:"LOG_FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

func (c *logConfig) Configure() {
	if c.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else if c.Format == "text" {
		log.SetFormatter(&log.TextFormatter{})
	} else if c.Format == "color" {
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	}

	if lvl, err := log.ParseLevel(c.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}
	log.SetOutput(os.Stderr)
}

type cmdConfig struct {
	Log logConfig `group:"Logging"`

	Config  string `long:"config" env:"LOAD_CONFIG" description:"Path of the YAML config file"`
	Input   string `long:"input" default:"-" description:"Path of the input event stream, or '-' for stdin"`
	Output  string `long:"output" default:"-" description:"Path of the checkpoint output, or '-' for stdout"`
	RunID   string `long:"run-id" env:"LOAD_RUN_ID" description:"Identifier of this run. Generated if unset"`
	Metrics string `long:"metrics.address" env:"METRICS_ADDRESS" description:"Address to serve Prometheus metrics on. Disabled if unset"`
	Spec    bool   `long:"spec" description:"Print the JSON schema of the config file and exit"`

	QueueSize     int           `long:"queue-size" default:"1024" description:"Items buffered per stream between the reader and its loader"`
	DrainAttempts int           `long:"drain.attempts" default:"30" description:"Flush attempts for the final checkpoints before giving up"`
	DrainDelay    time.Duration `long:"drain.delay" default:"1s" description:"Delay between flush attempts for the final checkpoints"`
}

func main() {
	var cfg = &cmdConfig{}
	var parser = flags.NewParser(cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	cfg.Log.Configure()

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		cerrors.HandleFinalError(err)
	}
	os.Exit(0)
}

func run(ctx context.Context, cmd *cmdConfig) error {
	if cmd.Spec {
		return writeSpec(os.Stdout)
	} else if cmd.Config == "" {
		return cerrors.NewUserError(nil, "a config file is required (--config)")
	}

	cfg, err := loadConfig(cmd.Config)
	if err != nil {
		return err
	}
	memory, _ := cfg.memoryBytes()

	if cmd.RunID == "" {
		cmd.RunID = uuid.NewString()
	}
	flush, err := cfg.flushSchedule([]byte(cmd.RunID))
	if err != nil {
		return err
	}

	input, closeInput, err := openInput(cmd.Input)
	if err != nil {
		return err
	}
	defer closeInput()

	output, closeOutput, err := openOutput(cmd.Output)
	if err != nil {
		return err
	}
	defer closeOutput()

	var m = metrics.Default()
	if cmd.Metrics != "" {
		serveMetrics(ctx, cmd.Metrics, m)
	}

	res, err := pipeline.Run(ctx, pipeline.Options{
		RunID:         cmd.RunID,
		Streams:       cfg.streamKeys(),
		Input:         input,
		Output:        output,
		Destination:   cfg.destination(cmd.RunID),
		MemoryBytes:   memory,
		QueueSize:     cmd.QueueSize,
		FlushSchedule: flush,
		DrainAttempts: cmd.DrainAttempts,
		DrainDelay:    cmd.DrainDelay,
		Metrics:       m,
	})
	if err != nil {
		return err
	} else if !res.Succeeded() {
		var names []string
		for _, key := range res.FailedStreams() {
			names = append(names, key.String())
		}
		return fmt.Errorf("sync failed for streams %v: %w", names, res.Err)
	}
	return nil
}

func writeSpec(w io.Writer) error {
	var schema = schemagen.GenerateSchema("JSONL Load Config", &config{})
	var enc = json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(schema); err != nil {
		return fmt.Errorf("encoding config schema: %w", err)
	}
	return nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" || path == "" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, cerrors.NewUserError(err, fmt.Sprintf("could not open input %q", path))
	}
	return f, func() { f.Close() }, nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "-" || path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, cerrors.NewUserError(err, fmt.Sprintf("could not create output %q", path))
	}
	return f, func() {
		if err := f.Sync(); err != nil {
			log.WithField("error", err).Warn("syncing checkpoint output")
		}
		f.Close()
	}, nil
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	var srv = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithFields(log.Fields{
				"address": addr,
				"error":   err,
			}).Warn("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.WithField("address", addr).Info("serving metrics")
}
