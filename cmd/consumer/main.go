// Consumer joins a consumer group, consumes the given topics, and logs every
// record it gets. Offsets are committed as records are logged. This is meant
// as an example of how to use the library.
//
//	consumer -brokers localhost:9092 -group test -topics foo,bar
//
// Flags can also be set in a YAML file passed with -config.file. Flags given
// on the command line override the file.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mkocikowski/kafkaconsumer"
	"github.com/mkocikowski/kafkaconsumer/batch"
	"github.com/mkocikowski/kafkaconsumer/consumer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"
)

var (
	projectName  string
	buildVersion string
	buildTime    string
)

func loadConfig(path string, cfg *kafkaconsumer.Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, cfg)
}

func newLogger(lvl string) (log.Logger, error) {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "info":
		opt = level.AllowInfo()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		return nil, fmt.Errorf("unknown log level %q", lvl)
	}
	return level.NewFilter(logger, opt), nil
}

func main() {
	var cfg kafkaconsumer.Config
	fs := flag.CommandLine
	cfg.RegisterFlags(fs)
	configFile := fs.String("config.file", "", "YAML config file.")
	logLevel := fs.String("log.level", "info", "One of debug, info, warn, error.")
	metricsAddr := fs.String("metrics.addr", "", "Serve prometheus metrics on this host:port. Disabled if empty.")
	fs.Parse(os.Args[1:])
	if *configFile != "" {
		if err := loadConfig(*configFile, &cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		// command line wins
		fs.Parse(os.Args[1:])
	}
	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	level.Info(logger).Log("project", projectName, "version", buildVersion, "built", buildTime, "go", runtime.Version())
	//
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			err := http.ListenAndServe(*metricsAddr, mux)
			level.Error(logger).Log("msg", "metrics server exited", "err", err)
		}()
	}
	c, err := kafkaconsumer.New(cfg, logger, reg)
	if err != nil {
		level.Error(logger).Log("msg", "invalid config", "err", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = c.Run(ctx, consumer.EachMessage(func(_ context.Context, r *batch.Record) error {
		level.Info(logger).Log("topic", r.Topic, "partition", r.Partition, "offset", r.Offset, "key", string(r.Key), "value", string(r.Value))
		return nil
	}))
	if err != nil {
		level.Error(logger).Log("msg", "consumer exited", "err", err)
		os.Exit(1)
	}
}
