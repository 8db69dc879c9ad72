package cmd

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/hcl"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/leftmike/fuse/catalog"
	"github.com/leftmike/fuse/interpreter"
	"github.com/leftmike/fuse/license"
	"github.com/leftmike/fuse/meta"
	"github.com/leftmike/fuse/metastore"
	"github.com/leftmike/fuse/metrics"
	"github.com/leftmike/fuse/settings"
)

var (
	fuseCmd = &cobra.Command{
		Use:               "fuse",
		Short:             "Change tables of column blocks",
		Long:              "Fuse updates, deletes, replaces, and reclusters rows of snapshot tables.",
		PersistentPreRunE: fusePreRun,
		PersistentPostRun: fusePostRun,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	logFile   = "fuse.log"
	logLevel  = "info"
	logStderr = false
	logWriter io.WriteCloser

	configFile = "fuse.hcl"
	noConfig   = false

	store       = "bbolt"
	dataDir     = "testdata"
	database    = "db"
	metricsAddr = ""
	enterprise  = false
	settingArgs = []string{}

	cfgVars   = map[string]*pflag.Flag{}
	cfg       = map[string]interface{}{}
	sttgs     = settings.Default()
	usedFlags = map[string]struct{}{}

	fuseMetrics   *metrics.Metrics
	metricsServer *http.Server
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	fs := fuseCmd.PersistentFlags()

	fs.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	cfgVars["log-file"] = fs.Lookup("log-file")

	fs.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	cfgVars["log-level"] = fs.Lookup("log-level")

	fs.BoolVarP(&logStderr, "log-stderr", "s", logStderr, "log to standard error")

	fs.StringVar(&configFile, "config-file", configFile, "`file` to load config from")
	fs.BoolVar(&noConfig, "no-config", noConfig, "don't load config file")

	fs.StringVar(&store, "store", store, "store to use: btree, badger, bbolt, or pebble")
	cfgVars["store"] = fs.Lookup("store")

	fs.StringVar(&dataDir, "data", dataDir, "`directory` containing the store")
	cfgVars["data"] = fs.Lookup("data")

	fs.StringVar(&database, "database", database, "default `database`")
	cfgVars["database"] = fs.Lookup("database")

	fs.StringVar(&metricsAddr, "metrics-addr", metricsAddr,
		"`address` to serve prometheus metrics on")
	cfgVars["metrics-addr"] = fs.Lookup("metrics-addr")

	fs.BoolVar(&enterprise, "enterprise", enterprise, "enable enterprise features")
	cfgVars["enterprise"] = fs.Lookup("enterprise")

	fs.StringArrayVar(&settingArgs, "setting", settingArgs,
		"`name=value` of a setting; multiple allowed")
}

func Execute() error {
	return fuseCmd.Execute()
}

func fusePreRun(cmd *cobra.Command, args []string) error {
	cmd.Flags().Visit(
		func(flg *pflag.Flag) {
			usedFlags[flg.Name] = struct{}{}
		})

	if configFile != "" && !noConfig {
		err := loadConfig(configFile)
		if err != nil && (flagUsed("config-file") || !os.IsNotExist(err)) {
			return fmt.Errorf("fuse: %s", err)
		}
	}
	for _, arg := range settingArgs {
		name, val, err := parseSetting(arg)
		if err != nil {
			return fmt.Errorf("fuse: %s", err)
		}
		err = sttgs.Set(name, val)
		if err != nil {
			return fmt.Errorf("fuse: %s", err)
		}
	}

	if !logStderr && logFile != "" {
		var err error
		logWriter, err = os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			logWriter = nil
			return fmt.Errorf("fuse: %s", err)
		}
		log.SetOutput(logWriter)
	}

	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("fuse: %s", err)
	}
	log.SetLevel(ll)

	if metricsAddr != "" {
		startMetrics(metricsAddr)
	}

	log.WithFields(log.Fields{
		"pid":     os.Getpid(),
		"command": cmd.Name(),
	}).Info("fuse starting")
	return nil
}

func fusePostRun(cmd *cobra.Command, args []string) {
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		metricsServer.Shutdown(ctx)
		cancel()
	}

	log.WithField("pid", os.Getpid()).Info("fuse done")

	if logWriter != nil {
		logWriter.Close()
	}
}

func flagUsed(name string) bool {
	_, ok := usedFlags[name]
	return ok
}

func parseSetting(arg string) (string, string, error) {
	idx := strings.IndexByte(arg, '=')
	if idx <= 0 {
		return "", "", fmt.Errorf("expected name=value; got %s", arg)
	}
	return strings.TrimSpace(arg[:idx]), strings.TrimSpace(arg[idx+1:]), nil
}

// loadConfig sets flags which were not used on the command line and settings from the HCL
// file named filename.
func loadConfig(filename string) error {
	b, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}

	err = hcl.Decode(&cfg, string(b))
	if err != nil {
		return err
	}

	for name, val := range cfg {
		if flg, ok := cfgVars[name]; ok {
			if flg == nil {
				continue
			}
			if _, ok := usedFlags[flg.Name]; ok {
				continue
			}
			err := flg.Value.Set(fmt.Sprintf("%v", val))
			if err != nil {
				return fmt.Errorf("%s: %s", name, err)
			}
		} else if settings.LookupSetting(name) {
			err := sttgs.Set(name, val)
			if err != nil {
				return err
			}
		} else {
			return fmt.Errorf("%s is not a config variable", name)
		}
	}

	return nil
}

func startMetrics(addr string) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())

	metricsServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		err := metricsServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("fuse: metrics server")
		}
	}()
	log.WithField("addr", addr).Info("fuse: serving metrics")
}

// withCatalog opens the store, making sure the default database exists, and calls fn.
func withCatalog(fn func(c *catalog.Catalog) error) error {
	if fuseMetrics == nil {
		fuseMetrics = metrics.New(prometheus.DefaultRegisterer)
	}
	c, err := catalog.Open(store, dataDir, sttgs, fuseMetrics, meta.ZstdCompression)
	if err != nil {
		return fmt.Errorf("fuse: %s", err)
	}
	defer c.Close()

	err = c.CreateDatabase(context.Background(), database, meta.NormalDB)
	if err != nil && !errors.Is(err, metastore.ErrExists) {
		return fmt.Errorf("fuse: %s: %s", database, err)
	}
	return fn(c)
}

func newEnv(c *catalog.Catalog) *interpreter.Env {
	env := &interpreter.Env{
		Catalog: c,
	}
	if enterprise {
		env.License = license.AllowAll
	}
	return env
}

// parseTableName returns the table named by s, either table or database.table.
func parseTableName(s string) (interpreter.TableName, error) {
	parts := strings.Split(s, ".")
	switch len(parts) {
	case 1:
		if parts[0] != "" {
			return interpreter.TableName{Database: database, Table: parts[0]}, nil
		}
	case 2:
		if parts[0] != "" && parts[1] != "" {
			return interpreter.TableName{Database: parts[0], Table: parts[1]}, nil
		}
	}
	return interpreter.TableName{}, fmt.Errorf("fuse: bad table name: %s", s)
}
