package testutil

import (
	"flag"
	"os"
	"path/filepath"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
)

var (
	logLevel  = "info"
	logStderr = false

	logOnce sync.Once
)

func init() {
	flag.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	flag.BoolVar(&logStderr, "log-stderr", logStderr, "log to standard error")
}

// DataDir returns testdata/name as an empty directory; whatever an earlier run left there
// is removed.
func DataDir(t testing.TB, name string) string {
	t.Helper()

	dataDir := filepath.Join("testdata", name)
	err := os.RemoveAll(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	err = os.MkdirAll(dataDir, 0755)
	if err != nil {
		t.Fatal(err)
	}
	return dataDir
}

// SetupLogger sends the log of the tests in a package to testdata/tests.log, or to standard
// error with -log-stderr. The logger is set up once; later calls return the same logger.
func SetupLogger(t testing.TB) *log.Logger {
	t.Helper()

	var err error
	logOnce.Do(
		func() {
			if !logStderr {
				err = os.MkdirAll("testdata", 0755)
				if err != nil {
					return
				}
				var w *os.File
				w, err = os.OpenFile(filepath.Join("testdata", "tests.log"),
					os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
				if err != nil {
					return
				}
				log.SetOutput(w)
			}

			var ll log.Level
			ll, err = log.ParseLevel(logLevel)
			if err != nil {
				return
			}
			log.SetLevel(ll)
			log.WithField("pid", os.Getpid()).Info("tests starting")
		})
	if err != nil {
		t.Fatal(err)
	}
	return log.StandardLogger()
}
