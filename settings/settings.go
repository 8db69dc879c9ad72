// Package settings are the tunable values of mutations; each has a name so that it can be
// set from a config file or the command line.
package settings

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

type Settings struct {
	MaxThreads    int
	MaxBlockSize  int
	MaxBlockBytes int

	MaxCommitRetries   int
	CommitRetryBackoff time.Duration

	EnableTableLock         bool
	TableLockTimeout        time.Duration
	TableLockExpire         time.Duration
	TableLockPollInterval   time.Duration
	TableLockExtendInterval time.Duration

	// ReclusterFillFactor is the percent of MaxBlockBytes that reclustered blocks aim for,
	// so that estimation errors do not make oversized blocks.
	ReclusterFillFactor int
	ReclusterBlockLimit int
	// ReclusterMaxRounds bounds the rounds of RECLUSTER FINAL.
	ReclusterMaxRounds int
}

func Default() *Settings {
	return &Settings{
		MaxThreads:    8,
		MaxBlockSize:  1000 * 1000,
		MaxBlockBytes: 100 * 1024 * 1024,

		MaxCommitRetries:   10,
		CommitRetryBackoff: 10 * time.Millisecond,

		EnableTableLock:         true,
		TableLockTimeout:        10 * time.Second,
		TableLockExpire:         30 * time.Second,
		TableLockPollInterval:   50 * time.Millisecond,
		TableLockExtendInterval: 10 * time.Second,

		ReclusterFillFactor: 80,
		ReclusterBlockLimit: 1000,
		ReclusterMaxRounds:  100,
	}
}

func (s *Settings) vars() map[string]interface{} {
	return map[string]interface{}{
		"max_threads":                &s.MaxThreads,
		"max_block_size":             &s.MaxBlockSize,
		"max_block_bytes":            &s.MaxBlockBytes,
		"max_commit_retries":         &s.MaxCommitRetries,
		"commit_retry_backoff":       &s.CommitRetryBackoff,
		"enable_table_lock":          &s.EnableTableLock,
		"table_lock_timeout":         &s.TableLockTimeout,
		"table_lock_expire":          &s.TableLockExpire,
		"table_lock_poll_interval":   &s.TableLockPollInterval,
		"table_lock_extend_interval": &s.TableLockExtendInterval,
		"recluster_fill_factor":      &s.ReclusterFillFactor,
		"recluster_block_limit":      &s.ReclusterBlockLimit,
		"recluster_max_rounds":       &s.ReclusterMaxRounds,
	}
}

func LookupSetting(name string) bool {
	_, ok := Default().vars()[strings.ToLower(name)]
	return ok
}

// Set sets the named setting from val, which is a string or, when it comes from a config
// file, a bool or an int.
func (s *Settings) Set(name string, val interface{}) error {
	p, ok := s.vars()[strings.ToLower(name)]
	if !ok {
		return errors.Errorf("settings: %s is not a setting", name)
	}

	switch p := p.(type) {
	case *int:
		switch val := val.(type) {
		case int:
			*p = val
		case int64:
			*p = int(val)
		case string:
			i, err := strconv.Atoi(val)
			if err != nil {
				return errors.Wrapf(err, "settings: %s", name)
			}
			*p = i
		default:
			return errors.Errorf("settings: %s: expected an integer; got %v", name, val)
		}
		if *p < 1 {
			return errors.Errorf("settings: %s: must be positive; got %d", name, *p)
		}
	case *bool:
		switch val := val.(type) {
		case bool:
			*p = val
		case string:
			b, err := strconv.ParseBool(val)
			if err != nil {
				return errors.Wrapf(err, "settings: %s", name)
			}
			*p = b
		default:
			return errors.Errorf("settings: %s: expected a boolean; got %v", name, val)
		}
	case *time.Duration:
		sv, ok := val.(string)
		if !ok {
			return errors.Errorf("settings: %s: expected a duration; got %v", name, val)
		}
		d, err := time.ParseDuration(sv)
		if err != nil {
			return errors.Wrapf(err, "settings: %s", name)
		}
		*p = d
	default:
		panic(fmt.Sprintf("unexpected setting type: %T", p))
	}
	return nil
}

// List calls fn with each setting and its value, in name order.
func (s *Settings) List(fn func(name, val string)) {
	vars := s.vars()
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		switch p := vars[name].(type) {
		case *int:
			fn(name, strconv.Itoa(*p))
		case *bool:
			fn(name, strconv.FormatBool(*p))
		case *time.Duration:
			fn(name, p.String())
		}
	}
}
