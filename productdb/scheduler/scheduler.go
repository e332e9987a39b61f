// Package scheduler iterates a date range in a configured order,
// coordinating concurrent workers through on-disk marker files, and runs
// a user callback once per date.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gnsslab/gnssdb/pkg/util/log"
	"github.com/gnsslab/gnssdb/productdb/archive"
)

var (
	metricDates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gnssdb",
		Name:      "scheduler_dates_total",
		Help:      "Scheduled dates by outcome.",
	}, []string{"outcome"})
	metricCallback = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gnssdb",
		Name:      "scheduler_callback_duration_seconds",
		Help:      "Time spent in the per-date processing callback.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})
)

const (
	defaultCompleteMarker = "processed.complete"
	defaultFailMarker     = "processed.failed"
	defaultLockFile       = "processing.lock"
	defaultSkipMarker     = "processed.skip"

	// nine tenths of a day, so a worker crashing right after midnight
	// does not block the next nightly run
	defaultLockExpiry = time.Duration(0.9 * 24 * float64(time.Hour))
)

type Config struct {
	StartDate string `yaml:"start_date"`
	EndDate   string `yaml:"end_date,omitempty"`

	Order         Order `yaml:"processing_order,omitempty"`
	DateIncrement int   `yaml:"date_increment,omitempty"`

	BaseDir   string `yaml:"base_dir"`
	TargetDir string `yaml:"target_dir"`

	CompleteMarker string `yaml:"complete_marker,omitempty"`
	FailMarker     string `yaml:"fail_marker,omitempty"`
	LockFile       string `yaml:"lock_file,omitempty"`
	SkipMarker     string `yaml:"skip_marker,omitempty"`

	LockExpiry      time.Duration `yaml:"lock_expiry,omitempty"`
	RetryInterval   time.Duration `yaml:"retry_interval,omitempty"`
	RetryMaxAgeDays int           `yaml:"retry_max_age_days,omitempty"`

	MaxRuntime                time.Duration `yaml:"max_runtime,omitempty"`
	MaxDaysProcessed          int           `yaml:"max_days_processed_per_run,omitempty"`
	StopFile                  string        `yaml:"stop_file,omitempty"`
	MaxConsecutiveFails       int           `yaml:"max_consecutive_fails,omitempty"`
	MaxConsecutivePrereqFails int           `yaml:"max_consecutive_prerequisite_fails,omitempty"`

	CleanTarget   bool              `yaml:"clean_target,omitempty"`
	Prerequisites []string          `yaml:"prerequisites,omitempty"`
	Vars          map[string]string `yaml:"vars,omitempty"`

	// Command is the per-date processing command line, expanded with the
	// date's variables by the scheduler CLI.
	Command string `yaml:"command,omitempty"`
	// Store names a configured archive that markers and the target dir
	// are mirrored to, so workers on different machines coordinate.
	Store string `yaml:"store,omitempty"`
}

// Task is one date's work handed to the callback.
type Task struct {
	Date      time.Time
	TargetDir string
	// Expand substitutes this date's variables into s.
	Expand func(s string) (string, error)
}

type Callback func(ctx context.Context, t Task) error

// Stats summarizes one run.
type Stats struct {
	Completed   int
	Failed      int
	Skipped     int
	PrereqFails int
	StopReason  string
}

// Processed counts the attempts that entered the callback.
func (s Stats) Processed() int { return s.Completed + s.Failed }

type Scheduler struct {
	cfg        Config
	cb         Callback
	start, end time.Time

	// mirror, when set, replicates markers and the target dir to a
	// shared object store so workers on different machines coordinate.
	mirror archive.Archive

	rnd *rand.Rand

	// Now is the clock; replaceable in tests.
	Now func() time.Time
}

// New validates cfg and binds the callback. mirror may be nil.
func New(cfg Config, cb Callback, mirror archive.Archive) (*Scheduler, error) {
	if cfg.BaseDir == "" {
		return nil, errors.New("scheduler needs a base dir")
	}
	if cfg.TargetDir == "" {
		return nil, errors.New("scheduler needs a target dir template")
	}
	if cfg.CompleteMarker == "" {
		cfg.CompleteMarker = defaultCompleteMarker
	}
	if cfg.FailMarker == "" {
		cfg.FailMarker = defaultFailMarker
	}
	if cfg.LockFile == "" {
		cfg.LockFile = defaultLockFile
	}
	if cfg.SkipMarker == "" {
		cfg.SkipMarker = defaultSkipMarker
	}
	if cfg.LockExpiry == 0 {
		cfg.LockExpiry = defaultLockExpiry
	}
	if cfg.Order == "" {
		cfg.Order = OrderBackwards
	}
	if err := cfg.Order.validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:    cfg,
		cb:     cb,
		mirror: mirror,
		Now:    time.Now,
	}

	var err error
	if s.start, err = time.Parse("2006-01-02", cfg.StartDate); err != nil {
		return nil, errors.Wrap(err, "start date")
	}
	if cfg.EndDate == "" {
		s.end = time.Now().UTC().Truncate(24 * time.Hour)
	} else if s.end, err = time.Parse("2006-01-02", cfg.EndDate); err != nil {
		return nil, errors.Wrap(err, "end date")
	}
	if s.end.Before(s.start) {
		return nil, errors.Errorf("end date %s before start date %s", cfg.EndDate, cfg.StartDate)
	}

	s.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	return s, nil
}

// date states
type state int

const (
	stateEnterable state = iota
	stateSkipped
	stateDone
	stateHeld // failed recently, not yet retryable
	stateRetry
	stateBusy
	stateTakeover
)

// Run walks the configured range once. The returned stats carry the stop
// reason when the run ended early.
func (s *Scheduler) Run(ctx context.Context) (Stats, error) {
	var (
		stats         Stats
		consecFails   int
		consecPrereq  int
		thisRunsFails []string
	)
	deadline := s.Now().Add(s.cfg.MaxRuntime)

	for _, date := range dates(s.start, s.end, s.cfg.DateIncrement, s.cfg.Order, s.rnd) {
		if err := ctx.Err(); err != nil {
			stats.StopReason = "context canceled"
			return stats, err
		}
		if s.cfg.MaxRuntime > 0 && s.Now().After(deadline) {
			stats.StopReason = "max runtime reached"
			break
		}
		if s.cfg.MaxDaysProcessed > 0 && stats.Processed() >= s.cfg.MaxDaysProcessed {
			stats.StopReason = "max days processed"
			break
		}
		if s.cfg.StopFile != "" {
			if _, err := os.Stat(s.cfg.StopFile); err == nil {
				stats.StopReason = "stop file present"
				break
			}
		}

		exp := NewExpander(date, s.cfg.Vars)
		relDir, err := exp.Expand(s.cfg.TargetDir)
		if err != nil {
			return stats, errors.Wrap(err, "expanding target dir")
		}

		st, err := s.dateState(ctx, date, relDir)
		if err != nil {
			return stats, err
		}
		switch st {
		case stateSkipped, stateDone, stateBusy, stateHeld:
			stats.Skipped++
			metricDates.WithLabelValues("skipped").Inc()
			continue
		}

		res, err := s.processDate(ctx, date, relDir, exp, st)
		if err != nil {
			return stats, err
		}

		switch {
		case res.lost:
			stats.Skipped++
			metricDates.WithLabelValues("skipped").Inc()
		case res.failed:
			stats.Failed++
			metricDates.WithLabelValues("failed").Inc()
			thisRunsFails = append(thisRunsFails, relDir)
			consecFails++
			if s.cfg.MaxConsecutiveFails > 0 && consecFails >= s.cfg.MaxConsecutiveFails {
				// leave the dates retryable for the next invocation
				for _, rd := range thisRunsFails {
					s.removeMirrored(rd, s.cfg.FailMarker)
				}
				stats.StopReason = "max consecutive fails"
				return stats, nil
			}
		case res.prereqFailed:
			stats.PrereqFails++
			metricDates.WithLabelValues("prereq_failed").Inc()
			consecPrereq++
			if s.cfg.MaxConsecutivePrereqFails > 0 && consecPrereq >= s.cfg.MaxConsecutivePrereqFails {
				stats.StopReason = "max consecutive prerequisite fails"
				return stats, nil
			}
		default:
			stats.Completed++
			metricDates.WithLabelValues("completed").Inc()
			consecFails = 0
			consecPrereq = 0
		}
	}
	return stats, nil
}

type dateResult struct {
	failed       bool
	prereqFailed bool
	lost         bool // another worker grabbed the lock first
}

// processDate drives one enterable date through lock, prerequisites,
// callback and markers.
func (s *Scheduler) processDate(ctx context.Context, date time.Time, relDir string, exp *Expander, st state) (dateResult, error) {
	target := filepath.Join(s.cfg.BaseDir, relDir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return dateResult{}, err
	}

	if st == stateTakeover {
		level.Warn(log.Logger).Log("msg", "taking over expired lock",
			"date", date.Format("2006-01-02"), "dir", relDir)
		s.removeMirrored(relDir, s.cfg.LockFile)
	}
	if st == stateRetry {
		s.removeMirrored(relDir, s.cfg.FailMarker)
	}

	if err := s.acquireLock(ctx, relDir); err == errLockHeld {
		return dateResult{lost: true}, nil
	} else if err != nil {
		return dateResult{}, err
	}
	defer s.releaseLock(relDir)

	if err := s.checkPrerequisites(ctx, exp, relDir); err != nil {
		level.Debug(log.Logger).Log("msg", "prerequisites not met",
			"date", date.Format("2006-01-02"), "err", err)
		return dateResult{prereqFailed: true}, nil
	}

	if s.cfg.CleanTarget {
		if err := s.cleanTarget(target); err != nil {
			return dateResult{}, err
		}
	}
	if err := s.syncDown(ctx, relDir, target); err != nil {
		return dateResult{}, err
	}

	started := s.Now()
	cbErr := s.runCallback(ctx, Task{Date: date, TargetDir: target, Expand: exp.Expand})
	elapsed := s.Now().Sub(started)
	metricCallback.Observe(elapsed.Seconds())

	marker := s.cfg.CompleteMarker
	if cbErr != nil {
		marker = s.cfg.FailMarker
	}
	if err := s.writeMarker(ctx, relDir, marker, cbErr); err != nil {
		return dateResult{}, err
	}
	if cbErr == nil {
		if err := s.syncUp(ctx, relDir, target); err != nil {
			return dateResult{}, err
		}
	}

	level.Info(log.Logger).Log("msg", "date processed",
		"date", date.Format("2006-01-02"), "dir", relDir,
		"duration", elapsed, "success", cbErr == nil, "err", cbErr)

	if cbErr != nil {
		return dateResult{failed: true}, nil
	}
	return dateResult{}, nil
}

// runCallback turns a panicking callback into a failed date instead of
// tearing down the whole run.
func (s *Scheduler) runCallback(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("callback panic: %v", r)
		}
	}()
	return s.cb(ctx, t)
}

// dateState classifies one date's directory per the marker files. The
// lock is judged from the local file's mtime when present, else from the
// timestamp inside the mirrored copy, so workers on different machines
// see each other's locks.
func (s *Scheduler) dateState(ctx context.Context, date time.Time, relDir string) (state, error) {
	if ok, err := s.markerExists(ctx, relDir, s.cfg.SkipMarker); err != nil || ok {
		return stateSkipped, err
	}
	if ok, err := s.markerExists(ctx, relDir, s.cfg.CompleteMarker); err != nil || ok {
		return stateDone, err
	}

	now := s.Now()
	if info, err := os.Stat(s.markerPath(relDir, s.cfg.FailMarker)); err == nil {
		if now.Sub(info.ModTime()) < s.cfg.RetryInterval {
			return stateHeld, nil
		}
		// a failed date too far in the past is abandoned
		if s.cfg.RetryMaxAgeDays > 0 && now.Sub(date) > time.Duration(s.cfg.RetryMaxAgeDays)*24*time.Hour {
			return stateSkipped, nil
		}
		return stateRetry, nil
	}

	if info, err := os.Stat(s.markerPath(relDir, s.cfg.LockFile)); err == nil {
		if now.Sub(info.ModTime()) < s.cfg.LockExpiry {
			return stateBusy, nil
		}
		return stateTakeover, nil
	}
	if s.mirror != nil {
		body, err := s.mirrorLock(ctx, relDir)
		if err != nil {
			return 0, err
		}
		if body != nil {
			held, err := time.Parse(time.RFC3339, lockField(body, "time"))
			if err == nil && now.Sub(held) < s.cfg.LockExpiry {
				return stateBusy, nil
			}
			// missing or expired timestamp, the holder is gone
			return stateTakeover, nil
		}
	}
	return stateEnterable, nil
}

func (s *Scheduler) markerPath(relDir, name string) string {
	return filepath.Join(s.cfg.BaseDir, relDir, name)
}

func (s *Scheduler) markerExists(ctx context.Context, relDir, name string) (bool, error) {
	if _, err := os.Stat(s.markerPath(relDir, name)); err == nil {
		return true, nil
	}
	if s.mirror != nil {
		return s.mirror.Exists(ctx, relDir, name)
	}
	return false, nil
}

func (s *Scheduler) writeMarker(ctx context.Context, relDir, name string, cause error) error {
	body := fmt.Sprintf("pid %d\ntime %s\n", os.Getpid(), s.Now().UTC().Format(time.RFC3339))
	if cause != nil {
		body += fmt.Sprintf("error %v\n", cause)
	}
	p := s.markerPath(relDir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		return err
	}
	if s.mirror != nil {
		return s.mirror.Store(ctx, p, relDir, name)
	}
	return nil
}

// errLockHeld reports losing the lock race to another worker.
var errLockHeld = errors.New("lock held by another worker")

func (s *Scheduler) acquireLock(ctx context.Context, relDir string) error {
	p := s.markerPath(relDir, s.cfg.LockFile)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return errLockHeld
	}
	if err != nil {
		return err
	}
	nonce := uuid.NewString()
	body := fmt.Sprintf("pid %d\ntime %s\nid %s\n",
		os.Getpid(), s.Now().UTC().Format(time.RFC3339), nonce)
	if _, err := f.WriteString(body); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if s.mirror == nil {
		return nil
	}
	if err := s.mirror.Store(ctx, p, relDir, s.cfg.LockFile); err != nil {
		_ = os.Remove(p)
		return err
	}
	// the mirror is last-writer-wins: read the lock back and yield when
	// another worker's write landed on top of ours
	stored, err := s.mirrorLock(ctx, relDir)
	if err != nil {
		_ = os.Remove(p)
		return err
	}
	if lockField(stored, "id") != nonce {
		_ = os.Remove(p)
		return errLockHeld
	}
	return nil
}

func (s *Scheduler) releaseLock(relDir string) {
	s.removeMirrored(relDir, s.cfg.LockFile)
}

// removeMirrored deletes a marker locally and, when the mirror supports
// deletion, from the mirror as well.
func (s *Scheduler) removeMirrored(relDir, name string) {
	_ = os.Remove(s.markerPath(relDir, name))
	if d, ok := s.mirror.(interface{ Delete(dir, name string) error }); ok {
		_ = d.Delete(relDir, name)
	}
}

// mirrorLock fetches the mirrored lock file's content, nil when absent.
func (s *Scheduler) mirrorLock(ctx context.Context, relDir string) ([]byte, error) {
	ok, err := s.mirror.Exists(ctx, relDir, s.cfg.LockFile)
	if err != nil || !ok {
		return nil, err
	}
	tmp, err := s.mirror.Fetch(ctx, relDir, s.cfg.LockFile)
	if errors.Is(err, archive.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer archive.DiscardTemp(tmp)
	return os.ReadFile(tmp)
}

// lockField extracts the value of a "key value" line from a lock body.
func lockField(body []byte, key string) string {
	for _, line := range strings.Split(string(body), "\n") {
		if v, ok := strings.CutPrefix(line, key+" "); ok {
			return v
		}
	}
	return ""
}

// checkPrerequisites expands every prerequisite and requires each value
// to exist: against the target dir for "~/" paths, else the base dir,
// else the mirror when configured.
func (s *Scheduler) checkPrerequisites(ctx context.Context, exp *Expander, relDir string) error {
	if len(s.cfg.Prerequisites) == 0 {
		return nil
	}

	exists := func(p string) bool {
		if len(p) > 1 && p[:2] == "~/" {
			_, err := os.Stat(filepath.Join(s.cfg.BaseDir, relDir, p[2:]))
			return err == nil
		}
		if s.mirror != nil {
			ok, err := s.mirror.Exists(ctx, path.Dir(p), path.Base(p))
			return err == nil && ok
		}
		_, err := os.Stat(filepath.Join(s.cfg.BaseDir, p))
		return err == nil
	}
	exp.exists = exists
	defer func() { exp.exists = nil }()

	for _, pre := range s.cfg.Prerequisites {
		values, err := exp.ExpandList(pre)
		if err != nil {
			return err
		}
		for _, v := range values {
			if !exists(v) {
				return errors.Errorf("missing prerequisite %s", v)
			}
		}
	}
	return nil
}

// cleanTarget empties the target dir, keeping the coordination files.
func (s *Scheduler) cleanTarget(target string) error {
	keep := map[string]struct{}{
		s.cfg.CompleteMarker: {},
		s.cfg.FailMarker:     {},
		s.cfg.LockFile:       {},
		s.cfg.SkipMarker:     {},
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, ok := keep[e.Name()]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(target, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// syncDown pulls the mirrored target dir into the local scratch area.
func (s *Scheduler) syncDown(ctx context.Context, relDir, target string) error {
	if s.mirror == nil {
		return nil
	}
	names, err := s.mirror.List(ctx, relDir)
	if err != nil {
		return err
	}
	for _, name := range names {
		tmp, err := s.mirror.Fetch(ctx, relDir, name)
		if err != nil {
			return err
		}
		err = os.Rename(tmp, filepath.Join(target, name))
		_ = os.RemoveAll(filepath.Dir(tmp))
		if err != nil {
			return err
		}
	}
	return nil
}

// syncUp pushes the local scratch area back to the mirror.
func (s *Scheduler) syncUp(ctx context.Context, relDir, target string) error {
	if s.mirror == nil {
		return nil
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == s.cfg.LockFile {
			continue
		}
		if err := s.mirror.Store(ctx, filepath.Join(target, e.Name()), relDir, e.Name()); err != nil {
			return err
		}
	}
	return nil
}
