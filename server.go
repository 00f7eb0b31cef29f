// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/hemant/titandelay/internal/log"
	"github.com/hemant/titandelay/internal/timeutil"
	"golang.org/x/time/rate"
)

// Server dispatches due jobs out of a DelayBucket.
//
// Server runs one poller per bucket index. Each poller peeks at the head of
// its bucket, and once the head is due hands it to the Handler and removes it.
// If the handler fails, the job is added again with a later due time until it
// reaches its max retry count, after which it is given to the ErrorHandler
// and dropped.
//
// Dispatch is at-least-once: a job may be handed out again if the process
// dies between the handler returning and the remove completing.
type Server struct {
	logger *log.Logger

	bucket *DelayBucket

	state *serverState

	// wait group to wait for all goroutines to finish.
	wg            sync.WaitGroup
	poller        *poller
	healthchecker *healthchecker
	janitor       *janitor
}

type serverState struct {
	mu    sync.Mutex
	value serverStateValue
}

type serverStateValue int

const (
	// StateNew represents a new server.
	srvStateNew serverStateValue = iota

	// StateActive indicates the server is up and active.
	srvStateActive

	// StateStopped indicates the server is up but no longer dispatching jobs.
	srvStateStopped

	// StateClosed indicates the server has been shutdown.
	srvStateClosed
)

var serverStates = []string{
	"new",
	"active",
	"stopped",
	"closed",
}

func (s serverStateValue) String() string {
	if srvStateNew <= s && s <= srvStateClosed {
		return serverStates[s]
	}
	return "unknown status"
}

// Config specifies the server's dispatch behavior.
type Config struct {
	// BaseContext optionally specifies a function that returns the base context for Handler invocations on this server.
	//
	// If BaseContext is nil, the default is context.Background().
	BaseContext func() context.Context

	// PollInterval specifies how long a poller waits before looking at its
	// bucket again after finding it empty or its head not yet due.
	//
	// If unset, zero or a negative value, the interval is set to 1 second.
	PollInterval time.Duration

	// DispatchRate limits the number of jobs handed to the Handler per second,
	// across all buckets.
	//
	// If unset, zero or a negative value, dispatch is not rate limited.
	DispatchRate float64

	// DispatchBurst is the maximum burst allowed by DispatchRate.
	//
	// If unset or zero, it equals the number of buckets.
	DispatchBurst int

	// Function to calculate retry delay for a failed job.
	//
	// By default, it uses exponential backoff algorithm to calculate the delay.
	RetryDelayFunc RetryDelayFunc

	// Predicate function to determine whether the error returned from Handler is a failure.
	// If the function returns false, Server will not increment the retried counter for the job.
	//
	// By default, if the given error is non-nil the function returns true.
	IsFailure func(error) bool

	// ErrorHandler handles errors returned by the job handler once a job has
	// exhausted its retries.
	ErrorHandler ErrorHandler

	// Logger specifies the logger used by the server instance.
	//
	// If unset, default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel

	// ShutdownTimeout specifies the duration to wait to let handlers finish their jobs
	// before forcing them to abort when stopping the server.
	//
	// If unset or zero, default timeout of 8 seconds is used.
	ShutdownTimeout time.Duration

	// HealthCheckFunc is called periodically with any errors encountered during ping to the
	// backing store.
	HealthCheckFunc func(error)

	// HealthCheckInterval specifies the interval between healthchecks.
	//
	// If unset or zero, the interval is set to 15 seconds.
	HealthCheckInterval time.Duration

	// JanitorInterval specifies the interval between checks for malformed bucket heads.
	//
	// If unset or zero, default interval of 8 seconds is used.
	JanitorInterval time.Duration

	// JanitorBatchSize specifies the maximum number of malformed members
	// quarantined per bucket in one run.
	//
	// If unset or zero, default batch size of 100 is used.
	JanitorBatchSize int
}

// An ErrorHandler handles an error returned by a job whose retries are exhausted.
type ErrorHandler interface {
	HandleError(ctx context.Context, job *Job, err error)
}

// The ErrorHandlerFunc type is an adapter to allow the use of ordinary functions as a ErrorHandler.
type ErrorHandlerFunc func(ctx context.Context, job *Job, err error)

// HandleError calls fn(ctx, job, err)
func (fn ErrorHandlerFunc) HandleError(ctx context.Context, job *Job, err error) {
	fn(ctx, job, err)
}

// RetryDelayFunc calculates the retry delay duration for a failed job given
// the retry count, error, and the job.
type RetryDelayFunc func(n int, e error, j *Job) time.Duration

// Logger supports logging at various log levels.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
}

// LogLevel represents logging level.
type LogLevel int32

const (
	// Note: reserving value zero to differentiate unspecified case.
	level_unspecified LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String is part of the flag.Value interface.
func (l *LogLevel) String() string {
	switch *l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	}
	panic(fmt.Sprintf("titandelay: unexpected log level: %v", *l))
}

// Set is part of the flag.Value interface.
func (l *LogLevel) Set(val string) error {
	switch strings.ToLower(val) {
	case "debug":
		*l = DebugLevel
	case "info":
		*l = InfoLevel
	case "warn", "warning":
		*l = WarnLevel
	case "error":
		*l = ErrorLevel
	case "fatal":
		*l = FatalLevel
	default:
		return fmt.Errorf("titandelay: unsupported log level %q", val)
	}
	return nil
}

func toInternalLogLevel(l LogLevel) log.Level {
	switch l {
	case DebugLevel:
		return log.DebugLevel
	case InfoLevel:
		return log.InfoLevel
	case WarnLevel:
		return log.WarnLevel
	case ErrorLevel:
		return log.ErrorLevel
	case FatalLevel:
		return log.FatalLevel
	}
	panic(fmt.Sprintf("titandelay: unexpected log level: %v", l))
}

func newLogger(l Logger, level LogLevel) (*log.Logger, error) {
	if level == level_unspecified {
		level = InfoLevel
	}
	if level < DebugLevel || level > FatalLevel {
		return nil, configError("titandelay.newLogger", fmt.Sprintf("unexpected log level: %d", level))
	}
	logger := log.NewLogger(l)
	logger.SetLevel(toInternalLogLevel(level))
	return logger, nil
}

// DefaultRetryDelayFunc is the default RetryDelayFunc used if one is not specified in Config.
// It uses exponential back-off strategy to calculate the retry delay.
func DefaultRetryDelayFunc(n int, e error, j *Job) time.Duration {
	// Formula taken from https://github.com/mperham/sidekiq.
	s := int(math.Pow(float64(n), 4)) + 15 + (rand.Intn(30) * (n + 1))
	return time.Duration(s) * time.Second
}

func defaultIsFailureFunc(err error) bool { return err != nil }

const (
	defaultPollInterval        = 1 * time.Second
	defaultShutdownTimeout     = 8 * time.Second
	defaultHealthCheckInterval = 15 * time.Second
	defaultJanitorInterval     = 8 * time.Second
	defaultJanitorBatchSize    = 100
)

// NewServer returns a new Server dispatching jobs out of b.
//
// The server does not take ownership of b: Shutdown leaves it open.
func NewServer(b *DelayBucket, cfg Config) (*Server, error) {
	if b == nil {
		return nil, configError("titandelay.NewServer", "delay bucket cannot be nil")
	}
	logger, err := newLogger(cfg.Logger, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	baseCtxFn := cfg.BaseContext
	if baseCtxFn == nil {
		baseCtxFn = context.Background
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	delayFunc := cfg.RetryDelayFunc
	if delayFunc == nil {
		delayFunc = DefaultRetryDelayFunc
	}
	isFailureFunc := cfg.IsFailure
	if isFailureFunc == nil {
		isFailureFunc = defaultIsFailureFunc
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.DispatchRate > 0 {
		burst := cfg.DispatchBurst
		if burst <= 0 {
			burst = b.BucketCount()
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), burst)
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	healthcheckInterval := cfg.HealthCheckInterval
	if healthcheckInterval == 0 {
		healthcheckInterval = defaultHealthCheckInterval
	}
	janitorInterval := cfg.JanitorInterval
	if janitorInterval == 0 {
		janitorInterval = defaultJanitorInterval
	}
	janitorBatchSize := cfg.JanitorBatchSize
	if janitorBatchSize == 0 {
		janitorBatchSize = defaultJanitorBatchSize
	}

	poller := newPoller(pollerParams{
		logger:          logger,
		bucket:          b,
		clock:           timeutil.NewRealClock(),
		limiter:         limiter,
		interval:        pollInterval,
		baseCtxFn:       baseCtxFn,
		retryDelayFunc:  delayFunc,
		isFailureFunc:   isFailureFunc,
		errHandler:      cfg.ErrorHandler,
		shutdownTimeout: shutdownTimeout,
	})
	healthchecker := newHealthChecker(healthcheckerParams{
		logger:          logger,
		bucket:          b,
		interval:        healthcheckInterval,
		healthcheckFunc: cfg.HealthCheckFunc,
	})
	janitor := newJanitor(janitorParams{
		logger:    logger,
		bucket:    b,
		interval:  janitorInterval,
		batchSize: janitorBatchSize,
	})
	return &Server{
		logger:        logger,
		bucket:        b,
		state:         &serverState{value: srvStateNew},
		poller:        poller,
		healthchecker: healthchecker,
		janitor:       janitor,
	}, nil
}

// A Handler processes jobs.
//
// ProcessJob should return nil if the processing of a job
// is successful.
//
// If ProcessJob returns a non-nil error or panics, the job
// will be retried after delay if retry-count is remaining,
// otherwise the job will be dropped.
//
// If the job has a TTR, ctx is canceled once the TTR elapses.
type Handler interface {
	ProcessJob(context.Context, *Job) error
}

// The HandlerFunc type is an adapter to allow the use of
// ordinary functions as a Handler.
type HandlerFunc func(context.Context, *Job) error

// ProcessJob calls fn(ctx, job)
func (fn HandlerFunc) ProcessJob(ctx context.Context, job *Job) error {
	return fn(ctx, job)
}

// ErrServerClosed indicates that the operation is now illegal because of the server has been shutdown.
var ErrServerClosed = errors.New("titandelay: Server closed")

// Run starts dispatching and blocks until an os signal to exit the program
// is received. Once it receives a signal, it gracefully shuts down all
// pollers and other goroutines.
func (srv *Server) Run(handler Handler) error {
	if err := srv.Start(handler); err != nil {
		return err
	}
	srv.waitForSignals()
	srv.Shutdown()
	return nil
}

// Start starts the server. Once the server has started, it polls every
// bucket and calls Handler for each due job.
func (srv *Server) Start(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("titandelay: server cannot run with nil handler")
	}
	srv.poller.handler = handler

	if err := srv.start(); err != nil {
		return err
	}
	srv.logger.Infof("Starting dispatch from %d buckets", srv.bucket.BucketCount())

	srv.healthchecker.start(&srv.wg)
	srv.janitor.start(&srv.wg)
	srv.poller.start(&srv.wg)
	return nil
}

// Checks server state and returns an error if pre-condition is not met.
// Otherwise it sets the server state to active.
func (srv *Server) start() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	switch srv.state.value {
	case srvStateActive:
		return fmt.Errorf("titandelay: the server is already running")
	case srvStateStopped:
		return fmt.Errorf("titandelay: the server is in the stopped state. Waiting for shutdown.")
	case srvStateClosed:
		return ErrServerClosed
	}
	srv.state.value = srvStateActive
	return nil
}

// Shutdown gracefully shuts down the server.
func (srv *Server) Shutdown() {
	srv.state.mu.Lock()
	if srv.state.value == srvStateNew || srv.state.value == srvStateClosed {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateClosed
	srv.state.mu.Unlock()

	srv.logger.Info("Starting graceful shutdown")
	srv.poller.shutdown()
	srv.janitor.shutdown()
	srv.healthchecker.shutdown()
	srv.wg.Wait()
	srv.logger.Info("Exiting")
}

// Stop signals the server to stop dispatching new jobs.
// Handlers already running are left to finish.
func (srv *Server) Stop() {
	srv.state.mu.Lock()
	if srv.state.value != srvStateActive {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateStopped
	srv.state.mu.Unlock()

	srv.logger.Info("Stopping pollers")
	srv.poller.stop()
	srv.logger.Info("Pollers stopped")
}

// Ping performs a ping against the backing store.
func (srv *Server) Ping(ctx context.Context) error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	if srv.state.value == srvStateClosed {
		return nil
	}

	return srv.bucket.Ping(ctx)
}
