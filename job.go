// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hemant/titandelay/internal/base"
)

// Job represents one delayed unit of work.
//
// A Job is immutable once created: its due time is fixed at construction.
// Use Redelay to schedule the same work again at a different time.
type Job struct {
	msg *base.JobMessage
}

// ID returns the unique identifier of the job.
func (j *Job) ID() string { return j.msg.ID }

// Topic returns the routing key of the job.
func (j *Job) Topic() string { return j.msg.Topic }

// Payload returns the data needed to process the job.
func (j *Job) Payload() []byte { return j.msg.Payload }

// Score returns the due time in Unix milliseconds.
func (j *Job) Score() int64 { return j.msg.Score }

// DueAt returns the time at which the job becomes eligible for dispatch.
func (j *Job) DueAt() time.Time { return j.msg.DueAt() }

// IsDue reports whether the job's due time is at or before now.
func (j *Job) IsDue(now time.Time) bool { return j.msg.Score <= now.UnixMilli() }

// Retry returns the max number of retries for the job.
func (j *Job) Retry() int { return j.msg.Retry }

// Retried returns the number of times the job has been retried so far.
func (j *Job) Retried() int { return j.msg.Retried }

// TTR returns the time-to-run granted to a consumer, or zero if unlimited.
func (j *Job) TTR() time.Duration { return time.Duration(j.msg.TTR) * time.Second }

// Encoding returns the wire format the job was read with.
// Jobs built in process report EncodingCompact.
func (j *Job) Encoding() Encoding { return Encoding(j.msg.Encoding.Kind) }

// Redelay returns a new job carrying the same work, due at t, with its
// retry counter incremented. The receiver is left unchanged.
func (j *Job) Redelay(t time.Time) *Job {
	next := j.reschedule(t)
	next.msg.Retried++
	return next
}

// reschedule returns a copy of the job due at t, in the current wire format.
func (j *Job) reschedule(t time.Time) *Job {
	msg := *j.msg
	msg.Score = t.UnixMilli()
	msg.Encoding = base.Encoding{Kind: base.EncodingCompact}
	return &Job{msg: &msg}
}

func (j *Job) String() string {
	return fmt.Sprintf("Job{id=%s topic=%s due=%s}", j.msg.ID, j.msg.Topic, j.DueAt().UTC().Format(time.RFC3339Nano))
}

// Encoding is the wire format a job was stored with.
type Encoding int

const (
	// EncodingCompact is the current wire format.
	EncodingCompact = Encoding(base.EncodingCompact)

	// EncodingLegacy is the older self-describing format, still readable.
	EncodingLegacy = Encoding(base.EncodingLegacy)
)

func (e Encoding) String() string { return base.EncodingKind(e).String() }

// NewJob returns a new Job given a topic, payload and options.
// Without ProcessAt or ProcessIn the job is due immediately.
func NewJob(topic string, payload []byte, opts ...Option) (*Job, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("titandelay: job topic cannot be empty")
	}
	o, err := composeOptions(opts...)
	if err != nil {
		return nil, err
	}
	due := o.processAt
	if due.IsZero() {
		due = time.Now()
	}
	return &Job{msg: &base.JobMessage{
		ID:      o.jobID,
		Topic:   topic,
		Payload: payload,
		Retry:   o.retry,
		TTR:     int64(o.ttr / time.Second),
		Score:   due.UnixMilli(),
	}}, nil
}

func newJobFromMessage(msg *base.JobMessage) *Job {
	return &Job{msg: msg}
}

// OptionType is the type of an Option.
type OptionType int

const (
	MaxRetryOpt OptionType = iota
	JobIDOpt
	ProcessAtOpt
	ProcessInOpt
	TTROpt
)

// Option specifies the job creation behavior.
type Option interface {
	// String returns a string representation of the option.
	String() string

	// Type describes the type of the option.
	Type() OptionType

	// Value returns a value used to create this option.
	Value() interface{}
}

// Internal option representations.
type (
	retryOption     int
	jobIDOption     string
	processAtOption time.Time
	processInOption time.Duration
	ttrOption       time.Duration
)

// MaxRetry returns an option to specify the max number of times
// the job will be retried.
//
// Negative retry count is treated as zero retry.
func MaxRetry(n int) Option {
	if n < 0 {
		n = 0
	}
	return retryOption(n)
}

func (n retryOption) String() string     { return fmt.Sprintf("MaxRetry(%d)", int(n)) }
func (n retryOption) Type() OptionType   { return MaxRetryOpt }
func (n retryOption) Value() interface{} { return int(n) }

// JobID returns an option to specify the job ID.
func JobID(id string) Option {
	return jobIDOption(id)
}

func (id jobIDOption) String() string     { return fmt.Sprintf("JobID(%q)", string(id)) }
func (id jobIDOption) Type() OptionType   { return JobIDOpt }
func (id jobIDOption) Value() interface{} { return string(id) }

// ProcessAt returns an option to specify when the job becomes due.
//
// If there's a conflicting ProcessIn option, the last option passed takes precedence.
func ProcessAt(t time.Time) Option {
	return processAtOption(t)
}

func (t processAtOption) String() string {
	return fmt.Sprintf("ProcessAt(%v)", time.Time(t).Format(time.UnixDate))
}
func (t processAtOption) Type() OptionType   { return ProcessAtOpt }
func (t processAtOption) Value() interface{} { return time.Time(t) }

// ProcessIn returns an option to specify when the job becomes due
// relative to the current time.
//
// If there's a conflicting ProcessAt option, the last option passed takes precedence.
func ProcessIn(d time.Duration) Option {
	return processInOption(d)
}

func (d processInOption) String() string     { return fmt.Sprintf("ProcessIn(%v)", time.Duration(d)) }
func (d processInOption) Type() OptionType   { return ProcessInOpt }
func (d processInOption) Value() interface{} { return time.Duration(d) }

// TTR returns an option to specify how long a consumer may run the job.
// The duration is stored with second precision.
func TTR(d time.Duration) Option {
	return ttrOption(d)
}

func (d ttrOption) String() string     { return fmt.Sprintf("TTR(%v)", time.Duration(d)) }
func (d ttrOption) Type() OptionType   { return TTROpt }
func (d ttrOption) Value() interface{} { return time.Duration(d) }

type option struct {
	retry     int
	jobID     string
	processAt time.Time
	ttr       time.Duration
}

// composeOptions merges user provided options into the default options
// and returns the composed option.
// It also validates the user provided options and returns an error if any of
// the user provided options fail the validations.
func composeOptions(opts ...Option) (option, error) {
	res := option{
		jobID: uuid.NewString(),
	}
	for _, opt := range opts {
		switch opt := opt.(type) {
		case retryOption:
			res.retry = int(opt)
		case jobIDOption:
			id := string(opt)
			if strings.TrimSpace(id) == "" {
				return option{}, fmt.Errorf("titandelay: job ID cannot be empty")
			}
			res.jobID = id
		case processAtOption:
			res.processAt = time.Time(opt)
		case processInOption:
			res.processAt = time.Now().Add(time.Duration(opt))
		case ttrOption:
			if opt < 0 {
				return option{}, fmt.Errorf("titandelay: TTR cannot be negative")
			}
			res.ttr = time.Duration(opt)
		default:
			// ignore unexpected option
		}
	}
	return res, nil
}
