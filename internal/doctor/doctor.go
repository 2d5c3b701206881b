// Package doctor validates the orchestration core's configuration and the
// health of its backing stores.
package doctor

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weppcloud/roc/internal/config"
)

// Result holds the outcome of a health run.
type Result struct {
	Healthy  bool    `json:"healthy"`
	Checks   []Check `json:"checks"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Check is one probed component.
type Check struct {
	Component string `json:"component"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

const probeTimeout = 3 * time.Second

// Doctor probes configuration and store reachability.
type Doctor struct {
	cfg *config.Config
	rdb *redis.Client
}

// New creates a Doctor from a loaded config and the shared Redis client.
// rdb may be nil; store checks then report unreachable.
func New(cfg *config.Config, rdb *redis.Client) *Doctor {
	return &Doctor{cfg: cfg, rdb: rdb}
}

// Run executes all checks.
func (d *Doctor) Run(ctx context.Context) *Result {
	r := &Result{}

	d.checkConfig(r)
	d.checkLockStore(ctx, r)
	d.checkPubSub(ctx, r)
	d.checkQueue(ctx, r)
	d.checkTokenSecret(r)

	r.Healthy = len(r.Errors) == 0
	for _, c := range r.Checks {
		if !c.OK {
			r.Healthy = false
		}
	}
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) checkConfig(r *Result) {
	if d.cfg.Service.RunRoot == "" {
		d.addError(r, "service", "service.run_root", "run_root is required")
	}
	if len(d.cfg.Queue.Queues) == 0 {
		d.addWarning(r, "queue", "queue.queues", "no queues configured; the default queue will be used")
	}
}

// checkLockStore verifies the shared Redis client answers a ping.
func (d *Doctor) checkLockStore(ctx context.Context, r *Result) {
	r.Checks = append(r.Checks, d.ping(ctx, "lock_store"))
}

// checkPubSub publishes to a throwaway channel.
func (d *Doctor) checkPubSub(ctx context.Context, r *Result) {
	check := Check{Component: "pubsub"}
	if d.rdb == nil {
		check.Detail = "no client"
		r.Checks = append(r.Checks, check)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := d.rdb.Publish(pctx, "rocev:_doctor", "ping").Err(); err != nil {
		check.Detail = err.Error()
	} else {
		check.OK = true
	}
	r.Checks = append(r.Checks, check)
}

// checkQueue verifies the queue store answers a ping. Lock, pub/sub, and
// queue share one endpoint, so this distinguishes outage reports per
// concern rather than per connection.
func (d *Doctor) checkQueue(ctx context.Context, r *Result) {
	r.Checks = append(r.Checks, d.ping(ctx, "queue"))
}

func (d *Doctor) checkTokenSecret(r *Result) {
	check := Check{Component: "token_secret", OK: d.cfg.Auth.Secret != ""}
	if !check.OK {
		check.Detail = "token secret not configured; issuance disabled"
	}
	r.Checks = append(r.Checks, check)
}

func (d *Doctor) ping(ctx context.Context, component string) Check {
	check := Check{Component: component}
	if d.rdb == nil {
		check.Detail = "no client"
		return check
	}
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := d.rdb.Ping(pctx).Err(); err != nil {
		check.Detail = err.Error()
		return check
	}
	check.OK = true
	return check
}
