// Package checker runs the reconciliation loop: at each tick it evaluates
// every enabled expectation against its observation history and brings the
// violation ledger in line with the verdict. Immediately after a tick, a
// code has an open violation iff the evaluator says it should.
package checker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/rewire/internal/clock"
	"github.com/marcus-qen/rewire/internal/metrics"
	"github.com/marcus-qen/rewire/internal/notify"
	"github.com/marcus-qen/rewire/internal/rules"
	"github.com/marcus-qen/rewire/internal/store"
	"github.com/marcus-qen/rewire/internal/trials"
)

const observationWindow = 80

// Options configures the checker loop.
type Options struct {
	// CheckEvery is either a Go duration ("60s") or a standard cron
	// expression ("*/5 * * * *").
	CheckEvery string

	// RenotifyAfterS re-sends the notification for a still-open violation
	// after this many seconds. 0 disables renotification.
	RenotifyAfterS int64
}

// Checker reconciles the violation ledger with rule verdicts.
type Checker struct {
	store    *store.Store
	trialMgr *trials.Manager
	notifier notify.Channel
	logger   *zap.Logger
	clk      clock.Clock

	interval      time.Duration
	cronSched     cron.Schedule
	renotifyAfter int64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a checker. The CheckEvery option accepts a duration or a
// cron expression; anything else is a configuration error.
func New(st *store.Store, trialMgr *trials.Manager, notifier notify.Channel, logger *zap.Logger, opts Options) (*Checker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Checker{
		store:         st,
		trialMgr:      trialMgr,
		notifier:      notifier,
		logger:        logger,
		clk:           st.Clock(),
		renotifyAfter: opts.RenotifyAfterS,
	}

	spec := strings.TrimSpace(opts.CheckEvery)
	if spec == "" {
		spec = "60s"
	}
	if interval, err := time.ParseDuration(spec); err == nil {
		if interval <= 0 {
			return nil, fmt.Errorf("check interval must be > 0")
		}
		c.interval = interval
		return c, nil
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse check interval %q: %w", spec, err)
	}
	c.cronSched = sched
	c.interval = time.Minute
	return c, nil
}

// Start begins periodic checking. Safe to call once; subsequent calls are
// no-ops until Stop.
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Tick(loopCtx)
		for {
			timer := time.NewTimer(c.untilNext())
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				c.Tick(loopCtx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the current expectation to finish.
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.cancel = nil

	// The loop goroutine never takes c.mu, so waiting under the lock is
	// safe and keeps a concurrent Start from adding to the group mid-wait.
	c.wg.Wait()
}

func (c *Checker) untilNext() time.Duration {
	if c.cronSched != nil {
		now := time.Now()
		return c.cronSched.Next(now).Sub(now)
	}
	return c.interval
}

// Tick runs one reconciliation pass over all enabled expectations. A
// failure in one expectation is logged and does not stop the pass;
// cancellation is honored between expectations, never mid-reconciliation.
func (c *Checker) Tick(ctx context.Context) {
	defer metrics.ObserveCheckDuration(time.Now())

	exps, err := c.store.ListEnabled()
	if err != nil {
		c.logger.Warn("list enabled expectations failed", zap.Error(err))
		return
	}

	for i := range exps {
		if ctx.Err() != nil {
			return
		}
		c.reconcileOne(ctx, exps[i])
	}
}

// reconcileOne applies one expectation's verdict to the ledger. Panics are
// contained: a logic bug triggered by malformed stored data skips the
// expectation for this tick.
func (c *Checker) reconcileOne(ctx context.Context, exp store.Expectation) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("expectation check panicked",
				zap.String("expectation_id", exp.ID),
				zap.Any("panic", r),
			)
		}
	}()

	var err error
	switch exp.Type {
	case store.TypeSchedule:
		err = c.reconcileSchedule(ctx, exp)
	case store.TypeAlertPath:
		err = c.reconcileAlertPath(ctx, exp)
	default:
		err = fmt.Errorf("unknown expectation type %q", exp.Type)
	}
	if err != nil {
		c.logger.Warn("expectation check failed",
			zap.String("expectation_id", exp.ID),
			zap.String("type", string(exp.Type)),
			zap.Error(err),
		)
	}
}

func (c *Checker) reconcileSchedule(ctx context.Context, exp store.Expectation) error {
	now := c.clk.Now()

	obs, err := c.store.RecentObservations(exp.ID, observationWindow)
	if err != nil {
		return fmt.Errorf("read observations: %w", err)
	}

	verdict, err := rules.EvaluateSchedule(exp, obs, now)
	if err != nil {
		return c.flagConfigError(ctx, exp, err)
	}
	verdict.Close = append(verdict.Close, store.CodeConfigError)

	return c.applyVerdict(ctx, exp, verdict, now)
}

func (c *Checker) reconcileAlertPath(ctx context.Context, exp store.Expectation) error {
	now := c.clk.Now()

	lastObs, err := c.store.LastObservationAt(exp.ID, "")
	if err != nil {
		return fmt.Errorf("read last observation: %w", err)
	}
	pending, err := c.store.PendingTrials(exp.ID)
	if err != nil {
		return fmt.Errorf("read pending trials: %w", err)
	}
	settled, err := c.store.LastSettledTrial(exp.ID)
	if err != nil {
		return fmt.Errorf("read settled trial: %w", err)
	}

	res, err := rules.EvaluateAlertPath(exp, lastObs, pending, settled, now)
	if err != nil {
		return c.flagConfigError(ctx, exp, err)
	}
	res.Verdict.Close = append(res.Verdict.Close, store.CodeConfigError)

	// Expire overdue trials before opening no_ack, so the ledger never
	// cites a trial that is still pending.
	for _, t := range res.TrialsToExpire {
		if err := c.trialMgr.Expire(t.ID); err != nil {
			return fmt.Errorf("expire trial %s: %w", t.ID, err)
		}
		metrics.TrialsTotal.WithLabelValues("expired").Inc()
	}

	if err := c.applyVerdict(ctx, exp, res.Verdict, now); err != nil {
		return err
	}

	if res.ShouldIssueTrial {
		if err := c.issueTrial(ctx, exp); err != nil {
			return err
		}
	}
	return nil
}

// applyVerdict commits closes before opens, so a flapping code is recorded
// as a closed row followed by a fresh one, never as two open rows.
func (c *Checker) applyVerdict(ctx context.Context, exp store.Expectation, verdict rules.Verdict, now int64) error {
	closed, err := c.store.CloseViolations(exp.ID, verdict.Close)
	if err != nil {
		return fmt.Errorf("close violations: %w", err)
	}
	if closed > 0 {
		metrics.ViolationsClosedTotal.Add(float64(closed))
	}

	for _, finding := range verdict.Open {
		open, err := c.store.OpenViolation(exp.ID, finding.Code)
		if err != nil {
			return fmt.Errorf("lookup open violation: %w", err)
		}

		if open == nil {
			evidence, err := json.Marshal(finding.Evidence)
			if err != nil {
				return fmt.Errorf("marshal evidence: %w", err)
			}
			id, err := c.store.CreateViolation(exp.ID, finding.Code, finding.Message, string(evidence))
			if err != nil {
				return fmt.Errorf("create violation: %w", err)
			}
			metrics.ViolationsOpenedTotal.WithLabelValues(finding.Code).Inc()
			c.notifyViolation(ctx, exp, finding.Code, finding.Message, string(evidence), id)
			continue
		}

		// Notifications for an existing open violation carry the original
		// evidence; fresher facts open a new row only after this one closes.
		switch {
		case open.LastNotifiedAt == nil:
			// The first delivery failed; retry.
			c.notifyViolation(ctx, exp, open.Code, open.Message, open.EvidenceJSON, open.ID)
		case c.renotifyAfter > 0 && now-*open.LastNotifiedAt >= c.renotifyAfter:
			c.notifyViolation(ctx, exp, open.Code, open.Message, open.EvidenceJSON, open.ID)
		}
	}
	return nil
}

func (c *Checker) issueTrial(ctx context.Context, exp store.Expectation) error {
	issued, err := c.trialMgr.Issue(exp.ID)
	if err != nil {
		return fmt.Errorf("issue trial: %w", err)
	}
	metrics.TrialsTotal.WithLabelValues("issued").Inc()
	metrics.ObservationsTotal.WithLabelValues(string(store.KindPing)).Inc()

	subject := fmt.Sprintf("[rewire] Alert-path test: %s", exp.Name)
	body := fmt.Sprintf("This is a synthetic rewire alert-path test.\n\n"+
		"Path: %s\nExpectation ID: %s\n"+
		"To acknowledge delivery, open this link:\n%s\n\n"+
		"If no ack is received in time, rewire will open a violation.\n",
		exp.Name, exp.ID, issued.AckURL)

	dctx, cancel := c.deliveryContext(ctx)
	defer cancel()
	if err := c.notifier.Send(dctx, notify.Message{
		Destination: exp.OwnerContact,
		Subject:     subject,
		Body:        body,
		Payload: &notify.Payload{
			Event:         notify.EventTestSent,
			ExpectationID: exp.ID,
			Name:          exp.Name,
			Type:          string(exp.Type),
			Message:       fmt.Sprintf("Synthetic alert-path test sent to %s.", exp.OwnerContact),
			Evidence: map[string]any{
				"trial_id": issued.TrialID,
				"ack_url":  issued.AckURL,
			},
			DetectedAt: c.clk.Now(),
		},
	}); err != nil {
		metrics.NotifyFailuresTotal.Inc()
		c.logger.Warn("trial notification failed",
			zap.String("expectation_id", exp.ID),
			zap.Error(err),
		)
	}
	return nil
}

func (c *Checker) notifyViolation(ctx context.Context, exp store.Expectation, code, message, evidenceJSON string, violationID int64) {
	var evidence map[string]any
	_ = json.Unmarshal([]byte(evidenceJSON), &evidence)

	subject := fmt.Sprintf("[rewire] VIOLATION %s: %s", code, exp.Name)
	body := fmt.Sprintf("Rewire detected an expectation violation.\n\n"+
		"Name: %s\nType: %s\nCode: %s\nMessage: %s\n\n"+
		"Evidence:\n%s\n\n"+
		"Rewire reports only mismatches it can justify with evidence.\n",
		exp.Name, exp.Type, code, message, evidenceJSON)

	dctx, cancel := c.deliveryContext(ctx)
	defer cancel()
	err := c.notifier.Send(dctx, notify.Message{
		Destination: exp.OwnerContact,
		Subject:     subject,
		Body:        body,
		Payload: &notify.Payload{
			Event:         notify.EventViolationOpened,
			ExpectationID: exp.ID,
			Name:          exp.Name,
			Type:          string(exp.Type),
			Code:          code,
			Message:       message,
			Evidence:      evidence,
			DetectedAt:    c.clk.Now(),
		},
	})
	if err != nil {
		// Leave last_notified_at untouched so the next tick retries.
		metrics.NotifyFailuresTotal.Inc()
		c.logger.Warn("violation notification failed",
			zap.String("expectation_id", exp.ID),
			zap.String("code", code),
			zap.Error(err),
		)
		return
	}
	if err := c.store.MarkNotified(violationID); err != nil {
		c.logger.Warn("mark notified failed",
			zap.Int64("violation_id", violationID),
			zap.Error(err),
		)
	}
}

// deliveryContext bounds one notifier call to half the check interval so a
// stuck SMTP or webhook endpoint cannot starve the loop.
func (c *Checker) deliveryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline := c.interval / 2
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	return context.WithTimeout(ctx, deadline)
}

// flagConfigError opens a config_error violation for an expectation whose
// stored params cannot be parsed; all other checks are skipped this tick.
func (c *Checker) flagConfigError(ctx context.Context, exp store.Expectation, parseErr error) error {
	open, err := c.store.OpenViolation(exp.ID, store.CodeConfigError)
	if err != nil {
		return fmt.Errorf("lookup config_error: %w", err)
	}
	if open != nil {
		return nil
	}

	evidence, err := json.Marshal(rules.Evidence{"error": parseErr.Error()})
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	message := fmt.Sprintf("Stored params_json is invalid: %v.", parseErr)
	id, err := c.store.CreateViolation(exp.ID, store.CodeConfigError, message, string(evidence))
	if err != nil {
		return fmt.Errorf("create config_error: %w", err)
	}
	metrics.ViolationsOpenedTotal.WithLabelValues(store.CodeConfigError).Inc()
	c.notifyViolation(ctx, exp, store.CodeConfigError, message, string(evidence), id)
	return nil
}
