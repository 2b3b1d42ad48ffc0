package image

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-wos/internal/core"
	"github.com/lzjever/mbos-wos/internal/observability"
)

// DaemonClient is the subset of the docker client the controller needs.
type DaemonClient interface {
	ImagePull(ctx context.Context, ref string, options imagetypes.PullOptions) (io.ReadCloser, error)
	ImageInspect(ctx context.Context, ref string, opts ...client.ImageInspectOption) (imagetypes.InspectResponse, error)
}

type Result struct {
	Status          string `json:"status"`
	PercentComplete int    `json:"percent_complete"`
}

// Admission deduplicates concurrent pulls per image reference and streams
// throttled aggregate progress. One PullSession exists per reference
// process-wide; requests for a reference with an in-flight session attach
// to it instead of pulling again.
type Admission struct {
	daemon DaemonClient
	emit   Emitter
	log    *zap.Logger

	pollInterval time.Duration
	waitDeadline time.Duration
	throttle     time.Duration

	mu       sync.Mutex
	sessions map[string]*PullSession
}

func New(daemon DaemonClient, emit Emitter, log *zap.Logger) *Admission {
	return &Admission{
		daemon:       daemon,
		emit:         emit,
		log:          log,
		pollInterval: 2 * time.Second,
		waitDeadline: 10 * time.Minute,
		throttle:     2 * time.Second,
		sessions:     make(map[string]*PullSession),
	}
}

// EnsureImage makes ref available locally, pulling it at most once across
// concurrent callers. It blocks until the image is usable or the attempt
// terminally fails.
func (a *Admission) EnsureImage(ctx context.Context, ref string) (Result, error) {
	if ref == "" {
		return Result{}, core.NewAppError(core.ErrBadRequest, "image reference required")
	}

	a.mu.Lock()
	if sess, ok := a.sessions[ref]; ok {
		switch sess.Phase() {
		case PhaseComplete:
			a.mu.Unlock()
			return Result{Status: "ready", PercentComplete: 100}, nil
		case PhasePulling, PhaseWaitingExisting:
			a.mu.Unlock()
			observability.PullAttachTotal.Inc()
			return a.waitForExisting(ctx, sess)
		}
	}

	// Register the session before any daemon call so a concurrent request
	// for the same reference attaches instead of racing.
	sess := newSession(ref)
	sess.setPhase(PhasePulling)
	a.sessions[ref] = sess
	a.mu.Unlock()

	// Pinned references that already inspect locally skip the network
	// entirely. Mutable tags (latest or untagged) always force a pull.
	if isPinnedRef(ref) {
		if _, err := a.daemon.ImageInspect(ctx, ref); err == nil {
			sess.finish(PhaseComplete, nil)
			a.log.Debug("image present locally, pull skipped", zap.String("ref", ref))
			return Result{Status: "ready", PercentComplete: 100}, nil
		}
	}

	return a.pull(ctx, sess)
}

// waitForExisting attaches to an in-flight pull: poll until the image
// becomes inspectable or the deadline elapses.
func (a *Admission) waitForExisting(ctx context.Context, sess *PullSession) (Result, error) {
	deadline := time.Now().Add(a.waitDeadline)
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-sess.Done():
			if err := sess.Err(); err != nil {
				return Result{}, core.AsAppError(err)
			}
			return Result{Status: "ready", PercentComplete: 100}, nil
		case <-ticker.C:
			if time.Now().After(deadline) {
				return Result{}, core.NewAppError(core.ErrTimeout,
					fmt.Sprintf("timed out waiting for in-flight pull of %s", sess.Ref))
			}
			if _, err := a.daemon.ImageInspect(ctx, sess.Ref); err == nil {
				return Result{Status: "ready", PercentComplete: 100}, nil
			}
		}
	}
}

func (a *Admission) pull(ctx context.Context, sess *PullSession) (Result, error) {
	start := time.Now()
	log := a.log.With(zap.String("ref", sess.Ref))
	log.Info("image pull starting")

	rc, err := a.daemon.ImagePull(ctx, sess.Ref, imagetypes.PullOptions{})
	if err != nil {
		return Result{}, a.fail(sess, nil, err)
	}
	defer rc.Close()

	tracker := newTracker(sess.Ref, a.emit, a.throttle)
	dec := json.NewDecoder(rc)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return Result{}, a.fail(sess, tracker, err)
		}
		if msg.Error != nil {
			return Result{}, a.fail(sess, tracker, msg.Error)
		}
		tracker.update(msg)
	}

	// The stream ending is not proof of a usable image; confirm the daemon
	// can inspect it before reporting completion.
	if _, err := a.daemon.ImageInspect(ctx, sess.Ref); err != nil {
		return Result{}, a.fail(sess, tracker, fmt.Errorf("image not inspectable after pull: %w", err))
	}

	tracker.complete()
	sess.finish(PhaseComplete, nil)
	observability.ImagePullsTotal.WithLabelValues("success").Inc()
	observability.ImagePullDuration.Observe(time.Since(start).Seconds())
	log.Info("image pull completed", zap.Duration("elapsed", time.Since(start)))
	return Result{Status: "pulled", PercentComplete: 100}, nil
}

// fail marks the session failed, evicts it so the next request retries
// fresh, and returns the bucketed error.
func (a *Admission) fail(sess *PullSession, tracker *tracker, cause error) error {
	bucket, code := classifyPullError(cause)
	appErr := core.NewAppError(code, fmt.Sprintf("pull %s failed (%s): %v", sess.Ref, bucket, cause))

	sess.finish(PhaseFailed, appErr)
	a.mu.Lock()
	if a.sessions[sess.Ref] == sess {
		delete(a.sessions, sess.Ref)
	}
	a.mu.Unlock()

	if tracker != nil {
		tracker.failed(bucket)
	}
	observability.ImagePullsTotal.WithLabelValues(bucket).Inc()
	a.log.Warn("image pull failed", zap.String("ref", sess.Ref), zap.String("cause", bucket), zap.Error(cause))
	return appErr
}

// classifyPullError buckets daemon errors into the human-readable causes
// surfaced on progress events.
func classifyPullError(err error) (string, core.ErrorCode) {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadline") || strings.Contains(msg, "timeout"):
		return "timeout", core.ErrTimeout
	case strings.Contains(msg, "not found") || strings.Contains(msg, "manifest unknown") || strings.Contains(msg, "no such image"):
		return "not-found", core.ErrImageNotFound
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication") || strings.Contains(msg, "denied"):
		return "auth", core.ErrImageAuth
	case strings.Contains(msg, "cannot connect to the docker daemon") || strings.Contains(msg, "connection refused"):
		return "daemon-unreachable", core.ErrDaemonUnreachable
	default:
		return "other", core.ErrInternal
	}
}
