package syncer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-wos/internal/core"
	"github.com/lzjever/mbos-wos/internal/observability"
)

// Resolver turns a remote sandbox id into that sandbox's sync worker URL.
// The gateway wires this to the sandbox provider, which is the durable
// record of connection info; the coordinator reconnects through it on
// demand.
type Resolver interface {
	WorkerURL(ctx context.Context, remoteID string) (string, error)
}

type Config struct {
	// DialTimeout bounds the reconnect attempt to a known worker.
	DialTimeout time.Duration
	// FullSyncTimeout bounds the initial cloud-to-local download. On
	// expiry the coordinator proceeds with local-to-cloud sync anyway.
	FullSyncTimeout time.Duration
}

// Session pairs one local workspace path with one remote sandbox. At most
// one session exists per local path; registering an existing path attaches
// to the session already there.
type Session struct {
	LocalPath string
	RemoteID  string

	mu       sync.Mutex
	pending  int
	lastSync time.Time
}

// Pending returns the number of files queued but not yet pushed.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Coordinator owns zero-or-one sync session per local path and the
// per-sandbox worker connections. It is the sole writer of sync-session
// state for a given path.
type Coordinator struct {
	cfg      Config
	resolver Resolver
	log      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	conns    map[string]*WorkerConn
}

func NewCoordinator(cfg Config, resolver Resolver, log *zap.Logger) *Coordinator {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.FullSyncTimeout == 0 {
		cfg.FullSyncTimeout = 30 * time.Second
	}
	return &Coordinator{
		cfg:      cfg,
		resolver: resolver,
		log:      log,
		sessions: make(map[string]*Session),
		conns:    make(map[string]*WorkerConn),
	}
}

// StartSync registers a session for localPath (idempotent) and, when the
// remote worker is reachable, performs the initial full cloud-to-local
// download before any local-to-cloud traffic. That ordering keeps a fresh
// local clone from clobbering cloud-side changes that predate the link.
func (c *Coordinator) StartSync(ctx context.Context, localPath, remoteID string) (*Session, error) {
	if err := ValidateLocalPath(localPath); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if sess, ok := c.sessions[localPath]; ok {
		c.mu.Unlock()
		return sess, nil
	}
	sess := &Session{LocalPath: localPath, RemoteID: remoteID}
	c.sessions[localPath] = sess
	c.mu.Unlock()
	observability.SyncSessions.Inc()

	conn, err := c.ensureConn(ctx, remoteID)
	if err != nil {
		// Unreachable worker is not fatal to the session: incremental
		// triggers will reconnect lazily.
		c.log.Warn("sync worker unreachable, falling back to lazy sync",
			zap.String("remote_id", remoteID), zap.Error(err))
		return sess, nil
	}

	dlCtx, cancel := context.WithTimeout(ctx, c.cfg.FullSyncTimeout)
	defer cancel()
	start := time.Now()
	if err := c.fullDownload(dlCtx, conn, localPath); err != nil {
		// Known race: remote files that never transferred can be
		// overwritten by the local-to-cloud direction that follows.
		c.log.Warn("full cloud-to-local download incomplete, proceeding anyway",
			zap.String("local_path", localPath), zap.Error(err))
	} else {
		observability.SyncFullDownloadSeconds.Observe(time.Since(start).Seconds())
	}

	sess.mu.Lock()
	sess.lastSync = time.Now()
	sess.mu.Unlock()
	return sess, nil
}

// TriggerSync queues changed local files for push to the remote worker and
// returns the queued count. The path is validated before any side effect;
// a session is started lazily when remoteID is supplied.
func (c *Coordinator) TriggerSync(ctx context.Context, localPath, remoteID string) (int, error) {
	if err := ValidateLocalPath(localPath); err != nil {
		return 0, err
	}

	c.mu.Lock()
	sess, ok := c.sessions[localPath]
	c.mu.Unlock()
	if !ok {
		if remoteID == "" {
			return 0, core.NewAppError(core.ErrNotFound,
				fmt.Sprintf("no sync session registered for %s", localPath))
		}
		var err error
		sess, err = c.StartSync(ctx, localPath, remoteID)
		if err != nil {
			return 0, err
		}
	}

	conn, err := c.ensureConn(ctx, sess.RemoteID)
	if err != nil {
		return 0, err
	}

	sess.mu.Lock()
	since := sess.lastSync
	sess.mu.Unlock()

	// The watermark moves to the walk start only once the walk succeeds;
	// a failed push rolls it back so the file is retried next trigger.
	walkStart := time.Now()
	changed, err := changedFiles(localPath, since)
	if err != nil {
		return 0, core.AsAppError(err)
	}
	sess.mu.Lock()
	sess.lastSync = walkStart
	sess.mu.Unlock()
	if len(changed) == 0 {
		return 0, nil
	}

	sess.mu.Lock()
	sess.pending += len(changed)
	sess.mu.Unlock()
	observability.SyncFilesQueuedTotal.Add(float64(len(changed)))

	go c.pushFiles(conn, sess, since, changed)
	return len(changed), nil
}

// Drop removes the session for localPath, if any.
func (c *Coordinator) Drop(localPath string) {
	c.mu.Lock()
	_, ok := c.sessions[localPath]
	delete(c.sessions, localPath)
	c.mu.Unlock()
	if ok {
		observability.SyncSessions.Dec()
	}
}

// ensureConn returns a live connection to the worker for remoteID,
// reconnecting through the resolver when the cached handle is gone or dead.
// Safe to call redundantly.
func (c *Coordinator) ensureConn(ctx context.Context, remoteID string) (*WorkerConn, error) {
	c.mu.Lock()
	if conn, ok := c.conns[remoteID]; ok && conn.Alive() {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	url, err := c.resolver.WorkerURL(ctx, remoteID)
	if err != nil {
		return nil, core.NewAppError(core.ErrSyncUnreachable,
			fmt.Sprintf("no connection info for sandbox %s: %v", remoteID, err))
	}
	conn, err := dialWorker(ctx, remoteID, url, c.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conns[remoteID] = conn
	c.mu.Unlock()
	return conn, nil
}

// fullDownload pulls every remote file into localPath. Bounded by the
// caller's context.
func (c *Coordinator) fullDownload(ctx context.Context, conn *WorkerConn, localPath string) error {
	files, err := conn.Manifest()
	if err != nil {
		return err
	}
	for _, f := range files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		dst, err := resolveLocal(localPath, f.Path)
		if err != nil {
			return fmt.Errorf("remote manifest path %q: %w", f.Path, err)
		}
		data, err := conn.PullFile(f.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		mode := fs.FileMode(f.Mode)
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(dst, data, mode); err != nil {
			return err
		}
	}
	c.log.Info("full cloud-to-local download complete",
		zap.String("local_path", localPath), zap.Int("files", len(files)))
	return nil
}

// resolveLocal maps a worker-supplied relative path under root, rejecting
// anything that would land outside it. The worker is not trusted here.
func resolveLocal(root, rel string) (string, error) {
	if rel == "" || strings.HasPrefix(rel, "/") {
		return "", os.ErrInvalid
	}
	path := filepath.Join(root, filepath.FromSlash(rel))
	if !strings.HasPrefix(path, filepath.Clean(root)+string(os.PathSeparator)) {
		return "", os.ErrInvalid
	}
	return path, nil
}

func (c *Coordinator) pushFiles(conn *WorkerConn, sess *Session, since time.Time, files []changedFile) {
	failed := false
	for _, f := range files {
		data, err := os.ReadFile(f.abs)
		if err == nil {
			err = conn.PushFile(f.rel, f.mode, data)
		}
		if err != nil {
			failed = true
			c.log.Warn("file push failed", zap.String("path", f.rel), zap.Error(err))
		}
		sess.mu.Lock()
		sess.pending--
		sess.mu.Unlock()
	}
	if failed {
		sess.mu.Lock()
		if sess.lastSync.After(since) {
			sess.lastSync = since
		}
		sess.mu.Unlock()
	}
}

type changedFile struct {
	abs  string
	rel  string
	mode uint32
}

// changedFiles lists regular files under root modified after since. Git
// internals and the secrets env file never leave the local machine.
func changedFiles(root string, since time.Time) ([]changedFile, error) {
	var out []changedFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == ".env" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !since.IsZero() && !info.ModTime().After(since) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, changedFile{
			abs:  path,
			rel:  filepath.ToSlash(rel),
			mode: uint32(info.Mode().Perm()),
		})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NewAppError(core.ErrNotFound, fmt.Sprintf("local path %s not found", root))
		}
		return nil, err
	}
	return out, nil
}

// ValidateLocalPath rejects relative paths and any path carrying traversal
// sequences before anything touches the filesystem.
func ValidateLocalPath(path string) error {
	if path == "" || !filepath.IsAbs(path) {
		return core.NewAppError(core.ErrBadRequest, "local path must be absolute")
	}
	if strings.Contains(path, "/../") || strings.HasSuffix(path, "/..") {
		return core.NewAppError(core.ErrBadRequest, "local path must not contain traversal sequences")
	}
	return nil
}
