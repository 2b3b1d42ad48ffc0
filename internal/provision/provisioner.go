package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-wos/internal/core"
	"github.com/lzjever/mbos-wos/internal/observability"
	"github.com/lzjever/mbos-wos/internal/store"
)

type Config struct {
	// WorkspaceRoot is the directory under which every local workspace
	// gets its own subdirectory.
	WorkspaceRoot string
	// CloneTimeout bounds the git clone subprocess.
	CloneTimeout time.Duration
	// MaintenanceScript, when set, runs in the workspace directory after
	// the workspace is already running. Failures are recorded on the task
	// run, never on the workspace.
	MaintenanceScript  string
	MaintenanceTimeout time.Duration
}

// Store is the slice of the metadata store the provisioner writes.
type Store interface {
	CreateWorkspace(ctx context.Context, arg store.CreateWorkspaceParams) (core.Workspace, error)
	GetWorkspace(ctx context.Context, workspaceID string) (core.Workspace, error)
	UpdateWorkspaceStatus(ctx context.Context, workspaceID string, next core.WorkspaceStatus) error
	CreateTaskRun(ctx context.Context, arg store.CreateTaskRunParams) (core.TaskRun, error)
	UpdateTaskRunStatus(ctx context.Context, taskRunID string, status core.TaskRunStatus) error
	UpdateVSCodeInstance(ctx context.Context, taskRunID string, inst core.VSCodeInstance) error
	SetWorktreePath(ctx context.Context, taskRunID, path string) error
	SetMaintenanceError(ctx context.Context, taskRunID string, msg pgtype.Text) error
}

// StatusEmitter publishes workspace status changes to channel listeners.
type StatusEmitter func(workspaceID string, status core.WorkspaceStatus)

type Provisioner struct {
	cfg   Config
	store Store
	emit  StatusEmitter
	log   *zap.Logger
}

func New(cfg Config, st Store, emit StatusEmitter, log *zap.Logger) *Provisioner {
	if emit == nil {
		emit = func(string, core.WorkspaceStatus) {}
	}
	return &Provisioner{cfg: cfg, store: st, emit: emit, log: log}
}

// Request describes one local workspace to provision.
type Request struct {
	RepoURL    string
	Project    string
	Branch     string
	BaseBranch string
	TaskID     string
	// Pre-reserved identifiers (resume path). When set, reservation is
	// skipped and the existing records are reused.
	WorkspaceID string
	TaskRunID   string
	// EnvJSON is the saved configuration blob materialized into the
	// workspace .env file. Malformed blobs degrade to an empty env.
	EnvJSON []byte
}

// Reservation is the synchronous half of provisioning: records exist, the
// target path is decided, and cheap validations have passed. The caller can
// acknowledge with a pending response before Run does the slow work.
type Reservation struct {
	Workspace    core.Workspace
	TaskRunID    string
	Path         string
	WorkspaceURL string
	req          Request
	createdDir   bool
}

// Reserve assigns a workspace name and creates the workspace and task-run
// records, or adopts the caller-supplied identifiers on the resume path.
// Validation failures here reach the caller directly; nothing slow happens.
func (p *Provisioner) Reserve(ctx context.Context, req Request) (*Reservation, error) {
	if req.RepoURL == "" && req.Project == "" {
		return nil, core.NewAppError(core.ErrBadRequest, "repo url or project name required")
	}
	if req.TaskID == "" {
		return nil, core.NewAppError(core.ErrBadRequest, "task id required")
	}

	name := workspaceName(req)
	path := filepath.Join(p.cfg.WorkspaceRoot, name)

	// A plain project directory is created fresh; an existing one is an
	// error the caller must see before any pending response.
	if req.RepoURL == "" {
		if _, err := os.Stat(path); err == nil {
			return nil, core.NewAppError(core.ErrConflictExists,
				fmt.Sprintf("workspace directory %s already exists", path))
		}
	}

	workspaceID := req.WorkspaceID
	taskRunID := req.TaskRunID
	var ws core.Workspace

	if workspaceID == "" {
		workspaceID = core.NewID()
		taskRunID = core.NewID()
		tr, err := p.store.CreateTaskRun(ctx, store.CreateTaskRunParams{
			TaskRunID: taskRunID,
			TaskID:    req.TaskID,
		})
		if err != nil {
			return nil, fmt.Errorf("create task run: %w", err)
		}
		ws, err = p.store.CreateWorkspace(ctx, store.CreateWorkspaceParams{
			WorkspaceID: workspaceID,
			Name:        name,
			Kind:        string(core.WorkspaceLocal),
			Path:        store.TextOrNull(path),
			TaskID:      req.TaskID,
			TaskRunID:   tr.TaskRunID,
		})
		if err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	} else {
		// Resume path: records already exist, reservation is skipped and
		// the persisted name and path win over freshly derived ones.
		existing, err := p.store.GetWorkspace(ctx, workspaceID)
		if err != nil {
			return nil, core.NewAppError(core.ErrNotFound,
				fmt.Sprintf("workspace %s not found for resume", workspaceID))
		}
		ws = existing
		if ws.Path != "" {
			path = ws.Path
		}
		if taskRunID == "" {
			taskRunID = ws.TaskRunID
		}
	}

	return &Reservation{
		Workspace:    ws,
		TaskRunID:    taskRunID,
		Path:         path,
		WorkspaceURL: "vscode://file" + path,
		req:          req,
	}, nil
}

// Run drives the reservation through the remaining phases:
// directory-prepared -> (cloned|initialized) -> env-materialized ->
// maintenance-started -> running. Any failure before running cleans up the
// directory and surfaces only through the persisted status, since the
// pending response has already been sent.
func (p *Provisioner) Run(ctx context.Context, res *Reservation) error {
	start := time.Now()
	log := observability.WorkspaceLogger(p.log, res.Workspace.WorkspaceID, res.TaskRunID)

	p.setStatus(ctx, res.Workspace.WorkspaceID, core.WorkspacePending, core.WorkspaceProvisioning, log)

	if err := p.prepareDirectory(ctx, res, log); err != nil {
		return p.failRun(ctx, res, err, log)
	}
	if err := p.materializeEnv(res, log); err != nil {
		return p.failRun(ctx, res, err, log)
	}

	if err := p.store.SetWorktreePath(ctx, res.TaskRunID, res.Path); err != nil {
		log.Warn("worktree path update failed", zap.Error(err))
	}

	p.setStatus(ctx, res.Workspace.WorkspaceID, core.WorkspaceProvisioning, core.WorkspaceRunning, log)
	if err := p.store.UpdateTaskRunStatus(ctx, res.TaskRunID, core.TaskRunRunning); err != nil {
		log.Warn("task run status update failed", zap.Error(err))
	}
	observability.ProvisionTotal.WithLabelValues("success").Inc()
	observability.ProvisionDuration.Observe(time.Since(start).Seconds())
	log.Info("workspace running", zap.String("path", res.Path))

	// Maintenance is fire-and-forget: the workspace is already running and
	// the script's outcome only touches the task run's error field.
	if p.cfg.MaintenanceScript != "" {
		go p.runMaintenance(context.WithoutCancel(ctx), res, log)
	}
	return nil
}

func (p *Provisioner) prepareDirectory(ctx context.Context, res *Reservation, log *zap.Logger) error {
	if err := os.MkdirAll(p.cfg.WorkspaceRoot, 0o755); err != nil {
		return fmt.Errorf("workspace root: %w", err)
	}

	if res.req.RepoURL != "" {
		// A stale directory from an earlier failed attempt would make the
		// clone fail; remove it first.
		if _, err := os.Stat(res.Path); err == nil {
			log.Info("removing stale workspace directory", zap.String("path", res.Path))
			if err := os.RemoveAll(res.Path); err != nil {
				return fmt.Errorf("remove stale dir: %w", err)
			}
		}
		res.createdDir = true
		if err := cloneRepo(ctx, res.req.RepoURL, res.req.Branch, res.Path, p.cfg.CloneTimeout, log); err != nil {
			return err
		}
		if err := verifyHead(ctx, res.Path); err != nil {
			return fmt.Errorf("clone produced no checkout: %w", err)
		}
		ensureBaseBranch(ctx, res.Path, res.req.BaseBranch, log)
		return nil
	}

	if err := os.Mkdir(res.Path, 0o755); err != nil {
		if os.IsExist(err) {
			return core.NewAppError(core.ErrConflictExists,
				fmt.Sprintf("workspace directory %s already exists", res.Path))
		}
		return fmt.Errorf("mkdir workspace: %w", err)
	}
	res.createdDir = true
	if err := initRepo(ctx, res.Path); err != nil {
		return err
	}
	return nil
}

func (p *Provisioner) materializeEnv(res *Reservation, log *zap.Logger) error {
	if len(res.req.EnvJSON) == 0 {
		return nil
	}
	return WriteEnvFile(filepath.Join(res.Path, ".env"), res.req.EnvJSON, log)
}

// failRun performs best-effort cleanup and records the failure on the
// persisted records. The optimistic pending response is already out, so the
// error is never re-raised to the original caller.
func (p *Provisioner) failRun(ctx context.Context, res *Reservation, cause error, log *zap.Logger) error {
	log.Error("provisioning failed", zap.Error(cause))
	observability.ProvisionTotal.WithLabelValues("failed").Inc()

	if res.createdDir {
		if err := os.RemoveAll(res.Path); err != nil {
			log.Warn("cleanup of workspace directory failed", zap.Error(err))
		}
	}

	p.setStatus(ctx, res.Workspace.WorkspaceID, core.WorkspaceProvisioning, core.WorkspaceFailed, log)
	if err := p.store.UpdateTaskRunStatus(ctx, res.TaskRunID, core.TaskRunFailed); err != nil {
		log.Warn("task run status update failed", zap.Error(err))
	}
	now := time.Now().UTC()
	if err := p.store.UpdateVSCodeInstance(ctx, res.TaskRunID, core.VSCodeInstance{
		Provider:  "local",
		Status:    core.VSCodeStatusStopped,
		StoppedAt: &now,
	}); err != nil {
		log.Warn("vscode instance update failed", zap.Error(err))
	}
	return cause
}

func (p *Provisioner) setStatus(ctx context.Context, workspaceID string, from, to core.WorkspaceStatus, log *zap.Logger) {
	if err := p.store.UpdateWorkspaceStatus(ctx, workspaceID, to); err != nil {
		log.Warn("workspace status update failed", zap.String("to", string(to)), zap.Error(err))
		return
	}
	observability.WorkspaceStateTransitions.WithLabelValues(string(from), string(to)).Inc()
	p.emit(workspaceID, to)
}

// workspaceName derives a unique name from the repo or project plus a short
// random suffix.
func workspaceName(req Request) string {
	base := req.Project
	if req.RepoURL != "" {
		base = strings.TrimSuffix(filepath.Base(req.RepoURL), ".git")
	}
	base = strings.ToLower(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, base))
	base = strings.Trim(base, "-")
	if base == "" {
		base = "workspace"
	}
	return base + "-" + core.ShortID()
}
