package sandbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-wos/internal/core"
	"github.com/lzjever/mbos-wos/internal/observability"
	"github.com/lzjever/mbos-wos/internal/store"
)

// Store is the slice of the metadata store the launcher writes.
type Store interface {
	CreateWorkspace(ctx context.Context, arg store.CreateWorkspaceParams) (core.Workspace, error)
	UpdateWorkspaceStatus(ctx context.Context, workspaceID string, next core.WorkspaceStatus) error
	SetWorkspaceSandboxID(ctx context.Context, workspaceID, sandboxID string) error
	CreateTaskRun(ctx context.Context, arg store.CreateTaskRunParams) (core.TaskRun, error)
	UpdateTaskRunStatus(ctx context.Context, taskRunID string, status core.TaskRunStatus) error
	UpdateVSCodeInstance(ctx context.Context, taskRunID string, inst core.VSCodeInstance) error
}

// ReadyEmitter publishes sandbox readiness as workspace state.
type ReadyEmitter func(workspaceID string, status core.WorkspaceStatus)

// Launcher coordinates cloud sandbox creation: the caller gets an
// optimistic pending acknowledgment immediately, then the provider call
// runs asynchronously and its outcome lands on the persisted records only.
type Launcher struct {
	provider Provider
	store    Store
	emit     ReadyEmitter
	log      *zap.Logger
}

func NewLauncher(provider Provider, st Store, emit ReadyEmitter, log *zap.Logger) *Launcher {
	if emit == nil {
		emit = func(string, core.WorkspaceStatus) {}
	}
	return &Launcher{provider: provider, store: st, emit: emit, log: log}
}

type Request struct {
	Environment string
	RepoURL     string
	TaskID      string
}

// Ack is the immediate two-phase acknowledgment: the records exist and are
// pending; completion or failure arrives later through the store.
type Ack struct {
	TaskID      string `json:"task_id"`
	TaskRunID   string `json:"task_run_id"`
	WorkspaceID string `json:"workspace_id"`
	Pending     bool   `json:"pending"`
}

func (l *Launcher) Launch(ctx context.Context, req Request) (*Ack, error) {
	if req.TaskID == "" {
		return nil, core.NewAppError(core.ErrBadRequest, "task id required")
	}
	if req.Environment == "" && req.RepoURL == "" {
		return nil, core.NewAppError(core.ErrBadRequest, "environment or repo url required")
	}

	taskRunID := core.NewID()
	workspaceID := core.NewID()

	tr, err := l.store.CreateTaskRun(ctx, store.CreateTaskRunParams{
		TaskRunID: taskRunID,
		TaskID:    req.TaskID,
	})
	if err != nil {
		return nil, core.AsAppError(err)
	}
	if _, err := l.store.CreateWorkspace(ctx, store.CreateWorkspaceParams{
		WorkspaceID: workspaceID,
		Name:        "cloud-" + core.ShortID(),
		Kind:        string(core.WorkspaceCloud),
		TaskID:      req.TaskID,
		TaskRunID:   tr.TaskRunID,
	}); err != nil {
		return nil, core.AsAppError(err)
	}

	// The caller starts polling on this ack; everything after here reports
	// through the store, never back to the caller.
	go l.launch(context.WithoutCancel(ctx), req, workspaceID, taskRunID)

	return &Ack{
		TaskID:      req.TaskID,
		TaskRunID:   taskRunID,
		WorkspaceID: workspaceID,
		Pending:     true,
	}, nil
}

func (l *Launcher) launch(ctx context.Context, req Request, workspaceID, taskRunID string) {
	log := observability.WorkspaceLogger(l.log, workspaceID, taskRunID)
	l.setStatus(ctx, workspaceID, core.WorkspacePending, core.WorkspaceProvisioning, log)

	sb, err := l.provider.CreateSandbox(ctx, CreateSandboxRequest{
		Environment: req.Environment,
		RepoURL:     req.RepoURL,
		TaskID:      req.TaskID,
	})
	if err != nil {
		log.Error("sandbox creation failed", zap.Error(err))
		observability.SandboxLaunchTotal.WithLabelValues("failed").Inc()
		l.setStatus(ctx, workspaceID, core.WorkspaceProvisioning, core.WorkspaceFailed, log)
		if dbErr := l.store.UpdateTaskRunStatus(ctx, taskRunID, core.TaskRunFailed); dbErr != nil {
			log.Warn("task run status update failed", zap.Error(dbErr))
		}
		now := time.Now().UTC()
		if dbErr := l.store.UpdateVSCodeInstance(ctx, taskRunID, core.VSCodeInstance{
			Provider:  "cloud",
			Status:    core.VSCodeStatusStopped,
			StoppedAt: &now,
		}); dbErr != nil {
			log.Warn("vscode instance update failed", zap.Error(dbErr))
		}
		return
	}

	// The provider's synchronous creation response is treated as ready;
	// "truly ready" detection belongs to the client rendering the session.
	if err := l.store.SetWorkspaceSandboxID(ctx, workspaceID, sb.ID); err != nil {
		log.Warn("sandbox id update failed", zap.Error(err))
	}
	now := time.Now().UTC()
	if err := l.store.UpdateVSCodeInstance(ctx, taskRunID, core.VSCodeInstance{
		Provider:     "cloud",
		Status:       core.VSCodeStatusRunning,
		URL:          sb.URL,
		WorkspaceURL: sb.WorkspaceURL,
		StartedAt:    &now,
	}); err != nil {
		log.Warn("vscode instance update failed", zap.Error(err))
	}
	if err := l.store.UpdateTaskRunStatus(ctx, taskRunID, core.TaskRunRunning); err != nil {
		log.Warn("task run status update failed", zap.Error(err))
	}
	l.setStatus(ctx, workspaceID, core.WorkspaceProvisioning, core.WorkspaceRunning, log)
	observability.SandboxLaunchTotal.WithLabelValues("success").Inc()
	log.Info("sandbox running", zap.String("sandbox_id", sb.ID))
}

func (l *Launcher) setStatus(ctx context.Context, workspaceID string, from, to core.WorkspaceStatus, log *zap.Logger) {
	if err := l.store.UpdateWorkspaceStatus(ctx, workspaceID, to); err != nil {
		log.Warn("workspace status update failed", zap.String("to", string(to)), zap.Error(err))
		return
	}
	observability.WorkspaceStateTransitions.WithLabelValues(string(from), string(to)).Inc()
	l.emit(workspaceID, to)
}
