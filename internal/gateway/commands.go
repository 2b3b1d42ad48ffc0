package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-wos/internal/core"
	"github.com/lzjever/mbos-wos/internal/observability"
	"github.com/lzjever/mbos-wos/internal/provision"
	"github.com/lzjever/mbos-wos/internal/sandbox"
)

const (
	CmdAuthenticate         = "authenticate"
	CmdEnsureImage          = "ensure-image"
	CmdCreateLocalWorkspace = "create-local-workspace"
	CmdCreateCloudWorkspace = "create-cloud-workspace"
	CmdTriggerSync          = "trigger-local-cloud-sync"
	CmdGetWorkspace         = "get-workspace"
	CmdStopWorkspace        = "stop-workspace"
)

// Envelope is one inbound command frame.
type Envelope struct {
	ID      string          `json:"id"`
	Cmd     string          `json:"cmd"`
	Payload json.RawMessage `json:"payload"`
}

// Reply is the typed callback for one command.
type Reply struct {
	ID     string         `json:"id"`
	OK     bool           `json:"ok"`
	Result interface{}    `json:"result,omitempty"`
	Error  *core.AppError `json:"error,omitempty"`
}

// Event is an unsolicited server-to-client frame.
type Event struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

type AuthenticatePayload struct {
	Token string            `json:"token"`
	Extra map[string]string `json:"extra,omitempty"`
}

type EnsureImagePayload struct {
	Ref string `json:"ref"`
}

type CreateLocalWorkspacePayload struct {
	RepoURL    string `json:"repo_url,omitempty"`
	Project    string `json:"project,omitempty"`
	Branch     string `json:"branch,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"`
	TaskID     string `json:"task_id"`
	// Pre-reserved identifiers for the resume path.
	WorkspaceID string `json:"workspace_id,omitempty"`
	TaskRunID   string `json:"task_run_id,omitempty"`
}

type CreateLocalWorkspaceResult struct {
	Success       bool   `json:"success"`
	Pending       bool   `json:"pending,omitempty"`
	TaskID        string `json:"task_id"`
	TaskRunID     string `json:"task_run_id"`
	WorkspaceID   string `json:"workspace_id"`
	WorkspacePath string `json:"workspace_path"`
	WorkspaceURL  string `json:"workspace_url"`
}

type CreateCloudWorkspacePayload struct {
	Environment string `json:"environment,omitempty"`
	RepoURL     string `json:"repo_url,omitempty"`
	TaskID      string `json:"task_id"`
}

type TriggerSyncPayload struct {
	LocalPath string `json:"local_path"`
	SandboxID string `json:"sandbox_id,omitempty"`
}

type TriggerSyncResult struct {
	Success     bool `json:"success"`
	FilesQueued int  `json:"files_queued"`
}

type WorkspaceRefPayload struct {
	WorkspaceID string `json:"workspace_id"`
}

// dispatch runs one command inside the session's auth-context scope and
// writes exactly one reply.
func (g *Gateway) dispatch(ctx context.Context, sess *session, env Envelope) {
	start := time.Now()
	ctx = core.WithAuthToken(ctx, sess.token)

	// A panicking handler must not take the connection down with it.
	defer func() {
		if rvr := recover(); rvr != nil {
			g.log.Error("command panic",
				zap.String("cmd", env.Cmd),
				zap.Any("panic", rvr),
				zap.String("stack", string(debug.Stack())))
			_ = sess.write(Reply{ID: env.ID, OK: false, Error: core.NewAppError(core.ErrInternal, "internal error")})
		}
	}()

	result, err := g.handle(ctx, sess, env)

	observability.CommandsTotal.WithLabelValues(env.Cmd, strconv.FormatBool(err == nil)).Inc()
	observability.CommandDuration.WithLabelValues(env.Cmd).Observe(time.Since(start).Seconds())

	if err != nil {
		g.log.Warn("command failed", zap.String("cmd", env.Cmd), zap.Error(err))
		_ = sess.write(Reply{ID: env.ID, OK: false, Error: core.AsAppError(err)})
		return
	}
	_ = sess.write(Reply{ID: env.ID, OK: true, Result: result})
}

func (g *Gateway) handle(ctx context.Context, sess *session, env Envelope) (interface{}, error) {
	switch env.Cmd {
	case CmdAuthenticate:
		return g.cmdAuthenticate(sess, env.Payload)
	case CmdEnsureImage:
		return g.cmdEnsureImage(ctx, env.Payload)
	case CmdCreateLocalWorkspace:
		return g.cmdCreateLocalWorkspace(ctx, env.Payload)
	case CmdCreateCloudWorkspace:
		return g.cmdCreateCloudWorkspace(ctx, env.Payload)
	case CmdTriggerSync:
		return g.cmdTriggerSync(ctx, env.Payload)
	case CmdGetWorkspace:
		return g.cmdGetWorkspace(ctx, env.Payload)
	case CmdStopWorkspace:
		return g.cmdStopWorkspace(ctx, env.Payload)
	default:
		return nil, core.NewAppError(core.ErrBadRequest, fmt.Sprintf("unknown command %q", env.Cmd))
	}
}

// cmdAuthenticate refreshes the session token without reconnecting.
func (g *Gateway) cmdAuthenticate(sess *session, payload json.RawMessage) (interface{}, error) {
	var p AuthenticatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, core.NewAppError(core.ErrBadRequest, "invalid authenticate payload")
	}
	if !g.Authenticate(p.Token) {
		return nil, core.NewAppError(core.ErrUnauthorized, "invalid token")
	}
	sess.token = p.Token
	g.onAuthenticated(p.Token)
	return map[string]bool{"ok": true}, nil
}

func (g *Gateway) cmdEnsureImage(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var p EnsureImagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, core.NewAppError(core.ErrBadRequest, "invalid ensure-image payload")
	}
	return g.images.EnsureImage(ctx, p.Ref)
}

// cmdCreateLocalWorkspace reserves synchronously, acknowledges pending, and
// provisions in the background. Errors after this reply surface only
// through the persisted workspace and task-run status.
func (g *Gateway) cmdCreateLocalWorkspace(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var p CreateLocalWorkspacePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, core.NewAppError(core.ErrBadRequest, "invalid create-local-workspace payload")
	}

	res, err := g.provisioner.Reserve(ctx, provision.Request{
		RepoURL:     p.RepoURL,
		Project:     p.Project,
		Branch:      p.Branch,
		BaseBranch:  p.BaseBranch,
		TaskID:      p.TaskID,
		WorkspaceID: p.WorkspaceID,
		TaskRunID:   p.TaskRunID,
		EnvJSON:     []byte(g.cfg.WorkspaceEnvJSON),
	})
	if err != nil {
		return nil, err
	}

	g.writeAudit(ctx, res.Workspace.WorkspaceID, "workspace.create-local", res.TaskRunID, p)

	go func(runCtx context.Context) {
		if err := g.provisioner.Run(runCtx, res); err != nil {
			g.log.Warn("background provisioning failed",
				zap.String("workspace_id", res.Workspace.WorkspaceID), zap.Error(err))
		}
	}(context.WithoutCancel(ctx))

	return CreateLocalWorkspaceResult{
		Success:       true,
		Pending:       true,
		TaskID:        p.TaskID,
		TaskRunID:     res.TaskRunID,
		WorkspaceID:   res.Workspace.WorkspaceID,
		WorkspacePath: res.Path,
		WorkspaceURL:  res.WorkspaceURL,
	}, nil
}

func (g *Gateway) cmdCreateCloudWorkspace(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var p CreateCloudWorkspacePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, core.NewAppError(core.ErrBadRequest, "invalid create-cloud-workspace payload")
	}
	ack, err := g.launcher.Launch(ctx, sandbox.Request{
		Environment: p.Environment,
		RepoURL:     p.RepoURL,
		TaskID:      p.TaskID,
	})
	if err != nil {
		return nil, err
	}
	g.writeAudit(ctx, ack.WorkspaceID, "workspace.create-cloud", ack.TaskRunID, p)
	return ack, nil
}

func (g *Gateway) cmdTriggerSync(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var p TriggerSyncPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, core.NewAppError(core.ErrBadRequest, "invalid trigger-local-cloud-sync payload")
	}
	queued, err := g.syncs.TriggerSync(ctx, p.LocalPath, p.SandboxID)
	if err != nil {
		return nil, err
	}
	return TriggerSyncResult{Success: true, FilesQueued: queued}, nil
}

func (g *Gateway) cmdGetWorkspace(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var p WorkspaceRefPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.WorkspaceID == "" {
		return nil, core.NewAppError(core.ErrBadRequest, "workspace_id required")
	}
	ws, err := g.store.GetWorkspace(ctx, p.WorkspaceID)
	if err != nil {
		return nil, core.NewAppError(core.ErrNotFound, "workspace not found")
	}
	return ws, nil
}

// cmdStopWorkspace tears a workspace down: sync session dropped, remote
// sandbox deleted best-effort, records moved to stopped.
func (g *Gateway) cmdStopWorkspace(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var p WorkspaceRefPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.WorkspaceID == "" {
		return nil, core.NewAppError(core.ErrBadRequest, "workspace_id required")
	}
	ws, err := g.store.GetWorkspace(ctx, p.WorkspaceID)
	if err != nil {
		return nil, core.NewAppError(core.ErrNotFound, "workspace not found")
	}
	if ws.Status.IsTerminal() {
		return ws, nil
	}

	if ws.Path != "" {
		g.syncs.Drop(ws.Path)
	}
	if ws.Kind == core.WorkspaceCloud && ws.SandboxID != "" {
		if err := g.sandboxes.DeleteSandbox(ctx, ws.SandboxID); err != nil {
			g.log.Warn("sandbox delete failed", zap.String("sandbox_id", ws.SandboxID), zap.Error(err))
		}
	}

	if err := g.store.UpdateWorkspaceStatus(ctx, ws.WorkspaceID, core.WorkspaceStopped); err != nil {
		return nil, core.AsAppError(err)
	}
	observability.WorkspaceStateTransitions.WithLabelValues(string(ws.Status), string(core.WorkspaceStopped)).Inc()
	if err := g.store.UpdateTaskRunStatus(ctx, ws.TaskRunID, core.TaskRunStopped); err != nil {
		g.log.Warn("task run status update failed", zap.Error(err))
	}
	now := time.Now().UTC()
	if err := g.store.UpdateVSCodeInstance(ctx, ws.TaskRunID, core.VSCodeInstance{
		Provider:  string(ws.Kind),
		Status:    core.VSCodeStatusStopped,
		StoppedAt: &now,
	}); err != nil {
		g.log.Warn("vscode instance update failed", zap.Error(err))
	}

	g.writeAudit(ctx, ws.WorkspaceID, "workspace.stop", ws.TaskRunID, p)
	g.EmitWorkspaceStatus(ws.WorkspaceID, core.WorkspaceStopped)

	ws.Status = core.WorkspaceStopped
	return ws, nil
}
