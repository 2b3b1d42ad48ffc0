package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-wos/internal/core"
	"github.com/lzjever/mbos-wos/internal/store"
)

type fakeStore struct {
	mu         sync.Mutex
	workspaces map[string]core.Workspace
	taskRuns   map[string]core.TaskRun
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workspaces: make(map[string]core.Workspace),
		taskRuns:   make(map[string]core.TaskRun),
	}
}

func (f *fakeStore) CreateWorkspace(_ context.Context, arg store.CreateWorkspaceParams) (core.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws := core.Workspace{
		WorkspaceID: arg.WorkspaceID,
		Name:        arg.Name,
		Kind:        core.WorkspaceKind(arg.Kind),
		Status:      core.WorkspacePending,
		TaskID:      arg.TaskID,
		TaskRunID:   arg.TaskRunID,
	}
	f.workspaces[arg.WorkspaceID] = ws
	return ws, nil
}

func (f *fakeStore) UpdateWorkspaceStatus(_ context.Context, id string, next core.WorkspaceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws := f.workspaces[id]
	if !ws.Status.CanTransition(next) {
		return core.NewAppError(core.ErrConflictExists, "transition rejected")
	}
	ws.Status = next
	f.workspaces[id] = ws
	return nil
}

func (f *fakeStore) SetWorkspaceSandboxID(_ context.Context, id, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws := f.workspaces[id]
	ws.SandboxID = sandboxID
	f.workspaces[id] = ws
	return nil
}

func (f *fakeStore) CreateTaskRun(_ context.Context, arg store.CreateTaskRunParams) (core.TaskRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := core.TaskRun{TaskRunID: arg.TaskRunID, TaskID: arg.TaskID, Status: core.TaskRunPending}
	f.taskRuns[arg.TaskRunID] = tr
	return tr, nil
}

func (f *fakeStore) UpdateTaskRunStatus(_ context.Context, id string, status core.TaskRunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := f.taskRuns[id]
	tr.Status = status
	f.taskRuns[id] = tr
	return nil
}

func (f *fakeStore) UpdateVSCodeInstance(_ context.Context, id string, inst core.VSCodeInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := f.taskRuns[id]
	tr.VSCode = &inst
	f.taskRuns[id] = tr
	return nil
}

func (f *fakeStore) workspace(id string) core.Workspace {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workspaces[id]
}

func (f *fakeStore) taskRun(id string) core.TaskRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.taskRuns[id]
}

// waitForStatus polls until the workspace reaches a terminal or expected
// status, since the launch itself is asynchronous.
func waitForStatus(t *testing.T, st *fakeStore, id string, want core.WorkspaceStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st.workspace(id).Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workspace %s stuck at %s, want %s", id, st.workspace(id).Status, want)
}

func TestLaunch_Validation(t *testing.T) {
	l := NewLauncher(nil, newFakeStore(), nil, zap.NewNop())

	if _, err := l.Launch(context.Background(), Request{Environment: "default"}); err == nil {
		t.Error("launch without task id accepted")
	}
	if _, err := l.Launch(context.Background(), Request{TaskID: "t1"}); err == nil {
		t.Error("launch without environment or repo accepted")
	}
}

func TestLaunch_PendingAckThenRunning(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sandboxes" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(Sandbox{
			ID:           "sbx-1",
			Status:       "running",
			URL:          "https://sbx-1.example.com",
			WorkspaceURL: "https://sbx-1.example.com/workspace",
			WorkerURL:    "ws://sbx-1.example.com/sync",
		})
	}))
	defer srv.Close()

	st := newFakeStore()
	l := NewLauncher(NewClient(srv.URL, 5*time.Second), st, nil, zap.NewNop())

	ctx := core.WithAuthToken(context.Background(), "tok-123")
	ack, err := l.Launch(ctx, Request{Environment: "default", TaskID: "t1"})
	if err != nil {
		t.Fatalf("launch: %s", err)
	}
	if !ack.Pending {
		t.Error("acknowledgment not pending")
	}
	if ack.WorkspaceID == "" || ack.TaskRunID == "" {
		t.Errorf("incomplete ack: %+v", ack)
	}

	waitForStatus(t, st, ack.WorkspaceID, core.WorkspaceRunning)

	ws := st.workspace(ack.WorkspaceID)
	if ws.Kind != core.WorkspaceCloud {
		t.Errorf("workspace kind %s, want cloud", ws.Kind)
	}
	if ws.SandboxID != "sbx-1" {
		t.Errorf("sandbox id %q, want sbx-1", ws.SandboxID)
	}
	tr := st.taskRun(ack.TaskRunID)
	if tr.Status != core.TaskRunRunning {
		t.Errorf("task run status %s, want running", tr.Status)
	}
	if tr.VSCode == nil || tr.VSCode.URL != "https://sbx-1.example.com" {
		t.Errorf("vscode instance not recorded: %+v", tr.VSCode)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("auth token not forwarded: %q", gotAuth)
	}
}

func TestLaunch_ProviderFailureLandsOnRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusBadGateway)
	}))
	defer srv.Close()

	st := newFakeStore()
	l := NewLauncher(NewClient(srv.URL, 5*time.Second), st, nil, zap.NewNop())

	ack, err := l.Launch(context.Background(), Request{Environment: "default", TaskID: "t1"})
	if err != nil {
		t.Fatalf("launch should ack before the provider call: %s", err)
	}

	waitForStatus(t, st, ack.WorkspaceID, core.WorkspaceFailed)

	tr := st.taskRun(ack.TaskRunID)
	if tr.Status != core.TaskRunFailed {
		t.Errorf("task run status %s, want failed", tr.Status)
	}
	if tr.VSCode == nil || tr.VSCode.Status != core.VSCodeStatusStopped {
		t.Error("vscode instance not marked stopped on failure")
	}
}

func TestClient_UnauthorizedMapsToAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.GetSandbox(context.Background(), "sbx-1")
	ae := core.AsAppError(err)
	if ae == nil || ae.Code != core.ErrUnauthorized {
		t.Errorf("expected WOS_UNAUTHORIZED, got %v", err)
	}
}
