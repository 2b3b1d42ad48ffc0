package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-wos/internal/core"
	"github.com/lzjever/mbos-wos/internal/image"
	"github.com/lzjever/mbos-wos/internal/provision"
	"github.com/lzjever/mbos-wos/internal/sandbox"
	"github.com/lzjever/mbos-wos/internal/syncer"
)

type fakeStore struct {
	mu         sync.Mutex
	workspaces map[string]core.Workspace
	taskRuns   map[string]core.TaskRunStatus
	audits     []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workspaces: make(map[string]core.Workspace),
		taskRuns:   make(map[string]core.TaskRunStatus),
	}
}

func (f *fakeStore) GetWorkspace(_ context.Context, id string) (core.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.workspaces[id]
	if !ok {
		return core.Workspace{}, core.NewAppError(core.ErrNotFound, "no rows")
	}
	return ws, nil
}

func (f *fakeStore) UpdateWorkspaceStatus(_ context.Context, id string, next core.WorkspaceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.workspaces[id]
	if !ok {
		return core.NewAppError(core.ErrNotFound, "no rows")
	}
	if !ws.Status.CanTransition(next) {
		return core.NewAppError(core.ErrConflictExists, "transition rejected")
	}
	ws.Status = next
	f.workspaces[id] = ws
	return nil
}

func (f *fakeStore) UpdateTaskRunStatus(_ context.Context, id string, status core.TaskRunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskRuns[id] = status
	return nil
}

func (f *fakeStore) UpdateVSCodeInstance(context.Context, string, core.VSCodeInstance) error {
	return nil
}

func (f *fakeStore) InsertAudit(_ context.Context, arg InsertAuditParams) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, arg.Action)
	return int64(len(f.audits)), nil
}

func (f *fakeStore) taskRunStatus(id string) core.TaskRunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.taskRuns[id]
}

func (f *fakeStore) auditActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.audits...)
}

type fakeImages struct {
	lastRef string
}

func (f *fakeImages) EnsureImage(_ context.Context, ref string) (image.Result, error) {
	f.lastRef = ref
	return image.Result{Status: "ready", PercentComplete: 100}, nil
}

type fakeProvisioner struct {
	runs atomic.Int32
}

func (f *fakeProvisioner) Reserve(_ context.Context, req provision.Request) (*provision.Reservation, error) {
	if req.TaskID == "" {
		return nil, core.NewAppError(core.ErrBadRequest, "task id required")
	}
	return &provision.Reservation{
		Workspace:    core.Workspace{WorkspaceID: "ws-1", TaskID: req.TaskID},
		TaskRunID:    "run-1",
		Path:         "/ws/demo-ab12cd34",
		WorkspaceURL: "vscode://file/ws/demo-ab12cd34",
	}, nil
}

func (f *fakeProvisioner) Run(context.Context, *provision.Reservation) error {
	f.runs.Add(1)
	return nil
}

type fakeLauncher struct{}

func (fakeLauncher) Launch(_ context.Context, req sandbox.Request) (*sandbox.Ack, error) {
	return &sandbox.Ack{TaskID: req.TaskID, TaskRunID: "run-2", WorkspaceID: "ws-2", Pending: true}, nil
}

type fakeSandboxes struct {
	deleted []string
	mu      sync.Mutex
}

func (f *fakeSandboxes) DeleteSandbox(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeSyncs struct {
	dropped []string
	mu      sync.Mutex
}

func (f *fakeSyncs) StartSync(_ context.Context, localPath, remoteID string) (*syncer.Session, error) {
	return &syncer.Session{LocalPath: localPath, RemoteID: remoteID}, nil
}

func (f *fakeSyncs) TriggerSync(_ context.Context, localPath, _ string) (int, error) {
	if !strings.HasPrefix(localPath, "/") {
		return 0, core.NewAppError(core.ErrBadRequest, "local path must be absolute")
	}
	return 3, nil
}

func (f *fakeSyncs) Drop(localPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, localPath)
}

type testEnv struct {
	gw        *Gateway
	store     *fakeStore
	prov      *fakeProvisioner
	sandboxes *fakeSandboxes
	syncs     *fakeSyncs
	srv       *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := newFakeStore()
	gw := New(Config{AuthTimeout: time.Second}, st, zap.NewNop())
	prov := &fakeProvisioner{}
	sandboxes := &fakeSandboxes{}
	syncs := &fakeSyncs{}
	gw.Attach(&fakeImages{}, prov, fakeLauncher{}, sandboxes, syncs)

	srv := httptest.NewServer(gw.Router())
	t.Cleanup(srv.Close)
	return &testEnv{gw: gw, store: st, prov: prov, sandboxes: sandboxes, syncs: syncs, srv: srv}
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/channel"
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func call(t *testing.T, conn *websocket.Conn, id, cmd string, payload interface{}) Reply {
	t.Helper()
	req := map[string]interface{}{"id": id, "cmd": cmd, "payload": payload}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write %s: %s", cmd, err)
	}
	for {
		var reply Reply
		if err := conn.ReadJSON(&reply); err != nil {
			t.Fatalf("read reply for %s: %s", cmd, err)
		}
		// Skip broadcast events while waiting for the reply.
		if reply.ID == id {
			return reply
		}
	}
}

func decodeResult(t *testing.T, reply Reply, out interface{}) {
	t.Helper()
	b, err := json.Marshal(reply.Result)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		t.Fatal(err)
	}
}

func TestChannel_NoTokenDisconnected(t *testing.T) {
	e := newTestEnv(t)
	conn := e.dial(t, "")

	// First frame is not an authenticate command.
	if err := conn.WriteJSON(map[string]string{"id": "1", "cmd": "get-workspace"}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ce, ok := err.(*websocket.CloseError); ok && ce.Code != 4401 {
				t.Errorf("close code %d, want 4401", ce.Code)
			}
			return
		}
	}
}

func TestChannel_FirstFrameAuthenticate(t *testing.T) {
	e := newTestEnv(t)
	conn := e.dial(t, "")

	reply := call(t, conn, "1", CmdAuthenticate, AuthenticatePayload{Token: "tok-1"})
	if !reply.OK {
		t.Fatalf("authenticate rejected: %+v", reply.Error)
	}

	// The connection is now usable for real commands.
	reply = call(t, conn, "2", CmdEnsureImage, EnsureImagePayload{Ref: "alpine:3.20"})
	if !reply.OK {
		t.Fatalf("ensure-image after auth failed: %+v", reply.Error)
	}
}

func TestChannel_HeaderToken(t *testing.T) {
	e := newTestEnv(t)
	conn := e.dial(t, "tok-1")

	reply := call(t, conn, "1", CmdEnsureImage, EnsureImagePayload{Ref: "alpine:3.20"})
	if !reply.OK {
		t.Fatalf("command with header token failed: %+v", reply.Error)
	}
}

func TestChannel_UnknownCommand(t *testing.T) {
	e := newTestEnv(t)
	conn := e.dial(t, "tok-1")

	reply := call(t, conn, "1", "explode", nil)
	if reply.OK {
		t.Fatal("unknown command accepted")
	}
	if reply.Error == nil || reply.Error.Code != core.ErrBadRequest {
		t.Errorf("expected WOS_BAD_REQUEST, got %+v", reply.Error)
	}
}

func TestChannel_MalformedFrameKeepsConnection(t *testing.T) {
	e := newTestEnv(t)
	conn := e.dial(t, "tok-1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	var reply Reply
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("no error reply for malformed frame: %s", err)
	}
	if reply.OK || reply.Error == nil || reply.Error.Code != core.ErrBadRequest {
		t.Errorf("unexpected reply: %+v", reply)
	}

	// Still alive.
	conn.SetReadDeadline(time.Time{})
	if got := call(t, conn, "2", CmdEnsureImage, EnsureImagePayload{Ref: "alpine:3.20"}); !got.OK {
		t.Errorf("connection dead after malformed frame: %+v", got.Error)
	}
}

func TestCreateLocalWorkspace_PendingAck(t *testing.T) {
	e := newTestEnv(t)
	conn := e.dial(t, "tok-1")

	reply := call(t, conn, "1", CmdCreateLocalWorkspace, CreateLocalWorkspacePayload{
		Project: "demo",
		TaskID:  "t1",
	})
	if !reply.OK {
		t.Fatalf("create-local-workspace failed: %+v", reply.Error)
	}

	var res CreateLocalWorkspaceResult
	decodeResult(t, reply, &res)
	if !res.Success || !res.Pending {
		t.Errorf("expected pending success, got %+v", res)
	}
	if res.WorkspacePath == "" || res.WorkspaceURL == "" {
		t.Errorf("incomplete result: %+v", res)
	}

	// Provisioning runs in the background after the ack.
	deadline := time.Now().Add(2 * time.Second)
	for e.prov.runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.prov.runs.Load() != 1 {
		t.Error("background provisioning never started")
	}

	actions := e.store.auditActions()
	if len(actions) != 1 || actions[0] != "workspace.create-local" {
		t.Errorf("unexpected audit actions %v", actions)
	}
}

func TestCreateLocalWorkspace_ValidationError(t *testing.T) {
	e := newTestEnv(t)
	conn := e.dial(t, "tok-1")

	reply := call(t, conn, "1", CmdCreateLocalWorkspace, CreateLocalWorkspacePayload{Project: "demo"})
	if reply.OK {
		t.Fatal("missing task id accepted")
	}
	if reply.Error.Code != core.ErrBadRequest {
		t.Errorf("expected WOS_BAD_REQUEST, got %s", reply.Error.Code)
	}
	if e.prov.runs.Load() != 0 {
		t.Error("provisioning started despite validation failure")
	}
}

func TestCreateCloudWorkspace(t *testing.T) {
	e := newTestEnv(t)
	conn := e.dial(t, "tok-1")

	reply := call(t, conn, "1", CmdCreateCloudWorkspace, CreateCloudWorkspacePayload{
		Environment: "default",
		TaskID:      "t1",
	})
	if !reply.OK {
		t.Fatalf("create-cloud-workspace failed: %+v", reply.Error)
	}
	var ack sandbox.Ack
	decodeResult(t, reply, &ack)
	if !ack.Pending || ack.WorkspaceID != "ws-2" {
		t.Errorf("unexpected ack %+v", ack)
	}
}

func TestTriggerSync(t *testing.T) {
	e := newTestEnv(t)
	conn := e.dial(t, "tok-1")

	reply := call(t, conn, "1", CmdTriggerSync, TriggerSyncPayload{LocalPath: "/ws/demo"})
	if !reply.OK {
		t.Fatalf("trigger sync failed: %+v", reply.Error)
	}
	var res TriggerSyncResult
	decodeResult(t, reply, &res)
	if !res.Success || res.FilesQueued != 3 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestStopWorkspace_CloudTeardown(t *testing.T) {
	e := newTestEnv(t)
	e.store.workspaces["ws-9"] = core.Workspace{
		WorkspaceID: "ws-9",
		Kind:        core.WorkspaceCloud,
		Path:        "/ws/cloud-demo",
		SandboxID:   "sbx-9",
		Status:      core.WorkspaceRunning,
		TaskRunID:   "run-9",
	}
	conn := e.dial(t, "tok-1")

	reply := call(t, conn, "1", CmdStopWorkspace, WorkspaceRefPayload{WorkspaceID: "ws-9"})
	if !reply.OK {
		t.Fatalf("stop failed: %+v", reply.Error)
	}

	e.sandboxes.mu.Lock()
	deleted := append([]string(nil), e.sandboxes.deleted...)
	e.sandboxes.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != "sbx-9" {
		t.Errorf("sandbox not deleted: %v", deleted)
	}
	e.syncs.mu.Lock()
	dropped := append([]string(nil), e.syncs.dropped...)
	e.syncs.mu.Unlock()
	if len(dropped) != 1 || dropped[0] != "/ws/cloud-demo" {
		t.Errorf("sync session not dropped: %v", dropped)
	}

	ws, _ := e.store.GetWorkspace(context.Background(), "ws-9")
	if ws.Status != core.WorkspaceStopped {
		t.Errorf("workspace status %s, want stopped", ws.Status)
	}
	if got := e.store.taskRunStatus("run-9"); got != core.TaskRunStopped {
		t.Errorf("task run status %s, want stopped", got)
	}
}

func TestStopWorkspace_TerminalIdempotent(t *testing.T) {
	e := newTestEnv(t)
	e.store.workspaces["ws-9"] = core.Workspace{
		WorkspaceID: "ws-9",
		Kind:        core.WorkspaceCloud,
		SandboxID:   "sbx-9",
		Status:      core.WorkspaceStopped,
	}
	conn := e.dial(t, "tok-1")

	reply := call(t, conn, "1", CmdStopWorkspace, WorkspaceRefPayload{WorkspaceID: "ws-9"})
	if !reply.OK {
		t.Fatalf("stop of stopped workspace errored: %+v", reply.Error)
	}
	if len(e.sandboxes.deleted) != 0 {
		t.Error("terminal workspace triggered a sandbox delete")
	}
}

func TestRefreshProviderCache_Once(t *testing.T) {
	e := newTestEnv(t)
	var calls atomic.Int32
	e.gw.RefreshProviderCache = func(ctx context.Context) error {
		if core.AuthToken(ctx) == "" {
			t.Error("refresh missing auth token")
		}
		calls.Add(1)
		return nil
	}

	c1 := e.dial(t, "tok-1")
	c2 := e.dial(t, "tok-2")
	_ = call(t, c1, "1", CmdEnsureImage, EnsureImagePayload{Ref: "alpine:3.20"})
	_ = call(t, c2, "1", CmdEnsureImage, EnsureImagePayload{Ref: "alpine:3.20"})

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("refresh ran %d times, want 1", calls.Load())
	}
}

func TestBroadcast(t *testing.T) {
	e := newTestEnv(t)
	conn := e.dial(t, "tok-1")

	// Authenticated connections register on the first read loop entry, so
	// exercise one command before broadcasting.
	_ = call(t, conn, "1", CmdEnsureImage, EnsureImagePayload{Ref: "alpine:3.20"})

	e.gw.EmitWorkspaceStatus("ws-1", core.WorkspaceRunning)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("broadcast never arrived: %s", err)
	}
	if ev.Event != "workspace-status" {
		t.Errorf("unexpected event %q", ev.Event)
	}
}
