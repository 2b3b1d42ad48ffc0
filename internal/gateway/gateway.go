package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-wos/internal/core"
	"github.com/lzjever/mbos-wos/internal/gateway/middleware"
	"github.com/lzjever/mbos-wos/internal/image"
	"github.com/lzjever/mbos-wos/internal/observability"
	"github.com/lzjever/mbos-wos/internal/provision"
	"github.com/lzjever/mbos-wos/internal/sandbox"
	"github.com/lzjever/mbos-wos/internal/store"
	"github.com/lzjever/mbos-wos/internal/syncer"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
}

// ImageEnsurer is satisfied by *image.Admission.
type ImageEnsurer interface {
	EnsureImage(ctx context.Context, ref string) (image.Result, error)
}

// WorkspaceProvisioner is satisfied by *provision.Provisioner.
type WorkspaceProvisioner interface {
	Reserve(ctx context.Context, req provision.Request) (*provision.Reservation, error)
	Run(ctx context.Context, res *provision.Reservation) error
}

// SandboxLauncher is satisfied by *sandbox.Launcher.
type SandboxLauncher interface {
	Launch(ctx context.Context, req sandbox.Request) (*sandbox.Ack, error)
}

// SandboxController is the teardown slice of the provider API.
type SandboxController interface {
	DeleteSandbox(ctx context.Context, id string) error
}

// SyncCoordinator is satisfied by *syncer.Coordinator.
type SyncCoordinator interface {
	StartSync(ctx context.Context, localPath, remoteID string) (*syncer.Session, error)
	TriggerSync(ctx context.Context, localPath, remoteID string) (int, error)
	Drop(localPath string)
}

// Store is the slice of the metadata store the gateway touches directly.
type Store interface {
	GetWorkspace(ctx context.Context, workspaceID string) (core.Workspace, error)
	UpdateWorkspaceStatus(ctx context.Context, workspaceID string, next core.WorkspaceStatus) error
	UpdateTaskRunStatus(ctx context.Context, taskRunID string, status core.TaskRunStatus) error
	UpdateVSCodeInstance(ctx context.Context, taskRunID string, inst core.VSCodeInstance) error
	InsertAudit(ctx context.Context, arg InsertAuditParams) (int64, error)
}

// InsertAuditParams aliases the store type so *store.Queries satisfies
// Store directly.
type InsertAuditParams = store.InsertAuditParams

// Gateway authenticates command-channel connections and dispatches typed
// commands to the components behind it. Each connection's commands run one
// at a time; events fan out to every connection.
type Gateway struct {
	cfg         Config
	log         *zap.Logger
	store       Store
	images      ImageEnsurer
	provisioner WorkspaceProvisioner
	launcher    SandboxLauncher
	sandboxes   SandboxController
	syncs       SyncCoordinator

	// Authenticate reports whether a token is acceptable. Token issuance
	// and verification live outside this process; the default accepts any
	// non-empty token and the gateway only propagates it.
	Authenticate func(token string) bool
	// RefreshProviderCache is invoked once per process, in the background,
	// after the first successful authentication. Must be idempotent.
	RefreshProviderCache func(ctx context.Context) error
	refreshOnce          sync.Once

	connsMu sync.Mutex
	conns   map[*session]struct{}
}

func New(cfg Config, st Store, log *zap.Logger) *Gateway {
	return &Gateway{
		cfg:          cfg,
		log:          log,
		store:        st,
		Authenticate: func(token string) bool { return token != "" },
		conns:        make(map[*session]struct{}),
	}
}

// Attach wires the components behind the gateway. Separate from New so the
// components can be built against the gateway's event emitters first.
func (g *Gateway) Attach(images ImageEnsurer, prov WorkspaceProvisioner,
	launcher SandboxLauncher, sandboxes SandboxController, syncs SyncCoordinator) {
	g.images = images
	g.provisioner = prov
	g.launcher = launcher
	g.sandboxes = sandboxes
	g.syncs = syncs
}

func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer(g.log))
	r.Use(middleware.Logger)
	r.Use(chiMiddleware.NoCache)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Get("/v1/channel", g.handleChannel)

	return r
}

// session is one authenticated command-channel connection.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	token   string
}

func (s *session) write(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (g *Gateway) handleChannel(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("channel upgrade failed", zap.Error(err))
		return
	}
	sess := &session{conn: conn, token: token}
	defer conn.Close()

	// Connections without a token get one shot: the first frame must be a
	// valid authenticate command within the auth window.
	if sess.token == "" {
		if !g.awaitFirstAuth(sess) {
			msg := websocket.FormatCloseMessage(4401, "authentication required")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	} else if !g.Authenticate(sess.token) {
		msg := websocket.FormatCloseMessage(4401, "invalid token")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	g.onAuthenticated(sess.token)
	g.addConn(sess)
	defer g.removeConn(sess)
	g.log.Info("channel connected", zap.String("remote", r.RemoteAddr))

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			// Malformed JSON gets an error reply and the connection stays
			// up; anything else ends the loop.
			switch err.(type) {
			case *json.SyntaxError, *json.UnmarshalTypeError:
				_ = sess.write(Reply{OK: false, Error: core.NewAppError(core.ErrBadRequest, "malformed command frame")})
				continue
			}
			return
		}
		g.dispatch(r.Context(), sess, env)
	}
}

// awaitFirstAuth reads the first frame of a token-less connection. Only a
// valid authenticate command keeps the connection alive.
func (g *Gateway) awaitFirstAuth(sess *session) bool {
	_ = sess.conn.SetReadDeadline(time.Now().Add(g.cfg.AuthTimeout))
	defer sess.conn.SetReadDeadline(time.Time{})

	var env Envelope
	if err := sess.conn.ReadJSON(&env); err != nil {
		return false
	}
	if env.Cmd != CmdAuthenticate {
		return false
	}
	var p AuthenticatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || !g.Authenticate(p.Token) {
		_ = sess.write(Reply{ID: env.ID, OK: false, Error: core.NewAppError(core.ErrUnauthorized, "invalid token")})
		return false
	}
	sess.token = p.Token
	_ = sess.write(Reply{ID: env.ID, OK: true, Result: map[string]bool{"ok": true}})
	return true
}

// onAuthenticated triggers the one-time background refresh of cached
// provider data after the first successful authentication per process.
func (g *Gateway) onAuthenticated(token string) {
	g.refreshOnce.Do(func() {
		if g.RefreshProviderCache == nil {
			return
		}
		go func() {
			ctx := core.WithAuthToken(context.Background(), token)
			if err := g.RefreshProviderCache(ctx); err != nil {
				g.log.Warn("provider cache refresh failed", zap.Error(err))
			}
		}()
	})
}

func (g *Gateway) addConn(s *session) {
	g.connsMu.Lock()
	g.conns[s] = struct{}{}
	g.connsMu.Unlock()
	observability.ActiveConnections.Inc()
}

func (g *Gateway) removeConn(s *session) {
	g.connsMu.Lock()
	delete(g.conns, s)
	g.connsMu.Unlock()
	observability.ActiveConnections.Dec()
}

// Broadcast sends an unsolicited event to every connected session.
func (g *Gateway) Broadcast(event string, payload interface{}) {
	g.connsMu.Lock()
	conns := make([]*session, 0, len(g.conns))
	for s := range g.conns {
		conns = append(conns, s)
	}
	g.connsMu.Unlock()

	for _, s := range conns {
		if err := s.write(Event{Event: event, Payload: payload}); err != nil {
			g.log.Debug("event write failed", zap.String("event", event), zap.Error(err))
		}
	}
}

// EmitPullProgress adapts Broadcast to the image controller's emitter.
func (g *Gateway) EmitPullProgress(ev image.ProgressEvent) {
	g.Broadcast("image-pull-progress", ev)
}

// EmitWorkspaceStatus adapts Broadcast to provisioner/launcher emitters.
func (g *Gateway) EmitWorkspaceStatus(workspaceID string, status core.WorkspaceStatus) {
	g.Broadcast("workspace-status", map[string]string{
		"workspace_id": workspaceID,
		"status":       string(status),
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return r.URL.Query().Get("token")
}

// writeAudit records a state-changing command.
func (g *Gateway) writeAudit(ctx context.Context, workspaceID, action string, taskRunID string, payload interface{}) {
	var wsID, trID pgtype.Text
	if workspaceID != "" {
		wsID = pgtype.Text{String: workspaceID, Valid: true}
	}
	if taskRunID != "" {
		trID = pgtype.Text{String: taskRunID, Valid: true}
	}
	payloadBytes, _ := json.Marshal(payload)
	actor, _ := json.Marshal(map[string]string{"source": "channel"})

	if _, err := g.store.InsertAudit(ctx, InsertAuditParams{
		WorkspaceID: wsID,
		Actor:       actor,
		Action:      action,
		TaskRunID:   trID,
		Payload:     payloadBytes,
	}); err != nil {
		g.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}
