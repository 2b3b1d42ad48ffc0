// Package syncworker implements the sandbox-side half of file sync: a
// websocket server answering manifest, pull-file, and push-file requests
// against the sandbox's workspace directory.
package syncworker

import (
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-wos/internal/syncproto"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
}

type Server struct {
	root string
	log  *zap.Logger
}

func NewServer(root string, log *zap.Logger) *Server {
	return &Server{root: root, log: log}
}

// ServeHTTP upgrades the connection and answers sync frames until the peer
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("sync upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	s.log.Info("sync peer connected", zap.String("remote", r.RemoteAddr))

	for {
		var req syncproto.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp := s.handle(req)
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (s *Server) handle(req syncproto.Request) syncproto.Response {
	resp := syncproto.Response{ID: req.ID}

	switch req.Op {
	case syncproto.OpManifest:
		files, err := s.manifest()
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.OK = true
		resp.Files = files

	case syncproto.OpPullFile:
		path, err := s.resolve(req.Path)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		data, err := os.ReadFile(path)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.OK = true
		resp.Data = data

	case syncproto.OpPushFile:
		path, err := s.resolve(req.Path)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		mode := fs.FileMode(req.Mode)
		if mode == 0 {
			mode = 0o644
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			resp.Error = err.Error()
			return resp
		}
		if err := os.WriteFile(path, req.Data, mode); err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.OK = true

	default:
		resp.Error = "unknown op: " + string(req.Op)
	}
	return resp
}

// manifest walks the workspace root. Git internals stay remote-only; the
// coordinator owns the local clone's history.
func (s *Server) manifest() ([]syncproto.FileInfo, error) {
	var files []syncproto.FileInfo
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		files = append(files, syncproto.FileInfo{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime().Unix(),
			Mode:    uint32(info.Mode().Perm()),
		})
		return nil
	})
	return files, err
}

// resolve maps a relative frame path onto the root, rejecting escapes.
func (s *Server) resolve(rel string) (string, error) {
	if rel == "" || strings.HasPrefix(rel, "/") {
		return "", os.ErrInvalid
	}
	path := filepath.Join(s.root, filepath.FromSlash(rel))
	if !strings.HasPrefix(path, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return "", os.ErrInvalid
	}
	return path, nil
}
