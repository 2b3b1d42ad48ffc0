// Package syncproto defines the JSON frames exchanged between the sync
// coordinator and a remote sandbox's sync worker over a websocket.
package syncproto

type Op string

const (
	OpManifest Op = "manifest"
	OpPullFile Op = "pull-file"
	OpPushFile Op = "push-file"
)

// Request is one coordinator-to-worker frame. Exactly one Response with the
// same ID follows.
type Request struct {
	ID   string `json:"id"`
	Op   Op     `json:"op"`
	Path string `json:"path,omitempty"`
	Mode uint32 `json:"mode,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// FileInfo describes one file in the remote manifest.
type FileInfo struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time"`
	Mode    uint32 `json:"mode"`
}

type Response struct {
	ID    string     `json:"id"`
	OK    bool       `json:"ok"`
	Error string     `json:"error,omitempty"`
	Files []FileInfo `json:"files,omitempty"`
	Data  []byte     `json:"data,omitempty"`
}
