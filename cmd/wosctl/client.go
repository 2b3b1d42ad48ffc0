package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client holds one command-channel connection to the gateway.
type Client struct {
	conn *websocket.Conn
}

func Dial() (*Client, error) {
	u := strings.Replace(gatewayURL, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)

	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u+"/v1/channel", hdr)
	if err != nil {
		return nil, fmt.Errorf("connect to gateway: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() {
	c.conn.Close()
}

// frame is the union of reply and event shapes coming off the channel.
type frame struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Call sends one command and blocks until its reply arrives. Event frames
// received while waiting are handed to onEvent when set.
func (c *Client) Call(cmd string, payload interface{}, out interface{}, onEvent func(event string, payload json.RawMessage)) error {
	id := uuid.New().String()
	req := map[string]interface{}{"id": id, "cmd": cmd}
	if payload != nil {
		req["payload"] = payload
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return err
	}

	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return err
		}
		if f.Event != "" {
			if onEvent != nil {
				onEvent(f.Event, f.Payload)
			}
			continue
		}
		if f.ID != id {
			continue
		}
		if !f.OK {
			if f.Error != nil {
				return fmt.Errorf("%s: %s", f.Error.Code, f.Error.Message)
			}
			return fmt.Errorf("command %s failed", cmd)
		}
		if out != nil && len(f.Result) > 0 {
			return json.Unmarshal(f.Result, out)
		}
		return nil
	}
}
