package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dreamware/shardalloc/internal/routing"
)

// NodeInfo is how a node introduces itself to the coordinator.
type NodeInfo struct {
	ID         string            `json:"id"`
	Addr       string            `json:"addr"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Node converts the wire form into the routing model.
func (n NodeInfo) Node() routing.Node {
	return routing.Node{ID: n.ID, Addr: n.Addr, Attributes: n.Attributes}
}

// NodeInfoFrom is the inverse of Node.
func NodeInfoFrom(n routing.Node) NodeInfo {
	return NodeInfo{ID: n.ID, Addr: n.Addr, Attributes: n.Attributes}
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// ShardEvent reports the end of a recovery, successful or not.
type ShardEvent struct {
	AllocationID string `json:"allocation_id"`
	Message      string `json:"message,omitempty"`
}

// SplitRequest asks for a shard to be split in place.
type SplitRequest struct {
	Children int `json:"children"`
}

// RoutingResponse is the routing table as served to nodes.
type RoutingResponse struct {
	Version int64                  `json:"version"`
	Shards  []routing.ShardRouting `json:"shards"`
}

// ErrorResponse is the body of every failed control request.
type ErrorResponse struct {
	Error string `json:"error"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON sends body as JSON and decodes the response into out, unless
// out is nil. A status of 300 or more returns a *StatusError.
//
// Example:
//
//	ev := ShardEvent{AllocationID: c.AllocationID}
//	err := PostJSON(ctx, coordinatorURL+"/shards/started", ev, nil)
//	var se *StatusError
//	if errors.As(err, &se) && se.Code == http.StatusConflict {
//	    // already reported
//	}
func PostJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, http.MethodPost, url, body, out)
}

// PutJSON is PostJSON with the PUT method.
func PutJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, http.MethodPut, url, body, out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, http.MethodGet, url, nil, out)
}

func doJSON(ctx context.Context, method, url string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(method, url, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StatusError is returned for responses with a status of 300 or more.
// Message is the ErrorResponse text, or the raw body when the server sent
// something else.
type StatusError struct {
	Method  string
	URL     string
	Code    int
	Message string
}

// Error renders "http METHOD url: code: message".
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %s %s: %d", e.Method, e.URL, e.Code)
	}
	return fmt.Sprintf("http %s %s: %d: %s", e.Method, e.URL, e.Code, e.Message)
}

func statusError(method, url string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	se := &StatusError{Method: method, URL: url, Code: resp.StatusCode}
	var e ErrorResponse
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		se.Message = e.Error
	} else {
		se.Message = strings.TrimSpace(string(data))
	}
	return se
}
