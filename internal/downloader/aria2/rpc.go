package aria2dl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tinoosan/podfetch/internal/metrics"
	"github.com/tinoosan/podfetch/internal/reqid"
)

// --- JSON-RPC wire types ---

type rpcReq struct {
	Jsonrpc string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	ID      string        `json:"id"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResp struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ungated methods may be called before the engine is marked ready.
var ungated = map[string]bool{
	"aria2.getVersion": true,
	"aria2.shutdown":   true,
}

// call performs one JSON-RPC round trip and decodes the result into out
// (which may be nil). The secret token is prepended to params.
func (a *Adapter) call(ctx context.Context, method string, params []interface{}, out any) error {
	if !a.ready.Load() && !ungated[method] {
		metrics.Aria2RPCErrors.WithLabelValues(method).Inc()
		return &RPCProtocolError{Method: method, Err: ErrNotReady}
	}
	timer := prometheus.NewTimer(metrics.Aria2RPCLatency.WithLabelValues(method))
	defer timer.ObserveDuration()

	err := a.roundTrip(ctx, method, params, out)
	if err != nil {
		metrics.Aria2RPCErrors.WithLabelValues(method).Inc()
		reqid.Logger(ctx, a.log).Debug("aria2 rpc failed", "method", method, "err", err)
	}
	return err
}

func (a *Adapter) roundTrip(ctx context.Context, method string, params []interface{}, out any) error {
	id := "podfetch-" + strconv.FormatUint(a.seq.Add(1), 10)
	body, err := json.Marshal(rpcReq{Jsonrpc: "2.0", Method: method, ID: id, Params: append(a.tokenParam(), params...)})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.cl.Timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, a.cl.BaseURL().String(), bytes.NewReader(body))
	if err != nil {
		return &RPCProtocolError{Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.cl.HTTP().Do(req)
	if err != nil {
		// Caller cancellation and the caller's own deadline are not engine failures.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &RPCTimeoutError{Method: method, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &RPCTimeoutError{Method: method, Err: err}
	}

	var rr rpcResp
	if err := json.Unmarshal(b, &rr); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &RPCProtocolError{Method: method, Err: fmt.Errorf("http %d: %s", resp.StatusCode, truncate(b))}
		}
		return &RPCProtocolError{Method: method, Err: fmt.Errorf("decode: %w (%s)", err, truncate(b))}
	}
	if rr.ID != id {
		return &RPCProtocolError{Method: method, Err: fmt.Errorf("response id %q does not match request id %q", rr.ID, id)}
	}
	if rr.Error != nil {
		if strings.EqualFold(rr.Error.Message, "unauthorized") {
			return &RPCProtocolError{Method: method, Err: errors.New("unauthorized: secret token rejected")}
		}
		return &RemoteError{Method: method, Code: rr.Error.Code, Message: rr.Error.Message}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RPCProtocolError{Method: method, Err: fmt.Errorf("http %d without error object", resp.StatusCode)}
	}
	if out == nil {
		return nil
	}
	if len(rr.Result) == 0 {
		return &RPCProtocolError{Method: method, Err: errors.New("missing result")}
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return &RPCProtocolError{Method: method, Err: fmt.Errorf("parse result: %w", err)}
	}
	return nil
}

// aria2 expects "token:<secret>" as the first param when a secret is set.
func (a *Adapter) tokenParam() []interface{} {
	if s := a.cl.Secret(); s != "" {
		return []interface{}{"token:" + s}
	}
	return nil
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// isGIDNotFound detects when aria2 reports a missing GID.
func isGIDNotFound(err error) bool {
	var re *RemoteError
	if !errors.As(err, &re) {
		return false
	}
	msg := strings.ToLower(re.Message)
	return strings.Contains(msg, "not found")
}
