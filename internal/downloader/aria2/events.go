package aria2dl

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/tinoosan/podfetch/internal/downloader"
)

// statusKeys restricts tellStatus to the fields the scheduler consumes.
var statusKeys = []string{"gid", "status", "totalLength", "completedLength", "downloadSpeed", "errorCode", "errorMessage", "files"}

// statusResp is a partial view of aria2.tellStatus. Numeric values are decimal strings.
type statusResp struct {
	GID             string       `json:"gid"`
	Status          string       `json:"status"`
	TotalLength     string       `json:"totalLength"`
	CompletedLength string       `json:"completedLength"`
	DownloadSpeed   string       `json:"downloadSpeed"`
	ErrorCode       string       `json:"errorCode"`
	ErrorMessage    string       `json:"errorMessage"`
	Files           []fileStatus `json:"files"`
}

// TellStatus queries aria2 for the current status of the given GID.
func (a *Adapter) TellStatus(ctx context.Context, gid string) (*downloader.Status, error) {
	if gid == "" {
		return nil, downloader.ErrNotFound
	}
	var raw json.RawMessage
	err := a.call(ctx, "aria2.tellStatus", []interface{}{gid, statusKeys}, &raw)
	if isGIDNotFound(err) {
		return nil, downloader.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sr statusResp
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, &RPCProtocolError{Method: "aria2.tellStatus", Err: err}
	}
	if sr.Status == "" {
		return nil, &RPCProtocolError{Method: "aria2.tellStatus", Err: errMissingStatus}
	}
	st := &downloader.Status{
		GID:          sr.GID,
		State:        downloader.State(sr.Status),
		Total:        parseInt(sr.TotalLength),
		Completed:    parseInt(sr.CompletedLength),
		Speed:        parseInt(sr.DownloadSpeed),
		ErrorCode:    sr.ErrorCode,
		ErrorMessage: sr.ErrorMessage,
	}
	if st.GID == "" {
		st.GID = gid
	}
	for _, f := range sr.Files {
		if f.Path != "" {
			st.Files = append(st.Files, f.Path)
		}
	}
	return st, nil
}

// Notifications subscribes to aria2 websocket notifications and forwards
// the GID of every event. The channel closes when the connection drops.
func (a *Adapter) Notifications(ctx context.Context) (<-chan string, error) {
	ch, err := a.cl.Notifications(ctx)
	if err != nil {
		return nil, err
	}
	// Tag this subscription with a stable operation_id for correlation.
	lg := a.log.With("operation_id", uuid.NewString())
	out := make(chan string, 8)
	go func() {
		defer close(out)
		for n := range ch {
			lg.Debug("aria2 notification", "method", n.Method, "events", len(n.Params))
			for _, p := range n.Params {
				select {
				case out <- p.GID:
				default:
					// a pending wake-up is as good as another one
				}
			}
		}
	}()
	return out, nil
}
