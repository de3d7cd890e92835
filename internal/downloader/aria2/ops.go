package aria2dl

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/tinoosan/podfetch/internal/downloader"
)

// GetVersion performs a lightweight RPC used as the engine health check.
func (a *Adapter) GetVersion(ctx context.Context) (string, error) {
	var res struct {
		Version string `json:"version"`
	}
	if err := a.call(ctx, "aria2.getVersion", nil, &res); err != nil {
		return "", err
	}
	if res.Version == "" {
		return "", &RPCProtocolError{Method: "aria2.getVersion", Err: errors.New("empty version")}
	}
	return res.Version, nil
}

// AddURI: aria2.addUri([token?, [uris], options])
func (a *Adapter) AddURI(ctx context.Context, uri string, o downloader.AddOptions) (string, error) {
	opts := map[string]string{}
	for k, v := range o.Extra {
		opts[k] = v
	}
	if o.Dir != "" {
		opts["dir"] = o.Dir
	}
	if o.Out != "" {
		opts["out"] = o.Out
	}
	var gid string
	if err := a.call(ctx, "aria2.addUri", []interface{}{[]string{uri}, opts}, &gid); err != nil {
		return "", err
	}
	if gid == "" {
		return "", &RPCProtocolError{Method: "aria2.addUri", Err: errors.New("empty gid")}
	}
	return gid, nil
}

// Pause: aria2.pause([token?, gid])
func (a *Adapter) Pause(ctx context.Context, gid string) error {
	return a.gidCall(ctx, "aria2.pause", gid)
}

// Unpause: aria2.unpause([token?, gid])
func (a *Adapter) Unpause(ctx context.Context, gid string) error {
	return a.gidCall(ctx, "aria2.unpause", gid)
}

// Remove: aria2.remove([token?, gid])
func (a *Adapter) Remove(ctx context.Context, gid string) error {
	return a.gidCall(ctx, "aria2.remove", gid)
}

// RemoveDownloadResult clears a stopped transfer from the engine's memory.
func (a *Adapter) RemoveDownloadResult(ctx context.Context, gid string) error {
	return a.gidCall(ctx, "aria2.removeDownloadResult", gid)
}

func (a *Adapter) gidCall(ctx context.Context, method, gid string) error {
	if gid == "" {
		return downloader.ErrNotFound
	}
	var res string
	err := a.call(ctx, method, []interface{}{gid}, &res)
	if isGIDNotFound(err) {
		return fmt.Errorf("%s %s: %w", method, gid, downloader.ErrNotFound)
	}
	return err
}

// globalStatResp mirrors aria2.getGlobalStat. Numeric values are decimal strings.
type globalStatResp struct {
	NumActive     string `json:"numActive"`
	NumWaiting    string `json:"numWaiting"`
	NumStopped    string `json:"numStopped"`
	DownloadSpeed string `json:"downloadSpeed"`
}

// GetGlobalStat: aria2.getGlobalStat([token?])
func (a *Adapter) GetGlobalStat(ctx context.Context) (*downloader.GlobalStat, error) {
	var gs globalStatResp
	if err := a.call(ctx, "aria2.getGlobalStat", nil, &gs); err != nil {
		return nil, err
	}
	return &downloader.GlobalStat{
		NumActive:  int(parseInt(gs.NumActive)),
		NumWaiting: int(parseInt(gs.NumWaiting)),
		NumStopped: int(parseInt(gs.NumStopped)),
		Speed:      parseInt(gs.DownloadSpeed),
	}, nil
}

// Shutdown asks aria2 to exit after finishing pending session writes.
func (a *Adapter) Shutdown(ctx context.Context) error {
	var res string
	return a.call(ctx, "aria2.shutdown", nil, &res)
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
