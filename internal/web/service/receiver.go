package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"nuha.dev/fleettrack/internal/gps/manager"
	"nuha.dev/fleettrack/internal/gps/receiver"
	"nuha.dev/fleettrack/internal/rlog"
)

type Receiver struct {
	mgr     *manager.Manager
	host    string
	logRoot string
}

type PortRequest struct {
	Port int `json:"port" validate:"required"`
}

type ReceiverResponse struct {
	Status   int                `json:"status"`
	Error    string             `json:"error,omitempty"`
	Receiver *receiver.Snapshot `json:"receiver,omitempty"`
}

func (rc *Receiver) ReceiverStats(ctx context.Context, res *[]receiver.Snapshot) {
	*res = rc.mgr.GetAll()
}

func (rc *Receiver) ReceiverStatsDetail(ctx context.Context, req *PortRequest, res *ReceiverResponse) {
	if !validPort(req.Port) {
		res.fail("invalid_port")
		return
	}
	snap, err := rc.mgr.GetStats(req.Port)
	if err != nil {
		res.fail("not_running")
		return
	}
	res.Receiver = snap
}

func (rc *Receiver) StartReceiver(ctx context.Context, req *PortRequest, res *ReceiverResponse) {
	if !validPort(req.Port) {
		res.fail("invalid_port")
		return
	}
	snap, err := rc.mgr.StartReceiver(ctx, rc.host, req.Port)
	if err != nil {
		var be *receiver.BindError
		switch {
		case errors.Is(err, manager.ErrAlreadyRunning):
			res.fail("already_running")
		case errors.As(err, &be):
			res.fail(be.Error())
		default:
			res.fail("start_failed:" + err.Error())
		}
		return
	}
	res.Receiver = snap
}

func (rc *Receiver) StopReceiver(ctx context.Context, req *PortRequest, res *ReceiverResponse) {
	if !validPort(req.Port) {
		res.fail("invalid_port")
		return
	}
	snap, err := rc.mgr.StopReceiver(req.Port)
	if err != nil {
		res.fail("not_running")
		return
	}
	res.Receiver = snap
}

type ListLogsRequest struct {
	Port int `json:"port"`
}

type ListLogsResponse struct {
	Status int             `json:"status"`
	Error  string          `json:"error,omitempty"`
	Files  []rlog.FileInfo `json:"files"`
}

func (rc *Receiver) ListReceiverLogs(ctx context.Context, req *ListLogsRequest, res *ListLogsResponse) {
	if req.Port != 0 && !validPort(req.Port) {
		res.Status = -1
		res.Error = "invalid_port"
		return
	}
	files, err := rlog.List(rc.logRoot, req.Port)
	if err != nil {
		res.Status = -1
		res.Error = "io_error"
		return
	}
	res.Files = files
}

type TailLogRequest struct {
	Path  string `json:"path" validate:"required"`
	Lines int    `json:"lines"`
}

type TailLogResponse struct {
	Status int      `json:"status"`
	Error  string   `json:"error,omitempty"`
	Lines  []string `json:"lines,omitempty"`
}

func (rc *Receiver) TailReceiverLog(ctx context.Context, req *TailLogRequest, res *TailLogResponse) {
	// Only files under the log root may be read.
	root, err := filepath.Abs(rc.logRoot)
	if err != nil {
		res.Status = -1
		res.Error = "io_error"
		return
	}
	p, err := filepath.Abs(filepath.Clean(req.Path))
	if err != nil || !strings.HasPrefix(p, root+string(filepath.Separator)) {
		res.Status = -1
		res.Error = "not_found"
		return
	}
	lines, err := rlog.Tail(p, req.Lines)
	if err != nil {
		res.Status = -1
		if os.IsNotExist(err) {
			res.Error = "not_found"
		} else {
			res.Error = "io_error"
		}
		return
	}
	res.Lines = lines
}

func (r *ReceiverResponse) fail(code string) {
	r.Status = -1
	r.Error = code
}

func validPort(p int) bool { return p > 0 && p < 65536 }
