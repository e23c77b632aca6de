package jobs

import (
	"time"

	"github.com/edvin/pipejobs/internal/daemon"
)

// Request and response bodies of the peer API, shared by the server and the
// remote executor.

type CreateRequest struct {
	SysArgs               []string          `json:"sysargs" validate:"required,min=1,dive,required"`
	Kw                    map[string]string `json:"kw,omitempty"`
	Restart               bool              `json:"restart"`
	Env                   map[string]string `json:"env,omitempty" validate:"max=64,dive,keys,envkey,endkeys"`
	Label                 string            `json:"label,omitempty" validate:"max=256"`
	DeleteAfterCompletion bool              `json:"delete_after_completion,omitempty"`
}

// Patch converts the request's optional settings into a properties patch.
func (r CreateRequest) Patch() daemon.Patch {
	patch := daemon.Patch{
		Restart: &r.Restart,
		Env:     r.Env,
	}
	if r.Label != "" {
		patch.Label = &r.Label
	}
	if r.DeleteAfterCompletion {
		patch.DeleteAfterCompletion = &r.DeleteAfterCompletion
	}
	return patch
}

func createRequestFromSpec(spec Spec) CreateRequest {
	req := CreateRequest{SysArgs: spec.SysArgs, Kw: spec.Kw, Env: spec.Patch.Env}
	if spec.Patch.Restart != nil {
		req.Restart = *spec.Patch.Restart
	}
	if spec.Patch.Label != nil {
		req.Label = *spec.Patch.Label
	}
	if spec.Patch.DeleteAfterCompletion != nil {
		req.DeleteAfterCompletion = *spec.Patch.DeleteAfterCompletion
	}
	return req
}

type ActionRequest struct {
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty" validate:"gte=0,lte=3600"`
}

// Timeout returns the requested timeout, or fallback when none was given.
func (r ActionRequest) Timeout(fallback time.Duration) time.Duration {
	if r.TimeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(r.TimeoutSeconds * float64(time.Second))
}

type StdinRequest struct {
	Data string `json:"data" validate:"required"`
}

type ListResponse struct {
	Items []Info `json:"items"`
}

// Monitor stream frame types.
const (
	FrameLog          = "log"
	FrameStdinBlocked = "stdin_blocked"
	FrameStopped      = "stopped"
	FrameError        = "error"
	FrameStdin        = "stdin"
)

// MonitorFrame is one message on the monitor WebSocket. The server sends
// log, stdin_blocked, stopped and error frames; the client sends stdin frames.
type MonitorFrame struct {
	Type   string  `json:"type"`
	Data   string  `json:"data,omitempty"`
	Result *Result `json:"result,omitempty"`
}
