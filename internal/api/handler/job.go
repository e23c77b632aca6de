package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/edvin/pipejobs/internal/api/request"
	"github.com/edvin/pipejobs/internal/api/response"
	"github.com/edvin/pipejobs/internal/daemon"
	"github.com/edvin/pipejobs/internal/jobs"
	"github.com/edvin/pipejobs/internal/stdinfile"
)

type Job struct {
	registry    *jobs.Registry
	stopTimeout time.Duration
}

func NewJob(registry *jobs.Registry) *Job {
	timeout := registry.Config().StopTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Job{registry: registry, stopTimeout: timeout}
}

// executorKeys selects the backend serving the request. The query parameter
// is optional; the registry falls back to its default executor.
func executorKeys(r *http.Request) string {
	return r.URL.Query().Get("executor")
}

// job resolves the named job or writes an error response.
func (h *Job) job(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	name, err := request.RequireName(chi.URLParam(r, "name"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	j, err := h.registry.Job(r.Context(), name, executorKeys(r))
	if err != nil {
		writeRegistryError(w, err)
		return nil, false
	}
	return j, true
}

func writeRegistryError(w http.ResponseWriter, err error) {
	if errors.Is(err, jobs.ErrUnknownExecutor) {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	response.WriteError(w, http.StatusInternalServerError, err.Error())
}

func (h *Job) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.registry.Jobs(r.Context(), executorKeys(r))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	resp := jobs.ListResponse{Items: make([]jobs.Info, 0, len(list))}
	for _, j := range list {
		resp.Items = append(resp.Items, j.Info(r.Context()))
	}
	response.WriteJSON(w, http.StatusOK, resp)
}

// Get describes a job. Unknown jobs are answered with exists=false rather
// than 404 so clients can probe for existence.
func (h *Job) Get(w http.ResponseWriter, r *http.Request) {
	j, ok := h.job(w, r)
	if !ok {
		return
	}
	response.WriteJSON(w, http.StatusOK, j.Info(r.Context()))
}

// Create creates and starts a job. Posting to an existing job starts it.
func (h *Job) Create(w http.ResponseWriter, r *http.Request) {
	name, err := request.RequireName(chi.URLParam(r, "name"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req jobs.CreateRequest
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	j, err := h.registry.NewJob(name, req.SysArgs, executorKeys(r), req.Patch())
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	j.SetKw(req.Kw)
	response.WriteResult(w, j.Start(r.Context()))
}

func (h *Job) Start(w http.ResponseWriter, r *http.Request) {
	var req jobs.ActionRequest
	if err := request.DecodeOptional(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	j, ok := h.job(w, r)
	if !ok {
		return
	}
	response.WriteResult(w, j.Start(r.Context()))
}

func (h *Job) Stop(w http.ResponseWriter, r *http.Request) {
	var req jobs.ActionRequest
	if err := request.DecodeOptional(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	j, ok := h.job(w, r)
	if !ok {
		return
	}
	response.WriteResult(w, j.Stop(r.Context(), req.Timeout(h.stopTimeout)))
}

func (h *Job) Pause(w http.ResponseWriter, r *http.Request) {
	var req jobs.ActionRequest
	if err := request.DecodeOptional(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	j, ok := h.job(w, r)
	if !ok {
		return
	}
	response.WriteResult(w, j.Pause(r.Context(), req.Timeout(h.stopTimeout)))
}

func (h *Job) Delete(w http.ResponseWriter, r *http.Request) {
	j, ok := h.job(w, r)
	if !ok {
		return
	}
	response.WriteResult(w, j.Delete(r.Context()))
}

func (h *Job) Logs(w http.ResponseWriter, r *http.Request) {
	j, ok := h.job(w, r)
	if !ok {
		return
	}
	if !j.Exists(r.Context()) {
		response.WriteError(w, http.StatusNotFound, "job '"+j.Name()+"' does not exist")
		return
	}
	logs, err := j.Logs(r.Context())
	if err != nil {
		response.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	response.WriteText(w, http.StatusOK, logs)
}

func (h *Job) Stdin(w http.ResponseWriter, r *http.Request) {
	var req jobs.StdinRequest
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	j, ok := h.job(w, r)
	if !ok {
		return
	}

	err := j.WriteStdin(r.Context(), req.Data)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, daemon.ErrNotFound):
		response.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, stdinfile.ErrNoReader):
		response.WriteError(w, http.StatusConflict, err.Error())
	default:
		response.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// Monitor upgrades to a WebSocket and streams the job's log monitor as
// frames. Stdin frames from the client are written to the job.
func (h *Job) Monitor(w http.ResponseWriter, r *http.Request) {
	j, ok := h.job(w, r)
	if !ok {
		return
	}
	opts := jobs.MonitorOptions{}
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			response.WriteError(w, http.StatusBadRequest, "invalid lines: "+err.Error())
			return
		}
		opts.Lines = n
	}
	if v := r.URL.Query().Get("heartbeat"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			response.WriteError(w, http.StatusBadRequest, "invalid heartbeat: "+err.Error())
			return
		}
		opts.Heartbeat = d
	}

	logger := zerolog.Ctx(r.Context()).With().Str("job", j.Name()).Logger()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // peers are other pipejobs instances, not browsers.
	})
	if err != nil {
		logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var writeMu sync.Mutex
	send := func(frame jobs.MonitorFrame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return wsjson.Write(ctx, conn, frame)
	}

	if !j.Exists(ctx) {
		send(jobs.MonitorFrame{Type: jobs.FrameError, Data: "job '" + j.Name() + "' does not exist"})
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}

	// The reader also notices the client going away and ends the monitor.
	go func() {
		defer cancel()
		for {
			var frame jobs.MonitorFrame
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				return
			}
			if frame.Type != jobs.FrameStdin || frame.Data == "" {
				continue
			}
			if err := j.WriteStdin(ctx, frame.Data); err != nil {
				logger.Warn().Err(err).Msg("could not write monitor input to stdin")
			}
		}
	}()

	err = j.MonitorLogs(ctx, jobs.MonitorOptions{
		Lines:     opts.Lines,
		Heartbeat: opts.Heartbeat,
		Callback: func(text string) error {
			return send(jobs.MonitorFrame{Type: jobs.FrameLog, Data: text})
		},
		InputCallback: func() (string, error) {
			return "", send(jobs.MonitorFrame{Type: jobs.FrameStdinBlocked})
		},
		StopCallback: func(res *jobs.Result) error {
			return send(jobs.MonitorFrame{Type: jobs.FrameStopped, Result: res})
		},
	})
	if err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Msg("log monitor failed")
		send(jobs.MonitorFrame{Type: jobs.FrameError, Data: err.Error()})
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
