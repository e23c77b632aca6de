package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/edvin/pipejobs/internal/daemon"
)

// RemoteExecutor hosts jobs on a peer through its HTTP API. Keys have the
// form "api:<peer>", where peer names a base URL in the configured remotes.
type RemoteExecutor struct {
	keys       string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

func newRemoteExecutor(r *Registry, keys string) (Executor, error) {
	_, peer, _ := strings.Cut(keys, ":")
	if peer == "" {
		return nil, fmt.Errorf("%w: %q names no peer", ErrUnknownExecutor, keys)
	}
	baseURL, ok := r.cfg.Remotes[peer]
	if !ok {
		return nil, fmt.Errorf("%w: no remote configured for peer %q", ErrUnknownExecutor, peer)
	}
	return NewRemoteExecutor(keys, baseURL, r.httpClient, r.logger), nil
}

func NewRemoteExecutor(keys, baseURL string, client *http.Client, logger zerolog.Logger) *RemoteExecutor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RemoteExecutor{
		keys:       keys,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
		logger:     logger.With().Str("executor", keys).Logger(),
	}
}

func (e *RemoteExecutor) Keys() string { return e.keys }

func (e *RemoteExecutor) jobPath(name string, parts ...string) string {
	p := "/api/v1/jobs/" + url.PathEscape(name)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// apiError is a non-2xx response from the peer.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.status, e.body)
}

func (e *RemoteExecutor) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		// Validation errors carry "error"; failed lifecycle results carry "message".
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &apiErr) == nil {
			if apiErr.Error != "" {
				msg = apiErr.Error
			} else if apiErr.Message != "" {
				msg = apiErr.Message
			}
		}
		return &apiError{status: resp.StatusCode, body: msg}
	}
	if out == nil {
		return nil
	}
	if s, ok := out.(*string); ok {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		*s = string(data)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// action posts a lifecycle request. Transport and API errors become failed
// results.
func (e *RemoteExecutor) action(ctx context.Context, method, path string, payload any) Result {
	var res Result
	if err := e.do(ctx, method, path, payload, &res); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return daemon.Failure("%s", apiErr.body)
		}
		return daemon.Failure("Peer %s is unreachable: %v", e.keys, err)
	}
	return res
}

func (e *RemoteExecutor) info(ctx context.Context, name string) (Info, error) {
	var info Info
	err := e.do(ctx, http.MethodGet, e.jobPath(name), nil, &info)
	return info, err
}

func (e *RemoteExecutor) JobExists(ctx context.Context, name string) (bool, error) {
	info, err := e.info(ctx, name)
	if err != nil {
		return false, err
	}
	return info.Exists, nil
}

func (e *RemoteExecutor) Jobs(ctx context.Context) ([]*Job, error) {
	var list ListResponse
	if err := e.do(ctx, http.MethodGet, "/api/v1/jobs", nil, &list); err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(list.Items))
	for _, info := range list.Items {
		jobs = append(jobs, newJob(e, info.Name, info.SysArgs, e.logger))
	}
	return jobs, nil
}

func (e *RemoteExecutor) CreateJob(ctx context.Context, spec Spec) Result {
	return e.action(ctx, http.MethodPost, e.jobPath(spec.Name), createRequestFromSpec(spec))
}

func (e *RemoteExecutor) StartJob(ctx context.Context, name string) Result {
	return e.action(ctx, http.MethodPost, e.jobPath(name, "start"), ActionRequest{})
}

func (e *RemoteExecutor) StopJob(ctx context.Context, name string, timeout time.Duration) Result {
	return e.action(ctx, http.MethodPost, e.jobPath(name, "stop"), ActionRequest{TimeoutSeconds: timeout.Seconds()})
}

func (e *RemoteExecutor) PauseJob(ctx context.Context, name string, timeout time.Duration) Result {
	return e.action(ctx, http.MethodPost, e.jobPath(name, "pause"), ActionRequest{TimeoutSeconds: timeout.Seconds()})
}

func (e *RemoteExecutor) DeleteJob(ctx context.Context, name string) Result {
	return e.action(ctx, http.MethodDelete, e.jobPath(name), nil)
}

func (e *RemoteExecutor) JobStatus(ctx context.Context, name string) (Status, error) {
	info, err := e.info(ctx, name)
	if err != nil {
		return StatusStopped, err
	}
	if info.Status == "" {
		return StatusStopped, nil
	}
	return info.Status, nil
}

func (e *RemoteExecutor) JobPID(ctx context.Context, name string) (int, error) {
	info, err := e.info(ctx, name)
	return info.PID, err
}

func (e *RemoteExecutor) JobProperties(ctx context.Context, name string) (daemon.Properties, error) {
	info, err := e.info(ctx, name)
	return info.Properties, err
}

func (e *RemoteExecutor) JobStopTime(ctx context.Context, name string) (*time.Time, error) {
	info, err := e.info(ctx, name)
	return info.StopTime, err
}

func (e *RemoteExecutor) Logs(ctx context.Context, name string) (string, error) {
	var logs string
	err := e.do(ctx, http.MethodGet, e.jobPath(name, "logs"), nil, &logs)
	return logs, err
}

func (e *RemoteExecutor) WriteStdin(ctx context.Context, name, data string) error {
	return e.do(ctx, http.MethodPost, e.jobPath(name, "stdin"), StdinRequest{Data: data}, nil)
}

func (e *RemoteExecutor) BlockedOnStdin(ctx context.Context, name string) (bool, error) {
	info, err := e.info(ctx, name)
	return info.BlockedOnStdin, err
}

func (e *RemoteExecutor) monitorURL(name string, opts MonitorOptions) string {
	u := e.baseURL + e.jobPath(name, "monitor")
	q := url.Values{}
	q.Set("lines", strconv.Itoa(opts.Lines))
	q.Set("heartbeat", opts.Heartbeat.String())
	return u + "?" + q.Encode()
}

// MonitorLogs streams the peer's monitor WebSocket and dispatches its frames
// to the callbacks.
func (e *RemoteExecutor) MonitorLogs(ctx context.Context, name string, opts MonitorOptions) error {
	opts = opts.withDefaults()

	// The client timeout would cut the stream; the dial itself is bounded by ctx.
	hc := *e.httpClient
	hc.Timeout = 0
	conn, _, err := websocket.Dial(ctx, e.monitorURL(name, opts), &websocket.DialOptions{HTTPClient: &hc})
	if err != nil {
		return fmt.Errorf("connect monitor of job '%s': %w", name, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4 << 20)

	for {
		var frame MonitorFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("monitor of job '%s': %w", name, err)
		}

		err := e.dispatch(ctx, conn, frame, opts)
		if errors.Is(err, ErrStopMonitoring) {
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (e *RemoteExecutor) dispatch(ctx context.Context, conn *websocket.Conn, frame MonitorFrame, opts MonitorOptions) error {
	switch frame.Type {
	case FrameLog:
		if opts.Callback != nil {
			return opts.Callback(frame.Data)
		}
	case FrameStdinBlocked:
		if opts.InputCallback == nil {
			return nil
		}
		data, err := opts.InputCallback()
		if err != nil {
			if errors.Is(err, ErrStopMonitoring) {
				return err
			}
			e.logger.Warn().Err(err).Msg("input callback failed")
			return nil
		}
		if data != "" {
			if err := wsjson.Write(ctx, conn, MonitorFrame{Type: FrameStdin, Data: data}); err != nil {
				e.logger.Warn().Err(err).Msg("could not send input")
			}
		}
	case FrameStopped:
		if opts.StopCallback == nil {
			return nil
		}
		if err := opts.StopCallback(frame.Result); err != nil {
			if errors.Is(err, ErrStopMonitoring) {
				return err
			}
			e.logger.Warn().Err(err).Msg("stop callback failed")
		}
	case FrameError:
		return fmt.Errorf("remote monitor: %s", frame.Data)
	}
	return nil
}
