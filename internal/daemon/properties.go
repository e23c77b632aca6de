package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"time"
)

// MaxExtraKeys bounds the backend-specific metadata carried in Properties.Extra.
const MaxExtraKeys = 32

// Result is the outcome of an action or lifecycle operation.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func Success(format string, args ...any) Result {
	return Result{Success: true, Message: fmt.Sprintf(format, args...)}
}

func Failure(format string, args ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

func (r Result) String() string {
	if r.Success {
		return "success: " + r.Message
	}
	return "failure: " + r.Message
}

// Target names the action a daemon runs and its arguments.
type Target struct {
	Name string            `json:"name"`
	Args []string          `json:"args,omitempty"`
	Kw   map[string]string `json:"kw,omitempty"`
}

// TargetFromSysArgs builds a target from a command line: the first element
// names the action, the rest are its positional arguments.
func TargetFromSysArgs(sysargs []string) (Target, error) {
	if len(sysargs) == 0 || sysargs[0] == "" {
		return Target{}, fmt.Errorf("empty sysargs")
	}
	return Target{Name: sysargs[0], Args: append([]string(nil), sysargs[1:]...)}, nil
}

// SysArgs is the inverse of TargetFromSysArgs.
func (t Target) SysArgs() []string {
	if t.Name == "" {
		return nil
	}
	return append([]string{t.Name}, t.Args...)
}

type Process struct {
	Began  *time.Time `json:"began,omitempty"`
	Ended  *time.Time `json:"ended,omitempty"`
	Paused *time.Time `json:"paused,omitempty"`
}

type Properties struct {
	Target                Target            `json:"target"`
	Process               Process           `json:"process"`
	Result                *Result           `json:"result,omitempty"`
	Restart               bool              `json:"restart"`
	Env                   map[string]string `json:"env,omitempty"`
	DeleteAfterCompletion bool              `json:"delete_after_completion,omitempty"`
	Label                 string            `json:"label,omitempty"`
	Extra                 map[string]string `json:"extra,omitempty"`
}

// Patch is a partial Properties update. Nil fields are left unchanged. For
// timestamps, a non-nil zero time clears the field. Env and Extra are merged
// key by key, and an empty value deletes the key.
type Patch struct {
	Target                *Target
	Began                 *time.Time
	Ended                 *time.Time
	Paused                *time.Time
	Result                *Result
	ClearResult           bool
	Restart               *bool
	Env                   map[string]string
	DeleteAfterCompletion *bool
	Label                 *string
	Extra                 map[string]string
}

// Clear is the timestamp value that removes a field when used in a Patch.
func Clear() *time.Time {
	return &time.Time{}
}

// Now returns a pointer to the current time, truncated for stable JSON.
func Now() *time.Time {
	t := time.Now().UTC().Truncate(time.Millisecond)
	return &t
}

// Merge returns a copy of p with patch applied.
func (p Properties) Merge(patch Patch) (Properties, error) {
	out := p
	out.Env = maps.Clone(p.Env)
	out.Extra = maps.Clone(p.Extra)
	out.Target.Args = append([]string(nil), p.Target.Args...)
	out.Target.Kw = maps.Clone(p.Target.Kw)

	if patch.Target != nil {
		out.Target = Target{
			Name: patch.Target.Name,
			Args: append([]string(nil), patch.Target.Args...),
			Kw:   maps.Clone(patch.Target.Kw),
		}
	}
	out.Process.Began = mergeTime(out.Process.Began, patch.Began)
	out.Process.Ended = mergeTime(out.Process.Ended, patch.Ended)
	out.Process.Paused = mergeTime(out.Process.Paused, patch.Paused)

	if patch.ClearResult {
		out.Result = nil
	}
	if patch.Result != nil {
		r := *patch.Result
		out.Result = &r
	}
	if patch.Restart != nil {
		out.Restart = *patch.Restart
	}
	if patch.DeleteAfterCompletion != nil {
		out.DeleteAfterCompletion = *patch.DeleteAfterCompletion
	}
	if patch.Label != nil {
		out.Label = *patch.Label
	}
	out.Env = mergeMap(out.Env, patch.Env)
	out.Extra = mergeMap(out.Extra, patch.Extra)

	if len(out.Extra) > MaxExtraKeys {
		return p, fmt.Errorf("extra properties exceed %d keys", MaxExtraKeys)
	}
	return out, nil
}

// Overlay combines two patches; fields set in next win.
func (patch Patch) Overlay(next Patch) Patch {
	out := patch
	if next.Target != nil {
		out.Target = next.Target
	}
	if next.Began != nil {
		out.Began = next.Began
	}
	if next.Ended != nil {
		out.Ended = next.Ended
	}
	if next.Paused != nil {
		out.Paused = next.Paused
	}
	if next.Result != nil || next.ClearResult {
		out.Result, out.ClearResult = next.Result, next.ClearResult
	}
	if next.Restart != nil {
		out.Restart = next.Restart
	}
	if next.DeleteAfterCompletion != nil {
		out.DeleteAfterCompletion = next.DeleteAfterCompletion
	}
	if next.Label != nil {
		out.Label = next.Label
	}
	out.Env = mergeMap(maps.Clone(out.Env), next.Env)
	out.Extra = mergeMap(maps.Clone(out.Extra), next.Extra)
	return out
}

func mergeTime(current, patch *time.Time) *time.Time {
	if patch == nil {
		return current
	}
	if patch.IsZero() {
		return nil
	}
	t := *patch
	return &t
}

func mergeMap(current, patch map[string]string) map[string]string {
	if patch == nil {
		return current
	}
	if current == nil {
		current = make(map[string]string, len(patch))
	}
	for k, v := range patch {
		if v == "" {
			delete(current, k)
			continue
		}
		current[k] = v
	}
	if len(current) == 0 {
		return nil
	}
	return current
}

// Properties reads the persisted properties. A missing file yields the zero
// value; a corrupted one is logged and also yields the zero value.
func (d *Daemon) Properties() Properties {
	data, err := os.ReadFile(d.PropertiesPath())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn().Err(err).Str("daemon", d.ID).Msg("could not read properties, using defaults")
		}
		return Properties{}
	}
	var p Properties
	if err := json.Unmarshal(data, &p); err != nil {
		d.logger.Warn().Err(err).Str("daemon", d.ID).Msg("corrupted properties file, using defaults")
		return Properties{}
	}
	return p
}

// WriteProperties persists p atomically.
func (d *Daemon) WriteProperties(p Properties) error {
	data, err := json.MarshalIndent(p, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}
	if err := writeFileAtomic(d.PropertiesPath(), data, 0o644); err != nil {
		return fmt.Errorf("write properties: %w", err)
	}
	return nil
}

// PatchProperties applies patch to the persisted properties. Concurrent
// writers from other processes are last-writer-wins.
func (d *Daemon) PatchProperties(patch Patch) (Properties, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	merged, err := d.Properties().Merge(patch)
	if err != nil {
		return Properties{}, err
	}
	if err := d.WriteProperties(merged); err != nil {
		return Properties{}, err
	}
	return merged, nil
}

// ReadTarget reads the re-entry record. Unlike properties, an unreadable
// target is an error: the daemon cannot be re-run without it.
func (d *Daemon) ReadTarget() (Target, error) {
	data, err := os.ReadFile(d.TargetPath())
	if err != nil {
		return Target{}, fmt.Errorf("read target: %w", err)
	}
	var t Target
	if err := json.Unmarshal(data, &t); err != nil {
		return Target{}, fmt.Errorf("corrupted target record %s: %w", d.TargetPath(), err)
	}
	if t.Name == "" {
		return Target{}, fmt.Errorf("target record %s has no action name", d.TargetPath())
	}
	return t, nil
}

func (d *Daemon) WriteTarget(t Target) error {
	data, err := json.MarshalIndent(t, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}
	if err := writeFileAtomic(d.TargetPath(), data, 0o644); err != nil {
		return fmt.Errorf("write target: %w", err)
	}
	return nil
}

// WriteResultFile stores r as a [success, message] pair.
func WriteResultFile(path string, r Result) error {
	data, err := json.Marshal([]any{r.Success, r.Message})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return writeFileAtomic(path, data, 0o644)
}

// ReadResultFile reads a [success, message] pair. A missing file returns nil.
func ReadResultFile(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read result file: %w", err)
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil || len(pair) != 2 {
		return nil, fmt.Errorf("malformed result file %s", path)
	}
	var r Result
	if err := json.Unmarshal(pair[0], &r.Success); err != nil {
		return nil, fmt.Errorf("malformed result file %s: %w", path, err)
	}
	if err := json.Unmarshal(pair[1], &r.Message); err != nil {
		return nil, fmt.Errorf("malformed result file %s: %w", path, err)
	}
	return &r, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
