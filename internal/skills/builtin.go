package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/nexus3/internal/net/ssrf"
	"github.com/haasonsaas/nexus3/internal/safefile"
	"github.com/haasonsaas/nexus3/pkg/models"
)

const (
	// maxFetchBytes bounds web_fetch response bodies.
	maxFetchBytes = 1 << 20

	// maxReadBytes bounds read_file output.
	maxReadBytes = 1 << 20

	defaultExecTimeout = 60 * time.Second
)

// RegisterBuiltins installs the built-in skill set into a registry.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]Factory{
		"echo":          func(svc *Services) Skill { return &echoSkill{} },
		"read_file":     func(svc *Services) Skill { return &readFileSkill{svc: svc} },
		"write_file":    func(svc *Services) Skill { return &writeFileSkill{svc: svc} },
		"list_dir":      func(svc *Services) Skill { return &listDirSkill{svc: svc} },
		"execute_bash":  func(svc *Services) Skill { return &execBashSkill{svc: svc} },
		"web_fetch":     func(svc *Services) Skill { return &webFetchSkill{svc: svc} },
		"nexus_agents":  func(svc *Services) Skill { return &nexusAgentsSkill{svc: svc} },
		"nexus_create":  func(svc *Services) Skill { return &nexusCreateSkill{svc: svc} },
		"nexus_destroy": func(svc *Services) Skill { return &nexusDestroySkill{svc: svc} },
		"nexus_send":    func(svc *Services) Skill { return &nexusSendSkill{svc: svc} },
	}
	for name, f := range builtins {
		if err := r.Register(name, f); err != nil {
			return err
		}
	}
	return nil
}

// schemaFor reflects an argument struct into an inline JSON schema.
func schemaFor(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	b, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return b
}

// decodeArgs maps validated arguments onto a typed struct.
func decodeArgs(args map[string]any, out any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// resolvePath anchors relative paths in the services working directory.
func (s *Services) resolvePath(path string) string {
	if filepath.IsAbs(path) || s == nil || s.WorkingDir == "" {
		return path
	}
	return filepath.Join(s.WorkingDir, path)
}

// echo

type echoArgs struct {
	Message string `json:"message" jsonschema:"description=Text to echo back"`
}

type echoSkill struct{}

func (s *echoSkill) Name() string        { return "echo" }
func (s *echoSkill) Description() string { return "Echoes the given message back." }
func (s *echoSkill) Parameters() json.RawMessage {
	return schemaFor(&echoArgs{})
}

func (s *echoSkill) Execute(ctx context.Context, args map[string]any) models.ToolResult {
	var a echoArgs
	if err := decodeArgs(args, &a); err != nil {
		return models.ErrorResult("bad arguments: %v", err)
	}
	return models.ToolResult{Output: "Echo: " + a.Message}
}

// read_file

type readFileArgs struct {
	Path string `json:"path" jsonschema:"description=Path of the file to read"`
}

type readFileSkill struct{ svc *Services }

func (s *readFileSkill) Name() string        { return "read_file" }
func (s *readFileSkill) Description() string { return "Reads a text file and returns its contents." }
func (s *readFileSkill) Parameters() json.RawMessage {
	return schemaFor(&readFileArgs{})
}

func (s *readFileSkill) Execute(ctx context.Context, args map[string]any) models.ToolResult {
	var a readFileArgs
	if err := decodeArgs(args, &a); err != nil {
		return models.ErrorResult("bad arguments: %v", err)
	}
	path := s.svc.resolvePath(a.Path)
	if p := s.svc.Permissions; p != nil && !p.CanReadPath(path) {
		return models.ErrorResult("permission denied reading %s", path)
	}
	data, err := safefile.ReadFile(path)
	if err != nil {
		return models.ErrorResult("read %s: %v", path, err)
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
	}
	return models.ToolResult{Output: string(data)}
}

// write_file

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"description=Path of the file to write"`
	Content string `json:"content" jsonschema:"description=Content to write"`
}

type writeFileSkill struct{ svc *Services }

func (s *writeFileSkill) Name() string { return "write_file" }
func (s *writeFileSkill) Description() string {
	return "Writes content to a file, replacing it atomically."
}
func (s *writeFileSkill) Parameters() json.RawMessage {
	return schemaFor(&writeFileArgs{})
}

func (s *writeFileSkill) Execute(ctx context.Context, args map[string]any) models.ToolResult {
	var a writeFileArgs
	if err := decodeArgs(args, &a); err != nil {
		return models.ErrorResult("bad arguments: %v", err)
	}
	path := s.svc.resolvePath(a.Path)
	if p := s.svc.Permissions; p != nil && !p.CanWritePath(path) {
		return models.ErrorResult("permission denied writing %s", path)
	}
	if err := safefile.WriteFile(path, []byte(a.Content)); err != nil {
		return models.ErrorResult("write %s: %v", path, err)
	}
	return models.ToolResult{Output: fmt.Sprintf("Wrote %d bytes to %s", len(a.Content), path)}
}

// list_dir

type listDirArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory to list; defaults to the working directory"`
}

type listDirSkill struct{ svc *Services }

func (s *listDirSkill) Name() string        { return "list_dir" }
func (s *listDirSkill) Description() string { return "Lists the entries of a directory." }
func (s *listDirSkill) Parameters() json.RawMessage {
	return schemaFor(&listDirArgs{})
}

func (s *listDirSkill) Execute(ctx context.Context, args map[string]any) models.ToolResult {
	var a listDirArgs
	if err := decodeArgs(args, &a); err != nil {
		return models.ErrorResult("bad arguments: %v", err)
	}
	path := a.Path
	if path == "" {
		path = "."
	}
	path = s.svc.resolvePath(path)
	if p := s.svc.Permissions; p != nil && !p.CanReadPath(path) {
		return models.ErrorResult("permission denied listing %s", path)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return models.ErrorResult("list %s: %v", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return models.ToolResult{Output: strings.Join(names, "\n")}
}

// execute_bash

type execBashArgs struct {
	Command string `json:"command" jsonschema:"description=Shell command to run"`
	Timeout int    `json:"timeout,omitempty" jsonschema:"description=Timeout in seconds"`
}

type execBashSkill struct{ svc *Services }

func (s *execBashSkill) Name() string { return "execute_bash" }
func (s *execBashSkill) Description() string {
	return "Runs a shell command in the working directory and returns combined output."
}
func (s *execBashSkill) Parameters() json.RawMessage {
	return schemaFor(&execBashArgs{})
}

func (s *execBashSkill) Execute(ctx context.Context, args map[string]any) models.ToolResult {
	var a execBashArgs
	if err := decodeArgs(args, &a); err != nil {
		return models.ErrorResult("bad arguments: %v", err)
	}
	if strings.TrimSpace(a.Command) == "" {
		return models.ErrorResult("command is empty")
	}

	timeout := defaultExecTimeout
	if a.Timeout > 0 {
		timeout = time.Duration(a.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", a.Command)
	if s.svc != nil && s.svc.WorkingDir != "" {
		cmd.Dir = s.svc.WorkingDir
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	out := buf.String()
	if ctx.Err() == context.DeadlineExceeded {
		return models.ErrorResult("command timed out after %s:\n%s", timeout, out)
	}
	if err != nil {
		return models.ErrorResult("command failed: %v\n%s", err, out)
	}
	return models.ToolResult{Output: out}
}

// web_fetch

type webFetchArgs struct {
	URL string `json:"url" jsonschema:"description=HTTP or HTTPS URL to fetch"`
}

type webFetchSkill struct{ svc *Services }

func (s *webFetchSkill) Name() string        { return "web_fetch" }
func (s *webFetchSkill) Description() string { return "Fetches a URL and returns the response body." }
func (s *webFetchSkill) Parameters() json.RawMessage {
	return schemaFor(&webFetchArgs{})
}

func (s *webFetchSkill) Execute(ctx context.Context, args map[string]any) models.ToolResult {
	var a webFetchArgs
	if err := decodeArgs(args, &a); err != nil {
		return models.ErrorResult("bad arguments: %v", err)
	}
	opts := ssrf.Options{}
	if s.svc != nil {
		opts.AllowPrivate = s.svc.AllowPrivateHosts
		opts.AllowLocalhost = s.svc.AllowLocalhost
	}
	if err := ssrf.ValidateURL(a.URL, opts); err != nil {
		return models.ErrorResult("fetch blocked: %v", err)
	}

	client := http.DefaultClient
	if s.svc != nil && s.svc.HTTPClient != nil {
		client = s.svc.HTTPClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return models.ErrorResult("bad request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return models.ErrorResult("fetch %s: %v", a.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return models.ErrorResult("read response: %v", err)
	}
	if resp.StatusCode >= 400 {
		return models.ErrorResult("fetch %s: HTTP %d\n%s", a.URL, resp.StatusCode, body)
	}
	return models.ToolResult{Output: string(body)}
}
