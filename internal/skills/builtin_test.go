package skills

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus3/internal/permissions"
)

func TestReadWriteListRoundTrip(t *testing.T) {
	dir := t.TempDir()
	svc := &Services{WorkingDir: dir}
	ctx := context.Background()

	w := &writeFileSkill{svc: svc}
	res := w.Execute(ctx, map[string]any{"path": "note.txt", "content": "hello"})
	if !res.Success() {
		t.Fatalf("write: %s", res.Error)
	}

	r := &readFileSkill{svc: svc}
	res = r.Execute(ctx, map[string]any{"path": "note.txt"})
	if res.Output != "hello" {
		t.Errorf("read output = %q (err %q)", res.Output, res.Error)
	}

	l := &listDirSkill{svc: svc}
	res = l.Execute(ctx, map[string]any{})
	if !strings.Contains(res.Output, "note.txt") {
		t.Errorf("list output = %q", res.Output)
	}
}

func TestWriteFileHonorsBlockedPaths(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "secrets")
	os.Mkdir(blocked, 0o700)

	svc := &Services{
		WorkingDir: dir,
		Permissions: &permissions.AgentPermissions{
			Level:        permissions.LevelTrusted,
			BlockedPaths: []string{blocked},
		},
	}
	w := &writeFileSkill{svc: svc}
	res := w.Execute(context.Background(), map[string]any{
		"path": filepath.Join(blocked, "x.txt"), "content": "no",
	})
	if res.Success() {
		t.Fatal("write into blocked path must fail")
	}
	if !strings.Contains(res.Error, "permission denied") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestWriteFileRefusesSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	os.WriteFile(target, []byte("keep"), 0o600)
	link := filepath.Join(dir, "link.txt")
	os.Symlink(target, link)

	w := &writeFileSkill{svc: &Services{WorkingDir: dir}}
	res := w.Execute(context.Background(), map[string]any{"path": "link.txt", "content": "evil"})
	if res.Success() {
		t.Fatal("write through symlink must fail")
	}
	data, _ := os.ReadFile(target)
	if string(data) != "keep" {
		t.Error("symlink target modified")
	}
}

func TestExecuteBash(t *testing.T) {
	s := &execBashSkill{svc: &Services{WorkingDir: t.TempDir()}}
	res := s.Execute(context.Background(), map[string]any{"command": "echo hi"})
	if !res.Success() || strings.TrimSpace(res.Output) != "hi" {
		t.Errorf("result = %+v", res)
	}

	res = s.Execute(context.Background(), map[string]any{"command": "exit 3"})
	if res.Success() {
		t.Error("non-zero exit must be an error result")
	}

	res = s.Execute(context.Background(), map[string]any{"command": ""})
	if res.Success() {
		t.Error("empty command must be rejected")
	}
}

func TestWebFetchBlocksPrivateTargets(t *testing.T) {
	s := &webFetchSkill{svc: &Services{}}
	res := s.Execute(context.Background(), map[string]any{"url": "http://169.254.169.254/latest/"})
	if res.Success() {
		t.Fatal("metadata fetch must be blocked")
	}
	if !strings.Contains(res.Error, "blocked") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestNexusSkillsWithoutPool(t *testing.T) {
	ctx := context.Background()
	for _, s := range []Skill{
		&nexusAgentsSkill{svc: &Services{}},
		&nexusCreateSkill{svc: &Services{}},
		&nexusDestroySkill{svc: &Services{}},
		&nexusSendSkill{svc: &Services{}},
	} {
		if res := s.Execute(ctx, map[string]any{"agent_id": "a", "message": "m"}); res.Success() {
			t.Errorf("%s must fail without a pool", s.Name())
		}
	}
}
