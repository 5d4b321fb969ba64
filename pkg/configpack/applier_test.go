package configpack

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/homelabcmd/hub/pkg/alerting"
	"github.com/homelabcmd/hub/pkg/sshexec"
	"github.com/homelabcmd/hub/pkg/storage"
	"github.com/homelabcmd/hub/pkg/types"
)

// fakeExecutor scripts remote command outcomes by substring match
type fakeExecutor struct {
	mu       sync.Mutex
	commands []string
	user     string

	// failOn marks command substrings that return exit code 1
	failOn []string
	// connErr, when set, fails every Execute outright
	connErr error
}

func (f *fakeExecutor) Execute(ctx context.Context, server *types.Server, command string, timeout time.Duration) (*sshexec.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	if f.connErr != nil {
		return nil, f.connErr
	}
	for _, s := range f.failOn {
		if strings.Contains(command, s) {
			return &sshexec.CommandResult{ExitCode: 1, Stderr: "probe failed"}, nil
		}
	}
	return &sshexec.CommandResult{ExitCode: 0}, nil
}

func (f *fakeExecutor) Username(server *types.Server) string {
	if f.user != "" {
		return f.user
	}
	return "root"
}

func (f *fakeExecutor) ran(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func newTestApplier(t *testing.T, exec *fakeExecutor, packs map[string]string) (*Applier, storage.Store) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	dir := t.TempDir()
	for name, content := range packs {
		writePack(t, dir, name, content)
	}

	engine := alerting.NewEngine(store, alerting.DefaultConfig())
	return NewApplier(store, exec, NewLoader(dir), engine, nil), store
}

func applyServer(t *testing.T, store storage.Store) *types.Server {
	t.Helper()

	server := &types.Server{
		ID:        "nas-01",
		GUID:      "11111111-2222-4333-8444-555555555555",
		Status:    types.ServerStatusOnline,
		AgentMode: types.AgentModeReadwrite,
	}
	if err := store.CreateServer(server); err != nil {
		t.Fatalf("CreateServer failed: %v", err)
	}
	return server
}

func waitApply(t *testing.T, store storage.Store, id string) *types.ConfigApply {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		apply, err := store.GetConfigApply(id)
		if err != nil {
			t.Fatalf("GetConfigApply failed: %v", err)
		}
		if !apply.Active() {
			return apply
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("apply never finished")
	return nil
}

const basePack = `
items:
  files:
    - path: ~/.vimrc
      mode: "0644"
      content: "set number\n"
  packages:
    - name: htop
  settings:
    - type: env_var
      key: EDITOR
      expected: vim
`

func TestApplyRunsEveryItem(t *testing.T) {
	exec := &fakeExecutor{}
	a, store := newTestApplier(t, exec, map[string]string{"base.yaml": basePack})
	server := applyServer(t, store)

	apply, err := a.Apply(server.ID, "base")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if apply.ItemsTotal != 3 {
		t.Errorf("items_total = %d, want 3", apply.ItemsTotal)
	}

	final := waitApply(t, store, apply.ID)
	if final.Status != types.ApplyCompleted {
		t.Fatalf("status = %s, want completed (error %q)", final.Status, final.Error)
	}
	if final.ItemsCompleted != 3 || final.ItemsFailed != 0 {
		t.Errorf("completed/failed = %d/%d, want 3/0", final.ItemsCompleted, final.ItemsFailed)
	}
	if final.Progress != 100 {
		t.Errorf("progress = %d, want 100", final.Progress)
	}

	if !exec.ran("cat > '/root/.vimrc' <<'" + heredocDelim + "'") {
		t.Error("file heredoc command not executed")
	}
	if !exec.ran("sudo apt-get install -y htop") {
		t.Error("package install not executed")
	}
	if !exec.ran(`export EDITOR="vim"`) {
		t.Error("setting export not executed")
	}

	// Post-apply compliance check ran and recorded a result
	checks, err := store.RecentConfigChecks(server.ID, "base", 5)
	if err != nil {
		t.Fatalf("RecentConfigChecks failed: %v", err)
	}
	if len(checks) != 1 || !checks[0].Compliant {
		t.Errorf("checks = %d, want one compliant check", len(checks))
	}
}

func TestApplySSHUnavailableIsFatal(t *testing.T) {
	exec := &fakeExecutor{connErr: errors.New("dial tcp: connection refused")}
	a, store := newTestApplier(t, exec, map[string]string{"base.yaml": basePack})
	server := applyServer(t, store)

	apply, err := a.Apply(server.ID, "base")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	final := waitApply(t, store, apply.ID)
	if final.Status != types.ApplyFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.Error, "ssh unavailable") {
		t.Errorf("error = %q", final.Error)
	}
	if len(final.Results) != 0 {
		t.Errorf("items were attempted despite the dead connection: %v", final.Results)
	}
}

func TestApplyItemFailureContinues(t *testing.T) {
	exec := &fakeExecutor{failOn: []string{"apt-get install"}}
	a, store := newTestApplier(t, exec, map[string]string{"base.yaml": basePack})
	server := applyServer(t, store)

	apply, err := a.Apply(server.ID, "base")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	final := waitApply(t, store, apply.ID)
	if final.Status != types.ApplyCompleted {
		t.Fatalf("status = %s, want completed with partial failure", final.Status)
	}
	if final.ItemsCompleted != 2 || final.ItemsFailed != 1 {
		t.Errorf("completed/failed = %d/%d, want 2/1", final.ItemsCompleted, final.ItemsFailed)
	}

	// A failed item blocks the post-apply compliance refresh
	checks, _ := store.RecentConfigChecks(server.ID, "base", 5)
	if len(checks) != 0 {
		t.Errorf("compliance check ran after a failed item: %d", len(checks))
	}
}

func TestApplyConcurrencyGuard(t *testing.T) {
	exec := &fakeExecutor{}
	a, store := newTestApplier(t, exec, map[string]string{"base.yaml": basePack})
	server := applyServer(t, store)

	// A pre-seeded running apply blocks a second one
	stuck := &types.ConfigApply{
		ID:       "stuck-apply",
		ServerID: server.ID,
		PackName: "base",
		Status:   types.ApplyRunning,
	}
	if err := store.CreateConfigApply(stuck); err != nil {
		t.Fatalf("CreateConfigApply failed: %v", err)
	}

	if _, err := a.Apply(server.ID, "base"); !errors.Is(err, ErrApplyRunning) {
		t.Errorf("error = %v, want ErrApplyRunning", err)
	}
}

func TestRemoveBacksUpFilesAndSkipsPackages(t *testing.T) {
	exec := &fakeExecutor{}
	a, store := newTestApplier(t, exec, map[string]string{"base.yaml": basePack})
	server := applyServer(t, store)

	apply, err := a.Remove(server.ID, "base")
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	final := waitApply(t, store, apply.ID)
	if final.Status != types.ApplyCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}

	if !exec.ran("cp '/root/.vimrc' '/root/.vimrc.homelabcmd.bak'") {
		t.Error("file backup not taken before removal")
	}
	if !exec.ran("rm -f '/root/.vimrc'") {
		t.Error("file not removed")
	}
	if !exec.ran("sed -i '/^export EDITOR=/d'") {
		t.Error("setting line not removed")
	}
	if exec.ran("apt-get remove") || exec.ran("apt-get purge") {
		t.Error("packages must not be uninstalled on remove")
	}

	var skipped *types.ItemResult
	for i := range final.Results {
		if final.Results[i].Item == "htop" {
			skipped = &final.Results[i]
		}
	}
	if skipped == nil || skipped.Action != "skipped" || !skipped.Success {
		t.Errorf("package result = %+v, want successful skip", skipped)
	}
}

func TestCheckComplianceReportsMismatches(t *testing.T) {
	exec := &fakeExecutor{failOn: []string{"dpkg -s htop", "grep -q '^export EDITOR='"}}
	a, store := newTestApplier(t, exec, map[string]string{"base.yaml": basePack})
	server := applyServer(t, store)

	check, err := a.CheckCompliance(server, "base")
	if err != nil {
		t.Fatalf("CheckCompliance failed: %v", err)
	}
	if check.Compliant {
		t.Error("check reported compliant despite failing probes")
	}
	if check.MismatchCount != 2 {
		t.Errorf("mismatches = %d (%v), want 2", check.MismatchCount, check.Mismatches)
	}
}

func TestDriftDetectionTransitions(t *testing.T) {
	exec := &fakeExecutor{}
	a, store := newTestApplier(t, exec, map[string]string{"base.yaml": basePack})
	server := applyServer(t, store)
	server.DriftDetectionEnabled = true
	server.AssignedPacks = []string{"base"}
	if err := store.UpdateServer(server); err != nil {
		t.Fatalf("UpdateServer failed: %v", err)
	}

	// First check ever: no prior state, no alert
	if err := a.RunDriftDetection(); err != nil {
		t.Fatalf("RunDriftDetection failed: %v", err)
	}
	if alert, _ := store.FindOpenAlert(server.ID, alerting.AlertTypeConfigDrift); alert != nil {
		t.Fatal("first check raised a drift alert")
	}

	// Compliant -> non-compliant raises
	exec.mu.Lock()
	exec.failOn = []string{"test -f"}
	exec.mu.Unlock()
	if err := a.RunDriftDetection(); err != nil {
		t.Fatalf("RunDriftDetection failed: %v", err)
	}
	alert, err := store.FindOpenAlert(server.ID, alerting.AlertTypeConfigDrift)
	if err != nil || alert == nil {
		t.Fatalf("drift alert not raised: %v", err)
	}
	if alert.Severity != types.SeverityWarning {
		t.Errorf("drift severity = %s, want warning", alert.Severity)
	}

	// Non-compliant -> compliant resolves
	exec.mu.Lock()
	exec.failOn = nil
	exec.mu.Unlock()
	if err := a.RunDriftDetection(); err != nil {
		t.Fatalf("RunDriftDetection failed: %v", err)
	}
	if alert, _ := store.FindOpenAlert(server.ID, alerting.AlertTypeConfigDrift); alert != nil {
		t.Error("drift alert not resolved after recovery")
	}
}

func TestFileWriteCommand(t *testing.T) {
	cmd := fileWriteCommand("/etc/motd", "hello", "0644")

	wantLines := []string{
		"mkdir -p '/etc'",
		"cat > '/etc/motd' <<'" + heredocDelim + "'",
		"hello",
		heredocDelim,
		"chmod 0644 '/etc/motd'",
	}
	got := strings.Split(cmd, "\n")
	if len(got) != len(wantLines) {
		t.Fatalf("command lines = %q", got)
	}
	for i, want := range wantLines {
		if got[i] != want {
			t.Errorf("line %d = %q, want %q", i, got[i], want)
		}
	}
}

func TestSettingWriteCommandEscapes(t *testing.T) {
	cmd := settingWriteCommand("/home/pi", "TOKEN", `se"cret$HOME`)

	if !strings.Contains(cmd, "mkdir -p '/home/pi/.bashrc.d'") {
		t.Errorf("missing mkdir: %q", cmd)
	}
	if !strings.Contains(cmd, `export TOKEN="se\"cret\$HOME"`) {
		t.Errorf("value not escaped: %q", cmd)
	}
	if !strings.Contains(cmd, ">> '/home/pi/.bashrc.d/env.sh'") {
		t.Errorf("missing append target: %q", cmd)
	}
}

func TestExpandHome(t *testing.T) {
	tests := []struct {
		in   string
		home string
		want string
	}{
		{"~/.vimrc", "/home/pi", "/home/pi/.vimrc"},
		{"~", "/root", "/root"},
		{"/etc/motd", "/root", "/etc/motd"},
		{"~weird", "/root", "~weird"},
	}
	for _, tt := range tests {
		if got := expandHome(tt.in, tt.home); got != tt.want {
			t.Errorf("expandHome(%q, %q) = %q, want %q", tt.in, tt.home, got, tt.want)
		}
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("it's"); got != `'it'\''s'` {
		t.Errorf("shellQuote = %q", got)
	}
}
