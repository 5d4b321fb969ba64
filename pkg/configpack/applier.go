package configpack

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/homelabcmd/hub/pkg/alerting"
	"github.com/homelabcmd/hub/pkg/events"
	"github.com/homelabcmd/hub/pkg/log"
	"github.com/homelabcmd/hub/pkg/sshexec"
	"github.com/homelabcmd/hub/pkg/storage"
	"github.com/homelabcmd/hub/pkg/types"
)

const (
	// heredocDelim is deliberately improbable so managed file content can
	// never terminate the heredoc early
	heredocDelim = "HOMELABCMD_EOF_7f3a9c"

	// packageTimeout bounds one apt install
	packageTimeout = 120 * time.Second

	envFile = ".bashrc.d/env.sh"
)

// ErrApplyRunning means a non-terminal apply already exists for the server
var ErrApplyRunning = errors.New("config apply already running")

// Executor is the remote command surface the applier needs
type Executor interface {
	Execute(ctx context.Context, server *types.Server, command string, timeout time.Duration) (*sshexec.CommandResult, error)
	Username(server *types.Server) string
}

// Applier projects packs onto remote hosts and tracks per-item progress
type Applier struct {
	store  storage.Store
	exec   Executor
	loader *Loader
	engine *alerting.Engine
	broker *events.Broker

	now func() time.Time
}

// NewApplier creates a config pack applier
func NewApplier(store storage.Store, exec Executor, loader *Loader, engine *alerting.Engine, broker *events.Broker) *Applier {
	return &Applier{
		store:  store,
		exec:   exec,
		loader: loader,
		engine: engine,
		broker: broker,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// PreviewGroup is one section of a dry-run summary
type PreviewGroup struct {
	Kind  string   `json:"kind"`
	Items []string `json:"items"`
}

// Preview resolves a pack and returns the grouped summary shown before an
// apply. No side effects.
func (a *Applier) Preview(packName string) (*Pack, []PreviewGroup, error) {
	pack, err := a.loader.Load(packName, true)
	if err != nil {
		return nil, nil, err
	}

	var groups []PreviewGroup
	if len(pack.Items.Files) > 0 {
		g := PreviewGroup{Kind: "files"}
		for _, f := range pack.Items.Files {
			g.Items = append(g.Items, fmt.Sprintf("%s (mode %s)", f.Path, f.Mode))
		}
		groups = append(groups, g)
	}
	if len(pack.Items.Packages) > 0 {
		g := PreviewGroup{Kind: "packages"}
		for _, p := range pack.Items.Packages {
			g.Items = append(g.Items, p.Name)
		}
		groups = append(groups, g)
	}
	if len(pack.Items.Settings) > 0 {
		g := PreviewGroup{Kind: "settings"}
		for _, s := range pack.Items.Settings {
			g.Items = append(g.Items, fmt.Sprintf("%s=%s", s.Key, s.Expected))
		}
		groups = append(groups, g)
	}
	return pack, groups, nil
}

// Apply starts an apply run. The returned record is pending; progress is
// updated item by item in the background.
func (a *Applier) Apply(serverID, packName string) (*types.ConfigApply, error) {
	return a.start(serverID, packName, "apply")
}

// Remove starts a removal run for a previously applied pack
func (a *Applier) Remove(serverID, packName string) (*types.ConfigApply, error) {
	return a.start(serverID, packName, "remove")
}

func (a *Applier) start(serverID, packName, operation string) (*types.ConfigApply, error) {
	server, err := a.store.GetServer(serverID)
	if err != nil {
		return nil, err
	}

	if active, err := a.store.ActiveConfigApply(serverID); err == nil && active != nil {
		return nil, fmt.Errorf("apply %s on %s: %w", active.PackName, serverID, ErrApplyRunning)
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	pack, err := a.loader.Load(packName, true)
	if err != nil {
		return nil, err
	}

	apply := &types.ConfigApply{
		ID:         uuid.New().String(),
		ServerID:   serverID,
		PackName:   packName,
		Operation:  operation,
		Status:     types.ApplyPending,
		ItemsTotal: pack.Total(),
		CreatedAt:  a.now(),
	}
	if err := a.store.CreateConfigApply(apply); err != nil {
		return nil, err
	}

	go a.run(apply, server, pack, operation)
	return apply, nil
}

func (a *Applier) run(apply *types.ConfigApply, server *types.Server, pack *Pack, operation string) {
	logger := log.WithComponent("configpack").With().Str("server_id", server.ID).Logger()

	now := a.now()
	apply.Status = types.ApplyRunning
	apply.StartedAt = &now
	if err := a.store.UpdateConfigApply(apply); err != nil {
		logger.Error().Err(err).Msg("failed to mark apply running")
		return
	}

	// SSH unavailable is fatal for the whole run, not a per-item failure
	if _, err := a.exec.Execute(context.Background(), server, "true", sshexec.DefaultTimeout); err != nil {
		a.fail(apply, fmt.Sprintf("ssh unavailable: %v", err))
		return
	}

	home := homeDir(a.exec.Username(server))
	var failed bool
	if operation == "remove" {
		failed = a.runRemove(apply, server, pack, home)
	} else {
		failed = a.runApply(apply, server, pack, home)
	}

	done := a.now()
	apply.CompletedAt = &done
	apply.CurrentItem = ""
	apply.Progress = 100
	apply.Status = types.ApplyCompleted
	if err := a.store.UpdateConfigApply(apply); err != nil {
		logger.Error().Err(err).Msg("failed to record apply completion")
		return
	}

	logger.Info().
		Str("pack", pack.Name).
		Str("operation", operation).
		Int("failed", apply.ItemsFailed).
		Msg("pack run finished")

	// Successful applies refresh compliance immediately
	if operation == "apply" && !failed {
		if _, err := a.CheckCompliance(server, pack.Name); err != nil {
			logger.Warn().Err(err).Msg("post-apply compliance check failed")
		}
	}
}

func (a *Applier) runApply(apply *types.ConfigApply, server *types.Server, pack *Pack, home string) bool {
	var failed bool
	for _, f := range pack.Items.Files {
		target := expandHome(f.Path, home)
		cmd := fileWriteCommand(target, f.Content, f.Mode)
		failed = a.step(apply, server, f.Path, "created", cmd, sshexec.DefaultTimeout, "") || failed
	}
	for _, p := range pack.Items.Packages {
		cmd := "sudo apt-get install -y " + p.Name
		failed = a.step(apply, server, p.Name, "installed", cmd, packageTimeout, "") || failed
	}
	for _, s := range pack.Items.Settings {
		cmd := settingWriteCommand(home, s.Key, s.Expected)
		failed = a.step(apply, server, s.Key, "set", cmd, sshexec.DefaultTimeout, "") || failed
	}
	return failed
}

func (a *Applier) runRemove(apply *types.ConfigApply, server *types.Server, pack *Pack, home string) bool {
	var failed bool
	for _, f := range pack.Items.Files {
		target := expandHome(f.Path, home)
		backup := target + ".homelabcmd.bak"
		cmd := fmt.Sprintf("cp %s %s 2>/dev/null || true\nrm -f %s",
			shellQuote(target), shellQuote(backup), shellQuote(target))
		failed = a.step(apply, server, f.Path, "deleted", cmd, sshexec.DefaultTimeout, backup) || failed
	}
	for _, p := range pack.Items.Packages {
		// Installed packages stay; removing them could break dependents
		apply.Results = append(apply.Results, types.ItemResult{
			Item:    p.Name,
			Action:  "skipped",
			Success: true,
			Error:   "package left installed to avoid breaking dependencies",
		})
		apply.ItemsCompleted++
		a.progress(apply)
	}
	for _, s := range pack.Items.Settings {
		cmd := fmt.Sprintf("sed -i '/^export %s=/d' %s 2>/dev/null || true",
			s.Key, shellQuote(home+"/"+envFile))
		failed = a.step(apply, server, s.Key, "removed", cmd, sshexec.DefaultTimeout, "") || failed
	}
	return failed
}

// step runs one item command and appends its result. Returns true on failure.
func (a *Applier) step(apply *types.ConfigApply, server *types.Server, item, action, command string, timeout time.Duration, backupPath string) bool {
	apply.CurrentItem = item
	if err := a.store.UpdateConfigApply(apply); err != nil {
		log.WithComponent("configpack").Error().Err(err).Msg("failed to update current item")
	}

	result := types.ItemResult{Item: item, Action: action, BackupPath: backupPath}
	res, err := a.exec.Execute(context.Background(), server, command, timeout)
	switch {
	case err != nil:
		result.Error = err.Error()
	case res.ExitCode != 0:
		result.Error = strings.TrimSpace(res.Stderr)
		if result.Error == "" {
			result.Error = fmt.Sprintf("exit code %d", res.ExitCode)
		}
	default:
		result.Success = true
	}

	apply.Results = append(apply.Results, result)
	if result.Success {
		apply.ItemsCompleted++
	} else {
		apply.ItemsFailed++
	}
	a.progress(apply)
	return !result.Success
}

func (a *Applier) progress(apply *types.ConfigApply) {
	if apply.ItemsTotal > 0 {
		apply.Progress = (apply.ItemsCompleted + apply.ItemsFailed) * 100 / apply.ItemsTotal
	}
	if err := a.store.UpdateConfigApply(apply); err != nil {
		log.WithComponent("configpack").Error().Err(err).Msg("failed to update progress")
	}
}

// fail marks an apply as fatally failed
func (a *Applier) fail(apply *types.ConfigApply, msg string) {
	now := a.now()
	apply.Status = types.ApplyFailed
	apply.Error = msg
	apply.CurrentItem = ""
	apply.CompletedAt = &now
	if err := a.store.UpdateConfigApply(apply); err != nil {
		log.WithComponent("configpack").Error().Err(err).Msg("failed to record apply failure")
	}
}

// CheckCompliance verifies every pack item on the host and appends a
// ConfigCheck with the mismatches found.
func (a *Applier) CheckCompliance(server *types.Server, packName string) (*types.ConfigCheck, error) {
	pack, err := a.loader.Load(packName, true)
	if err != nil {
		return nil, err
	}

	home := homeDir(a.exec.Username(server))
	var mismatches []string

	probe := func(command, mismatch string) {
		res, err := a.exec.Execute(context.Background(), server, command, sshexec.DefaultTimeout)
		if err != nil || res.ExitCode != 0 {
			mismatches = append(mismatches, mismatch)
		}
	}

	for _, f := range pack.Items.Files {
		target := expandHome(f.Path, home)
		probe("test -f "+shellQuote(target), "file missing: "+f.Path)
	}
	for _, p := range pack.Items.Packages {
		probe("dpkg -s "+p.Name+" >/dev/null 2>&1", "package missing: "+p.Name)
	}
	for _, s := range pack.Items.Settings {
		probe(fmt.Sprintf("grep -q '^export %s=' %s", s.Key, shellQuote(home+"/"+envFile)),
			"setting missing: "+s.Key)
	}

	check := &types.ConfigCheck{
		ID:            uuid.New().String(),
		ServerID:      server.ID,
		PackName:      packName,
		Compliant:     len(mismatches) == 0,
		MismatchCount: len(mismatches),
		Mismatches:    mismatches,
		CheckedAt:     a.now(),
	}
	if err := a.store.AppendConfigCheck(check); err != nil {
		return nil, err
	}
	return check, nil
}

// fileWriteCommand builds the mkdir/heredoc/chmod sequence for one file
func fileWriteCommand(target, content, mode string) string {
	dir := path.Dir(target)
	var b strings.Builder
	fmt.Fprintf(&b, "mkdir -p %s\n", shellQuote(dir))
	fmt.Fprintf(&b, "cat > %s <<'%s'\n", shellQuote(target), heredocDelim)
	b.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(heredocDelim + "\n")
	fmt.Fprintf(&b, "chmod %s %s", mode, shellQuote(target))
	return b.String()
}

// settingWriteCommand appends an export line to the managed env file
func settingWriteCommand(home, key, value string) string {
	line := fmt.Sprintf("export %s=\"%s\"", key, escapeDoubleQuoted(value))
	dir := home + "/.bashrc.d"
	return fmt.Sprintf("mkdir -p %s\necho %s >> %s",
		shellQuote(dir), shellQuote(line), shellQuote(home+"/"+envFile))
}

// expandHome rewrites a leading ~ to the resolved home directory
func expandHome(p, home string) string {
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return home + p[1:]
	}
	return p
}

func homeDir(username string) string {
	if username == "root" {
		return "/root"
	}
	return "/home/" + username
}

// shellQuote single-quotes a string for POSIX shells
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// escapeDoubleQuoted escapes a value for inclusion inside double quotes
func escapeDoubleQuoted(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")
	return r.Replace(s)
}
