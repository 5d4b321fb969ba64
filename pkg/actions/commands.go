package actions

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/homelabcmd/hub/pkg/types"
)

// serviceNameRe matches systemd unit names we accept for restart
var serviceNameRe = regexp.MustCompile(`^[a-zA-Z0-9_.@+-]+$`)

// packageNameRe matches Debian package names. Pending package names come
// from agent reports, so they are untrusted input.
var packageNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9+.-]*$`)

const aptOptions = ` -o Dpkg::Options::="--force-confdef"` +
	` -o Dpkg::Options::="--force-confold"` +
	` -o APT::Sandbox::User=root`

// buildCommand maps a whitelisted action type to the exact shell command.
// Clients never supply command text; this table is the only source. Commands
// are stored as written here; dispatch prepends sudo for the apt set.
func buildCommand(actionType types.ActionType, serviceName string, pending *types.PendingPackageSet) (string, error) {
	switch actionType {
	case types.ActionRestartService:
		if !serviceNameRe.MatchString(serviceName) {
			return "", &InvalidServiceNameError{Name: serviceName}
		}
		return fmt.Sprintf("systemctl restart %s", serviceName), nil

	case types.ActionClearLogs:
		return "journalctl --vacuum-time=7d", nil

	case types.ActionAptUpdate:
		return "DEBIAN_FRONTEND=noninteractive apt-get update -q -o APT::Sandbox::User=root", nil

	case types.ActionAptUpgradeAll:
		return "DEBIAN_FRONTEND=noninteractive apt-get dist-upgrade -q -y" + aptOptions, nil

	case types.ActionAptUpgradeSecurity:
		var names []string
		if pending != nil {
			for _, pkg := range pending.Packages {
				if !pkg.IsSecurity {
					continue
				}
				if !packageNameRe.MatchString(pkg.Name) {
					return "", &InvalidPackageNameError{Name: pkg.Name}
				}
				names = append(names, pkg.Name)
			}
		}
		if len(names) == 0 {
			return "echo 'No security packages to upgrade'", nil
		}
		return "DEBIAN_FRONTEND=noninteractive apt-get install -q -y" + aptOptions +
			" " + strings.Join(names, " "), nil
	}
	return "", &UnknownActionTypeError{Type: actionType}
}

// aptAction reports whether the type belongs to the apt set, which gets a
// sudo prefix at dispatch
func aptAction(t types.ActionType) bool {
	switch t {
	case types.ActionAptUpdate, types.ActionAptUpgradeAll, types.ActionAptUpgradeSecurity:
		return true
	}
	return false
}

// InvalidServiceNameError rejects service names outside the allowed charset
type InvalidServiceNameError struct {
	Name string
}

func (e *InvalidServiceNameError) Error() string {
	return fmt.Sprintf("invalid service name %q", e.Name)
}

// InvalidPackageNameError rejects reported package names outside the allowed
// charset
type InvalidPackageNameError struct {
	Name string
}

func (e *InvalidPackageNameError) Error() string {
	return fmt.Sprintf("invalid package name %q", e.Name)
}

// UnknownActionTypeError rejects action types outside the whitelist
type UnknownActionTypeError struct {
	Type types.ActionType
}

func (e *UnknownActionTypeError) Error() string {
	return fmt.Sprintf("unknown action type %q", e.Type)
}
