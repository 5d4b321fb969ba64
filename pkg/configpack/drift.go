package configpack

import (
	"fmt"

	"github.com/homelabcmd/hub/pkg/alerting"
	"github.com/homelabcmd/hub/pkg/events"
	"github.com/homelabcmd/hub/pkg/log"
	"github.com/homelabcmd/hub/pkg/types"
)

// RunDriftDetection checks every drift-enabled server against its assigned
// packs and raises or resolves config_drift alerts on transitions. The very
// first check for a pair never raises; there is no prior state to drift from.
func (a *Applier) RunDriftDetection() error {
	servers, err := a.store.ListServers()
	if err != nil {
		return err
	}

	logger := log.WithComponent("configpack")
	for _, server := range servers {
		if !server.DriftDetectionEnabled || len(server.AssignedPacks) == 0 {
			continue
		}
		if server.Status != types.ServerStatusOnline {
			continue
		}
		for _, packName := range server.AssignedPacks {
			if err := a.detectPackDrift(server, packName); err != nil {
				logger.Warn().
					Str("server_id", server.ID).
					Str("pack", packName).
					Err(err).
					Msg("drift detection failed")
			}
		}
	}
	return nil
}

func (a *Applier) detectPackDrift(server *types.Server, packName string) error {
	if _, err := a.CheckCompliance(server, packName); err != nil {
		return err
	}

	checks, err := a.store.RecentConfigChecks(server.ID, packName, 2)
	if err != nil {
		return err
	}
	if len(checks) < 2 {
		return nil
	}
	current, prior := checks[0], checks[1]

	switch {
	case prior.Compliant && !current.Compliant:
		detail := fmt.Sprintf("%s drifted from pack %s: %d mismatched item(s)",
			server.Display(), packName, current.MismatchCount)
		evs, err := a.engine.RaiseConfigDrift(server, detail)
		if err != nil {
			return err
		}
		a.publishDrift(evs)
	case !prior.Compliant && current.Compliant:
		evs, err := a.engine.ResolveConfigDrift(server)
		if err != nil {
			return err
		}
		a.publishDrift(evs)
	}
	return nil
}

func (a *Applier) publishDrift(evs []alerting.Event) {
	if a.broker == nil {
		return
	}
	for _, ev := range evs {
		eventType := events.EventAlertRaised
		if ev.Kind == alerting.EventResolved {
			eventType = events.EventAlertResolved
		}
		a.broker.Publish(&events.Event{
			Type:    eventType,
			Message: ev.Alert.Title,
			Metadata: map[string]string{
				"server_id":  ev.Alert.ServerID,
				"alert_type": ev.Alert.AlertType,
			},
			Alert: &ev,
		})
	}
}
