// Package scheduler runs the hub's periodic background work: offline
// detection, notifier retries, and daily drift detection.
package scheduler

import (
	"sync"
	"time"

	"github.com/homelabcmd/hub/pkg/alerting"
	"github.com/homelabcmd/hub/pkg/configpack"
	"github.com/homelabcmd/hub/pkg/events"
	"github.com/homelabcmd/hub/pkg/log"
	"github.com/homelabcmd/hub/pkg/metrics"
	"github.com/homelabcmd/hub/pkg/notify"
	"github.com/homelabcmd/hub/pkg/storage"
	"github.com/homelabcmd/hub/pkg/types"
)

const (
	// TickInterval is the base cadence of the background loop
	TickInterval = 30 * time.Second

	driftInterval = 24 * time.Hour
)

// Scheduler drives the periodic tick
type Scheduler struct {
	store    storage.Store
	engine   *alerting.Engine
	notifier *notify.Notifier
	applier  *configpack.Applier
	broker   *events.Broker

	offlineAfter time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	lastDrift time.Time
	now       func() time.Time
}

// New creates a scheduler. offlineSeconds comes from the alerting config.
func New(store storage.Store, engine *alerting.Engine, notifier *notify.Notifier, applier *configpack.Applier, broker *events.Broker, offlineSeconds int) *Scheduler {
	return &Scheduler{
		store:        store,
		engine:       engine,
		notifier:     notifier,
		applier:      applier,
		broker:       broker,
		offlineAfter: time.Duration(offlineSeconds) * time.Second,
		stopCh:       make(chan struct{}),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the tick loop
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	log.WithComponent("scheduler").Info().
		Dur("interval", TickInterval).
		Msg("scheduler started")
}

// Stop halts the loop and waits for the current tick to finish
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

// tick runs one round of background work
func (s *Scheduler) tick() {
	s.detectOffline()

	if s.notifier != nil {
		s.notifier.ProcessRetryQueue()
	}

	if s.applier != nil && s.now().Sub(s.lastDrift) >= driftInterval {
		s.lastDrift = s.now()
		if err := s.applier.RunDriftDetection(); err != nil {
			log.WithComponent("scheduler").Error().Err(err).Msg("drift detection failed")
		}
	}
}

// detectOffline marks silent servers offline and drives the alert engine
func (s *Scheduler) detectOffline() {
	servers, err := s.store.ListServers()
	if err != nil {
		log.WithComponent("scheduler").Error().Err(err).Msg("failed to list servers")
		return
	}

	now := s.now()
	online := 0
	for _, server := range servers {
		if server.IsInactive {
			continue
		}
		if server.Status == types.ServerStatusOnline {
			online++
		}
		if server.LastSeen == nil {
			continue
		}

		silent := now.Sub(*server.LastSeen)
		if silent < s.offlineAfter {
			continue
		}

		if server.Status != types.ServerStatusOffline {
			wasOnline := server.Status == types.ServerStatusOnline
			server.Status = types.ServerStatusOffline
			server.UpdatedAt = now
			if err := s.store.UpdateServer(server); err != nil {
				log.WithComponent("scheduler").Error().
					Str("server_id", server.ID).
					Err(err).Msg("failed to mark server offline")
				continue
			}
			if wasOnline {
				online--
			}
			log.WithComponent("scheduler").Warn().
				Str("server_id", server.ID).
				Dur("silent_for", silent).
				Msg("server went offline")
			s.publish(&events.Event{
				Type:    events.EventServerOffline,
				Message: server.Display() + " stopped sending heartbeats",
				Metadata: map[string]string{
					"server_id": server.ID,
				},
			})
		}

		evs, err := s.engine.MarkOffline(server, silent)
		if err != nil {
			log.WithComponent("scheduler").Error().
				Str("server_id", server.ID).
				Err(err).Msg("offline alert evaluation failed")
			continue
		}
		for _, ev := range evs {
			metrics.AlertEventsTotal.WithLabelValues(string(ev.Kind), string(ev.Alert.Severity)).Inc()
			s.publish(&events.Event{
				Type:    eventTypeFor(ev.Kind),
				Message: ev.Alert.Title,
				Metadata: map[string]string{
					"server_id":  ev.Alert.ServerID,
					"alert_type": ev.Alert.AlertType,
				},
				Alert: &ev,
			})
		}
	}
	metrics.ServersOnline.Set(float64(online))
}

func (s *Scheduler) publish(ev *events.Event) {
	if s.broker != nil {
		s.broker.Publish(ev)
	}
}

func eventTypeFor(kind alerting.EventKind) events.EventType {
	switch kind {
	case alerting.EventReminder:
		return events.EventAlertReminder
	case alerting.EventResolved:
		return events.EventAlertResolved
	default:
		return events.EventAlertRaised
	}
}
