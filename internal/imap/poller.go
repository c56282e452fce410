package imap

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Poller runs the periodic sync: triage fetch, sent sync and reconciliation.
// Reconciliation is the only way changes made by other clients are noticed,
// so it runs on every tick.
type Poller struct {
	service  MailService
	interval time.Duration
	log      logrus.FieldLogger
}

// NewPoller creates a Poller that syncs every interval.
func NewPoller(service MailService, interval time.Duration, log logrus.FieldLogger) *Poller {
	return &Poller{
		service:  service,
		interval: interval,
		log:      log.WithField("component", "poller"),
	}
}

// Run syncs once immediately and then on every tick until ctx is canceled.
// Failures are logged and the next tick tries again.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("Poller stopped")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one sync pass.
func (p *Poller) Tick(ctx context.Context) {
	start := time.Now()

	msgs, err := p.service.FetchTriageEmails(ctx)
	if err != nil {
		p.log.WithError(err).Warn("Triage fetch failed")
	}

	sent, _, err := p.service.SyncSentFolder(ctx)
	if err != nil {
		p.log.WithError(err).Warn("Sent folder sync failed")
	}

	report, err := p.service.ReconcileInbox(ctx)
	if err != nil {
		p.log.WithError(err).Warn("Reconcile failed")
	}

	fields := logrus.Fields{"unfiled": len(msgs), "sent": sent, "took": time.Since(start).String()}
	if report != nil {
		fields["removed"] = len(report.Removed)
		fields["resurrected"] = len(report.Resurrected)
	}
	p.log.WithFields(fields).Info("Sync pass finished")
}
