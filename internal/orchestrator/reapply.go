package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/vahid162/Smite/internal/database"
	"github.com/vahid162/Smite/internal/logutil"
)

// tunnelSettingsKey holds the auto-reapply knobs: {"auto_reapply": bool,
// "reapply_interval_minutes": N}.
const tunnelSettingsKey = "tunnel"

// StartAutoReapply schedules the periodic sweep that reapplies tunnels
// stuck in error, picking its interval from settings.
func (o *Orchestrator) StartAutoReapply(ctx context.Context, c *cron.Cron) (cron.EntryID, error) {
	o.mu.Lock()
	o.cron = c
	o.cronCtx = ctx
	o.mu.Unlock()
	return o.rescheduleReapply()
}

// rescheduleReapply replaces the sweep entry with one matching the
// current tunnel settings. Safe to call after every settings write.
func (o *Orchestrator) rescheduleReapply() (cron.EntryID, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cron == nil {
		return 0, nil
	}
	if o.reapplyEntry != 0 {
		o.cron.Remove(o.reapplyEntry)
		o.reapplyEntry = 0
	}
	enabled, interval := o.reapplySettings()
	if !enabled {
		log.Printf("[orchestrator] auto-reapply disabled")
		return 0, nil
	}
	ctx := o.cronCtx
	id, err := o.cron.AddFunc(fmt.Sprintf("@every %dm", interval), func() { o.ReapplyFailed(ctx) })
	if err != nil {
		return 0, fmt.Errorf("schedule auto-reapply: %w", err)
	}
	o.reapplyEntry = id
	log.Printf("[orchestrator] auto-reapply every %dm", interval)
	return id, nil
}

// OnSettingsChanged reconciles background machinery after a settings
// group write: the comm server follows "frp", the reapply sweep follows
// "tunnel".
func (o *Orchestrator) OnSettingsChanged(ctx context.Context, key string) {
	switch key {
	case commSettingsKey:
		if err := o.EnsureCommServer(ctx); err != nil {
			log.Printf("[orchestrator] comm server: %v", err)
		}
	case tunnelSettingsKey:
		if _, err := o.rescheduleReapply(); err != nil {
			log.Printf("[orchestrator] reschedule auto-reapply: %v", err)
		}
	}
}

func (o *Orchestrator) reapplySettings() (enabled bool, intervalMinutes int) {
	enabled, intervalMinutes = true, 10
	s, err := database.GetSetting(tunnelSettingsKey)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("[orchestrator] read tunnel settings: %v", err)
		}
		return
	}
	if v, ok := s["auto_reapply"].(bool); ok {
		enabled = v
	}
	if v, ok := s["reapply_interval_minutes"].(float64); ok && v >= 1 {
		intervalMinutes = int(v)
	}
	return
}

// ReapplyFailed retries every tunnel in error state, skipping the ones
// that died of quota exhaustion: those stay down until the quota is
// raised or usage reset.
func (o *Orchestrator) ReapplyFailed(ctx context.Context) {
	tunnels, err := database.ListTunnels()
	if err != nil {
		log.Printf("[orchestrator] reapply sweep: %v", err)
		return
	}
	for i := range tunnels {
		t := &tunnels[i]
		if t.Status != "error" {
			continue
		}
		if t.QuotaMB > 0 && t.UsedMB >= t.QuotaMB {
			continue
		}
		sweepCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
		if err := o.ApplyTunnel(sweepCtx, t.ID, RequestHosts{}); err != nil {
			log.Printf("[orchestrator] reapply %s (%s): %v", logutil.SanitizeForLog(t.Name), t.ID, err)
		} else {
			log.Printf("[orchestrator] reapply %s (%s): recovered", logutil.SanitizeForLog(t.Name), t.ID)
		}
		cancel()
	}
}
