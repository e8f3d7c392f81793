package orchestrator

import (
	"context"
	"log"

	"github.com/vahid162/Smite/internal/database"
	"github.com/vahid162/Smite/internal/logutil"
	"github.com/vahid162/Smite/internal/nodeclient"
	"github.com/vahid162/Smite/internal/traffic"
)

// PushUsage ingests one traffic report from a node. Byte counts only
// ever ratchet up; a node whose counters reset cannot shrink a tunnel's
// recorded usage. Crossing the quota flips the tunnel to error but does
// not touch the running engines: ApplyTunnel refuses over-quota tunnels,
// so the tunnel stays down from the next reapply on.
func (o *Orchestrator) PushUsage(ctx context.Context, report nodeclient.UsageReport) error {
	for _, sample := range report.Samples {
		t, err := database.GetTunnel(sample.TunnelID)
		if err != nil {
			log.Printf("[usage] sample for unknown tunnel %s dropped", logutil.SanitizeForLog(sample.TunnelID))
			continue
		}

		if err := database.DB.Create(&database.Usage{
			TunnelID:  sample.TunnelID,
			NodeID:    report.NodeID,
			BytesUsed: sample.BytesUsed,
		}).Error; err != nil {
			log.Printf("[usage] persist sample for %s: %v", sample.TunnelID, err)
		}

		mb := traffic.BytesToMB(sample.BytesUsed)
		if mb <= t.UsedMB {
			continue
		}

		updates := map[string]interface{}{"used_mb": mb}
		if t.QuotaMB > 0 && mb >= t.QuotaMB && t.Status != "error" {
			updates["status"] = "error"
			updates["error_message"] = "quota exceeded"
			log.Printf("[usage] tunnel %s exceeded quota (%.1f/%.0f MB); engines stay up until the next reapply", t.ID, mb, t.QuotaMB)
		}
		if err := database.DB.Model(t).Updates(updates).Error; err != nil {
			log.Printf("[usage] persist usage for %s: %v", t.ID, err)
		}
	}
	return nil
}
