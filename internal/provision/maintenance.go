package provision

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-wos/internal/observability"
)

// runMaintenance executes the maintenance script in the workspace directory
// after the workspace is already running. A non-zero exit records the stderr
// tail on the task run's maintenance_error field; a later successful run
// clears it. The workspace status is never touched from here.
func (p *Provisioner) runMaintenance(ctx context.Context, res *Reservation, log *zap.Logger) {
	// The store writes must survive the script timeout expiring.
	storeCtx := context.WithoutCancel(ctx)
	if p.cfg.MaintenanceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.MaintenanceTimeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", p.cfg.MaintenanceScript)
	cmd.Dir = res.Path
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		msg := "maintenance script failed: " + err.Error()
		if t := tail(stderr.String(), 2000); t != "" {
			msg += ": " + t
		}
		log.Warn("maintenance script failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		observability.MaintenanceRunsTotal.WithLabelValues("failed").Inc()
		if dbErr := p.store.SetMaintenanceError(storeCtx, res.TaskRunID, pgtype.Text{String: msg, Valid: true}); dbErr != nil {
			log.Warn("maintenance error write failed", zap.Error(dbErr))
		}
		return
	}

	log.Info("maintenance script completed", zap.Duration("elapsed", elapsed))
	observability.MaintenanceRunsTotal.WithLabelValues("success").Inc()
	if dbErr := p.store.SetMaintenanceError(storeCtx, res.TaskRunID, pgtype.Text{Valid: false}); dbErr != nil {
		log.Warn("maintenance error clear failed", zap.Error(dbErr))
	}
}
