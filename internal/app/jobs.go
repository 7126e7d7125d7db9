package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nexabot/wagate/internal/domain"
	"github.com/nexabot/wagate/internal/session"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	var err error
	_, err = a.sched.AddFunc("@every 1m", func() {
		go a.SchedSessionHeartbeatTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@daily", func() {
		a.SchedPurgeStaleQRTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedSessionHeartbeatTask stamps last_seen_at for every tenant with a
// live in-memory session.
func (a *Application) SchedSessionHeartbeatTask() {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("session heartbeat task panic: %v", r)
		}
	}()
	if a.sessions == nil {
		return
	}
	store := session.NewGormStore(a.gormDB)
	ctx := context.Background()
	now := time.Now()
	for _, tenantID := range a.sessions.LiveTenants() {
		if err := store.Touch(ctx, tenantID, now); err != nil {
			zap.S().Warnf("heartbeat update failed for %s: %v", tenantID, err)
		}
	}
}

// SchedPurgeStaleQRTask clears pairing codes that can no longer be
// scanned: the session left awaiting_scan, or the code is older than a
// day.
func (a *Application) SchedPurgeStaleQRTask() {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("qr purge task panic: %v", r)
		}
	}()
	cutoff := time.Now().Add(-24 * time.Hour)
	res := a.gormDB.Model(&domain.BotSession{}).
		Where("qr_data <> ''").
		Where("status <> ? OR updated_at < ?", session.StatusAwaitingScan, cutoff).
		Update("qr_data", "")
	if res.Error != nil {
		zap.S().Warnf("qr purge failed: %v", res.Error)
	} else if res.RowsAffected > 0 {
		zap.S().Infof("purged %d stale pairing codes", res.RowsAffected)
	}
}
