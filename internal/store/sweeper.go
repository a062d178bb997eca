package store

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweepable はリース切れの接続を後始末できるバックエンドです
type Sweepable interface {
	Sweep(ctx context.Context) (int, error)
}

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Sweeper はcron式に従ってSweepを実行します
type Sweeper struct {
	target  Sweepable
	cron    *cron.Cron
	timeout time.Duration
}

// NewSweeper はschedule（例: "@every 15s"）でSweepを実行するSweeperを作成します
func NewSweeper(target Sweepable, schedule string, timeout time.Duration) (*Sweeper, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &Sweeper{
		target:  target,
		cron:    cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: timeout,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	n, err := s.target.Sweep(ctx)
	if err != nil {
		logrus.WithError(err).Warn("sweeper: sweep failed")
		return
	}
	if n > 0 {
		logrus.WithField("connections", n).Info("sweeper: applied disconnect hooks for expired leases")
	}
}

func (s *Sweeper) Start() { s.cron.Start() }

// Stop は実行中のSweepの完了を待って停止します
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
