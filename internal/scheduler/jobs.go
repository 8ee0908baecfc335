package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/eduintbd/eod-sub000/internal/margin"
	"github.com/eduintbd/eod-sub000/internal/trade"
)

// TradeDrainer drains pending raw trades.
type TradeDrainer interface {
	Drain(ctx context.Context, batchID string) (trade.DrainResult, error)
}

// MarginDrainer runs the margin job over every margin client.
type MarginDrainer interface {
	Drain(ctx context.Context, snapshotDate time.Time) (margin.Result, error)
}

// TradeDrainJob posts every pending raw trade.
type TradeDrainJob struct {
	drainer TradeDrainer
	timeout time.Duration
}

// NewTradeDrainJob creates the trade drain job.
func NewTradeDrainJob(d TradeDrainer, timeout time.Duration) *TradeDrainJob {
	return &TradeDrainJob{drainer: d, timeout: timeout}
}

func (j *TradeDrainJob) Name() string { return "trade_drain" }

func (j *TradeDrainJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	res, err := j.drainer.Drain(ctx, "")
	if err != nil {
		return err
	}
	if !res.Exhausted {
		return fmt.Errorf("trade drain stopped after %d iterations with rows pending", res.Iterations)
	}
	return nil
}

// MarginDrainJob computes today's margin for every margin client.
type MarginDrainJob struct {
	drainer MarginDrainer
	timeout time.Duration
}

// NewMarginDrainJob creates the margin drain job.
func NewMarginDrainJob(d MarginDrainer, timeout time.Duration) *MarginDrainJob {
	return &MarginDrainJob{drainer: d, timeout: timeout}
}

func (j *MarginDrainJob) Name() string { return "margin_drain" }

func (j *MarginDrainJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	res, err := j.drainer.Drain(ctx, time.Time{})
	if err != nil {
		return err
	}
	if !res.Done {
		return fmt.Errorf("margin drain stopped at offset %d with clients pending", res.NextOffset)
	}
	return nil
}
