// Package motion provides motion sensors for triggered playback.
package motion

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	xlog "livingportrait/internal/log"
	"livingportrait/internal/metrics"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// GPIO reads a PIR sensor through a sysfs GPIO value file. Motion is reported while the
// line is high, at most once per debounce interval.
type GPIO struct {
	path     string
	poll     time.Duration
	limiter  *rate.Limiter
	readFile func(string) ([]byte, error)
	logger   zerolog.Logger
}

// NewGPIO creates a sensor polling valuePath every poll.
func NewGPIO(valuePath string, poll, debounce time.Duration) *GPIO {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	return &GPIO{
		path:     valuePath,
		poll:     poll,
		limiter:  newLimiter(debounce),
		readFile: os.ReadFile,
		logger:   xlog.WithComponent("motion"),
	}
}

func newLimiter(debounce time.Duration) *rate.Limiter {
	if debounce <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(debounce), 1)
}

// WaitForMotion blocks until the line reads high outside the debounce window.
func (g *GPIO) WaitForMotion(ctx context.Context) error {
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()
	for {
		high, err := g.read()
		if err != nil {
			return err
		}
		if high {
			if g.limiter.Allow() {
				return nil
			}
			metrics.MotionEventsTotal.WithLabelValues("debounced").Inc()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *GPIO) read() (bool, error) {
	data, err := g.readFile(g.path)
	if err != nil {
		return false, fmt.Errorf("read gpio %s: %w", g.path, err)
	}
	return bytes.Equal(bytes.TrimSpace(data), []byte("1")), nil
}

// Channel is a sensor fed by Notify, used for motion reported over the network.
type Channel struct {
	events  chan struct{}
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewChannel creates a push-fed sensor. Notifications closer together than debounce are dropped.
func NewChannel(debounce time.Duration) *Channel {
	return &Channel{
		events:  make(chan struct{}, 1),
		limiter: newLimiter(debounce),
		logger:  xlog.WithComponent("motion"),
	}
}

// Notify reports one motion event. It never blocks; a pending event absorbs new ones.
func (c *Channel) Notify() {
	if !c.limiter.Allow() {
		metrics.MotionEventsTotal.WithLabelValues("debounced").Inc()
		return
	}
	select {
	case c.events <- struct{}{}:
		c.logger.Debug().Str(xlog.FieldEvent, "motion.notified").Msg("motion reported")
	default:
	}
}

// WaitForMotion blocks until Notify is called or ctx is done.
func (c *Channel) WaitForMotion(ctx context.Context) error {
	select {
	case <-c.events:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
