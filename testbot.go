package main

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"squawk/internal/audio"
	"squawk/internal/core"
)

// RunTestBot registers a synthetic client that holds push-to-talk and feeds
// a continuous 440 Hz tone into the given channel, creating it first if
// needed. Useful for soaking the mixer and hearing fan-out without a real
// client. Everything the relay sends back is discarded.
func RunTestBot(ctx context.Context, registry *core.Registry, name, channel string) {
	frames := toneFrames()

	sess := registry.AddSession()
	defer registry.Disconnect(sess.ID)

	// Discard control replies and mixed audio. The Send drain doubles as
	// the exit signal: the channel closes when the bot is evicted or
	// kicked.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for range sess.Send {
		}
	}()
	go func() {
		for {
			select {
			case _, ok := <-sess.Audio:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := registry.Register(sess.ID, name); err != nil {
		slog.Error("test bot register failed", "name", name, "err", err)
		return
	}
	if err := registry.CreateChannel(sess.ID, channel); err != nil && !errors.Is(err, core.ErrChannelExists) {
		slog.Error("test bot create channel failed", "channel", channel, "err", err)
		return
	}
	if err := registry.Join(sess.ID, channel); err != nil {
		slog.Error("test bot join failed", "channel", channel, "err", err)
		return
	}
	registry.SetTalking(sess.ID, true)
	slog.Info("test bot running", "name", name, "channel", channel)

	tick := registry.Options().TickInterval
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	// Ping often enough to stay clear of the liveness watchdog.
	const pingEvery = 250

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			slog.Info("test bot stopping", "name", name)
			return
		case <-gone:
			slog.Info("test bot disconnected", "name", name)
			return
		case <-ticker.C:
		}

		registry.PushFrame(sess.ID, frames[i%len(frames)])
		if i%pingEvery == 0 {
			registry.Ping(sess.ID, time.Now().UnixMilli())
		}
	}
}

// toneFrames renders one seamless loop of a 440 Hz sine at 0.3 amplitude.
// Five 20 ms frames hold 1600 samples, exactly 44 full cycles at 16 kHz,
// so replaying the loop produces no phase jump.
func toneFrames() [][]byte {
	const loopFrames = 5
	frames := make([][]byte, loopFrames)
	for f := range frames {
		var samples [audio.FrameSamples]float32
		for i := range samples {
			n := f*audio.FrameSamples + i
			samples[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(n)/audio.SampleRate))
		}
		frames[f] = audio.Encode(&samples)
	}
	return frames
}
