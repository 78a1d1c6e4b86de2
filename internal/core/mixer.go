package core

import (
	"log/slog"
	"time"

	"squawk/internal/audio"
)

// PushFrame feeds one raw PCM frame from a session into its channel queue.
// Frames are dropped silently unless the session is in a channel, unmuted,
// marked talking, and the frame is exactly one tick of audio. A full queue
// drops the incoming frame, never the queued backlog.
func (r *Registry) PushFrame(sessionID string, frame []byte) {
	if len(frame) != audio.FrameBytes {
		r.metrics.CountFrameDropped("length")
		return
	}

	r.mu.Lock()
	_, m := r.memberLocked(sessionID)
	if m == nil {
		r.mu.Unlock()
		r.metrics.CountFrameDropped("no_channel")
		return
	}
	if m.muted || !m.talking {
		r.mu.Unlock()
		r.metrics.CountFrameDropped("gated")
		return
	}
	queued := m.queue.Push(frame)
	r.mu.Unlock()

	if !queued {
		r.metrics.CountFrameDropped("overflow")
		return
	}
	r.framesIn.Add(1)
	r.bytesIn.Add(uint64(len(frame)))
	r.metrics.CountFrameIn(len(frame))
}

// startMixerLocked spawns the channel's mixer task. Must hold the lock; the
// caller has just added the first member.
func (r *Registry) startMixerLocked(ch *channelState) {
	if ch.mixing {
		return
	}
	ch.mixing = true
	ch.stop = make(chan struct{})
	go r.runMixer(ch.name, ch.stop)
	slog.Debug("mixer started", "channel", ch.name)
}

// stopMixerLocked signals the channel's mixer task to exit. Must hold the
// lock; the caller has just removed the last member or the channel itself.
func (r *Registry) stopMixerLocked(ch *channelState) {
	if !ch.mixing {
		return
	}
	ch.mixing = false
	close(ch.stop)
	ch.stop = nil
	slog.Debug("mixer stopped", "channel", ch.name)
}

func (r *Registry) runMixer(channel string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mixTick(channel)
		}
	}
}

// mixTick runs one mixing pass over a channel. Speaker eligibility is
// snapshotted once before any queue is popped, so every listener this tick
// hears the same set of speakers minus themselves. Queue pops happen under
// the lock; the mixing math and the sends do not.
func (r *Registry) mixTick(channel string) {
	start := time.Now()

	type job struct {
		dst    chan []byte
		frames [][]byte
	}
	var jobs []job

	r.mu.Lock()
	ch, ok := r.channels[channel]
	if !ok || !ch.mixing {
		r.mu.Unlock()
		return
	}

	eligible := make([]*membership, 0, len(ch.members))
	for _, m := range ch.members {
		if !m.muted && m.talking && m.queue.Len() >= r.opts.JitterFloor {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) > 0 {
		for _, listener := range ch.members {
			var frames [][]byte
			for _, speaker := range eligible {
				if speaker == listener {
					continue
				}
				if f := speaker.queue.Pop(); f != nil {
					frames = append(frames, f)
				}
			}
			if len(frames) > 0 {
				jobs = append(jobs, job{dst: listener.sess.audio, frames: frames})
			}
		}
	}
	r.mu.Unlock()

	delivered := 0
	for _, j := range jobs {
		mixed := audio.Mix(j.frames)
		if mixed == nil {
			continue
		}
		if trySendAudio(j.dst, mixed) {
			delivered++
		} else {
			r.metrics.CountFrameDropped("slow_listener")
		}
	}
	if delivered > 0 {
		r.framesMixed.Add(uint64(delivered))
	}
	r.metrics.RecordMixTick(time.Since(start), delivered)
}
