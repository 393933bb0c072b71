// Command concierge-dial places a simulated call against a running concierge
// server. It streams a WAV recording as the caller's voice, ends the turn when
// the caller falls silent, and records the spoken reply to a WAV file.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/concierge/pkg/audio"
	"github.com/MrWong99/concierge/pkg/audio/wavfile"
	"github.com/MrWong99/concierge/pkg/playback"
	"github.com/MrWong99/concierge/pkg/vad"
)

// frameDuration is how much caller audio goes into one append event.
const frameDuration = 20 * time.Millisecond

func main() {
	os.Exit(run())
}

func run() int {
	server := flag.String("server", "http://localhost:8080", "base URL of the concierge server")
	in := flag.String("in", "", "WAV recording of the caller (required)")
	out := flag.String("out", "reply.wav", "where to write the spoken reply")
	timeout := flag.Duration("timeout", time.Minute, "give up waiting for a reply after this long")
	verbose := flag.Bool("v", false, "log every upstream event")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *in == "" {
		fmt.Fprintln(os.Stderr, "concierge-dial: -in is required")
		flag.Usage()
		return 2
	}

	pcm, err := loadCaller(*in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "concierge-dial: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	c := newClient(*server, nil)
	defer func() {
		hctx, hcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer hcancel()
		if err := c.hangUp(hctx); err != nil {
			slog.Warn("hang up failed", "err", err)
		}
	}()

	reply, err := dial(ctx, c, pcm)
	if err != nil {
		slog.Error("call failed", "err", err)
		return 1
	}

	f, err := os.Create(*out)
	if err != nil {
		slog.Error("create output", "err", err)
		return 1
	}
	defer f.Close()
	if err := wavfile.Write(f, reply, audio.SampleRate); err != nil {
		slog.Error("write reply", "err", err)
		return 1
	}
	slog.Info("reply saved", "path", *out, "duration", audio.Duration(reply))
	return 0
}

// loadCaller reads a WAV file and converts it to the wire sample rate.
func loadCaller(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	clip, err := wavfile.Read(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return audio.ResampleMono16(clip.PCM, clip.SampleRate, audio.SampleRate), nil
}

// dial runs one call: it waits for the session, speaks pcm, and returns the
// PCM16 of the first complete reply.
func dial(ctx context.Context, c *client, pcm []byte) ([]byte, error) {
	cc, err := c.settings(ctx)
	if err != nil {
		return nil, err
	}
	pollEvery := time.Duration(cc.PollIntervalMs) * time.Millisecond
	if pollEvery <= 0 {
		pollEvery = time.Second
	}

	var (
		seq      = playback.NewSequencer()
		reply    bytes.Buffer
		ready    = make(chan struct{})
		readyOne sync.Once
		finished = make(chan struct{})
		doneOne  sync.Once
	)
	sink := &playback.PCMSink{
		W: &reply,
		OnFinal: func(id string) {
			slog.Info("reply complete", "response_id", id)
			doneOne.Do(func() { close(finished) })
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	// Poll loop: surface events and route audio into the local sequencer.
	g.Go(func() error {
		t := time.NewTicker(pollEvery)
		defer t.Stop()
		for {
			snap, err := c.poll(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				slog.Warn("poll failed", "err", err)
			} else {
				if snap.IsSessionCreated {
					readyOne.Do(func() { close(ready) })
				}
				logEvents(snap.Responses)
				for _, ch := range snap.Audio {
					if ch.Final {
						seq.Complete(ch.ResponseID)
					} else {
						seq.Append(ch.ResponseID, ch.Delta)
					}
				}
			}
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
			}
		}
	})

	// Playout into the reply buffer.
	g.Go(func() error {
		err := playback.NewPlayer(seq, sink).Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// Speak once the session is up.
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-ready:
		}
		slog.Info("session ready, speaking", "duration", audio.Duration(pcm))
		ep := vad.New(vad.Config{
			Threshold:     cc.Threshold,
			QuietDuration: time.Duration(cc.QuietDurationMs) * time.Millisecond,
		})
		defer ep.Stop()
		if err := speak(gctx, c, ep, pcm); err != nil {
			return err
		}
		slog.Info("turn ended, waiting for reply")
		return nil
	})

	// Stop the loops once a reply is complete or the call is abandoned.
	var result error
	select {
	case <-finished:
	case <-gctx.Done():
		result = context.Cause(gctx)
	}
	g.Go(func() error { return errStopped })
	if err := g.Wait(); err != nil && !errors.Is(err, errStopped) {
		return nil, err
	}
	if result != nil {
		return nil, fmt.Errorf("no reply: %w", result)
	}
	return reply.Bytes(), nil
}

// errStopped unwinds the errgroup once the call is over.
var errStopped = errors.New("call finished")

// speak streams pcm in real time as append events, feeding each frame's level
// to ep. It commits the turn and requests a reply when ep detects the end of
// the utterance or the recording runs out.
func speak(ctx context.Context, c *client, ep *vad.Endpointer, pcm []byte) error {
	frame := audio.SampleRate * int(frameDuration/time.Millisecond) / 1000 * audio.BytesPerSample
	t := time.NewTicker(frameDuration)
	defer t.Stop()

	heard := false
	for off := 0; off < len(pcm); off += frame {
		chunk := pcm[off:min(off+frame, len(pcm))]
		ev := ep.Observe(audio.Level(chunk))
		if ev.Type == vad.VADSpeechStart {
			heard = true
		}

		payload, err := audio.EncodePCM(chunk)
		if err != nil {
			return err
		}
		if err := c.send(ctx, map[string]string{"type": "input_audio_buffer.append", "audio": payload}); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ep.Ended():
			if heard {
				slog.Debug("end of utterance detected", "offset", audio.Duration(pcm[:off]))
				return commit(ctx, c)
			}
			// Leading silence; keep listening.
			ep.Reset()
		case <-t.C:
		}
	}
	return commit(ctx, c)
}

func commit(ctx context.Context, c *client) error {
	if err := c.send(ctx, map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return c.send(ctx, map[string]string{"type": "response.create"})
}

// logEvents reports upstream events. Errors are always shown; everything else
// only with -v.
func logEvents(events []json.RawMessage) {
	for _, raw := range events {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			continue
		}
		if head.Type == "error" {
			slog.Warn("upstream error", "event", string(raw))
			continue
		}
		slog.Debug("upstream event", "type", head.Type, "bytes", len(raw))
	}
}
