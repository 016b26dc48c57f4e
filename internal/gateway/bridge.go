package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/voxgate/internal/auth"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/protocol"
	"github.com/MrWong99/voxgate/pkg/provider/s2s"
	"golang.org/x/sync/errgroup"
)

// Run serves the connection until the client disconnects, the backend
// session ends or ctx is cancelled. The session is closed when Run returns.
// A nil error means the connection ended normally.
func (s *Session) Run(ctx context.Context) error {
	closeWith := func(reason string) {
		if ctx.Err() != nil {
			reason = ReasonShutdown
		}
		s.Close(reason)
	}

	if p, ok := auth.PrincipalFrom(ctx); ok && p.DeviceID != "" {
		s.mu.Lock()
		s.log = s.log.With("device", p.DeviceID)
		s.mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	// Cancellation closes the session, which sends the close frame and
	// unblocks the pending read.
	g.Go(func() error {
		select {
		case <-ctx.Done():
			s.Close(ReasonShutdown)
		case <-s.closed:
		}
		return nil
	})
	g.Go(func() error {
		err := s.receiveLoop(gctx)
		closeWith(ReasonClientGone)
		return err
	})
	g.Go(func() error {
		s.pumpEvents(gctx)
		closeWith(ReasonBackendEnded)
		return nil
	})
	return g.Wait()
}

// receiveLoop reads client messages until the transport closes. Reads are not
// bound to ctx: a cancelled read would drop the connection before the close
// frame is written.
func (s *Session) receiveLoop(ctx context.Context) error {
	readCtx := context.WithoutCancel(ctx)
	for {
		msg, err := s.transport.Receive(readCtx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil || s.State() == StateClosed {
				return nil
			}
			return fmt.Errorf("gateway: receive: %w", err)
		}

		switch msg.Kind {
		case MessageText:
			s.handleText(ctx, msg.Data)
		case MessageBinary:
			s.handleBinary(ctx, msg.Data)
		}
	}
}

func (s *Session) handleText(ctx context.Context, data []byte) {
	ctl, err := protocol.ParseControl(data)
	if err != nil {
		s.logger().Warn("ignoring malformed control message", "err", err)
		s.metrics.RecordFrameRejected(ctx, "malformed_control")
		return
	}
	if err := s.handleControl(ctx, ctl); err != nil {
		s.logger().Warn("control message failed", "type", ctl.Type, "err", err)
	}
}

func (s *Session) handleBinary(ctx context.Context, data []byte) {
	s.mu.Lock()
	state, version, backend := s.state, s.version, s.backend
	if state != StateBridging {
		s.earlyDropped++
		first := s.earlyDropped == 1
		s.mu.Unlock()
		if first {
			s.logger().Warn("dropping audio received before the backend is connected", "state", state.String())
		}
		s.metrics.RecordFrameRejected(ctx, "not_bridging")
		return
	}
	s.mu.Unlock()

	frame, err := protocol.Decode(data, version)
	if err != nil {
		s.logger().Warn("dropping undecodable frame", "version", int(version), "bytes", len(data), "err", err)
		s.metrics.RecordFrameRejected(ctx, rejectReason(err))
		return
	}
	s.metrics.RecordFrameDecoded(ctx, version.String(), frame.Kind.String())

	if frame.Kind == protocol.KindJSON {
		s.handleText(ctx, frame.Payload)
		return
	}
	if len(frame.Payload) == 0 {
		return
	}

	out, err := s.convertInbound(frame.Payload)
	if err != nil {
		s.logger().Debug("dropping client audio", "err", err)
		if errors.Is(err, audio.ErrCodecFailure) {
			s.metrics.RecordCodecFailure(ctx, "decode")
		}
		return
	}
	if len(out) == 0 {
		return
	}
	if err := backend.SendAudio(out); err != nil {
		s.logger().Warn("backend send failed", "backend", s.backendName, "err", err)
		s.metrics.RecordBackendError(ctx, s.backendName, "send")
		return
	}
	s.metrics.RecordAudioBytes(ctx, "inbound", len(out))
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrTruncatedFrame):
		return "truncated"
	case errors.Is(err, protocol.ErrEmptyFrame):
		return "empty"
	default:
		return "invalid"
	}
}

// convertInbound turns one client audio payload into the backend input
// format. A client that declared pcm16 always sends raw PCM; a client that
// declared opus is trusted unless raw-PCM detection is enabled.
func (s *Session) convertInbound(payload []byte) ([]byte, error) {
	s.mu.Lock()
	declared, in, rate := s.declared, s.inFormat, s.inRate
	s.mu.Unlock()

	var raw bool
	switch {
	case audio.Known(declared) && audio.ParseFormat(declared) == audio.FormatPCM16:
		raw = true
	case audio.ParseFormat(declared) == audio.FormatOpus && !s.gw.DetectRawPCM:
		raw = false
	default:
		raw = audio.LooksLikeRawPCM(payload)
	}
	if raw {
		return s.conv.RawPCMToTarget(payload, in, s.gw.SampleRate, rate)
	}
	return s.conv.CompressedToTarget(payload, in, s.gw.SampleRate, rate)
}

// pumpEvents relays backend events to the client until the event channel
// closes or the session ends.
func (s *Session) pumpEvents(ctx context.Context) {
	select {
	case <-s.ready:
	case <-s.closed:
		return
	case <-ctx.Done():
		return
	}

	s.mu.Lock()
	backend, out := s.backend, outbound{
		s:       s,
		version: s.version,
		format:  s.outFormat,
		rate:    s.outRate,
		framer:  audio.NewFramer(audio.FrameBytes(s.gw.SampleRate)),
	}
	s.mu.Unlock()

	events := backend.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-s.abort:
			out.discard(ctx)
		case ev, ok := <-events:
			if !ok {
				if err := backend.Err(); err != nil {
					s.logger().Warn("backend session failed", "backend", s.backendName, "err", err)
					s.metrics.RecordBackendError(ctx, s.backendName, "terminated")
				}
				return
			}
			out.handle(ctx, ev)
		}
	}
}

// outbound holds the per-connection state of the backend-to-client direction.
// It is only touched by the pump goroutine.
type outbound struct {
	s        *Session
	version  protocol.Version
	format   audio.Format
	rate     int
	framer   *audio.Framer
	speaking bool
}

func (o *outbound) handle(ctx context.Context, ev s2s.Event) {
	s := o.s
	switch ev.Type {
	case s2s.EventAudio:
		pcm, err := s.conv.ToPCM16(ev.Audio, o.format, o.rate)
		if err != nil {
			return
		}
		if len(pcm)%2 != 0 {
			// Chunks carry whole samples; a stray byte would shift every
			// later sample in the framer.
			s.logger().Debug("dropping odd byte from backend audio", "bytes", len(pcm))
			pcm = pcm[:len(pcm)-1]
		}
		if len(pcm) == 0 {
			return
		}
		pcm = audio.Resample(pcm, o.rate, s.gw.SampleRate)
		if !o.speaking {
			o.speaking = true
			o.sendTTS(ctx, protocol.TTSStart, "")
		}
		for _, frame := range o.framer.Write(pcm) {
			o.sendFrame(ctx, frame)
		}

	case s2s.EventAudioDone:
		if tail := o.framer.Flush(); tail != nil {
			o.sendFrame(ctx, tail)
		}
		if o.speaking {
			o.speaking = false
			o.sendTTS(ctx, protocol.TTSStop, "")
		}

	case s2s.EventInterrupted:
		s.logger().Debug("backend reported barge-in")
		o.discard(ctx)

	case s2s.EventTranscript:
		s.logger().Info("transcript", "role", ev.Role, "text", ev.Text)
		if ev.Role == "user" {
			o.sendJSON(ctx, protocol.STTMessage{Type: protocol.TypeSTT, Text: ev.Text, SessionID: s.ID()})
		} else {
			o.sendTTS(ctx, protocol.TTSSentenceStart, ev.Text)
		}

	case s2s.EventError:
		s.logger().Warn("backend error", "backend", s.backendName, "err", ev.Err)
		s.metrics.RecordBackendError(ctx, s.backendName, "event")
	}
}

// discard drops buffered speech and tells the client to stop playback.
func (o *outbound) discard(ctx context.Context) {
	if n := o.framer.Buffered(); n > 0 {
		o.s.logger().Debug("discarding buffered speech", "bytes", n)
	}
	o.framer.Reset()
	if o.speaking {
		o.speaking = false
		o.sendTTS(ctx, protocol.TTSStop, "")
	}
}

func (o *outbound) sendFrame(ctx context.Context, pcm []byte) {
	s := o.s
	packet, err := s.conv.TargetToCompressed(pcm, audio.FormatPCM16, s.gw.SampleRate)
	if err != nil {
		s.logger().Debug("dropping backend audio frame", "err", err)
		s.metrics.RecordCodecFailure(ctx, "encode")
		return
	}
	data, err := protocol.Encode(packet, o.version, protocol.KindAudio)
	if err != nil {
		s.logger().Warn("cannot frame backend audio", "err", err)
		return
	}
	if err := s.transport.SendBinary(ctx, data); err != nil {
		o.sendFailed(err)
		return
	}
	s.metrics.RecordAudioBytes(ctx, "outbound", len(packet))
}

func (o *outbound) sendTTS(ctx context.Context, state, text string) {
	o.sendJSON(ctx, protocol.TTSMessage{
		Type:      protocol.TypeTTS,
		State:     state,
		Text:      text,
		SessionID: o.s.ID(),
	})
}

func (o *outbound) sendJSON(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		o.s.logger().Warn("cannot encode control message", "err", err)
		return
	}
	if err := o.s.transport.SendText(ctx, string(data)); err != nil {
		o.sendFailed(err)
	}
}

func (o *outbound) sendFailed(err error) {
	if errors.Is(err, ErrClosed) {
		return
	}
	o.s.logger().Warn("client send failed", "err", err)
}
