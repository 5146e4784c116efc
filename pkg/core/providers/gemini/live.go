package gemini

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/genai"

	"github.com/shoptalk-ai/shoptalk/pkg/core"
	"github.com/shoptalk-ai/shoptalk/pkg/core/chat"
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
	"github.com/shoptalk-ai/shoptalk/pkg/core/voice"
)

// pcm16MimeType is the uplink frame format: 16 kHz mono 16-bit PCM.
const pcm16MimeType = "audio/pcm;rate=16000"

// LiveDialer opens realtime audio sessions against the live model.
type LiveDialer struct {
	client *Client
}

// Connect dials a live session configured for spoken replies with both
// transcription directions enabled.
func (d *LiveDialer) Connect(ctx context.Context, cfg voice.ChannelConfig) (voice.Channel, error) {
	connectCfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		Tools:                    []*genai.Tool{recommendTool()},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.SystemInstruction != "" {
		connectCfg.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	voiceName := cfg.VoiceName
	if voiceName == "" {
		voiceName = d.client.voiceName
	}
	if voiceName != "" {
		connectCfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voiceName},
			},
		}
	}

	session, err := d.client.genai.Live.Connect(ctx, d.client.liveModel, connectCfg)
	if err != nil {
		return nil, core.NewProviderError("gemini", err)
	}
	return &liveChannel{session: session}, nil
}

// liveChannel adapts one genai live session to the voice channel contract.
// Next is called from a single reader goroutine; Send methods may be
// called from others, which the underlying session permits.
type liveChannel struct {
	session *genai.Session

	pending   []voice.ChannelEvent
	closeOnce sync.Once
	closeErr  error
}

// Next returns the next channel event. One server message can carry
// several logical events (audio, transcription, interruption), so
// translated events queue locally and drain in order.
func (ch *liveChannel) Next() (voice.ChannelEvent, error) {
	for {
		if len(ch.pending) > 0 {
			ev := ch.pending[0]
			ch.pending = ch.pending[1:]
			return ev, nil
		}

		msg, err := ch.session.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, core.NewProviderError("gemini", err)
		}
		ch.pending = translateServerMessage(msg)
	}
}

// SendAudio transmits one uplink PCM frame.
func (ch *liveChannel) SendAudio(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := ch.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{Data: frame, MIMEType: pcm16MimeType},
	})
	if err != nil {
		return core.NewProviderError("gemini", err)
	}
	return nil
}

// SendToolResult acknowledges a tool call so the model's spoken turn can
// continue.
func (ch *liveChannel) SendToolResult(ctx context.Context, result voice.ToolResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := ch.session.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: []*genai.FunctionResponse{{
			ID:       result.ID,
			Name:     result.Name,
			Response: result.Output,
		}},
	})
	if err != nil {
		return core.NewProviderError("gemini", err)
	}
	return nil
}

// Close tears the session down. Safe to call more than once.
func (ch *liveChannel) Close() error {
	ch.closeOnce.Do(func() {
		ch.closeErr = ch.session.Close()
	})
	return ch.closeErr
}

// translateServerMessage flattens one server message into ordered channel
// events. Interruption is surfaced before any audio in the same message so
// consumers cancel stale playback before scheduling new chunks.
func translateServerMessage(msg *genai.LiveServerMessage) []voice.ChannelEvent {
	if msg == nil {
		return nil
	}
	var events []voice.ChannelEvent

	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			events = append(events, &voice.InterruptedEvent{})
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			events = append(events, &voice.TranscriptEvent{
				Role: types.RoleUser,
				Text: sc.InputTranscription.Text,
			})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			events = append(events, &voice.TranscriptEvent{
				Role: types.RoleAssistant,
				Text: sc.OutputTranscription.Text,
			})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				events = append(events, &voice.AudioChunkEvent{Data: part.InlineData.Data})
			}
		}
		if sc.TurnComplete {
			events = append(events, &voice.TurnCompleteEvent{})
		}
	}

	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			events = append(events, &voice.ToolCallEvent{Call: chat.ToolCall{
				ID:   fc.ID,
				Name: fc.Name,
				Args: fc.Args,
			}})
		}
	}

	return events
}
