package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
	"github.com/shoptalk-ai/shoptalk/pkg/core/voice"
	shoptalk "github.com/shoptalk-ai/shoptalk/sdk"
)

// maxPlaybackDrain caps how long /text and /end wait for already
// scheduled assistant audio to finish playing.
const maxPlaybackDrain = 5 * time.Second

// runVoiceMode flips the session into realtime voice: microphone PCM
// goes up the websocket, assistant audio comes back down into ffplay,
// and a small command loop stays on the terminal. Returning nil puts
// the caller back into the text REPL; errChatExitRequested means the
// shopper asked to quit entirely.
func runVoiceMode(ctx context.Context, scanner *bufio.Scanner, client *shoptalk.Client, sessionID string, out io.Writer, errOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if client == nil {
		return errors.New("client must not be nil")
	}
	if scanner == nil {
		return errors.New("input scanner must not be nil")
	}
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}

	session, err := client.ConnectVoice(ctx, sessionID)
	if err != nil {
		return err
	}
	defer session.Close()

	capture := voice.CaptureFormat()
	mic, err := newFFmpegMicCapture(capture.SampleRate)
	if err != nil {
		return err
	}
	defer mic.Close()

	playbackRate := session.Ack().AudioOut.SampleRateHz
	if playbackRate <= 0 {
		playbackRate = voice.PlaybackFormat().SampleRate
	}
	player, err := newFFplayPCMPlayer(playbackRate)
	if err != nil {
		return err
	}
	defer player.Close()

	voiceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	framer := voice.NewFramer(capture, voice.FrameSamples)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			if voiceCtx.Err() != nil {
				return
			}
			n, readErr := mic.Read(buf)
			if n > 0 {
				for _, frame := range framer.Push(buf[:n]) {
					if sendErr := session.SendAudio(frame); sendErr != nil {
						if voiceCtx.Err() == nil {
							fmt.Fprintf(errOut, "voice mic send error: %v\n", sendErr)
						}
						return
					}
				}
			}
			if readErr != nil {
				if tail := framer.Flush(); len(tail) > 0 && voiceCtx.Err() == nil {
					if sendErr := session.SendAudio(tail); sendErr != nil {
						fmt.Fprintf(errOut, "voice mic send error: %v\n", sendErr)
					}
				}
				if voiceCtx.Err() == nil && !errors.Is(readErr, io.EOF) {
					fmt.Fprintf(errOut, "voice mic read error: %v\n", readErr)
				}
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for event := range session.Events() {
			switch e := event.(type) {
			case shoptalk.VoiceTranscript:
				if text := strings.TrimSpace(e.Text); text != "" {
					fmt.Fprintf(out, "\n[%s] %s\n", transcriptLabel(e.Role), text)
				}
			case shoptalk.VoiceAudioChunk:
				if err := player.Write(e.Data); err != nil {
					fmt.Fprintf(errOut, "voice playback error: %v\n", err)
					continue
				}
			case shoptalk.VoiceAudioReset:
				_ = player.Reset()
			case shoptalk.VoiceRecommendation:
				fmt.Fprintln(out)
				printRecommendation(out, types.Recommendation{Product: e.Product, Reasoning: e.Reasoning})
			case shoptalk.VoiceStateChange:
				fmt.Fprintf(out, "(%s)\n", strings.ToLower(strings.TrimSpace(e.State)))
			case shoptalk.VoiceError:
				fmt.Fprintf(errOut, "voice session error: %s\n", strings.TrimSpace(e.Message))
			}
		}
	}()

	fmt.Fprintf(out, "Voice mode connected (session %s)\n", session.Ack().SessionID)
	fmt.Fprintln(out, "Voice commands: /text to return, /interrupt to barge-in, /end to end the voice session, /exit to quit.")
	for {
		fmt.Fprint(out, "(voice)> ")
		if !scanner.Scan() {
			stopVoiceMode(session, cancel, &wg)
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read voice command: %w", err)
			}
			fmt.Fprintln(out)
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/text":
			drainPlayback(session)
			stopVoiceMode(session, cancel, &wg)
			fmt.Fprintln(out, "returned to text mode")
			return nil
		case "/interrupt":
			if err := session.Interrupt(); err != nil {
				fmt.Fprintf(errOut, "interrupt error: %v\n", err)
			}
		case "/end":
			_ = session.EndSession()
			drainPlayback(session)
			stopVoiceMode(session, cancel, &wg)
			fmt.Fprintln(out, "voice session ended")
			return nil
		case "/exit", "/quit":
			_ = session.EndSession()
			stopVoiceMode(session, cancel, &wg)
			return errChatExitRequested
		default:
			fmt.Fprintln(out, "voice commands: /text, /interrupt, /end, /exit")
		}
	}
}

// stopVoiceMode tears the workers down in an order both can observe:
// the canceled context stops the mic loop, and closing the websocket
// ends the events channel the other goroutine ranges over.
func stopVoiceMode(session *shoptalk.VoiceSession, cancel context.CancelFunc, wg *sync.WaitGroup) {
	cancel()
	_ = session.Close()
	wg.Wait()
}

// drainPlayback gives ffplay time to finish the audio the gateway has
// already scheduled before the pipe is torn down.
func drainPlayback(session *shoptalk.VoiceSession) {
	backlog := session.Backlog()
	if backlog <= 0 {
		return
	}
	if backlog > maxPlaybackDrain {
		backlog = maxPlaybackDrain
	}
	time.Sleep(backlog)
}

func transcriptLabel(role string) string {
	if role == string(types.RoleUser) {
		return "you"
	}
	return "assistant"
}

type ffmpegMicCapture struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func newFFmpegMicCapture(sampleRate int) (*ffmpegMicCapture, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, errors.New("ffmpeg is required for /voice mic capture (install ffmpeg and ensure it is in PATH)")
	}
	args, err := micFFmpegArgs(runtime.GOOS, sampleRate)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg mic capture: %w", err)
	}
	return &ffmpegMicCapture{cmd: cmd, stdout: stdout}, nil
}

func micFFmpegArgs(goos string, sampleRate int) ([]string, error) {
	switch goos {
	case "darwin":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation", "-i", ":0",
			"-ac", "1", "-ar", fmt.Sprintf("%d", sampleRate),
			"-f", "s16le", "-",
		}, nil
	case "linux":
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "pulse", "-i", "default",
			"-ac", "1", "-ar", fmt.Sprintf("%d", sampleRate),
			"-f", "s16le", "-",
		}, nil
	default:
		return nil, fmt.Errorf("voice mic capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
}

func (m *ffmpegMicCapture) Read(p []byte) (int, error) {
	if m == nil || m.stdout == nil {
		return 0, io.EOF
	}
	return m.stdout.Read(p)
}

func (m *ffmpegMicCapture) Close() error {
	if m == nil {
		return nil
	}
	if m.cmd != nil && m.cmd.Process != nil {
		_ = m.cmd.Process.Kill()
		_ = m.cmd.Wait()
	}
	return nil
}

type ffplayPCMPlayer struct {
	mu         sync.Mutex
	sampleRate int
	cmd        *exec.Cmd
	stdin      io.WriteCloser
}

func newFFplayPCMPlayer(sampleRate int) (*ffplayPCMPlayer, error) {
	if _, err := exec.LookPath("ffplay"); err != nil {
		return nil, errors.New("ffplay is required for /voice playback (install ffmpeg/ffplay and ensure it is in PATH)")
	}
	player := &ffplayPCMPlayer{sampleRate: sampleRate}
	if err := player.startLocked(); err != nil {
		return nil, err
	}
	return player, nil
}

func (p *ffplayPCMPlayer) startLocked() error {
	p.cmd = exec.Command("ffplay",
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", p.sampleRate),
		"-ac", "1",
		"-i", "pipe:0",
	)
	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	p.cmd.Stdout = io.Discard
	p.cmd.Stderr = io.Discard
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}
	p.stdin = stdin
	return nil
}

func (p *ffplayPCMPlayer) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return errors.New("ffplay stdin is not initialized")
	}
	_, err := p.stdin.Write(data)
	return err
}

// Reset restarts ffplay so queued audio is dropped immediately. Writing
// continues into the fresh process.
func (p *ffplayPCMPlayer) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	}
	p.stdin = nil
	return p.startLocked()
}

func (p *ffplayPCMPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	}
	p.stdin = nil
	return nil
}
