package device

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecDevice speaks through an external synthesis command. Each
// utterance runs the command once with a JSON request on stdin; the
// utterance completes when the process exits, and Cancel kills it.
type ExecDevice struct {
	cmd []string

	mu     sync.Mutex
	proc   *exec.Cmd
	killed bool
}

type execRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Rate  float64 `json:"rate"`
	Pitch float64 `json:"pitch"`
}

func NewExecDevice(command string) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse device command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("device command empty")
	}
	return &ExecDevice{cmd: args}, nil
}

func (e *ExecDevice) Speak(ctx context.Context, u Utterance) (<-chan Event, error) {
	payload, err := json.Marshal(execRequest{Text: u.Text, Voice: u.Voice, Rate: u.Rate, Pitch: u.Pitch})
	if err != nil {
		return nil, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start device command: %w", err)
	}

	e.mu.Lock()
	e.proc = cmd
	e.killed = false
	e.mu.Unlock()

	events := make(chan Event, 2)
	start := time.Now()
	go func() {
		defer close(events)
		events <- Event{Kind: EventStarted}

		// A write failure surfaces through the exit status; stdin must
		// close regardless so commands reading to EOF can finish.
		_, _ = stdin.Write(payload)
		stdin.Close()

		waitErr := cmd.Wait()

		e.mu.Lock()
		killed := e.killed
		e.proc = nil
		e.mu.Unlock()

		elapsed := time.Since(start)
		switch {
		case killed:
			events <- Event{Kind: EventCanceled, Elapsed: elapsed}
		case waitErr != nil:
			events <- Event{Kind: EventErrored, Code: waitErr.Error(), Elapsed: elapsed}
		default:
			events <- Event{Kind: EventCompleted, Elapsed: elapsed}
		}
	}()
	return events, nil
}

func (e *ExecDevice) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc != nil && e.proc.Process != nil {
		e.killed = true
		_ = e.proc.Process.Kill()
	}
}

func (e *ExecDevice) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proc != nil
}
