package inject

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	shellwords "github.com/mattn/go-shellwords"
)

// ExecClipboard pipes text to a clipboard command's stdin, e.g. "pbcopy"
// or "xclip -selection clipboard".
type ExecClipboard struct {
	Command string
}

func (c ExecClipboard) Write(text string) error {
	args, err := shellwords.Parse(c.Command)
	if err != nil {
		return fmt.Errorf("parse clipboard command: %w", err)
	}
	if len(args) == 0 {
		return fmt.Errorf("clipboard command empty")
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("clipboard command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ExecPaster writes the text to the clipboard, waits for the focused app to
// observe the clipboard change, then fires the paste keystroke command.
type ExecPaster struct {
	Clipboard Clipboard
	Command   string
	Delay     time.Duration
}

func (p ExecPaster) Paste(text string) error {
	if p.Clipboard != nil {
		if err := p.Clipboard.Write(text); err != nil {
			return err
		}
	}
	if p.Delay > 0 {
		time.Sleep(p.Delay)
	}
	args, err := shellwords.Parse(p.Command)
	if err != nil {
		return fmt.Errorf("parse paste command: %w", err)
	}
	if len(args) == 0 {
		return fmt.Errorf("paste command empty")
	}
	if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
		return fmt.Errorf("paste command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ExecTypist drives a keystroke helper command. The helper is invoked as
// "<command> type -- <text>" for insertion and "<command> backspace <n>"
// for deletion, keeping the OS-specific input machinery out of the daemon.
type ExecTypist struct {
	Command string
}

func (t ExecTypist) run(extra ...string) error {
	args, err := shellwords.Parse(t.Command)
	if err != nil {
		return fmt.Errorf("parse type command: %w", err)
	}
	if len(args) == 0 {
		return fmt.Errorf("type command empty")
	}
	args = append(args, extra...)
	if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
		return fmt.Errorf("type command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (t ExecTypist) Type(text string) error {
	if text == "" {
		return nil
	}
	return t.run("type", "--", text)
}

func (t ExecTypist) Backspace(n int) error {
	if n <= 0 {
		return nil
	}
	return t.run("backspace", strconv.Itoa(n))
}
