package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/voxread-labs/voxread-core/internal/keymap"
)

var version = "0.1.0-dev"

const defaultAddr = "http://127.0.0.1:8080"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'read', 'status', 'voices' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "read":
		err = runRead(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "voices":
		err = runVoices(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type snapshot struct {
	Status      string  `json:"status"`
	ChunkIndex  int     `json:"chunk_index"`
	TotalChunks int     `json:"total_chunks"`
	Percent     float64 `json:"percent"`
	Rate        float64 `json:"rate"`
	Voice       string  `json:"voice"`
	ChunkText   string  `json:"chunk_text"`
	ResumeIndex *int    `json:"resume_index"`
	Fault       string  `json:"fault"`
}

type client struct {
	addr string
	http *http.Client
}

func (c *client) call(method, path string, body io.Reader, out any) error {
	req, err := http.NewRequest(method, c.addr+path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reach voxd at %s: %w", c.addr, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *client) command(name string) (snapshot, error) {
	var s snapshot
	err := c.call("POST", "/v1/playback/"+name, nil, &s)
	return s, err
}

// runRead loads a file into the daemon and drives playback from stdin.
// Keys are read line-buffered, so press Enter after each key; arrow
// escape sequences survive line buffering and resolve normally.
func runRead(args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "voxd API address")
	file := fs.String("file", "", "Document to read (defaults to stdin)")
	id := fs.String("id", "", "Document id (defaults to a content hash)")
	fs.Parse(args)

	c := &client{addr: *addr, http: http.DefaultClient}

	var doc []byte
	var err error
	if *file != "" {
		doc, err = os.ReadFile(*file)
	} else {
		doc, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}

	path := "/v1/document"
	if *id != "" {
		path += "?id=" + *id
	}
	var snap snapshot
	if err := c.call("POST", path, bytes.NewReader(doc), &snap); err != nil {
		return err
	}
	fmt.Printf("loaded %d chunks\n", snap.TotalChunks)

	if snap.ResumeIndex != nil {
		fmt.Printf("resume at chunk %d? [y/N] ", *snap.ResumeIndex)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y") {
			if snap, err = c.command("resume"); err != nil {
				return err
			}
			fmt.Printf("resuming at chunk %d\n", snap.ChunkIndex)
		}
	}

	fmt.Print(keymap.Help())
	return interactiveLoop(c)
}

func interactiveLoop(c *client) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		seq := scanner.Text()
		if seq == "" {
			seq = " " // bare Enter toggles, like the space bar
		}
		action := keymap.Resolve(seq)
		if action == keymap.ActionNone && len(seq) > 0 {
			action = keymap.Resolve(seq[:1])
		}

		var snap snapshot
		var err error
		switch action {
		case keymap.ActionToggle:
			if err = c.call("GET", "/v1/playback", nil, &snap); err == nil {
				snap, err = c.command(keymap.ToggleCommand(snap.Status))
			}
		case keymap.ActionNext:
			snap, err = c.command("next")
		case keymap.ActionPrevious:
			snap, err = c.command("previous")
		case keymap.ActionStop:
			snap, err = c.command("stop")
		case keymap.ActionRestart:
			if err = c.call("POST", "/v1/playback/seek", strings.NewReader(`{"index":0}`), &snap); err == nil {
				snap, err = c.command("play")
			}
		case keymap.ActionRateUp, keymap.ActionRateDown:
			snap, err = c.adjustRate(action)
		case keymap.ActionHelp:
			fmt.Print(keymap.Help())
			continue
		case keymap.ActionQuit:
			return nil
		default:
			continue
		}

		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		printStatus(snap)
	}
	return scanner.Err()
}

func (c *client) adjustRate(action keymap.Action) (snapshot, error) {
	var snap snapshot
	if err := c.call("GET", "/v1/playback", nil, &snap); err != nil {
		return snap, err
	}
	rate := snap.Rate
	if action == keymap.ActionRateUp {
		rate += 0.1
	} else {
		rate -= 0.1
	}
	body := fmt.Sprintf(`{"value": %.2f}`, rate)
	err := c.call("POST", "/v1/playback/rate", strings.NewReader(body), &snap)
	return snap, err
}

func printStatus(s snapshot) {
	line := fmt.Sprintf("[%s] chunk %d/%d (%.0f%%) rate %.1f", s.Status, s.ChunkIndex+1, s.TotalChunks, s.Percent, s.Rate)
	if s.Fault != "" {
		line += " fault: " + s.Fault
	}
	fmt.Println(line)
	if s.ChunkText != "" {
		fmt.Println("  " + s.ChunkText)
	}
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "voxd API address")
	fs.Parse(args)

	c := &client{addr: *addr, http: http.DefaultClient}
	var snap snapshot
	if err := c.call("GET", "/v1/playback", nil, &snap); err != nil {
		return err
	}
	printStatus(snap)
	return nil
}

func runVoices(args []string) error {
	fs := flag.NewFlagSet("voices", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "voxd API address")
	locale := fs.String("locale", "", "Filter by locale prefix, e.g. en- or en-GB")
	quality := fs.String("quality", "", "Filter by quality tier")
	web := fs.Bool("web", false, "Only voices available in web browsers")
	fs.Parse(args)

	c := &client{addr: *addr, http: http.DefaultClient}
	query := "?locale=" + *locale + "&quality=" + *quality
	if *web {
		query += "&web=true"
	}
	var out struct {
		Voices []struct {
			Display string `json:"display"`
		} `json:"voices"`
	}
	if err := c.call("GET", "/v1/voices"+query, nil, &out); err != nil {
		return err
	}
	for _, v := range out.Voices {
		fmt.Println(v.Display)
	}
	return nil
}
