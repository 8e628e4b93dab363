// Package outputparser extracts relay send commands embedded in a
// worker CLI's stdout stream (spec.md §4.9): inline, fenced, and
// JSON-block shapes, plus spawn/release control commands. Grounded on
// the buffered-scan shape of
// other_examples/a4eee857_ehrlich-b-wingthing__internal-egg-server.go.go's
// replayBuffer (append-only byte accumulation with a bounded lookback),
// generalized from terminal-state tracking to command extraction.
package outputparser

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

const (
	defaultPrefix      = "->relay:"
	lookbackBytes      = 500
	maxFenceBytes      = 1 << 20 // 1 MiB
	dupeSuppressWindow = 10 * time.Second
)

// CommandKind distinguishes a parsed command's shape/purpose.
type CommandKind string

const (
	KindSend    CommandKind = "send"
	KindSpawn   CommandKind = "spawn"
	KindRelease CommandKind = "release"
)

// Command is one extracted relay instruction.
type Command struct {
	Kind   CommandKind
	Target string // peer name, "*", or "#channel" (send); agent name (spawn/release)
	Thread string
	Body   string

	// Spawn-only fields.
	CLI  string
	Task string

	Type string // JSON-block "type" field, if present

	start, end int // absolute offsets into the stripped stream, for ordering/dedup
}

var jsonBlockPattern = mustCompile(`\[\[RELAY\]\]([\s\S]*?)\[\[/RELAY\]\]`)

func mustCompile(pattern string) *regexp2.Regexp {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		panic(err)
	}
	return re
}

// Parser extracts commands from a growing stdout stream.
type Parser struct {
	prefix string

	inlinePattern *regexp2.Regexp
	fencedPattern *regexp2.Regexp

	raw []byte // full accumulated raw stdout, ANSI already stripped by the caller

	consumed int // offset into the stripped stream already emitted up through

	spawnSeen map[string]time.Time // (name,cli,task) -> last-seen time, 10s suppression window
}

// New constructs a Parser. prefix defaults to "->relay:" when empty.
func New(prefix string) *Parser {
	if prefix == "" {
		prefix = defaultPrefix
	}
	quoted := regexp.QuoteMeta(prefix)
	inline := mustCompile(`(?m)^` + quoted + `(\S+)(?:\s+\[thread:([^\]]+)\])?\s+(.+)$`)
	fenced := mustCompile(`(?m)^` + quoted + `(\S+)(?:\s+\[thread:([^\]]+)\])?\s*<<<\r?\n([\s\S]*?)\r?\n\s*>>>`)
	return &Parser{
		prefix:        prefix,
		inlinePattern: inline,
		fencedPattern: fenced,
		spawnSeen:     make(map[string]time.Time),
	}
}

// Feed appends a new stdout chunk and returns every newly completed
// command in appearance order. Feed is idempotent with respect to
// already-emitted commands: growing input never re-yields a command
// already returned, because matches are tracked by their absolute offset
// in the stripped stream rather than by content (spec.md §4.9 invariants).
func (p *Parser) Feed(chunk []byte) []Command {
	p.raw = append(p.raw, chunk...)
	stripped := stripCodeFences(p.raw)

	searchStart := p.consumed - lookbackBytes
	if searchStart < 0 {
		searchStart = 0
	}
	window := stripped[searchStart:]

	var matches []Command
	matches = append(matches, p.findInline(window, searchStart)...)
	matches = append(matches, p.findFenced(window, searchStart)...)
	matches = append(matches, p.findJSONBlocks(window, searchStart)...)

	sort.Slice(matches, func(i, j int) bool { return matches[i].start < matches[j].start })

	var out []Command
	for _, cmd := range matches {
		if cmd.start < p.consumed {
			continue // already emitted on a prior Feed, rediscovered via lookback overlap
		}
		if cmd.end > p.consumed {
			p.consumed = cmd.end
		}
		if cmd.Kind == KindSpawn && p.spawnDuplicate(cmd) {
			continue
		}
		out = append(out, cmd)
	}
	return out
}

func (p *Parser) spawnDuplicate(cmd Command) bool {
	key := cmd.Target + "\x00" + cmd.CLI + "\x00" + cmd.Task
	now := time.Now()
	if last, ok := p.spawnSeen[key]; ok && now.Sub(last) < dupeSuppressWindow {
		return true
	}
	p.spawnSeen[key] = now
	return false
}

// stripCodeFences removes lines inside ``` fences so embedded relay
// syntax shown as example code is never parsed as a live command
// (spec.md §4.9). Operates on the full accumulated buffer each call so
// offsets stay deterministic regardless of where a fence boundary falls
// relative to the lookback window.
func stripCodeFences(data []byte) string {
	lines := strings.Split(string(data), "\n")
	var out []string
	inFence := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func (p *Parser) findInline(window string, base int) []Command {
	var out []Command
	m, _ := p.inlinePattern.FindStringMatch(window)
	for m != nil {
		groups := m.Groups()
		target := groups[1].String()
		thread := groups[2].String()
		body := groups[3].String()

		// A "<<<" body is the opener line of a fenced command; findFenced
		// owns that match.
		if strings.HasPrefix(strings.TrimSpace(body), "<<<") {
			m, _ = p.inlinePattern.FindNextMatch(m)
			continue
		}

		// A line starting with a literal backslash before the prefix (e.g.
		// "\->relay:Bob hi") never matches ^<prefix> in the first place, so
		// escaping falls out of the line-start anchor with no extra check.
		cmd := classify(target, thread, body)
		cmd.start = base + m.Index
		cmd.end = base + m.Index + m.Length
		out = append(out, cmd)
		m, _ = p.inlinePattern.FindNextMatch(m)
	}
	return out
}

func (p *Parser) findFenced(window string, base int) []Command {
	var out []Command
	m, _ := p.fencedPattern.FindStringMatch(window)
	for m != nil {
		groups := m.Groups()
		target := groups[1].String()
		thread := groups[2].String()
		body := groups[3].String()

		if len(body) <= maxFenceBytes {
			cmd := classify(target, thread, body)
			cmd.start = base + m.Index
			cmd.end = base + m.Index + m.Length
			out = append(out, cmd)
		}
		m, _ = p.fencedPattern.FindNextMatch(m)
	}
	return out
}

type jsonBlockPayload struct {
	To   string `json:"to"`
	Type string `json:"type"`
	Body string `json:"body"`
}

func (p *Parser) findJSONBlocks(window string, base int) []Command {
	var out []Command
	m, _ := jsonBlockPattern.FindStringMatch(window)
	for m != nil {
		raw := m.Groups()[1].String()
		var payload jsonBlockPayload
		if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &payload); err == nil {
			cmd := classify(payload.To, "", payload.Body)
			cmd.Type = payload.Type
			cmd.start = base + m.Index
			cmd.end = base + m.Index + m.Length
			out = append(out, cmd)
		}
		m, _ = jsonBlockPattern.FindNextMatch(m)
	}
	return out
}

func classify(target, thread, body string) Command {
	switch strings.ToLower(target) {
	case "spawn":
		return parseSpawn(body)
	case "release":
		return Command{Kind: KindRelease, Body: body}
	default:
		return Command{Kind: KindSend, Target: target, Thread: thread, Body: body}
	}
}

// parseSpawn expects body shaped "<name> <cli> <task...>".
func parseSpawn(body string) Command {
	fields := strings.SplitN(strings.TrimSpace(body), " ", 3)
	cmd := Command{Kind: KindSpawn}
	if len(fields) > 0 {
		cmd.Target = fields[0]
	}
	if len(fields) > 1 {
		cmd.CLI = fields[1]
	}
	if len(fields) > 2 {
		cmd.Task = fields[2]
	}
	return cmd
}
