// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package hooks installs the relay hook commands into the agent's
// settings file. The settings file is JSON (comments tolerated on
// read), with a "hooks" object mapping agent lifecycle events to
// lists of hook entries:
//
//	{"hooks": {"SessionStart": [{"hooks": [{"type": "command",
//	  "command": "relay-hook session_start"}]}]}}
//
// Install and Uninstall are idempotent and leave unrelated hook
// entries untouched.
package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
	"github.com/tidwall/sjson"

	"github.com/relay-foundation/relay/protocol"
)

// binding maps one agent settings event to the relay event kind its
// hook command emits. Matcher is the tool-name pattern for tool
// events; lifecycle events have none.
type binding struct {
	event   string
	matcher string
	kind    protocol.EventKind
}

// bindings is the full set of hook entries the relay installs. The
// approval hook rides the pre-tool-use event; everything else is
// fire-and-forget narration.
var bindings = []binding{
	{event: "SessionStart", kind: protocol.KindSessionStart},
	{event: "SessionEnd", kind: protocol.KindSessionEnd},
	{event: "UserPromptSubmit", kind: protocol.KindUserInput},
	{event: "Stop", kind: protocol.KindAgentResponse},
	{event: "PostToolUse", matcher: "*", kind: protocol.KindToolResult},
	{event: "PreToolUse", matcher: "*", kind: protocol.KindApprovalRequest},
}

// Command is the hook command line installed for kind. binary is the
// relay-hook executable path as it should appear in the settings file.
func Command(binary string, kind protocol.EventKind) string {
	return binary + " " + string(kind)
}

// Install adds the relay hook entries to the settings file at path,
// creating the file when absent. Entries already present are left
// alone. Returns whether the file was modified.
func Install(path, binary string) (bool, error) {
	doc, err := readSettings(path)
	if err != nil {
		return false, err
	}

	changed := false
	for _, b := range bindings {
		if hasCommand(doc, b.event, Command(binary, b.kind)) {
			continue
		}
		entry, err := entryJSON(b, binary)
		if err != nil {
			return false, err
		}
		doc, err = sjson.SetRawBytes(doc, "hooks."+b.event+".-1", entry)
		if err != nil {
			return false, fmt.Errorf("hooks: adding %s entry: %w", b.event, err)
		}
		changed = true
	}

	if !changed {
		return false, nil
	}
	return true, writeSettings(path, doc)
}

// Uninstall removes every hook entry whose command invokes binary.
// Entries installed by anything else survive. Returns whether the
// file was modified.
func Uninstall(path, binary string) (bool, error) {
	doc, err := readSettings(path)
	if err != nil {
		return false, err
	}

	changed := false
	for _, b := range bindings {
		entries := gjson.GetBytes(doc, "hooks."+b.event)
		if !entries.IsArray() {
			continue
		}
		removed := false
		var kept []string
		for _, entry := range entries.Array() {
			if entryInvokes(entry, binary) {
				removed = true
				continue
			}
			kept = append(kept, entry.Raw)
		}
		if !removed {
			continue
		}
		changed = true
		if len(kept) == 0 {
			doc, err = sjson.DeleteBytes(doc, "hooks."+b.event)
		} else {
			doc, err = sjson.SetRawBytes(doc, "hooks."+b.event,
				[]byte("["+strings.Join(kept, ",")+"]"))
		}
		if err != nil {
			return false, fmt.Errorf("hooks: rewriting %s entries: %w", b.event, err)
		}
	}

	if !changed {
		return false, nil
	}
	return true, writeSettings(path, doc)
}

// Installed reports whether every relay hook entry is present.
func Installed(path, binary string) (bool, error) {
	doc, err := readSettings(path)
	if err != nil {
		return false, err
	}
	for _, b := range bindings {
		if !hasCommand(doc, b.event, Command(binary, b.kind)) {
			return false, nil
		}
	}
	return true, nil
}

// hasCommand reports whether any hook entry under event runs command.
func hasCommand(doc []byte, event, command string) bool {
	found := false
	gjson.GetBytes(doc, "hooks."+event).ForEach(func(_, entry gjson.Result) bool {
		entry.Get("hooks").ForEach(func(_, hook gjson.Result) bool {
			if hook.Get("command").String() == command {
				found = true
			}
			return !found
		})
		return !found
	})
	return found
}

// entryInvokes reports whether every command in the entry starts with
// binary. Mixed entries are not ours and stay.
func entryInvokes(entry gjson.Result, binary string) bool {
	hooks := entry.Get("hooks")
	if !hooks.IsArray() || len(hooks.Array()) == 0 {
		return false
	}
	ours := true
	hooks.ForEach(func(_, hook gjson.Result) bool {
		command := hook.Get("command").String()
		if command != binary && !strings.HasPrefix(command, binary+" ") {
			ours = false
		}
		return ours
	})
	return ours
}

func entryJSON(b binding, binary string) ([]byte, error) {
	entry := []byte(`{}`)
	var err error
	if b.matcher != "" {
		entry, err = sjson.SetBytes(entry, "matcher", b.matcher)
		if err != nil {
			return nil, fmt.Errorf("hooks: building %s entry: %w", b.event, err)
		}
	}
	entry, err = sjson.SetBytes(entry, "hooks.0.type", "command")
	if err != nil {
		return nil, fmt.Errorf("hooks: building %s entry: %w", b.event, err)
	}
	entry, err = sjson.SetBytes(entry, "hooks.0.command", Command(binary, b.kind))
	if err != nil {
		return nil, fmt.Errorf("hooks: building %s entry: %w", b.event, err)
	}
	return entry, nil
}

// readSettings loads the settings file with comments stripped. A
// missing file reads as an empty document for Install; callers that
// care get the raw os.IsNotExist error.
func readSettings(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []byte(`{}`), nil
		}
		return nil, fmt.Errorf("hooks: reading %s: %w", path, err)
	}
	doc := jsonc.ToJSON(data)
	if !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("hooks: %s is not valid JSON", path)
	}
	return doc, nil
}

// writeSettings replaces the settings file atomically.
func writeSettings(path string, doc []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("hooks: creating settings directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(pretty(doc), '\n'), 0o644); err != nil {
		return fmt.Errorf("hooks: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("hooks: replacing %s: %w", path, err)
	}
	return nil
}

// pretty reindents the document so hand-edited settings files stay
// readable after an install.
func pretty(doc []byte) []byte {
	return []byte(gjson.GetBytes(doc, "@pretty").Raw)
}
