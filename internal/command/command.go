// Package command interprets administrative commands sent to the bot as
// mentions, such as creating a new persona.
package command

import (
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

type Kind int

const (
	KindNew Kind = iota + 1
	KindSuspend
	KindResume
	KindDelete
	KindUpdate
	KindBroadcast
	KindClearCache
)

func (k Kind) String() string {
	switch k {
	case KindNew:
		return "new"
	case KindSuspend:
		return "suspend"
	case KindResume:
		return "resume"
	case KindDelete:
		return "delete"
	case KindUpdate:
		return "update"
	case KindBroadcast:
		return "broadcast"
	case KindClearCache:
		return "clearcache"
	default:
		return "unknown"
	}
}

// command is one entry of the verb table. Admin commands additionally
// require an allow-listed author mentioning the root identity.
type command struct {
	kind    Kind
	verb    string
	admin   bool
	handler handlerFunc
}

var commands = []command{
	{kind: KindNew, verb: "!new", admin: true, handler: handleNew},
	{kind: KindSuspend, verb: "!suspend", admin: true, handler: handleSuspend},
	{kind: KindResume, verb: "!resume", admin: true, handler: handleResume},
	{kind: KindDelete, verb: "!delete", admin: true, handler: handleDelete},
	{kind: KindUpdate, verb: "!update", admin: true, handler: handleUpdate},
	{kind: KindBroadcast, verb: "!broadcast", admin: true, handler: handleBroadcast},
	{kind: KindClearCache, verb: "!clearcache", admin: true, handler: handleClearCache},
}

func lookup(verb string) (command, bool) {
	for _, c := range commands {
		if c.verb == verb {
			return c, true
		}
	}
	return command{}, false
}

// Request is what a handler gets to work with.
type Request struct {
	Event   *nostr.Event
	Mention string
	Prompt  string
	Params  map[string]string
}

// mentionedPubkey returns the key of a leading ["p", key, relay, "mention"] tag.
func mentionedPubkey(ev *nostr.Event) (string, bool) {
	if len(ev.Tags) == 0 {
		return "", false
	}
	tag := ev.Tags[0]
	if len(tag) != 4 || tag[0] != "p" || tag[3] != "mention" {
		return "", false
	}
	return tag[1], true
}

// stripMention removes the leading mention marker ("#[0]" or a nostr: URI)
// and the whitespace around it.
func stripMention(content string) string {
	text := strings.TrimLeft(strings.ReplaceAll(content, "#[0]", ""), " \t\r\n　")
	if strings.HasPrefix(text, "nostr:npub1") || strings.HasPrefix(text, "nostr:nprofile1") {
		if i := strings.IndexAny(text, " \t\r\n　"); i >= 0 {
			text = text[i:]
		} else {
			text = ""
		}
		text = strings.TrimLeft(text, " \t\r\n　")
	}
	return text
}

// verbOf returns the first word of the first line.
func verbOf(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// parseParams reads newline separated key=value pairs. The "prompt" key is
// returned separately; lines that are not exactly one pair are ignored.
func parseParams(text string) (string, map[string]string) {
	prompt := ""
	params := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		cols := strings.Split(strings.TrimRight(line, "\r"), "=")
		if len(cols) != 2 {
			continue
		}
		key := strings.TrimSpace(cols[0])
		if key == "" {
			continue
		}
		if key == "prompt" {
			prompt = cols[1]
			continue
		}
		params[key] = cols[1]
	}
	return prompt, params
}
