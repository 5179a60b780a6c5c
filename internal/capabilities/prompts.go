package capabilities

import "sync/atomic"

// DefaultPrompt is used when no capability is installed and no
// SYSTEM_PROMPT.md exists.
const DefaultPrompt = `You are capclaw, a helpful assistant that works through tools.

Use the available tools when a request needs live data or an action in a
connected service. Keep answers short and concrete. If an action is
irreversible, call request_confirmation before doing it.`

const autoPreamble = `You are capclaw, an assistant with several installed capabilities.
Decide which capability fits the user's message and follow its instructions.
If none fits, answer as a general assistant.`

const autoFooter = `End every reply with a final line of the form "-- <tag>" where <tag> is exactly one of: %s.
Use the capability you followed, or "General" when none applied.`

const focusPreamble = `You are capclaw, focused on the %s capability.
Only help with topics in scope for it. Politely refuse anything else and
say which capability the user could switch to.`

const focusFooter = `End every reply with a final line "-- %s".`

// Prompt holds the current system prompt and is safe to swap while readers
// are running.
type Prompt struct {
	v atomic.Value
}

// NewPrompt creates a holder with an initial prompt.
func NewPrompt(initial string) *Prompt {
	p := &Prompt{}
	p.Set(initial)
	return p
}

func (p *Prompt) Get() string {
	s, _ := p.v.Load().(string)
	return s
}

func (p *Prompt) Set(s string) {
	p.v.Store(s)
}
