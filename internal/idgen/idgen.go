// Package idgen generates the small set of identifiers the proxy needs at
// runtime: a stable project_id the first time a credential is loaded, an
// ephemeral negative in-memory session_id, and chat-completion /
// tool-call ids for the OpenAI-shaped egress.
package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

var adjectives = []string{
	"amber", "bold", "calm", "dusty", "eager", "fleet", "glad", "humble",
	"icy", "jolly", "keen", "lively", "mellow", "nimble", "opal", "proud",
	"quiet", "rapid", "sturdy", "tidy", "upbeat", "vivid", "witty", "zesty",
}

var nouns = []string{
	"badger", "comet", "delta", "ember", "falcon", "glacier", "harbor",
	"island", "jasper", "kestrel", "lantern", "meadow", "nebula", "orchid",
	"pebble", "quartz", "ridge", "summit", "thicket", "umber", "valley",
	"willow", "xylem", "yonder",
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewProjectID synthesizes a `<adjective>-<noun>-<5char-base36>` identifier,
// used once per credential on first load and persisted thereafter.
func NewProjectID() string {
	adj := adjectives[randIntn(len(adjectives))]
	noun := nouns[randIntn(len(nouns))]
	return fmt.Sprintf("%s-%s-%s", adj, noun, randBase36(5))
}

// NewSessionID returns a signed negative int64 of magnitude at most 9e18.
// The credential store assigns a fresh one to each enabled credential on
// every Load and Reload; it is kept in memory and never persisted.
func NewSessionID() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(9_000_000_000_000_000_000))
	if err != nil {
		// crypto/rand failure is effectively unreachable in practice; fall
		// back to a time-derived value rather than panic.
		return -time.Now().UnixNano()
	}
	return -n.Int64()
}

// NewCompletionID returns an id suitable for chat.completion[.chunk] ids.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.New().String()
}

// NewToolCallID synthesizes a tool-call id of the form call_<millis>_<seq>
// when upstream doesn't supply one.
func NewToolCallID(seq int) string {
	return fmt.Sprintf("call_%d_%d", time.Now().UnixMilli(), seq)
}

func randIntn(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

func randBase36(length int) string {
	out := make([]byte, length)
	for i := range out {
		out[i] = base36Alphabet[randIntn(len(base36Alphabet))]
	}
	return string(out)
}
