package upstream

import (
	"strings"
	"time"
)

// Server-push framing shared with the normalizer.
const (
	DataPrefix   = "data: "
	DoneSentinel = "[DONE]"
)

// DemoFragments are streamed, one per DemoDelay, when no API key is
// configured. Their concatenation is DemoGreeting.
var DemoFragments = []string{
	"Hello! ",
	"I am ",
	"an AI ",
	"assistant, ",
	"glad ",
	"to be ",
	"of service! ",
	"How ",
	"can I ",
	"help ",
	"you?",
}

// DemoGreeting is the canned reply used when no API key is configured.
var DemoGreeting = strings.Join(DemoFragments, "")

// DemoDelay is the default pause between demo fragments.
const DemoDelay = 100 * time.Millisecond
