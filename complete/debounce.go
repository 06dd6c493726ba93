package complete

import (
	"strings"
	"time"

	codelet "github.com/Paranoid-AF/codelet"
)

// syntacticTriggers are characters after which a completion is likely wanted
// right away.
const syntacticTriggers = ".([{,:;=>"

func (e *Engine) debounceFor(req codelet.CompletionRequest) time.Duration {
	if req.Trigger == codelet.TriggerExplicit {
		return 0
	}
	if isSyntactic(req.Document.LinePrefix(req.Position)) {
		return 0
	}
	if !e.adaptive {
		return e.debounce
	}
	return scaleDebounce(e.debounce, e.admission.TypingRate(req.Document.URI), e.admission.MaxRate())
}

// scaleDebounce stretches base by typing speed: base*(1+rate/maxRate),
// at most maxDebounceScale times base.
func scaleDebounce(base time.Duration, rate, maxRate float64) time.Duration {
	if base <= 0 || rate <= 0 || maxRate <= 0 {
		return base
	}
	scale := min(1+rate/maxRate, maxDebounceScale)
	return time.Duration(float64(base) * scale)
}

// isSyntactic reports whether the text before the cursor ends in a trigger
// character or the cursor starts a fresh line.
func isSyntactic(before string) bool {
	if strings.TrimSpace(before) == "" {
		return true
	}
	return strings.IndexByte(syntacticTriggers, before[len(before)-1]) >= 0
}
