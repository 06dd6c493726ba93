package complete

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	codelet "github.com/Paranoid-AF/codelet"
	"github.com/Paranoid-AF/codelet/admission"
)

func TestIsSyntactic(t *testing.T) {
	tests := []struct {
		before string
		want   bool
	}{
		{"", true},
		{"\t\t", true},
		{"fmt.", true},
		{"foo(", true},
		{"xs[", true},
		{"if x {", true},
		{"a, ", false},
		{"a,", true},
		{"case 1:", true},
		{"x;", true},
		{"x =", true},
		{"a ->", true},
		{"retur", false},
		{"x := 1 ", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isSyntactic(tt.before), "isSyntactic(%q)", tt.before)
	}
}

func TestScaleDebounce(t *testing.T) {
	base := 50 * time.Millisecond
	assert.Equal(t, base, scaleDebounce(base, 0, 8))
	assert.Equal(t, 75*time.Millisecond, scaleDebounce(base, 4, 8))
	assert.Equal(t, 100*time.Millisecond, scaleDebounce(base, 8, 8))
	assert.Equal(t, 150*time.Millisecond, scaleDebounce(base, 100, 8), "capped at 3x")
	assert.Equal(t, time.Duration(0), scaleDebounce(0, 5, 8))
}

func TestDebounceFor(t *testing.T) {
	now := time.Unix(1000, 0)
	adm := admission.New(admission.WithClock(func() time.Time { return now }))
	e := New(&fakeBackend{}, WithAdmission(adm), WithDebounce(40*time.Millisecond))
	t.Cleanup(func() { e.Close() })

	doc := codelet.Document{URI: "file:///d.go", LanguageID: "go", Text: "x := foo\ny.\n"}
	word := codelet.CompletionRequest{Document: doc, Position: codelet.Position{Line: 0, Column: 8}, Trigger: codelet.TriggerAutomatic}
	dot := codelet.CompletionRequest{Document: doc, Position: codelet.Position{Line: 1, Column: 2}, Trigger: codelet.TriggerAutomatic}
	explicit := word
	explicit.Trigger = codelet.TriggerExplicit

	assert.Equal(t, 40*time.Millisecond, e.debounceFor(word))
	assert.Zero(t, e.debounceFor(dot))
	assert.Zero(t, e.debounceFor(explicit))

	// eight keystrokes a second doubles the delay at the default max rate
	for i := 0; i < 5; i++ {
		adm.ShouldRespond(doc, word.Position, codelet.TriggerAutomatic)
		now = now.Add(125 * time.Millisecond)
	}
	assert.Equal(t, 80*time.Millisecond, e.debounceFor(word))

	e.adaptive = false
	assert.Equal(t, 40*time.Millisecond, e.debounceFor(word))
}
