package capabilities

import "testing"

func TestSplitFooter(t *testing.T) {
	allowed := []string{"Inbox Agent", "General"}
	tests := []struct {
		name, in, body, label string
	}{
		{"double dash", "Here you go.\n\n-- Inbox Agent", "Here you go.", "Inbox Agent"},
		{"em dash lowercase", "Done.\n— inbox agent  \n", "Done.", "Inbox Agent"},
		{"en dash unknown label", "Answer\n– Research", "Answer", "Research"},
		{"single dash known", "Answer\n- General", "Answer", "General"},
		{"list item kept", "Buy:\n- milk", "Buy:\n- milk", ""},
		{"no footer", "Just text", "Just text", ""},
		{"label too long", "x\n-- " + "a very long label that goes well past forty characters", "x\n-- " + "a very long label that goes well past forty characters", ""},
		{"footer only", "-- General", "", "General"},
		{"horizontal rule", "Intro\n---", "Intro\n---", ""},
	}
	for _, tt := range tests {
		body, label := SplitFooter(tt.in, allowed)
		if body != tt.body || label != tt.label {
			t.Errorf("%s: got (%q, %q), want (%q, %q)", tt.name, body, label, tt.body, tt.label)
		}
	}
}

func TestAppendFooter(t *testing.T) {
	if got := AppendFooter("Hello", "General"); got != "Hello\n\n-- General" {
		t.Errorf("unexpected %q", got)
	}
	if got := AppendFooter("Hello", ""); got != "Hello" {
		t.Errorf("empty label should leave body, got %q", got)
	}
}
