package appservice

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/bridgemux/bridgemux/pkg/errors"
	"github.com/bridgemux/bridgemux/pkg/store"
)

func testBridge() *store.Bridge {
	return &store.Bridge{
		ID:             7,
		OrchestratorID: "abc12345",
		BridgeService:  "whatsapp",
		ASToken:        "as-abc",
	}
}

func TestParseEncoded(t *testing.T) {
	tr := NewTranslator("_bridge_manager__")

	tests := []struct {
		name  string
		input string
		want  *EncodedUser
	}{
		{
			"whatsapp user",
			"@_bridge_manager__whatsapp_abc12345__alice:example.org",
			&EncodedUser{Service: "whatsapp", OrchestratorID: "abc12345", Local: "alice", Homeserver: "example.org"},
		},
		{
			"discord user",
			"@_bridge_manager__discord_ffff0000__bot:matrix.localhost.me",
			&EncodedUser{Service: "discord", OrchestratorID: "ffff0000", Local: "bot", Homeserver: "matrix.localhost.me"},
		},
		{"plain user", "@alice:example.org", nil},
		{"wrong namespace", "@_other__whatsapp_abc12345__alice:example.org", nil},
		{"not a username", "hello world", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tr.Parse(tt.input)
			if tt.want == nil {
				if ok {
					t.Fatalf("Parse(%q) matched, want no match", tt.input)
				}
				return
			}
			if !ok {
				t.Fatalf("Parse(%q) did not match", tt.input)
			}
			if *got != *tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestTranslateRoundTrip(t *testing.T) {
	tr := NewTranslator("_bridge_manager__")
	b := testBridge()

	plains := []string{
		"@alice:example.org",
		"@whatsappbot:matrix.localhost.me",
		"@user.name:server.with.dots.net",
	}

	for _, plain := range plains {
		encoded, err := tr.Translate(plain, ToEncoded, b)
		if err != nil {
			t.Fatalf("Translate(%q, ToEncoded) error = %v", plain, err)
		}
		back, err := tr.Translate(encoded, ToPlain, b)
		if err != nil {
			t.Fatalf("Translate(%q, ToPlain) error = %v", encoded, err)
		}
		if back != plain {
			t.Errorf("round trip of %q = %q via %q", plain, back, encoded)
		}
	}
}

func TestTranslateIdempotent(t *testing.T) {
	tr := NewTranslator("_bridge_manager__")
	b := testBridge()

	encoded := "@_bridge_manager__whatsapp_abc12345__alice:example.org"
	got, err := tr.Translate(encoded, ToEncoded, b)
	if err != nil {
		t.Fatalf("Translate error = %v", err)
	}
	if got != encoded {
		t.Errorf("already-encoded input changed: %q", got)
	}

	plain := "@alice:example.org"
	got, err = tr.Translate(plain, ToPlain, b)
	if err != nil {
		t.Fatalf("Translate error = %v", err)
	}
	if got != plain {
		t.Errorf("already-plain input changed: %q", got)
	}
}

func TestRewriteBodyPreservesShape(t *testing.T) {
	tr := NewTranslator("_bridge_manager__")
	b := testBridge()

	raw := `{
		"sender": "@alice:example.org",
		"count": 3,
		"flag": true,
		"nothing": null,
		"nested": {"members": ["@bob:example.org", "plain text", 42]}
	}`
	var body any
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		t.Fatal(err)
	}

	out, err := tr.RewriteBody(body, ToEncoded, b)
	if err != nil {
		t.Fatalf("RewriteBody error = %v", err)
	}

	m := out.(map[string]any)
	if m["sender"] != "@_bridge_manager__whatsapp_abc12345__alice:example.org" {
		t.Errorf("sender = %q", m["sender"])
	}
	if m["count"] != float64(3) || m["flag"] != true || m["nothing"] != nil {
		t.Errorf("non-string scalars changed: %+v", m)
	}
	members := m["nested"].(map[string]any)["members"].([]any)
	if len(members) != 3 {
		t.Fatalf("list length changed: %d", len(members))
	}
	if members[0] != "@_bridge_manager__whatsapp_abc12345__bob:example.org" {
		t.Errorf("members[0] = %q", members[0])
	}
	if members[1] != "plain text" || members[2] != float64(42) {
		t.Errorf("non-username list items changed: %+v", members)
	}

	// Input body untouched.
	orig := body.(map[string]any)
	if orig["sender"] != "@alice:example.org" {
		t.Errorf("input mutated: sender = %q", orig["sender"])
	}

	// Reverse direction restores the original.
	back, err := tr.RewriteBody(out, ToPlain, b)
	if err != nil {
		t.Fatalf("RewriteBody(ToPlain) error = %v", err)
	}
	if !reflect.DeepEqual(back, body) {
		t.Errorf("ToPlain did not restore original body: %+v", back)
	}
}

func TestRewriteBodyDepthBound(t *testing.T) {
	tr := NewTranslator("_bridge_manager__")
	b := testBridge()

	body := any("@alice:example.org")
	for i := 0; i < maxBodyDepth+2; i++ {
		body = map[string]any{"inner": body}
	}

	_, err := tr.RewriteBody(body, ToEncoded, b)
	if err == nil {
		t.Fatal("RewriteBody on deeply nested body succeeded, want BadRequest")
	}
	if !errors.IsKind(err, errors.KindBadRequest) {
		t.Errorf("error kind = %v, want BadRequest", errors.KindOf(err))
	}
}

func TestFindNamespaced(t *testing.T) {
	tr := NewTranslator("_bridge_manager__")

	raw := `{
		"events": [
			{
				"type": "m.room.message",
				"sender": "@carol:example.org",
				"content": {
					"formatted_body": "hi <a href=\"https://matrix.to/#/@_bridge_manager__whatsapp_abc12345__alice:example.org\">alice</a>"
				},
				"unsigned": {
					"invite_room_state": [
						{"state_key": "@_bridge_manager__whatsapp_abc12345__bob:example.org"}
					]
				}
			}
		]
	}`
	var body any
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		t.Fatal(err)
	}

	got, err := tr.FindNamespaced(body)
	if err != nil {
		t.Fatalf("FindNamespaced error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("found %d usernames, want 2: %v", len(got), got)
	}
	for _, u := range got {
		if _, ok := tr.Parse(u); !ok {
			t.Errorf("found string is not an encoded username: %q", u)
		}
	}
}
