package llm

import (
	"encoding/json"
	"testing"
)

func TestArguments_Unmarshal(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{"object", `{"path":"a.txt"}`, map[string]any{"path": "a.txt"}},
		{"json string", `"{\"path\":\"a.txt\"}"`, map[string]any{"path": "a.txt"}},
		{"nested values", `"{\"cmd\":\"ls\",\"args\":[\"-l\"]}"`, map[string]any{"cmd": "ls", "args": []any{"-l"}}},
		{"null", `null`, map[string]any{}},
		{"empty string", `""`, map[string]any{}},
		{"string not json", `"just words"`, map[string]any{}},
		{"array", `["a.txt"]`, map[string]any{}},
		{"number", `42`, map[string]any{}},
		{"bool", `true`, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a Arguments
			if err := json.Unmarshal([]byte(tt.raw), &a); err != nil {
				t.Fatalf("Unmarshal(%s): %v", tt.raw, err)
			}
			got, _ := json.Marshal(a)
			want, _ := json.Marshal(tt.want)
			if string(got) != string(want) {
				t.Errorf("got %s, want %s", got, want)
			}
		})
	}
}

func TestMessage_ToolCallRoundTrip(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		ToolCalls: []ToolCall{{Function: FunctionCall{
			Name:      "shell_exec",
			Arguments: Arguments{"cmd": "ls"},
		}}},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"role":"assistant","content":"","tool_calls":[{"function":{"name":"shell_exec","arguments":{"cmd":"ls"}}}]}`
	if string(data) != want {
		t.Errorf("Marshal = %s\nwant      %s", data, want)
	}
}
