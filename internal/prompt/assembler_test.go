// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jeranaias/deepseek-companion/internal/model"
	"github.com/jeranaias/deepseek-companion/internal/ollama"
)

func transcriptOf(n int) []model.Message {
	t := []model.Message{model.NewGreeting("")}
	for i := 1; i < n; i++ {
		if i%2 == 1 {
			t = append(t, model.NewUserMessage(fmt.Sprintf("question %d", i)))
		} else {
			t = append(t, model.NewAIMessage(fmt.Sprintf("answer %d", i)))
		}
	}
	return t
}

func TestAssemble_PreservesOrderAndCount(t *testing.T) {
	for _, n := range []int{0, 1, 2, 5, 40} {
		t.Run(fmt.Sprintf("len=%d", n), func(t *testing.T) {
			var transcript []model.Message
			if n > 0 {
				transcript = transcriptOf(n)
			}

			got := New().Assemble(transcript)

			if len(got) != len(transcript)+1 {
				t.Fatalf("len(prompt) = %d, want %d", len(got), len(transcript)+1)
			}
			if got[0].Role != "system" || got[0].Content != SystemInstruction {
				t.Errorf("prompt[0] = %+v, want system instruction", got[0])
			}
			for i, msg := range transcript {
				if got[i+1].Content != msg.Content {
					t.Errorf("prompt[%d].Content = %q, want %q", i+1, got[i+1].Content, msg.Content)
				}
				if got[i+1].Role != OllamaRole(msg.Role) {
					t.Errorf("prompt[%d].Role = %q, want %q", i+1, got[i+1].Role, OllamaRole(msg.Role))
				}
			}
		})
	}
}

func TestAssemble_Scenario(t *testing.T) {
	transcript := []model.Message{
		model.NewGreeting(""),
		model.NewUserMessage("write a for loop in go"),
	}

	got := New().Assemble(transcript)
	want := []ollama.Message{
		{Role: "system", Content: SystemInstruction},
		{Role: "assistant", Content: model.Greeting},
		{Role: "user", Content: "write a for loop in go"},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Assemble() mismatch (-want +got):\n%s", diff)
	}
}

func TestAssemble_VerbatimContent(t *testing.T) {
	code := "func f() map[string]int { return map[string]int{\"{x}\": 1} }"
	got := New().Assemble([]model.Message{model.NewUserMessage(code)})

	if got[1].Content != code {
		t.Errorf("content altered: %q", got[1].Content)
	}
}

func TestAssemble_CustomSystem(t *testing.T) {
	a := &Assembler{System: "Answer in haiku."}
	got := a.Assemble(nil)

	if len(got) != 1 || got[0].Content != "Answer in haiku." {
		t.Errorf("Assemble(nil) = %+v", got)
	}

	empty := &Assembler{}
	if empty.Assemble(nil)[0].Content != SystemInstruction {
		t.Error("empty System should fall back to SystemInstruction")
	}
}

func TestAssemble_MaxHistory(t *testing.T) {
	transcript := transcriptOf(7)

	tests := []struct {
		name       string
		maxHistory int
		wantLen    int
		firstAfter string
	}{
		{"unbounded", 0, 8, model.Greeting},
		{"negative is unbounded", -3, 8, model.Greeting},
		{"cap larger than transcript", 50, 8, model.Greeting},
		{"cap keeps tail", 2, 3, "question 5"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := &Assembler{MaxHistory: tc.maxHistory}
			got := a.Assemble(transcript)

			if len(got) != tc.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tc.wantLen)
			}
			if got[0].Role != "system" {
				t.Error("system instruction must stay first")
			}
			if got[1].Content != tc.firstAfter {
				t.Errorf("first transcript entry = %q, want %q", got[1].Content, tc.firstAfter)
			}
			if got[len(got)-1].Content != transcript[len(transcript)-1].Content {
				t.Error("most recent message must always be included")
			}
		})
	}
}

func TestAssemble_DoesNotMutateTranscript(t *testing.T) {
	transcript := transcriptOf(3)
	before := append([]model.Message(nil), transcript...)

	New().Assemble(transcript)

	if diff := cmp.Diff(before, transcript); diff != "" {
		t.Errorf("transcript mutated (-before +after):\n%s", diff)
	}
}

func TestOllamaRole(t *testing.T) {
	tests := []struct {
		role model.Role
		want string
	}{
		{model.RoleUser, "user"},
		{model.RoleAI, "assistant"},
	}

	for _, tc := range tests {
		if got := OllamaRole(tc.role); got != tc.want {
			t.Errorf("OllamaRole(%q) = %q, want %q", tc.role, got, tc.want)
		}
	}
}
