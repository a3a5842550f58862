package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/llmos/llmosd/internal/security"
)

func fakeModel(t *testing.T, answer string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(chatResponse{Message: chatMessage{Role: "assistant", Content: answer}})
	}))
}

func TestVerifyApprove(t *testing.T) {
	ts := fakeModel(t, `{"verdict":"approve","reasoning":"benign"}`, http.StatusOK)
	defer ts.Close()

	c := New(ts.URL, "llama3", "", 5*time.Second)
	result, err := c.Verify(context.Background(), "system", `{"plan_id":"p"}`)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Verdict != security.VerdictApprove {
		t.Errorf("verdict = %s, want approve", result.Verdict)
	}
}

func TestVerifyRejectWithDetails(t *testing.T) {
	answer := `{"verdict":"reject","reasoning":"exfiltration","affected_actions":["a2"],"categories":["data_exfiltration"]}`
	ts := fakeModel(t, answer, http.StatusOK)
	defer ts.Close()

	c := New(ts.URL, "llama3", "", 5*time.Second)
	result, err := c.Verify(context.Background(), "system", `{}`)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Verdict != security.VerdictReject {
		t.Errorf("verdict = %s, want reject", result.Verdict)
	}
	if len(result.AffectedActions) != 1 || result.AffectedActions[0] != "a2" {
		t.Errorf("affected = %v", result.AffectedActions)
	}
}

func TestVerifyFencedAnswer(t *testing.T) {
	ts := fakeModel(t, "```json\n{\"verdict\":\"warn\"}\n```", http.StatusOK)
	defer ts.Close()

	c := New(ts.URL, "llama3", "", 5*time.Second)
	result, err := c.Verify(context.Background(), "system", `{}`)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Verdict != security.VerdictWarn {
		t.Errorf("verdict = %s, want warn", result.Verdict)
	}
}

func TestVerifyServerError(t *testing.T) {
	ts := fakeModel(t, "", http.StatusInternalServerError)
	defer ts.Close()

	c := New(ts.URL, "llama3", "", 5*time.Second)
	if _, err := c.Verify(context.Background(), "system", `{}`); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestVerifyGarbageAnswer(t *testing.T) {
	ts := fakeModel(t, "sure, looks fine to me!", http.StatusOK)
	defer ts.Close()

	c := New(ts.URL, "llama3", "", 5*time.Second)
	if _, err := c.Verify(context.Background(), "system", `{}`); err == nil {
		t.Fatal("expected error on non-JSON answer")
	}
}

func TestVerifyMissingVerdict(t *testing.T) {
	ts := fakeModel(t, `{"reasoning":"no verdict here"}`, http.StatusOK)
	defer ts.Close()

	c := New(ts.URL, "llama3", "", 5*time.Second)
	if _, err := c.Verify(context.Background(), "system", `{}`); err == nil {
		t.Fatal("expected error on missing verdict")
	}
}

func TestVerifySendsBearerToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(chatResponse{Message: chatMessage{Content: `{"verdict":"approve"}`}})
	}))
	defer ts.Close()

	c := New(ts.URL, "llama3", "sekrit", 5*time.Second)
	if _, err := c.Verify(context.Background(), "system", `{}`); err != nil {
		t.Fatalf("verify: %v", err)
	}
}
