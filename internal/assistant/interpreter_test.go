package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestParseTurnDirectJSON(t *testing.T) {
	res := ParseTurn(`{"reply":"Marchando","cart":[{"name":"Solomillo","qty":"0.5 kg","subtotal":"24.45"}],"end_of_order":true}`)
	if res.Degraded {
		t.Fatal("unexpected degraded result")
	}
	if res.Reply != "Marchando" || !res.EndOfOrder || res.Confirmed {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !res.CartSet || len(res.Cart) != 1 || res.Cart[0].Name != "Solomillo" {
		t.Fatalf("cart not parsed: %+v", res.Cart)
	}
}

func TestParseTurnStripsFences(t *testing.T) {
	res := ParseTurn("```json\n{\"reply\":\"Hola\"}\n```")
	if res.Degraded {
		t.Fatal("fenced JSON should not degrade")
	}
	if res.Reply != "Hola" {
		t.Fatalf("reply = %q, want Hola", res.Reply)
	}
	if res.CartSet {
		t.Fatal("cart field absent, CartSet must be false")
	}
}

func TestParseTurnBalancedBraceScan(t *testing.T) {
	res := ParseTurn(`Claro, aquí tienes: {"reply":"¿Algo más, {cliente}?","confirmed":false} y nada más.`)
	if res.Degraded {
		t.Fatal("embedded JSON should not degrade")
	}
	if res.Reply != "¿Algo más, {cliente}?" {
		t.Fatalf("reply = %q", res.Reply)
	}
}

func TestParseTurnFallsBackToText(t *testing.T) {
	res := ParseTurn("  Lo siento, ha habido un problema.  ")
	if !res.Degraded {
		t.Fatal("plain text must degrade")
	}
	if res.Reply != "Lo siento, ha habido un problema." {
		t.Fatalf("reply = %q", res.Reply)
	}
	if res.CartSet || res.Confirmed || res.EndOfOrder {
		t.Fatalf("degraded turn must not carry state: %+v", res)
	}
}

func TestParseTurnEmptyUsesCannedReply(t *testing.T) {
	res := ParseTurn("")
	if !res.Degraded || res.Reply == "" {
		t.Fatalf("want canned degraded reply, got %+v", res)
	}
}

func TestParseTurnEmptyCartClears(t *testing.T) {
	res := ParseTurn(`{"reply":"Pedido vacío","cart":[]}`)
	if !res.CartSet {
		t.Fatal("explicit empty cart must set CartSet")
	}
	if len(res.Cart) != 0 {
		t.Fatalf("cart = %+v, want empty", res.Cart)
	}
}

func TestParseTurnMalformedCartKeepsPrevious(t *testing.T) {
	res := ParseTurn(`{"reply":"Hecho","cart":"media de solomillo"}`)
	if res.Degraded {
		t.Fatal("reply is usable, must not degrade")
	}
	if res.CartSet {
		t.Fatal("malformed cart must leave CartSet false")
	}
}

func TestValidateAudioSizeLimit(t *testing.T) {
	it := Interpreter{MaxAudioBytes: 10 << 20, AllowedMIMEs: []string{"audio/webm"}}
	err := it.ValidateAudio(make([]byte, 11<<20), "audio/webm")
	if !errors.Is(err, ErrAudioTooLarge) {
		t.Fatalf("err = %v, want ErrAudioTooLarge", err)
	}
	if !strings.Contains(err.Error(), fmt.Sprint(11<<20)) {
		t.Fatalf("error should mention the offending size: %v", err)
	}
	if err := it.ValidateAudio(make([]byte, 1024), "audio/webm"); err != nil {
		t.Fatalf("small payload rejected: %v", err)
	}
}

func TestValidateAudioMIMEWhitelist(t *testing.T) {
	it := Interpreter{MaxAudioBytes: 10 << 20, AllowedMIMEs: []string{"audio/webm", "audio/ogg"}}
	if err := it.ValidateAudio([]byte("x"), "video/mp4"); !errors.Is(err, ErrUnsupportedAudio) {
		t.Fatalf("err = %v, want ErrUnsupportedAudio", err)
	}
	if err := it.ValidateAudio([]byte("x"), "audio/webm;codecs=opus"); err != nil {
		t.Fatalf("content type parameters should be ignored: %v", err)
	}
	if err := it.ValidateAudio([]byte("x"), "Audio/OGG"); err != nil {
		t.Fatalf("content type should match case-insensitively: %v", err)
	}
}

func upstreamReplying(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "gemini-2.0-flash", "test-key", 1024, 5*time.Second, nil)
}

func geminiTextResponse(text string) string {
	payload, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]any{{"text": text}},
			},
		}},
	})
	return string(payload)
}

func TestInterpretTextRoundTrip(t *testing.T) {
	client := upstreamReplying(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req GeminiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.SystemInstruction == nil || !strings.Contains(req.SystemInstruction.Parts[0].Text, "Solomillo") {
			t.Error("catalog missing from system instruction")
		}
		fmt.Fprint(w, geminiTextResponse(`{"reply":"¿Cuánto solomillo te pongo?"}`))
	})
	it := Interpreter{Client: client}
	pc := PromptContext{ShopName: "Carnicería El Mostrador", Catalog: "- Solomillo: 48.90 EUR/kg"}
	res, err := it.InterpretText(context.Background(), pc, "quiero solomillo")
	if err != nil {
		t.Fatalf("interpret: %v", err)
	}
	if res.Degraded || res.Reply != "¿Cuánto solomillo te pongo?" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInterpretTextDegradesOnUpstreamFailure(t *testing.T) {
	client := upstreamReplying(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	it := Interpreter{Client: client}
	res, err := it.InterpretText(context.Background(), PromptContext{}, "hola")
	if err != nil {
		t.Fatalf("upstream failure must degrade, not error: %v", err)
	}
	if !res.Degraded || res.Reply == "" {
		t.Fatalf("want degraded canned reply, got %+v", res)
	}
}

func TestInterpretTextHonoursCancellation(t *testing.T) {
	client := upstreamReplying(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		fmt.Fprint(w, geminiTextResponse("tarde"))
	})
	it := Interpreter{Client: client}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := it.InterpretText(ctx, PromptContext{}, "hola")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestGenerateRetriesRateLimit(t *testing.T) {
	var calls int
	client := upstreamReplying(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, geminiTextResponse("ok"))
	})
	text, err := client.Generate(context.Background(), GeminiRequest{
		Contents: []GeminiContent{{Role: "user", Parts: []GeminiPart{{Text: "hola"}}}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "ok" || calls != 2 {
		t.Fatalf("text=%q calls=%d", text, calls)
	}
}

func TestInterpretAudioSendsInlineData(t *testing.T) {
	client := upstreamReplying(t, func(w http.ResponseWriter, r *http.Request) {
		var req GeminiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		last := req.Contents[len(req.Contents)-1]
		if last.Parts[0].InlineData == nil || last.Parts[0].InlineData.MimeType != "audio/webm" {
			t.Errorf("inline audio missing: %+v", last)
		}
		fmt.Fprint(w, geminiTextResponse(`{"reply":"Te escucho"}`))
	})
	it := Interpreter{Client: client, MaxAudioBytes: 1 << 20, AllowedMIMEs: []string{"audio/webm"}}
	res, err := it.InterpretAudio(context.Background(), PromptContext{}, []byte("fake-audio"), "audio/webm")
	if err != nil {
		t.Fatalf("interpret audio: %v", err)
	}
	if res.Reply != "Te escucho" {
		t.Fatalf("reply = %q", res.Reply)
	}
}

func TestParseTurnVoiceAndSuggestionFields(t *testing.T) {
	res := ParseTurn(`{"reply":"Marchando","suggested":["Chorizo"],"transcript":"ponme dos chorizos picantes","intent":"ORDER","items":[{"name":"chorizo","qty":"2 unidades","notes":"picante"}],"notes":"que piquen","estimated_minutes":15}`)
	if res.Degraded {
		t.Fatalf("unexpected degraded result: %+v", res)
	}
	if len(res.Suggested) != 1 || res.Suggested[0] != "Chorizo" {
		t.Fatalf("suggested = %+v", res.Suggested)
	}
	if res.Transcript != "ponme dos chorizos picantes" {
		t.Fatalf("transcript = %q", res.Transcript)
	}
	if res.Intent != "order" {
		t.Fatalf("intent = %q, want order", res.Intent)
	}
	if len(res.Items) != 1 || res.Items[0].Name != "chorizo" || res.Items[0].Notes != "picante" {
		t.Fatalf("items = %+v", res.Items)
	}
	if res.Notes != "que piquen" || res.EstimatedMinutes != 15 {
		t.Fatalf("notes = %q minutes = %d", res.Notes, res.EstimatedMinutes)
	}
}

func TestParseTurnNormalizesUnknownIntent(t *testing.T) {
	res := ParseTurn(`{"reply":"Entendido","intent":"complaint"}`)
	if res.Intent != "other" {
		t.Fatalf("intent = %q, want other", res.Intent)
	}
	if res := ParseTurn(`{"reply":"Hola"}`); res.Intent != "" {
		t.Fatalf("absent intent must stay empty, got %q", res.Intent)
	}
}

func TestInterpretTimeoutBoundsRetries(t *testing.T) {
	// The upstream rate-limits forever; the interpreter budget must cut
	// the retry loop short instead of letting backoff stack up.
	client := upstreamReplying(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	it := Interpreter{Client: client, Timeout: 100 * time.Millisecond}
	start := time.Now()
	_, err := it.InterpretText(context.Background(), PromptContext{}, "hola")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("retries ran past the budget: %v", elapsed)
	}
}
