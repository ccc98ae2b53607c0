package assistant

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mostrador/internal/domain"
)

var (
	// ErrAudioTooLarge means the upload exceeds the configured byte limit.
	ErrAudioTooLarge = errors.New("audio too large")
	// ErrUnsupportedAudio means the content type is not in the whitelist.
	ErrUnsupportedAudio = errors.New("unsupported audio type")
)

// fallbackReply is used when the model output cannot be interpreted at all.
const fallbackReply = "Perdona, no te he entendido bien. ¿Me lo repites, por favor?"

const systemPromptTemplate = `Eres el dependiente virtual de %s. Atiendes pedidos de clientes en español, con cercanía y brevedad.

Catálogo disponible hoy:
%s

Responde SIEMPRE con un único objeto JSON, sin texto fuera del objeto:
{
  "reply": "lo que dices al cliente",
  "cart": [{"name": "...", "qty": "...", "subtotal": "..."}],
  "suggested": ["nombre de producto del catálogo"],
  "confirmed": false,
  "end_of_order": false,
  "notes": "",
  "estimated_minutes": 0,
  "transcript": "",
  "intent": "",
  "items": [{"name": "...", "qty": "...", "notes": ""}]
}

Reglas:
- "cart" es el pedido COMPLETO acumulado hasta ahora, no solo lo nuevo. Omite el campo si el pedido no cambia en este turno.
- "qty" lleva la cantidad con unidad, por ejemplo "0.5 kg" o "2 unidades".
- "subtotal" es el precio estimado de esa línea con dos decimales.
- "suggested" son nombres EXACTOS del catálogo que ofreces como alternativa o acompañamiento. Déjalo vacío si no sugieres nada.
- Pon "end_of_order" en true cuando el cliente dé a entender que ha terminado de pedir; entonces resume el pedido y pide confirmación.
- Pon "confirmed" en true solo cuando el cliente confirme expresamente el resumen.
- "notes" recoge observaciones de preparación del cliente ("que sea tierno", "en filetes finos").
- "estimated_minutes" es tu estimación de minutos de preparación cuando resumas el pedido; 0 si no aplica.
- Si el turno llega como AUDIO, rellena además "transcript" con lo que has oído, "intent" con order, question, greeting u other, e "items" con cada artículo mencionado aunque no esté en el catálogo.
- Ofrece únicamente productos del catálogo. Si piden algo que no hay, dilo y sugiere una alternativa.`

// TurnResult is what one customer utterance produced. CartSet reports
// whether the model included a cart field at all; an empty cart with
// CartSet true means the cart was cleared. Degraded marks replies built
// from unparseable or failed model output; a degraded turn never moves
// the order forward.
type TurnResult struct {
	Reply      string
	Cart       []domain.CartItem
	CartSet    bool
	Suggested  []string // catalog product names offered as alternatives
	Confirmed  bool
	EndOfOrder bool
	Degraded   bool

	// Cart-level remarks the customer attached to the order.
	Notes            string
	EstimatedMinutes int

	// Voice turns only: what the model heard and how it read it.
	Transcript string
	Intent     string // order, question, greeting or other
	Items      []ExtractedItem
}

// ExtractedItem is one item heard in a voice utterance, before any
// catalog matching. Items the shop does not carry are kept, not
// dropped; matching happens downstream.
type ExtractedItem struct {
	Name  string `json:"name"`
	Qty   string `json:"qty,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// PromptContext carries everything the model needs beyond the utterance.
type PromptContext struct {
	ShopName string
	Catalog  string
	History  []domain.Turn
}

// Interpreter turns raw utterances into TurnResults. It never fails on
// malformed model output; only audio validation and context
// cancellation surface as errors.
type Interpreter struct {
	Client        *Client
	MaxAudioBytes int64
	AllowedMIMEs  []string
	// Timeout bounds one whole interpret call, retries included. The
	// per-attempt HTTP timeout alone would let the retry loop overrun
	// the budget.
	Timeout time.Duration
	Logger  *zap.Logger
}

// ValidateAudio enforces the size and content type limits before any
// bytes travel upstream.
func (it Interpreter) ValidateAudio(data []byte, mimeType string) error {
	if int64(len(data)) > it.MaxAudioBytes {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrAudioTooLarge, len(data), it.MaxAudioBytes)
	}
	base := strings.TrimSpace(strings.ToLower(mimeType))
	if i := strings.Index(base, ";"); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	for _, allowed := range it.AllowedMIMEs {
		if base == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedAudio, mimeType)
}

// InterpretText sends a text utterance to the model.
func (it Interpreter) InterpretText(ctx context.Context, pc PromptContext, text string) (TurnResult, error) {
	return it.interpret(ctx, pc, GeminiPart{Text: text})
}

// InterpretAudio sends an audio utterance inline. Callers must run
// ValidateAudio first; this method assumes the bytes are acceptable.
func (it Interpreter) InterpretAudio(ctx context.Context, pc PromptContext, data []byte, mimeType string) (TurnResult, error) {
	part := GeminiPart{InlineData: &GeminiInlineData{
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}}
	return it.interpret(ctx, pc, part)
}

func (it Interpreter) interpret(ctx context.Context, pc PromptContext, utterance GeminiPart) (TurnResult, error) {
	if it.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, it.Timeout)
		defer cancel()
	}

	contents := make([]GeminiContent, 0, len(pc.History)+1)
	for _, turn := range pc.History {
		role := "user"
		if turn.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, GeminiContent{Role: role, Parts: []GeminiPart{{Text: turn.Content}}})
	}
	contents = append(contents, GeminiContent{Role: "user", Parts: []GeminiPart{utterance}})

	req := GeminiRequest{
		Contents: contents,
		SystemInstruction: &GeminiContent{
			Parts: []GeminiPart{{Text: fmt.Sprintf(systemPromptTemplate, pc.ShopName, pc.Catalog)}},
		},
		GenerationConfig: GeminiGenerationConfig{
			Temperature:      0.7,
			ResponseMimeType: "application/json",
		},
	}

	text, err := it.Client.Generate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return TurnResult{}, ctx.Err()
		}
		it.logger().Warn("assistant call failed, degrading turn", zap.Error(err))
		return TurnResult{Reply: fallbackReply, Degraded: true}, nil
	}
	return ParseTurn(text), nil
}

func (it Interpreter) logger() *zap.Logger {
	if it.Logger != nil {
		return it.Logger
	}
	return zap.NewNop()
}

type turnEnvelope struct {
	Reply            string          `json:"reply"`
	Cart             json.RawMessage `json:"cart"`
	Suggested        []string        `json:"suggested"`
	Confirmed        bool            `json:"confirmed"`
	EndOfOrder       bool            `json:"end_of_order"`
	Notes            string          `json:"notes"`
	EstimatedMinutes int             `json:"estimated_minutes"`
	Transcript       string          `json:"transcript"`
	Intent           string          `json:"intent"`
	Items            []ExtractedItem `json:"items"`
}

var knownIntents = map[string]struct{}{
	"order": {}, "question": {}, "greeting": {}, "other": {},
}

// normalizeIntent collapses anything outside the contract to "other",
// keeping "" for turns where the model sent no intent at all.
func normalizeIntent(intent string) string {
	intent = strings.ToLower(strings.TrimSpace(intent))
	if intent == "" {
		return ""
	}
	if _, ok := knownIntents[intent]; ok {
		return intent
	}
	return "other"
}

// ParseTurn recovers a TurnResult from whatever the model returned. It
// tries the raw text as JSON, then the contents of a fenced code block,
// then the first balanced JSON object found anywhere in the text. When
// all of that fails the text itself becomes a degraded reply.
func ParseTurn(text string) TurnResult {
	trimmed := strings.TrimSpace(text)

	if res, ok := decodeEnvelope(trimmed); ok {
		return res
	}
	if inner := stripFences(trimmed); inner != "" {
		if res, ok := decodeEnvelope(inner); ok {
			return res
		}
	}
	if obj := extractJSONObject(trimmed); obj != "" {
		if res, ok := decodeEnvelope(obj); ok {
			return res
		}
	}

	reply := trimmed
	if reply == "" {
		reply = fallbackReply
	}
	return TurnResult{Reply: reply, Degraded: true}
}

func decodeEnvelope(s string) (TurnResult, bool) {
	if !strings.HasPrefix(s, "{") {
		return TurnResult{}, false
	}
	var env turnEnvelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return TurnResult{}, false
	}
	res := TurnResult{
		Reply:            strings.TrimSpace(env.Reply),
		Suggested:        env.Suggested,
		Confirmed:        env.Confirmed,
		EndOfOrder:       env.EndOfOrder,
		Notes:            strings.TrimSpace(env.Notes),
		EstimatedMinutes: env.EstimatedMinutes,
		Transcript:       strings.TrimSpace(env.Transcript),
		Intent:           normalizeIntent(env.Intent),
		Items:            env.Items,
	}
	if env.Cart != nil {
		res.CartSet = true
		var cart []domain.CartItem
		if err := json.Unmarshal(env.Cart, &cart); err != nil {
			// A present but malformed cart keeps the previous cart.
			res.CartSet = false
		} else {
			res.Cart = cart
		}
	}
	if res.Reply == "" {
		res.Reply = fallbackReply
	}
	return res, true
}

// stripFences returns the body of the first ``` block, tolerating a
// language tag after the opening fence.
func stripFences(s string) string {
	start := strings.Index(s, "```")
	if start == -1 {
		return ""
	}
	rest := s[start+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		// Drop a language tag such as "json" on the fence line.
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine == "" || !strings.HasPrefix(firstLine, "{") {
			rest = rest[nl+1:]
		}
	}
	end := strings.LastIndex(rest, "```")
	if end == -1 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// extractJSONObject scans for the first balanced top-level JSON object,
// ignoring braces inside string literals.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
