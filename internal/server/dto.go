package server

import (
	"mostrador/internal/domain"
)

type CreateSessionRequest struct {
	CustomerName  *string `json:"customer_name,omitempty"`
	CustomerPhone *string `json:"customer_phone,omitempty"`
}

type SessionResponse struct {
	ID          string            `json:"id"`
	State       string            `json:"state"`
	Cart        []domain.CartItem `json:"cart"`
	OrderNumber *string           `json:"order_number,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

func sessionResponse(s domain.Session) SessionResponse {
	cart, err := domain.UnmarshalCart(s.CartJSON)
	if err != nil {
		cart = []domain.CartItem{}
	}
	return SessionResponse{
		ID:          s.ID,
		State:       s.State,
		Cart:        cart,
		OrderNumber: s.OrderNumber,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

type MessageRequest struct {
	Text string `json:"text"`
}

// MessageResponse is what a turn hands back to the customer client.
// Text, Intent and ExtractedItems are present on voice turns only.
type MessageResponse struct {
	Reply             string                     `json:"reply"`
	State             string                     `json:"state"`
	Cart              []domain.CartItem          `json:"cart"`
	SuggestedProducts []SuggestedProductResponse `json:"suggested_products"`
	OrderNumber       *string                    `json:"order_number,omitempty"`
	Total             *string                    `json:"total,omitempty"`
	PickupCode        *string                    `json:"pickup_code,omitempty"`
	Text              string                     `json:"text,omitempty"`
	Intent            string                     `json:"intent,omitempty" enum:"order,question,greeting,other"`
	ExtractedItems    []ExtractedItemResponse    `json:"extracted_items,omitempty"`
	Degraded          bool                       `json:"degraded,omitempty"`
}

// SuggestedProductResponse is a catalog product the assistant offered.
type SuggestedProductResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price string `json:"price"`
	Unit  string `json:"unit"`
}

// ExtractedItemResponse is an item heard in a voice turn; a null
// product_id means the shop does not carry it.
type ExtractedItemResponse struct {
	ProductID *string `json:"product_id"`
	Name      string  `json:"name"`
	Qty       string  `json:"qty,omitempty"`
	Notes     string  `json:"notes,omitempty"`
}

type TurnResponse struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

type OrderResponse struct {
	Number           string            `json:"number"`
	Status           string            `json:"status"`
	Total            string            `json:"total"`
	Cart             []domain.CartItem `json:"cart"`
	CustomerName     *string           `json:"customer_name,omitempty"`
	Notes            *string           `json:"notes,omitempty"`
	EstimatedMinutes *int              `json:"estimated_minutes,omitempty"`
	CreatedAt        string            `json:"created_at"`
	UpdatedAt        string            `json:"updated_at"`
}

func orderResponse(o domain.Order) OrderResponse {
	cart, err := domain.UnmarshalCart(o.CartJSON)
	if err != nil {
		cart = []domain.CartItem{}
	}
	return OrderResponse{
		Number:           o.Number,
		Status:           o.Status,
		Total:            o.Total,
		Cart:             cart,
		CustomerName:     o.CustomerName,
		Notes:            o.Notes,
		EstimatedMinutes: o.EstimatedMinutes,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
}

// StaffOrderResponse additionally exposes the pickup code and lines.
type StaffOrderResponse struct {
	OrderResponse
	ID            string              `json:"id"`
	SessionID     string              `json:"session_id"`
	PickupCode    string              `json:"pickup_code"`
	CustomerPhone *string             `json:"customer_phone,omitempty"`
	Lines         []OrderLineResponse `json:"lines,omitempty"`
}

type OrderLineResponse struct {
	ProductID *string `json:"product_id,omitempty"`
	Name      string  `json:"name"`
	Qty       string  `json:"qty"`
	Subtotal  string  `json:"subtotal"`
}

func staffOrderResponse(o domain.Order, lines []domain.OrderLine) StaffOrderResponse {
	res := StaffOrderResponse{
		OrderResponse: orderResponse(o),
		ID:            o.ID,
		SessionID:     o.SessionID,
		PickupCode:    o.PickupCode,
		CustomerPhone: o.CustomerPhone,
	}
	for _, l := range lines {
		res.Lines = append(res.Lines, OrderLineResponse{
			ProductID: l.ProductID,
			Name:      l.Name,
			Qty:       l.Qty,
			Subtotal:  l.Subtotal,
		})
	}
	return res
}

type paginatedOrders struct {
	Items      []StaffOrderResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type CreateCategoryRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Position int    `json:"position,omitempty"`
}

type CreateProductRequest struct {
	ID         string  `json:"id,omitempty"`
	CategoryID *string `json:"category_id,omitempty"`
	Name       string  `json:"name"`
	Price      string  `json:"price"`
	Unit       string  `json:"unit"`
	Note       string  `json:"note,omitempty"`
	Available  *bool   `json:"available,omitempty"`
}

type UpdateProductRequest struct {
	CategoryID *string `json:"category_id,omitempty"`
	Name       *string `json:"name,omitempty"`
	Price      *string `json:"price,omitempty"`
	Unit       *string `json:"unit,omitempty"`
	Note       *string `json:"note,omitempty"`
	Available  *bool   `json:"available,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	Name       string `json:"name,omitempty"`
	Key        string `json:"key,omitempty"`
	CreatedAt  string `json:"created_at"`
	LastUsedAt string `json:"last_used_at,omitempty"`
}
