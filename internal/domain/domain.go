package domain

type Category struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Position  int    `json:"position"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Product struct {
	ID         string  `json:"id"`
	CategoryID *string `json:"category_id,omitempty"`
	Name       string  `json:"name"`
	Price      string  `json:"price"`
	Unit       string  `json:"unit" enum:"kg,unidad,bandeja,docena,litro"`
	Note       string  `json:"note,omitempty"`
	Available  bool    `json:"available"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

// CartItem is one line of a conversational cart. Qty and Subtotal stay
// strings end to end; the commit service owns numeric interpretation.
type CartItem struct {
	Name     string `json:"name"`
	Qty      string `json:"qty"`
	Subtotal string `json:"subtotal"`
}

type Session struct {
	ID               string  `json:"id"`
	State            string  `json:"state" enum:"accumulating,awaiting_confirmation,confirmed"`
	CartJSON         string  `json:"cart_json,omitempty"`
	CustomerName     *string `json:"customer_name,omitempty"`
	CustomerPhone    *string `json:"customer_phone,omitempty"`
	OrderNumber      *string `json:"order_number,omitempty"`
	Notes            *string `json:"notes,omitempty"`
	EstimatedMinutes *int    `json:"estimated_minutes,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type Turn struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Role      string `json:"role" enum:"user,assistant"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Order struct {
	ID               string  `json:"id"`
	Number           string  `json:"number"`
	SessionID        string  `json:"session_id"`
	CustomerName     *string `json:"customer_name,omitempty"`
	CustomerPhone    *string `json:"customer_phone,omitempty"`
	Total            string  `json:"total"`
	Status           string  `json:"status" enum:"pending,preparing,ready,completed,cancelled"`
	PickupCode       string  `json:"pickup_code,omitempty"`
	CartJSON         string  `json:"cart_json"`
	Notes            *string `json:"notes,omitempty"`
	EstimatedMinutes *int    `json:"estimated_minutes,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type OrderLine struct {
	ID        int64   `json:"id"`
	OrderID   string  `json:"order_id"`
	ProductID *string `json:"product_id,omitempty"`
	Name      string  `json:"name"`
	Qty       string  `json:"qty"`
	Subtotal  string  `json:"subtotal"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"key_hash"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at,omitempty" format:"date-time"`
}
