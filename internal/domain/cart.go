package domain

import "encoding/json"

// MarshalCart encodes a cart for storage. A nil cart encodes as [].
func MarshalCart(cart []CartItem) (string, error) {
	if cart == nil {
		cart = []CartItem{}
	}
	data, err := json.Marshal(cart)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalCart decodes a stored cart. Empty input yields an empty cart.
func UnmarshalCart(raw string) ([]CartItem, error) {
	if raw == "" {
		return []CartItem{}, nil
	}
	var cart []CartItem
	if err := json.Unmarshal([]byte(raw), &cart); err != nil {
		return nil, err
	}
	if cart == nil {
		cart = []CartItem{}
	}
	return cart, nil
}
