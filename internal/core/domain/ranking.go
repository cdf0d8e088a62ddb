package domain

type ProductRank struct {
	ProductID string
	Sales     int64
}

// SalesByProduct sums item quantities per product, scaled by sign.
func SalesByProduct(items []OrderItem, sign int) map[string]int {
	sales := make(map[string]int, len(items))
	for _, item := range items {
		sales[item.ProductID] += sign * item.Quantity
	}
	return sales
}
