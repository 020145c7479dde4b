package domain

type StockEntry struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         ItemType `json:"type"`
	CurrentStock int      `json:"current_stock"`
	Threshold    int      `json:"threshold"`
}

type StockReport struct {
	Entries              []StockEntry `json:"entries"`
	Threshold            int          `json:"threshold"`
	TotalProducts        int          `json:"total_products"`
	TotalAdditionals     int          `json:"total_additionals"`
	ZeroStockProducts    int          `json:"zero_stock_products"`
	ZeroStockAdditionals int          `json:"zero_stock_additionals"`
}
