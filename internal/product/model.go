package product

import "time"

// Product is one catalog entry. Price is in whole yen; Sizes is the list of
// offered sizes, empty meaning one-size.
type Product struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       int64     `json:"price"`
	ImageURL    string    `json:"image_url"`
	Category    string    `json:"category"`
	Sizes       []string  `json:"sizes"`
	SoldOut     bool      `json:"is_sold_out"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ProductInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Price       int64    `json:"price"`
	ImageURL    string   `json:"image_url"`
	Category    string   `json:"category"`
	Sizes       []string `json:"sizes"`
	SoldOut     bool     `json:"is_sold_out"`
}
