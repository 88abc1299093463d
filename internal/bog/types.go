package bog

import "encoding/json"

// OrderRequest описывает тело запроса создания заказа в процессинге.
type OrderRequest struct {
	CallbackURL     string        `json:"callback_url"`
	RedirectURLs    RedirectURLs  `json:"redirect_urls"`
	PurchaseUnits   PurchaseUnits `json:"purchase_units"`
	Capture         string        `json:"capture"`
	Intent          string        `json:"intent"`
	Locale          string        `json:"locale"`
	ExternalOrderID string        `json:"external_order_id"`
}

// RedirectURLs содержит адреса возврата покупателя.
type RedirectURLs struct {
	Success string `json:"success"`
	Fail    string `json:"fail"`
}

// PurchaseUnits описывает сумму и корзину заказа.
type PurchaseUnits struct {
	TotalAmount string       `json:"total_amount"`
	Currency    string       `json:"currency"`
	Basket      []BasketItem `json:"basket"`
}

// BasketItem описывает позицию корзины. Суммы передаются строками с двумя знаками после запятой.
type BasketItem struct {
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	ProductID   string `json:"product_id"`
	Description string `json:"description"`
}

// RemoteOrder описывает ответ на создание заказа.
type RemoteOrder struct {
	ID    string `json:"id"`
	Links struct {
		Redirect struct {
			Href string `json:"href"`
		} `json:"redirect"`
	} `json:"_links"`
}

// RedirectURL возвращает адрес платёжной страницы.
func (o *RemoteOrder) RedirectURL() string {
	return o.Links.Redirect.Href
}

// PaymentDetails описывает квитанцию по заказу процессинга.
type PaymentDetails struct {
	OrderStatus struct {
		Key string `json:"key"`
	} `json:"order_status"`
	// Raw хранит исходное тело ответа для нормализации и хранения.
	Raw json.RawMessage `json:"-"`
}
