package domain

// Merchant is a store that receives payments and webhook notifications.
type Merchant struct {
	StoreID       string  `db:"store_id"`
	Principal     string  `db:"principal"`
	WebhookURL    *string `db:"webhook_url"`
	WebhookSecret *string `db:"webhook_secret"`
}
