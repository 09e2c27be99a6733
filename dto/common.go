package dto

type ValidationError struct {
	Field   string `json:"field" example:"SubscriptionEvent.Data.UserID"`
	Message string `json:"message" example:"UserID is required"`
}

type ValidationErrorResponse struct {
	Code    int               `json:"code" example:"422"`
	Message string            `json:"message" example:"Validation failed"`
	Errors  []ValidationError `json:"errors"`
}

type PageQuery struct {
	Page     int `json:"page" example:"1"`
	PageSize int `json:"page_size" example:"20"`
}

// Normalize clamps the page to >= 1 and the page size to 1..100.
func (q *PageQuery) Normalize() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 || q.PageSize > 100 {
		q.PageSize = 20
	}
}

func (q PageQuery) Offset() int {
	return (q.Page - 1) * q.PageSize
}
