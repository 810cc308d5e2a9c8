package models

import "time"

// PromptTemplate is a named, reusable system prompt. Only active templates
// take part in a batch.
type PromptTemplate struct {
	ID          int64     `db:"id"          json:"id"`
	Name        string    `db:"name"        json:"name"`
	Content     string    `db:"content"     json:"content"`
	Description *string   `db:"description" json:"description,omitempty"`
	IsActive    bool      `db:"is_active"   json:"is_active"`
	CreatedAt   time.Time `db:"created_at"  json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"  json:"updated_at"`
}
