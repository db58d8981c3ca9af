package model

import "time"

// Category classifies an email's business relevance.
type Category string

const (
	CategoryInvoice    Category = "invoice"
	CategoryContract   Category = "contract"
	CategoryIrrelevant Category = "irrelevant"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryInvoice, CategoryContract, CategoryIrrelevant:
		return true
	}
	return false
}

// ExtractionResult is the typed output of the generative extraction step
// for a single email. Invariant: an irrelevant result carries no fields
// and no summary; any other category carries a non-empty summary.
type ExtractionResult struct {
	MessageID  string            `json:"message_id"`
	Category   Category          `json:"category"`
	Confidence float64           `json:"confidence"`
	Fields     map[string]string `json:"fields,omitempty"`
	Summary    string            `json:"summary,omitempty"`

	// Carried from the parsed email for digest formatting.
	Subject    string    `json:"subject"`
	From       string    `json:"from"`
	ReceivedAt time.Time `json:"received_at"`
}

// Relevant reports whether the result should appear in the digest.
func (r ExtractionResult) Relevant() bool {
	return r.Category != CategoryIrrelevant
}
