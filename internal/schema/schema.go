// Package schema catalogs named extraction schemas and provides
// automatic schema detection (SPEC_FULL.md §4.7).
package schema

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/docuvision/docuvision/internal/apperror"
)

// FieldType is the closed set of value types a schema field may declare.
type FieldType string

const (
	FieldText   FieldType = "text"
	FieldNumber FieldType = "number"
	FieldDate   FieldType = "date"
	FieldBool   FieldType = "boolean"
	FieldArray  FieldType = "array"
	FieldObject FieldType = "object"
)

// Field describes one schema field.
type Field struct {
	Type        FieldType
	Description string
}

// Schema is an immutable named extraction template.
type Schema struct {
	Name           string
	Description    string
	Fields         map[string]Field
	RequiredFields map[string]struct{}
}

// IsRequired reports whether field is in RequiredFields.
func (s Schema) IsRequired(field string) bool {
	_, ok := s.RequiredFields[field]
	return ok
}

// DetectionResult is returned by Registry.Detect.
type DetectionResult struct {
	SchemaName      string
	Confidence      float64
	SuggestedFields []string

	// CategoryMetadata carries document categorization the vision model
	// volunteers alongside schema identification (domain, subdomain,
	// country_code, model_year, condition, make, model, ...). Optional
	// and additive: absent when the model's response doesn't include it.
	CategoryMetadata map[string]string
}

// DetectionConfidenceThreshold below which Detect falls back to Generic,
// per SPEC_FULL.md §4.4 stage 4.
const DetectionConfidenceThreshold = 0.5

// Detector performs schema identification against a sample page image.
// Implemented by the vision capability (kept as an interface here to
// avoid an import cycle between schema and capability/vision).
type Detector interface {
	DetectSchema(ctx context.Context, samplePNG []byte, hint string, candidates []Schema) (DetectionResult, error)
}

// Registry is a read-mostly catalog of schemas, built-in plus
// optionally custom ones registered at startup.
type Registry struct {
	mu       sync.RWMutex
	schemas  map[string]Schema
	detector Detector
}

// NewRegistry creates a Registry seeded with the built-in schemas.
func NewRegistry(detector Detector) *Registry {
	r := &Registry{
		schemas:  map[string]Schema{},
		detector: detector,
	}
	for _, s := range builtinSchemas() {
		r.schemas[s.Name] = s
	}
	return r
}

// Register adds or replaces a custom schema. Built-in schemas may be
// shadowed this way, matching the spec's allowance for a persisted
// custom-schema table whose list/get return the union with built-ins.
func (r *Registry) Register(s Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Name] = s
}

// List returns all schemas ordered by name for deterministic output.
func (r *Registry) List() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Schema, 0, len(names))
	for _, name := range names {
		out = append(out, r.schemas[name])
	}
	return out
}

// Get fetches a schema by name, or an UnknownSchema apperror.
func (r *Registry) Get(name string) (Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[name]
	if !ok {
		return Schema{}, apperror.UnknownSchema(name)
	}
	return s, nil
}

// Detect invokes the configured Detector with a schema-identification
// prompt. If the detector's confidence is below
// DetectionConfidenceThreshold, the result is rewritten to name
// Generic with the original confidence preserved for observability.
func (r *Registry) Detect(ctx context.Context, samplePNG []byte, hint string) (DetectionResult, error) {
	if r.detector == nil {
		return DetectionResult{}, fmt.Errorf("schema: no detector configured")
	}

	candidates := r.List()
	result, err := r.detector.DetectSchema(ctx, samplePNG, hint, candidates)
	if err != nil {
		return DetectionResult{}, err
	}

	if result.Confidence < DetectionConfidenceThreshold {
		result.SchemaName = GenericSchemaName
	}
	return result, nil
}

const (
	InvoiceSchemaName = "Invoice"
	ReceiptSchemaName = "Receipt"
	GenericSchemaName = "Generic"
)

func builtinSchemas() []Schema {
	return []Schema{
		{
			Name:        InvoiceSchemaName,
			Description: "A commercial invoice requesting payment for goods or services rendered.",
			Fields: map[string]Field{
				"invoice_number": {Type: FieldText, Description: "The invoice's unique identifier."},
				"invoice_date":   {Type: FieldDate, Description: "Date the invoice was issued."},
				"due_date":       {Type: FieldDate, Description: "Date payment is due."},
				"vendor_name":    {Type: FieldText, Description: "Name of the issuing vendor."},
				"customer_name":  {Type: FieldText, Description: "Name of the billed customer."},
				"line_items":     {Type: FieldArray, Description: "Itemized goods or services with quantity and price."},
				"subtotal":       {Type: FieldNumber, Description: "Sum before tax and adjustments."},
				"tax_amount":     {Type: FieldNumber, Description: "Total tax charged."},
				"total_amount":   {Type: FieldNumber, Description: "Final amount due."},
				"currency":       {Type: FieldText, Description: "ISO currency code."},
			},
			RequiredFields: requiredSet("invoice_number", "total_amount"),
		},
		{
			Name:        ReceiptSchemaName,
			Description: "A point-of-sale receipt for a completed purchase.",
			Fields: map[string]Field{
				"merchant_name":  {Type: FieldText, Description: "Name of the merchant."},
				"transaction_id": {Type: FieldText, Description: "Transaction or receipt identifier."},
				"purchased_at":   {Type: FieldDate, Description: "Date and time of purchase."},
				"line_items":     {Type: FieldArray, Description: "Purchased items with quantity and price."},
				"tax_amount":     {Type: FieldNumber, Description: "Total tax charged."},
				"total_amount":   {Type: FieldNumber, Description: "Final amount paid."},
				"payment_method": {Type: FieldText, Description: "How the purchase was paid for."},
			},
			RequiredFields: requiredSet("total_amount"),
		},
		{
			Name:        GenericSchemaName,
			Description: "A fallback schema for documents that do not match a known type; extracts free-form key facts.",
			Fields: map[string]Field{
				"title":       {Type: FieldText, Description: "A short title or heading for the document."},
				"summary":     {Type: FieldText, Description: "A brief summary of the document's content."},
				"key_values":  {Type: FieldObject, Description: "Any clearly labeled key/value facts found in the document."},
				"date":        {Type: FieldDate, Description: "The most prominent date in the document, if any."},
			},
			RequiredFields: requiredSet(),
		},
	}
}

func requiredSet(names ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}
