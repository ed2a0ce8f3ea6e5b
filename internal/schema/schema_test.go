package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvision/docuvision/internal/apperror"
)

type stubDetector struct {
	result DetectionResult
	err    error
}

func (d *stubDetector) DetectSchema(ctx context.Context, samplePNG []byte, hint string, candidates []Schema) (DetectionResult, error) {
	return d.result, d.err
}

func TestListIncludesBuiltins(t *testing.T) {
	r := NewRegistry(nil)
	names := map[string]bool{}
	for _, s := range r.List() {
		names[s.Name] = true
	}
	assert.True(t, names[InvoiceSchemaName])
	assert.True(t, names[ReceiptSchemaName])
	assert.True(t, names[GenericSchemaName])
}

func TestGetUnknownSchema(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Get("NotARealSchema")
	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindUnknownSchema))
}

func TestGetKnownSchemaHasRequiredFields(t *testing.T) {
	r := NewRegistry(nil)
	s, err := r.Get(InvoiceSchemaName)
	require.NoError(t, err)
	assert.True(t, s.IsRequired("invoice_number"))
	assert.False(t, s.IsRequired("currency"))
}

func TestDetectAboveThresholdKeepsResult(t *testing.T) {
	detector := &stubDetector{result: DetectionResult{SchemaName: InvoiceSchemaName, Confidence: 0.9}}
	r := NewRegistry(detector)

	result, err := r.Detect(context.Background(), []byte("png"), "")
	require.NoError(t, err)
	assert.Equal(t, InvoiceSchemaName, result.SchemaName)
}

func TestDetectBelowThresholdFallsBackToGeneric(t *testing.T) {
	detector := &stubDetector{result: DetectionResult{SchemaName: ReceiptSchemaName, Confidence: 0.2}}
	r := NewRegistry(detector)

	result, err := r.Detect(context.Background(), []byte("png"), "")
	require.NoError(t, err)
	assert.Equal(t, GenericSchemaName, result.SchemaName)
}

func TestRegisterCustomSchemaShadowsBuiltin(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(Schema{Name: GenericSchemaName, Description: "custom", Fields: map[string]Field{}, RequiredFields: map[string]struct{}{}})

	s, err := r.Get(GenericSchemaName)
	require.NoError(t, err)
	assert.Equal(t, "custom", s.Description)
}
