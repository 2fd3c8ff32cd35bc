// Package models contains domain types for the CRE document processing backend.
package models

// DocumentType is the classification outcome for a document.
type DocumentType string

const (
	DocumentTypeRentRoll        DocumentType = "rent_roll"
	DocumentTypeOfferingMemo    DocumentType = "offering_memo"
	DocumentTypeLeaseAgreement  DocumentType = "lease_agreement"
	DocumentTypeComparableSales DocumentType = "comparable_sales"
	DocumentTypeUnknown         DocumentType = "unknown"
)

// ParseDocumentType maps a raw classifier label to a DocumentType.
// Unrecognised labels map to DocumentTypeUnknown.
func ParseDocumentType(s string) DocumentType {
	switch DocumentType(s) {
	case DocumentTypeRentRoll, DocumentTypeOfferingMemo, DocumentTypeLeaseAgreement, DocumentTypeComparableSales:
		return DocumentType(s)
	default:
		return DocumentTypeUnknown
	}
}

// Document is the input to a processing run: an uploaded file plus the
// content reference the AI service fetches it from.
type Document struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Ref  string `json:"ref"`
}

// Region is an area of a document page associated with a data field.
// Its shape belongs to the AI service and is passed through untouched.
type Region = map[string]any

// ExtractedData maps field names to extracted values.
type ExtractedData = map[string]any
