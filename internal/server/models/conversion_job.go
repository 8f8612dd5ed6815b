package models

import "github.com/docuvert/docuvert/internal/tier"

// Conversion directions supported by the engine.
const (
	ConversionPDFToDocx = "pdf-to-docx"
	ConversionDocxToPDF = "docx-to-pdf"
)

// ConversionJob is the serializable payload handed to the queue-worker
// runtime. Field names are part of the wire contract with workers.
type ConversionJob struct {
	ConversionID     string    `json:"conversionId"`
	UserID           string    `json:"userId"`
	SourceFilePath   string    `json:"sourceFilePath"`
	OutputFilePath   string    `json:"outputFilePath"`
	OriginalFilename string    `json:"originalFilename"`
	ConversionType   string    `json:"conversionType"`
	Quality          string    `json:"quality"`
	PreserveFormat   bool      `json:"preserveFormatting"`
	UserTier         tier.Tier `json:"userTier"`
}
