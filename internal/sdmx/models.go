// Package sdmx converts ISTAT SDMX 2.1 XML payloads into flat observation
// records and ships the upstream REST client used to fetch them.
//
// The parser is namespace-tolerant: ISTAT publishes generic-format payloads
// under varying prefixes (gen:, generic:, com:, or none), so observation
// elements are matched by local name rather than by qualified name. A
// malformed payload never surfaces as an error; it degrades to a single
// parse-error record so downstream bookkeeping still sees one row for the
// dataset.
package sdmx

import (
	"time"
)

// Attribute keys reserved by the parser and the ingestion pipeline.
// Everything else in AdditionalAttributes is named after the source XML
// (<lower(child_tag)>_<lower(attr_key)>, or obs_<lower(attr_key)> for
// attributes on the observation element itself).
const (
	// AttrRawText captures observation element text when no ObsValue child
	// carried a value attribute.
	AttrRawText = "raw_text"

	// AttrParseError marks the single record emitted for a malformed payload.
	AttrParseError = "parse_error"

	// AttrRawDataSample holds the head of the payload that failed to parse.
	AttrRawDataSample = "raw_data_sample"

	// AttrIngestionNote marks synthetic rows written by the pipeline, such as
	// the placeholder recorded for a documented empty upstream response.
	AttrIngestionNote = "ingestion_note"

	// NoteEmptySuccess is the AttrIngestionNote value for an upstream fetch
	// that succeeded but carried no observations.
	NoteEmptySuccess = "empty_success"

	// maxRawDataSample bounds the payload sample kept on parse-error records.
	maxRawDataSample = 500
)

type (
	// Observation is one flattened SDMX observation, the row shape of the
	// analytics observation table.
	//
	// ObsValue and TimePeriod are kept as raw source strings; numeric
	// interpretation happens at query time. Everything else extracted from
	// the XML lands in AdditionalAttributes.
	Observation struct {
		// DatasetID is the owning ISTAT dataflow identifier (e.g. "101_1015").
		DatasetID string

		// RecordID is the zero-based position of this observation within a
		// single parse call. It restarts on every ingestion.
		RecordID int

		// ObsValue is the raw value attribute of the ObsValue child, if any.
		ObsValue string

		// TimePeriod is the raw value of the TIME_PERIOD dimension, if any
		// (e.g. "2024", "2024-Q2"). Never normalized.
		TimePeriod string

		// AdditionalAttributes carries every other attribute found on the
		// observation element and its children, keyed as documented on the
		// Attr* constants.
		AdditionalAttributes map[string]string

		// IngestionTimestamp is when the parse call that produced this
		// record started. All records of one call share it.
		IngestionTimestamp time.Time
	}
)

// NewParseErrorObservation builds the single record emitted when a payload
// cannot be parsed as XML. The record keeps the parse error and the first
// 500 characters of the payload for diagnosis, and counts as one stored row
// so freshness checks treat the dataset as ingested.
func NewParseErrorObservation(datasetID string, parseErr error, payload string) Observation {
	message := "parse failure"
	if parseErr != nil {
		message = parseErr.Error()
	}

	return Observation{
		DatasetID: datasetID,
		RecordID:  0,
		AdditionalAttributes: map[string]string{
			AttrParseError:    message,
			AttrRawDataSample: truncateSample(payload, maxRawDataSample),
		},
		IngestionTimestamp: time.Now().UTC(),
	}
}

// NewEmptySuccessObservation builds the placeholder row the pipeline stores
// when the upstream fetch succeeded but the payload contained no
// observations. Without it the next run would re-fetch an empty dataset
// forever.
func NewEmptySuccessObservation(datasetID string) Observation {
	return Observation{
		DatasetID: datasetID,
		RecordID:  0,
		AdditionalAttributes: map[string]string{
			AttrIngestionNote: NoteEmptySuccess,
		},
		IngestionTimestamp: time.Now().UTC(),
	}
}

// IsParseError reports whether this record was emitted for a malformed
// payload rather than extracted from one.
func (o *Observation) IsParseError() bool {
	_, ok := o.AdditionalAttributes[AttrParseError]

	return ok
}

// IsSynthetic reports whether this record was manufactured by the parser or
// pipeline (parse error or empty-success placeholder) instead of being read
// from the payload.
func (o *Observation) IsSynthetic() bool {
	if o.IsParseError() {
		return true
	}

	_, ok := o.AdditionalAttributes[AttrIngestionNote]

	return ok
}

// truncateSample cuts s to at most limit runes, never splitting a rune.
func truncateSample(s string, limit int) string {
	if limit <= 0 {
		return ""
	}

	count := 0

	for i := range s {
		if count == limit {
			return s[:i]
		}

		count++
	}

	return s
}
