package sdmx

import (
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// maxObservationsPerCall caps how many observations a single parse call may
// return. ISTAT dataflows can carry millions of rows; the cap keeps one
// ingestion bounded and is logged as a truncation warning when hit.
const maxObservationsPerCall = 10_000

type (
	// Parser extracts flat observation records from SDMX 2.1 XML.
	//
	// Element matching is by local name so that gen:Obs, generic:Obs and
	// plain Obs all resolve to the same records. Preference order when a
	// payload mixes shapes: Obs elements win over Observation elements,
	// which win over the last-resort numeric-text scan.
	Parser struct {
		limit  int
		logger *slog.Logger
	}

	// ParserOption configures a Parser.
	ParserOption func(*Parser)

	// openElement tracks an element on the walk stack for the numeric-text
	// fallback. Text accumulates only before the first child, matching how
	// tree parsers expose element text.
	openElement struct {
		attrs    []xml.Attr
		text     strings.Builder
		sawChild bool
	}
)

// WithParserLogger sets the logger used for truncation and failure warnings.
func WithParserLogger(logger *slog.Logger) ParserOption {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithObservationLimit overrides the per-call observation cap.
func WithObservationLimit(limit int) ParserOption {
	return func(p *Parser) {
		if limit > 0 {
			p.limit = limit
		}
	}
}

// NewParser creates a Parser with the default observation cap.
func NewParser(opts ...ParserOption) *Parser {
	parser := &Parser{
		limit:  maxObservationsPerCall,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(parser)
	}

	return parser
}

// Parse converts an SDMX payload into observation records for datasetID.
//
// Parse never fails: a payload that is not well-formed XML yields a single
// parse-error record carrying the error and a sample of the input, and an
// empty or observation-free payload yields an empty slice. Record IDs are
// assigned zero-based in document order.
func (p *Parser) Parse(datasetID, payload string) []Observation {
	started := time.Now().UTC()

	var (
		obsRecords         []Observation
		observationRecords []Observation
		numericRecords     []Observation

		obsTruncated         bool
		observationTruncated bool
		numericTruncated     bool
	)

	var stack []*openElement

	decoder := xml.NewDecoder(strings.NewReader(payload))

	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			p.logger.Warn("Failed to parse SDMX payload",
				"dataset_id", datasetID,
				"error", err,
			)

			return []Observation{NewParseErrorObservation(datasetID, err, payload)}
		}

		switch t := token.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "Obs":
				if len(obsRecords) >= p.limit {
					obsTruncated = true

					if err := decoder.Skip(); err != nil {
						return []Observation{NewParseErrorObservation(datasetID, err, payload)}
					}

					continue
				}

				record, err := p.extractObservation(decoder, t, datasetID, started)
				if err != nil {
					return []Observation{NewParseErrorObservation(datasetID, err, payload)}
				}

				obsRecords = append(obsRecords, record)
			case "Observation":
				if len(observationRecords) >= p.limit {
					observationTruncated = true

					if err := decoder.Skip(); err != nil {
						return []Observation{NewParseErrorObservation(datasetID, err, payload)}
					}

					continue
				}

				record, err := p.extractObservation(decoder, t, datasetID, started)
				if err != nil {
					return []Observation{NewParseErrorObservation(datasetID, err, payload)}
				}

				observationRecords = append(observationRecords, record)
			default:
				if len(stack) > 0 {
					stack[len(stack)-1].sawChild = true
				}

				stack = append(stack, &openElement{attrs: t.Copy().Attr})
			}
		case xml.CharData:
			if len(stack) > 0 && !stack[len(stack)-1].sawChild {
				stack[len(stack)-1].text.Write(t)
			}
		case xml.EndElement:
			if len(stack) == 0 {
				continue
			}

			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			text := strings.TrimSpace(top.text.String())
			if text == "" || !isNumericText(text) {
				continue
			}

			if len(numericRecords) >= p.limit {
				numericTruncated = true

				continue
			}

			numericRecords = append(numericRecords, Observation{
				DatasetID:            datasetID,
				ObsValue:             text,
				AdditionalAttributes: elementAttributes(top.attrs),
				IngestionTimestamp:   started,
			})
		}
	}

	records, truncated := obsRecords, obsTruncated
	if len(records) == 0 {
		records, truncated = observationRecords, observationTruncated
	}

	if len(records) == 0 {
		records, truncated = numericRecords, numericTruncated
	}

	if truncated {
		p.logger.Warn("Observation cap reached, payload truncated",
			"dataset_id", datasetID,
			"limit", p.limit,
		)
	}

	if records == nil {
		return []Observation{}
	}

	for i := range records {
		records[i].RecordID = i
	}

	return records
}

// extractObservation consumes one observation subtree and flattens it.
//
// The observation element's own attributes are stored with an obs_ prefix.
// Immediate children contribute every attribute as
// <lower(tag)>_<lower(attr)>; ObsValue's value attribute becomes the record
// value and an ObsDimension with id TIME_PERIOD supplies the time period.
// Deeper descendants are not walked.
func (p *Parser) extractObservation(decoder *xml.Decoder, start xml.StartElement, datasetID string, started time.Time) (Observation, error) {
	record := Observation{
		DatasetID:            datasetID,
		AdditionalAttributes: make(map[string]string),
		IngestionTimestamp:   started,
	}

	for _, attr := range start.Attr {
		if isNamespaceDecl(attr) {
			continue
		}

		record.AdditionalAttributes["obs_"+strings.ToLower(attr.Name.Local)] = attr.Value
	}

	var (
		depth    int
		text     strings.Builder
		sawChild bool
	)

	for {
		token, err := decoder.Token()
		if err != nil {
			// io.EOF here means an unclosed observation element.
			return Observation{}, err
		}

		switch t := token.(type) {
		case xml.StartElement:
			if depth == 0 {
				sawChild = true
				childTag := strings.ToLower(t.Name.Local)

				for _, attr := range t.Attr {
					if isNamespaceDecl(attr) {
						continue
					}

					record.AdditionalAttributes[childTag+"_"+strings.ToLower(attr.Name.Local)] = attr.Value
				}

				switch t.Name.Local {
				case "ObsValue":
					if value, ok := attrValue(t.Attr, "value"); ok {
						record.ObsValue = value
					}
				case "ObsDimension":
					if id, _ := attrValue(t.Attr, "id"); id == "TIME_PERIOD" {
						if value, ok := attrValue(t.Attr, "value"); ok {
							record.TimePeriod = value
						}
					}
				}
			}

			depth++
		case xml.EndElement:
			if depth == 0 {
				if record.ObsValue == "" {
					if trimmed := strings.TrimSpace(text.String()); trimmed != "" {
						record.AdditionalAttributes[AttrRawText] = trimmed
					}
				}

				return record, nil
			}

			depth--
		case xml.CharData:
			if depth == 0 && !sawChild {
				text.Write(t)
			}
		}
	}
}

// attrValue returns the value of the attribute with the given local name.
func attrValue(attrs []xml.Attr, local string) (string, bool) {
	for _, attr := range attrs {
		if attr.Name.Local == local {
			return attr.Value, true
		}
	}

	return "", false
}

// elementAttributes flattens element attributes with the obs_ prefix used
// for observation-level attributes.
func elementAttributes(attrs []xml.Attr) map[string]string {
	flattened := make(map[string]string, len(attrs))

	for _, attr := range attrs {
		if isNamespaceDecl(attr) {
			continue
		}

		flattened["obs_"+strings.ToLower(attr.Name.Local)] = attr.Value
	}

	return flattened
}

// isNamespaceDecl reports whether attr is an xmlns declaration rather than
// payload data.
func isNamespaceDecl(attr xml.Attr) bool {
	return attr.Name.Space == "xmlns" || attr.Name.Local == "xmlns"
}

// isNumericText reports whether s parses as a floating point number.
func isNumericText(s string) bool {
	_, err := strconv.ParseFloat(s, 64)

	return err == nil
}
