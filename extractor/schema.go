package extractor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/masa23/newsfunnel/model"
)

const metadataSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Newsletter metadata",
  "type": "object",
  "required": [
    "isNewsletter", "theme", "tags", "mainSubjectsTitle", "oneResumeSentence",
    "longResume", "differentSubject", "isExplicitSponsored", "priority"
  ],
  "properties": {
    "isNewsletter":         {"type": "boolean"},
    "newsletterName":       {"type": ["string", "null"]},
    "theme":                {"type": "array", "items": {"type": "string"}},
    "tags":                 {"type": "array", "items": {"type": "string"}},
    "mainSubjectsTitle":    {"type": "array", "items": {"type": "string"}},
    "oneResumeSentence":    {"type": "string"},
    "longResume":           {"type": "string"},
    "differentSubject":     {"type": "boolean"},
    "isExplicitSponsored":  {"type": "boolean"},
    "sponsorIfTrue":        {"type": ["string", "null"]},
    "unsubscribeLink":      {"type": ["string", "null"]},
    "otherLinksMentionned": {"type": ["array", "null"], "items": {"type": "string"}},
    "priority":             {"type": "integer", "minimum": 1, "maximum": 3}
  }
}`

var metadataSchema = mustSchema(metadataSchemaJSON)

func mustSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("extractor: invalid metadata schema: %v", err))
	}
	return schema
}

// ErrInvalidMetadata wraps schema violations of an analysis reply.
var ErrInvalidMetadata = errors.New("invalid metadata")

// Decode checks an extracted JSON document. It reports newsletter=false,
// without requiring any other field, when isNewsletter is false; otherwise
// the document must satisfy the metadata schema.
func Decode(doc string) (md *model.Metadata, newsletter bool, err error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(doc), &fields); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if v, ok := fields["isNewsletter"].(bool); ok && !v {
		return nil, false, nil
	}

	result, err := metadataSchema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, false, fmt.Errorf("%w: %s", ErrInvalidMetadata, strings.Join(msgs, "; "))
	}

	var payload model.Metadata
	if err := json.Unmarshal([]byte(doc), &payload); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	// only the analysis fields come from the reply
	md = &model.Metadata{
		IsNewsletter:        payload.IsNewsletter,
		NewsletterName:      payload.NewsletterName,
		Theme:               payload.Theme,
		Tags:                payload.Tags,
		MainSubjectsTitle:   payload.MainSubjectsTitle,
		OneResumeSentence:   payload.OneResumeSentence,
		LongResume:          payload.LongResume,
		DifferentSubject:    payload.DifferentSubject,
		IsExplicitSponsored: payload.IsExplicitSponsored,
		SponsorIfTrue:       payload.SponsorIfTrue,
		UnsubscribeLink:     payload.UnsubscribeLink,
		OtherLinks:          payload.OtherLinks,
		Priority:            payload.Priority,
	}
	return md, true, nil
}
