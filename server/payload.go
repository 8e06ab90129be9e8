package server

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// CoursePayload is the typed form of an inbound mutation request. The
// lifecycle layer only ever sees these fields, never raw form values.
// Fields.ImageURL is owned by the lifecycle layer and is never decoded
// from the wire.
type CoursePayload struct {
	Fields      CourseFields
	RemoveImage bool
}

// DecodeCoursePayload turns the flat form fields of a mutation request into
// a typed payload. tags and syllabus arrive as JSON sub-objects packed into
// string fields and are decoded here. A field the client did not send stays
// nil, so updates only touch what was actually submitted.
func DecodeCoursePayload(values url.Values) (*CoursePayload, error) {
	payload := &CoursePayload{}

	if title, ok := formValue(values, "title"); ok {
		payload.Fields.Title = &title
	}
	if description, ok := formValue(values, "description"); ok {
		payload.Fields.Description = &description
	}
	if category, ok := formValue(values, "category"); ok {
		payload.Fields.Category = &category
	}

	if raw, ok := formValue(values, "tags"); ok {
		tags, err := decodeTags(raw)
		if err != nil {
			return nil, err
		}
		payload.Fields.Tags = tags
	}

	if raw, ok := formValue(values, "syllabus"); ok {
		syllabus, err := decodeSyllabus(raw)
		if err != nil {
			return nil, err
		}
		payload.Fields.Syllabus = syllabus
	}

	if raw, ok := formValue(values, "remove_image"); ok {
		removeImage, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, Errorf(KindValidation, "remove_image must be a boolean, got %q", raw)
		}
		payload.RemoveImage = removeImage
	}

	return payload, nil
}

// formValue reads the first value for key, reporting whether the client
// sent the field at all. An empty value is a deliberate clear, which is not
// the same as absence.
func formValue(values url.Values, key string) (string, bool) {
	vs, ok := values[key]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// decodeTags accepts either a JSON array of strings or a plain
// comma-separated list. An empty value clears the tags.
func decodeTags(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}, nil
	}
	if strings.HasPrefix(raw, "[") {
		var tags []string
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			return nil, E(KindValidation, "tags must be a JSON array of strings", err)
		}
		return cleanTags(tags), nil
	}
	return cleanTags(strings.Split(raw, ",")), nil
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

// decodeSyllabus decodes the syllabus sub-object. An empty value clears the
// syllabus.
func decodeSyllabus(raw string) ([]SyllabusItem, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []SyllabusItem{}, nil
	}
	var items []SyllabusItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, E(KindValidation, "syllabus must be a JSON array of heading/body items", err)
	}
	return items, nil
}
