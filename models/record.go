package models

import "maps"

// Reserved record keys. Every other key is an extracted field.
const (
	RecordKeyURL   = "url"
	RecordKeyError = "error"
)

// Record is one extracted detail view: an opaque field map plus the source
// URL and, when extraction failed, an error message. Records are never
// mutated after they are appended to a session.
type Record map[string]any

// NewRecord builds a record from extracted fields and stamps the source URL.
func NewRecord(url string, fields map[string]any) Record {
	r := make(Record, len(fields)+1)
	maps.Copy(r, fields)
	r[RecordKeyURL] = url
	return r
}

// ErrorRecord builds the record appended for a row that could not be
// extracted. The row still counts towards the session.
func ErrorRecord(url string, err error) Record {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Record{RecordKeyURL: url, RecordKeyError: msg}
}

// URL returns the source URL of the record.
func (r Record) URL() string {
	s, _ := r[RecordKeyURL].(string)
	return s
}

// Err returns the error message, or "" for a successful extraction.
func (r Record) Err() string {
	s, _ := r[RecordKeyError].(string)
	return s
}

// Failed reports whether the record carries an error.
func (r Record) Failed() bool {
	return r.Err() != ""
}

// Clone returns a shallow copy so callers can't alter an appended record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}
