// Package searchquery builds the parameters of the ICD-11 search endpoints.
//
// A Query serializes in two forms that share one field order:
// the parameter list (Params, Map), with booleans rendered as "true" or "false",
// and the encoded string (String), where every string value is URL encoded.
// The subtrees filter is encoded when it is set, so it is encoded twice in the string form.
package searchquery

import (
	"bytes"
	"strings"

	"github.com/valyala/fasthttp"
)

// Parameter names as understood by the ICD API.
const (
	ParamSearchText             = "q"
	ParamSubtreesFilter         = "subtreesFilter"
	ParamChapterFilter          = "chapterFilter"
	ParamUseFlexisearch         = "useFlexisearch"
	ParamFlatResults            = "flatResults"
	ParamPropertiesToBeSearched = "propertiesToBeSearched"
	ParamReleaseID              = "releaseId"
	ParamHighlightingEnabled    = "highlightingEnabled"
)

// Param is a single named search parameter.
type Param struct {
	Name  string
	Value string
	// Quoted is true for values that are URL encoded in the string form.
	Quoted bool
}

type field struct {
	name  string
	value func(q *Query) (v string, present bool, quoted bool)
}

// fields is the serialization order of every form.
var fields = []field{
	{ParamSearchText, func(q *Query) (string, bool, bool) { return q.q, true, true }},
	{ParamSubtreesFilter, func(q *Query) (string, bool, bool) { return optional(q.subtreesFilter) }},
	{ParamChapterFilter, func(q *Query) (string, bool, bool) { return optional(q.chapterFilter) }},
	{ParamUseFlexisearch, func(q *Query) (string, bool, bool) { return boolean(q.useFlexisearch) }},
	{ParamFlatResults, func(q *Query) (string, bool, bool) { return boolean(q.flatResults) }},
	{ParamPropertiesToBeSearched, func(q *Query) (string, bool, bool) { return optional(q.propertiesToBeSearched) }},
	{ParamReleaseID, func(q *Query) (string, bool, bool) { return optional(q.releaseID) }},
	{ParamHighlightingEnabled, func(q *Query) (string, bool, bool) { return boolean(q.highlightingEnabled) }},
}

// Query is the set of parameters of a single search request.
// Setters return the Query so calls can be chained.
type Query struct {
	q                      string
	subtreesFilter         *string
	chapterFilter          *string
	useFlexisearch         bool
	flatResults            bool
	propertiesToBeSearched *string
	releaseID              *string
	highlightingEnabled    bool
}

// New creates a Query for the given search text.
// A % at the end of a word is a wild card for that word.
func New(searchText string) *Query {
	return &Query{q: searchText, flatResults: true}
}

// SearchText returns the text to be searched.
func (q *Query) SearchText() string {
	return q.q
}

// SetSearchText sets the text to be searched.
func (q *Query) SetSearchText(searchText string) *Query {
	q.q = searchText
	return q
}

// SubtreesFilter returns the URL encoded subtrees filter.
func (q *Query) SubtreesFilter() (string, bool) {
	return deref(q.subtreesFilter)
}

// SetSubtreesFilter sets a comma separated list of entity URIs.
// The search is limited to these entities and their descendants.
// The value is URL encoded immediately.
func (q *Query) SetSubtreesFilter(subtreesFilter string) *Query {
	encoded := Encode(subtreesFilter)
	q.subtreesFilter = &encoded
	return q
}

// ChapterFilter returns the chapter filter.
func (q *Query) ChapterFilter() (string, bool) {
	return deref(q.chapterFilter)
}

// SetChapterFilter sets a comma or semicolon separated list of chapter codes, e.g. 01;02;21.
func (q *Query) SetChapterFilter(chapterFilter string) *Query {
	q.chapterFilter = &chapterFilter
	return q
}

// UseFlexisearch reports whether flexible search mode is requested.
func (q *Query) UseFlexisearch() bool {
	return q.useFlexisearch
}

// SetUseFlexisearch switches flexible search mode, where results do not have to contain all of the searched words.
func (q *Query) SetUseFlexisearch(useFlexisearch bool) *Query {
	q.useFlexisearch = useFlexisearch
	return q
}

// FlatResults reports whether results are requested as a flat list.
func (q *Query) FlatResults() bool {
	return q.flatResults
}

// SetFlatResults sets whether results are listed flat instead of nested in the ICD-11 hierarchy.
func (q *Query) SetFlatResults(flatResults bool) *Query {
	q.flatResults = flatResults
	return q
}

// PropertiesToBeSearched returns the searched properties.
func (q *Query) PropertiesToBeSearched() (string, bool) {
	return deref(q.propertiesToBeSearched)
}

// SetPropertiesToBeSearched sets the entity properties to search.
// When not set the API searches title, synonym and narrowerTerm.
func (q *Query) SetPropertiesToBeSearched(propertiesToBeSearched string) *Query {
	q.propertiesToBeSearched = &propertiesToBeSearched
	return q
}

// ReleaseID returns the requested release.
func (q *Query) ReleaseID() (string, bool) {
	return deref(q.releaseID)
}

// SetReleaseID pins the search to a release such as 2019-04.
func (q *Query) SetReleaseID(releaseID string) *Query {
	q.releaseID = &releaseID
	return q
}

// HighlightingEnabled reports whether result highlighting is requested.
func (q *Query) HighlightingEnabled() bool {
	return q.highlightingEnabled
}

// SetHighlightingEnabled sets whether results contain highlighting tags.
func (q *Query) SetHighlightingEnabled(highlightingEnabled bool) *Query {
	q.highlightingEnabled = highlightingEnabled
	return q
}

// Params returns the present parameters in serialization order.
func (q *Query) Params() []Param {
	params := make([]Param, 0, len(fields))
	for _, f := range fields {
		v, present, quoted := f.value(q)
		if !present {
			continue
		}
		params = append(params, Param{Name: f.name, Value: v, Quoted: quoted})
	}
	return params
}

// Map returns the present parameters keyed by name.
func (q *Query) Map() map[string]string {
	m := make(map[string]string, len(fields))
	for _, p := range q.Params() {
		m[p.Name] = p.Value
	}
	return m
}

// String returns the parameters as name=value pairs joined by &.
// String values are URL encoded, booleans are written as is.
func (q *Query) String() string {
	var b strings.Builder
	for i, p := range q.Params() {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.Name)
		b.WriteByte('=')
		if p.Quoted {
			b.WriteString(Encode(p.Value))
			continue
		}
		b.WriteString(p.Value)
	}
	return b.String()
}

// Encode URL encodes s the way HTML forms do: space becomes + and reserved characters are percent encoded.
// Only letters, digits and -_. are left as is, ~ included in the encoded set.
func Encode(s string) string {
	buf := fasthttp.AppendQuotedArg(nil, []byte(s))
	if bytes.IndexByte(buf, '~') < 0 {
		return string(buf)
	}
	return string(bytes.ReplaceAll(buf, []byte("~"), []byte("%7E")))
}

func optional(v *string) (string, bool, bool) {
	if v == nil {
		return "", false, true
	}
	return *v, true, true
}

func boolean(v bool) (string, bool, bool) {
	if v {
		return "true", true, false
	}
	return "false", true, false
}

func deref(v *string) (string, bool) {
	if v == nil {
		return "", false
	}
	return *v, true
}
