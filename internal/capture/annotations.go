package capture

import "html"

// Annotation values pass through a templating step that HTML-encodes them
// before they reach the cluster, so reserved markup characters in tags and
// URLs must round-trip through this pair. Keep every annotation encode and
// decode behind these two functions; nothing else may escape or unescape.

// EncodeAnnotation escapes a value for storage as a job annotation.
func EncodeAnnotation(v string) string {
	return html.EscapeString(v)
}

// DecodeAnnotation reverses EncodeAnnotation when reading a job back.
func DecodeAnnotation(v string) string {
	return html.UnescapeString(v)
}
