// Package ids generates the run, client and correlation identifiers used in
// client ids and reply-topic paths.
package ids

import "github.com/oklog/ulid/v2"

// New returns a time-sortable 26-character identifier. The package-default
// entropy source is monotonic and safe for concurrent callers, so ids
// issued by one process sort in issue order — which keeps correlation ids
// comparable in captures.
func New() string {
	return ulid.Make().String()
}
