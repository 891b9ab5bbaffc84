// Package ids generates lexicographically sortable ULIDs for append-only
// records (executions, order events, ledger transactions).
package ids

import "github.com/oklog/ulid/v2"

// New returns a new ULID string. ULIDs sort by creation time, which keeps
// append-log queries ordered without a separate sequence column.
func New() string {
	return ulid.Make().String()
}
