// Package clock defines the time source used across the service.
package clock

import "time"

// Clock yields the current time. Components take a Clock so retention-age
// and elapsed-time math is testable.
type Clock interface {
	Now() time.Time
}
