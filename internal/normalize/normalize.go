// Package normalize maps platform-native subscription events onto
// subscription.Snapshot. Every function here is pure: verification and any
// enrichment that needs the network happen before normalization.
package normalize

import "errors"

// ErrUnrecognized is returned for event types the normalizer does not
// handle. Callers acknowledge such events without applying them.
var ErrUnrecognized = errors.New("unrecognized event type")
