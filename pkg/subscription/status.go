package subscription

import "strings"

// Platform identifies the payment platform that reported a subscription.
type Platform string

const (
	PlatformStripe Platform = "stripe"
	PlatformApple  Platform = "apple"
)

// Platforms lists every supported platform in resolution order.
var Platforms = []Platform{PlatformApple, PlatformStripe}

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	return p == PlatformStripe || p == PlatformApple
}

// Status is the platform-agnostic subscription status.
type Status string

const (
	StatusActive            Status = "active"
	StatusTrialing          Status = "trialing"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusUnpaid            Status = "unpaid"
	StatusExpired           Status = "expired" // Apple only
)

// Class groups statuses by how much access they grant.
type Class int

const (
	ClassLapsed   Class = iota // canceled, expired, incomplete, incomplete_expired, unpaid
	ClassGrace                 // past_due
	ClassEntitled              // active, trialing
)

// StatusBehavior describes how a status participates in entitlement resolution.
type StatusBehavior struct {
	Status Status

	// Class determines cross-platform priority.
	Class Class

	// GraceEligible statuses stay entitled for the grace window after
	// their period end.
	GraceEligible bool

	Description string
}

// StatusBehaviors maps each status to its resolution rules.
var StatusBehaviors = map[Status]StatusBehavior{
	StatusActive: {
		Status:      StatusActive,
		Class:       ClassEntitled,
		Description: "Paid and current.",
	},
	StatusTrialing: {
		Status:      StatusTrialing,
		Class:       ClassEntitled,
		Description: "Trial period; paid access until trial end.",
	},
	StatusPastDue: {
		Status:        StatusPastDue,
		Class:         ClassGrace,
		GraceEligible: true,
		Description:   "Renewal payment failed; platform is retrying.",
	},
	StatusCanceled: {
		Status:      StatusCanceled,
		Class:       ClassLapsed,
		Description: "Subscription ended or refunded.",
	},
	StatusIncomplete: {
		Status:      StatusIncomplete,
		Class:       ClassLapsed,
		Description: "Initial payment not completed.",
	},
	StatusIncompleteExpired: {
		Status:      StatusIncompleteExpired,
		Class:       ClassLapsed,
		Description: "Initial payment window elapsed.",
	},
	StatusUnpaid: {
		Status:      StatusUnpaid,
		Class:       ClassLapsed,
		Description: "Retries exhausted; invoices left open.",
	},
	StatusExpired: {
		Status:      StatusExpired,
		Class:       ClassLapsed,
		Description: "Apple subscription lapsed without renewal.",
	},
}

// Behavior returns the resolution rules for s.
// Unknown statuses resolve as lapsed.
func (s Status) Behavior() StatusBehavior {
	if b, ok := StatusBehaviors[s]; ok {
		return b
	}
	return StatusBehavior{Status: s, Class: ClassLapsed, Description: "Unknown status."}
}

// Class is shorthand for s.Behavior().Class.
func (s Status) Class() Class {
	return s.Behavior().Class
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := StatusBehaviors[s]
	return ok
}

// ParseStatus maps a platform-reported status string onto Status.
// The second return value is false for unknown input.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", false
	}
	return s, true
}

// MapStripeStatus maps a Stripe subscription status onto Status.
// Statuses Stripe adds later (or "paused") fail closed as unpaid.
func MapStripeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due":
		return StatusPastDue
	case "canceled":
		return StatusCanceled
	case "incomplete":
		return StatusIncomplete
	case "incomplete_expired":
		return StatusIncompleteExpired
	case "unpaid":
		return StatusUnpaid
	default:
		return StatusUnpaid
	}
}
