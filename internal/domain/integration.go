// Package domain defines the persistence models and value types shared by
// the sync engine: the closed set of integrations, the per-(user, integration)
// state records, the append-only sync metric log, and the error taxonomy.
package domain

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Integration identifies one external data source kept in sync for a user.
// The set is closed: every switch over Integration lists all members, and
// tests iterate AllIntegrations to catch a forgotten case.
type Integration string

const (
	IntegrationCalendar Integration = "google_calendar"
	IntegrationContacts Integration = "google_contacts"
)

// AllIntegrations lists every supported integration.
var AllIntegrations = []Integration{IntegrationCalendar, IntegrationContacts}

// ParseIntegration validates a raw path/query value.
func ParseIntegration(s string) (Integration, error) {
	i := Integration(strings.ToLower(strings.TrimSpace(s)))
	switch i {
	case IntegrationCalendar, IntegrationContacts:
		return i, nil
	}
	return "", fmt.Errorf("unknown integration %q", s)
}

// Valid reports whether i is a member of the closed set.
func (i Integration) Valid() bool {
	switch i {
	case IntegrationCalendar, IntegrationContacts:
		return true
	}
	return false
}

// SupportsPush reports whether the provider can deliver change notifications
// for this integration. Only calendar-like integrations do.
func (i Integration) SupportsPush() bool {
	switch i {
	case IntegrationCalendar:
		return true
	case IntegrationContacts:
		return false
	}
	return false
}

// DisplayName renders a user-facing label, e.g. "Google Calendar".
func (i Integration) DisplayName() string {
	return cases.Title(language.English).String(strings.ReplaceAll(string(i), "_", " "))
}

// PairKey addresses the per-(user, integration) records.
type PairKey struct {
	UserID      string      `json:"user_id"`
	Integration Integration `json:"integration"`
}

// String returns "user:integration", used for dedupe keys and lock names.
func (k PairKey) String() string { return k.UserID + ":" + string(k.Integration) }
