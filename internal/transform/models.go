// Package transform normalizes raw user-event records into the two warehouse
// projections: permanent identity facts and the append-only changeable state.
package transform

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	// RawRecord is one untyped source record: top-level scalars plus a nested
	// bag of user properties.
	RawRecord map[string]any

	// Source discriminates the two record origins. The tag selects which key
	// holds the nested property bag and which pipeline shape the orchestrator
	// runs.
	Source string

	// PermanentUserProperties holds the immutable identity facts of one user.
	// At most one row exists per EHRID in the warehouse; rows are never
	// updated or deleted.
	PermanentUserProperties struct {
		EHRID            int
		FirstLoginAt     time.Time
		Gender           *string
		CohortDay        *int
		CohortWeek       *int
		CohortMonth      *int
		RegisteredViaApp *bool
		Source           *string
	}

	// ChangeableUserProperties is one observation of a user's evolving state.
	// History is append-only; the latest row per EHRID (by EventTime) is the
	// canonical current state. EHRID is nil for events that could not be tied
	// to a health record; those form a single pseudo-partition.
	ChangeableUserProperties struct {
		UUID                        uuid.UUID
		EHRID                       *int
		EventTime                   time.Time
		Language                    *string
		Age                         *int
		AppCity                     *string
		PushPermission              *bool
		LocationPermission          *bool
		AuthorizationStatus         *bool
		TelemedFilesSent            *int
		AppointmentsCancelled       *int
		TelemedFilesReceived        *int
		TelemedMessagesReceived     *int
		TelemedMessagesSent         *int
		TelemedConsultationsResumed *int
		AppointmentsBooked          *int
		SessionID                   *int
		StartVersion                *string
		EHRCount                    *int
		GooglePayAvailable          *bool
	}

	// Error describes one failed field or structural problem in a record.
	Error struct {
		Key    string
		Value  any
		Reason string
	}
)

// Record sources.
const (
	// SourceArchive marks records read from provider export archives; the
	// nested bag lives under "user_properties".
	SourceArchive Source = "archive"

	// SourceStaging marks records read from the staging table; the nested bag
	// lives under "user_properties_json".
	SourceStaging Source = "staging"
)

func (e Error) String() string {
	return fmt.Sprintf("'%s' = %v (%s)", e.Key, e.Value, e.Reason)
}

// maxErrorsShown bounds how many individual errors appear in a user-facing
// interruption message.
const maxErrorsShown = 2

// FormatErrors renders a transformation error list as a single human-readable
// message: the first two errors joined by "; ", plus an overflow tag when more
// were recorded.
func FormatErrors(errs []Error) string {
	if len(errs) == 0 {
		return "unknown transformation error"
	}

	shown := errs
	if len(shown) > maxErrorsShown {
		shown = shown[:maxErrorsShown]
	}

	details := make([]string, 0, len(shown))
	for _, e := range shown {
		details = append(details, e.String())
	}

	msg := strings.Join(details, "; ")
	if n := len(errs) - maxErrorsShown; n > 0 {
		msg += fmt.Sprintf(" and %d more errors", n)
	}

	return msg
}

// Row returns the record as warehouse column/value pairs.
func (p *PermanentUserProperties) Row() map[string]any {
	return map[string]any{
		"ehr_id":             p.EHRID,
		"first_login_at":     p.FirstLoginAt,
		"gender":             p.Gender,
		"cohort_day":         p.CohortDay,
		"cohort_week":        p.CohortWeek,
		"cohort_month":       p.CohortMonth,
		"registered_via_app": p.RegisteredViaApp,
		"source":             p.Source,
	}
}

// Row returns the record as warehouse column/value pairs.
func (c *ChangeableUserProperties) Row() map[string]any {
	return map[string]any{
		"uuid":                          c.UUID,
		"ehr_id":                        c.EHRID,
		"event_time":                    c.EventTime,
		"language":                      c.Language,
		"age":                           c.Age,
		"app_city":                      c.AppCity,
		"push_permission":               c.PushPermission,
		"location_permission":           c.LocationPermission,
		"authorization_status":          c.AuthorizationStatus,
		"telemed_files_sent":            c.TelemedFilesSent,
		"appointments_cancelled":        c.AppointmentsCancelled,
		"telemed_files_received":        c.TelemedFilesReceived,
		"telemed_messages_received":     c.TelemedMessagesReceived,
		"telemed_messages_sent":         c.TelemedMessagesSent,
		"telemed_consultations_resumed": c.TelemedConsultationsResumed,
		"appointments_booked":           c.AppointmentsBooked,
		"session_id":                    c.SessionID,
		"start_version":                 c.StartVersion,
		"ehr_count":                     c.EHRCount,
		"google_pay_available":          c.GooglePayAvailable,
	}
}
