package transform

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/userprops-io/userprops/internal/catalog"
)

// ehrIDSentinels are raw EHR_ID values treated as "no health record". They
// map to a nil EHRID without recording an error.
var ehrIDSentinels = map[string]struct{}{
	"N/A":    {},
	"no ehr": {},
	"no_ehr": {},
}

// propertyBagKeys maps a record source to the key holding the nested
// user-property bag.
var propertyBagKeys = map[Source]string{
	SourceArchive: "user_properties",
	SourceStaging: "user_properties_json",
}

// Transformer applies the field-mapping catalog to raw records. It is
// stateless and safe for concurrent use.
type Transformer struct {
	catalog *catalog.Catalog
	logger  *slog.Logger
}

// New creates a transformer over the given catalog.
func New(cat *catalog.Catalog, logger *slog.Logger) *Transformer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Transformer{
		catalog: cat,
		logger:  logger.With(slog.String("component", "transformer")),
	}
}

// Transform normalizes one raw record into the permanent and changeable
// projections.
//
// The permanent projection is produced only when the record carries a usable
// EHR_ID; the changeable projection is produced for every record that clears
// structural validation. A non-empty error list means the record must not be
// persisted and the calling run should stop.
//
// The pass is deterministic: identical inputs always yield identical outputs
// and identical error ordering.
func (t *Transformer) Transform(raw RawRecord, source Source) (*PermanentUserProperties, *ChangeableUserProperties, []Error) {
	var errs []Error

	recordUUID, ok := parseRecordUUID(raw["uuid"])
	if !ok {
		return nil, nil, []Error{{Key: "uuid", Value: raw["uuid"], Reason: "Invalid UUID format"}}
	}

	eventTime, timeErr := parseEventTime(raw["event_time"])
	if timeErr != nil {
		return nil, nil, []Error{*timeErr}
	}

	bag := propertyBag(raw, source)

	for _, key := range sortedKeys(bag) {
		if !t.catalog.IsKnown(key) {
			errs = append(errs, Error{Key: key, Value: bag[key], Reason: "Unknown key"})
		}
	}

	if len(errs) > 0 {
		return nil, nil, errs
	}

	ehrID := resolveEHRID(bag[catalog.EHRIDKey], &errs)

	values := make(map[string]any)
	for i := range t.catalog.Permanent {
		m := &t.catalog.Permanent[i]
		values[m.Target] = extractField(m, bag, &errs)
	}

	for i := range t.catalog.Changeable {
		m := &t.catalog.Changeable[i]
		values[m.Target] = extractField(m, bag, &errs)
	}

	var permanent *PermanentUserProperties
	if ehrID != nil {
		permanent = assemblePermanent(*ehrID, eventTime, values, &errs)
	}

	changeable := assembleChangeable(recordUUID, ehrID, eventTime, raw, values, &errs)

	if len(errs) > 0 {
		t.logger.Warn("record rejected",
			slog.String("uuid", recordUUID.String()),
			slog.Int("error_count", len(errs)),
			slog.String("first_error", errs[0].String()))

		return nil, nil, errs
	}

	return permanent, changeable, nil
}

func parseRecordUUID(v any) (uuid.UUID, bool) {
	switch val := v.(type) {
	case uuid.UUID:
		return val, true
	case string:
		parsed, err := uuid.Parse(val)
		if err != nil {
			return uuid.Nil, false
		}

		return parsed, true
	default:
		return uuid.Nil, false
	}
}

func parseEventTime(v any) (time.Time, *Error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case string:
		ts, err := parseISOTime(val)
		if err != nil {
			return time.Time{}, &Error{Key: "event_time", Value: val, Reason: "Invalid ISO datetime"}
		}

		return ts, nil
	case nil:
		return time.Time{}, &Error{Key: "event_time", Value: nil, Reason: "Missing event_time"}
	default:
		return time.Time{}, &Error{Key: "event_time", Value: val, Reason: "Invalid ISO datetime"}
	}
}

// parseISOTime accepts RFC 3339 timestamps as well as the offset-less and
// space-separated forms the provider exports use. Offset-less values are
// taken as UTC.
func parseISOTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
	}

	var lastErr error
	for _, layout := range layouts {
		ts, err := time.Parse(layout, s)
		if err == nil {
			return ts.UTC(), nil
		}

		lastErr = err
	}

	return time.Time{}, lastErr
}

// propertyBag returns the nested user-property bag for the record, or an
// empty map when the bag is absent or not an object.
func propertyBag(raw RawRecord, source Source) map[string]any {
	bag, ok := raw[propertyBagKeys[source]].(map[string]any)
	if !ok {
		return map[string]any{}
	}

	return bag
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// resolveEHRID turns the raw EHR_ID property into an integer ID. Sentinel
// values and absence yield nil silently; any other unparseable value yields
// nil plus a recorded error.
func resolveEHRID(v any, errs *[]Error) *int {
	if v == nil {
		return nil
	}

	if s, ok := v.(string); ok {
		if _, sentinel := ehrIDSentinels[s]; sentinel {
			return nil
		}
	}

	id, ok := toInt(v)
	if !ok {
		*errs = append(*errs, Error{Key: catalog.EHRIDKey, Value: v, Reason: "Invalid integer"})

		return nil
	}

	return &id
}

// extractField resolves one catalog mapping against the property bag: the
// first source key with a usable value wins, then the value is coerced to the
// mapping's type. Coercion failures record an error and yield nil.
func extractField(m *catalog.FieldMapping, bag map[string]any, errs *[]Error) any {
	var raw any
	for _, src := range m.Sources {
		v, ok := bag[src]
		if !ok || v == nil || v == "N/A" {
			continue
		}

		raw = v

		break
	}

	if raw == nil {
		return nil
	}

	switch m.Type {
	case catalog.TypeString:
		return coerceString(m, raw, errs)
	case catalog.TypeInteger:
		return coerceInteger(m, raw, errs)
	case catalog.TypeBoolean:
		return coerceBoolean(m, raw, errs)
	default:
		return nil
	}
}

func coerceString(m *catalog.FieldMapping, raw any, errs *[]Error) any {
	s, ok := stringify(raw)
	if !ok {
		*errs = append(*errs, Error{Key: m.Target, Value: raw, Reason: "Invalid string"})

		return nil
	}

	if m.Transform == catalog.TransformLowercase {
		s = strings.ToLower(s)
	}

	if mapped, ok := m.ValueMap[s]; ok {
		return mapped
	}

	return s
}

func coerceInteger(m *catalog.FieldMapping, raw any, errs *[]Error) any {
	candidate := raw
	if pattern := m.Pattern(); pattern != nil {
		s, ok := stringify(raw)
		if !ok {
			*errs = append(*errs, Error{Key: m.Target, Value: raw, Reason: "Invalid integer"})

			return nil
		}

		match := pattern.FindString(s)
		if match == "" {
			*errs = append(*errs, Error{Key: m.Target, Value: raw, Reason: "Invalid integer"})

			return nil
		}

		candidate = match
	}

	n, ok := toInt(candidate)
	if !ok {
		*errs = append(*errs, Error{Key: m.Target, Value: raw, Reason: "Invalid integer"})

		return nil
	}

	return n
}

func coerceBoolean(m *catalog.FieldMapping, raw any, errs *[]Error) any {
	s, ok := stringify(raw)
	if !ok {
		*errs = append(*errs, Error{Key: m.Target, Value: raw, Reason: "Invalid boolean"})

		return nil
	}

	switch {
	case contains(m.TrueValues, s):
		return true
	case contains(m.FalseValues, s):
		return false
	case contains(m.NullValues, s):
		return nil
	default:
		*errs = append(*errs, Error{Key: m.Target, Value: raw, Reason: "Invalid boolean"})

		return nil
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}

	return false
}

// stringify renders scalar values the way they appear on the wire: booleans
// as true/false, integral floats without a fraction.
func stringify(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case float64:
		if val == math.Trunc(val) {
			return strconv.FormatInt(int64(val), 10), true
		}

		return strconv.FormatFloat(val, 'f', -1, 64), true
	default:
		return "", false
	}
}

// toInt coerces the numeric representations seen in JSON payloads and
// database rows. Fractional floats and non-numeric strings fail.
func toInt(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int32:
		return int(val), true
	case int64:
		return int(val), true
	case float64:
		if val != math.Trunc(val) {
			return 0, false
		}

		return int(val), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, false
		}

		return n, true
	default:
		return 0, false
	}
}

func assemblePermanent(ehrID int, eventTime time.Time, values map[string]any, errs *[]Error) *PermanentUserProperties {
	p := &PermanentUserProperties{
		EHRID:        ehrID,
		FirstLoginAt: eventTime,
	}

	for _, target := range []string{"gender", "cohort_day", "cohort_week", "cohort_month", "registered_via_app", "source"} {
		v := values[target]
		if v == nil {
			continue
		}

		if !setPermanentField(p, target, v) {
			*errs = append(*errs, Error{Key: "permanent", Value: fmt.Sprintf("%s=%v", target, v), Reason: "Invalid field value"})

			return nil
		}
	}

	return p
}

func setPermanentField(p *PermanentUserProperties, target string, v any) bool {
	switch target {
	case "gender":
		return assignString(&p.Gender, v)
	case "cohort_day":
		return assignInt(&p.CohortDay, v)
	case "cohort_week":
		return assignInt(&p.CohortWeek, v)
	case "cohort_month":
		return assignInt(&p.CohortMonth, v)
	case "registered_via_app":
		return assignBool(&p.RegisteredViaApp, v)
	case "source":
		return assignString(&p.Source, v)
	default:
		return false
	}
}

func assembleChangeable(recordUUID uuid.UUID, ehrID *int, eventTime time.Time, raw RawRecord, values map[string]any, errs *[]Error) *ChangeableUserProperties {
	c := &ChangeableUserProperties{
		UUID:      recordUUID,
		EHRID:     ehrID,
		EventTime: eventTime,
	}

	// Top-level passthrough scalars live outside the property bag.
	if v, ok := raw["language"]; ok && v != nil {
		if !assignString(&c.Language, v) {
			*errs = append(*errs, Error{Key: "language", Value: v, Reason: "Invalid string"})
		}
	}

	if v, ok := raw["session_id"]; ok && v != nil {
		if !assignInt(&c.SessionID, v) {
			*errs = append(*errs, Error{Key: "session_id", Value: v, Reason: "Invalid integer"})
		}
	}

	if v, ok := raw["start_version"]; ok && v != nil {
		if !assignString(&c.StartVersion, v) {
			*errs = append(*errs, Error{Key: "start_version", Value: v, Reason: "Invalid string"})
		}
	}

	for _, target := range sortedKeys(values) {
		v := values[target]
		if v == nil {
			continue
		}

		if !setChangeableField(c, target, v) {
			if isPermanentTarget(target) {
				continue
			}

			*errs = append(*errs, Error{Key: "changeable", Value: fmt.Sprintf("%s=%v", target, v), Reason: "Invalid field value"})

			return nil
		}
	}

	if len(*errs) > 0 {
		return nil
	}

	return c
}

func setChangeableField(c *ChangeableUserProperties, target string, v any) bool {
	switch target {
	case "age":
		return assignInt(&c.Age, v)
	case "app_city":
		return assignString(&c.AppCity, v)
	case "push_permission":
		return assignBool(&c.PushPermission, v)
	case "location_permission":
		return assignBool(&c.LocationPermission, v)
	case "authorization_status":
		return assignBool(&c.AuthorizationStatus, v)
	case "telemed_files_sent":
		return assignInt(&c.TelemedFilesSent, v)
	case "appointments_cancelled":
		return assignInt(&c.AppointmentsCancelled, v)
	case "telemed_files_received":
		return assignInt(&c.TelemedFilesReceived, v)
	case "telemed_messages_received":
		return assignInt(&c.TelemedMessagesReceived, v)
	case "telemed_messages_sent":
		return assignInt(&c.TelemedMessagesSent, v)
	case "telemed_consultations_resumed":
		return assignInt(&c.TelemedConsultationsResumed, v)
	case "appointments_booked":
		return assignInt(&c.AppointmentsBooked, v)
	case "ehr_count":
		return assignInt(&c.EHRCount, v)
	case "google_pay_available":
		return assignBool(&c.GooglePayAvailable, v)
	default:
		return false
	}
}

// isPermanentTarget reports whether a catalog target belongs to the permanent
// projection. Permanent-only values in the shared extraction map are skipped
// when assembling the changeable record.
func isPermanentTarget(target string) bool {
	switch target {
	case "gender", "cohort_day", "cohort_week", "cohort_month", "registered_via_app", "source":
		return true
	default:
		return false
	}
}

func assignString(dst **string, v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}

	*dst = &s

	return true
}

func assignInt(dst **int, v any) bool {
	n, ok := toInt(v)
	if !ok {
		return false
	}

	*dst = &n

	return true
}

func assignBool(dst **bool, v any) bool {
	b, ok := v.(bool)
	if !ok {
		return false
	}

	*dst = &b

	return true
}
