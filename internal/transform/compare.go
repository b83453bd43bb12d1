package transform

// Changed reports whether a candidate changeable record differs from the last
// persisted state for the same partition. UUID, EventTime and SessionID are
// excluded from the comparison: they vary on every event and would otherwise
// turn the history into a full event log.
//
// A nil previous state always counts as changed.
func Changed(prev, next *ChangeableUserProperties) bool {
	if prev == nil {
		return true
	}

	return !intPtrEq(prev.EHRID, next.EHRID) ||
		!strPtrEq(prev.Language, next.Language) ||
		!intPtrEq(prev.Age, next.Age) ||
		!strPtrEq(prev.AppCity, next.AppCity) ||
		!boolPtrEq(prev.PushPermission, next.PushPermission) ||
		!boolPtrEq(prev.LocationPermission, next.LocationPermission) ||
		!boolPtrEq(prev.AuthorizationStatus, next.AuthorizationStatus) ||
		!intPtrEq(prev.TelemedFilesSent, next.TelemedFilesSent) ||
		!intPtrEq(prev.AppointmentsCancelled, next.AppointmentsCancelled) ||
		!intPtrEq(prev.TelemedFilesReceived, next.TelemedFilesReceived) ||
		!intPtrEq(prev.TelemedMessagesReceived, next.TelemedMessagesReceived) ||
		!intPtrEq(prev.TelemedMessagesSent, next.TelemedMessagesSent) ||
		!intPtrEq(prev.TelemedConsultationsResumed, next.TelemedConsultationsResumed) ||
		!intPtrEq(prev.AppointmentsBooked, next.AppointmentsBooked) ||
		!strPtrEq(prev.StartVersion, next.StartVersion) ||
		!intPtrEq(prev.EHRCount, next.EHRCount) ||
		!boolPtrEq(prev.GooglePayAvailable, next.GooglePayAvailable)
}

func intPtrEq(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

func strPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

func boolPtrEq(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}
