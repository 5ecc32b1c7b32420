package events

const maxKeyLen = 128

// validKey accepts keys of at most 128 characters drawn from
// [A-Za-z0-9._:-]. Anything else is treated as if no key was supplied.
func validKey(k string) bool {
	if k == "" || len(k) > maxKeyLen {
		return false
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == ':' || c == '-':
		default:
			return false
		}
	}
	return true
}

// normalizeKey picks the dedup key for an incoming event: the supplied
// idempotency key when well-formed, else the event id, else a fresh id.
func normalizeKey(idempotencyKey, eventID string, newID func() string) string {
	if validKey(idempotencyKey) {
		return idempotencyKey
	}
	if validKey(eventID) {
		return eventID
	}
	return newID()
}
