package message

// Metadata keys the bus itself reads and writes.
const (
	// MetaTopics holds the routing topics a message is tagged with.
	MetaTopics = "topics"

	// MetaDLQReason records why a message was dead-lettered.
	MetaDLQReason = "dlq_reason"

	// MetaDLQTimestamp records when a message was dead-lettered, RFC3339.
	MetaDLQTimestamp = "dlq_timestamp"
)

// Metadata carries free-form headers alongside a message. Values must stay
// JSON-serializable; the serialized form is capped at MaxMetadataBytes.
type Metadata map[string]any

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key string, value any) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Without returns a cloned metadata map with the given keys removed.
func (m Metadata) Without(keys ...string) Metadata {
	cloned := m.cloneWithExtra(0)
	for _, k := range keys {
		delete(cloned, k)
	}
	return cloned
}

// GetString returns the value at key when it is a string.
func (m Metadata) GetString(key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Topics returns the MetaTopics entry. Both []string (as constructed) and
// []any of strings (after a JSON round trip) are accepted.
func (m Metadata) Topics() []string {
	v, ok := m[MetaTopics]
	if !ok {
		return nil
	}

	switch topics := v.(type) {
	case []string:
		return topics
	case []any:
		out := make([]string, 0, len(topics))
		for _, t := range topics {
			if s, ok := t.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
