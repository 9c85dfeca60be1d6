package record

import "encoding/json"

// DefaultMaxInlineBytes is the largest inline attachment kept in a durable
// write when the attachment has no remote URL yet.
const DefaultMaxInlineBytes = 100000

// AttachmentPolicy strips heavy inline attachment data before a write.
//
// Attachments live at Payload[ContainerField][i][ListField][j]. An
// attachment with a url loses its inline data. One without a url whose data
// is longer than MaxInlineBytes loses its data and is marked dataSkipped.
type AttachmentPolicy struct {
	ContainerField string
	ListField      string
	MaxInlineBytes int
}

// DefaultAttachmentPolicy returns the policy for photos attached to meals.
func DefaultAttachmentPolicy() AttachmentPolicy {
	return AttachmentPolicy{
		ContainerField: "meals",
		ListField:      "photos",
		MaxInlineBytes: DefaultMaxInlineBytes,
	}
}

// Apply returns a copy of payload with the policy applied. The input is not
// modified. The second result reports whether anything was stripped.
func (p AttachmentPolicy) Apply(payload map[string]any) (map[string]any, bool) {
	containers, ok := payload[p.ContainerField].([]any)
	if !ok || len(containers) == 0 {
		return payload, false
	}

	out := clonePayload(payload)
	changed := false
	for _, c := range out[p.ContainerField].([]any) {
		item, ok := c.(map[string]any)
		if !ok {
			continue
		}
		list, ok := item[p.ListField].([]any)
		if !ok {
			continue
		}
		for _, a := range list {
			att, ok := a.(map[string]any)
			if !ok {
				continue
			}
			if p.stripOne(att) {
				changed = true
			}
		}
	}
	if !changed {
		return payload, false
	}
	return out, true
}

func (p AttachmentPolicy) stripOne(att map[string]any) bool {
	data, hasData := att["data"]
	if !hasData || data == nil {
		return false
	}
	if url, _ := att["url"].(string); url != "" {
		delete(att, "data")
		return true
	}
	if p.MaxInlineBytes > 0 && inlineSize(data) > p.MaxInlineBytes {
		delete(att, "data")
		att["dataSkipped"] = true
		return true
	}
	return false
}

func inlineSize(v any) int {
	if s, ok := v.(string); ok {
		return len(s)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}
