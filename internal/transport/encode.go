package transport

import "agent-relay/internal/model"

// JSON shapes shared by the update frames and the HTTP handlers.

func EncodeSession(sess model.Session) map[string]any {
	return map[string]any{
		"id":                sess.ID,
		"tag":               sess.Tag,
		"seq":               sess.Seq,
		"createdAt":         sess.CreatedAt,
		"updatedAt":         sess.UpdatedAt,
		"activeAt":          sess.ActiveAt,
		"active":            sess.Active,
		"metadata":          sess.Metadata,
		"metadataVersion":   sess.MetadataVersion,
		"agentState":        sess.AgentState,
		"agentStateVersion": sess.AgentStateVersion,
		"thinking":          sess.Thinking,
		"thinkingAt":        sess.ThinkingAt,
		"todos":             sess.Todos,
		"permissionMode":    sess.PermissionMode,
		"modelMode":         sess.ModelMode,
	}
}

func EncodeMachine(m model.Machine) map[string]any {
	return map[string]any{
		"id":                 m.ID,
		"seq":                m.Seq,
		"createdAt":          m.CreatedAt,
		"updatedAt":          m.UpdatedAt,
		"activeAt":           m.ActiveAt,
		"active":             m.Active,
		"metadata":           m.Metadata,
		"metadataVersion":    m.MetadataVersion,
		"runnerState":        m.RunnerState,
		"runnerStateVersion": m.RunnerStateVersion,
	}
}

func EncodeMessage(msg model.Message) map[string]any {
	return map[string]any{
		"id":        msg.ID,
		"seq":       msg.Seq,
		"localId":   msg.LocalID,
		"content":   msg.Content,
		"createdAt": msg.CreatedAt,
	}
}

func encodeEventBody(ev model.SyncEvent) map[string]any {
	switch ev.Type {
	case model.EventSessionAdded, model.EventSessionUpdated:
		if ev.Session == nil {
			return nil
		}
		return map[string]any{
			"t":       string(ev.Type),
			"sid":     ev.SessionID,
			"session": EncodeSession(*ev.Session),
		}
	case model.EventSessionRemoved:
		return map[string]any{"t": string(ev.Type), "sid": ev.SessionID}
	case model.EventMachineUpdated:
		if ev.Machine == nil {
			return nil
		}
		return map[string]any{
			"t":         string(ev.Type),
			"machineId": ev.MachineID,
			"machine":   EncodeMachine(*ev.Machine),
		}
	case model.EventMessageReceived:
		if ev.Message == nil {
			return nil
		}
		return map[string]any{
			"t":       string(ev.Type),
			"sid":     ev.SessionID,
			"message": EncodeMessage(*ev.Message),
		}
	case model.EventToast:
		return map[string]any{"t": string(ev.Type), "title": ev.Title, "body": ev.Body}
	case model.EventConnectionChanged:
		body := map[string]any{"t": string(ev.Type), "connected": ev.Connected}
		if ev.SessionID != "" {
			body["sid"] = ev.SessionID
		}
		if ev.MachineID != "" {
			body["machineId"] = ev.MachineID
		}
		return body
	}
	return nil
}
