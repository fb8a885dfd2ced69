package telegram

import (
	"fmt"
	"strings"

	"ticket-portal/internal/backend"
)

const (
	callbackApprove = "approve"
	callbackReject  = "reject"
	maxListed       = 20
	maxLogLines     = 15
)

func announcementText(req backend.PendingRequest) string {
	var b strings.Builder
	b.WriteString("Nueva solicitud\n\n")
	fmt.Fprintf(&b, "ID: %s\n", req.ID)
	if req.Username != "" {
		fmt.Fprintf(&b, "Usuario: %s\n", req.Username)
	}
	fmt.Fprintf(&b, "Plan: %s\n", req.Plan)
	fmt.Fprintf(&b, "Referencia: %s\n", req.PaymentRef)
	if req.CreatedAt != "" {
		fmt.Fprintf(&b, "Fecha: %s\n", req.CreatedAt)
	}
	if req.Source != "" {
		fmt.Fprintf(&b, "Origen: %s", req.Source)
	}
	return strings.TrimRight(b.String(), "\n")
}

func resolvedText(requestID, outcome, by string) string {
	if by == "" {
		return fmt.Sprintf("Solicitud %s: %s", requestID, outcome)
	}
	return fmt.Sprintf("Solicitud %s: %s por @%s", requestID, outcome, by)
}

func severityMark(e backend.LogEntry) string {
	switch e.Severity() {
	case "error":
		return "🔴"
	case "warning":
		return "🟡"
	case "info":
		return "🔵"
	default:
		return "⚪"
	}
}

func logsText(title string, logs []backend.LogEntry) string {
	if len(logs) == 0 {
		return title + ": sin registros"
	}
	if len(logs) > maxLogLines {
		logs = logs[len(logs)-maxLogLines:]
	}

	var b strings.Builder
	b.WriteString(title + ":\n")
	for _, e := range logs {
		fmt.Fprintf(&b, "%s %s %s\n", severityMark(e), e.Timestamp, e.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}

func usersText(users []backend.ActiveUser) string {
	if len(users) == 0 {
		return "No hay usuarios activos"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Usuarios activos (%d):\n", len(users))
	for i, u := range users {
		if i == maxListed {
			fmt.Fprintf(&b, "… y %d más", len(users)-maxListed)
			break
		}
		state := "inactivo"
		if u.IsActive {
			state = "activo"
		}
		fmt.Fprintf(&b, "• %s (%s) restante %s, IP %s\n", u.Username, state, u.TimeLeft, u.IPAddress)
	}
	return strings.TrimRight(b.String(), "\n")
}

func pendingText(reqs []backend.PendingRequest) string {
	if len(reqs) == 0 {
		return "No hay solicitudes pendientes"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Solicitudes pendientes (%d):\n", len(reqs))
	for i, r := range reqs {
		if i == maxListed {
			fmt.Fprintf(&b, "… y %d más", len(reqs)-maxListed)
			break
		}
		fmt.Fprintf(&b, "• %s %s ref %s\n", r.ID, r.Plan.Name, r.PaymentRef)
	}
	return strings.TrimRight(b.String(), "\n")
}
