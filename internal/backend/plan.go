package backend

import (
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
)

// String renders the plan with its duration and both prices,
// e.g. "Básico (1 hora) - $10.00 / Bs 365.00"
func (p Plan) String() string {
	return fmt.Sprintf("%s (%s) - $%s / Bs %s",
		p.Name, formatDuration(p.Length()),
		humanize.FormatFloat("#,###.##", p.PriceUSD),
		humanize.FormatFloat("#,###.##", p.PriceBs))
}

// Length is the plan duration rounded to the minute
func (p Plan) Length() time.Duration {
	return time.Duration(math.Round(p.Duration)) * time.Minute
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "sin duración"
	case d%(24*time.Hour) == 0:
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 día"
		}
		return fmt.Sprintf("%d días", days)
	case d%time.Hour == 0:
		hours := int(d / time.Hour)
		if hours == 1 {
			return "1 hora"
		}
		return fmt.Sprintf("%d horas", hours)
	default:
		return fmt.Sprintf("%d min", int(d/time.Minute))
	}
}
